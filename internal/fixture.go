package internal

import (
	"context"
	"fmt"
	"sync"
)

// FixtureDriver talks to the physical controller.
type FixtureDriver interface {
	Channels() int
	FetchState(ctx context.Context) ([]byte, error)
	LoadState(ctx context.Context, values []byte) error
}

// FixtureState is the single owner of the controller's channel values.
// Every read and write goes through one mutex, so a merge's fetch and apply
// halves can never interleave with another session's.
type FixtureState struct {
	lock   sync.Mutex
	driver FixtureDriver
}

func NewFixtureState(driver FixtureDriver) *FixtureState {
	return &FixtureState{driver: driver}
}

func (f *FixtureState) Channels() int {
	return f.driver.Channels()
}

func (f *FixtureState) Fetch(ctx context.Context) (ChannelState, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.fetch(ctx)
}

func (f *FixtureState) Apply(ctx context.Context, state ChannelState) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.apply(ctx, state)
}

// Merge runs fetch, fn and apply as one step and returns the applied state.
func (f *FixtureState) Merge(ctx context.Context, fn func(current ChannelState) ChannelState) (ChannelState, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	current, err := f.fetch(ctx)
	if err != nil {
		return nil, err
	}

	next := fn(current)
	if err := f.apply(ctx, next); err != nil {
		return nil, err
	}

	return next, nil
}

func (f *FixtureState) fetch(ctx context.Context) (ChannelState, error) {
	b, err := f.driver.FetchState(ctx)
	if err != nil {
		return nil, &DriverError{Op: "fetch", Err: err}
	}

	return ChannelState(b).Clone(), nil
}

func (f *FixtureState) apply(ctx context.Context, state ChannelState) error {
	if len(state) != f.driver.Channels() {
		return fmt.Errorf("%w: got %v want %v", ErrChannelCount, len(state), f.driver.Channels())
	}

	if err := f.driver.LoadState(ctx, []byte(state.Clone())); err != nil {
		return &DriverError{Op: "load", Err: err}
	}

	return nil
}

// MergeAdd overwrites every channel the preset drives above zero.
func MergeAdd(current, preset ChannelState) ChannelState {
	out := current.Clone()
	for i := 0; i < len(out) && i < len(preset); i++ {
		if preset[i] > 0 {
			out[i] = preset[i]
		}
	}

	return out
}

// MergeSub lowers every channel the preset drives above zero, flooring at zero.
func MergeSub(current, preset ChannelState) ChannelState {
	out := current.Clone()
	for i := 0; i < len(out) && i < len(preset); i++ {
		if preset[i] == 0 {
			continue
		}

		if out[i] > preset[i] {
			out[i] -= preset[i]
		} else {
			out[i] = 0
		}
	}

	return out
}

// MemoryDriver keeps the channel values in process. Used for dry runs.
type MemoryDriver struct {
	lock   sync.Mutex
	values []byte
}

func NewMemoryDriver(channels int) *MemoryDriver {
	return &MemoryDriver{values: make([]byte, channels)}
}

func (d *MemoryDriver) Channels() int {
	return len(d.values)
}

func (d *MemoryDriver) FetchState(ctx context.Context) ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	out := make([]byte, len(d.values))
	copy(out, d.values)
	return out, nil
}

func (d *MemoryDriver) LoadState(ctx context.Context, values []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()

	copy(d.values, values)
	return nil
}
