package internal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nickysemenza/gola"
	"golang.org/x/exp/slog"
)

// OLAClient is the subset of the OLA rpc client the driver needs.
type OLAClient interface {
	SendDmx(universe int, values []byte) (status bool, err error)
	Close()
}

// OLADriver mirrors one DMX universe. OLA only holds a frame while it keeps
// being sent, so the buffer is the source of truth and RefreshWorker
// retransmits it.
type OLADriver struct {
	lock     sync.Mutex
	client   OLAClient
	universe int
	values   []byte
}

func DialOLA(addr string, universe, channels int) (*OLADriver, error) {
	client, err := gola.New(addr)
	if err != nil {
		return nil, err
	}

	return NewOLADriver(client, universe, channels), nil
}

func NewOLADriver(client OLAClient, universe, channels int) *OLADriver {
	return &OLADriver{
		client:   client,
		universe: universe,
		values:   make([]byte, channels),
	}
}

func (d *OLADriver) Channels() int {
	return len(d.values)
}

func (d *OLADriver) FetchState(ctx context.Context) ([]byte, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	out := make([]byte, len(d.values))
	copy(out, d.values)
	return out, nil
}

func (d *OLADriver) LoadState(ctx context.Context, values []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	frame := make([]byte, len(d.values))
	copy(frame, values)

	if err := d.send(frame); err != nil {
		return err
	}

	d.values = frame
	return nil
}

func (d *OLADriver) send(frame []byte) error {
	ok, err := d.client.SendDmx(d.universe, frame)
	if err != nil {
		return err
	}

	if !ok {
		return errors.New("ola rejected dmx frame")
	}

	return nil
}

// RefreshWorker resends the current frame every tick until ctx is done.
func (d *OLADriver) RefreshWorker(ctx context.Context, logger *slog.Logger, tick time.Duration) {
	defer d.client.Close()

	t := time.NewTimer(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("ola refresh stopped")
			return
		case <-t.C:
			d.lock.Lock()
			err := d.send(d.values)
			d.lock.Unlock()

			if err != nil {
				logger.Warn("failed to refresh dmx frame", slog.Any("err", err))
			}

			t.Reset(tick)
		}
	}
}
