package internal

import (
	"context"
	"encoding/json"
)

// PresetStore is an append-only list of named snapshots. Saving an existing
// name adds another row; Load resolves duplicates by the store's MatchPolicy.
type PresetStore interface {
	List(ctx context.Context) ([]Preset, error)
	Load(ctx context.Context, name string) (ChannelState, error)
	Save(ctx context.Context, name string, state ChannelState) error
	Close() error
}

func encodePayload(state ChannelState) (string, error) {
	if state == nil {
		state = ChannelState{}
	}

	b, err := json.Marshal(state)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func decodePayload(payload string) (ChannelState, error) {
	state := ChannelState{}
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, err
	}

	return state, nil
}
