package internal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPresets appends rows to a single list, so storage order is list order.
type RedisPresets struct {
	rdb    *redis.Client
	key    string
	policy MatchPolicy
}

func NewRedisPresets(rdb *redis.Client, key string, policy MatchPolicy) *RedisPresets {
	return &RedisPresets{rdb: rdb, key: key, policy: policy}
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisPresets) Close() error {
	return nil
}

type redisRow struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

func (s *RedisPresets) rows(ctx context.Context, op string) ([]Preset, error) {
	res, err := s.rdb.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}

	presets := make([]Preset, 0, len(res))
	for _, raw := range res {
		row := redisRow{}
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, &StorageError{Op: op, Err: err}
		}

		value, err := decodePayload(row.Payload)
		if err != nil {
			return nil, &StorageError{Op: op, Err: fmt.Errorf("preset %q: %w", row.Name, err)}
		}

		presets = append(presets, Preset{Name: row.Name, Value: value})
	}

	return presets, nil
}

func (s *RedisPresets) List(ctx context.Context) ([]Preset, error) {
	return s.rows(ctx, "list")
}

func (s *RedisPresets) Load(ctx context.Context, name string) (ChannelState, error) {
	presets, err := s.rows(ctx, "load")
	if err != nil {
		return nil, err
	}

	var found *Preset
	for i := range presets {
		if presets[i].Name != name {
			continue
		}

		found = &presets[i]
		if s.policy != MatchLast {
			break
		}
	}

	if found == nil {
		return nil, ErrPresetNotFound
	}

	return found.Value, nil
}

func (s *RedisPresets) Save(ctx context.Context, name string, state ChannelState) error {
	payload, err := encodePayload(state)
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	b, err := json.Marshal(redisRow{Name: name, Payload: payload})
	if err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	if err := s.rdb.RPush(ctx, s.key, string(b)).Err(); err != nil {
		return &StorageError{Op: "save", Err: err}
	}

	return nil
}
