package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

// Cluster relays session drops between gateway instances that share a redis
// channel. State never crosses instances: each instance answers only for its
// own fixture.
type Cluster struct {
	Registry   *Registry
	Redis      *redis.Client
	Channel    string
	InstanceID string
	Logger     *slog.Logger
}

func (c *Cluster) publish(ctx context.Context, event Event) error {
	event.Origin = c.InstanceID

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return c.Redis.Publish(ctx, c.Channel, base64.RawURLEncoding.EncodeToString(b)).Err()
}

// Drop closes session id wherever it lives. It reports whether the session
// was local.
func (c *Cluster) Drop(ctx context.Context, id string) (bool, error) {
	if session, ok := c.Registry.Get(id); ok {
		session.Drop()
		return true, nil
	}

	return false, c.publish(ctx, Event{Type: EventTypeDrop, ID: id})
}

func (c *Cluster) Subscribe(ctx context.Context) {
	sub := c.Redis.Subscribe(ctx, c.Channel)
	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = sub.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			c.handle(msg.Payload)
		}
	}
}

func (c *Cluster) handle(payload string) {
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		c.Logger.Error("failed to decode cluster event", slog.Any("err", err))
		return
	}

	event := Event{}
	if err := json.Unmarshal(b, &event); err != nil {
		c.Logger.Error("failed to unmarshal cluster event", slog.Any("err", err))
		return
	}

	if event.Origin == c.InstanceID {
		return
	}

	switch event.Type {
	case EventTypeDrop:
		session, ok := c.Registry.Get(event.ID)
		if !ok {
			return
		}

		session.Drop()
	default:
		c.Logger.Warn("unknown event type", slog.String("event", string(event.Type)))
	}
}
