package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/exp/slog"
)

// Outcome is what processing one inbound frame resulted in.
type Outcome int

const (
	OutcomeNoOp Outcome = iota
	OutcomeApplied
	OutcomeReplied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoOp:
		return "noop"
	case OutcomeApplied:
		return "applied"
	case OutcomeReplied:
		return "replied"
	default:
		return "unknown"
	}
}

// Handler runs the sync protocol for every session of a gateway.
type Handler struct {
	Fixture  *FixtureState
	Presets  PresetStore
	Registry *Registry
	Logger   *slog.Logger

	// BroadcastChanges also sends every new state to the other sessions of
	// this instance.
	BroadcastChanges bool
}

// Open registers session and sends it the current state. The initial sync
// is private to the new session.
func (h *Handler) Open(ctx context.Context, session *Session) error {
	h.Registry.Register(session)

	state, err := h.Fixture.Fetch(ctx)
	if err != nil {
		return err
	}

	return h.Registry.SendTo(ctx, session, StateReply(state))
}

// Close deregisters session. It reports whether this call removed it.
func (h *Handler) Close(session *Session) bool {
	return h.Registry.Deregister(session)
}

// Handle processes one inbound frame. A *ProtocolError means the session
// must be closed; any other error aborted only this frame.
func (h *Handler) Handle(ctx context.Context, session *Session, frame []byte) (Outcome, error) {
	msg := Message{}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return OutcomeNoOp, &ProtocolError{Err: err}
	}

	switch msg.Type {
	case MessageTypeChange:
		return h.change(ctx, session, msg)
	case MessageTypeSave:
		return h.save(ctx, session, msg)
	case MessageTypePresets:
		return h.presets(ctx, session)
	case MessageTypeLoad, MessageTypeLoadReplace:
		return h.load(ctx, session, msg, nil)
	case MessageTypeLoadAdd:
		return h.load(ctx, session, msg, MergeAdd)
	case MessageTypeLoadSub:
		return h.load(ctx, session, msg, MergeSub)
	default:
		return OutcomeNoOp, nil
	}
}

func (h *Handler) change(ctx context.Context, session *Session, msg Message) (Outcome, error) {
	state := ChannelState{}
	if err := json.Unmarshal(msg.Value, &state); err != nil {
		return OutcomeNoOp, &ProtocolError{Err: fmt.Errorf("change value: %w", err)}
	}

	if err := h.Fixture.Apply(ctx, state); err != nil {
		return OutcomeNoOp, err
	}

	h.announce(session, state)
	return OutcomeApplied, nil
}

func (h *Handler) save(ctx context.Context, session *Session, msg Message) (Outcome, error) {
	name, err := presetName(msg)
	if err != nil {
		return OutcomeNoOp, err
	}

	state, err := h.Fixture.Fetch(ctx)
	if err != nil {
		return OutcomeNoOp, err
	}

	if err := h.Presets.Save(ctx, name, state); err != nil {
		return OutcomeNoOp, err
	}

	return OutcomeReplied, h.Registry.SendTo(ctx, session, SaveReply())
}

func (h *Handler) presets(ctx context.Context, session *Session) (Outcome, error) {
	presets, err := h.Presets.List(ctx)
	if err != nil {
		return OutcomeNoOp, err
	}

	return OutcomeReplied, h.Registry.SendTo(ctx, session, PresetsReply(presets))
}

// load recalls a preset. With a nil merge the preset replaces the state;
// otherwise merge combines it with the current state in one serialized step.
// A missing preset loads nothing.
func (h *Handler) load(ctx context.Context, session *Session, msg Message, merge func(current, preset ChannelState) ChannelState) (Outcome, error) {
	name, err := presetName(msg)
	if err != nil {
		return OutcomeNoOp, err
	}

	preset, err := h.Presets.Load(ctx, name)
	found := true
	if errors.Is(err, ErrPresetNotFound) {
		found = false
		preset = ChannelState{}
	} else if err != nil {
		return OutcomeNoOp, err
	}

	var state ChannelState
	switch {
	case merge != nil:
		state, err = h.Fixture.Merge(ctx, func(current ChannelState) ChannelState {
			return merge(current, preset)
		})
		if err != nil {
			return OutcomeNoOp, err
		}
	case found:
		err := h.Fixture.Apply(ctx, preset)
		if errors.Is(err, ErrChannelCount) {
			// the preset predates the current channel count; nothing changed
			h.Logger.Warn("preset not applied", slog.String("id", session.ID), slog.String("preset", name), slog.Any("err", err))

			current, err := h.Fixture.Fetch(ctx)
			if err != nil {
				return OutcomeNoOp, err
			}

			return OutcomeReplied, h.Registry.SendTo(ctx, session, StateReply(current))
		} else if err != nil {
			return OutcomeNoOp, err
		}
		state = preset
	default:
		state = ChannelState{}
	}

	if found {
		h.Logger.Info("loaded preset", slog.String("id", session.ID), slog.String("preset", name), slog.String("type", string(msg.Type)))
		h.announce(session, state)
	}

	return OutcomeReplied, h.Registry.SendTo(ctx, session, StateReply(state))
}

func (h *Handler) announce(session *Session, state ChannelState) {
	if !h.BroadcastChanges {
		return
	}

	if err := h.Registry.Broadcast(StateReply(state), session); err != nil {
		h.Logger.Error("failed to broadcast state", slog.Any("err", err))
	}
}

func presetName(msg Message) (string, error) {
	var name string
	if err := json.Unmarshal(msg.Value, &name); err != nil {
		return "", &ProtocolError{Err: fmt.Errorf("%v value: %w", msg.Type, err)}
	}

	return name, nil
}
