package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func receive(t *testing.T, session *Session) Reply {
	t.Helper()

	select {
	case b := <-session.Queue():
		reply := Reply{}
		require.NoError(t, json.Unmarshal(b, &reply))
		return reply
	case <-time.After(defaultWaitTime):
		t.Fatal("no frame queued")
		return Reply{}
	}
}

func assertEmpty(t *testing.T, session *Session) {
	t.Helper()

	select {
	case b := <-session.Queue():
		t.Fatalf("unexpected frame %s", b)
	default:
	}
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	session := NewSession("a", 1)

	assert.Equal(t, SessionConnecting, session.State())

	registry.Register(session)
	assert.Equal(t, SessionActive, session.State())
	assert.Equal(t, 1, registry.Len())

	got, ok := registry.Get("a")
	require.True(t, ok)
	assert.Same(t, session, got)

	assert.True(t, registry.Deregister(session))
	assert.False(t, registry.Deregister(session))
	assert.Equal(t, SessionClosed, session.State())
	assert.Equal(t, 0, registry.Len())

	err := registry.SendTo(context.Background(), session, SaveReply())
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestRegistryBroadcast(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	a := NewSession("a", 4)
	b := NewSession("b", 4)
	connecting := NewSession("c", 4)

	registry.Register(a)
	registry.Register(b)

	require.NoError(t, registry.Broadcast(StateReply(ChannelState{1, 2}), nil))

	assert.Equal(t, MessageTypeState, receive(t, a).Type)
	assert.Equal(t, MessageTypeState, receive(t, b).Type)
	assertEmpty(t, connecting)

	require.NoError(t, registry.Broadcast(SaveReply(), a))
	assertEmpty(t, a)
	assert.Equal(t, MessageTypeSave, receive(t, b).Type)
}

func TestRegistryBroadcastSlowReceiver(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	slow := NewSession("slow", 1)
	fast := NewSession("fast", 4)

	registry.Register(slow)
	registry.Register(fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			_ = registry.Broadcast(SaveReply(), nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(defaultWaitTime):
		t.Fatal("broadcast blocked on a full queue")
	}

	for i := 0; i < 3; i++ {
		receive(t, fast)
	}

	receive(t, slow)
	assertEmpty(t, slow)

	// a full queue never deregisters
	assert.Equal(t, 2, registry.Len())
}

func TestRegistryBroadcastSkipsClosed(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	session := NewSession("a", 1)
	registry.Register(session)
	session.Close()

	require.NoError(t, registry.Broadcast(SaveReply(), nil))
	assertEmpty(t, session)
}

func TestSendToKeepsOrder(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	session := NewSession("a", 1)
	registry.Register(session)

	ctx := context.Background()
	go func() {
		_ = registry.SendTo(ctx, session, SaveReply())
		_ = registry.SendTo(ctx, session, PresetsReply(nil))
		_ = registry.SendTo(ctx, session, StateReply(nil))
	}()

	assert.Equal(t, MessageTypeSave, receive(t, session).Type)
	assert.Equal(t, MessageTypePresets, receive(t, session).Type)
	assert.Equal(t, MessageTypeState, receive(t, session).Type)
}

func TestSendToUnblocksOnClose(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	session := NewSession("a", 1)
	registry.Register(session)

	ctx := context.Background()
	require.NoError(t, registry.SendTo(ctx, session, SaveReply()))

	errc := make(chan error, 1)
	go func() {
		errc <- registry.SendTo(ctx, session, SaveReply())
	}()

	registry.Deregister(session)

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(defaultWaitTime):
		t.Fatal("send stayed blocked after close")
	}
}

func TestSessionDrop(t *testing.T) {
	t.Parallel()

	session := NewSession("a", 1)
	session.Drop()
	session.Drop()

	select {
	case <-session.Dropped():
	default:
		t.Fatal("drop not signalled")
	}
}
