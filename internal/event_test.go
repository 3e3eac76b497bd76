package internal

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func encodeEvent(t *testing.T, event Event) string {
	t.Helper()

	b, err := json.Marshal(event)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestClusterHandle(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(slog.Default())
	cluster := &Cluster{Registry: registry, InstanceID: "local", Logger: slog.Default()}

	session := NewSession("a", 4)
	registry.Register(session)

	// own events are ignored
	cluster.handle(encodeEvent(t, Event{Type: EventTypeDrop, Origin: "local", ID: "a"}))
	select {
	case <-session.Dropped():
		t.Fatal("own drop event applied")
	default:
	}

	cluster.handle(encodeEvent(t, Event{Type: EventTypeDrop, Origin: "remote", ID: "a"}))
	select {
	case <-session.Dropped():
	default:
		t.Fatal("drop not relayed")
	}

	// state from another instance's fixture is never delivered here
	cluster.handle(encodeEvent(t, Event{Type: "broadcast", Origin: "remote"}))
	assertEmpty(t, session)

	// garbage is logged and ignored
	cluster.handle("!!!")
	cluster.handle(encodeEvent(t, Event{Type: "bogus", Origin: "remote"}))
	assertEmpty(t, session)
}

func newClusterGateway(t *testing.T, rdb *Cluster) *Gateway {
	t.Helper()

	return NewGateway(slog.Default(), NewFixtureState(NewMemoryDriver(2)), openSQLite(t, MatchFirst), rdb, Options{
		InstanceID:       rdb.InstanceID,
		BroadcastChanges: true,
	})
}

func TestClusterRelay(t *testing.T) {
	rdb := redisClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "webdmx:test:" + ksuid.New().String()

	first := newClusterGateway(t, &Cluster{Redis: rdb, Channel: channel, InstanceID: "first", Logger: slog.Default()})
	second := newClusterGateway(t, &Cluster{Redis: rdb, Channel: channel, InstanceID: "second", Logger: slog.Default()})

	go first.Run(ctx)
	go second.Run(ctx)

	sender := open(t, first.Handler, "sender")
	local := open(t, first.Handler, "local")
	remote := open(t, second.Handler, "remote")
	receive(t, sender)
	receive(t, local)
	receive(t, remote)

	// wait for the subscriptions to be live
	time.Sleep(defaultWaitTime)

	handle(t, first.Handler, sender, MessageTypeChange, []int{3, 4})

	assert.Equal(t, ChannelState{3, 4}, stateOf(t, receive(t, local)))

	// the other instance keeps its own fixture and hears nothing about ours
	time.Sleep(defaultWaitTime)
	assertEmpty(t, remote)
	assert.Equal(t, ChannelState{0, 0}, fetch(t, second.Handler))

	isLocal, err := first.drop(ctx, "remote")
	require.NoError(t, err)
	assert.False(t, isLocal)

	select {
	case <-remote.Dropped():
	case <-time.After(10 * defaultWaitTime):
		t.Fatal("drop did not cross instances")
	}
}
