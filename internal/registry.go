package internal

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one connected client. Frames queued on it are written by the
// connection's writer loop in queue order.
type Session struct {
	ID string

	state atomic.Int32
	queue chan []byte
	drop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewSession(id string, queueSize int) *Session {
	if queueSize < 1 {
		queueSize = 1
	}

	return &Session{
		ID:    id,
		queue: make(chan []byte, queueSize),
		drop:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) activate() bool {
	return s.state.CompareAndSwap(int32(SessionConnecting), int32(SessionActive))
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(SessionClosed))
		close(s.done)
	})
}

// Drop asks the session's connection to close itself.
func (s *Session) Drop() {
	select {
	case s.drop <- struct{}{}:
	default:
	}
}

func (s *Session) Queue() <-chan []byte {
	return s.queue
}

func (s *Session) Dropped() <-chan struct{} {
	return s.drop
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) send(ctx context.Context, b []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.queue <- b:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) trySend(b []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.queue <- b:
		return nil
	default:
		return ErrQueueFull
	}
}

// Registry tracks the live sessions of this gateway instance.
type Registry struct {
	lock     sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

func (r *Registry) Register(session *Session) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.sessions[session.ID] = session
	session.activate()
}

// Deregister removes and closes the session. It reports whether the session
// was registered.
func (r *Registry) Deregister(session *Session) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	session.Close()

	current, ok := r.sessions[session.ID]
	if !ok || current != session {
		return false
	}

	delete(r.sessions, session.ID)
	return true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	session, ok := r.sessions[id]
	return session, ok
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.sessions)
}

// Sessions returns a snapshot ordered by id.
func (r *Registry) Sessions() []*Session {
	r.lock.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.lock.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})

	return sessions
}

func (r *Registry) SendTo(ctx context.Context, session *Session, reply Reply) error {
	b, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	return session.send(ctx, b)
}

// Broadcast queues reply on every active session except skip. A full or
// closed session is logged and passed over; it is never blocked on and
// never deregistered here.
func (r *Registry) Broadcast(reply Reply, skip *Session) error {
	b, err := json.Marshal(reply)
	if err != nil {
		return err
	}

	r.BroadcastRaw(b, skip)
	return nil
}

func (r *Registry) BroadcastRaw(b []byte, skip *Session) {
	for _, session := range r.Sessions() {
		if session == skip || session.State() != SessionActive {
			continue
		}

		if err := session.trySend(b); err != nil {
			r.logger.Warn("failed to deliver broadcast", slog.String("id", session.ID), slog.Any("err", err))
		}
	}
}
