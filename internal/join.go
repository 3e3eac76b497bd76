package internal

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
	"nhooyr.io/websocket"
)

type JoinOptions struct {
	QueueSize      int
	PingInterval   time.Duration
	OriginPatterns []string
}

func JoinRoute(handler *Handler, logger *slog.Logger, opts JoinOptions) http.HandlerFunc {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 45 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		kid, err := ksuid.NewRandom()
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		id := kid.String()
		log := logger.With(slog.String("id", id))

		acceptOpts := &websocket.AcceptOptions{
			OriginPatterns:     opts.OriginPatterns,
			InsecureSkipVerify: len(opts.OriginPatterns) == 0,
		}

		conn, err := websocket.Accept(w, r, acceptOpts)
		if err != nil {
			log.Debug("failed to accept websocket", slog.Any("err", err))
			return
		}

		//goland:noinspection GoUnhandledErrorResult
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		session := NewSession(id, opts.QueueSize)

		defer func() {
			handler.Close(session)
			log.Info("left", slog.Int("sessions", handler.Registry.Len()))
		}()

		log.Info("joined")

		if err := handler.Open(ctx, session); err != nil {
			log.Error("failed to send initial state", slog.Any("err", err))
		}

		go func() {
			defer cancel()
			for {
				typ, b, err := conn.Read(ctx)
				if err != nil {
					logClose(log, err)
					return
				}

				if typ != websocket.MessageText {
					log.Warn("binary frame rejected")
					_ = conn.Close(websocket.StatusUnsupportedData, "text frames only")
					return
				}

				outcome, err := handler.Handle(ctx, session, b)
				if err != nil {
					if Fatal(err) {
						log.Warn("closing session", slog.Any("err", err))
						_ = conn.Close(websocket.StatusInvalidFramePayloadData, "malformed message")
						return
					}

					log.Error("failed to process message", slog.Any("err", err))
					continue
				}

				log.Debug("message processed", slog.String("outcome", outcome.String()))
			}
		}()

		go func() {
			t := time.NewTicker(opts.PingInterval)
			defer t.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := conn.Ping(ctx); err != nil {
						if ctx.Err() == nil {
							log.Warn("failed to ping", slog.Any("err", err))
						}
						_ = conn.Close(websocket.StatusGoingAway, "hello?")
						cancel()
						return
					}
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-session.Dropped():
				_ = conn.Close(websocket.StatusNormalClosure, "dropped")
				return
			case b := <-session.Queue():
				if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
					logClose(log, err)
					return
				}
			}
		}
	}
}

// logClose records why a connection ended. Closes and resets are expected
// and are not logged as failures.
func logClose(log *slog.Logger, err error) {
	switch status := websocket.CloseStatus(err); {
	case errors.Is(err, context.Canceled):
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		log.Info("connection closed")
	case status != -1:
		log.Info("connection closed (with error)", slog.Int("status", int(status)))
	default:
		log.Info("connection reset", slog.Any("err", err))
	}
}
