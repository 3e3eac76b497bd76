package internal

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/exp/slog"
)

type Options struct {
	InstanceID       string
	BroadcastChanges bool
	Join             JoinOptions
}

// Gateway owns the sessions, the fixture and the preset store of one
// instance.
type Gateway struct {
	Handler *Handler
	Cluster *Cluster
	Logger  *slog.Logger
	Options Options
}

func NewGateway(logger *slog.Logger, fixture *FixtureState, presets PresetStore, cluster *Cluster, opts Options) *Gateway {
	registry := NewRegistry(logger)

	handler := &Handler{
		Fixture:          fixture,
		Presets:          presets,
		Registry:         registry,
		Logger:           logger,
		BroadcastChanges: opts.BroadcastChanges,
	}

	if cluster != nil {
		cluster.Registry = registry
	}

	return &Gateway{
		Handler: handler,
		Cluster: cluster,
		Logger:  logger,
		Options: opts,
	}
}

// Run blocks relaying cluster events until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	if g.Cluster == nil {
		<-ctx.Done()
		return
	}

	g.Cluster.Subscribe(ctx)
}

func (g *Gateway) Registry() *Registry {
	return g.Handler.Registry
}

// SocketRouter serves the real-time protocol.
func (g *Gateway) SocketRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(mid(g.Options.InstanceID))
	router.Get("/", JoinRoute(g.Handler, g.Logger, g.Options.Join))

	return router
}

// StatusRouter serves health and session introspection.
func (g *Gateway) StatusRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(mid(g.Options.InstanceID))
	router.Get("/health", health())
	router.Get("/status", g.statusRoute())
	router.Get("/sessions", g.sessionsRoute())
	router.Delete("/sessions/{id}", g.dropRoute())

	return router
}

func (g *Gateway) drop(ctx context.Context, id string) (bool, error) {
	if g.Cluster != nil {
		return g.Cluster.Drop(ctx, id)
	}

	session, ok := g.Registry().Get(id)
	if !ok {
		return false, nil
	}

	session.Drop()
	return true, nil
}

type Status struct {
	Instance string `json:"instance"`
	Channels int    `json:"channels"`
	Sessions int    `json:"sessions"`
}

func (g *Gateway) statusRoute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Status{
			Instance: g.Options.InstanceID,
			Channels: g.Handler.Fixture.Channels(),
			Sessions: g.Registry().Len(),
		})
	}
}

type SessionInfo struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (g *Gateway) sessionsRoute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := g.Registry().Sessions()
		out := make([]SessionInfo, 0, len(sessions))
		for _, session := range sessions {
			out = append(out, SessionInfo{ID: session.ID, State: session.State().String()})
		}

		writeJSON(w, http.StatusOK, out)
	}
}

func (g *Gateway) dropRoute() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		local, err := g.drop(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			g.Logger.Error("failed to drop session", slog.Any("err", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if local {
			w.WriteHeader(http.StatusOK)
			return
		}

		if g.Cluster != nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func mid(instanceID string) func(http.Handler) http.Handler {
	return func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Server", "webdmx")
			w.Header().Set("Instance-ID", instanceID)
			handler.ServeHTTP(w, r)
		})
	}
}
