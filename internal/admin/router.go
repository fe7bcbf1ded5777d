// Package admin exposes the daemon's operational HTTP surface: health, offline
// queue statistics, on-demand sync, cache invalidation and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ambiyansyah-risyal/fieldsync"
)

// StatsSource reports offline queue statistics.
type StatsSource interface {
	Stats(ctx context.Context) fieldsync.OfflineStats
}

// CacheControl drops cached responses.
type CacheControl interface {
	ClearCache(ctx context.Context)
	ClearCacheFor(ctx context.Context, prefix string) int
}

// SyncRequester asks for a sync pass without waiting for it.
type SyncRequester interface {
	RequestSync(ctx context.Context, reason string) error
}

// SyncRequesterFunc adapts a function to SyncRequester.
type SyncRequesterFunc func(ctx context.Context, reason string) error

func (f SyncRequesterFunc) RequestSync(ctx context.Context, reason string) error {
	return f(ctx, reason)
}

type Options struct {
	Stats   StatsSource
	Cache   CacheControl
	Sync    SyncRequester
	Syncing func() bool
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
	Version  string
}

type server struct {
	opts Options
}

// NewRouter builds the admin router.
func NewRouter(opts Options) http.Handler {
	if opts.Syncing == nil {
		opts.Syncing = func() bool { return false }
	}
	s := &server{opts: opts}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Dur("duration", duration).
			Msg("admin request")
	}))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("write health response")
		}
	})
	r.Get("/stats", s.handleStats)
	r.Post("/sync", s.handleSync)
	r.Delete("/cache", s.handleClearCache)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type statsResponse struct {
	fieldsync.OfflineStats
	Syncing bool   `json:"syncing"`
	Version string `json:"version,omitempty"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		http.Error(w, "stats unavailable", http.StatusNotImplemented)
		return
	}
	writeJSON(w, r, http.StatusOK, statsResponse{
		OfflineStats: s.opts.Stats.Stats(r.Context()),
		Syncing:      s.opts.Syncing(),
		Version:      s.opts.Version,
	})
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sync == nil {
		http.Error(w, "sync unavailable", http.StatusNotImplemented)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "admin"
	}
	if err := s.opts.Sync.RequestSync(r.Context(), reason); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sync request failed")
		http.Error(w, "failed to queue sync", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.opts.Cache == nil {
		http.Error(w, "cache unavailable", http.StatusNotImplemented)
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		s.opts.Cache.ClearCache(r.Context())
		writeJSON(w, r, http.StatusOK, map[string]any{"cleared": "all"})
		return
	}
	if prefix[0] != '/' {
		http.Error(w, "prefix must start with /", http.StatusBadRequest)
		return
	}
	n := s.opts.Cache.ClearCacheFor(r.Context(), prefix)
	writeJSON(w, r, http.StatusOK, map[string]any{"cleared": prefix, "removed": n})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("write response")
	}
}
