// Package httpapi exposes the download gate over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/bigbes/snapshot-gate/internal/auth"
	"github.com/bigbes/snapshot-gate/internal/bandwidth"
	"github.com/bigbes/snapshot-gate/internal/gate"
)

// Admitter decides download requests.
type Admitter interface {
	Admit(req gate.Request) (gate.Decision, error)
}

// Registry is the part of the connection registry the internal endpoints use.
type Registry interface {
	UpdateConnection(id string, bytes int64)
	EndConnection(id string)
	ResetMonthlyUsage() int
	Usage(userID string) int64
	UserConnections(userID string) []bandwidth.Connection
	Stats() bandwidth.Stats
}

// CountryLookup resolves client addresses. *geoip.DB satisfies it.
type CountryLookup interface {
	LookupCountry(addr netip.Addr) string
}

// Observer receives request-level events. metrics.Sink satisfies it.
type Observer interface {
	ObserveAnonymous(country string)
	ObserveReset(users int)
}

type nopObserver struct{}

func (nopObserver) ObserveAnonymous(string) {}
func (nopObserver) ObserveReset(int)        {}

// Config wires a Server.
type Config struct {
	Listen        string
	InternalToken string // bearer for byte reports, teardown and stats
	ResetToken    string // bearer for the monthly reset trigger

	Geo      CountryLookup // optional
	Observer Observer      // optional
	// OnReset is called after every monthly reset, e.g. to journal it.
	OnReset func(at time.Time, users int)
}

// Server serves the public download API and the internal control API.
type Server struct {
	gate     Admitter
	registry Registry
	resolver *auth.Resolver
	cfg      Config
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

func New(g Admitter, registry Registry, resolver *auth.Resolver, cfg Config, logger *slog.Logger) *Server {
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Server{
		gate:     g,
		registry: registry,
		resolver: resolver,
		cfg:      cfg,
		observer: obs,
		logger:   logger,
		now:      time.Now,
	}
}

// Handler returns the routed and logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/downloads", s.handleDownload)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Internal routes (bearer authenticated).
	mux.HandleFunc("POST /internal/connections/{id}/bytes", s.bearer(s.cfg.InternalToken, s.handleBytes))
	mux.HandleFunc("DELETE /internal/connections/{id}", s.bearer(s.cfg.InternalToken, s.handleEnd))
	mux.HandleFunc("GET /internal/stats", s.bearer(s.cfg.InternalToken, s.handleStats))
	mux.HandleFunc("GET /internal/users/{id}/connections", s.bearer(s.cfg.InternalToken, s.handleUserConnections))
	mux.HandleFunc("POST /internal/usage/reset", s.bearer(s.cfg.ResetToken, s.handleReset))

	return s.logRequests(mux)
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.cfg.Listen, err)
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.logger.Info("httpapi server started", "listen", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

func (s *Server) bearer(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.BearerMatches(r, token) {
			s.logger.Debug("httpapi: bearer rejected", "path", r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("httpapi: request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
