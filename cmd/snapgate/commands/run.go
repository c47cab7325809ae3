package commands

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bigbes/snapshot-gate/internal/auth"
	"github.com/bigbes/snapshot-gate/internal/bandwidth"
	"github.com/bigbes/snapshot-gate/internal/config"
	"github.com/bigbes/snapshot-gate/internal/gate"
	"github.com/bigbes/snapshot-gate/internal/geoip"
	"github.com/bigbes/snapshot-gate/internal/httpapi"
	"github.com/bigbes/snapshot-gate/internal/journal"
	"github.com/bigbes/snapshot-gate/internal/metrics"
)

func Run(args []string, logger *slog.Logger, version string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath, logger)

	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.ParseLogLevel()}))

	logger.Info("starting snapgate", "version", version)
	if bi, ok := debug.ReadBuildInfo(); ok {
		var buildAttrs []any
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs", "vcs.revision", "vcs.time", "vcs.modified":
				buildAttrs = append(buildAttrs, s.Key, s.Value)
			}
		}
		if len(buildAttrs) > 0 {
			logger.Info("build info", buildAttrs...)
		}
	}

	policy := mustPolicy(cfg, logger)
	signer := mustSigner(cfg, logger)
	for _, name := range policy.Names() {
		l, _ := policy.Lookup(name)
		logger.Info("tier configured",
			"tier", name,
			"shared_capacity", humanize.Bytes(uint64(l.SharedCapacity))+"/s",
			"monthly_cap", humanize.Bytes(uint64(l.MonthlyCap)),
			"link_expiry_hours", l.LinkExpiryHours,
			"max_connections", l.MaxConnections)
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is empty: bearer tokens are rejected, only anonymous downloads work")
	}
	if cfg.Auth.ResetToken == "" {
		logger.Warn("auth.reset_token is empty: the monthly reset endpoint is disabled")
	}

	var store *journal.Store
	if cfg.Journal.Path != "" {
		var err error
		store, err = journal.Open(cfg.Journal.Path, logger.With("component", "journal"))
		if err != nil {
			logger.Error("failed to open journal", "err", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	var geo *geoip.DB
	if cfg.GeoIP.Path != "" {
		var err error
		geo, err = geoip.Open(cfg.GeoIP.Path, time.Duration(cfg.GeoIP.Refresh)*time.Second, logger.With("component", "geoip"))
		if err != nil {
			logger.Error("failed to load geoip database", "err", err)
			os.Exit(1)
		}
		defer geo.Close()
	}

	sink := metrics.Sink{}
	regOpts := []bandwidth.Option{bandwidth.WithLogger(logger.With("component", "bandwidth"))}
	if store != nil {
		regOpts = append(regOpts, bandwidth.WithEndHook(func(c bandwidth.Connection, endedAt time.Time) {
			err := store.RecordSession(journal.Session{
				ConnectionID: c.ID,
				UserID:       c.UserID,
				Tier:         c.Tier,
				StartedAt:    c.StartTime,
				EndedAt:      endedAt,
				Bytes:        c.BytesTransferred,
			})
			if err != nil {
				logger.Error("failed to journal session", "connection_id", c.ID, "err", err)
			}
		}))
	}
	registry := bandwidth.NewManager(policy, sink, regOpts...)

	g := gate.New(policy, signer, registry,
		gate.WithRecorder(sink),
		gate.WithLogger(logger.With("component", "gate")))

	apiCfg := httpapi.Config{
		Listen:        cfg.Listen,
		InternalToken: cfg.Auth.InternalToken,
		ResetToken:    cfg.Auth.ResetToken,
		Observer:      sink,
		OnReset: func(at time.Time, users int) {
			if store == nil {
				return
			}
			if err := store.RecordReset(at, users); err != nil {
				logger.Error("failed to journal reset", "err", err)
			}
		},
	}
	if geo != nil {
		apiCfg.Geo = geo
	}
	api := httpapi.New(g, registry,
		auth.NewResolver(cfg.Auth.JWTSecret, cfg.Auth.TrustProxy, policy),
		apiCfg, logger.With("component", "httpapi"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return api.Run(ctx) })
	if cfg.ObservabilityHTTP.Addr != "" {
		eg.Go(func() error { return runObservability(ctx, cfg.ObservabilityHTTP, logger) })
	}
	if geo != nil {
		eg.Go(func() error { return geo.Run(ctx) })
	}

	if err := eg.Wait(); err != nil {
		logger.Error("snapgate error", "err", err)
		cancel()
		if store != nil {
			store.Close()
		}
		os.Exit(1)
	}
	logger.Info("snapgate stopped")
}

func runObservability(ctx context.Context, obs config.ObservabilityHTTPConfig, logger *slog.Logger) error {
	mux := http.NewServeMux()
	if obs.Pprof {
		// Re-register pprof handlers on our mux (net/http/pprof init registers on DefaultServeMux).
		mux.HandleFunc("/debug/pprof/", http.DefaultServeMux.ServeHTTP)
	}
	if obs.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	srv := &http.Server{Addr: obs.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info("starting observability server", "addr", obs.Addr, "pprof", obs.Pprof, "metrics", obs.Metrics)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
