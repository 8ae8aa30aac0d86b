package tasks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/api"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/collector"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/config"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/logging"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/metrics"
	"github.com/qchenwhy/sewage-monitoring-system-sub002/internal/servermgr"
)

// Options defines initialization overrides for the collector.
// Mirrors the CLI flags used in cmd/collector/main.go.
type Options struct {
	ConfigPath string
	LogLevel   string
	DBPath     string
	Listen     string
	// Simulate starts the built-in simulator and points the link at it.
	Simulate bool
}

// Apply copies the non-zero overrides onto cfg.
func (o Options) Apply(cfg *config.Config) {
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.DBPath != "" {
		cfg.Storage.DBPath = o.DBPath
	}
	if o.Listen != "" {
		cfg.API.Listen = o.Listen
	}
}

// InitAndRunCollector loads config, applies overrides, constructs the
// manager and the HTTP API, and runs them until ctx is canceled.
func InitAndRunCollector(ctx context.Context, opts Options) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	opts.Apply(&cfg)

	log := logging.New(cfg.Log)
	return Run(ctx, cfg, log, opts.Simulate)
}

// Run is InitAndRunCollector for an already loaded configuration.
func Run(ctx context.Context, cfg config.Config, log zerolog.Logger, simulate bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if simulate {
		sim := servermgr.NewManager(cfg.Simulator, log)
		simErr := make(chan error, 1)
		go func() { simErr <- sim.Run(ctx) }()
		select {
		case <-sim.Ready():
		case err := <-simErr:
			return fmt.Errorf("start simulator: %w", err)
		case <-ctx.Done():
			return nil
		}
		if err := pointAt(&cfg.Link, sim.Addr()); err != nil {
			return err
		}
	}

	m := metrics.New()
	mgr, err := collector.New(collector.Options{Config: cfg, Logger: log, Metrics: m})
	if err != nil {
		return err
	}

	if cfg.API.Listen != "" {
		srv := api.NewServer(cfg.API.Listen, log, &api.Handlers{Log: log, Backend: mgr}, m.Handler())
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server failed")
				cancel()
			}
		}()
		defer func() {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("http shutdown")
			}
		}()
	}

	log.Info().Str("link", cfg.Link.Address()).Int("points", len(cfg.Points)).Msg("collector starting")
	return mgr.Run(ctx)
}

func pointAt(lc *config.LinkConfig, addr net.Addr) error {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return fmt.Errorf("simulator address: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("simulator port: %w", err)
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	lc.Host = host
	lc.Port = p
	return nil
}
