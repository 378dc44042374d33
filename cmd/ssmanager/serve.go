package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ssmanager/internal/accesskey"
	"ssmanager/internal/config"
	"ssmanager/internal/logger"
	"ssmanager/internal/metrics"
	"ssmanager/internal/portalloc"
	"ssmanager/internal/quota"
	"ssmanager/internal/serverconfig"
	"ssmanager/internal/sharing"
	"ssmanager/internal/ssserver"
	"ssmanager/internal/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the key manager and supervise the Shadowsocks server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

// loadConfig returns the process config and, when a file was given, a
// watcher for it. The watcher is nil for environment-only setups.
func loadConfig() (*config.Config, *config.ReloadableConfig, error) {
	if configPath == "" {
		cfg, err := config.Load("")
		return cfg, nil, err
	}
	reloader, err := config.NewReloadable(configPath)
	if err != nil {
		return nil, nil, err
	}
	return reloader.Get(), reloader, nil
}

func setupLogger(cfg *config.Config) error {
	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	_, err := logger.New(level, cfg.Logging.Format)
	return err
}

func serve(parent context.Context) error {
	cfg, reloader, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if reloader != nil {
		defer reloader.Close()
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}
	log := logger.GetLogger()

	ports := portalloc.New(portalloc.WithSearchLimit(cfg.Keys.PortSearchLimit))
	for _, p := range cfg.ReservedPorts() {
		if err := ports.Reserve(p); err != nil {
			var conflict *portalloc.ConflictError
			if !errors.As(err, &conflict) {
				return fmt.Errorf("reserve service port: %w", err)
			}
		}
	}

	settings, err := serverconfig.Load(cfg.ServerConfigFile(), serverconfig.Defaults{
		Name:                 cfg.ServerName,
		PortForNewAccessKeys: cfg.Keys.FirstPort,
		TimeframeHours:       cfg.Keys.TimeframeHours,
	})
	if err != nil {
		return fmt.Errorf("load server settings: %w", err)
	}

	proc := ssserver.NewExecProcess(cfg.Proxy.Binary, cfg.Proxy.ConfigFile,
		ssserver.WithMetricsAddr(cfg.Proxy.MetricsListen),
		ssserver.WithReplayHistory(cfg.Proxy.ReplayHistory),
		ssserver.WithStopGrace(cfg.ProxyStopGrace()),
	)
	syncer := ssserver.New(cfg.Proxy.ConfigFile, proc, ssserver.WithStartRetries(cfg.Proxy.StartRetries))

	// New limits take effect on an extra quota pass instead of waiting for
	// the next tick.
	var enforcer *quota.Enforcer
	store, err := accesskey.Open(cfg.KeysFile(), ports, settings, syncer,
		accesskey.WithDefaultCipher(cfg.Keys.DefaultCipher),
		accesskey.WithLimitChangeHook(func() {
			if enforcer != nil {
				enforcer.Trigger()
			}
		}))
	if err != nil {
		return fmt.Errorf("open access keys: %w", err)
	}

	reader, err := usage.NewPrometheusReader(cfg.Prometheus.URL, usage.WithTimeout(cfg.PrometheusTimeout()))
	if err != nil {
		return fmt.Errorf("usage reader: %w", err)
	}
	enforcer = quota.New(reader, store, settings.DataUsageTimeframe)

	publisher := sharing.New(reader, store, settings,
		sharing.WithReportURL(cfg.Sharing.CollectorURL),
		sharing.WithFeatureReportURL(cfg.Sharing.FeatureCollectorURL),
		sharing.WithTimeout(cfg.SharingTimeout()),
		sharing.WithVersion(version),
	)
	defer publisher.Close()

	metricsSrv := metrics.NewServer(cfg.MetricsListen,
		metrics.WithPprof(cfg.Pprof),
		metrics.WithHealthCheck(func() error {
			if !proc.Running() {
				return ssserver.ErrNotRunning
			}
			return nil
		}))

	if reloader != nil {
		reloader.Watch(func(old, next *config.Config) {
			if old.Logging.Level != next.Logging.Level && logLevel == "" {
				if err := logger.SetLevel(next.Logging.Level); err != nil {
					log.Warn().Err(err).Msg("log level not changed")
				}
			}
			if old.Quota.Interval != next.Quota.Interval {
				enforcer.SetInterval(next.QuotaInterval())
			}
		})
	}

	g, ctx := errgroup.WithContext(parent)
	g.Go(func() error { return syncer.Supervise(ctx) })

	// Apply current usage before the server first starts so keys that went
	// over their limit while we were down are not served.
	if _, err := enforcer.RunOnce(ctx); err != nil {
		var syncErr *accesskey.SyncError
		if !errors.As(err, &syncErr) {
			log.Warn().Err(err).Msg("initial quota pass failed, starting with persisted key states")
			if err := store.Sync(ctx); err != nil {
				log.Error().Err(err).Msg("initial server sync failed")
			}
		}
	}

	log.Info().
		Str("server_id", settings.ServerID()).
		Int("access_keys", len(store.ListKeys())).
		Str("metrics_listen", cfg.MetricsListen).
		Str("proxy_config", cfg.Proxy.ConfigFile).
		Msg("ssmanager started")

	g.Go(func() error { return enforcer.Run(ctx, cfg.QuotaInterval()) })
	g.Go(func() error { return publisher.Schedule(ctx) })
	g.Go(func() error { return metricsSrv.Run(ctx) })

	err = g.Wait()
	log.Info().Msg("ssmanager stopped")
	return err
}
