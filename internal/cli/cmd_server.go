package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/koltyakov/keyswap/internal/config"
	"github.com/koltyakov/keyswap/internal/debughttp"
	"github.com/koltyakov/keyswap/internal/gateway"
	ilog "github.com/koltyakov/keyswap/internal/log"
	"github.com/koltyakov/keyswap/internal/pool"
	"github.com/koltyakov/keyswap/internal/reconcile"
	"github.com/koltyakov/keyswap/internal/store/sqlite"
	"github.com/koltyakov/keyswap/internal/upstream"
	"github.com/koltyakov/keyswap/internal/vless"
	"github.com/koltyakov/keyswap/internal/xray"
)

func runServer(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)
	logger.Info("starting keyswap", append([]any{"version", Version}, cfg.Summary()...)...)

	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{
		MaxOpenConns: cfg.DBMaxOpenConns,
		MaxIdleConns: cfg.DBMaxIdleConns,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if err := seedTunnels(ctx, store, cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "tunnel config error:", err)
		return 2
	}

	hub := gateway.NewHub(logger)
	transports := upstream.NewTransports()
	defer transports.CloseIdleConnections()

	supervisor := xray.NewSupervisor(xray.Options{
		Launcher:   xray.ExecLauncher{Binary: cfg.XrayBinary},
		ConfigPath: cfg.XrayConfigPath,
		Logger:     logger.With("component", "xray"),
		OnEvent:    hub.Publish,
	})
	defer func() { _ = supervisor.Stop(context.Background()) }()

	active, err := store.ListActiveTunnels(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	if len(active) > 0 {
		if err := supervisor.Restart(ctx, active); err != nil {
			logger.Warn("initial xray start failed, serving direct routes", "err", err)
		}
	}

	if _, err := debughttp.Start(ctx, cfg.PprofListen, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof listen error:", err)
		return 1
	}

	credentials := pool.New(store, logger)
	prober := upstream.NewProber(cfg.Upstream, transports, cfg.ProbeTimeout, logger)
	loop := reconcile.New(reconcile.Options{
		Credentials:       credentials,
		Tunnels:           store,
		Prober:            prober,
		Daemon:            supervisor,
		Logger:            logger.With("component", "reconcile"),
		Interval:          cfg.BalanceCheckInterval,
		RetryDelay:        cfg.RetryDelay,
		Threshold:         cfg.BalanceThreshold,
		ReactivateOnReset: cfg.ReactivateOnReset,
		OnReport:          hub.PublishCycle,
	})
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = loop.Run(ctx)
	}()

	srv := gateway.New(gateway.Options{
		Config:      cfg,
		Credentials: credentials,
		Store:       store,
		Daemon:      supervisor,
		Transports:  transports,
		Prober:      prober,
		Refresher:   loop,
		Events:      hub,
		Logger:      logger,
	})
	runErr := srv.Run(ctx)
	<-loopDone
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "server error:", runErr)
		return 1
	}
	return 0
}

// seedTunnels stores the configured bootstrap links. Links that do not parse
// are skipped with a warning; links already stored are left untouched.
func seedTunnels(ctx context.Context, store *sqlite.Store, cfg config.ServerConfig, logger *slog.Logger) error {
	urls, err := cfg.BootstrapTunnels()
	if err != nil {
		return err
	}
	for _, raw := range urls {
		desc, err := vless.ParseStrict(raw)
		if err != nil {
			logger.Warn("skipping invalid tunnel link", "err", err)
			continue
		}
		rec, created, err := store.AddTunnel(ctx, raw, desc.Remark)
		if err != nil {
			return err
		}
		if created {
			logger.Info("tunnel seeded", "tunnel_id", rec.ID, "remark", rec.Remark, "config_index", rec.ConfigIndex)
		}
	}
	return nil
}
