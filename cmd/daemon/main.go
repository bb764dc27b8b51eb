// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/simbridge-io/simbridge/internal/api"
	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/connection"
	sblog "github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/recording"
	"github.com/simbridge-io/simbridge/internal/resource"
	"github.com/simbridge-io/simbridge/internal/session"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const shutdownGrace = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "listen address, overrides SIMBRIDGE_BIND_HOST/PORT")
	stateDir := flag.String("state-dir", "", "state directory, overrides SIMBRIDGE_STATE_DIR")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg := config.FromEnv(config.Default())
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}

	sblog.Configure(sblog.Config{
		Level:   cfg.LogLevel,
		Service: "simbridge",
		Version: version,
	})
	logger := sblog.WithComponent("daemon")

	if *listen != "" {
		if err := cfg.SetListenAddr(*listen); err != nil {
			logger.Error().Err(err).Str("event", "config.invalid").Msg("invalid -listen address")
			os.Exit(2)
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Str("event", "config.invalid").Msg("invalid configuration")
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.RecordingsDir(), 0o755); err != nil {
		logger.Error().Err(err).Str("event", "statedir.unwritable").
			Str("state_dir", cfg.StateDir).Msg("cannot prepare state directory")
		os.Exit(3)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := simctl.NewExecDriver()
	if err := driver.Check(ctx); err != nil {
		logger.Error().Err(err).Str("event", "driver.unavailable").
			Msg("host simulator tooling is not usable")
		os.Exit(4)
	}

	sessions := session.NewManager(driver, session.NewStore(cfg.SessionsFile(), cfg.BackupRetentionCount))
	resources := resource.NewManager(ctx, cfg, driver)
	conns := connection.NewManager(cfg, func(id string) bool {
		_, err := sessions.Get(id)
		return err == nil
	})
	recordings := recording.NewService(cfg, driver)

	// Session deletion force-detaches every streaming service on the device.
	sessions.SetDetachHook(func(_ context.Context, udid string) {
		resources.DestroyDevice(udid)
	})

	if err := sessions.Startup(ctx); err != nil {
		logger.Error().Err(err).Str("event", "startup.failed").Msg("session recovery failed")
		os.Exit(3)
	}

	if removed, err := recordings.CleanupEmergency(); err != nil {
		logger.Warn().Err(err).Msg("emergency recording cleanup failed")
	} else if removed > 0 {
		logger.Info().Int("removed", removed).Msg("expired emergency recordings removed")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.New(cfg, driver, sessions, resources, conns, recordings).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return resources.RunMemoryMonitor(gctx) })
	g.Go(func() error { return resources.RunIdleSweeper(gctx) })
	g.Go(func() error { return conns.RunReaper(gctx) })
	g.Go(func() error {
		logger.Info().
			Str("event", "startup").
			Str("version", version).
			Str("addr", cfg.ListenAddr()).
			Str("state_dir", cfg.StateDir).
			Msg("starting simbridge")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("event", "server.failed").Msg("server failed")
	}

	// Shutdown: stop streaming first so recordings can finalize cleanly,
	// then park any in-flight recordings where a restart can find them.
	resources.CleanupAll()
	saveCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	recordings.EmergencySaveAll(saveCtx)

	logger.Info().Msg("server exiting")
}
