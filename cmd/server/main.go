package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/typerush/typerush/internal/api"
	"github.com/typerush/typerush/internal/app"
	"github.com/typerush/typerush/internal/app/maintenance"
	"github.com/typerush/typerush/internal/auth"
	"github.com/typerush/typerush/internal/clock"
	"github.com/typerush/typerush/internal/friends"
	"github.com/typerush/typerush/internal/race"
	"github.com/typerush/typerush/internal/ratelimit"
	"github.com/typerush/typerush/internal/realtime"
	"github.com/typerush/typerush/internal/results"
	"github.com/typerush/typerush/internal/router"
	"github.com/typerush/typerush/internal/typing"
	"github.com/typerush/typerush/internal/words"
	"github.com/typerush/typerush/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("typerush-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	cfg.Auth.JWT.Secret = strings.TrimSpace(cfg.Auth.JWT.Secret)
	if cfg.Auth.JWT.Secret == "" {
		return errors.New("auth.jwt.secret must be configured")
	}

	clk := clock.NewReal()

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret: cfg.Auth.JWT.Secret,
		Issuer: cfg.Auth.JWT.Issuer,
	})
	if err != nil {
		return fmt.Errorf("initialise token verifier: %w", err)
	}

	store, err := results.OpenStore(results.StoreConfig{
		Driver: cfg.Results.Driver,
		Path:   cfg.Results.Path,
	})
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Warn("failed to close result store", zap.Error(closeErr))
		}
	}()

	sinkQueue := results.NewRetryQueue(store, nil)
	defer sinkQueue.Drain()

	registry := realtime.NewRegistry()
	hub := realtime.NewHub(realtime.WithEmptyGrace(cfg.Engine.RoomEmptyGrace))
	governor := ratelimit.NewGovernor()
	source := words.NewStaticSource(time.Now().UnixNano())
	graph := friends.NewCachedGraph(friends.NewStaticGraph(), time.Minute)
	presence := friends.NewNotifier(graph, registry, hub)

	tests := typing.NewEngine(typing.Config{
		SessionTTL:       cfg.Engine.TestSessionTTL,
		KeystrokeLogCap:  cfg.Engine.KeystrokeLogCap,
		StatsMinInterval: cfg.Engine.StatsBroadcastMinInterval,
		MaxWPMCeiling:    cfg.Engine.MaxWPMCeiling,
	}, hub, source, sinkQueue, clk)

	races := race.NewEngine(race.Config{
		CountdownDuration: cfg.Engine.CountdownDuration,
		WaitingTTL:        cfg.Engine.RaceWaitingTTL,
		MaxWPMCeiling:     cfg.Engine.MaxWPMCeiling,
		AllowSpectators:   cfg.Engine.AllowSpectators,
	}, hub, source, sinkQueue, clk, time.Now().UnixNano())

	session := router.NewRouter(router.Config{
		MaxConnectionsPerIdentity: cfg.Engine.MaxConnectionsPerIdentity,
		QueueLimits: realtime.QueueLimits{
			MaxMessages: cfg.Engine.SendQueueMaxMessages,
			MaxBytes:    cfg.Engine.SendQueueMaxBytes,
		},
	}, verifier, registry, hub, governor, tests, races, presence, clk)

	cleaner := maintenance.NewCleaner([]maintenance.Sweeper{
		maintenance.SweeperFunc{Label: "expire-tests", Fn: func(context.Context) (int, error) {
			return tests.ExpireStale(), nil
		}},
		maintenance.SweeperFunc{Label: "cancel-stuck-races", Fn: func(context.Context) (int, error) {
			return races.CancelStuck(), nil
		}},
		maintenance.SweeperFunc{Label: "reap-empty-rooms", Fn: func(context.Context) (int, error) {
			return hub.ReapEmpty(), nil
		}},
		maintenance.SweeperFunc{Label: "purge-rate-buckets", Fn: func(context.Context) (int, error) {
			return governor.Sweep(), nil
		}},
		maintenance.SweeperFunc{Label: "scan-idle-connections", Fn: func(context.Context) (int, error) {
			idle, _ := session.ScanIdle()
			return idle, nil
		}},
	})
	if err := cleaner.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() {
		stopCtx := cleaner.Stop()
		if err := cleaner.RunOnce(stopCtx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}()

	engine, err := api.NewRouter(cfg, session, registry, tests, races)
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
