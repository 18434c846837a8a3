// tablelink keeps a gambling client's real-time session with the live game
// server alive: it authenticates, watches liveness, reconnects with backoff,
// restores the active table after a drop and exposes the session through a
// local REST API, an interactive CLI and optional MQTT telemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tablelink-project/tablelink/internal/api"
	"github.com/tablelink-project/tablelink/internal/cli"
	"github.com/tablelink-project/tablelink/internal/config"
	"github.com/tablelink-project/tablelink/internal/db"
	"github.com/tablelink-project/tablelink/internal/events"
	"github.com/tablelink-project/tablelink/internal/health"
	"github.com/tablelink-project/tablelink/internal/metrics"
	"github.com/tablelink-project/tablelink/internal/network"
	"github.com/tablelink-project/tablelink/internal/session"
	"github.com/tablelink-project/tablelink/internal/store"
	"github.com/tablelink-project/tablelink/internal/telemetry"
	"github.com/tablelink-project/tablelink/internal/util"
)

const (
	AppName    = "tablelink"
	AppVersion = "1.0.0"
	Banner     = `
  _        _     _      _ _       _
 | |_ __ _| |__ | | ___| (_)_ __ | | __
 | __/ _' | '_ \| |/ _ \ | | '_ \| |/ /
 | || (_| | |_) | |  __/ | | | | |   <
  \__\__,_|_.__/|_|\___|_|_|_| |_|_|\_\  v%s
 Real-time table session client
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env file")
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting tablelink")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if applied := cfg.ApplyEnv(); len(applied) > 0 {
		log.Info().Strs("vars", applied).Msg("environment overrides applied")
	}

	if err := util.InitLogger(cfg.GetLogging().LogConfig()); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if cfg.IsFirstRun() {
			log.Info().Msg("first run detected, launching setup wizard")
			if err := config.RunSetupWizard(cfg); err != nil {
				log.Fatal().Err(err).Msg("setup wizard failed")
			}
		} else {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	m := metrics.New()

	st, err := openStore(cfg.GetStorage())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}

	server := cfg.GetServer()
	mgr := session.NewManager(
		cfg.SessionOptions(fmt.Sprintf("%s/%s (%s)", AppName, AppVersion, runtime.GOOS)),
		network.NewWSDialer(),
		st,
		eventBus,
		m,
	)

	// quit from the CLI arrives as a shutdown event.
	eventBus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		if e.Source == "cli" {
			cancel()
		}
		return nil
	})

	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	var apiServer *api.Server
	if apiCfg := cfg.GetAPI(); apiCfg.Enabled {
		apiServer = api.NewServer(apiCfg, mgr, m, server.UserID, AppVersion)
	}

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, eventBus, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	healthCfg := cfg.GetHealth()
	healthMgr := health.NewManager(health.Options{
		StatusInterval: time.Duration(healthCfg.StatusIntervalSec) * time.Second,
		DiskInterval:   time.Duration(healthCfg.DiskCheckIntervalSec) * time.Second,
		StoragePath:    cfg.GetStorage().Path,
	}, mgr, eventBus)

	cliHandler := cli.NewCLI(mgr, eventBus, server.UserID)

	var wg sync.WaitGroup

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", apiServer.Addr()).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		cliHandler.Start(ctx)
	}()

	if server.AutoConnect {
		if err := mgr.Connect(server.UserID); err != nil {
			log.Error().Err(err).Msg("auto-connect failed")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")

	mgr.Shutdown()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close session store")
	}

	log.Info().Msg("tablelink stopped")
}

// openStore restores the session from the configured backend.
func openStore(cfg config.StorageConfig) (*store.Store, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return store.New(), nil
	case config.StorageFile:
		p, err := store.NewFilePersister(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store.Open(p)
	case config.StorageSQLite, "":
		p, err := db.NewSessionDatabase(cfg.Path)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(p)
		if err != nil {
			p.Close()
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// startWithRetry retries startFn on bind errors with a fixed 3s interval.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
