package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starrelay-project/starrelay/internal/api"
	"github.com/starrelay-project/starrelay/internal/cli"
	"github.com/starrelay-project/starrelay/internal/config"
	"github.com/starrelay-project/starrelay/internal/db"
	"github.com/starrelay-project/starrelay/internal/events"
	"github.com/starrelay-project/starrelay/internal/handlers"
	"github.com/starrelay-project/starrelay/internal/heartbeat"
	"github.com/starrelay-project/starrelay/internal/network"
	"github.com/starrelay-project/starrelay/internal/protocol"
	"github.com/starrelay-project/starrelay/internal/telemetry"
	"github.com/starrelay-project/starrelay/internal/util"
)

type serveOptions struct {
	configDir string
	noConsole bool
}

// app holds every long-lived component.
type app struct {
	cfg       *config.Config
	eventBus  *events.EventBus
	store     *db.Store
	sessions  *network.Manager
	moderator *handlers.Moderator
	metrics   *telemetry.Metrics
	mqtt      *telemetry.MQTTHandler
	heartbeat *heartbeat.Manager
	listener  *network.TCPListener
	query     *network.QueryResponder
	api       *api.Server
	console   *cli.CLI
}

func serve(parent context.Context, opts serveOptions) error {
	fmt.Printf(banner, version)
	fmt.Println()

	// Console-only logging until the configured writers are set up.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logCfg.Level,
		Directory:  logCfg.Directory,
		MaxBackups: logCfg.MaxBackups,
		Console:    logCfg.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to configure file logging, using console")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("version", version).
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("starting starrelay")

	a, err := newApp(cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(parent)
}

func newApp(cfg *config.Config, opts serveOptions) (*app, error) {
	proxy := cfg.GetProxy()
	a := &app{cfg: cfg}

	var err error
	a.eventBus, err = events.NewEventBus(proxy.EventPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	a.store, err = db.NewStore(cfg.GetDatabase().Path)
	if err != nil {
		a.eventBus.Stop()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	packets, err := protocol.DefaultRegistry()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to build packet registry: %w", err)
	}

	registry := network.NewHandlerRegistry()
	handlers.RegisterDefaults(registry, handlers.Options{
		Store:       a.store,
		EventBus:    a.eventBus,
		EnforceBans: proxy.EnforceBans,
		LogChat:     proxy.LogChat,
	})

	a.sessions = network.NewManager(a.eventBus)
	a.moderator = handlers.NewModerator(a.store, a.sessions, a.eventBus)
	a.heartbeat = heartbeat.NewManager(cfg, a.sessions, a.eventBus, a.store)

	apiCfg := cfg.GetAPI()
	listenerOpts := network.ListenerOptions{
		Proxy:    proxy,
		Packets:  packets,
		Handlers: registry,
		Manager:  a.sessions,
	}
	deps := api.Deps{
		Sessions:  a.sessions,
		Moderator: a.moderator,
		EventBus:  a.eventBus,
		DiskPath:  filepath.Dir(cfg.GetDatabase().Path),
	}
	if apiCfg.MetricsEnabled {
		a.metrics = telemetry.NewMetrics()
		a.metrics.Attach(a.sessions)
		listenerOpts.OnDecodeFailure = a.metrics.DecodeFailure
		deps.Metrics = a.metrics.Handler()
	}
	a.listener = network.NewTCPListener(listenerOpts)
	if proxy.QueryEnabled {
		a.query = network.NewQueryResponder(proxy, a.sessions, version)
	}

	if apiCfg.Enabled {
		a.api = api.NewServer(cfg, deps)
	}

	if cfg.GetMQTT().Enabled {
		a.mqtt, err = telemetry.NewMQTTHandler(cfg.GetMQTT(), a.eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	if !opts.noConsole {
		a.console = cli.NewCLI(cfg, a.eventBus, a.sessions, a.moderator, os.Stdin, os.Stdout)
	}

	return a, nil
}

// run starts every component and blocks until a signal, a console quit, or
// a listener failure.
func (a *app) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		proxy := a.cfg.GetProxy()
		log.Info().Str("listen", proxy.ListenAddr()).Str("upstream", proxy.UpstreamAddr()).Msg("starting TCP listener")
		if err := startWithRetry(ctx, "TCP listener", a.listener.Start, 15); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	if a.query != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "query responder", a.query.Start, 15); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("query responder failed after retries (non-fatal)")
			}
		}()
	}

	if a.api != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", a.cfg.GetAPI().Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", a.api.Start, 15); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeat.Start(ctx)
	}()

	if a.mqtt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := a.mqtt.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// The console blocks on stdin, so it is not waited for.
	if a.console != nil {
		go a.console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	a.sessions.CloseAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	return runErr
}

func (a *app) close() {
	if a.eventBus != nil {
		a.eventBus.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}
	log.Info().Msg("starrelay stopped")
}

// startWithRetry retries startFn on bind errors with a fixed 3 second
// interval. It returns nil on success or the last error.
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
