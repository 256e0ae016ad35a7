// Command hookbus runs a shared in-process bus with scripted responders and an inspector API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/hookbus/config"
	"github.com/coachpo/hookbus/internal/bus"
	"github.com/coachpo/hookbus/internal/inspect"
	"github.com/coachpo/hookbus/internal/registry"
	"github.com/coachpo/hookbus/internal/script"
	"github.com/coachpo/hookbus/internal/telemetry"
)

const (
	defaultConfigPath          = "config/hookbus.yaml"
	hookbusLoggerPrefix        = "hookbus "
	shutdownTimeout            = 30 * time.Second
	inspectorShutdownTimeout   = 5 * time.Second
	lifecycleShutdownTimeout   = 10 * time.Second
	busShutdownTimeout         = 5 * time.Second
	telemetryShutdownTimeout   = 5 * time.Second
	inspectorReadHeaderTimeout = 5 * time.Second
)

func main() {
	logger := newHookbusLogger()

	cli, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		logger.Fatalf("parse flags: %v", err)
	}
	ctx, cancel := newSignalContext()
	defer cancel()

	settings, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(cli.configPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	settings = config.Apply(config.FromEnv(settings), cli.overrides...)
	if err := settings.Validate(); err != nil {
		logger.Fatalf("validate config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, bus=%s, policy=%s, scripts=%d",
		settings.Environment, settings.Bus.Name, settings.Bus.FaultPolicy, len(settings.Scripts))

	telemetryProvider, err := initTelemetry(ctx, logger, settings)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	reg := registry.Default()
	hub, err := bus.Named[string, any](reg, settings.Bus.Name,
		bus.WithFaultPolicy(bus.ParseFaultPolicy(string(settings.Bus.FaultPolicy))),
		bus.WithResponderPool(settings.Bus.ResponderWorkers, settings.Bus.ResponderQueue),
		bus.WithResponderTimeout(settings.Bus.ResponderTimeout),
		bus.WithLogger(log.New(os.Stdout, "bus ", log.LstdFlags|log.Lmicroseconds)),
	)
	if err != nil {
		logger.Fatalf("initialise bus: %v", err)
	}

	responders, err := registerScripts(logger, hub, settings.Scripts)
	if err != nil {
		logger.Fatalf("register scripts: %v", err)
	}
	logger.Printf("scripted responders registered: %d", len(responders))

	var lifecycle conc.WaitGroup

	var (
		inspector *inspect.Server
		server    *http.Server
	)
	if settings.Inspector.Enabled {
		inspector, err = inspect.New(hub,
			inspect.WithRateLimit(settings.Inspector.RateLimit, settings.Inspector.RateBurst),
			inspect.WithAskTimeout(settings.Inspector.AskTimeout),
			inspect.WithTapBuffer(settings.Inspector.TapBuffer),
		)
		if err != nil {
			logger.Fatalf("initialise inspector: %v", err)
		}
		server = buildInspectorServer(settings.Inspector.Addr, inspector)
		startInspectorServer(&lifecycle, logger, server)
		logger.Printf("inspector listening on %s", server.Addr)
	} else {
		logger.Print("inspector disabled")
	}

	logger.Print("hookbus started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     server,
		inspector:  inspector,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		bus:        hub,
		registry:   reg,
		responders: responders,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

// cliOptions holds the config file location and the flag overrides layered
// on top of file and environment settings.
type cliOptions struct {
	configPath string
	overrides  []config.Option
}

func parseFlags(fs *flag.FlagSet, args []string) (cliOptions, error) {
	var (
		cli              cliOptions
		env              string
		busName          string
		faultPolicy      string
		inspectorAddr    string
		responderWorkers int
		responderQueue   int
		responderTimeout time.Duration
	)
	fs.StringVar(&cli.configPath, "config", "", fmt.Sprintf("Path to hookbus configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&env, "env", "", "Runtime environment (dev, staging, prod)")
	fs.StringVar(&busName, "bus", "", "Registry name of the shared bus")
	fs.StringVar(&faultPolicy, "fault-policy", "", "Handler fault policy (abort, isolate)")
	fs.StringVar(&inspectorAddr, "inspector-addr", "", "Inspector listen address")
	fs.IntVar(&responderWorkers, "responder-workers", 0, "Responder worker count")
	fs.IntVar(&responderQueue, "responder-queue", -1, "Responder queue depth")
	fs.DurationVar(&responderTimeout, "responder-timeout", -1, "Per-action responder timeout (0 disables)")
	fs.Func("script", "Scripted responder as topic=path (repeatable)", func(value string) error {
		topic, path, ok := strings.Cut(value, "=")
		if !ok || strings.TrimSpace(topic) == "" || strings.TrimSpace(path) == "" {
			return fmt.Errorf("want topic=path, got %q", value)
		}
		cli.overrides = append(cli.overrides, config.WithScript(topic, path))
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}

	cli.overrides = append(cli.overrides,
		config.WithEnvironment(config.Environment(strings.ToLower(strings.TrimSpace(env)))),
		config.WithBusName(busName),
		config.WithFaultPolicy(config.FaultPolicy(strings.ToLower(strings.TrimSpace(faultPolicy)))),
		config.WithInspectorAddr(inspectorAddr),
		config.WithResponderPool(responderWorkers, responderQueue),
		config.WithResponderTimeout(responderTimeout),
	)
	return cli, nil
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newHookbusLogger() *log.Logger {
	return log.New(os.Stdout, hookbusLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, settings config.Settings) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = settings.Telemetry.Enabled
	if settings.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = settings.Telemetry.OTLPEndpoint
	}
	if settings.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = settings.Telemetry.ServiceName
	}
	telemetryCfg.OTLPInsecure = settings.Telemetry.OTLPInsecure
	telemetryCfg.Environment = string(settings.Environment)

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func registerScripts(logger *log.Logger, hub *bus.Bus[string, any], specs []config.ScriptSpec) ([]bus.Subscription, error) {
	subs := make([]bus.Subscription, 0, len(specs))
	for _, spec := range specs {
		program, err := script.Load(spec.Path)
		if err != nil {
			for _, sub := range subs {
				sub.Unsubscribe()
			}
			return nil, fmt.Errorf("topic %s: %w", spec.Topic, err)
		}
		subs = append(subs, bus.Respond(hub, spec.Topic, program.Action()))
		logger.Printf("script responder registered: topic=%s path=%s hash=%.12s", spec.Topic, program.Path, program.Hash)
	}
	return subs, nil
}

func buildInspectorServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: inspectorReadHeaderTimeout,
	}
}

func startInspectorServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("inspector server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	inspector  *inspect.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	bus        *bus.Bus[string, any]
	registry   *registry.Registry
	responders []bus.Subscription
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.inspector != nil {
		// hijacked tap connections are not tracked by http.Server.Shutdown
		cfg.inspector.Close()
	}
	if cfg.server != nil {
		shutdownStep("stopping inspector server", inspectorShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	for _, sub := range cfg.responders {
		sub.Unsubscribe()
	}

	if cfg.bus != nil {
		shutdownStep("draining bus responders", busShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.bus.Shutdown(stepCtx)
		})
	}

	if cfg.registry != nil {
		logger.Print("shutdown: resetting registry")
		cfg.registry.Reset()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
