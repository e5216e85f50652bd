// Package main is the amplifier entry point. One binary serves the agent
// protocol on stdio (--stdio) or runs the HTTP server with the protocol,
// observer, and MCP surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amplifier/amplifier/internal/acp/handler"
	"github.com/amplifier/amplifier/internal/acp/transport"
	"github.com/amplifier/amplifier/internal/api"
	"github.com/amplifier/amplifier/internal/bundle"
	"github.com/amplifier/amplifier/internal/common/config"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/events"
	"github.com/amplifier/amplifier/internal/events/bus"
	"github.com/amplifier/amplifier/internal/gateway"
	"github.com/amplifier/amplifier/internal/mcpserver"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/internal/session"
	"github.com/amplifier/amplifier/internal/tracing"
)

// Exit codes in stdio mode.
const (
	exitClean    = 0 // stdin EOF or signal
	exitFatal    = 1 // configuration or wiring failure
	exitHijacked = 2 // something wrote to stdout past the guard
)

func main() {
	var (
		stdio      = flag.Bool("stdio", false, "serve the agent protocol on stdin/stdout")
		configPath = flag.String("config", "", "directory containing config.yaml")
		addr       = flag.String("addr", "", "listen address override (host:port)")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitFatal)
	}

	if *stdio {
		// stdout carries protocol frames; logs must not touch it.
		cfg.Logging.OutputPath = "stderr"
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitFatal)
	}
	defer log.Sync()
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("Tracing shutdown error", zap.Error(err))
		}
	}()

	// Event bus: in-memory unless NATS is configured.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("Failed to initialize event bus", zap.Error(err))
		os.Exit(exitFatal)
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Session persistence. An empty root means AMPLIFIER_NO_PERSIST.
	var store *session.Store
	projectsRoot, err := cfg.Storage.ProjectsRoot()
	if err != nil {
		log.Error("Failed to resolve storage root", zap.Error(err))
		os.Exit(exitFatal)
	}
	if projectsRoot != "" {
		store = session.NewStore(projectsRoot, log)
		log.Info("Session persistence enabled", zap.String("root", projectsRoot))
	} else {
		log.Info("Session persistence disabled")
	}

	registry := runtime.NewRegistry()
	registry.Register("echo", runtime.NewEchoProvider)
	registry.Register("script", runtime.NewScriptProviderFromConfig)

	bundleDir, err := cfg.Bundles.ManifestDir()
	if err != nil {
		log.Error("Failed to resolve bundle directory", zap.Error(err))
		os.Exit(exitFatal)
	}

	manager := session.NewManager(session.ManagerOptions{
		Bundles:  bundle.NewManager(bundleDir, registry, log),
		Store:    store,
		Executor: runtime.NewExecutor(log, cfg.Runtime.MaxTurnRequests, cfg.ACP.PermissionTimeoutDuration()),
		Logger:   log,
	})
	manager.SetSpawner(session.NewSpawnManager(manager, log))
	defer manager.CloseAll()

	factory := func() transport.ConnHandler {
		return handler.New(handler.Options{
			Sessions:          manager,
			Events:            eventBus,
			PermissionTimeout: cfg.ACP.PermissionTimeoutDuration(),
			Logger:            log,
		})
	}

	if *stdio {
		os.Exit(serveStdio(ctx, factory, log))
	}
	serveHTTP(ctx, cfg, factory, store, eventBus, *addr, log)
}

// serveStdio runs the agent over stdin/stdout and returns the process exit
// code. The guard keeps stray stdout writes out of the frame stream.
func serveStdio(ctx context.Context, factory transport.HandlerFactory, log *logger.Logger) int {
	guard, err := transport.InstallStdoutGuard()
	if err != nil {
		log.Error("Failed to install stdout guard", zap.Error(err))
		return exitFatal
	}

	log.Info("Serving ACP on stdio")
	serveErr := transport.NewStdio(factory, transport.StdioOptions{
		Output: guard.Writer(),
		Logger: log,
	}).Serve(ctx)

	guard.Restore()

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		log.Error("Stdio transport failed", zap.Error(serveErr))
		return exitFatal
	}
	if guard.Hijacked() {
		log.Error("Stdout was written to outside the protocol",
			zap.Int64("diverted_bytes", guard.DivertedBytes()))
		return exitHijacked
	}
	return exitClean
}

// serveHTTP runs the HTTP server and the observer gateway until a signal
// arrives, then drains both.
func serveHTTP(ctx context.Context, cfg *config.Config, factory transport.HandlerFactory, store *session.Store, eventBus bus.EventBus, addr string, log *logger.Logger) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	gw := gateway.New(store, eventBus, log)

	var mcp *mcpserver.Server
	switch {
	case !cfg.MCP.Enabled:
		log.Info("MCP inspection disabled")
	case store == nil:
		log.Info("MCP inspection disabled (persistence off)")
	default:
		mcp = mcpserver.New(store, log)
	}

	server := api.New(ctx, api.Options{
		Config:  cfg,
		Factory: factory,
		Gateway: gw,
		MCP:     mcp,
		Addr:    addr,
		Logger:  log,
	})

	log.Info("Starting Amplifier...",
		zap.Bool("acp", cfg.ACP.Enabled),
		zap.Bool("mcp", mcp != nil),
		zap.Bool("nats", cfg.NATS.URL != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
		os.Exit(exitFatal)
	}
	log.Info("Amplifier stopped")
}
