// Package api assembles the HTTP application: route namespaces, the shared
// middleware chain, and the server lifecycle.
//
// The layout depends on whether the protocol endpoint is enabled:
//
//	enabled:  /acp/rpc /acp/events /acp/ws  +  /amplifier/ws /amplifier/events
//	disabled: /ws /events
//
// /health and the MCP mounts respond in both layouts.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/transport"
	"github.com/amplifier/amplifier/internal/common/config"
	"github.com/amplifier/amplifier/internal/common/httpmw"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/gateway"
	"github.com/amplifier/amplifier/internal/mcpserver"
)

// shutdownTimeout bounds the drain of in-flight requests on exit.
const shutdownTimeout = 30 * time.Second

// Options carries the pre-built components the server mounts. Gateway and
// MCP may be nil when their surface is disabled.
type Options struct {
	Config  *config.Config
	Factory transport.HandlerFactory
	Gateway *gateway.Gateway
	MCP     *mcpserver.Server

	// Addr overrides Config.Server.Addr() when set (the --addr flag).
	Addr string

	Logger *logger.Logger
}

// Server is the assembled HTTP application.
type Server struct {
	addr   string
	router *gin.Engine
	rpc    *transport.HTTP
	mcp    *mcpserver.Server
	srv    *http.Server
	logger *logger.Logger

	acpEnabled bool

	mu    sync.Mutex
	bound string
}

// New wires the route table. ctx bounds the lifetime of the WebSocket
// transport's connections.
func New(ctx context.Context, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	cfg := opts.Config

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "api"))
	router.Use(httpmw.OtelTracing("amplifier-api"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	s := &Server{
		addr:       addr,
		router:     router,
		mcp:        opts.MCP,
		logger:     log,
		acpEnabled: cfg.ACP.Enabled,
	}

	if cfg.ACP.Enabled {
		acp := router.Group("/acp")
		s.rpc = transport.NewHTTP(opts.Factory, log)
		s.rpc.Register(acp)
		transport.NewWebSocket(ctx, opts.Factory, log).Register(acp)

		if opts.Gateway != nil {
			opts.Gateway.SetupRoutes(router.Group("/amplifier"))
		}
	} else if opts.Gateway != nil {
		opts.Gateway.SetupRoutes(router)
	}

	if opts.MCP != nil {
		opts.MCP.Register(router)
	}

	// No WriteTimeout: a fixed write deadline would sever the SSE streams.
	s.srv = &http.Server{
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}
	return s
}

// Run serves until ctx ends, then drains in-flight requests and releases
// the protocol transports. Returns nil on a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.bound = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("HTTP server listening",
		zap.String("addr", s.bound),
		zap.Bool("acp", s.acpEnabled),
		zap.Bool("mcp", s.mcp != nil),
		zap.String("health", "/health"))

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.release(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	s.release(shutdownCtx)
	return <-errCh
}

// BoundAddr returns the listener address once Run has bound it. Resolves
// the real port when the configured one is 0.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// release tears down the transports mounted on the router: active protocol
// sessions first, then MCP sessions.
func (s *Server) release(ctx context.Context) {
	if s.rpc != nil {
		s.rpc.Close()
	}
	if s.mcp != nil {
		if err := s.mcp.Shutdown(ctx); err != nil {
			s.logger.Warn("MCP shutdown error", zap.Error(err))
		}
	}
}

// corsMiddleware permits cross-origin dashboards and editor webviews to
// reach the HTTP and WebSocket endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
