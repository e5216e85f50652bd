// Package mcpserver exposes read-only session inspection over MCP.
// Editors and agent tooling browse persisted sessions without driving
// them: the tools never mutate the store.
package mcpserver

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/acp/handler"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/session"
)

// Server bundles the two MCP transports behind one tool registry:
// - SSE transport (/sse + /message) for Claude Desktop, Cursor, etc.
// - Streamable HTTP transport (/mcp) for Codex
type Server struct {
	sse        *server.SSEServer
	streamable *server.StreamableHTTPServer
	logger     *logger.Logger
}

// New builds the MCP server over the session store. The store is the only
// dependency; callers that run without persistence should not mount it.
func New(store *session.Store, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "mcp-server"))

	mcpServer := server.NewMCPServer(
		"amplifier-mcp",
		handler.AgentVersion,
		server.WithToolCapabilities(true),
	)
	registerTools(mcpServer, store, log)

	return &Server{
		sse: server.NewSSEServer(mcpServer),
		streamable: server.NewStreamableHTTPServer(mcpServer,
			server.WithEndpointPath("/mcp"),
		),
		logger: log,
	}
}

// Register mounts both transports on the router. The SSE transport
// advertises /message as its post-back endpoint, so the two must be
// mounted together.
func (s *Server) Register(r gin.IRouter) {
	r.Any("/sse", gin.WrapH(s.sse.SSEHandler()))
	r.Any("/message", gin.WrapH(s.sse.MessageHandler()))
	r.Any("/mcp", gin.WrapH(s.streamable))

	s.logger.Info("MCP inspection server mounted",
		zap.String("sse_endpoint", "/sse"),
		zap.String("streamable_http_endpoint", "/mcp"))
}

// Shutdown terminates any active MCP sessions on both transports.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.sse != nil {
		if err := s.sse.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE transport", zap.Error(err))
		}
	}
	if s.streamable != nil {
		if err := s.streamable.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
