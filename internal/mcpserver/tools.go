package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/session"
)

func registerTools(s *server.MCPServer, store *session.Store, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List persisted agent sessions. Use this first to get session IDs for the other tools."),
			mcp.WithString("project_dir",
				mcp.Description("Only list sessions of this project working directory (optional)"),
			),
		),
		listSessionsHandler(store, log),
	)

	s.AddTool(
		mcp.NewTool("session_metadata",
			mcp.WithDescription("Fetch one session's metadata: state, bundle, turn count, and timestamps."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to inspect"),
			),
		),
		sessionMetadataHandler(store, log),
	)

	s.AddTool(
		mcp.NewTool("session_transcript",
			mcp.WithDescription("Read a session's message transcript, oldest first."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("The session ID to read"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Return only the last N messages (optional)"),
			),
		),
		sessionTranscriptHandler(store, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 3))
}

func listSessionsHandler(store *session.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var projects []string
		if dir := req.GetString("project_dir", ""); dir != "" {
			projects = []string{dir}
		} else {
			var err error
			projects, err = store.ListProjects()
			if err != nil {
				log.Error("failed to list projects", zap.Error(err))
				return mcp.NewToolResultError(fmt.Sprintf("Failed to list projects: %v", err)), nil
			}
		}

		sessions := make([]session.Metadata, 0)
		for _, project := range projects {
			metas, err := store.ListSessions(project)
			if err != nil {
				log.Error("failed to list sessions",
					zap.String("project_dir", project),
					zap.Error(err))
				return mcp.NewToolResultError(fmt.Sprintf("Failed to list sessions in %s: %v", project, err)), nil
			}
			sessions = append(sessions, metas...)
		}

		formatted, _ := json.MarshalIndent(map[string]any{
			"sessions": sessions,
			"count":    len(sessions),
		}, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sessionMetadataHandler(store *session.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		meta, ok := store.FindSession(sessionID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Session %q not found", sessionID)), nil
		}

		formatted, _ := json.MarshalIndent(meta, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func sessionTranscriptHandler(store *session.Store, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		meta, ok := store.FindSession(sessionID)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Session %q not found", sessionID)), nil
		}

		messages, err := store.LoadMessages(meta.Cwd, meta.SessionID)
		if err != nil {
			log.Error("failed to load transcript",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to load transcript: %v", err)), nil
		}

		if limit := req.GetInt("limit", 0); limit > 0 && limit < len(messages) {
			messages = messages[len(messages)-limit:]
		}

		rows := make([]map[string]any, 0, len(messages))
		for _, msg := range messages {
			rows = append(rows, map[string]any{
				"role":    msg.Role,
				"content": msg.Text(),
				"ts":      msg.Timestamp,
			})
		}

		formatted, _ := json.MarshalIndent(map[string]any{
			"session_id": meta.SessionID,
			"messages":   rows,
			"count":      len(rows),
		}, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}
