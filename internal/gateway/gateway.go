// Package gateway assembles the observer surface: a WebSocket hub with a
// method dispatcher for session inspection, and an SSE stream of bus
// events. It watches sessions; driving them is the ACP endpoint's job.
package gateway

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/events/bus"
	gatewayws "github.com/amplifier/amplifier/internal/gateway/websocket"
	"github.com/amplifier/amplifier/internal/session"
	ws "github.com/amplifier/amplifier/pkg/websocket"
)

// Gateway bundles the observer components behind one lifecycle.
type Gateway struct {
	Hub        *gatewayws.Hub
	Dispatcher *ws.Dispatcher
	Handler    *gatewayws.Handler
	SSE        *SSEStream

	events bus.EventBus
	logger *logger.Logger
}

// New creates the gateway with all components initialized. store feeds the
// inspection actions and transcript replay; eventBus feeds the live streams.
func New(store *session.Store, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}

	dispatcher := ws.NewDispatcher()
	hub := gatewayws.NewHub(dispatcher, log)
	handler := gatewayws.NewHandler(hub, log)

	gatewayws.RegisterHealthHandler(dispatcher)
	registerInspectionHandlers(dispatcher, store)
	hub.SetTranscriptProvider(transcriptProvider(store))

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		SSE:        NewSSEStream(eventBus, log),
		events:     eventBus,
		logger:     log,
	}
}

// Run blocks serving the hub until ctx ends. Bus subscriptions live exactly
// as long as the hub loop.
func (g *Gateway) Run(ctx context.Context) error {
	broadcaster := gatewayws.RegisterSessionStreamNotifications(ctx, g.events, g.Hub, g.logger)
	defer broadcaster.Close()

	g.Hub.Run(ctx)
	return nil
}

// SetupRoutes adds the observer routes to the given router group.
func (g *Gateway) SetupRoutes(r gin.IRouter) {
	r.GET("/ws", g.Handler.HandleConnection)
	r.GET("/events", g.SSE.Handle)
}

// sessionListRequest is the payload for session.list.
type sessionListRequest struct {
	ProjectDir string `json:"project_dir"`
}

// sessionRequest addresses one session by id.
type sessionRequest struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

// registerInspectionHandlers wires the read-only session actions to the
// persisted store.
func registerInspectionHandlers(d *ws.Dispatcher, store *session.Store) {
	if store == nil {
		return
	}

	d.RegisterFunc(ws.ActionProjectList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		projects, err := store.ListProjects()
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"projects": projects})
	})

	d.RegisterFunc(ws.ActionSessionList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req sessionListRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}

		projects := []string{req.ProjectDir}
		if strings.TrimSpace(req.ProjectDir) == "" {
			all, err := store.ListProjects()
			if err != nil {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
			}
			projects = all
		}

		var sessions []session.Metadata
		for _, project := range projects {
			list, err := store.ListSessions(project)
			if err != nil {
				return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
			}
			sessions = append(sessions, list...)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{"sessions": sessions})
	})

	d.RegisterFunc(ws.ActionSessionGet, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req sessionRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if req.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}

		meta, found := store.FindSession(req.SessionID)
		if !found {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Unknown session: "+req.SessionID, nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"session":  meta,
			"is_child": meta.IsChild(),
		})
	})

	d.RegisterFunc(ws.ActionSessionTranscript, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req sessionRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error(), nil)
		}
		if req.SessionID == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "session_id is required", nil)
		}

		meta, found := store.FindSession(req.SessionID)
		if !found {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, "Unknown session: "+req.SessionID, nil)
		}
		messages, err := store.LoadMessages(meta.Cwd, req.SessionID)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		if req.Limit > 0 && len(messages) > req.Limit {
			messages = messages[len(messages)-req.Limit:]
		}
		return ws.NewResponse(msg.ID, msg.Action, map[string]any{
			"session_id": req.SessionID,
			"messages":   messages,
		})
	})
}

// transcriptProvider adapts the store into the hub's replay hook: each
// stored message becomes one session.updated notification.
func transcriptProvider(store *session.Store) gatewayws.TranscriptProvider {
	if store == nil {
		return nil
	}
	return func(ctx context.Context, sessionID string) ([]*ws.Message, error) {
		meta, found := store.FindSession(sessionID)
		if !found {
			return nil, nil
		}
		messages, err := store.LoadMessages(meta.Cwd, sessionID)
		if err != nil {
			return nil, err
		}

		out := make([]*ws.Message, 0, len(messages))
		for _, msg := range messages {
			notification, err := ws.NewNotification(ws.ActionSessionUpdated, map[string]any{
				"session_id": sessionID,
				"replayed":   true,
				"role":       msg.Role,
				"content":    msg.Content,
				"ts":         msg.Timestamp,
			})
			if err != nil {
				return nil, err
			}
			out = append(out, notification)
		}
		return out, nil
	}
}
