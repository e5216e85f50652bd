// Package events names the observer-facing event vocabulary and the bus
// subjects session activity is published on. The gateway subscribes to these
// subjects to feed dashboards; with NATS configured the fan-out crosses
// processes.
package events

// Event types for session lifecycle
const (
	SessionCreated = "session.created"
	SessionResumed = "session.resumed" // Persisted session rehydrated via session/load
	SessionClosed  = "session.closed"
	SessionForked  = "session.forked" // Parent delegated work to a sub-agent
	SessionJoined  = "session.joined" // Sub-agent finished and rejoined the parent
)

// Event types for streamed session updates
const (
	SessionUpdated = "session.updated" // One ACP session/update notification
)

// Event types for prompt turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
)

// Event types for permission flow
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// BuildSessionUpdatesSubject creates the subject session updates for one
// session are published on.
func BuildSessionUpdatesSubject(sessionID string) string {
	return "acp.session." + sessionID + ".updates"
}

// BuildSessionUpdatesWildcardSubject creates a wildcard subscription for
// update streams of all sessions.
func BuildSessionUpdatesWildcardSubject() string {
	return "acp.session.*.updates"
}

// BuildSessionLifecycleSubject creates the subject lifecycle events for one
// session are published on.
func BuildSessionLifecycleSubject(sessionID string) string {
	return "acp.session." + sessionID + ".lifecycle"
}

// BuildSessionLifecycleWildcardSubject creates a wildcard subscription for
// lifecycle events of all sessions.
func BuildSessionLifecycleWildcardSubject() string {
	return "acp.session.*.lifecycle"
}

// BuildSessionWildcardSubject creates a wildcard subscription covering every
// event of one session, updates and lifecycle alike.
func BuildSessionWildcardSubject(sessionID string) string {
	return "acp.session." + sessionID + ".>"
}
