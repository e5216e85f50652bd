package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Session inspection actions (client -> server)
	ActionSessionList       = "session.list"
	ActionSessionGet        = "session.get"
	ActionSessionTranscript = "session.transcript"
	ActionProjectList       = "project.list"

	// Subscription actions
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client)
	ActionSessionUpdated   = "session.updated"
	ActionSessionLifecycle = "session.lifecycle"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
