// Package transport binds the JSON-RPC processor to concrete wire
// transports: stdio line frames, HTTP POST with an SSE event stream, and
// WebSocket. Transports move frames and manage connection lifetime; all
// method semantics live behind the ConnHandler they are given.
package transport

import (
	"github.com/amplifier/amplifier/internal/acp/processor"
)

// ConnHandler is the per-connection method handler: the processor's
// dispatch surface plus teardown for when the client goes away.
type ConnHandler interface {
	processor.Handler

	// ReleaseAll closes every session the connection created.
	ReleaseAll()
}

// HandlerFactory mints a fresh ConnHandler for each client connection, so
// per-connection state (initialize gate, permission cache, owned sessions)
// never leaks between clients.
type HandlerFactory func() ConnHandler

// maxFrameSize bounds one inbound frame on any transport. Large embedded
// resources fit comfortably; anything bigger is a protocol abuse.
const maxFrameSize = 16 * 1024 * 1024
