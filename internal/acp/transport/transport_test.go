package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amplifier/amplifier/internal/acp/handler"
	"github.com/amplifier/amplifier/internal/bundle"
	"github.com/amplifier/amplifier/internal/common/logger"
	"github.com/amplifier/amplifier/internal/runtime"
	"github.com/amplifier/amplifier/internal/session"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// testEnv wires a real session manager behind a handler factory, the same
// shape the command wiring produces.
type testEnv struct {
	t         *testing.T
	logger    *logger.Logger
	manager   *session.Manager
	bundleDir string
	factory   HandlerFactory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := newTestLogger(t)

	registry := runtime.NewRegistry()
	registry.Register("echo", runtime.NewEchoProvider)
	registry.Register("script", runtime.NewScriptProviderFromConfig)

	bundleDir := t.TempDir()
	manager := session.NewManager(session.ManagerOptions{
		Bundles:  bundle.NewManager(bundleDir, registry, log),
		Store:    session.NewStore(t.TempDir(), log),
		Executor: runtime.NewExecutor(log, 0, 200*time.Millisecond),
		Logger:   log,
	})
	t.Cleanup(manager.CloseAll)

	env := &testEnv{t: t, logger: log, manager: manager, bundleDir: bundleDir}
	env.factory = func() ConnHandler {
		return handler.New(handler.Options{
			Sessions:          manager,
			PermissionTimeout: 2 * time.Second,
			Logger:            log,
		})
	}
	return env
}

func (e *testEnv) writeBundle(name, body string) {
	e.t.Helper()
	path := filepath.Join(e.bundleDir, name+".yaml")
	require.NoError(e.t, os.WriteFile(path, []byte(body), 0o644))
}

const gatedScriptBundle = `name: gated
provider:
  name: script
  config:
    steps:
      - kind: message
        text: "about to run"
      - kind: tool
        tool: bash
        args:
          command: make test
        result:
          output: ok
hooks:
  - event: tool:pre
    type: approval
    tools: [bash]
    prompt: "Run this command?"
    options: ["Allow once", "Allow always", "Deny"]
    default: deny
`

const slowScriptBundle = `name: slow
provider:
  name: script
  config:
    steps:
      - kind: message
        text: started
      - kind: sleep
        ms: 10000
      - kind: message
        text: never shown
`
