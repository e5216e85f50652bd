package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
)

// permissionPolicy decides permission requests without prompting the user.
type permissionPolicy int

const (
	policyAllowOnce permissionPolicy = iota
	policyAllowAlways
	policyDeny
)

func parsePolicy(s string) (permissionPolicy, error) {
	switch s {
	case "allow-once":
		return policyAllowOnce, nil
	case "allow-always":
		return policyAllowAlways, nil
	case "deny":
		return policyDeny, nil
	}
	return 0, fmt.Errorf("unknown permission policy %q (want allow-once, allow-always, or deny)", s)
}

// terminalClient implements acp.Client, rendering the session stream to
// stdout. Message chunks print as they arrive; other events get their own
// prefixed lines.
type terminalClient struct {
	workDir string
	policy  permissionPolicy

	mu        sync.Mutex
	streaming bool // last chunk ended mid-line
}

var _ acp.Client = (*terminalClient)(nil)

func newTerminalClient(workDir string, policy permissionPolicy) *terminalClient {
	return &terminalClient{workDir: workDir, policy: policy}
}

// SessionUpdate renders one streamed notification.
func (c *terminalClient) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			fmt.Print(t.Text)
			c.streaming = !strings.HasSuffix(t.Text, "\n")
		}
	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			c.breakLine()
			fmt.Printf("(thinking) %s\n", strings.TrimRight(t.Text, "\n"))
		}
	case u.ToolCall != nil:
		c.breakLine()
		fmt.Printf("[tool] %s (%s)\n", u.ToolCall.Title, u.ToolCall.Status)
	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.Status != nil {
			c.breakLine()
			fmt.Printf("[tool] %s -> %s\n", u.ToolCallUpdate.ToolCallId, *u.ToolCallUpdate.Status)
		}
	case u.Plan != nil:
		c.breakLine()
		fmt.Printf("[plan] %d entries\n", len(u.Plan.Entries))
		for _, e := range u.Plan.Entries {
			fmt.Printf("  - [%s] %s\n", e.Status, e.Content)
		}
	}
	return nil
}

// breakLine terminates a dangling chunk line. Callers hold c.mu.
func (c *terminalClient) breakLine() {
	if c.streaming {
		fmt.Println()
		c.streaming = false
	}
}

// Flush ends any unterminated output line.
func (c *terminalClient) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLine()
}

// RequestPermission answers by the configured policy.
func (c *terminalClient) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	c.mu.Lock()
	c.breakLine()
	c.mu.Unlock()

	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}

	selected := pickOption(p.Options, c.policy)
	if selected == nil {
		fmt.Printf("[permission] %s -> cancelled (no matching option)\n", title)
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Cancelled: &acp.RequestPermissionOutcomeCancelled{},
			},
		}, nil
	}

	fmt.Printf("[permission] %s -> %s\n", title, selected.Name)
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}, nil
}

// pickOption matches the policy against the offered option kinds. Kinds are
// matched by prefix so reject_once and reject_always both satisfy deny.
func pickOption(options []acp.PermissionOption, policy permissionPolicy) *acp.PermissionOption {
	want := func(kind acp.PermissionOptionKind) bool {
		switch policy {
		case policyAllowAlways:
			return kind == acp.PermissionOptionKindAllowAlways
		case policyAllowOnce:
			return kind == acp.PermissionOptionKindAllowOnce
		default:
			return strings.HasPrefix(string(kind), "reject")
		}
	}
	for i := range options {
		if want(options[i].Kind) {
			return &options[i]
		}
	}
	// The exact variant was not offered; any allow option still satisfies
	// an allow policy.
	if policy != policyDeny {
		for i := range options {
			if strings.HasPrefix(string(options[i].Kind), "allow") {
				return &options[i]
			}
		}
	}
	return nil
}

// ReadTextFile serves agent file reads from the local filesystem.
func (c *terminalClient) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves agent file writes.
func (c *terminalClient) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// Terminal methods are stubs: the agents this utility drives do not use
// client-side terminals.

func (c *terminalClient) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *terminalClient) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *terminalClient) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *terminalClient) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *terminalClient) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}
