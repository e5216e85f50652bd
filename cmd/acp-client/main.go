// Command acp-client drives an ACP agent binary over stdio: it spawns the
// agent, performs the initialize handshake, creates a session, sends one
// prompt, and renders the update stream to the terminal. Permission requests
// are answered by the --permission policy.
//
//	acp-client --agent "amplifier --stdio" --prompt "list the files here"
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
)

func main() {
	var (
		agentCmd   = flag.String("agent", "", "agent command to spawn, with arguments (required)")
		cwd        = flag.String("cwd", "", "session working directory (default: current directory)")
		prompt     = flag.String("prompt", "Say hello and stop.", "prompt text to send")
		permission = flag.String("permission", "allow-once", "permission policy: allow-once, allow-always, or deny")
		timeout    = flag.Duration("timeout", 10*time.Minute, "overall turn timeout")
		verbose    = flag.Bool("verbose", false, "log protocol traffic to stderr")
	)
	flag.Parse()

	if *agentCmd == "" {
		fmt.Fprintln(os.Stderr, `usage: acp-client --agent "<binary> [args]" [--cwd dir] [--prompt text] [--permission policy]`)
		os.Exit(2)
	}

	policy, err := parsePolicy(*permission)
	if err != nil {
		fmt.Fprintf(os.Stderr, "acp-client: %v\n", err)
		os.Exit(2)
	}

	if err := run(*agentCmd, *cwd, *prompt, policy, *timeout, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "acp-client: %v\n", err)
		os.Exit(1)
	}
}

func run(agentCmd, cwd, prompt string, policy permissionPolicy, timeout time.Duration, verbose bool) error {
	workDir := cwd
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = wd
	}

	args := strings.Fields(agentCmd)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer stopAgent(cmd, stdin)

	client := newTerminalClient(workDir, policy)
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	if verbose {
		conn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "acp-client",
			Version: "0.3.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	agentName, agentVersion := "unknown", "unknown"
	if initResp.AgentInfo != nil {
		agentName = initResp.AgentInfo.Name
		agentVersion = initResp.AgentInfo.Version
	}
	fmt.Printf("connected: %s %s\n", agentName, agentVersion)

	sessResp, err := conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        workDir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("session: %s\n\n", sessResp.SessionId)

	// Ctrl-C cancels the turn; the prompt then returns with its stop reason.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt: cancelling turn")
		cancelCtx, cancelDone := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelDone()
		if err := conn.Cancel(cancelCtx, acp.CancelNotification{SessionId: sessResp.SessionId}); err != nil {
			fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
		}
	}()

	promptResp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessResp.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})
	client.Flush()
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}

	fmt.Printf("\nstop reason: %s\n", promptResp.StopReason)
	return nil
}

// stopAgent closes the agent's stdin, which ACP agents treat as shutdown,
// and kills the process if it lingers.
func stopAgent(cmd *exec.Cmd, stdin interface{ Close() error }) {
	_ = stdin.Close()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}
}
