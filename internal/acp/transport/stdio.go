package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/amplifier/amplifier/internal/acp/processor"
	"github.com/amplifier/amplifier/internal/common/logger"
)

// StdioOptions configures the stdio transport. Zero values bind the real
// process streams; tests inject pipes.
type StdioOptions struct {
	Input  io.Reader
	Output io.Writer
	Logger *logger.Logger
}

// Stdio serves one ACP connection over line-delimited frames: requests in on
// stdin, frames out on stdout. Exactly one client exists for the lifetime of
// the process.
type Stdio struct {
	factory HandlerFactory
	in      io.Reader
	out     io.Writer
	logger  *logger.Logger
}

// NewStdio builds the stdio transport.
func NewStdio(factory HandlerFactory, opts StdioOptions) *Stdio {
	in := opts.Input
	if in == nil {
		in = os.Stdin
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Stdio{factory: factory, in: in, out: out, logger: log}
}

// Serve reads frames until EOF or context cancellation. On EOF it waits for
// in-flight handlers so their responses still reach the client, then returns
// nil: a clean disconnect. The caller maps that to exit code 0.
func (s *Stdio) Serve(ctx context.Context) error {
	h := s.factory()
	defer h.ReleaseAll()

	conn := processor.New(processor.FrameWriterFunc(func(data []byte) error {
		_, err := s.out.Write(data)
		return err
	}), h, s.logger)
	defer conn.Close()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			select {
			case lines <- frame:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Wait()
			return ctx.Err()
		case frame, ok := <-lines:
			if !ok {
				// Stdin closed. Drain queued responses before leaving.
				conn.Wait()
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("reading stdin: %w", err)
					}
				default:
				}
				s.logger.Info("Stdin closed, shutting down")
				return nil
			}
			conn.HandleFrame(ctx, frame)
		}
	}
}
