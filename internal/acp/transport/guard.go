package transport

import (
	"io"
	"os"
	"sync/atomic"
)

// StdoutGuard reserves the real stdout for protocol frames while the stdio
// transport runs. os.Stdout is swapped for a pipe whose reader forwards
// everything to stderr, so stray prints from any library end up in the log
// stream instead of corrupting the frame stream. The guard counts diverted
// bytes; the agent exits with a dedicated code when any were seen.
type StdoutGuard struct {
	real  *os.File
	pipeR *os.File
	pipeW *os.File
	sink  io.Writer

	diverted atomic.Int64
	done     chan struct{}
}

// InstallStdoutGuard swaps os.Stdout for the diverting pipe and returns the
// guard. Call Restore before the process exits so buffered writes flush.
func InstallStdoutGuard() (*StdoutGuard, error) {
	return installStdoutGuard(os.Stderr)
}

func installStdoutGuard(sink io.Writer) (*StdoutGuard, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	g := &StdoutGuard{
		real:  os.Stdout,
		pipeR: r,
		pipeW: w,
		sink:  sink,
		done:  make(chan struct{}),
	}
	os.Stdout = w
	go g.drain()
	return g, nil
}

func (g *StdoutGuard) drain() {
	defer close(g.done)
	buf := make([]byte, 4096)
	for {
		n, err := g.pipeR.Read(buf)
		if n > 0 {
			g.diverted.Add(int64(n))
			g.sink.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Writer returns the guarded stdout. Only protocol frames go through it.
func (g *StdoutGuard) Writer() io.Writer { return g.real }

// Hijacked reports whether anything other than protocol frames was written
// to stdout while the guard was installed.
func (g *StdoutGuard) Hijacked() bool { return g.diverted.Load() > 0 }

// DivertedBytes returns how many stray bytes were redirected to stderr.
func (g *StdoutGuard) DivertedBytes() int64 { return g.diverted.Load() }

// Restore puts os.Stdout back and waits for the diverter to flush.
func (g *StdoutGuard) Restore() {
	os.Stdout = g.real
	g.pipeW.Close()
	<-g.done
	g.pipeR.Close()
}
