// Package executor runs commands on top of proc.Process, streaming the
// caller's readers and writers through the child's pipes.
package executor

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/errors"

	"github.com/mbrock/procmanage/pkg/proc"
)

// Process represents a running process.
type Process interface {
	// Wait blocks until the process exits and returns the exit code.
	// A process killed by a signal reports 128 plus the signal number.
	Wait() (exitCode int, err error)
	// Kill sends SIGKILL to the process group.
	Kill() error
}

// Resizer is implemented by processes that can run on a pseudo-terminal.
// Resizing a process started without one fails with proc.ErrNoPTY.
type Resizer interface {
	Resize(size *pty.Winsize) error
}

// Executor starts processes.
type Executor interface {
	// Start starts cmd, copying stdin to the child and the child's output to
	// stdout and stderr. Nil readers and writers are treated as empty input
	// and discarded output.
	Start(cmd []string, stdin io.Reader, stdout, stderr io.Writer) (Process, error)
}

// ProcExecutor is the default Executor, backed by proc.Process.
type ProcExecutor struct {
	// Env is appended to the child's environment.
	Env []string
	// InheritEnv starts the environment from os.Environ.
	InheritEnv bool
	// RawArgs passes cmd[1:] as the complete argument vector. Otherwise the
	// resolved path is inserted as argv[0].
	RawArgs bool
	// PTY, when set, runs the child on a pseudo-terminal of that size. Output
	// then arrives on stdout only.
	PTY *pty.Winsize

	Logger *slog.Logger
}

// procProcess drives one proc.Process until it is waited for.
type procProcess struct {
	p      *proc.Process
	pid    int
	logger *slog.Logger

	copies sync.WaitGroup

	// exited is set once the child has terminated and is about to be reaped;
	// after that its pid may be reused and must not be signaled.
	mu     sync.Mutex
	exited bool

	waitOnce sync.Once
	exitCode int
	waitErr  error
}

var _ Resizer = (*procProcess)(nil)

func (e *ProcExecutor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *ProcExecutor) environ() []string {
	var env []string
	if e.InheritEnv {
		env = os.Environ()
	}
	return append(env, e.Env...)
}

// Start implements Executor.Start. cmd[0] is resolved through PATH.
func (e *ProcExecutor) Start(cmdArgs []string, stdin io.Reader, stdout, stderr io.Writer) (Process, error) {
	if len(cmdArgs) == 0 {
		return nil, errors.New("empty command")
	}
	path, err := exec.LookPath(cmdArgs[0])
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", cmdArgs[0])
	}

	logger := e.logger()
	opts := []proc.Option{proc.WithLogger(logger)}
	if !e.RawArgs {
		opts = append(opts, proc.WithArgv0())
	}
	if e.PTY != nil {
		opts = append(opts, proc.WithPTY(e.PTY))
	}

	p := proc.New(path, cmdArgs[1:], e.environ(), opts...)
	if err := p.Open(); err != nil {
		p.Free()
		return nil, err
	}

	pp := &procProcess{p: p, pid: p.Pid(), logger: logger}
	pp.pumpInput(p.Stdin(), stdin, e.PTY != nil)
	pp.pumpOutput(stdout, p.Stdout())
	if e.PTY == nil {
		pp.pumpOutput(stderr, p.Stderr())
	}
	return pp, nil
}

// eofChar is the default VEOF character (^D).
const eofChar = 0x04

// pumpInput copies src into the child. Once src is exhausted the child is
// told so: a pipe is closed, while a terminal stays open and receives the
// end-of-file character instead.
func (pp *procProcess) pumpInput(dst *os.File, src io.Reader, tty bool) {
	if src == nil {
		// Without a reader a terminal is left interactive.
		if !tty {
			dst.Close()
		}
		return
	}
	go func() {
		w := &lastByteWriter{w: dst}
		if _, err := io.Copy(w, src); err != nil {
			pp.logger.Debug("stdin copy stopped", "pid", pp.pid, "error", err)
			if !tty {
				dst.Close()
			}
			return
		}
		pp.endInput(dst, tty, w)
	}()
}

func (pp *procProcess) endInput(dst *os.File, tty bool, w *lastByteWriter) {
	if !tty {
		dst.Close()
		return
	}
	// In canonical mode VEOF only ends input at the start of a line. In the
	// middle of one it flushes the pending bytes, so a second one is needed.
	eof := []byte{eofChar}
	if w.n > 0 && w.last != '\n' {
		eof = append(eof, eofChar)
	}
	if _, err := dst.Write(eof); err != nil {
		pp.logger.Debug("sending end of input failed", "pid", pp.pid, "error", err)
	}
}

// lastByteWriter remembers how much was written and the final byte.
type lastByteWriter struct {
	w    io.Writer
	n    int64
	last byte
}

func (l *lastByteWriter) Write(b []byte) (int, error) {
	n, err := l.w.Write(b)
	if n > 0 {
		l.n += int64(n)
		l.last = b[n-1]
	}
	return n, err
}

func (pp *procProcess) pumpOutput(dst io.Writer, src *os.File) {
	if dst == nil {
		dst = io.Discard
	}
	pp.copies.Add(1)
	go func() {
		defer pp.copies.Done()
		_, err := io.Copy(dst, src)
		// A pty master reports EIO once the slave side is gone.
		if err != nil && !errors.Is(err, syscall.EIO) {
			pp.logger.Debug("output copy stopped", "pid", pp.pid, "file", src.Name(), "error", err)
		}
	}()
}

// Wait drains the output, reaps the child and releases the proc.Process.
// Calling it again returns the same result.
func (pp *procProcess) Wait() (int, error) {
	pp.waitOnce.Do(func() {
		pp.copies.Wait()
		if err := pp.p.WaitExited(); err != nil {
			pp.logger.Debug("wait for exit", "pid", pp.pid, "error", err)
		}

		pp.mu.Lock()
		pp.exited = true
		pp.mu.Unlock()

		pp.exitCode, pp.waitErr = pp.p.Wait()
		if err := pp.p.Close(); err != nil {
			pp.logger.Debug("close after wait", "pid", pp.pid, "error", err)
		}
		pp.p.Free()
	})
	return pp.exitCode, pp.waitErr
}

func (pp *procProcess) Kill() error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.exited {
		return nil
	}
	return proc.SignalGroup(pp.pid, syscall.SIGKILL)
}

// Resize implements Resizer. It is a no-op once the process has exited.
func (pp *procProcess) Resize(size *pty.Winsize) error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.exited {
		return nil
	}
	return pp.p.Resize(size)
}

// Default returns the default ProcExecutor.
func Default() Executor {
	return &ProcExecutor{}
}
