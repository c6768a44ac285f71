// Package proc spawns a single child process whose standard streams are
// connected to descriptors owned by the caller, and later kills and reaps it.
//
// A Process moves between three states:
//
//	idle     created by New, or after Close
//	running  after a successful Open
//	freed    after Free; the Process cannot be used again
//
// Argument and environment vectors are accumulated with AddArg/AddEnv and
// handed to the child verbatim. Nothing is inherited from the parent's
// environment, and the path is only inserted as argv[0] when WithArgv0 is
// given.
//
// A Process is not safe for concurrent use.
package proc

import (
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/errors"

	"github.com/mbrock/procmanage/pkg/strvec"
)

// NoPID is the pid of a Process with no child.
const NoPID = -1

var (
	ErrRunning     = errors.New("proc: process is running")
	ErrNotRunning  = errors.New("proc: no running process")
	ErrFreed       = errors.New("proc: process has been freed")
	ErrNoPTY       = errors.New("proc: process has no pty")
	ErrUnsupported = errors.New("proc: spawning is not supported on this platform")
)

// SpawnError reports a failure to start the child. The Process stays idle.
type SpawnError struct {
	Path string
	Op   string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("proc: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Process is a handle on a child process and the resources it owns.
type Process struct {
	path string
	argv *strvec.Vector
	envp *strvec.Vector

	// Parent-side ends; nil when unset.
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	pid   int
	freed bool

	tty     bool
	winsize *pty.Winsize

	logger *slog.Logger
}

// Option configures a Process at creation.
type Option func(*Process)

// WithArgv0 inserts the path as the first argument, ahead of any argv given
// to New.
func WithArgv0() Option {
	return func(p *Process) {
		p.argv.Push(p.path)
	}
}

// WithPTY connects the child's stdin, stdout and stderr to the slave side of
// a new pseudo-terminal, which also becomes its controlling terminal. The
// parent-side descriptors are then three independent handles on the master.
// size may be nil to keep the kernel default.
func WithPTY(size *pty.Winsize) Option {
	return func(p *Process) {
		p.tty = true
		p.winsize = size
	}
}

// WithLogger sets the logger used for lifecycle debug messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates an idle Process for the binary at path. Every element of argv
// is appended as an argument and every element of envp as an environment
// entry, both copied.
func New(path string, argv, envp []string, opts ...Option) *Process {
	p := &Process{
		path:   path,
		argv:   strvec.New(),
		envp:   strvec.New(),
		pid:    NoPID,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.AddArgs(argv)
	p.AddEnvs(envp)
	return p
}

func (p *Process) mustNotBeFreed(op string) {
	if p.freed {
		panic("proc: " + op + " on freed Process")
	}
}

// AddArg appends one argument. It only affects the child started by the
// next Open.
func (p *Process) AddArg(arg string) {
	p.mustNotBeFreed("AddArg")
	p.argv.Push(arg)
}

// AddEnv appends one KEY=VALUE environment entry.
func (p *Process) AddEnv(env string) {
	p.mustNotBeFreed("AddEnv")
	p.envp.Push(env)
}

// AddArgs appends args in order.
func (p *Process) AddArgs(args []string) {
	for _, arg := range args {
		p.AddArg(arg)
	}
}

// AddEnvs appends envs in order.
func (p *Process) AddEnvs(envs []string) {
	for _, env := range envs {
		p.AddEnv(env)
	}
}

func (p *Process) Path() string   { return p.path }
func (p *Process) Args() []string { return p.argv.Strings() }
func (p *Process) Env() []string  { return p.envp.Strings() }

// Pid returns the child's pid, or NoPID.
func (p *Process) Pid() int { return p.pid }

// Running reports whether a child has been started and not yet reaped.
func (p *Process) Running() bool { return p.pid != NoPID }

// Stdin returns the write end connected to the child's standard input, or
// nil when no child has been opened.
func (p *Process) Stdin() *os.File  { return p.stdin }
func (p *Process) Stdout() *os.File { return p.stdout }
func (p *Process) Stderr() *os.File { return p.stderr }

// StdinFd returns the descriptor number behind Stdin, or -1.
func (p *Process) StdinFd() int  { return fdOf(p.stdin) }
func (p *Process) StdoutFd() int { return fdOf(p.stdout) }
func (p *Process) StderrFd() int { return fdOf(p.stderr) }

func fdOf(f *os.File) int {
	if f == nil {
		return -1
	}
	return int(f.Fd())
}

// Open starts the child. If a child is already running, or the descriptors
// of a waited-for child have not been closed yet, no process is started
// and ErrRunning is returned.
//
// Failures to create pipes, fork or exec the binary are returned as a
// *SpawnError and leave the Process idle, so Open may be retried. The exec
// step reports back through the runtime's fork primitive, which means a
// missing or non-executable path is seen here rather than as an exit status.
// Unlike a bare fork/exec, Open therefore fails for a nonexistent path.
func (p *Process) Open() error {
	if p.freed {
		return ErrFreed
	}
	if p.pid != NoPID || p.stdin != nil {
		return ErrRunning
	}

	// ForkExec builds the terminated arrays itself; only reject NULs here.
	if err := p.argv.Validate(); err != nil {
		return &SpawnError{Path: p.path, Op: "prepare argv", Err: err}
	}
	if err := p.envp.Validate(); err != nil {
		return &SpawnError{Path: p.path, Op: "prepare envp", Err: err}
	}

	var parent, child stdio
	var err error
	if p.tty {
		parent, child, err = openPTY(p.winsize)
	} else {
		parent, child, err = openPipes()
	}
	if err != nil {
		return &SpawnError{Path: p.path, Op: "open stdio", Err: err}
	}

	pid, err := spawn(p.path, p.argv.Strings(), p.envp.Strings(), child, p.tty)
	child.close()
	if err != nil {
		parent.close()
		p.logger.Debug("spawn failed", "path", p.path, "error", err)
		return &SpawnError{Path: p.path, Op: "spawn", Err: err}
	}

	p.stdin, p.stdout, p.stderr = parent[0], parent[1], parent[2]
	p.pid = pid
	p.logger.Debug("process started", "path", p.path, "pid", pid, "tty", p.tty)
	return nil
}

// Close closes the parent-side descriptors, sends SIGKILL to the child's
// process group and makes one non-blocking attempt to reap it. The child may
// linger as a zombie if it has not died by then. Close is a no-op on an idle
// Process, and the Process can be opened again afterwards.
//
// The returned error is the first descriptor close failure; signal and reap
// failures are only logged.
func (p *Process) Close() error {
	var firstErr error
	for _, f := range []**os.File{&p.stdin, &p.stdout, &p.stderr} {
		if *f == nil {
			continue
		}
		// Callers commonly close Stdin themselves to signal EOF.
		if err := (*f).Close(); err != nil && !errors.Is(err, os.ErrClosed) && firstErr == nil {
			firstErr = errors.Wrapf(err, "proc: close %s", (*f).Name())
		}
		*f = nil
	}

	if p.pid != NoPID {
		if err := killGroup(p.pid, syscall.SIGKILL); err != nil {
			p.logger.Debug("kill failed", "pid", p.pid, "error", err)
		}
		reaped, err := reapNoHang(p.pid)
		p.logger.Debug("process closed", "pid", p.pid, "reaped", reaped, "error", err)
		p.pid = NoPID
	}
	return firstErr
}

// Free releases the path and vectors. A Process with a running child is not
// freed and ErrRunning is returned; call Close first. Free on a nil or
// already freed Process does nothing.
func (p *Process) Free() error {
	if p == nil || p.freed {
		return nil
	}
	if p.pid != NoPID {
		p.logger.Warn("refusing to free running process", "path", p.path, "pid", p.pid)
		return ErrRunning
	}

	// Only descriptors of an already waited-for child can remain here.
	err := p.Close()

	p.path = ""
	p.argv.Clear()
	p.envp.Clear()
	p.freed = true
	return err
}

// Wait blocks until the child exits, reaps it and returns its exit code. A
// child killed by a signal reports 128 plus the signal number. The
// descriptors stay open so remaining output can be drained; Close releases
// them.
func (p *Process) Wait() (int, error) {
	if p.pid == NoPID {
		return -1, ErrNotRunning
	}
	pid := p.pid
	code, err := waitBlocking(pid)
	p.pid = NoPID
	if err != nil {
		return -1, errors.Wrapf(err, "proc: wait for pid %d", pid)
	}
	p.logger.Debug("process exited", "pid", pid, "exitCode", code)
	return code, nil
}

// WaitExited blocks until the child has terminated but leaves it unreaped,
// so its pid cannot be reused until Wait is called. On platforms without
// waitid(WNOWAIT) it returns immediately.
func (p *Process) WaitExited() error {
	if p.pid == NoPID {
		return ErrNotRunning
	}
	return errors.Wrapf(blockUntilExited(p.pid), "proc: wait for pid %d", p.pid)
}

// Signal sends sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.pid == NoPID {
		return ErrNotRunning
	}
	return SignalGroup(p.pid, sig)
}

// SignalGroup sends sig to the process group led by pid, falling back to pid
// alone. It is meant for callers that record a Process's pid and must signal
// it while another goroutine owns the Process.
func SignalGroup(pid int, sig syscall.Signal) error {
	return errors.Wrapf(killGroup(pid, sig), "proc: signal pid %d", pid)
}

// Resize sets the terminal size of a Process created WithPTY.
func (p *Process) Resize(size *pty.Winsize) error {
	if !p.tty {
		return ErrNoPTY
	}
	p.winsize = size
	if p.stdin == nil {
		return nil
	}
	return pty.Setsize(p.stdin, size)
}

// stdio holds stdin, stdout and stderr ends, in that order.
type stdio [3]*os.File

func (s stdio) close() {
	for i, f := range s {
		if f == nil || (i > 0 && f == s[0]) || (i > 1 && f == s[1]) {
			continue
		}
		f.Close()
	}
}

// openPipes returns the parent ends (stdin write, stdout read, stderr read)
// and the matching child ends.
func openPipes() (parent, child stdio, err error) {
	for i := 0; i < 3; i++ {
		r, w, perr := os.Pipe()
		if perr != nil {
			parent.close()
			child.close()
			return stdio{}, stdio{}, perr
		}
		if i == 0 {
			parent[i], child[i] = w, r
		} else {
			parent[i], child[i] = r, w
		}
	}
	return parent, child, nil
}
