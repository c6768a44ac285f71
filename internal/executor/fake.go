package executor

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/pkg/errors"
)

// FakeCommand is a function that simulates a command execution.
// It receives the command arguments, stdin, stdout, stderr and should return an exit code.
// The context is cancelled when the process should be killed.
type FakeCommand func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int

// FakeExecutor is a test implementation of Executor that runs registered fake commands.
type FakeExecutor struct {
	// OnResize, when set, is called for every Resize of a started process.
	OnResize func(args []string, size *pty.Winsize)

	mu       sync.RWMutex
	commands map[string]FakeCommand
	started  [][]string
}

// NewFakeExecutor creates a new FakeExecutor.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		commands: make(map[string]FakeCommand),
	}
}

// RegisterCommand registers a fake command implementation.
// The name should match the first element of the command slice.
func (e *FakeExecutor) RegisterCommand(name string, handler FakeCommand) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[name] = handler
}

// Started returns the commands passed to Start, in order.
func (e *FakeExecutor) Started() [][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([][]string, len(e.started))
	copy(out, e.started)
	return out
}

type fakeProcess struct {
	args     []string
	onResize func([]string, *pty.Winsize)
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode int
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, nil
}

func (p *fakeProcess) Kill() error {
	p.cancel()
	return nil
}

func (p *fakeProcess) Resize(size *pty.Winsize) error {
	if p.onResize != nil {
		p.onResize(p.args, size)
	}
	return nil
}

// Start implements Executor.Start for FakeExecutor.
func (e *FakeExecutor) Start(cmdArgs []string, stdin io.Reader, stdout, stderr io.Writer) (Process, error) {
	if len(cmdArgs) == 0 {
		return nil, errors.New("empty command")
	}

	e.mu.Lock()
	handler, ok := e.commands[cmdArgs[0]]
	if ok {
		e.started = append(e.started, append([]string(nil), cmdArgs...))
	}
	e.mu.Unlock()

	if !ok {
		return nil, errors.Errorf("executable %q not found", cmdArgs[0])
	}

	if stdin == nil {
		stdin = strings.NewReader("")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc := &fakeProcess{
		args:     cmdArgs,
		onResize: e.OnResize,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go func() {
		defer cancel()
		proc.exitCode = handler(ctx, stdin, stdout, stderr, cmdArgs)
		close(proc.done)
	}()

	return proc, nil
}
