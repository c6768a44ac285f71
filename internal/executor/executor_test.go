package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbrock/procmanage/pkg/proc"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("/bin/sh not available: %v", err)
	}
}

// runToCompletion starts cmd and waits for it, failing the test after 10s.
func runToCompletion(t *testing.T, e Executor, cmd []string, stdin io.Reader) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	p, err := e.Start(cmd, stdin, &stdout, &stderr)
	require.NoError(t, err)

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		code, err := p.Wait()
		done <- result{code, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.code, stdout.String(), stderr.String()
	case <-time.After(10 * time.Second):
		p.Kill()
		t.Fatalf("command %v did not finish", cmd)
		return 0, "", ""
	}
}

func TestProcExecutor_OutputCapture(t *testing.T) {
	requireShell(t)
	code, stdout, stderr := runToCompletion(t, &ProcExecutor{},
		[]string{"/bin/sh", "-c", "echo hello; echo error message >&2; exit 3"}, nil)

	assert.Equal(t, 3, code)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "error message\n", stderr)
}

func TestProcExecutor_Stdin(t *testing.T) {
	requireShell(t)
	code, stdout, _ := runToCompletion(t, &ProcExecutor{},
		[]string{"/bin/sh", "-c", "read line; echo got:$line"}, strings.NewReader("ping\n"))

	assert.Equal(t, 0, code)
	assert.Equal(t, "got:ping\n", stdout)
}

func TestProcExecutor_Argv0(t *testing.T) {
	requireShell(t)
	_, stdout, _ := runToCompletion(t, &ProcExecutor{},
		[]string{"/bin/sh", "-c", "echo $0"}, nil)
	assert.Equal(t, "/bin/sh\n", stdout)

	// RawArgs hands the caller's first argument to the child as argv[0].
	_, stdout, _ = runToCompletion(t, &ProcExecutor{RawArgs: true},
		[]string{"/bin/sh", "custom-name", "-c", "echo $0"}, nil)
	assert.Equal(t, "custom-name\n", stdout)
}

func TestProcExecutor_Environment(t *testing.T) {
	requireShell(t)
	t.Setenv("PROCMANAGE_EXECUTOR_TEST", "parent")
	script := []string{"/bin/sh", "-c", `echo "$PROCMANAGE_EXECUTOR_TEST/$EXTRA"`}

	_, stdout, _ := runToCompletion(t, &ProcExecutor{Env: []string{"EXTRA=x"}}, script, nil)
	assert.Equal(t, "/x\n", stdout)

	_, stdout, _ = runToCompletion(t, &ProcExecutor{Env: []string{"EXTRA=x"}, InheritEnv: true}, script, nil)
	assert.Equal(t, "parent/x\n", stdout)
}

func TestProcExecutor_Kill(t *testing.T) {
	requireShell(t)
	e := &ProcExecutor{}
	p, err := e.Start([]string{"/bin/sh", "-c", "sleep 30 & wait"}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGKILL), code)

	// Killing after Wait is a no-op.
	assert.NoError(t, p.Kill())
	again, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, code, again)
}

func TestProcExecutor_NotFound(t *testing.T) {
	_, err := (&ProcExecutor{}).Start([]string{"procmanage-no-such-command-12345"}, nil, nil, nil)
	assert.Error(t, err)

	_, err = (&ProcExecutor{}).Start(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestProcExecutor_PTY(t *testing.T) {
	requireShell(t)
	e := &ProcExecutor{PTY: &pty.Winsize{Rows: 24, Cols: 80}}
	code, stdout, stderr := runToCompletion(t, e,
		[]string{"/bin/sh", "-c", "test -t 1 && echo on-tty; echo err >&2"}, nil)

	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "on-tty")
	assert.Contains(t, stdout, "err", "stderr shares the terminal")
	assert.Empty(t, stderr)
}

func TestFakeExecutor(t *testing.T) {
	e := NewFakeExecutor()
	e.RegisterCommand("greet", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		fmt.Fprintf(stdout, "hi %s\n", strings.Join(args[1:], " "))
		return 5
	})
	e.RegisterCommand("block", func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
		<-ctx.Done()
		return 137
	})

	code, stdout, _ := runToCompletion(t, e, []string{"greet", "a", "b"}, nil)
	assert.Equal(t, 5, code)
	assert.Equal(t, "hi a b\n", stdout)

	p, err := e.Start([]string{"block"}, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, p.Kill())
	code, err = p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 137, code)

	_, err = e.Start([]string{"missing"}, nil, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, [][]string{{"greet", "a", "b"}, {"block"}}, e.Started())
}

func TestProcExecutor_PTYEndOfInput(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skipf("/bin/cat not available: %v", err)
	}
	e := &ProcExecutor{PTY: &pty.Winsize{Rows: 24, Cols: 80}}

	code, stdout, _ := runToCompletion(t, e, []string{"/bin/cat"}, strings.NewReader("hi\n"))
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "hi")

	// A final line without a newline still ends the input.
	code, stdout, _ = runToCompletion(t, e, []string{"/bin/cat"}, strings.NewReader("partial"))
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "partial")

	code, _, _ = runToCompletion(t, e, []string{"/bin/cat"}, strings.NewReader(""))
	assert.Equal(t, 0, code)
}

func TestProcExecutor_Resize(t *testing.T) {
	requireShell(t)

	e := &ProcExecutor{PTY: &pty.Winsize{Rows: 24, Cols: 80}}
	p, err := e.Start([]string{"/bin/sh", "-c", "sleep 30"}, nil, nil, nil)
	require.NoError(t, err)
	r, ok := p.(Resizer)
	require.True(t, ok)
	assert.NoError(t, r.Resize(&pty.Winsize{Rows: 50, Cols: 120}))

	require.NoError(t, p.Kill())
	_, err = p.Wait()
	require.NoError(t, err)
	assert.NoError(t, r.Resize(&pty.Winsize{Rows: 10, Cols: 10}), "resizing after exit is a no-op")

	piped, err := (&ProcExecutor{}).Start([]string{"/bin/sh", "-c", "sleep 30"}, nil, nil, nil)
	require.NoError(t, err)
	defer piped.Wait()
	defer piped.Kill()
	err = piped.(Resizer).Resize(&pty.Winsize{Rows: 1, Cols: 1})
	assert.True(t, errors.Is(err, proc.ErrNoPTY))
}

func TestProcExecutor_KillAfterExit(t *testing.T) {
	requireShell(t)
	p, err := (&ProcExecutor{}).Start([]string{"/bin/sh", "-c", "exit 0"}, nil, nil, nil)
	require.NoError(t, err)

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.NoError(t, p.Kill(), "a reaped child's pid is never signaled")
}
