// procrun - Run one child process with its stdio connected to this terminal
//
// Usage:
//
//	procrun [flags] -- <path> [args...]
//
// The child gets only the environment given with --env, plus the parent's
// when --inherit-env is set. Its exit code becomes procrun's exit code.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/creack/pty"
	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/mbrock/procmanage/internal/executor"
)

// exitStartFailed is returned when the child could not be started, matching
// the shell convention for a command that cannot be executed.
const exitStartFailed = 127

type config struct {
	env        []string
	inheritEnv bool
	argv0      bool
	pty        bool
	rows, cols int
	debug      bool
	command    []string
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func parseArgs(args []string) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("procrun", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringArrayVarP(&cfg.env, "env", "e", nil, "Add KEY=VALUE to the child's environment (can be repeated)")
	fs.BoolVar(&cfg.inheritEnv, "inherit-env", envBool("PROCRUN_INHERIT_ENV"), "Start from this process's environment (PROCRUN_INHERIT_ENV)")
	fs.BoolVar(&cfg.argv0, "argv0", true, "Pass the path as argv[0]; with --argv0=false the first argument is argv[0]")
	fs.BoolVar(&cfg.pty, "pty", false, "Run the child on a pseudo-terminal")
	fs.IntVar(&cfg.rows, "rows", 24, "Terminal rows (for --pty when stdin is not a terminal)")
	fs.IntVar(&cfg.cols, "cols", 80, "Terminal columns (for --pty when stdin is not a terminal)")
	fs.BoolVar(&cfg.debug, "debug", envBool("PROCRUN_DEBUG"), "Log process lifecycle to stderr (PROCRUN_DEBUG)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.command = fs.Args()
	if len(cfg.command) == 0 {
		return nil, errors.New("usage: procrun [flags] -- <path> [args...]")
	}
	if cfg.rows <= 0 || cfg.cols <= 0 || cfg.rows > math.MaxUint16 || cfg.cols > math.MaxUint16 {
		return nil, errors.Errorf("invalid terminal size %dx%d", cfg.rows, cfg.cols)
	}
	return cfg, nil
}

func newExecutor(cfg *config, logger *slog.Logger) *executor.ProcExecutor {
	e := &executor.ProcExecutor{
		Env:        cfg.env,
		InheritEnv: cfg.inheritEnv,
		RawArgs:    !cfg.argv0,
		Logger:     logger,
	}
	if cfg.pty {
		e.PTY = &pty.Winsize{Rows: uint16(cfg.rows), Cols: uint16(cfg.cols)}
	}
	return e
}

// run starts the command and waits for it, killing it when ctx is done.
// Sizes received on sizes are forwarded to the process if it runs on a
// terminal; sizes may be nil.
func run(ctx context.Context, cfg *config, ex executor.Executor, stdin io.Reader, stdout, stderr io.Writer, sizes <-chan *pty.Winsize) int {
	p, err := ex.Start(cfg.command, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "procrun: %v\n", err)
		return exitStartFailed
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.Kill()
				return
			case size := <-sizes:
				if r, ok := p.(executor.Resizer); ok {
					if err := r.Resize(size); err != nil {
						slog.Debug("resize failed", "error", err)
					}
				}
			case <-done:
				return
			}
		}
	}()

	code, err := p.Wait()
	if err != nil {
		fmt.Fprintf(stderr, "procrun: %v\n", err)
		return exitStartFailed
	}
	return code
}

// watchWindowSize sends the terminal size of f on sizes each time a signal
// arrives on winch, until ctx is done.
func watchWindowSize(ctx context.Context, winch <-chan os.Signal, f *os.File, sizes chan<- *pty.Winsize) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-winch:
			size, err := pty.GetsizeFull(f)
			if err != nil {
				slog.Debug("reading terminal size", "error", err)
				continue
			}
			select {
			case sizes <- size:
			case <-ctx.Done():
				return
			}
		}
	}
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "procrun: %v\n", err)
		os.Exit(2)
	}

	logLevel := slog.LevelInfo
	if cfg.debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	os.Exit(runTerminal(cfg, newExecutor(cfg, logger)))
}

// runTerminal runs the command on this process's stdio, putting the terminal
// in raw mode for --pty so keystrokes reach the child unprocessed.
func runTerminal(cfg *config, ex *executor.ProcExecutor) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sizes chan *pty.Winsize
	stdinFd := int(os.Stdin.Fd())
	if cfg.pty && term.IsTerminal(stdinFd) {
		if size, err := pty.GetsizeFull(os.Stdin); err == nil {
			ex.PTY = size
		}
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "procrun: raw mode: %v\n", err)
			return 1
		}
		defer term.Restore(stdinFd, oldState)

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		sizes = make(chan *pty.Winsize)
		go watchWindowSize(ctx, winch, os.Stdin, sizes)
	}

	return run(ctx, cfg, ex, os.Stdin, os.Stdout, os.Stderr, sizes)
}
