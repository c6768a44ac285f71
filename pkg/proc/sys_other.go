//go:build !(linux || darwin || freebsd)

package proc

import (
	"syscall"

	"github.com/creack/pty"
)

func spawn(string, []string, []string, stdio, bool) (int, error) {
	return 0, ErrUnsupported
}

func openPTY(*pty.Winsize) (stdio, stdio, error) {
	return stdio{}, stdio{}, ErrUnsupported
}

func killGroup(int, syscall.Signal) error { return ErrUnsupported }

func reapNoHang(int) (bool, error) { return false, ErrUnsupported }

func waitBlocking(int) (int, error) { return -1, ErrUnsupported }
