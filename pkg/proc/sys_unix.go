//go:build linux || darwin || freebsd

package proc

import (
	"os"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// spawn forks and execs path with the child's fds 0, 1 and 2 taken from
// child. The child runs in a new session, so its pid is also its process
// group id. With tty set, fd 0 becomes the controlling terminal.
func spawn(path string, argv, envp []string, child stdio, tty bool) (int, error) {
	attr := &syscall.ProcAttr{
		Env:   envp,
		Files: []uintptr{child[0].Fd(), child[1].Fd(), child[2].Fd()},
		Sys: &syscall.SysProcAttr{
			Setsid:  true,
			Setctty: tty,
			Ctty:    0,
		},
	}
	return syscall.ForkExec(path, argv, attr)
}

func openPTY(size *pty.Winsize) (parent, child stdio, err error) {
	master, slave, err := pty.Open()
	if err != nil {
		return stdio{}, stdio{}, err
	}
	if size != nil {
		if err := pty.Setsize(master, size); err != nil {
			master.Close()
			slave.Close()
			return stdio{}, stdio{}, err
		}
	}

	out, err := dupCloexec(master, "pty-stdout")
	if err != nil {
		master.Close()
		slave.Close()
		return stdio{}, stdio{}, err
	}
	errf, err := dupCloexec(master, "pty-stderr")
	if err != nil {
		out.Close()
		master.Close()
		slave.Close()
		return stdio{}, stdio{}, err
	}
	return stdio{master, out, errf}, stdio{slave, slave, slave}, nil
}

func dupCloexec(f *os.File, name string) (*os.File, error) {
	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, os.NewSyscallError("fcntl", err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// killGroup signals the process group led by pid, falling back to pid alone.
func killGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

// reapNoHang collects pid's exit status if it is already available.
func reapNoHang(pid int) (bool, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, err
	}
	return wpid == pid, nil
}

func waitBlocking(pid int) (int, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		return exitCode(ws), nil
	}
}

func exitCode(ws unix.WaitStatus) int {
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	}
	return -1
}
