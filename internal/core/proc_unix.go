//go:build !windows

package core

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"
)

func defaultShell() ShellWrapper {
	return ShellWrapper{Exe: "/bin/sh", Args: []string{"-c"}}
}

func joinCommandLine(exe string, args []string) string {
	return shellquote.Join(append([]string{exe}, args...)...)
}

// elevate leaves the command unchanged; there is no UAC to go through.
func elevate(exe string, args []string) (string, []string) {
	return exe, args
}

// configureProcess puts the child in its own process group so the whole tree can be signalled.
// Interactive children read console and write to the daemon's stderr so a stdio
// protocol on stdout is never corrupted. A nil console means no input at all.
func configureProcess(cmd *exec.Cmd, mode ExecutionMode, console io.Reader) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if mode == ModeInteractive {
		cmd.Stdin = console
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	}
}

// killProcessTree sends SIGKILL to the process group led by pid, falling back to pid alone.
func killProcessTree(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
		return nil
	}
	return unix.Kill(pid, unix.SIGKILL)
}
