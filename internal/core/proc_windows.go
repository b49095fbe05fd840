//go:build windows

package core

import (
	"io"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

func defaultShell() ShellWrapper {
	// Switch the console to UTF-8 before running the tool so package names render.
	return ShellWrapper{Exe: "cmd", Args: []string{"/C"}, Prelude: "chcp 65001>nul & "}
}

func joinCommandLine(exe string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteCmdArg(exe))
	for _, a := range args {
		parts = append(parts, quoteCmdArg(a))
	}
	return strings.Join(parts, " ")
}

func quoteCmdArg(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t&|<>^\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// elevate wraps the invocation in a PowerShell Start-Process with the RunAs verb and
// exits with the elevated process's code. A declined UAC prompt fails Start-Process.
func elevate(exe string, args []string) (string, []string) {
	quoted := make([]string, 0, len(args))
	for _, a := range args {
		quoted = append(quoted, psQuote(a))
	}
	script := "$ErrorActionPreference = 'Stop'; " +
		"$p = Start-Process -FilePath " + psQuote(exe)
	if len(quoted) > 0 {
		script += " -ArgumentList " + strings.Join(quoted, ",")
	}
	script += " -Verb RunAs -WindowStyle Hidden -Wait -PassThru; exit $p.ExitCode"
	return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", script}
}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// configureProcess hides the console for direct invocations. Interactive invocations get
// a new visible console, which supplies their input, and the composite line is passed
// verbatim so cmd parses it.
func configureProcess(cmd *exec.Cmd, mode ExecutionMode, _ io.Reader) {
	if mode == ModeInteractive {
		line := cmd.Args[len(cmd.Args)-1]
		cmd.SysProcAttr = &syscall.SysProcAttr{
			CmdLine:       strings.Join(cmd.Args[:len(cmd.Args)-1], " ") + " " + line,
			CreationFlags: windows.CREATE_NEW_CONSOLE,
		}
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// killProcessTree runs taskkill /T /F against pid.
func killProcessTree(pid int) error {
	kill := exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F")
	kill.SysProcAttr = &syscall.SysProcAttr{HideWindow: true, CreationFlags: windows.CREATE_NO_WINDOW}
	return kill.Run()
}
