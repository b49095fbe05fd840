package core

import (
	"strings"
	"time"
)

// Verb is the winget subcommand a task runs.
type Verb string

const (
	VerbInstall   Verb = "install"
	VerbUpgrade   Verb = "upgrade"
	VerbUninstall Verb = "uninstall"
	VerbDownload  Verb = "download"
)

// Valid reports whether v is one of the task verbs.
func (v Verb) Valid() bool {
	switch v {
	case VerbInstall, VerbUpgrade, VerbUninstall, VerbDownload:
		return true
	default:
		return false
	}
}

// CommandSpec declares one package operation.
type CommandSpec struct {
	Verb     Verb
	TargetID string
	// TaskID defaults to TargetID when empty.
	TaskID        string
	Flags         []string
	Source        string
	Proxy         string
	OutputDir     string
	KeepArtifacts bool
}

// Key returns the task id the operation is tracked under.
func (s CommandSpec) Key() string {
	if id := strings.TrimSpace(s.TaskID); id != "" {
		return id
	}
	return strings.TrimSpace(s.TargetID)
}

// ExecutionMode selects how the child process is launched.
type ExecutionMode int

const (
	// ModeHidden runs the tool directly without a console window and pipes its output.
	ModeHidden ExecutionMode = iota
	// ModeInteractive runs the tool through a visible shell wrapper; output is not captured.
	ModeInteractive
)

func (m ExecutionMode) String() string {
	if m == ModeInteractive {
		return "interactive"
	}
	return "hidden"
}

// StreamName identifies the pipe a chunk was read from.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// EventKind discriminates StreamEvent variants.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventLog      EventKind = "log"
	EventFinished EventKind = "finished"
)

// StreamEvent is one notification about a task. Command is set on Started,
// Stream and Chunk on Log, Success and ExitCode on Finished.
type StreamEvent struct {
	Kind     EventKind  `json:"kind"`
	TaskID   string     `json:"id"`
	Command  string     `json:"cmd,omitempty"`
	Stream   StreamName `json:"stream,omitempty"`
	Chunk    string     `json:"line,omitempty"`
	Success  bool       `json:"success"`
	ExitCode *int       `json:"code,omitempty"`
	At       time.Time  `json:"at"`
}

// Outcome is the classified result of a finished process.
type Outcome struct {
	Success bool
	// Output is the normalized stdout on success and the failure message otherwise.
	Output   string
	ExitCode *int
	Kind     ErrorKind
}

// Err converts a failed outcome into a *TaskError. It returns nil on success.
func (o Outcome) Err(taskID string) error {
	if o.Success {
		return nil
	}
	return &TaskError{Kind: o.Kind, TaskID: taskID, Code: o.ExitCode, Message: o.Output}
}

// TaskInfo is a read-only view of a registry entry.
type TaskInfo struct {
	ID        string        `json:"id"`
	PID       int           `json:"pid"`
	Command   string        `json:"cmd"`
	Mode      ExecutionMode `json:"-"`
	StartedAt time.Time     `json:"started_at"`
}

// ScheduleStatus describes whether a schedule fires.
type ScheduleStatus string

const (
	ScheduleStatusActive ScheduleStatus = "active"
	ScheduleStatusPaused ScheduleStatus = "paused"
)

// Schedule is a recurring package operation.
type Schedule struct {
	ID        string
	Name      *string
	Cron      string
	Spec      CommandSpec
	Status    ScheduleStatus
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func intPtr(v int) *int {
	return &v
}
