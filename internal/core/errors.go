package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when no process is tracked under a task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskActive is returned when a task id is already running.
	ErrTaskActive = errors.New("task is already running")
)

// ErrorKind classifies task failures.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalid
	KindSpawn
	KindWait
	KindTool
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindSpawn:
		return "spawn"
	case KindWait:
		return "wait"
	case KindTool:
		return "tool"
	case KindCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// TaskError describes why a task did not succeed.
type TaskError struct {
	Kind    ErrorKind
	TaskID  string
	Code    *int
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] %s: %s", e.TaskID, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *TaskError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == kind
}

func invalidSpec(taskID, format string, args ...any) *TaskError {
	return &TaskError{Kind: KindInvalid, TaskID: taskID, Message: fmt.Sprintf(format, args...)}
}
