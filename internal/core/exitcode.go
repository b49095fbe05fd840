package core

import (
	"fmt"
	"sort"
	"strings"
)

// SoftSuccessTable lists nonzero exit codes the wrapped tool uses for benign
// outcomes. Codes are compared as 32-bit values so an HRESULT matches whether
// it was reported signed (-1978335231) or unsigned (0x8A150001).
type SoftSuccessTable struct {
	codes map[int32]string
}

// NewSoftSuccessTable builds a table from code/description pairs.
func NewSoftSuccessTable(codes map[int64]string) SoftSuccessTable {
	t := SoftSuccessTable{codes: make(map[int32]string, len(codes))}
	for code, note := range codes {
		t.codes[int32(uint32(code))] = note
	}
	return t
}

// DefaultSoftSuccess returns the codes winget reports when an operation had nothing to do.
func DefaultSoftSuccess() SoftSuccessTable {
	return NewSoftSuccessTable(map[int64]string{
		-1978335231: "winget no-op (0x8A150001)",
		0x8A150019:  "winget no-op (0x8A150019)",
	})
}

// Match reports whether code is a soft success.
func (t SoftSuccessTable) Match(code int) bool {
	_, ok := t.codes[int32(uint32(code))]
	return ok
}

// Codes returns the table's codes in ascending order.
func (t SoftSuccessTable) Codes() []int32 {
	out := make([]int32, 0, len(t.codes))
	for code := range t.codes {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t SoftSuccessTable) String() string {
	parts := make([]string, 0, len(t.codes))
	for _, code := range t.Codes() {
		parts = append(parts, fmt.Sprintf("%d(0x%08X)", code, uint32(code)))
	}
	return strings.Join(parts, ",")
}

// ExitStatus is what the waiter learned about process termination.
// Known is false when the OS wait itself failed. Signaled means the process
// was terminated without an exit code; Code is meaningless then.
type ExitStatus struct {
	Code     int
	Known    bool
	Signaled bool
	Detail   string
}

// Interpreter classifies process termination into an Outcome.
type Interpreter struct {
	SoftSuccess SoftSuccessTable
}

// Interpret normalizes the captured streams and classifies the exit.
func (in Interpreter) Interpret(status ExitStatus, waitErr error, rawStdout, rawStderr string) Outcome {
	if !status.Known {
		msg := "failed to wait for process"
		if waitErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, waitErr)
		}
		return Outcome{Output: msg, Kind: KindWait}
	}
	if status.Signaled {
		msg := "process terminated by signal"
		if status.Detail != "" {
			msg = fmt.Sprintf("%s (%s)", msg, status.Detail)
		}
		return Outcome{Output: msg, Kind: KindTool}
	}
	stdout := NormalizeOutput(rawStdout)
	stderr := NormalizeOutput(rawStderr)
	code := intPtr(status.Code)

	switch {
	case status.Code == 0:
		return Outcome{Success: true, Output: stdout, ExitCode: code}
	case in.SoftSuccess.Match(status.Code):
		return Outcome{Success: true, Output: stdout, ExitCode: code}
	case strings.TrimSpace(stderr) != "":
		return Outcome{Output: stderr, ExitCode: code, Kind: KindTool}
	case strings.TrimSpace(stdout) != "":
		// winget reports some results on stdout with a nonzero code.
		return Outcome{Success: true, Output: stdout, ExitCode: code}
	default:
		return Outcome{Output: fmt.Sprintf("process exited with code %d", status.Code), ExitCode: code, Kind: KindTool}
	}
}
