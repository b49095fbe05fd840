package mcp

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/mark3labs/mcp-go/mcp"

	"wingetd/internal/core"
)

// SplitFlags splits a shell-quoted flag string such as
// `--scope machine --override "/VERYSILENT /NORESTART"` into arguments.
func SplitFlags(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	flags, err := shellquote.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return flags, nil
}

// specFromRequest reads the common task arguments of a tool call.
func specFromRequest(verb core.Verb, request mcp.CallToolRequest) (core.CommandSpec, error) {
	flags, err := SplitFlags(mcp.ParseString(request, "flags", ""))
	if err != nil {
		return core.CommandSpec{}, err
	}
	return core.CommandSpec{
		Verb:          verb,
		TargetID:      strings.TrimSpace(mcp.ParseString(request, "target_id", "")),
		TaskID:        strings.TrimSpace(mcp.ParseString(request, "task_id", "")),
		Flags:         flags,
		Source:        strings.TrimSpace(mcp.ParseString(request, "source", "")),
		Proxy:         strings.TrimSpace(mcp.ParseString(request, "proxy", "")),
		OutputDir:     strings.TrimSpace(mcp.ParseString(request, "output_dir", "")),
		KeepArtifacts: mcp.ParseBoolean(request, "keep_artifacts", false),
	}, nil
}

// taskOptions are the tool parameters shared by every task verb.
func taskOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("Package identifier, e.g. Git.Git"),
		),
		mcp.WithString("task_id",
			mcp.Description("Id to track the task under; defaults to target_id"),
		),
		mcp.WithString("flags",
			mcp.Description("Extra winget flags as one shell-quoted string; replaces the default flag set"),
		),
		mcp.WithString("source",
			mcp.Description("Package source, e.g. winget or msstore"),
		),
		mcp.WithString("proxy",
			mcp.Description("Proxy URL passed as --proxy"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the task to finish and return its output tail"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Lines of output to return when waiting, default 40"),
			mcp.Min(0),
		),
	}
}

// tailLines returns the last n lines of text.
func tailLines(text string, n int) string {
	text = strings.TrimRight(text, "\n")
	if n <= 0 || text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
