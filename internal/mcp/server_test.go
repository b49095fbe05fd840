//go:build !windows

package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wingetd/internal/core"
	"wingetd/internal/store"
)

const fakeWinget = `#!/bin/sh
case "$1" in
  search) echo "Name  Id       Version"; echo "Git   Git.Git  2.45.0" ;;
  settings) echo '{"adminSettings":{"ProxyCommandLineOptions":true}}' ;;
  upgrade) echo "Access denied" >&2; exit 5 ;;
  install)
    if [ "$3" = "Slow.App" ]; then sleep 30 & wait; fi
    i=1; while [ $i -le 50 ]; do echo "line $i"; i=$((i+1)); done ;;
  *) echo ok ;;
esac
`

func newTestServer(t *testing.T) (*MCPServer, *core.Engine, *store.Store) {
	t.Helper()
	exe := filepath.Join(t.TempDir(), "winget")
	require.NoError(t, os.WriteFile(exe, []byte(fakeWinget), 0o755))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	profile := core.DefaultProfile()
	profile.Executable = exe
	profile.DownloadDir = t.TempDir()
	engine, err := core.NewEngine(profile, logger, core.WithWaitDelay(500*time.Millisecond))
	require.NoError(t, err)

	st, err := store.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	scheduler := core.NewScheduler(st, engine, logger, time.UTC)
	return NewMCPServer(engine, st, scheduler, logger, time.UTC), engine, st
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	var b strings.Builder
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			b.WriteString(tc.Text)
		case *mcp.TextContent:
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

func TestInstallWaitReturnsTail(t *testing.T) {
	s, engine, _ := newTestServer(t)
	res, err := s.handleSubmit(core.VerbInstall)(context.Background(), callRequest("winget_install", map[string]any{
		"target_id": "Git.Git",
		"wait":      true,
		"tail":      float64(3),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	text := resultText(t, res)
	assert.Contains(t, text, "Task Git.Git finished")
	assert.Contains(t, text, "Success: true")
	assert.True(t, strings.HasSuffix(text, "line 48\nline 49\nline 50"), text)
	assert.NotContains(t, text, "line 47")
	assert.False(t, engine.IsActive("Git.Git"))
}

func TestUpgradeWaitReportsFailure(t *testing.T) {
	s, _, _ := newTestServer(t)
	res, err := s.handleSubmit(core.VerbUpgrade)(context.Background(), callRequest("winget_upgrade", map[string]any{
		"target_id": "Git.Git",
		"wait":      true,
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "Success: false")
	assert.Contains(t, text, "Exit code: 5 (0x00000005)")
	assert.Contains(t, text, "Access denied")
}

func TestSubmitRejectsMissingTarget(t *testing.T) {
	s, _, _ := newTestServer(t)
	res, err := s.handleSubmit(core.VerbInstall)(context.Background(), callRequest("winget_install", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "target id is required")
}

func TestTasksAndCancel(t *testing.T) {
	s, engine, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleSubmit(core.VerbInstall)(ctx, callRequest("winget_install", map[string]any{"target_id": "Slow.App"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "ID: Slow.App")

	res, err = s.handleTasks(ctx, callRequest("winget_tasks", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "1 running task(s)")
	assert.Contains(t, resultText(t, res), "Slow.App")

	res, err = s.handleCancel(ctx, callRequest("winget_cancel", map[string]any{"task_id": "Slow.App"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.False(t, engine.IsActive("Slow.App"))

	res, err = s.handleCancel(ctx, callRequest("winget_cancel", map[string]any{"task_id": "Slow.App"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleTasks(ctx, callRequest("winget_tasks", nil))
	require.NoError(t, err)
	assert.Equal(t, "No running tasks", resultText(t, res))
}

func TestQueryAndSettingsTools(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleQuery(ctx, callRequest("winget_query", map[string]any{"kind": "search", "term": "git"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Git.Git")

	res, err = s.handleQuery(ctx, callRequest("winget_query", map[string]any{"kind": "search"}))
	require.NoError(t, err)
	assert.Equal(t, "search returned no output", resultText(t, res))

	res, err = s.handleQuery(ctx, callRequest("winget_query", map[string]any{"kind": "pins"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleSettings(ctx, callRequest("winget_settings", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "ProxyCommandLineOptions: true")
	assert.Contains(t, resultText(t, res), "InstallerHashOverride: false")
}

func TestScheduleTools(t *testing.T) {
	s, _, st := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleScheduleCreate(ctx, callRequest("winget_schedule_create", map[string]any{
		"verb":      "upgrade",
		"target_id": "Git.Git",
		"cron":      "0 3 * * 1",
		"name":      "weekly git",
		"flags":     "--silent",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	schedules, err := st.ListSchedules(ctx, nil)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	sched := schedules[0]
	assert.Equal(t, []string{"--silent"}, sched.Spec.Flags)
	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, time.Monday, sched.NextRunAt.Weekday())

	res, err = s.handleScheduleList(ctx, callRequest("winget_schedule_list", map[string]any{"status": "active"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Name: weekly git")

	res, err = s.handleScheduleRun(ctx, callRequest("winget_schedule_run", map[string]any{"schedule_id": sched.ID}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "Task ID: Git.Git")

	res, err = s.handleScheduleDelete(ctx, callRequest("winget_schedule_delete", map[string]any{"schedule_id": sched.ID}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = s.handleScheduleDelete(ctx, callRequest("winget_schedule_delete", map[string]any{"schedule_id": sched.ID}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleScheduleCreate(ctx, callRequest("winget_schedule_create", map[string]any{
		"verb": "upgrade", "target_id": "Git.Git", "cron": "every day",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestCronPreviewTool(t *testing.T) {
	s, _, _ := newTestServer(t)
	res, err := s.handleCronPreview(context.Background(), callRequest("winget_cron_preview", map[string]any{
		"cron":  "@hourly",
		"count": float64(3),
	}))
	require.NoError(t, err)
	text := resultText(t, res)
	assert.Contains(t, text, "  3. ")
	assert.NotContains(t, text, "  4. ")
}

func TestFormatCode(t *testing.T) {
	code := -1978335231
	assert.Equal(t, "-1978335231 (0x8A150001)", formatCode(&code))
	assert.Equal(t, "-", formatCode(nil))
}
