//go:build !windows

package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTool writes a shell script standing in for winget and returns its path.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "winget")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestEngine(t *testing.T, exe string, tweak ...func(*Profile)) *Engine {
	t.Helper()
	p := DefaultProfile()
	p.Executable = exe
	p.Encoding = "utf-8"
	p.DownloadDir = t.TempDir()
	p.SoftSuccess = NewSoftSuccessTable(map[int64]string{3: "nothing to do"})
	for _, fn := range tweak {
		fn(&p)
	}
	e, err := NewEngine(p, slog.New(slog.NewTextHandler(io.Discard, nil)), WithWaitDelay(500*time.Millisecond))
	require.NoError(t, err)
	return e
}

func collect(t *testing.T, task *Task) ([]StreamEvent, StreamEvent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var events []StreamEvent
	finished, err := task.Wait(ctx, func(ev StreamEvent) { events = append(events, ev) })
	require.NoError(t, err)
	return events, finished
}

func chunks(events []StreamEvent, stream StreamName) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == EventLog && ev.Stream == stream {
			b.WriteString(ev.Chunk)
		}
	}
	return b.String()
}

func TestSubmitSuccess(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo "id=$3"; echo one; echo three`))
	task, err := e.Submit(CommandSpec{Verb: VerbInstall, TargetID: "Git.Git"})
	require.NoError(t, err)
	assert.Equal(t, "Git.Git", task.ID)
	assert.NotZero(t, task.PID)
	assert.Equal(t, ModeHidden, task.Mode)

	events, finished := collect(t, task)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.True(t, strings.HasPrefix(events[0].Command, "winget install --id Git.Git --exact"))
	assert.Equal(t, EventFinished, events[len(events)-1].Kind)
	for _, ev := range events {
		assert.Equal(t, "Git.Git", ev.TaskID)
		assert.False(t, ev.At.IsZero())
	}

	assert.Equal(t, "id=Git.Git\none\nthree\n", chunks(events, StreamStdout))
	assert.True(t, finished.Success)
	require.NotNil(t, finished.ExitCode)
	assert.Equal(t, 0, *finished.ExitCode)
	assert.False(t, e.IsActive("Git.Git"))

	_, ok := <-task.Events()
	assert.False(t, ok)
}

func TestSubmitExitCodes(t *testing.T) {
	cases := map[string]struct {
		script  string
		success bool
		code    int
	}{
		"soft success":   {script: `echo "No available upgrade found."; exit 3`, success: true, code: 3},
		"stderr failure": {script: `echo partial; echo "Access denied" >&2; exit 2`, success: false, code: 2},
		"stdout only":    {script: `echo "No installed package found matching input criteria."; exit 5`, success: true, code: 5},
		"silent failure": {script: `exit 9`, success: false, code: 9},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, fakeTool(t, tc.script))
			task, err := e.Submit(CommandSpec{Verb: VerbUpgrade, TargetID: "Git.Git"})
			require.NoError(t, err)
			_, finished := collect(t, task)
			assert.Equal(t, tc.success, finished.Success)
			require.NotNil(t, finished.ExitCode)
			assert.Equal(t, tc.code, *finished.ExitCode)
		})
	}
}

func TestSubmitSignalDeathFails(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo progress; kill -9 $$`))
	task, err := e.Submit(CommandSpec{Verb: VerbUpgrade, TargetID: "Git.Git"})
	require.NoError(t, err)
	events, finished := collect(t, task)
	assert.Equal(t, "progress\n", chunks(events, StreamStdout))
	assert.False(t, finished.Success)
	assert.Nil(t, finished.ExitCode)
}

func TestSubmitStderrStream(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo "Access denied" >&2; exit 1`))
	task, err := e.Submit(CommandSpec{Verb: VerbUninstall, TargetID: "Git.Git"})
	require.NoError(t, err)
	events, finished := collect(t, task)
	assert.Equal(t, "Access denied\n", chunks(events, StreamStderr))
	assert.Empty(t, chunks(events, StreamStdout))
	assert.False(t, finished.Success)
}

func TestSubmitInvalidSpec(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `exit 0`))
	task, err := e.Submit(CommandSpec{Verb: VerbInstall})
	require.Error(t, err)
	assert.Nil(t, task)
	assert.True(t, IsKind(err, KindInvalid))
	assert.Empty(t, e.Active())
}

func TestSubmitSpawnFailure(t *testing.T) {
	e := newTestEngine(t, filepath.Join(t.TempDir(), "missing", "winget"))
	task, err := e.Submit(CommandSpec{Verb: VerbInstall, TargetID: "Git.Git"})
	require.NoError(t, err)
	assert.Zero(t, task.PID)

	events, finished := collect(t, task)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, EventLog, events[1].Kind)
	assert.Equal(t, StreamStderr, events[1].Stream)
	assert.Contains(t, events[1].Chunk, "failed to start")
	assert.False(t, finished.Success)
	assert.Nil(t, finished.ExitCode)
	assert.False(t, e.IsActive("Git.Git"))
}

func TestCancelKillsTree(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo started; sleep 30 & wait`))
	task, err := e.Submit(CommandSpec{Verb: VerbInstall, TargetID: "Slow.App"})
	require.NoError(t, err)
	require.True(t, e.IsActive("Slow.App"))
	require.Len(t, e.Active(), 1)

	require.NoError(t, e.Cancel("Slow.App"))
	assert.False(t, e.IsActive("Slow.App"))

	_, finished := collect(t, task)
	assert.False(t, finished.Success)

	err = e.Cancel("Slow.App")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestCancelUnknownTask(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `exit 0`))
	assert.ErrorIs(t, e.Cancel("nope"), ErrTaskNotFound)
}

func interactiveSpec(target string) CommandSpec {
	return CommandSpec{Verb: VerbInstall, TargetID: target, Flags: []string{"--interactive"}}
}

func TestInteractiveLifecycle(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `[ "$4" = "--interactive" ]`))
	task, err := e.Submit(interactiveSpec("Git.Git"))
	require.NoError(t, err)
	assert.Equal(t, ModeInteractive, task.Mode)
	assert.Equal(t, "winget install --id Git.Git --interactive", task.Command)
	assert.NotZero(t, task.PID)

	events, finished := collect(t, task)
	require.Len(t, events, 2, "interactive output is not captured")
	assert.Equal(t, EventStarted, events[0].Kind)
	assert.Equal(t, EventFinished, events[1].Kind)
	assert.True(t, finished.Success)
	require.NotNil(t, finished.ExitCode)
	assert.Equal(t, 0, *finished.ExitCode)
	assert.False(t, e.IsActive("Git.Git"))
}

func TestInteractiveCancel(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `sleep 30 & wait`))
	task, err := e.Submit(interactiveSpec("Slow.App"))
	require.NoError(t, err)
	require.True(t, e.IsActive("Slow.App"))

	require.NoError(t, e.Cancel("Slow.App"))
	_, finished := collect(t, task)
	assert.False(t, finished.Success)
	assert.False(t, e.IsActive("Slow.App"))
}

func TestInteractiveTaskLeavesDaemonStdinAlone(t *testing.T) {
	out := filepath.Join(t.TempDir(), "read.txt")
	e := newTestEngine(t, fakeTool(t, "head -n1 > '"+out+"'"))

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	orig := os.Stdin
	os.Stdin = r
	t.Cleanup(func() { os.Stdin = orig })

	request := `{"jsonrpc":"2.0","id":7,"method":"tools/call"}` + "\n"
	_, err = w.WriteString(request)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	task, err := e.Submit(interactiveSpec("Git.Git"))
	require.NoError(t, err)
	_, finished := collect(t, task)
	assert.True(t, finished.Success)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Empty(t, string(got))

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, request, string(rest))
}

func TestInteractiveTaskReadsConsoleInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "read.txt")
	e := newTestEngine(t, fakeTool(t, "head -n1 > '"+out+"'"))
	WithConsoleInput(strings.NewReader("y\n"))(e)

	task, err := e.Submit(interactiveSpec("Git.Git"))
	require.NoError(t, err)
	_, finished := collect(t, task)
	assert.True(t, finished.Success)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "y\n", string(got))
}

func TestSubscribeReceivesEvents(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo hi`))
	events, unsubscribe := e.Subscribe(64)
	defer unsubscribe()

	task, err := e.Submit(CommandSpec{Verb: VerbInstall, TargetID: "Git.Git", TaskID: "job-1"})
	require.NoError(t, err)
	task.Detach()

	timeout := time.After(10 * time.Second)
	var kinds []EventKind
	for {
		select {
		case ev := <-events:
			assert.Equal(t, "job-1", ev.TaskID)
			kinds = append(kinds, ev.Kind)
			if ev.Kind == EventFinished {
				assert.Equal(t, EventStarted, kinds[0])
				return
			}
		case <-timeout:
			t.Fatalf("no finished event, got %v", kinds)
		}
	}
}

func TestSubmitExportsColumns(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo "cols=$COLUMNS"`), func(p *Profile) { p.Columns = 321 })
	task, err := e.Submit(CommandSpec{Verb: VerbInstall, TargetID: "Git.Git"})
	require.NoError(t, err)
	events, _ := collect(t, task)
	assert.Equal(t, "cols=321\n", chunks(events, StreamStdout))
}

func TestDownloadCleansManifests(t *testing.T) {
	script := `for last; do :; done
touch "$last/Git.Git_2.45.0.yaml" "$last/notes.yaml" "$last/Git.Git_2.45.0.exe"`
	e := newTestEngine(t, fakeTool(t, script))
	dir := t.TempDir()
	task, err := e.Submit(CommandSpec{Verb: VerbDownload, TargetID: "Git.Git", OutputDir: dir})
	require.NoError(t, err)
	_, finished := collect(t, task)
	require.True(t, finished.Success)

	assert.Eventually(t, func() bool {
		return !exists(filepath.Join(dir, "Git.Git_2.45.0.yaml"))
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, exists(filepath.Join(dir, "notes.yaml")))
	assert.True(t, exists(filepath.Join(dir, "Git.Git_2.45.0.exe")))
}

func TestRunReturnsNormalizedStdout(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `printf 'v1.2.3\r\n'`))
	out, err := e.Run(context.Background(), "", "--version")
	require.NoError(t, err)
	assert.Equal(t, "v1.2.3\n", out)
	assert.Empty(t, e.Active())
}

func TestRunFailure(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo "source not found" >&2; exit 4`))
	_, err := e.Run(context.Background(), "q-1", "source", "list")
	require.Error(t, err)
	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTool, te.Kind)
	assert.Equal(t, "q-1", te.TaskID)
	assert.Equal(t, "source not found\n", te.Message)
}

func TestRunSignalDeath(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo '{"partial":'; kill -9 $$`))
	_, err := e.Run(context.Background(), "", "settings", "export")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTool))
	assert.Contains(t, err.Error(), "terminated by signal")
}

func TestRunContextCancel(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `sleep 30`))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := e.Run(ctx, "slow-query", "search", "x")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCancelled))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, e.IsActive("slow-query"))
}

func TestRunCancelByID(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `sleep 30`))
	go func() {
		assert.Eventually(t, func() bool { return e.IsActive("listing") }, 5*time.Second, 10*time.Millisecond)
		_ = e.Cancel("listing")
	}()
	_, err := e.Run(context.Background(), "listing", "list")
	assert.True(t, IsKind(err, KindCancelled))
}

func TestQuerySearchBlankTermSkipsTool(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `exit 1`))
	out, err := e.Query(context.Background(), QueryRequest{Kind: QuerySearch})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestReadSettings(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `cat <<'JSON'
{"adminSettings":{"ProxyCommandLineOptions":true,"InstallerHashOverride":false}}
JSON`))
	state, err := e.ReadSettings(context.Background())
	require.NoError(t, err)
	assert.True(t, state.ProxyCommandLineOptions)
	assert.False(t, state.InstallerHashOverride)
}

func TestEnableSetting(t *testing.T) {
	e := newTestEngine(t, fakeTool(t, `echo "$@"`))
	out, err := e.EnableSetting(context.Background(), SettingProxyCommandLineOptions)
	require.NoError(t, err)
	assert.Equal(t, "settings --enable ProxyCommandLineOptions\n", out)
	assert.Equal(t, e.builder.Tool("settings", "--enable", "x"), e.builder.Elevated("settings", "--enable", "x"),
		"no elevation wrapper outside Windows")

	_, err = e.EnableSetting(context.Background(), "LocalManifestFiles")
	assert.True(t, IsKind(err, KindInvalid))
}

func TestNewEngineRejectsUnknownEncoding(t *testing.T) {
	p := DefaultProfile()
	p.Encoding = "klingon-8"
	_, err := NewEngine(p, nil)
	require.Error(t, err)
}
