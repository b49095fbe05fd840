package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"wingetd/internal/core"
	"wingetd/internal/store"
)

// Engine is the subset of *core.Engine the tools use.
type Engine interface {
	Submit(spec core.CommandSpec) (*core.Task, error)
	Validate(spec core.CommandSpec) error
	Cancel(id string) error
	Active() []core.TaskInfo
	Query(ctx context.Context, req core.QueryRequest) (string, error)
	ReadSettings(ctx context.Context) (core.SettingsState, error)
}

const defaultTail = 40

// MCPServer exposes the task engine and schedules as MCP tools.
type MCPServer struct {
	engine    Engine
	store     *store.Store
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location

	server     *server.MCPServer
	streamable *server.StreamableHTTPServer
}

// NewMCPServer creates the server and registers its tools.
func NewMCPServer(engine Engine, store *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	s := &MCPServer{
		engine:    engine,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		location:  location,
		server: server.NewMCPServer(
			"wingetd",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	s.streamable = server.NewStreamableHTTPServer(s.server)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves the streamable HTTP transport.
func (s *MCPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.streamable.ServeHTTP(w, r)
}

func (s *MCPServer) registerTools() {
	verbs := []struct {
		verb core.Verb
		desc string
	}{
		{core.VerbInstall, "Install a package with winget"},
		{core.VerbUpgrade, "Upgrade an installed package with winget"},
		{core.VerbUninstall, "Uninstall a package with winget"},
		{core.VerbDownload, "Download a package installer with winget"},
	}
	for _, v := range verbs {
		opts := append([]mcp.ToolOption{mcp.WithDescription(v.desc)}, taskOptions()...)
		if v.verb == core.VerbDownload {
			opts = append(opts,
				mcp.WithString("output_dir", mcp.Description("Download directory; defaults to the profile's directory")),
				mcp.WithBoolean("keep_artifacts", mcp.Description("Keep the manifest files written next to the installer")),
			)
		}
		s.server.AddTool(mcp.NewTool("winget_"+string(v.verb), opts...), s.handleSubmit(v.verb))
	}

	s.server.AddTool(mcp.NewTool("winget_cancel",
		mcp.WithDescription("Force-kill a running task and its child processes"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleCancel)

	s.server.AddTool(mcp.NewTool("winget_tasks",
		mcp.WithDescription("List running tasks"),
	), s.handleTasks)

	s.server.AddTool(mcp.NewTool("winget_query",
		mcp.WithDescription("Run a read-only winget command and return its text output"),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Description("What to query"),
			mcp.Enum(core.QueryKinds...),
		),
		mcp.WithString("term",
			mcp.Description("Search text for search, package id for show"),
		),
		mcp.WithString("proxy",
			mcp.Description("Proxy URL for upgrades, search and show"),
		),
	), s.handleQuery)

	s.server.AddTool(mcp.NewTool("winget_settings",
		mcp.WithDescription("Report whether proxy command-line options and installer hash override are enabled"),
	), s.handleSettings)

	s.server.AddTool(mcp.NewTool("winget_schedule_create",
		mcp.WithDescription("Create a recurring package operation. Accepts 5-field cron expressions or descriptors like @daily"),
		mcp.WithString("verb",
			mcp.Required(),
			mcp.Description("Operation to run"),
			mcp.Enum(string(core.VerbInstall), string(core.VerbUpgrade), string(core.VerbUninstall), string(core.VerbDownload)),
		),
		mcp.WithString("target_id",
			mcp.Required(),
			mcp.Description("Package identifier"),
		),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 3 * * 1' for Mondays at 03:00"),
		),
		mcp.WithString("name",
			mcp.Description("Schedule name"),
		),
		mcp.WithString("flags",
			mcp.Description("Extra winget flags as one shell-quoted string"),
		),
		mcp.WithString("source",
			mcp.Description("Package source"),
		),
		mcp.WithString("proxy",
			mcp.Description("Proxy URL"),
		),
		mcp.WithBoolean("paused",
			mcp.Description("Create the schedule paused"),
		),
	), s.handleScheduleCreate)

	s.server.AddTool(mcp.NewTool("winget_schedule_list",
		mcp.WithDescription("List recurring package operations"),
		mcp.WithString("status",
			mcp.Description("Filter by status"),
			mcp.Enum(string(core.ScheduleStatusActive), string(core.ScheduleStatusPaused)),
		),
	), s.handleScheduleList)

	s.server.AddTool(mcp.NewTool("winget_schedule_delete",
		mcp.WithDescription("Delete a recurring package operation"),
		mcp.WithString("schedule_id",
			mcp.Required(),
			mcp.Description("Schedule id"),
		),
	), s.handleScheduleDelete)

	s.server.AddTool(mcp.NewTool("winget_schedule_run",
		mcp.WithDescription("Run a schedule's operation now"),
		mcp.WithString("schedule_id",
			mcp.Required(),
			mcp.Description("Schedule id"),
		),
	), s.handleScheduleRun)

	s.server.AddTool(mcp.NewTool("winget_cron_preview",
		mcp.WithDescription("Preview the next fire times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)
}

func (s *MCPServer) handleSubmit(verb core.Verb) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		spec, err := specFromRequest(verb, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := s.engine.Submit(spec)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		s.logger.Info("task submitted via mcp", "task_id", task.ID, "verb", verb)

		if !mcp.ParseBoolean(request, "wait", false) {
			task.Detach()
			return mcp.NewToolResultText(fmt.Sprintf("Task started\nID: %s\nPID: %d\nCommand: %s", task.ID, task.PID, task.Command)), nil
		}

		var output strings.Builder
		finished, err := task.Wait(ctx, func(ev core.StreamEvent) {
			if ev.Kind == core.EventLog {
				output.WriteString(ev.Chunk)
			}
		})
		if err != nil {
			task.Detach()
			return mcp.NewToolResultError(fmt.Sprintf("stopped waiting for %s: %v (the task keeps running)", task.ID, err)), nil
		}
		tail := tailLines(core.NormalizeOutput(output.String()), int(mcp.ParseFloat64(request, "tail", defaultTail)))
		summary := fmt.Sprintf("Task %s finished\nSuccess: %t\nExit code: %s\nCommand: %s\n\n%s",
			task.ID, finished.Success, formatCode(finished.ExitCode), task.Command, tail)
		if !finished.Success {
			return mcp.NewToolResultError(summary), nil
		}
		return mcp.NewToolResultText(summary), nil
	}
}

func (s *MCPServer) handleCancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.engine.Cancel(taskID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled: %s", taskID)), nil
}

func (s *MCPServer) handleTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks := s.engine.Active()
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No running tasks"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d running task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "▶️ %s\n  PID: %d\n  Mode: %s\n  Command: %s\n  Started: %s\n\n",
			t.ID, t.PID, t.Mode, t.Command, formatTime(&t.StartedAt, s.location))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := core.QueryRequest{
		Kind:  mcp.ParseString(request, "kind", ""),
		Term:  mcp.ParseString(request, "term", ""),
		Proxy: mcp.ParseString(request, "proxy", ""),
	}
	out, err := s.engine.Query(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if strings.TrimSpace(out) == "" {
		return mcp.NewToolResultText(fmt.Sprintf("%s returned no output", req)), nil
	}
	return mcp.NewToolResultText(out), nil
}

func (s *MCPServer) handleSettings(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state, err := s.engine.ReadSettings(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s: %t\n%s: %t",
		core.SettingProxyCommandLineOptions, state.ProxyCommandLineOptions,
		core.SettingInstallerHashOverride, state.InstallerHashOverride)), nil
}

func (s *MCPServer) handleScheduleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := specFromRequest(core.Verb(mcp.ParseString(request, "verb", "")), request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.Validate(spec); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cronExpr := strings.TrimSpace(mcp.ParseString(request, "cron", ""))
	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sched := &core.Schedule{
		ID:     core.NewID(),
		Cron:   cronExpr,
		Spec:   spec,
		Status: core.ScheduleStatusActive,
	}
	if name := strings.TrimSpace(mcp.ParseString(request, "name", "")); name != "" {
		sched.Name = &name
	}
	if mcp.ParseBoolean(request, "paused", false) {
		sched.Status = core.ScheduleStatusPaused
	} else if next := core.NextOccurrences(schedule, time.Now().In(s.location), 1); len(next) == 1 {
		nextUTC := next[0].UTC()
		sched.NextRunAt = &nextUTC
	}

	if err := s.store.InsertSchedule(ctx, sched); err != nil {
		s.logger.Error("insert schedule", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create schedule: %v", err)), nil
	}
	if err := s.scheduler.AddOrUpdate(ctx, sched); err != nil {
		s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Schedule created\nID: %s\nOperation: %s %s\nNext run: %s",
		sched.ID, spec.Verb, spec.TargetID, formatTime(sched.NextRunAt, s.location))), nil
}

func (s *MCPServer) handleScheduleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter *core.ScheduleStatus
	switch status := core.ScheduleStatus(mcp.ParseString(request, "status", "")); status {
	case core.ScheduleStatusActive, core.ScheduleStatusPaused:
		filter = &status
	}
	schedules, err := s.store.ListSchedules(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list schedules: %v", err)), nil
	}
	if len(schedules) == 0 {
		return mcp.NewToolResultText("No schedules"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d schedule(s):\n\n", len(schedules))
	for _, sched := range schedules {
		icon := "▶️"
		if sched.Status == core.ScheduleStatusPaused {
			icon = "⏸️"
		}
		fmt.Fprintf(&b, "%s %s\n", icon, sched.ID)
		if sched.Name != nil {
			fmt.Fprintf(&b, "  Name: %s\n", *sched.Name)
		}
		fmt.Fprintf(&b, "  Cron: %s\n  Operation: %s %s\n", sched.Cron, sched.Spec.Verb, sched.Spec.TargetID)
		if sched.LastRunAt != nil {
			fmt.Fprintf(&b, "  Last run: %s\n", formatTime(sched.LastRunAt, s.location))
		}
		if sched.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", formatTime(sched.NextRunAt, s.location))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleScheduleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("schedule not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete schedule: %v", err)), nil
	}
	s.scheduler.Remove(id)
	return mcp.NewToolResultText(fmt.Sprintf("Schedule deleted: %s", id)), nil
}

func (s *MCPServer) handleScheduleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("schedule not found: %s", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load schedule: %v", err)), nil
	}
	task, err := s.scheduler.RunNow(ctx, sched)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started\nSchedule: %s\nTask ID: %s\nCommand: %s", sched.ID, task.ID, task.Command)), nil
}

func (s *MCPServer) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr := mcp.ParseString(request, "cron", "")
	schedule, err := core.ParseCron(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	count := int(mcp.ParseFloat64(request, "count", 5))
	if count <= 0 || count > 10 {
		count = 5
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\nTime zone: %s\n\nNext fire times:\n", cronExpr, s.location)
	for i, t := range core.NextOccurrences(schedule, time.Now().In(s.location), count) {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04:05")
}

func formatCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d (0x%08X)", *code, uint32(*code))
}
