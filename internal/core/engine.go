package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// pipeDrainGrace bounds how long Wait keeps reading pipes after the child
// exits, in case a grandchild inherited them.
const pipeDrainGrace = 5 * time.Second

// PostSuccessHook runs after a task finished successfully.
type PostSuccessHook func(spec CommandSpec, cmd Command) error

// Option customizes an Engine.
type Option func(*Engine)

// WithHook registers an extra post-success hook for verb.
func WithHook(verb Verb, hook PostSuccessHook) Option {
	return func(e *Engine) {
		e.hooks[verb] = append(e.hooks[verb], hook)
	}
}

// WithKiller replaces the process-tree terminator.
func WithKiller(kill func(pid int) error) Option {
	return func(e *Engine) {
		e.killTree = kill
	}
}

// WithWaitDelay overrides how long pipes are drained after the child exits.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.waitDelay = d
	}
}

// WithConsoleInput sets the stdin handed to interactive tasks. Without it they
// read nothing, so a daemon speaking a protocol on its own stdin keeps it.
func WithConsoleInput(r io.Reader) Option {
	return func(e *Engine) {
		e.console = r
	}
}

// Engine launches winget tasks, tracks them by id and reports their lifecycle.
type Engine struct {
	profile   Profile
	builder   *Builder
	registry  *Registry
	interp    Interpreter
	hub       *Broadcaster
	decoders  decoderFactory
	hooks     map[Verb][]PostSuccessHook
	killTree  func(pid int) error
	waitDelay time.Duration
	console   io.Reader
	logger    *slog.Logger
}

// NewEngine creates an engine for profile. It fails when the profile names an
// output encoding that cannot be decoded.
func NewEngine(profile Profile, logger *slog.Logger, opts ...Option) (*Engine, error) {
	decoders, err := newDecoderFactory(profile.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		profile:   profile,
		builder:   NewBuilder(profile),
		registry:  NewRegistry(),
		interp:    Interpreter{SoftSuccess: profile.SoftSuccess},
		hub:       NewBroadcaster(),
		decoders:  decoders,
		hooks:     make(map[Verb][]PostSuccessHook),
		killTree:  killProcessTree,
		waitDelay: pipeDrainGrace,
		logger:    logger,
	}
	cleaner := ArtifactCleaner{Marker: profile.ArtifactMarker}
	e.hooks[VerbDownload] = []PostSuccessHook{cleaner.AfterSuccess}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Validate reports whether spec would build, without running anything.
func (e *Engine) Validate(spec CommandSpec) error {
	_, err := e.builder.Build(spec)
	return err
}

// Task is the handle returned by Submit.
type Task struct {
	ID      string
	Command string
	Mode    ExecutionMode
	// PID is zero when the process could not be spawned.
	PID int

	events *mailbox
}

// Events delivers the task's events in order and is closed after Finished.
func (t *Task) Events() <-chan StreamEvent {
	return t.events.out
}

// Wait consumes events until Finished, passing each one to onEvent when set.
func (t *Task) Wait(ctx context.Context, onEvent func(StreamEvent)) (StreamEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return StreamEvent{}, ctx.Err()
		case ev, ok := <-t.events.out:
			if !ok {
				return StreamEvent{}, fmt.Errorf("task %s: event stream closed before finishing", t.ID)
			}
			if onEvent != nil {
				onEvent(ev)
			}
			if ev.Kind == EventFinished {
				return ev, nil
			}
		}
	}
}

// Detach drains the task's events in the background. Callers that only follow
// tasks through Subscribe must detach, or the undelivered events stay queued.
func (t *Task) Detach() {
	go func() {
		for range t.events.out {
		}
	}()
}

// Submit starts spec as a streamed task. A malformed spec is rejected with a
// KindInvalid error before anything is spawned; a spawn failure is reported on
// the task's event stream.
func (e *Engine) Submit(spec CommandSpec) (*Task, error) {
	cmd, err := e.builder.Build(spec)
	if err != nil {
		return nil, err
	}
	task := &Task{ID: spec.Key(), Command: cmd.Display, Mode: cmd.Mode, events: newMailbox()}
	emit := func(ev StreamEvent) {
		ev.TaskID = task.ID
		ev.At = time.Now().UTC()
		if task.events.push(ev) {
			e.hub.Publish(ev)
		}
	}
	logChunk := func(stream StreamName, chunk string) {
		e.logger.Debug("task output", "task_id", task.ID, "stream", stream, "bytes", len(chunk))
		emit(StreamEvent{Kind: EventLog, Stream: stream, Chunk: chunk})
	}

	proc := exec.Command(cmd.Exe, cmd.Args...) // #nosec G204
	proc.Env = e.environ()
	var stdout, stderr *streamPump
	if cmd.Mode == ModeHidden {
		stdout = newStreamPump(StreamStdout, e.decoders, logChunk)
		stderr = newStreamPump(StreamStderr, e.decoders, logChunk)
		proc.Stdout = stdout
		proc.Stderr = stderr
	}
	configureProcess(proc, cmd.Mode, e.console)
	proc.WaitDelay = e.waitDelay

	emit(StreamEvent{Kind: EventStarted, Command: cmd.Display})
	if err := proc.Start(); err != nil {
		spawnErr := &TaskError{Kind: KindSpawn, TaskID: task.ID, Err: err, Message: fmt.Sprintf("failed to start %s: %v", cmd.Exe, err)}
		e.logger.Error("spawn task", "task_id", task.ID, "err", err)
		emit(StreamEvent{Kind: EventLog, Stream: StreamStderr, Chunk: spawnErr.Error()})
		emit(StreamEvent{Kind: EventFinished, Success: false})
		return task, nil
	}

	rec := e.track(task.ID, proc, cmd)
	task.PID = rec.PID
	e.logger.Info("task started", "task_id", task.ID, "pid", rec.PID, "mode", cmd.Mode, "cmd", cmd.Display)

	go func() {
		outcome := e.await(proc, rec, stdout, stderr)
		e.logger.Info("task finished", "task_id", task.ID, "pid", rec.PID, "success", outcome.Success,
			"exit_code", codeAttr(outcome.ExitCode), "kind", outcome.Kind)
		if !outcome.Success {
			e.logger.Debug("task failure detail", "task_id", task.ID, "detail", outcome.Output)
		}
		emit(StreamEvent{Kind: EventFinished, Success: outcome.Success, ExitCode: outcome.ExitCode})
		if outcome.Success {
			e.runHooks(spec, cmd)
		}
	}()
	return task, nil
}

// Run executes the tool with args, capturing its output instead of streaming
// it. The process is tracked under id while it runs, so Cancel and ctx both
// terminate it. On success the normalized stdout is returned.
func (e *Engine) Run(ctx context.Context, id string, args ...string) (string, error) {
	if id == "" {
		kind := "tool"
		if len(args) > 0 {
			kind = args[0]
		}
		id = QueryID(kind)
	}
	return e.run(ctx, id, e.builder.Tool(args...))
}

func (e *Engine) run(ctx context.Context, id string, cmd Command) (string, error) {
	var stdout, stderr bytes.Buffer
	proc := exec.Command(cmd.Exe, cmd.Args...) // #nosec G204
	proc.Env = e.environ()
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	configureProcess(proc, ModeHidden, nil)
	proc.WaitDelay = e.waitDelay

	if err := proc.Start(); err != nil {
		return "", &TaskError{Kind: KindSpawn, TaskID: id, Err: err, Message: fmt.Sprintf("failed to start %s: %v", cmd.Exe, err)}
	}
	rec := e.track(id, proc, cmd)
	e.logger.Debug("query started", "task_id", id, "pid", rec.PID, "cmd", cmd.Display)

	stop := context.AfterFunc(ctx, func() {
		rec.cancelled.Store(true)
		if e.registry.Release(rec) {
			e.terminate(rec)
		}
	})
	defer stop()

	waitErr := proc.Wait()
	status := exitStatus(proc, waitErr)
	outcome := e.interp.Interpret(status, waitErr, decodeAll(e.decoders, stdout.Bytes()), decodeAll(e.decoders, stderr.Bytes()))
	outcome = e.settle(rec, outcome)
	if !outcome.Success {
		err := outcome.Err(id)
		if te, ok := err.(*TaskError); ok && outcome.Kind == KindCancelled && ctx.Err() != nil {
			te.Err = ctx.Err()
		}
		return "", err
	}
	return outcome.Output, nil
}

// Cancel force-kills the process tree tracked under id. The entry is removed
// even when termination fails. The task's Finished event still follows from
// its waiter, with success=false.
func (e *Engine) Cancel(id string) error {
	rec, ok := e.registry.Evict(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	e.logger.Info("cancel task", "task_id", id, "pid", rec.PID)
	e.terminate(rec)
	return nil
}

// Active lists running tasks ordered by start time.
func (e *Engine) Active() []TaskInfo {
	return e.registry.Snapshot()
}

// IsActive reports whether a process is tracked under id.
func (e *Engine) IsActive(id string) bool {
	_, ok := e.registry.Lookup(id)
	return ok
}

// Subscribe taps every task's events. Delivery is best-effort.
func (e *Engine) Subscribe(buffer int) (<-chan StreamEvent, func()) {
	return e.hub.Subscribe(buffer)
}

func (e *Engine) track(id string, proc *exec.Cmd, cmd Command) *TaskRecord {
	rec := &TaskRecord{
		ID:        id,
		PID:       proc.Process.Pid,
		Command:   cmd.Display,
		Mode:      cmd.Mode,
		StartedAt: time.Now().UTC(),
	}
	if prev := e.registry.Register(rec); prev != nil {
		e.logger.Warn("task id reused while still running; previous process left untracked",
			"task_id", id, "previous_pid", prev.PID, "pid", rec.PID)
	}
	return rec
}

// await blocks until proc exits and both pipes are drained, then classifies the exit.
func (e *Engine) await(proc *exec.Cmd, rec *TaskRecord, stdout, stderr *streamPump) Outcome {
	waitErr := proc.Wait()
	var outText, errText string
	if stdout != nil {
		_ = stdout.Close()
		outText = stdout.Text()
	}
	if stderr != nil {
		_ = stderr.Close()
		errText = stderr.Text()
	}
	outcome := e.interp.Interpret(exitStatus(proc, waitErr), waitErr, outText, errText)
	return e.settle(rec, outcome)
}

// settle deregisters rec and overrides the outcome when the task was cancelled.
func (e *Engine) settle(rec *TaskRecord, outcome Outcome) Outcome {
	e.registry.Release(rec)
	if rec.Cancelled() {
		return Outcome{Output: "task was cancelled", ExitCode: outcome.ExitCode, Kind: KindCancelled}
	}
	return outcome
}

func (e *Engine) terminate(rec *TaskRecord) {
	if err := e.killTree(rec.PID); err != nil {
		e.logger.Warn("terminate process tree", "task_id", rec.ID, "pid", rec.PID, "err", err)
	}
}

func (e *Engine) runHooks(spec CommandSpec, cmd Command) {
	for _, hook := range e.hooks[spec.Verb] {
		if err := hook(spec, cmd); err != nil {
			e.logger.Warn("post-success hook", "task_id", spec.Key(), "err", err)
		}
	}
}

func (e *Engine) environ() []string {
	env := os.Environ()
	if e.profile.Columns > 0 {
		env = append(env, "COLUMNS="+strconv.Itoa(e.profile.Columns))
	}
	return env
}

// exitStatus reads the exit code from the process state. Codes are folded to
// 32 bits so Windows HRESULTs keep their sign. A process killed by a signal
// has no code.
func exitStatus(proc *exec.Cmd, waitErr error) ExitStatus {
	state := proc.ProcessState
	if state == nil {
		return ExitStatus{}
	}
	if !state.Exited() {
		return ExitStatus{Known: true, Signaled: true, Detail: state.String()}
	}
	return ExitStatus{Code: int(int32(uint32(state.ExitCode()))), Known: true}
}

func codeAttr(code *int) any {
	if code == nil {
		return nil
	}
	return *code
}
