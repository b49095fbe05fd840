package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wingetd/internal/core"
)

// Watcher turns task Finished events into notifications. Sends happen on a
// worker goroutine so a slow notifier never stalls event consumption.
type Watcher struct {
	notifier  Notifier
	logger    *slog.Logger
	timeout   time.Duration
	queueSize int
	// commands remembers each task's command line from its Started event.
	commands map[string]string
}

type notification struct {
	taskID string
	title  string
	body   string
}

// NewWatcher creates a watcher sending through n.
func NewWatcher(n Notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		notifier:  n,
		logger:    logger,
		timeout:   15 * time.Second,
		queueSize: 32,
		commands:  make(map[string]string),
	}
}

// Run consumes events until ctx is done or the channel closes, then waits for
// queued notifications to be sent.
func (w *Watcher) Run(ctx context.Context, events <-chan core.StreamEvent) {
	queue := make(chan notification, w.queueSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := range queue {
			w.send(ctx, n)
		}
	}()
	defer func() {
		close(queue)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handle(ev, queue)
		}
	}
}

func (w *Watcher) handle(ev core.StreamEvent, queue chan<- notification) {
	switch ev.Kind {
	case core.EventStarted:
		w.commands[ev.TaskID] = ev.Command
	case core.EventFinished:
		cmd := w.commands[ev.TaskID]
		delete(w.commands, ev.TaskID)
		title, body := FinishedMessage(ev, cmd)
		select {
		case queue <- notification{taskID: ev.TaskID, title: title, body: body}:
		default:
			w.logger.Warn("notification queue full, dropping", "task_id", ev.TaskID)
		}
	}
}

func (w *Watcher) send(ctx context.Context, n notification) {
	sendCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.notifier.Send(sendCtx, n.title, n.body); err != nil {
		w.logger.Warn("send notification", "task_id", n.taskID, "err", err)
	}
}

// FinishedMessage renders the notification for a Finished event.
func FinishedMessage(ev core.StreamEvent, cmd string) (string, string) {
	title := fmt.Sprintf("✅ %s succeeded", ev.TaskID)
	if !ev.Success {
		title = fmt.Sprintf("❌ %s failed", ev.TaskID)
	}
	body := cmd
	if body == "" {
		body = ev.TaskID
	}
	if ev.ExitCode != nil {
		body = fmt.Sprintf("%s\nexit code %d (0x%08X)", body, *ev.ExitCode, uint32(*ev.ExitCode))
	}
	return title, body
}
