package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleStore abstracts the persistence layer used by the scheduler.
type ScheduleStore interface {
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, status *ScheduleStatus) ([]*Schedule, error)
	UpdateScheduleRunInfo(ctx context.Context, id string, lastRunAt, nextRunAt *time.Time) error
	UpdateScheduleNextRun(ctx context.Context, id string, nextRunAt *time.Time) error
}

// Submitter starts streamed tasks. *Engine implements it.
type Submitter interface {
	Submit(spec CommandSpec) (*Task, error)
	IsActive(id string) bool
}

// Scheduler fires persisted schedules through the engine.
type Scheduler struct {
	store     ScheduleStore
	submitter Submitter
	logger    *slog.Logger
	location  *time.Location

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	// launchMu makes the active check and Submit one step for scheduler launches.
	launchMu sync.Mutex

	ctx context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store ScheduleStore, submitter Submitter, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Scheduler{
		store:     store,
		submitter: submitter,
		logger:    logger,
		location:  location,
		cron:      c,
		entries:   make(map[string]cron.EntryID),
	}
}

// Start begins the scheduling loop. ctx is used for background store updates.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
}

// Stop stops the cron loop. Tasks already submitted keep running in the engine.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Sync loads all schedules from the store and registers the active ones.
func (s *Scheduler) Sync(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(ctx, nil)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, sched := range schedules {
		if sched.Status == ScheduleStatusActive {
			if err := s.register(ctx, sched); err != nil {
				s.logger.Error("register schedule", "schedule_id", sched.ID, "err", err)
			}
		} else {
			s.unregister(sched.ID)
		}
	}
	return nil
}

// AddOrUpdate refreshes the cron entry of a created or modified schedule.
func (s *Scheduler) AddOrUpdate(ctx context.Context, sched *Schedule) error {
	s.unregister(sched.ID)
	if sched.Status == ScheduleStatusActive {
		return s.register(ctx, sched)
	}
	return nil
}

// Remove stops firing the given schedule.
func (s *Scheduler) Remove(scheduleID string) {
	s.unregister(scheduleID)
}

// Scheduled reports whether a cron entry exists for the schedule.
func (s *Scheduler) Scheduled(scheduleID string) bool {
	_, ok := s.entryID(scheduleID)
	return ok
}

// RunNow submits the schedule's spec immediately. It fails with ErrTaskActive
// when a task with the same id is still running.
func (s *Scheduler) RunNow(ctx context.Context, sched *Schedule) (*Task, error) {
	return s.launch(ctx, sched, time.Now().UTC())
}

func (s *Scheduler) register(ctx context.Context, sched *Schedule) error {
	schedule, err := ParseCron(sched.Cron)
	if err != nil {
		return err
	}
	now := time.Now().In(s.location)
	if next := NextOccurrences(schedule, now, 1); len(next) == 1 {
		nextUTC := next[0].UTC()
		if err := s.store.UpdateScheduleNextRun(ctx, sched.ID, &nextUTC); err != nil {
			s.logger.Warn("update next_run_at failed", "schedule_id", sched.ID, "err", err)
		}
	}
	scheduleID := sched.ID
	job := func() {
		entryID, ok := s.entryID(scheduleID)
		if !ok {
			return
		}
		entry := s.cron.Entry(entryID)
		firedAt := entry.Prev
		if firedAt.IsZero() {
			firedAt = time.Now().In(s.location)
		}
		s.trigger(scheduleID, firedAt.UTC(), entry.Next)
	}
	entryID := s.cron.Schedule(schedule, cron.FuncJob(job))
	s.setEntryID(sched.ID, entryID)
	return nil
}

func (s *Scheduler) trigger(scheduleID string, firedAt, next time.Time) {
	ctx := s.ctxOrBackground()
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.logger.Error("fetch schedule for trigger", "schedule_id", scheduleID, "err", err)
		return
	}
	if sched.Status != ScheduleStatusActive {
		return
	}
	if !next.IsZero() {
		nextUTC := next.UTC()
		sched.NextRunAt = &nextUTC
	}
	_, err = s.launch(ctx, sched, firedAt)
	switch {
	case errors.Is(err, ErrTaskActive):
		s.logger.Info("skipping trigger because task is already running", "schedule_id", sched.ID, "task_id", sched.Spec.Key())
		if err := s.store.UpdateScheduleNextRun(ctx, sched.ID, sched.NextRunAt); err != nil {
			s.logger.Error("update next_run_at", "schedule_id", sched.ID, "err", err)
		}
	case err != nil:
		s.logger.Error("submit scheduled task", "schedule_id", sched.ID, "err", err)
	}
}

func (s *Scheduler) launch(ctx context.Context, sched *Schedule, firedAt time.Time) (*Task, error) {
	task, err := s.submitIdle(sched.Spec)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateScheduleRunInfo(ctx, sched.ID, &firedAt, sched.NextRunAt); err != nil {
		s.logger.Warn("update schedule run info", "schedule_id", sched.ID, "err", err)
	}
	s.logger.Info("schedule submitted task", "schedule_id", sched.ID, "task_id", task.ID, "pid", task.PID)
	go func() {
		for ev := range task.Events() {
			if ev.Kind == EventFinished {
				s.logger.Info("scheduled task finished", "schedule_id", sched.ID, "task_id", task.ID,
					"success", ev.Success, "exit_code", codeAttr(ev.ExitCode))
			}
		}
	}()
	return task, nil
}

// submitIdle submits spec unless its task id is already running. Tasks
// submitted to the engine directly are not covered by launchMu.
func (s *Scheduler) submitIdle(spec CommandSpec) (*Task, error) {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()
	if s.submitter.IsActive(spec.Key()) {
		return nil, fmt.Errorf("%w: %s", ErrTaskActive, spec.Key())
	}
	return s.submitter.Submit(spec)
}

func (s *Scheduler) setEntryID(scheduleID string, entryID cron.EntryID) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	s.entries[scheduleID] = entryID
}

func (s *Scheduler) entryID(scheduleID string) (cron.EntryID, bool) {
	s.entryMu.RLock()
	defer s.entryMu.RUnlock()
	id, ok := s.entries[scheduleID]
	return id, ok
}

func (s *Scheduler) unregister(scheduleID string) {
	s.entryMu.Lock()
	defer s.entryMu.Unlock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
