package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	runs      map[string]int
}

func newMemoryScheduleStore(schedules ...*Schedule) *memoryScheduleStore {
	m := &memoryScheduleStore{schedules: make(map[string]*Schedule), runs: make(map[string]int)}
	for _, s := range schedules {
		m.schedules[s.ID] = s
	}
	return m
}

func (m *memoryScheduleStore) GetSchedule(_ context.Context, id string) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *s
	return &cp, nil
}

func (m *memoryScheduleStore) ListSchedules(_ context.Context, _ *ScheduleStatus) ([]*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memoryScheduleStore) UpdateScheduleRunInfo(_ context.Context, id string, lastRunAt, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[id]; ok {
		s.LastRunAt = lastRunAt
		s.NextRunAt = nextRunAt
		m.runs[id]++
	}
	return nil
}

func (m *memoryScheduleStore) UpdateScheduleNextRun(_ context.Context, id string, nextRunAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.schedules[id]; ok {
		s.NextRunAt = nextRunAt
	}
	return nil
}

func (m *memoryScheduleStore) runCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

type recordingSubmitter struct {
	mu        sync.Mutex
	active    map[string]bool
	submitted []CommandSpec
	// holdActive keeps every submitted task running, as the engine would.
	holdActive bool
}

func (r *recordingSubmitter) Submit(spec CommandSpec) (*Task, error) {
	r.mu.Lock()
	r.submitted = append(r.submitted, spec)
	if r.holdActive {
		r.active[spec.Key()] = true
	}
	r.mu.Unlock()
	task := &Task{ID: spec.Key(), events: newMailbox()}
	task.events.push(StreamEvent{Kind: EventStarted, TaskID: task.ID})
	task.events.push(StreamEvent{Kind: EventFinished, TaskID: task.ID, Success: true})
	return task, nil
}

func (r *recordingSubmitter) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submitted)
}

func testSchedule(id, expr string, status ScheduleStatus) *Schedule {
	return &Schedule{
		ID:     id,
		Cron:   expr,
		Status: status,
		Spec:   CommandSpec{Verb: VerbUpgrade, TargetID: "Git.Git"},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSchedulerSyncRegistersActiveOnly(t *testing.T) {
	store := newMemoryScheduleStore(
		testSchedule("a", "0 3 * * *", ScheduleStatusActive),
		testSchedule("p", "0 4 * * *", ScheduleStatusPaused),
	)
	s := NewScheduler(store, &recordingSubmitter{}, quietLogger(), time.UTC)
	require.NoError(t, s.Sync(context.Background()))

	assert.True(t, s.Scheduled("a"))
	assert.False(t, s.Scheduled("p"))

	sched, err := store.GetSchedule(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, sched.NextRunAt)
	assert.Equal(t, 3, sched.NextRunAt.Hour())
}

func TestSchedulerAddOrUpdateAndRemove(t *testing.T) {
	sched := testSchedule("a", "@daily", ScheduleStatusActive)
	s := NewScheduler(newMemoryScheduleStore(sched), &recordingSubmitter{}, quietLogger(), time.UTC)

	require.NoError(t, s.AddOrUpdate(context.Background(), sched))
	assert.True(t, s.Scheduled("a"))

	sched.Status = ScheduleStatusPaused
	require.NoError(t, s.AddOrUpdate(context.Background(), sched))
	assert.False(t, s.Scheduled("a"))

	sched.Status = ScheduleStatusActive
	sched.Cron = "not a cron"
	assert.Error(t, s.AddOrUpdate(context.Background(), sched))

	sched.Cron = "@hourly"
	require.NoError(t, s.AddOrUpdate(context.Background(), sched))
	s.Remove("a")
	assert.False(t, s.Scheduled("a"))
}

func TestSchedulerRunNow(t *testing.T) {
	sched := testSchedule("a", "0 3 * * *", ScheduleStatusActive)
	store := newMemoryScheduleStore(sched)
	sub := &recordingSubmitter{active: map[string]bool{}}
	s := NewScheduler(store, sub, quietLogger(), time.UTC)

	task, err := s.RunNow(context.Background(), sched)
	require.NoError(t, err)
	assert.Equal(t, "Git.Git", task.ID)
	assert.Equal(t, 1, sub.count())
	assert.Equal(t, 1, store.runCount("a"))

	sub.mu.Lock()
	sub.active["Git.Git"] = true
	sub.mu.Unlock()
	_, err = s.RunNow(context.Background(), sched)
	assert.ErrorIs(t, err, ErrTaskActive)
	assert.Equal(t, 1, sub.count())
}

func TestSchedulerConcurrentRunNowSubmitsOnce(t *testing.T) {
	sched := testSchedule("a", "0 3 * * *", ScheduleStatusActive)
	store := newMemoryScheduleStore(sched)
	sub := &recordingSubmitter{active: map[string]bool{}, holdActive: true}
	s := NewScheduler(store, sub, quietLogger(), time.UTC)

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	start := make(chan struct{})
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.RunNow(context.Background(), sched)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var conflicts int
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrTaskActive)
			conflicts++
		}
	}
	assert.Equal(t, callers-1, conflicts)
	assert.Equal(t, 1, sub.count())
}

func TestSchedulerFiresAndSkipsActiveTask(t *testing.T) {
	firing := testSchedule("fast", "@every 1s", ScheduleStatusActive)
	busy := testSchedule("busy", "@every 1s", ScheduleStatusActive)
	busy.Spec.TaskID = "busy-task"
	store := newMemoryScheduleStore(firing, busy)
	sub := &recordingSubmitter{active: map[string]bool{"busy-task": true}}

	s := NewScheduler(store, sub, quietLogger(), time.UTC)
	s.Start(context.Background())
	defer s.Stop()
	require.NoError(t, s.Sync(context.Background()))

	assert.Eventually(t, func() bool { return store.runCount("fast") > 0 }, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 0, store.runCount("busy"))

	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, spec := range sub.submitted {
		assert.NotEqual(t, "busy-task", spec.Key())
	}
}
