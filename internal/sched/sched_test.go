package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopyfs/canopy/internal/driver"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "canopy.db"),
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

// fakeHandler scripts a run outcome and counts invocations.
type fakeHandler struct {
	id      string
	runs    int
	failErr error
}

func (f *fakeHandler) ID() string                      { return f.id }
func (f *fakeHandler) Name() string                    { return f.id }
func (f *fakeHandler) Category() string                { return CategoryMaintenance }
func (f *fakeHandler) ConfigSchema() map[string]string { return nil }

func (f *fakeHandler) Run(_ context.Context, _ RunContext) (*RunResult, error) {
	f.runs++

	if f.failErr != nil {
		return nil, f.failErr
	}

	return &RunResult{Summary: "ok", Details: map[string]int{"n": f.runs}}, nil
}

func testDispatcher(t *testing.T, handlers ...Handler) (*Dispatcher, *store.Store) {
	t.Helper()

	st := testStore(t)
	reg := NewRegistry()

	for _, h := range handlers {
		reg.Register(h)
	}

	return NewDispatcher(st, reg, slog.New(slog.DiscardHandler)), st
}

func intervalTask(taskID, handlerID string, intervalSec int64, nextRunAfter *time.Time) *store.ScheduledJob {
	return &store.ScheduledJob{
		TaskID:       taskID,
		HandlerID:    handlerID,
		Name:         taskID,
		Enabled:      true,
		ScheduleType: store.ScheduleInterval,
		IntervalSec:  intervalSec,
		NextRunAfter: nextRunAfter,
		ConfigJSON:   "{}",
	}
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule(store.ScheduleInterval, 60, ""))
	assert.NoError(t, ValidateSchedule(store.ScheduleCron, 0, "0 3 * * *"))

	assert.True(t, driver.IsKind(ValidateSchedule(store.ScheduleInterval, 0, ""), driver.KindValidation))
	assert.True(t, driver.IsKind(ValidateSchedule(store.ScheduleCron, 0, "not a cron"), driver.KindValidation))
	assert.True(t, driver.IsKind(ValidateSchedule("hourly", 0, ""), driver.KindValidation))
}

func TestNextFireAndPreview(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)

	interval := intervalTask("t", "h", 3600, nil)
	next, err := NextFire(interval, at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(time.Hour), next)

	cronJob := &store.ScheduledJob{ScheduleType: store.ScheduleCron, CronExpression: "0 3 * * *"}
	next, err = NextFire(cronJob, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC), next)

	fires, err := Preview(interval, at, 3)
	require.NoError(t, err)
	require.Len(t, fires, 3)
	assert.Equal(t, at.Add(3*time.Hour), fires[2])
}

func TestRuntimeState(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.Equal(t, StateDisabled, RuntimeState(&store.ScheduledJob{Enabled: false}, now))
	assert.Equal(t, StateRunning, RuntimeState(&store.ScheduledJob{Enabled: true, LockUntil: &future}, now))
	assert.Equal(t, StateIdle, RuntimeState(&store.ScheduledJob{Enabled: true}, now))
	assert.Equal(t, StateScheduled, RuntimeState(&store.ScheduledJob{Enabled: true, NextRunAfter: &future}, now))
	assert.Equal(t, StatePending, RuntimeState(&store.ScheduledJob{Enabled: true, NextRunAfter: &past}, now))
}

func TestTick_RunsDueTask(t *testing.T) {
	h := &fakeHandler{id: "probe"}
	d, st := testDispatcher(t, h)
	ctx := context.Background()

	past := d.now().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledJob(ctx, intervalTask("task-1", "probe", 60, &past)))

	d.Tick(ctx)

	assert.Equal(t, 1, h.runs)

	j, err := st.GetScheduledJob(ctx, "task-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, j.RunCount)
	assert.EqualValues(t, 0, j.FailureCount)
	assert.Equal(t, store.RunSuccess, j.LastRunStatus)
	assert.Nil(t, j.LockUntil)
	require.NotNil(t, j.NextRunAfter)
	assert.True(t, j.NextRunAfter.After(d.now()))
	assert.Equal(t, StateScheduled, RuntimeState(j, d.now()))

	runs, err := d.Runs(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TriggerScheduled, runs[0].Trigger)
	assert.Equal(t, "ok", runs[0].Summary)

	// Not due again until the interval elapses.
	d.Tick(ctx)
	assert.Equal(t, 1, h.runs)
}

func TestTick_FailureRecorded(t *testing.T) {
	h := &fakeHandler{id: "flaky", failErr: errors.New("backend unreachable")}
	d, st := testDispatcher(t, h)
	ctx := context.Background()

	past := d.now().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledJob(ctx, intervalTask("task-1", "flaky", 60, &past)))

	d.Tick(ctx)

	j, err := st.GetScheduledJob(ctx, "task-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, j.RunCount)
	assert.EqualValues(t, 1, j.FailureCount)
	assert.Equal(t, store.RunFailure, j.LastRunStatus)

	runs, err := d.Runs(ctx, "task-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "backend unreachable", runs[0].ErrorMessage)
}

func TestTick_LeasedTaskSkipped(t *testing.T) {
	h := &fakeHandler{id: "probe"}
	d, st := testDispatcher(t, h)
	ctx := context.Background()

	past := d.now().Add(-time.Minute)
	require.NoError(t, st.CreateScheduledJob(ctx, intervalTask("task-1", "probe", 60, &past)))

	// Another process holds the lease.
	won, err := st.AcquireLease(ctx, "task-1", d.now(), 10*time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	d.Tick(ctx)
	assert.Equal(t, 0, h.runs)
}

func TestTriggerNow(t *testing.T) {
	h := &fakeHandler{id: "probe"}
	d, st := testDispatcher(t, h)
	ctx := context.Background()

	future := d.now().Add(time.Hour)
	require.NoError(t, st.CreateScheduledJob(ctx, intervalTask("task-1", "probe", 3600, &future)))

	run, err := d.TriggerNow(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, store.TriggerManual, run.Trigger)
	assert.Equal(t, store.RunSuccess, run.Status)
	assert.Equal(t, 1, h.runs)

	_, err = d.TriggerNow(ctx, "missing")
	assert.True(t, driver.IsKind(err, driver.KindNotFound))

	// A held lease turns a manual trigger into a conflict.
	won, err := st.AcquireLease(ctx, "task-1", d.now(), 10*time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	_, err = d.TriggerNow(ctx, "task-1")
	assert.True(t, driver.IsKind(err, driver.KindConflict))
}

func TestCreateTask_Validation(t *testing.T) {
	d, _ := testDispatcher(t, &fakeHandler{id: "probe"})
	ctx := context.Background()

	err := d.CreateTask(ctx, &store.ScheduledJob{
		TaskID: "t1", HandlerID: "nonexistent", Enabled: true,
		ScheduleType: store.ScheduleInterval, IntervalSec: 60, ConfigJSON: "{}",
	})
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	err = d.CreateTask(ctx, &store.ScheduledJob{
		TaskID: "t2", HandlerID: "probe", Enabled: true,
		ScheduleType: store.ScheduleCron, CronExpression: "61 * * * *", ConfigJSON: "{}",
	})
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	task := intervalTask("t3", "probe", 300, nil)
	require.NoError(t, d.CreateTask(ctx, task))
	require.NotNil(t, task.NextRunAfter)

	view, err := d.GetTask(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, view.RuntimeState)
}

func TestUpdateTask_InvalidCronLeavesJobUntouched(t *testing.T) {
	d, st := testDispatcher(t, &fakeHandler{id: "probe"})
	ctx := context.Background()

	task := &store.ScheduledJob{
		TaskID: "t1", HandlerID: "probe", Enabled: true,
		ScheduleType: store.ScheduleCron, CronExpression: "0 3 * * *", ConfigJSON: "{}",
	}
	require.NoError(t, d.CreateTask(ctx, task))

	bad := *task
	bad.CronExpression = "99 99 * * *"
	err := d.UpdateTask(ctx, &bad)
	assert.True(t, driver.IsKind(err, driver.KindValidation))

	j, err := st.GetScheduledJob(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", j.CronExpression)
}

func TestCleanupSessions_Run(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	mkSession := func(id string, expiresAt time.Time) {
		s := &store.UploadSession{
			ID: id, Principal: "root", StorageConfigID: 1, MountID: 1,
			FSPath: "/m/" + id, FileName: id, FileSize: 100, PartSize: 10, TotalParts: 10,
			ExpiresAt: expiresAt,
		}
		require.NoError(t, st.CreateSession(ctx, s))
	}

	mkSession("expired-1", now.Add(-time.Hour))
	mkSession("expired-2", now.Add(-2*time.Hour))
	mkSession("fresh-1", now.Add(time.Hour))
	mkSession("fresh-2", time.Time{})
	mkSession("done-1", now.Add(time.Hour))
	require.NoError(t, st.FinishSession(ctx, "done-1", store.SessionCompleted))

	h := NewCleanupSessions(st)
	result, err := h.Run(ctx, RunContext{Now: now, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	assert.Equal(t, "标记过期会话 2 条，删除历史会话 0 条", result.Summary)

	counts, err := st.CountSessionsByStatus(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[store.SessionActive])
	assert.EqualValues(t, 2, counts[store.SessionExpired])
	assert.EqualValues(t, 1, counts[store.SessionCompleted])
}

func TestCleanupSessions_ConfigValidation(t *testing.T) {
	h := NewCleanupSessions(testStore(t))

	_, err := h.Run(context.Background(), RunContext{
		Now:    time.Now(),
		Config: json.RawMessage(`{"keepDays":0}`),
		Logger: slog.New(slog.DiscardHandler),
	})
	assert.Error(t, err)
}

type captureEnqueuer struct {
	payload   json.RawMessage
	principal string
	err       error
}

func (c *captureEnqueuer) Enqueue(_ context.Context, _ string, payload json.RawMessage, principal string) (*store.Job, error) {
	if c.err != nil {
		return nil, c.err
	}

	c.payload = payload
	c.principal = principal

	return &store.Job{ID: "job-42"}, nil
}

func TestSyncCopy_Run(t *testing.T) {
	enq := &captureEnqueuer{}
	h := NewSyncCopy(enq)

	cfg, err := json.Marshal(map[string]any{
		"mode": "copyNew",
		"pairs": []jobs.CopyPair{
			{SourcePath: "/a/x", TargetPath: "/b/x"},
			{SourcePath: "/a/y", TargetPath: "/b/y"},
		},
		"skipExisting":   true,
		"maxConcurrency": 4,
	})
	require.NoError(t, err)

	result, err := h.Run(context.Background(), RunContext{
		Now: time.Now(), Config: cfg, Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	assert.Contains(t, result.Summary, "job-42")
	assert.Contains(t, result.Summary, "2 pairs")
	assert.Equal(t, "system", enq.principal)

	var payload jobs.CopyPayload
	require.NoError(t, json.Unmarshal(enq.payload, &payload))
	assert.Len(t, payload.Items, 2)
	assert.True(t, payload.SkipExisting)
	assert.Equal(t, "system", payload.Principal.ID)
	assert.Equal(t, "admin", payload.Principal.Kind)
}

func TestSyncCopy_PairCapTruncates(t *testing.T) {
	enq := &captureEnqueuer{}
	h := NewSyncCopy(enq)

	pairs := make([]jobs.CopyPair, 105)
	for i := range pairs {
		pairs[i] = jobs.CopyPair{
			SourcePath: fmt.Sprintf("/a/%d", i),
			TargetPath: fmt.Sprintf("/b/%d", i),
		}
	}

	cfg, err := json.Marshal(map[string]any{"mode": "copyNew", "pairs": pairs})
	require.NoError(t, err)

	result, err := h.Run(context.Background(), RunContext{
		Now: time.Now(), Config: cfg, Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	assert.Contains(t, result.Summary, "100 pairs")
	assert.Contains(t, result.Summary, "5 pairs over the per-run cap")

	var payload jobs.CopyPayload
	require.NoError(t, json.Unmarshal(enq.payload, &payload))
	assert.Len(t, payload.Items, 100)
}

func TestSyncCopy_RejectsBadConfig(t *testing.T) {
	h := NewSyncCopy(&captureEnqueuer{})
	rc := RunContext{Now: time.Now(), Logger: slog.New(slog.DiscardHandler)}

	rc.Config = json.RawMessage(`{"mode":"mirror","pairs":[{"sourcePath":"/a","targetPath":"/b"}]}`)
	_, err := h.Run(context.Background(), rc)
	assert.Error(t, err)

	rc.Config = json.RawMessage(`{"mode":"copyNew","pairs":[]}`)
	_, err = h.Run(context.Background(), rc)
	assert.Error(t, err)
}
