// Package jobs runs asynchronous batch jobs: descriptors persisted in the
// store, task handlers keyed by taskType, bounded per-job concurrency, and
// live progress events for subscribers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopyfs/canopy/internal/store"
)

// Per-job worker fan-out bounds.
const (
	DefaultConcurrency = 10
	MaxConcurrency     = 32
)

// ErrUnknownTaskType is returned when no handler is registered for a
// taskType.
var ErrUnknownTaskType = errors.New("jobs: unknown task type")

// ErrJobNotCancellable is returned when cancel hits a job already in a
// terminal state.
var ErrJobNotCancellable = errors.New("jobs: job is not pending or running")

// Store is the persistence surface the engine needs.
type Store interface {
	CreateJob(ctx context.Context, j *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	UpdateJob(ctx context.Context, j *store.Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error)
}

// Handler implements one taskType. Prepare validates the payload and
// reports the total item count before anything runs; Execute processes the
// items, recording outcomes on the Run.
type Handler interface {
	TaskType() string
	Prepare(payload json.RawMessage) (total int, err error)
	Execute(ctx context.Context, run *Run) error
}

// Engine owns job lifecycle: enqueue, execution, cancellation, queries.
type Engine struct {
	store    Store
	logger   *slog.Logger
	hub      *Hub
	handlers map[string]Handler

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds an engine. Register handlers before Start.
func NewEngine(st Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, stop := context.WithCancel(context.Background())

	return &Engine{
		store:    st,
		logger:   logger,
		hub:      NewHub(),
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// Register adds a handler. Registering a duplicate taskType panics: it is a
// wiring bug, not a runtime condition.
func (e *Engine) Register(h Handler) {
	if _, dup := e.handlers[h.TaskType()]; dup {
		panic(fmt.Sprintf("jobs: handler %q registered twice", h.TaskType()))
	}

	e.handlers[h.TaskType()] = h
}

// Hub exposes the progress event hub for subscribers.
func (e *Engine) Hub() *Hub { return e.hub }

// Shutdown cancels all running jobs and waits for workers to drain.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}

// Enqueue validates the payload against the handler, persists the
// descriptor, and starts a worker.
func (e *Engine) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, principal string) (*store.Job, error) {
	h, ok := e.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	total, err := h.Prepare(payload)
	if err != nil {
		return nil, fmt.Errorf("jobs: invalid %s payload: %w", taskType, err)
	}

	j := &store.Job{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Status:      store.JobPending,
		PayloadJSON: string(payload),
		Principal:   principal,
		Stats:       store.JobStats{Total: total},
	}

	if err := e.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	e.launch(j, h)

	return j, nil
}

func (e *Engine) launch(j *store.Job, h Handler) {
	runCtx, cancel := context.WithCancel(e.baseCtx)

	e.mu.Lock()
	e.cancels[j.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, j.ID)
			e.mu.Unlock()
			cancel()
		}()

		e.execute(runCtx, j, h)
	}()
}

func (e *Engine) execute(ctx context.Context, j *store.Job, h Handler) {
	run := &Run{
		ID:      j.ID,
		Payload: json.RawMessage(j.PayloadJSON),
		engine:  e,
		job:     j,
	}

	j.Status = store.JobRunning
	e.persist(j)
	e.hub.Publish(Event{JobID: j.ID, Status: j.Status, Stats: j.Stats})

	err := h.Execute(ctx, run)

	run.flushInto(j)

	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		j.Status = store.JobCancelled
	case err != nil:
		j.Status = store.JobFailed
		j.Error = err.Error()
	case j.Stats.Failed > 0:
		j.Status = store.JobFailed
	default:
		j.Status = store.JobSucceeded
	}

	e.persist(j)
	e.hub.Publish(Event{JobID: j.ID, Status: j.Status, Stats: j.Stats, Error: j.Error})

	e.logger.Info("job finished",
		slog.String("job_id", j.ID),
		slog.String("task_type", j.TaskType),
		slog.String("status", j.Status),
		slog.Int("success", j.Stats.Success),
		slog.Int("skipped", j.Stats.Skipped),
		slog.Int("failed", j.Stats.Failed))
}

// persist writes the descriptor outside the job's own context so terminal
// states survive cancellation.
func (e *Engine) persist(j *store.Job) {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()

	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("persisting job state failed",
			slog.String("job_id", j.ID), slog.Any("error", err))
	}
}

// Cancel flips a pending or running job to cancelled and signals its
// workers. In-flight streams see the context close.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if j.Status != store.JobPending && j.Status != store.JobRunning {
		return ErrJobNotCancellable
	}

	e.mu.Lock()
	cancel, running := e.cancels[id]
	e.mu.Unlock()

	if running {
		cancel()

		return nil
	}

	// Not in this process (e.g. found after restart); settle it directly.
	j.Status = store.JobCancelled
	if err := e.store.UpdateJob(ctx, j); err != nil {
		return err
	}

	e.hub.Publish(Event{JobID: j.ID, Status: j.Status, Stats: j.Stats})

	return nil
}

// Get returns the descriptor, restricted to the principal for non-admins.
func (e *Engine) Get(ctx context.Context, id, principal string, isAdmin bool) (*store.Job, error) {
	j, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if !isAdmin && j.Principal != principal {
		return nil, store.ErrNotFound
	}

	return j, nil
}

// List returns descriptors matching the filter. Non-admins are pinned to
// their own jobs.
func (e *Engine) List(ctx context.Context, f store.JobFilter, principal string, isAdmin bool) ([]store.Job, error) {
	if !isAdmin {
		f.Principal = principal
	}

	return e.store.ListJobs(ctx, f)
}

// Delete removes a terminal job's descriptor.
func (e *Engine) Delete(ctx context.Context, id, principal string, isAdmin bool) error {
	j, err := e.Get(ctx, id, principal, isAdmin)
	if err != nil {
		return err
	}

	if j.Status == store.JobPending || j.Status == store.JobRunning {
		return errors.New("jobs: cannot delete a job that is still running")
	}

	return e.store.DeleteJob(ctx, id)
}

// Recover requeues pending jobs found at startup and fails over jobs left
// in running state by a previous process.
func (e *Engine) Recover(ctx context.Context) error {
	for _, status := range []string{store.JobPending, store.JobRunning} {
		found, err := e.store.ListJobs(ctx, store.JobFilter{Status: status, Limit: 1000})
		if err != nil {
			return err
		}

		for i := range found {
			j := found[i]

			h, ok := e.handlers[j.TaskType]

			switch {
			case !ok:
				j.Status = store.JobFailed
				j.Error = "no handler registered for task type " + j.TaskType
				e.persist(&j)
			case status == store.JobRunning && !j.Resumable:
				j.Status = store.JobFailed
				j.Error = "interrupted by process restart"
				e.persist(&j)
			default:
				j.Status = store.JobPending
				j.Stats = store.JobStats{Total: j.Stats.Total}
				e.persist(&j)
				e.launch(&j, h)
			}
		}
	}

	return nil
}
