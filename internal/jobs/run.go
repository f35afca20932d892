package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopyfs/canopy/internal/store"
)

// checkpointInterval throttles mid-run persistence and progress events.
const checkpointInterval = time.Second

// ItemFailure records one failed work item.
type ItemFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Run is the live handle a handler records progress on. Counters are
// monotonic and safe for concurrent use by the handler's workers.
type Run struct {
	ID      string
	Payload json.RawMessage

	success atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	bytes   atomic.Int64

	mu          sync.Mutex
	failures    []ItemFailure
	lastPersist time.Time

	engine *Engine
	job    *store.Job
}

// Success records one completed item and the bytes it moved.
func (r *Run) Success(bytes int64) {
	r.success.Add(1)
	r.bytes.Add(bytes)
	r.checkpoint()
}

// Skipped records one item skipped by policy.
func (r *Run) Skipped() {
	r.skipped.Add(1)
	r.checkpoint()
}

// Failed records one failed item with its error.
func (r *Run) Failed(path string, err error) {
	r.failed.Add(1)

	r.mu.Lock()
	r.failures = append(r.failures, ItemFailure{Path: path, Error: err.Error()})
	r.mu.Unlock()

	r.checkpoint()
}

// Failures returns a copy of the recorded item failures.
func (r *Run) Failures() []ItemFailure {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]ItemFailure(nil), r.failures...)
}

func (r *Run) stats() store.JobStats {
	return store.JobStats{
		Success:     int(r.success.Load()),
		Skipped:     int(r.skipped.Load()),
		Failed:      int(r.failed.Load()),
		Total:       r.job.Stats.Total,
		BytesCopied: r.bytes.Load(),
	}
}

// checkpoint persists and publishes progress at most once per interval.
func (r *Run) checkpoint() {
	r.mu.Lock()
	if time.Since(r.lastPersist) < checkpointInterval {
		r.mu.Unlock()

		return
	}

	r.lastPersist = time.Now()
	r.mu.Unlock()

	snapshot := *r.job
	snapshot.Stats = r.stats()
	r.engine.persist(&snapshot)
	r.engine.hub.Publish(Event{JobID: r.ID, Status: store.JobRunning, Stats: snapshot.Stats})
}

// flushInto writes the final counters onto the descriptor and summarizes
// item failures when the handler itself returned no error.
func (r *Run) flushInto(j *store.Job) {
	j.Stats = r.stats()

	failures := r.Failures()
	if len(failures) == 0 || j.Error != "" {
		return
	}

	parts := make([]string, 0, 3)
	for i, f := range failures {
		if i == 3 {
			break
		}

		parts = append(parts, f.Path+": "+f.Error)
	}

	j.Error = fmt.Sprintf("%d item(s) failed: %s", len(failures), strings.Join(parts, "; "))
}
