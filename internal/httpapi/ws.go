package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/store"
)

func terminalStatus(status string) bool {
	switch status {
	case store.JobSucceeded, store.JobFailed, store.JobCancelled:
		return true
	default:
		return false
	}
}

// handleJobEvents streams job progress over a websocket: one snapshot of the
// current state, then live events until the job reaches a terminal status.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	id := r.PathValue("id")

	// Subscribe before the snapshot so no event between snapshot and
	// subscription is lost.
	events, cancel := s.engine.Hub().Subscribe(id)
	defer cancel()

	job, err := s.engine.Get(r.Context(), id, p.ID, p.IsAdmin())
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.Any("error", err))

		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := r.Context()

	snapshot := jobs.Event{JobID: job.ID, Status: job.Status, Stats: job.Stats, Error: job.Error}
	if err := wsjson.Write(ctx, conn, snapshot); err != nil {
		return
	}

	if terminalStatus(job.Status) {
		conn.Close(websocket.StatusNormalClosure, "job finished")

		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}

			if terminalStatus(ev.Status) {
				conn.Close(websocket.StatusNormalClosure, "job finished")

				return
			}
		}
	}
}
