package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/store"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	var req struct {
		TaskType       string          `json:"taskType"`
		Items          []jobs.CopyPair `json:"items"`
		SkipExisting   bool            `json:"skipExisting"`
		MaxConcurrency int             `json:"maxConcurrency"`
	}

	if !decodeBody(w, r, &req) {
		return
	}

	payload, err := json.Marshal(jobs.CopyPayload{
		Items:          req.Items,
		SkipExisting:   req.SkipExisting,
		MaxConcurrency: req.MaxConcurrency,
		Principal:      jobs.PrincipalRef{Kind: p.Kind, ID: p.ID, BasicPath: p.BasicPath},
	})
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	job, err := s.engine.Enqueue(r.Context(), req.TaskType, payload, p.ID)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, err := s.engine.List(r.Context(), store.JobFilter{
		TaskType: q.Get("taskType"),
		Status:   q.Get("status"),
		Limit:    limit,
		Offset:   offset,
	}, p.ID, p.IsAdmin())
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	job, err := s.engine.Get(r.Context(), r.PathValue("id"), p.ID, p.IsAdmin())
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	id := r.PathValue("id")

	// Visibility check first so foreign job IDs read as NOT_FOUND.
	if _, err := s.engine.Get(r.Context(), id, p.ID, p.IsAdmin()); err != nil {
		fail(w, s.logger, err)

		return
	}

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		fail(w, s.logger, err)

		return
	}

	job, err := s.engine.Get(r.Context(), id, p.ID, p.IsAdmin())
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request, p mount.Principal) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id"), p.ID, p.IsAdmin()); err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, nil)
}
