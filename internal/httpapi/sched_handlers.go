package httpapi

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/canopyfs/canopy/internal/mount"
	"github.com/canopyfs/canopy/internal/store"
)

func (s *Server) handleScheduledTypes(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	ok(w, s.dispatcher.Registry().List())
}

func (s *Server) handleScheduledList(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	tasks, err := s.dispatcher.ListTasks(r.Context())
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, tasks)
}

func (s *Server) handleScheduledCreate(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	var j store.ScheduledJob
	if !decodeBody(w, r, &j) {
		return
	}

	if j.TaskID == "" {
		j.TaskID = uuid.NewString()
	}

	if err := s.dispatcher.CreateTask(r.Context(), &j); err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, j)
}

func (s *Server) handleScheduledGet(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	task, err := s.dispatcher.GetTask(r.Context(), r.PathValue("taskId"))
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, task)
}

func (s *Server) handleScheduledUpdate(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	var j store.ScheduledJob
	if !decodeBody(w, r, &j) {
		return
	}

	j.TaskID = r.PathValue("taskId")

	if err := s.dispatcher.UpdateTask(r.Context(), &j); err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, j)
}

func (s *Server) handleScheduledDelete(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	if err := s.dispatcher.DeleteTask(r.Context(), r.PathValue("taskId")); err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, nil)
}

func (s *Server) handleScheduledRuns(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}

	runs, err := s.dispatcher.Runs(r.Context(), r.PathValue("taskId"), limit)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, runs)
}

func (s *Server) handleScheduledTrigger(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	run, err := s.dispatcher.TriggerNow(r.Context(), r.PathValue("taskId"))
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, run)
}

func (s *Server) handleScheduledPreview(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 5
	}

	fires, err := s.dispatcher.PreviewTask(r.Context(), r.PathValue("taskId"), n)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, fires)
}

func (s *Server) handleScheduledAnalytics(w http.ResponseWriter, r *http.Request, _ mount.Principal) {
	windowHours, _ := strconv.Atoi(r.URL.Query().Get("windowHours"))

	stats, err := s.dispatcher.Analytics(r.Context(), windowHours)
	if err != nil {
		fail(w, s.logger, err)

		return
	}

	ok(w, stats)
}
