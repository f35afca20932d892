// Package httpapi exposes the gateway over HTTP: JSON-enveloped fs and job
// endpoints, the signed public proxy, a websocket job-progress stream, and
// the admin surface for scheduled tasks. Routing uses net/http method
// patterns; responses share one envelope shape.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/canopyfs/canopy/internal/gateway"
	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/sched"
)

// Server wires the orchestrator, job engine, and scheduler into handlers.
type Server struct {
	fs         *gateway.FileSystem
	engine     *jobs.Engine
	dispatcher *sched.Dispatcher
	logger     *slog.Logger

	adminToken string
	apiKeys    map[string]APIKey
}

// Options configures authentication for the API surface.
type Options struct {
	// AdminToken grants the admin principal. Empty disables admin access.
	AdminToken string
	// APIKeys maps bearer tokens to scoped principals.
	APIKeys map[string]APIKey
}

// NewServer builds the API server. dispatcher may be nil when the scheduler
// is not running; its routes then return NOT_FOUND.
func NewServer(fs *gateway.FileSystem, engine *jobs.Engine, dispatcher *sched.Dispatcher, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	keys := opts.APIKeys
	if keys == nil {
		keys = map[string]APIKey{}
	}

	return &Server{
		fs:         fs,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		adminToken: opts.AdminToken,
		apiKeys:    keys,
	}
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/fs/list", s.withAuth(s.handleList))
	mux.HandleFunc("GET /api/fs/get", s.withAuth(s.handleStat))
	mux.HandleFunc("GET /api/fs/download", s.withAuth(s.handleDownload))
	mux.HandleFunc("GET /api/fs/file-link", s.withAuth(s.handleFileLink))
	mux.HandleFunc("GET /api/fs/search", s.withAuth(s.handleSearch))
	mux.HandleFunc("PUT /api/fs/upload", s.withAuth(s.handleUpload))
	mux.HandleFunc("POST /api/fs/mkdir", s.withAuth(s.handleMkdir))
	mux.HandleFunc("POST /api/fs/rename", s.withAuth(s.handleRename))
	mux.HandleFunc("POST /api/fs/copy", s.withAuth(s.handleCopy))
	mux.HandleFunc("DELETE /api/fs/batch-remove", s.withAuth(s.handleBatchRemove))
	mux.HandleFunc("POST /api/fs/batch-copy", s.withAuth(s.handleBatchCopy))
	mux.HandleFunc("POST /api/fs/batch-copy-commit", s.withAuth(s.handleBatchCopyCommit))
	mux.HandleFunc("POST /api/fs/plan-client-copy", s.withAuth(s.handlePlanClientCopy))

	mux.HandleFunc("POST /api/fs/multipart/init", s.withAuth(s.handleMultipartInit))
	mux.HandleFunc("GET /api/fs/multipart/{id}/progress", s.withAuth(s.handleMultipartProgress))
	mux.HandleFunc("POST /api/fs/multipart/{id}/complete", s.withAuth(s.handleMultipartComplete))
	mux.HandleFunc("POST /api/fs/multipart/{id}/abort", s.withAuth(s.handleMultipartAbort))
	mux.HandleFunc("POST /api/fs/multipart/{id}/refresh-urls", s.withAuth(s.handleMultipartRefreshURLs))

	mux.HandleFunc("POST /api/fs/jobs", s.withAuth(s.handleCreateJob))
	mux.HandleFunc("GET /api/fs/jobs", s.withAuth(s.handleListJobs))
	mux.HandleFunc("GET /api/fs/jobs/{id}", s.withAuth(s.handleGetJob))
	mux.HandleFunc("POST /api/fs/jobs/{id}/cancel", s.withAuth(s.handleCancelJob))
	mux.HandleFunc("DELETE /api/fs/jobs/{id}", s.withAuth(s.handleDeleteJob))
	mux.HandleFunc("GET /api/fs/jobs/{id}/events", s.withAuth(s.handleJobEvents))

	// The proxy authenticates by signature, not principal.
	mux.HandleFunc("GET /api/p/{path...}", s.handleProxy)

	mux.HandleFunc("GET /api/admin/scheduled/types", s.withAdmin(s.withDispatcher(s.handleScheduledTypes)))
	mux.HandleFunc("GET /api/admin/scheduled/jobs", s.withAdmin(s.withDispatcher(s.handleScheduledList)))
	mux.HandleFunc("POST /api/admin/scheduled/jobs", s.withAdmin(s.withDispatcher(s.handleScheduledCreate)))
	mux.HandleFunc("GET /api/admin/scheduled/jobs/{taskId}", s.withAdmin(s.withDispatcher(s.handleScheduledGet)))
	mux.HandleFunc("PUT /api/admin/scheduled/jobs/{taskId}", s.withAdmin(s.withDispatcher(s.handleScheduledUpdate)))
	mux.HandleFunc("DELETE /api/admin/scheduled/jobs/{taskId}", s.withAdmin(s.withDispatcher(s.handleScheduledDelete)))
	mux.HandleFunc("GET /api/admin/scheduled/jobs/{taskId}/runs", s.withAdmin(s.withDispatcher(s.handleScheduledRuns)))
	mux.HandleFunc("POST /api/admin/scheduled/jobs/{taskId}/run", s.withAdmin(s.withDispatcher(s.handleScheduledTrigger)))
	mux.HandleFunc("GET /api/admin/scheduled/jobs/{taskId}/preview", s.withAdmin(s.withDispatcher(s.handleScheduledPreview)))
	mux.HandleFunc("GET /api/admin/scheduled/analytics", s.withAdmin(s.withDispatcher(s.handleScheduledAnalytics)))

	return mux
}
