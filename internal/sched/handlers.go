package sched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/canopyfs/canopy/internal/jobs"
	"github.com/canopyfs/canopy/internal/store"
)

// Built-in handler IDs.
const (
	HandlerCleanupSessions = "cleanup_upload_sessions"
	HandlerSyncCopy        = "scheduled_sync_copy"
)

// Cleanup defaults.
const (
	defaultKeepDays         = 30
	defaultActiveGraceHours = 24
)

// maxSyncCopyPairs caps the pairs a single sync-copy run may enqueue.
const maxSyncCopyPairs = 100

// SessionStore is the upload-session surface the cleanup handler uses.
type SessionStore interface {
	MarkExpiredSessions(ctx context.Context, now time.Time, activeGrace time.Duration) (int64, error)
	DeleteTerminalSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountSessionsByStatus(ctx context.Context) (map[string]int64, error)
}

// CleanupSessions expires stalled upload sessions and prunes terminal ones.
type CleanupSessions struct {
	store SessionStore
}

// NewCleanupSessions builds the cleanup handler.
func NewCleanupSessions(st SessionStore) *CleanupSessions {
	return &CleanupSessions{store: st}
}

func (h *CleanupSessions) ID() string       { return HandlerCleanupSessions }
func (h *CleanupSessions) Name() string     { return "上传会话清理" }
func (h *CleanupSessions) Category() string { return CategoryMaintenance }

func (h *CleanupSessions) ConfigSchema() map[string]string {
	return map[string]string{
		"keepDays":         "days to retain terminal sessions, >= 1, default 30",
		"activeGraceHours": "hours an active session may stay idle, >= 1, default 24",
	}
}

type cleanupConfig struct {
	KeepDays         int `json:"keepDays"`
	ActiveGraceHours int `json:"activeGraceHours"`
}

// Run implements Handler.
func (h *CleanupSessions) Run(ctx context.Context, rc RunContext) (*RunResult, error) {
	cfg := cleanupConfig{KeepDays: defaultKeepDays, ActiveGraceHours: defaultActiveGraceHours}

	if len(rc.Config) > 0 {
		if err := json.Unmarshal(rc.Config, &cfg); err != nil {
			return nil, fmt.Errorf("sched: cleanup config: %w", err)
		}
	}

	if cfg.KeepDays < 1 || cfg.ActiveGraceHours < 1 {
		return nil, errors.New("sched: keepDays and activeGraceHours must be >= 1")
	}

	before, err := h.store.CountSessionsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	marked, err := h.store.MarkExpiredSessions(ctx, rc.Now,
		time.Duration(cfg.ActiveGraceHours)*time.Hour)
	if err != nil {
		return nil, err
	}

	deleted, err := h.store.DeleteTerminalSessionsBefore(ctx,
		rc.Now.AddDate(0, 0, -cfg.KeepDays))
	if err != nil {
		return nil, err
	}

	after, err := h.store.CountSessionsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	rc.Logger.Info("upload session cleanup finished",
		slog.Int64("marked_expired", marked), slog.Int64("deleted", deleted))

	return &RunResult{
		Summary: fmt.Sprintf("标记过期会话 %d 条，删除历史会话 %d 条", marked, deleted),
		Details: map[string]any{
			"before":  before,
			"after":   after,
			"marked":  marked,
			"deleted": deleted,
		},
	}, nil
}

// Enqueuer is the job-engine surface the sync-copy handler uses.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, principal string) (*store.Job, error)
}

// SyncCopy enqueues a batch copy job from a configured pair list, used for
// recurring replication between mounts.
type SyncCopy struct {
	enqueuer Enqueuer
}

// NewSyncCopy builds the sync-copy handler.
func NewSyncCopy(enq Enqueuer) *SyncCopy {
	return &SyncCopy{enqueuer: enq}
}

func (h *SyncCopy) ID() string       { return HandlerSyncCopy }
func (h *SyncCopy) Name() string     { return "定时同步复制" }
func (h *SyncCopy) Category() string { return CategoryBusiness }

func (h *SyncCopy) ConfigSchema() map[string]string {
	return map[string]string{
		"mode":           `copy mode, only "copyNew" is supported`,
		"pairs":          "source/target virtual path pairs, at most 100 per run",
		"skipExisting":   "skip items whose target already exists",
		"maxConcurrency": "copy worker fan-out, default 10, capped at 32",
	}
}

type syncCopyConfig struct {
	Mode           string          `json:"mode"`
	Pairs          []jobs.CopyPair `json:"pairs"`
	SkipExisting   bool            `json:"skipExisting"`
	MaxConcurrency int             `json:"maxConcurrency"`
}

// Run implements Handler.
func (h *SyncCopy) Run(ctx context.Context, rc RunContext) (*RunResult, error) {
	var cfg syncCopyConfig
	if err := json.Unmarshal(rc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("sched: sync copy config: %w", err)
	}

	if cfg.Mode != "copyNew" {
		return nil, fmt.Errorf("sched: unsupported sync copy mode %q", cfg.Mode)
	}

	if len(cfg.Pairs) == 0 {
		return nil, errors.New("sched: sync copy needs at least one pair")
	}

	truncated := 0
	pairs := cfg.Pairs

	if len(pairs) > maxSyncCopyPairs {
		truncated = len(pairs) - maxSyncCopyPairs
		pairs = pairs[:maxSyncCopyPairs]
	}

	payload, err := json.Marshal(jobs.CopyPayload{
		Items:          pairs,
		SkipExisting:   cfg.SkipExisting,
		MaxConcurrency: cfg.MaxConcurrency,
		Principal:      jobs.PrincipalRef{Kind: "admin", ID: "system"},
	})
	if err != nil {
		return nil, fmt.Errorf("sched: building copy payload: %w", err)
	}

	job, err := h.enqueuer.Enqueue(ctx, jobs.TaskCopy, payload, "system")
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("enqueued copy job %s with %d pairs", job.ID, len(pairs))
	if truncated > 0 {
		summary += fmt.Sprintf(" (%d pairs over the per-run cap were dropped)", truncated)
	}

	rc.Logger.Info("sync copy job enqueued",
		slog.String("job_id", job.ID), slog.Int("pairs", len(pairs)),
		slog.Int("truncated", truncated))

	return &RunResult{
		Summary: summary,
		Details: map[string]any{"jobId": job.ID, "pairs": len(pairs), "truncated": truncated},
	}, nil
}
