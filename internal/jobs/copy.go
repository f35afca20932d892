package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/canopyfs/canopy/internal/pathutil"
)

// TaskCopy is the batch copy task type.
const TaskCopy = "copy"

// PrincipalRef is the caller identity a job runs as, embedded in the
// payload so restarts keep the original authorization.
type PrincipalRef struct {
	Kind      string `json:"kind"`
	ID        string `json:"id"`
	BasicPath string `json:"basicPath,omitempty"`
}

// CopyPair is one source/target pair of virtual paths.
type CopyPair struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

// CopyPayload is the payload of a TaskCopy job.
type CopyPayload struct {
	Items          []CopyPair   `json:"items"`
	SkipExisting   bool         `json:"skipExisting"`
	MaxConcurrency int          `json:"maxConcurrency,omitempty"`
	Principal      PrincipalRef `json:"principal"`
}

// CopyOutcome reports one item's result to the handler.
type CopyOutcome struct {
	Skipped bool
	Bytes   int64
}

// Copier performs a single cross-path copy on behalf of a principal. The
// gateway implements it over mounts and drivers.
type Copier interface {
	CopyOne(ctx context.Context, p PrincipalRef, sourcePath, targetPath string, skipExisting bool) (*CopyOutcome, error)
}

// CopyHandler runs batch copy jobs with a bounded worker pool. Item
// failures are recorded and do not abort the remaining items.
type CopyHandler struct {
	copier Copier
}

// NewCopyHandler builds the handler over a copier.
func NewCopyHandler(c Copier) *CopyHandler {
	return &CopyHandler{copier: c}
}

// TaskType implements Handler.
func (h *CopyHandler) TaskType() string { return TaskCopy }

// Prepare implements Handler: validates pairs and returns the item count.
func (h *CopyHandler) Prepare(payload json.RawMessage) (int, error) {
	var p CopyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, err
	}

	if len(p.Items) == 0 {
		return 0, errors.New("at least one source/target pair is required")
	}

	for i, item := range p.Items {
		if _, err := pathutil.Canonicalize(item.SourcePath); err != nil {
			return 0, fmt.Errorf("item %d source: %w", i, err)
		}

		if _, err := pathutil.Canonicalize(item.TargetPath); err != nil {
			return 0, fmt.Errorf("item %d target: %w", i, err)
		}
	}

	return len(p.Items), nil
}

// Execute implements Handler.
func (h *CopyHandler) Execute(ctx context.Context, run *Run) error {
	var p CopyPayload
	if err := json.Unmarshal(run.Payload, &p); err != nil {
		return fmt.Errorf("decoding copy payload: %w", err)
	}

	workers := p.MaxConcurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}

	if workers > MaxConcurrency {
		workers = MaxConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, item := range p.Items {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			outcome, err := h.copier.CopyOne(gctx, p.Principal, item.SourcePath, item.TargetPath, p.SkipExisting)

			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				run.Failed(item.SourcePath, err)
			case outcome.Skipped:
				run.Skipped()
			default:
				run.Success(outcome.Bytes)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	return ctx.Err()
}
