// Package sched runs scheduled tasks: a registry of task handlers, interval
// and cron next-fire computation, and a dispatcher that serializes runs per
// task through a lease stored next to the task.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Handler categories.
const (
	CategoryMaintenance = "maintenance"
	CategoryBusiness    = "business"
)

// RunContext carries everything a handler run may need.
type RunContext struct {
	Now    time.Time
	Config json.RawMessage
	Logger *slog.Logger
}

// RunResult is what a successful handler run reports.
type RunResult struct {
	Summary string
	Details any
}

// Handler is one registrable task implementation.
type Handler interface {
	ID() string
	Name() string
	Category() string
	// ConfigSchema describes the expected config object for admin UIs.
	ConfigSchema() map[string]string
	Run(ctx context.Context, rc RunContext) (*RunResult, error)
}

// HandlerInfo is the registry listing entry.
type HandlerInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Category     string            `json:"category"`
	ConfigSchema map[string]string `json:"configSchema,omitempty"`
}

// Registry holds the known handlers. Registration happens at startup; the
// registry is read-only afterwards and safe for concurrent lookups.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. A duplicate ID panics: it is a wiring bug.
func (r *Registry) Register(h Handler) {
	if _, dup := r.handlers[h.ID()]; dup {
		panic(fmt.Sprintf("sched: handler %q registered twice", h.ID()))
	}

	r.handlers[h.ID()] = h
}

// Get returns a handler by ID.
func (r *Registry) Get(id string) (Handler, bool) {
	h, ok := r.handlers[id]

	return h, ok
}

// List returns handler metadata sorted by ID.
func (r *Registry) List() []HandlerInfo {
	out := make([]HandlerInfo, 0, len(r.handlers))

	for _, h := range r.handlers {
		out = append(out, HandlerInfo{
			ID:           h.ID(),
			Name:         h.Name(),
			Category:     h.Category(),
			ConfigSchema: h.ConfigSchema(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}
