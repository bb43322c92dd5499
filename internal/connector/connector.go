// Package connector defines the capabilities the core consumes from
// per-channel clients. Perception code only ever holds a Querier.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Result is the outcome of one query or act call.
type Result struct {
	Status  int              `json:"status"`
	Summary string           `json:"summary"`
	Data    map[string]any   `json:"data,omitempty"`
	Items   []map[string]any `json:"items,omitempty"`
}

// Querier is the read-only capability of an external server.
type Querier interface {
	Query(ctx context.Context, op string, params map[string]any) (Result, error)
}

// Actor performs side-effecting operations. With dryRun set it must only
// preview.
type Actor interface {
	Act(ctx context.Context, op string, params map[string]any, dryRun bool) (Result, error)
}

type Collaborator interface {
	Querier
	Actor
}

// Registry maps server names to collaborators.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]Collaborator
}

func NewRegistry() *Registry {
	return &Registry{servers: map[string]Collaborator{}}
}

func (r *Registry) Register(name string, c Collaborator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[name] = c
}

func (r *Registry) Lookup(name string) (Collaborator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("no connector registered for server %q", name)
	}
	return c, nil
}

// Querier returns only the read capability of a server.
func (r *Registry) Querier(name string) (Querier, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return queryOnly{c}, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// queryOnly hides Act so a type assertion cannot recover it.
type queryOnly struct{ q Querier }

func (q queryOnly) Query(ctx context.Context, op string, params map[string]any) (Result, error) {
	return q.q.Query(ctx, op, params)
}
