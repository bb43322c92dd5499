// Package fixture is an offline collaborator backed by a YAML feed. It
// records every act call so tests can assert on side effects.
package fixture

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"signoff/internal/connector"
	"signoff/internal/domain"
)

// Call is one recorded Act invocation.
type Call struct {
	Op     string
	Params map[string]any
	DryRun bool
}

type Server struct {
	name   string
	events []map[string]any
	mu     sync.Mutex
	calls  []Call
	fail   map[string][]error
}

// File is the on-disk fixture format.
type File struct {
	Servers map[string]ServerSpec `yaml:"servers"`
}

type ServerSpec struct {
	Events []map[string]any `yaml:"events"`
	// Fail scripts errors for real act calls, by operation, consumed in order.
	Fail map[string][]string `yaml:"fail,omitempty"`
}

func New(name string, events []map[string]any) *Server {
	return &Server{name: name, events: events, fail: map[string][]error{}}
}

// Load reads a fixture file and returns one server per entry.
func Load(path string) (map[string]*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	out := make(map[string]*Server, len(f.Servers))
	for name, spec := range f.Servers {
		s := New(name, spec.Events)
		for op, kinds := range spec.Fail {
			for _, kind := range kinds {
				err, ok := errorFor(name, op, kind)
				if !ok {
					return nil, fmt.Errorf("fixture %s: unknown failure kind %q", name, kind)
				}
				s.fail[op] = append(s.fail[op], err)
			}
		}
		out[name] = s
	}
	return out, nil
}

// Register adds every server to reg.
func Register(reg *connector.Registry, servers map[string]*Server) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reg.Register(name, servers[name])
	}
}

func (s *Server) Name() string { return s.name }

// FailWith queues errors returned by the next real calls to op.
func (s *Server) FailWith(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = append(s.fail[op], errs...)
}

func (s *Server) Query(ctx context.Context, op string, params map[string]any) (connector.Result, error) {
	if err := ctx.Err(); err != nil {
		return connector.Result{}, err
	}
	if op != "list_events" {
		return connector.Result{}, domain.ValidationError{Field: "operation", Reason: fmt.Sprintf("%s does not support query %q", s.name, op)}
	}
	limit := len(s.events)
	if n, ok := params["limit"].(int); ok && n > 0 && n < limit {
		limit = n
	}
	items := make([]map[string]any, 0, limit)
	for _, e := range s.events[:limit] {
		items = append(items, copyMap(e))
	}
	return connector.Result{Status: 200, Summary: fmt.Sprintf("%d events", len(items)), Items: items}, nil
}

func (s *Server) Act(ctx context.Context, op string, params map[string]any, dryRun bool) (connector.Result, error) {
	if err := ctx.Err(); err != nil {
		return connector.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Params: copyMap(params), DryRun: dryRun})
	if dryRun {
		return connector.Result{Status: 200, Summary: fmt.Sprintf("would call %s.%s with %d params", s.name, op, len(params))}, nil
	}
	if queued := s.fail[op]; len(queued) > 0 {
		err := queued[0]
		s.fail[op] = queued[1:]
		return connector.Result{}, err
	}
	return connector.Result{Status: 200, Summary: fmt.Sprintf("%s.%s done", s.name, op), Data: map[string]any{"ok": true}}, nil
}

// Calls returns every recorded act call.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// RealCalls returns the act calls made with dryRun false.
func (s *Server) RealCalls() []Call {
	var out []Call
	for _, c := range s.Calls() {
		if !c.DryRun {
			out = append(out, c)
		}
	}
	return out
}

func errorFor(server, op, kind string) (error, bool) {
	switch kind {
	case domain.KindTransientNetwork:
		return domain.TransientNetworkError{Op: server + "." + op, Status: 503}, true
	case domain.KindRateLimit:
		return domain.RateLimitError{Op: server + "." + op}, true
	case domain.KindAuthentication:
		return domain.AuthenticationError{Server: server, Status: 401}, true
	case domain.KindValidation:
		return domain.ValidationError{Field: "params", Reason: "rejected by " + server}, true
	}
	return nil, false
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
