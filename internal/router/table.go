package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hydra-mesh/hydra-router/internal/logging"
)

// RouteSource fetches registered route patterns from the discovery registry.
type RouteSource interface {
	GetAllRoutes(ctx context.Context) (map[string][]string, error)
	GetServiceRoutes(ctx context.Context, service string) ([]string, error)
}

// Match is a successful route-table lookup.
type Match struct {
	Service string
	Pattern string // literal pattern, method tag stripped
	Params  map[string]string
}

// Table holds the current routing snapshot: service name to an ordered list
// of compiled patterns. Services are walked in first-registration order and
// each service's list is replaced atomically on refresh.
type Table struct {
	mu     sync.RWMutex
	source RouteSource
	order  []string
	routes map[string][]*Pattern
}

// NewTable creates an empty table backed by the given route source.
func NewTable(source RouteSource) *Table {
	return &Table{
		source: source,
		routes: make(map[string][]*Pattern),
	}
}

// SetRoutes compiles the given pattern strings and swaps them in as the
// service's route list. Patterns that fail to compile are skipped with a
// warning so one bad registration cannot take down a service's routing.
func (t *Table) SetRoutes(service string, patterns []string) {
	compiled := make([]*Pattern, 0, len(patterns))
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			logging.Warn("Skipping malformed route pattern",
				zap.String("service", service), zap.String("pattern", raw), zap.Error(err))
			continue
		}
		compiled = append(compiled, p)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, known := t.routes[service]; !known {
		t.order = append(t.order, service)
	}
	t.routes[service] = compiled
}

// Refresh fetches routes from the registry and replaces the named service's
// list, or every service's list when service is empty.
func (t *Table) Refresh(ctx context.Context, service string) error {
	if service != "" {
		patterns, err := t.source.GetServiceRoutes(ctx, service)
		if err != nil {
			return fmt.Errorf("refresh routes for %s: %w", service, err)
		}
		t.SetRoutes(service, patterns)
		return nil
	}

	all, err := t.source.GetAllRoutes(ctx)
	if err != nil {
		return fmt.Errorf("refresh routes: %w", err)
	}
	for name, patterns := range all {
		t.SetRoutes(name, patterns)
	}
	return nil
}

// Lookup returns the first match for the path across services in
// first-registration order.
func (t *Table) Lookup(path string) (*Match, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, service := range t.order {
		for _, p := range t.routes[service] {
			if params, ok := p.Match(path); ok {
				return &Match{Service: service, Pattern: p.literal, Params: params}, true
			}
		}
	}
	return nil, false
}

// Fallback attributes an unmatched request to a known service so that a
// microservice hosting a small website still receives its asset
// sub-requests. It returns the owning service and the URL to forward.
//
// A referer containing /<serviceName> wins and leaves the URL unchanged.
// Otherwise a first path segment equal to a known service name attributes
// the request to that service with the segment stripped (an empty remainder
// becomes "").
func (t *Table) Fallback(path, referer string) (service, forwardURL string, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if referer != "" {
		for _, name := range t.order {
			if strings.Contains(referer, "/"+name) {
				return name, path, true
			}
		}
	}

	segs := splitPath(path)
	if len(segs) > 0 {
		if _, known := t.routes[segs[0]]; known {
			rest := strings.Join(segs[1:], "/")
			if rest == "" {
				return segs[0], "", true
			}
			return segs[0], "/" + rest, true
		}
	}
	return "", "", false
}

// HasService reports whether the service name is known to the table.
func (t *Table) HasService(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, known := t.routes[name]
	return known
}

// Services returns the known service names in registration order.
func (t *Table) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Routes returns the literal patterns per service, for the admin surface.
func (t *Table) Routes() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string][]string, len(t.routes))
	for service, patterns := range t.routes {
		literals := make([]string, len(patterns))
		for i, p := range patterns {
			literals[i] = p.literal
		}
		out[service] = literals
	}
	return out
}
