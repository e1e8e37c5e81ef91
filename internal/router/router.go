// Package router maps request paths to the proxy, websocket and static handlers.
package router

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the handler a route dispatches to
type Kind int

const (
	KindProxy Kind = iota
	KindWebSocket
	KindStatic
)

func (k Kind) String() string {
	switch k {
	case KindProxy:
		return "proxy"
	case KindWebSocket:
		return "websocket"
	case KindStatic:
		return "static"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Route maps a path prefix to a handler. Root is the filesystem directory
// for static routes; proxy and websocket routes target the upstream pool.
type Route struct {
	Prefix string
	Kind   Kind
	Root   string
}

// CatchAll is the implicit proxy route matching every path
var CatchAll = Route{Prefix: "/", Kind: KindProxy}

// Router selects the longest configured prefix matching a path
type Router struct {
	routes []Route // longest prefix first
}

// New validates routes and appends the catch-all proxy route unless "/" is configured.
func New(routes []Route) (*Router, error) {
	seen := make(map[string]bool, len(routes))
	sorted := make([]Route, 0, len(routes)+1)

	for _, r := range routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		if r.Kind == KindStatic && r.Root == "" {
			return nil, fmt.Errorf("static route %q has no root", r.Prefix)
		}
		seen[r.Prefix] = true
		sorted = append(sorted, r)
	}
	if !seen[CatchAll.Prefix] {
		sorted = append(sorted, CatchAll)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Router{routes: sorted}, nil
}

// Match returns the route for path. Matching is case-sensitive, literal, and
// ignores any query string.
func (r *Router) Match(path string) Route {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	for _, route := range r.routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route
		}
	}
	// relative paths never match a configured prefix
	return CatchAll
}

// Routes returns the configured routes, longest prefix first
func (r *Router) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}
