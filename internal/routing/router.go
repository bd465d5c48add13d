package routing

import (
	"context"
	"net/http"
	"sort"
	"strings"
)

type Route struct {
	ID      string
	Methods map[string]struct{}
	Prefix  string
	Handler http.Handler
}

// Allows reports whether the route accepts method. A route without
// methods accepts all.
func (rt *Route) Allows(method string) bool {
	if len(rt.Methods) == 0 {
		return true
	}
	_, ok := rt.Methods[strings.ToUpper(method)]
	return ok
}

// AllowHeader lists the route's methods for an Allow response header.
func (rt *Route) AllowHeader() string {
	ms := make([]string, 0, len(rt.Methods))
	for m := range rt.Methods {
		ms = append(ms, m)
	}
	sort.Strings(ms)
	return strings.Join(ms, ", ")
}

type Router struct {
	routes []*Route
}

func New() *Router {
	return &Router{}
}

func (r *Router) Add(rt *Route) {
	rt.Prefix = normalize(rt.Prefix)
	r.routes = append(r.routes, rt)
	// longest prefix first so nested paths win over their parents
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].Prefix) > len(r.routes[j].Prefix)
	})
}

// Handle registers h under prefix for the given methods.
func (r *Router) Handle(id, prefix string, h http.Handler, methods ...string) {
	ms := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		ms[strings.ToUpper(m)] = struct{}{}
	}
	r.Add(&Route{ID: id, Methods: ms, Prefix: prefix, Handler: h})
}

func (r *Router) Routes() []*Route {
	return r.routes
}

// Lookup returns the route with the longest prefix matching path,
// regardless of method.
func (r *Router) Lookup(path string) (*Route, bool) {
	for _, rt := range r.routes {
		if rt.Prefix == "/" || path == rt.Prefix || strings.HasPrefix(path, rt.Prefix+"/") {
			return rt, true
		}
	}
	return nil, false
}

// Match is Lookup plus a method check.
func (r *Router) Match(method, path string) (*Route, bool) {
	rt, ok := r.Lookup(path)
	if !ok || !rt.Allows(method) {
		return nil, false
	}
	return rt, true
}

// ServeHTTP dispatches to the route stored by RouteMatcher, falling back
// to a direct match.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	rt, ok := RouteFrom(req)
	if !ok {
		rt, ok = r.Match(req.Method, req.URL.Path)
	}
	if !ok || rt.Handler == nil {
		http.NotFound(w, req)
		return
	}
	rt.Handler.ServeHTTP(w, req)
}

func normalize(prefix string) string {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), "/")
	if p == "" {
		return "/"
	}
	return p
}

// --- context helpers ---
type ctxKey int

const keyRoute ctxKey = 0

func WithRoute(r *http.Request, rt *Route) *http.Request {
	ctx := context.WithValue(r.Context(), keyRoute, rt)
	return r.WithContext(ctx)
}

func RouteFrom(r *http.Request) (*Route, bool) {
	v := r.Context().Value(keyRoute)
	if v == nil {
		return nil, false
	}
	rt, ok := v.(*Route)
	return rt, ok
}

// RouteID returns the matched route id or "unknown".
func RouteID(r *http.Request) string {
	if rt, ok := RouteFrom(r); ok && rt != nil && rt.ID != "" {
		return rt.ID
	}
	return "unknown"
}
