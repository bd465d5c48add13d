package gateway

import (
	"net/http"

	"github.com/AlexKimmel/GateRelay/internal/routing"
)

// RouteMatcher resolves the route for the request and stores it in the
// context for later middleware. Unknown paths get 404, known paths with
// the wrong method get 405.
func RouteMatcher(rr *routing.Router, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			rt, ok := rr.Lookup(r.URL.Path)
			if !ok {
				writeJSON(w, http.StatusNotFound, "no_route", "no matching route")
				return
			}
			if !rt.Allows(r.Method) {
				w.Header().Set("Allow", rt.AllowHeader())
				writeJSON(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
				return
			}

			next.ServeHTTP(w, routing.WithRoute(r, rt))
		})
	}
}
