package gateway

import "net/http"

// BodyLimit rejects bodies declared larger than maxBytes and caps reads
// of the rest.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil {
				if r.ContentLength > maxBytes {
					writeJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", "Request body too large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
