package auth

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the network origin of r. With trustXFF the first
// X-Forwarded-For hop wins over RemoteAddr.
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}

// ClientPartitionKey is the pre-authentication rate-limit key "ip:<addr>".
func ClientPartitionKey(trustXFF bool) func(*http.Request) string {
	return func(r *http.Request) string {
		return "ip:" + ClientIP(r, trustXFF)
	}
}

// UserPartitionKey is "user:<id>" for authenticated requests and falls back
// to the client address otherwise.
func UserPartitionKey(trustXFF bool) func(*http.Request) string {
	return func(r *http.Request) string {
		if id, ok := IdentityFrom(r.Context()); ok && id.ID != "" {
			return id.PartitionKey()
		}
		return "ip:" + ClientIP(r, trustXFF)
	}
}
