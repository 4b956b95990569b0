// Package identity resolves the chat session a request belongs to.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	SessionHeaderName     = "X-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	clientIPKey
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// ClientIPFromContext extracts the client IP recorded by Middleware.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// SanitizeSessionID returns id when it is a valid session id and the
// default session otherwise.
func SanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// Resolve prefers an explicit id from the request body over the one
// carried by the request context.
func Resolve(ctx context.Context, explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return SanitizeSessionID(explicit)
	}
	return SessionIDFromContext(ctx)
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return SanitizeSessionID(sid)
}

// Middleware injects the per-request session ID and client IP.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r)
		w.Header().Set(SessionHeaderName, sessionID)

		ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
		ctx = context.WithValue(ctx, clientIPKey, IPFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
