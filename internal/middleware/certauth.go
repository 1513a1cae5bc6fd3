// Package middleware provides HTTP middlewares for client identity and request logging.
package middleware

import (
	"context"
	"net/http"
)

type ctxKey string

const userKey ctxKey = "user"

// CertAuth is a middleware that enforces mutual TLS authentication.
//
// The Common Name of the first peer certificate identifies the caller and is
// stored in the request context for GetUserIDFromContext. Requests without a
// client certificate, or with an empty Common Name, are rejected with 401.
func CertAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate provided", http.StatusUnauthorized)
			return
		}
		cn := r.TLS.PeerCertificates[0].Subject.CommonName
		if cn == "" {
			http.Error(w, "client certificate without common name", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, cn)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserIDFromContext extracts the user ID (Common Name from client certificate)
// from the request context. Returns an empty string if not found.
func GetUserIDFromContext(ctx context.Context) string {
	val := ctx.Value(userKey)
	if s, ok := val.(string); ok {
		return s
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID as the authenticated caller.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}
