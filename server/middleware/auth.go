package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// AuthPayload decouples the strategy from the transport.
type AuthPayload struct {
	Headers    map[string]string
	RemoteAddr string
	Method     string
	Path       string
}

// AuthStrategy hydrates the context with the caller's identity.
type AuthStrategy interface {
	Authenticate(ctx context.Context, payload AuthPayload) (context.Context, error)
}

// AuthMiddleware attaches identity without gating: a request that fails
// authentication continues as anonymous. The audit pipeline records
// whoever it can identify; rejecting traffic is the CRM's job, not ours.
type AuthMiddleware struct {
	strategy AuthStrategy
	logger   *slog.Logger
}

func NewAuthMiddleware(strategy AuthStrategy, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{
		strategy: strategy,
		logger:   logger,
	}
}

func (m *AuthMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.strategy == nil {
			next.ServeHTTP(w, r)
			return
		}

		headers := make(map[string]string)
		for k, v := range r.Header {
			if len(v) > 0 {
				headers[http.CanonicalHeaderKey(k)] = v[0]
			}
		}

		payload := AuthPayload{
			Headers:    headers,
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
		}

		ctx, err := m.strategy.Authenticate(r.Context(), payload)
		if err != nil {
			m.logger.DebugContext(r.Context(), "request proceeds unauthenticated", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetHeader reads a header value case-insensitively from the payload map.
func (p *AuthPayload) GetHeader(key string) string {
	if v, ok := p.Headers[key]; ok {
		return v
	}
	if v, ok := p.Headers[http.CanonicalHeaderKey(key)]; ok {
		return v
	}
	key = strings.ToLower(key)
	for k, v := range p.Headers {
		if strings.ToLower(k) == key {
			return v
		}
	}
	return ""
}
