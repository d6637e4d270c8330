// Package auth binds gateway-verified identity headers to the request
// context. Token verification happens at the edge (Envoy/NGINX); the service
// trusts only the headers the gateway sets after verifying, which stops
// site_id spoofing from direct callers.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	SiteIDKey contextKey = "site_id"
	UserIDKey contextKey = "user_id"
	ScopesKey contextKey = "scopes"
)

// Config holds identity middleware configuration.
type Config struct {
	Enabled          bool
	RequireVerified  bool   // require the gateway's verified marker
	SiteIDHeader     string // default "X-Site-ID"
	UserIDHeader     string // default "X-User-ID"
	ScopesHeader     string // default "X-Scopes"
	VerifiedHeader   string // default "X-Auth-Verified"
	BypassForHealth  bool
	BypassForMetrics bool
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		RequireVerified:  true,
		SiteIDHeader:     "X-Site-ID",
		UserIDHeader:     "X-User-ID",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// Middleware validates the gateway identity headers and enriches the request
// context with site, user and scopes.
func Middleware(config *Config) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if config.BypassForHealth && r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			if config.BypassForMetrics && r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified {
				if r.Header.Get(config.VerifiedHeader) != "true" {
					sendError(w, http.StatusUnauthorized, "unauthorized: gateway verification required")
					return
				}
			}

			siteID := r.Header.Get(config.SiteIDHeader)
			if siteID == "" {
				sendError(w, http.StatusUnauthorized, "unauthorized: missing site identity")
				return
			}

			userID := r.Header.Get(config.UserIDHeader)

			// scopes arrive as a JSON array, with comma-separated fallback
			var scopes []string
			if raw := r.Header.Get(config.ScopesHeader); raw != "" {
				if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
					scopes = strings.Split(raw, ",")
					for i := range scopes {
						scopes[i] = strings.TrimSpace(scopes[i])
					}
				}
			}

			ctx := context.WithValue(r.Context(), SiteIDKey, siteID)
			if userID != "" {
				ctx = context.WithValue(ctx, UserIDKey, userID)
			}
			if len(scopes) > 0 {
				ctx = context.WithValue(ctx, ScopesKey, scopes)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSiteID extracts the verified site from the request context.
func GetSiteID(ctx context.Context) (string, bool) {
	siteID, ok := ctx.Value(SiteIDKey).(string)
	return siteID, ok
}

// GetUserID extracts the caller identity from the request context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// GetScopes extracts granted scopes from the request context.
func GetScopes(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	return scopes, ok
}

// RequireScope reports whether the request carries a scope.
func RequireScope(ctx context.Context, required string) bool {
	scopes, ok := GetScopes(ctx)
	if !ok {
		return false
	}
	for _, scope := range scopes {
		if scope == required {
			return true
		}
	}
	return false
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
