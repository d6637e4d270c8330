package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDisabled(t *testing.T) {
	handler := Middleware(&Config{Enabled: false})(okHandler())

	req := httptest.NewRequest("POST", "/v1/scenario/score", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestMiddlewareRejectsUnverified(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	req := httptest.NewRequest("POST", "/v1/scenario/score", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareRejectsMissingSiteID(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	req := httptest.NewRequest("POST", "/v1/scenario/score", nil)
	req.Header.Set("X-Auth-Verified", "true")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareBindsIdentity(t *testing.T) {
	var siteID, userID string
	var scopes []string

	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		siteID, _ = GetSiteID(r.Context())
		userID, _ = GetUserID(r.Context())
		scopes, _ = GetScopes(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/scenario/score", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Site-ID", "site-1")
	req.Header.Set("X-User-ID", "pm-7")
	req.Header.Set("X-Scopes", `["scenario:score","safety:read"]`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if siteID != "site-1" {
		t.Errorf("siteID = %q, want site-1", siteID)
	}
	if userID != "pm-7" {
		t.Errorf("userID = %q, want pm-7", userID)
	}
	if len(scopes) != 2 || scopes[0] != "scenario:score" {
		t.Errorf("scopes = %v", scopes)
	}
}

func TestMiddlewareScopesCommaFallback(t *testing.T) {
	var scopes []string
	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scopes, _ = GetScopes(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/scenario/score", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Site-ID", "site-1")
	req.Header.Set("X-Scopes", "scenario:score, safety:read")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if len(scopes) != 2 || scopes[1] != "safety:read" {
		t.Errorf("scopes = %v", scopes)
	}
}

func TestMiddlewareBypassesHealthAndMetrics(t *testing.T) {
	handler := Middleware(DefaultConfig())(okHandler())

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, w.Code)
		}
	}
}

func TestRequireScope(t *testing.T) {
	handler := Middleware(DefaultConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !RequireScope(r.Context(), "safety:read") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/thresholds/active", nil)
	req.Header.Set("X-Auth-Verified", "true")
	req.Header.Set("X-Site-ID", "site-1")
	req.Header.Set("X-Scopes", `["scenario:score"]`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without scope", w.Code)
	}

	req.Header.Set("X-Scopes", `["safety:read"]`)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with scope", w.Code)
	}
}
