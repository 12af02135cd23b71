package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"porchwatch/internal/auth"
)

func newAuthenticator(t *testing.T, enabled bool) *auth.Authenticator {
	t.Helper()
	a, err := auth.NewAuthenticator(auth.Config{Enabled: enabled, Password: "pw", JWTSecret: "k", JWTExpiry: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// protected echoes whether the request reached it with claims attached
func protected(a *auth.Authenticator) http.Handler {
	return AuthMiddleware(a, "/api/login")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()) != nil {
			w.Header().Set("X-Has-Claims", "true")
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestAuthMiddleware(t *testing.T) {
	a := newAuthenticator(t, true)
	token, _, err := a.Authenticate("admin", "pw")
	if err != nil {
		t.Fatal(err)
	}
	h := protected(a)

	tests := []struct {
		name         string
		path         string
		header       string
		upgrade      bool
		want         int
		expectClaims bool
	}{
		{"no token", "/api/detections", "", false, http.StatusUnauthorized, false},
		{"bad scheme", "/api/detections", "Basic abc", false, http.StatusUnauthorized, false},
		{"bad token", "/api/detections", "Bearer nope", false, http.StatusUnauthorized, false},
		{"valid", "/api/detections", "Bearer " + token, false, http.StatusNoContent, true},
		{"public path", "/api/login", "", false, http.StatusNoContent, false},
		{"ws query token", "/ws/captures?token=" + token, "", true, http.StatusNoContent, true},
		{"query token needs upgrade", "/api/detections?token=" + token, "", false, http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := rec.Header().Get("X-Has-Claims") == "true"; got != tt.expectClaims {
				t.Errorf("claims attached = %v, want %v", got, tt.expectClaims)
			}
		})
	}
}

func TestAuthMiddlewareDisabled(t *testing.T) {
	h := protected(newAuthenticator(t, false))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/detections", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}
