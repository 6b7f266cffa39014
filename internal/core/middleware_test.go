package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"receiptwise/internal/config"
	"receiptwise/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{Environment: "local"}
	s, err := NewServer(cfg, slog.New(slog.NewTextHandler(&discardWriter{}, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestRequestIDMiddlewareGenerates(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = types.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == "" {
		t.Error("request ID was not injected into context")
	}
	if w.Header().Get("X-Request-Id") != captured {
		t.Error("response header should carry the generated request ID")
	}
}

func TestRequestIDMiddlewarePropagates(t *testing.T) {
	var captured string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = types.GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Request-Id", "inbound-42")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if captured != "inbound-42" {
		t.Errorf("request ID = %q, want inbound-42", captured)
	}
}

func TestRecovererConvertsPanicTo500(t *testing.T) {
	s := newTestServer(t)
	handler := s.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}

	var resp APIErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("panic response is not valid JSON: %v", err)
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code = %q", resp.Error.Code)
	}
}

// stubAuthenticator resolves a single known token.
type stubAuthenticator struct {
	token string
	actor types.Actor
}

func (a *stubAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	if token == a.token {
		actor := a.actor
		return &actor, nil
	}
	return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil)
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)
	s.Authenticator = &stubAuthenticator{
		token: "svc-token",
		actor: types.Actor{ID: "svc-1", Type: types.ActorTypeService},
	}

	var gotActor *types.Actor
	handler := s.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor, ok := types.GetActor(r.Context()); ok {
			gotActor = &actor
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid token", "Bearer svc-token", http.StatusNoContent},
		{"case-insensitive scheme", "bearer svc-token", http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic c3Zj", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"empty token", "Bearer   ", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gotActor = nil
			r := httptest.NewRequest(http.MethodPost, "/v1/billing/tier-change", nil)
			if tc.authHeader != "" {
				r.Header.Set("Authorization", tc.authHeader)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			if w.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusNoContent {
				if gotActor == nil || gotActor.ID != "svc-1" {
					t.Errorf("actor not injected: %+v", gotActor)
				}
			}
		})
	}
}

func TestAuthMiddlewareNilAuthenticatorPassesThrough(t *testing.T) {
	s := newTestServer(t)

	handler := s.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}
