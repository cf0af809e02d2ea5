package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/platform/auth"
	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/services"
)

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()

	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return payload.Error
}

func TestRouterHealthEndpoints(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("healthz content type = %q, want application/json", ct)
	}

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", rr.Code)
	}
}

func TestRouterReadyzReportsDegradedDependencies(t *testing.T) {
	health := NewHealthHandlers(WithHealthSystemService(&stubSystemService{
		report: services.SystemHealthReport{
			Status: domain.HealthStatusError,
			Checks: map[string]domain.SystemHealthCheck{
				"firestore": {Status: domain.HealthStatusError, Error: "deadline exceeded"},
			},
		},
	}))

	router := NewRouter(WithHealthHandlers(health))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}

	var resp struct {
		Status  string   `json:"status"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != domain.HealthStatusError {
		t.Fatalf("status = %q, want %q", resp.Status, domain.HealthStatusError)
	}
	if len(resp.Details) != 1 || !strings.Contains(resp.Details[0], "firestore") {
		t.Fatalf("details = %v, want firestore failure", resp.Details)
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/api/v2/cart", "/api/v1/unknown"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, rr.Code)
		}
		if code := decodeErrorCode(t, rr.Body.Bytes()); code != "route_not_found" {
			t.Fatalf("%s error code = %q, want route_not_found", path, code)
		}
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "method_not_allowed" {
		t.Fatalf("error code = %q, want method_not_allowed", code)
	}
}

func TestRouterUnboundGroupsReturnNotImplemented(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rr.Code)
	}
	if code := decodeErrorCode(t, rr.Body.Bytes()); code != "not_implemented" {
		t.Fatalf("error code = %q, want not_implemented", code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/wizard/sessions/ws_1", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("nested path status = %d, want 501", rr.Code)
	}
}

func TestRouterAuthMiddlewareSkipsPublicGroups(t *testing.T) {
	requireToken := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				http.Error(w, "missing token", http.StatusUnauthorized)
				return
			}
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: "user-1"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	ok := func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	router := NewRouter(
		WithAuthMiddlewares(requireToken),
		WithCartRoutes(ok),
		WithProductRoutes(ok),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("cart without token status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer token")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("cart with token status = %d, want 204", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("products without token status = %d, want 204", rr.Code)
	}
}

func TestRouterInternalMiddlewareScope(t *testing.T) {
	requireServiceToken := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-Service-Token") != "worker-secret" {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	rejectAll := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
		})
	}

	router := NewRouter(
		WithAuthMiddlewares(rejectAll),
		WithInternalMiddlewares(requireServiceToken),
		WithInternalRoutes(func(r chi.Router) {
			r.Post("/jobs/print-prepare", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
		}),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/jobs/print-prepare", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("internal without service token status = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/internal/jobs/print-prepare", nil)
	req.Header.Set("X-Service-Token", "worker-secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("internal with service token status = %d, want 200", rr.Code)
	}
}

func TestRouterMountsWizardHandlers(t *testing.T) {
	wizardHandlers := NewWizardHandlers(&stubWizardService{}, nil, nil)

	attachIdentity := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: "user-1"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	router := NewRouter(
		WithAuthMiddlewares(attachIdentity),
		WithWizardRoutes(wizardHandlers.Routes),
	)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/wizard/sessions", strings.NewReader(`{"locale":"en-US"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rr.Code)
	}

	var resp sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Session.ID != "ws_new" {
		t.Fatalf("session id = %q, want ws_new", resp.Session.ID)
	}
	if resp.Session.UserID != "user-1" {
		t.Fatalf("session user = %q, want user-1", resp.Session.UserID)
	}
}
