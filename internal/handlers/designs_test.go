package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/auth"
	"github.com/genai-merch/api/internal/services"
)

type stubDesignService struct {
	saveFn    func(context.Context, services.SaveDesignCommand) (services.Design, error)
	getFn     func(context.Context, string, services.DesignReadOptions) (services.Design, error)
	listFn    func(context.Context, services.DesignListFilter) (domain.CursorPage[services.Design], error)
	prepareFn func(context.Context, services.PrepareStatusQuery) (services.PrepareStatusView, error)
}

func (s *stubDesignService) SaveDesign(ctx context.Context, cmd services.SaveDesignCommand) (services.Design, error) {
	if s.saveFn != nil {
		return s.saveFn(ctx, cmd)
	}
	return services.Design{}, nil
}

func (s *stubDesignService) GetDesign(ctx context.Context, designID string, opts services.DesignReadOptions) (services.Design, error) {
	if s.getFn != nil {
		return s.getFn(ctx, designID, opts)
	}
	return services.Design{}, nil
}

func (s *stubDesignService) ListDesigns(ctx context.Context, filter services.DesignListFilter) (domain.CursorPage[services.Design], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Design]{}, nil
}

func (s *stubDesignService) PrepareStatus(ctx context.Context, q services.PrepareStatusQuery) (services.PrepareStatusView, error) {
	if s.prepareFn != nil {
		return s.prepareFn(ctx, q)
	}
	return services.PrepareStatusView{}, nil
}

var _ services.DesignService = (*stubDesignService)(nil)

func newDesignRouter(designs services.DesignService) http.Handler {
	router := chi.NewRouter()
	router.Route("/designs", NewDesignHandlers(designs).Routes)
	return router
}

func authedRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
}

func TestDesignHandlersListDesigns(t *testing.T) {
	var captured services.DesignListFilter
	created := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	stub := &stubDesignService{
		listFn: func(_ context.Context, filter services.DesignListFilter) (domain.CursorPage[services.Design], error) {
			captured = filter
			return domain.CursorPage[services.Design]{
				Items: []services.Design{{
					ID:        "dsg_1",
					Number:    "D-000042",
					UserID:    filter.OwnerID,
					SessionID: "ws_1",
					Name:      "Charity Run Tee",
					ImageURL:  "https://cdn.example.com/dsg_1.png",
					Status:    domain.DesignStatusPrintReady,
					CreatedAt: created,
					UpdatedAt: created,
				}},
				NextPageToken: "tok-2",
			}, nil
		},
	}

	req := authedRequest(http.MethodGet, "/designs?pageSize=10&status=saved,print_ready&session_id=ws_1", "")
	rr := httptest.NewRecorder()
	newDesignRouter(stub).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OwnerID != "user-1" {
		t.Fatalf("expected owner user-1, got %q", captured.OwnerID)
	}
	if captured.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.PageSize)
	}
	if captured.SessionID != "ws_1" {
		t.Fatalf("expected session filter ws_1, got %q", captured.SessionID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != "saved" || captured.Status[1] != "print_ready" {
		t.Fatalf("unexpected status filter: %v", captured.Status)
	}

	var resp designListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Designs) != 1 || resp.Designs[0].ID != "dsg_1" {
		t.Fatalf("unexpected designs payload: %+v", resp.Designs)
	}
	if resp.Designs[0].Number != "D-000042" {
		t.Fatalf("expected design number D-000042, got %q", resp.Designs[0].Number)
	}
	if resp.NextPageToken != "tok-2" {
		t.Fatalf("expected next page token tok-2, got %q", resp.NextPageToken)
	}
}

func TestDesignHandlersListDesignsUnauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/designs", nil)
	rr := httptest.NewRecorder()
	newDesignRouter(&stubDesignService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestDesignHandlersGetDesign(t *testing.T) {
	var capturedID string
	var capturedOpts services.DesignReadOptions
	stub := &stubDesignService{
		getFn: func(_ context.Context, designID string, opts services.DesignReadOptions) (services.Design, error) {
			capturedID = designID
			capturedOpts = opts
			return services.Design{
				ID:            designID,
				UserID:        opts.ActorID,
				ImageURL:      "https://cdn.example.com/dsg_9.png",
				PrintReadyURL: "https://cdn.example.com/dsg_9-print.png",
				Placement:     &domain.Placement{X: 120, Y: 80, Width: 200, Height: 160, Rotation: 15},
				Status:        domain.DesignStatusPrintReady,
			}, nil
		},
	}

	req := authedRequest(http.MethodGet, "/designs/dsg_9?include_job=true", "")
	rr := httptest.NewRecorder()
	newDesignRouter(stub).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if capturedID != "dsg_9" {
		t.Fatalf("expected design id dsg_9, got %q", capturedID)
	}
	if capturedOpts.ActorID != "user-1" || !capturedOpts.IncludePrepareJob {
		t.Fatalf("unexpected read options: %+v", capturedOpts)
	}

	var resp savedDesignResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Design.PrintReadyURL != "https://cdn.example.com/dsg_9-print.png" {
		t.Fatalf("expected print-ready url in payload, got %q", resp.Design.PrintReadyURL)
	}
	if resp.Design.Placement == nil || resp.Design.Placement.Rotation != 15 {
		t.Fatalf("expected placement with rotation 15, got %+v", resp.Design.Placement)
	}
}

func TestDesignHandlersGetDesignBadIncludeJob(t *testing.T) {
	req := authedRequest(http.MethodGet, "/designs/dsg_9?include_job=sometimes", "")
	rr := httptest.NewRecorder()
	newDesignRouter(&stubDesignService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestDesignHandlersGetDesignNotFound(t *testing.T) {
	stub := &stubDesignService{
		getFn: func(context.Context, string, services.DesignReadOptions) (services.Design, error) {
			return services.Design{}, services.ErrDesignNotFound
		},
	}

	req := authedRequest(http.MethodGet, "/designs/missing", "")
	rr := httptest.NewRecorder()
	newDesignRouter(stub).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}
