package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/services"
)

func newAdminCatalogRouter(catalog services.CatalogService) http.Handler {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminCatalogHandlers(nil, catalog).Routes)
	return router
}

func TestAdminCatalogHandlersCreateProduct(t *testing.T) {
	var captured services.UpsertProductCommand
	catalog := &stubCatalogService{
		upsertFn: func(_ context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
			captured = cmd
			saved := cmd.Product
			saved.ID = "prd_new"
			return saved, nil
		},
	}

	body := `{
		"name": "Classic Tee",
		"event_types": ["sports", "music"],
		"mockup_url": "https://cdn.example.com/mockups/tee.png",
		"mockup_width": 800,
		"mockup_height": 900,
		"print_area": {"x": 200, "y": 150, "width": 400, "height": 500},
		"variants": [
			{"id": "var_m", "label": "M / White", "size": "M", "unit_price": 2400, "currency": "USD"}
		]
	}`
	req := authedRequest(http.MethodPost, "/admin/products", body)
	rr := httptest.NewRecorder()
	newAdminCatalogRouter(catalog).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if captured.ActorID != "user-1" {
		t.Fatalf("expected actor user-1, got %q", captured.ActorID)
	}
	if !captured.Product.Active {
		t.Fatalf("expected active to default to true")
	}
	if len(captured.Product.Variants) != 1 || !captured.Product.Variants[0].Active {
		t.Fatalf("expected variant active to default to true, got %+v", captured.Product.Variants)
	}
	if captured.Product.PrintArea.Width != 400 {
		t.Fatalf("unexpected print area: %+v", captured.Product.PrintArea)
	}

	var resp productResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Product.ID != "prd_new" {
		t.Fatalf("expected saved id prd_new, got %q", resp.Product.ID)
	}
}

func TestAdminCatalogHandlersUpdateProductUsesPathID(t *testing.T) {
	var captured services.UpsertProductCommand
	catalog := &stubCatalogService{
		upsertFn: func(_ context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
			captured = cmd
			return cmd.Product, nil
		},
	}

	body := `{"id":"prd_other","name":"Classic Tee"}`
	req := authedRequest(http.MethodPut, "/admin/products/prd_tee", body)
	rr := httptest.NewRecorder()
	newAdminCatalogRouter(catalog).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Product.ID != "prd_tee" {
		t.Fatalf("expected path id to win, got %q", captured.Product.ID)
	}
}

func TestAdminCatalogHandlersRetireProduct(t *testing.T) {
	var captured services.UpsertProductCommand
	catalog := &stubCatalogService{
		upsertFn: func(_ context.Context, cmd services.UpsertProductCommand) (services.Product, error) {
			captured = cmd
			return cmd.Product, nil
		},
	}

	req := authedRequest(http.MethodPut, "/admin/products/prd_tee", `{"name":"Classic Tee","active":false}`)
	rr := httptest.NewRecorder()
	newAdminCatalogRouter(catalog).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.Product.Active {
		t.Fatalf("expected retired product to be inactive")
	}
}

func TestAdminCatalogHandlersUnauthenticated(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/admin/products", nil)
	rr := httptest.NewRecorder()
	newAdminCatalogRouter(&stubCatalogService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestAdminCatalogHandlersUpsertConflict(t *testing.T) {
	catalog := &stubCatalogService{
		upsertFn: func(context.Context, services.UpsertProductCommand) (services.Product, error) {
			return services.Product{}, services.ErrCatalogConflict
		},
	}

	req := authedRequest(http.MethodPut, "/admin/products/prd_tee", `{"name":"Classic Tee"}`)
	rr := httptest.NewRecorder()
	newAdminCatalogRouter(catalog).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Error != "product_conflict" {
		t.Fatalf("expected product_conflict, got %q", resp.Error)
	}
}
