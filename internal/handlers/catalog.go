package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/platform/pagination"
	"github.com/genai-merch/api/internal/services"
)

const (
	defaultProductPageSize = 50
	maxProductPageSize     = 100
)

// CatalogHandlers serves the read-only product catalog backing the product
// and canvas steps.
type CatalogHandlers struct {
	catalog services.CatalogService
}

// NewCatalogHandlers constructs the catalog endpoint set.
func NewCatalogHandlers(catalog services.CatalogService) *CatalogHandlers {
	return &CatalogHandlers{catalog: catalog}
}

// Routes registers the /products endpoints.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productID}", h.getProduct)
}

// RecommendationRoutes registers the /recommendations endpoint.
func (h *CatalogHandlers) RecommendationRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.recommendations)
}

func (h *CatalogHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.Parse(r.URL.Query(), pagination.Options{
		DefaultPageSize: defaultProductPageSize,
		MaxPageSize:     maxProductPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	activeOnly := true
	if raw := strings.TrimSpace(r.URL.Query().Get("include_inactive")); raw != "" {
		include, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "include_inactive must be a boolean", http.StatusBadRequest))
			return
		}
		activeOnly = !include
	}

	page, err := h.catalog.ListProducts(ctx, services.ProductFilter{
		EventType:  strings.TrimSpace(r.URL.Query().Get("event_type")),
		ActiveOnly: activeOnly,
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]productPayload, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{
		Products:      items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *CatalogHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product id is required", http.StatusBadRequest))
		return
	}

	product, err := h.catalog.GetProduct(ctx, productID)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *CatalogHandlers) recommendations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a non-negative integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	products, err := h.catalog.RecommendProducts(ctx, services.ProductRecommendationQuery{
		EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
		Limit:     limit,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]productPayload, 0, len(products))
	for _, product := range products {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, productListResponse{Products: items})
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_conflict", "product has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "catalog operation failed", http.StatusInternalServerError))
	}
}

// Payloads -------------------------------------------------------------------

type productListResponse struct {
	Products      []productPayload `json:"products"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productPayload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	ImageURL     string            `json:"image_url,omitempty"`
	EventTypes   []string          `json:"event_types,omitempty"`
	Popularity   int               `json:"popularity,omitempty"`
	Active       bool              `json:"active"`
	Variants     []variantPayload  `json:"variants,omitempty"`
	MockupURL    string            `json:"mockup_url,omitempty"`
	MockupWidth  int               `json:"mockup_width,omitempty"`
	MockupHeight int               `json:"mockup_height,omitempty"`
	PrintArea    *printAreaPayload `json:"print_area,omitempty"`
	CreatedAt    string            `json:"created_at,omitempty"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
}

type variantPayload struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Color     string `json:"color,omitempty"`
	Size      string `json:"size,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Currency  string `json:"currency"`
	Active    bool   `json:"active"`
}

func buildProductPayload(product services.Product) productPayload {
	payload := productPayload{
		ID:           product.ID,
		Name:         product.Name,
		Description:  product.Description,
		ImageURL:     product.ImageURL,
		EventTypes:   product.EventTypes,
		Popularity:   product.Popularity,
		Active:       product.Active,
		MockupURL:    product.MockupURL,
		MockupWidth:  product.MockupWidth,
		MockupHeight: product.MockupHeight,
		CreatedAt:    formatTime(product.CreatedAt),
		UpdatedAt:    formatTime(product.UpdatedAt),
	}
	if product.PrintArea.Width > 0 || product.PrintArea.Height > 0 {
		payload.PrintArea = &printAreaPayload{
			X:      product.PrintArea.X,
			Y:      product.PrintArea.Y,
			Width:  product.PrintArea.Width,
			Height: product.PrintArea.Height,
		}
	}
	for _, variant := range product.Variants {
		payload.Variants = append(payload.Variants, variantPayload{
			ID:        variant.ID,
			Label:     variant.Label,
			Color:     variant.Color,
			Size:      variant.Size,
			UnitPrice: variant.UnitPrice,
			Currency:  variant.Currency,
			Active:    variant.Active,
		})
	}
	return payload
}
