package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/auth"
	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/services"
)

const maxCatalogRequestBody = 256 * 1024

// AdminCatalogHandlers exposes the staff-facing catalog write endpoints.
// Products are never deleted; retiring one is an upsert with active=false so
// existing carts keep resolving their line items.
type AdminCatalogHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewAdminCatalogHandlers constructs admin catalog handlers.
func NewAdminCatalogHandlers(authn *auth.Authenticator, catalog services.CatalogService) *AdminCatalogHandlers {
	return &AdminCatalogHandlers{authn: authn, catalog: catalog}
}

// Routes registers admin catalog endpoints.
func (h *AdminCatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Post("/products", h.createProduct)
	r.Put("/products/{productID}", h.updateProduct)
}

func (h *AdminCatalogHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	h.saveProduct(w, r, "")
}

func (h *AdminCatalogHandlers) updateProduct(w http.ResponseWriter, r *http.Request) {
	h.saveProduct(w, r, chi.URLParam(r, "productID"))
}

func (h *AdminCatalogHandlers) saveProduct(w http.ResponseWriter, r *http.Request, overrideID string) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_service_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req adminProductRequest
	if err := decodeJSONBody(r, maxCatalogRequestBody, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	product := req.toProduct()
	if trimmed := strings.TrimSpace(overrideID); trimmed != "" {
		product.ID = trimmed
	}

	saved, err := h.catalog.UpsertProduct(ctx, services.UpsertProductCommand{
		Product: product,
		ActorID: identity.UID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, productResponse{Product: buildProductPayload(saved)})
}

type adminProductRequest struct {
	ID           string                       `json:"id"`
	Name         string                       `json:"name"`
	Description  string                       `json:"description"`
	ImageURL     string                       `json:"image_url"`
	EventTypes   []string                     `json:"event_types"`
	Popularity   int                          `json:"popularity"`
	Active       *bool                        `json:"active"`
	Variants     []adminProductVariantRequest `json:"variants"`
	MockupURL    string                       `json:"mockup_url"`
	MockupWidth  int                          `json:"mockup_width"`
	MockupHeight int                          `json:"mockup_height"`
	PrintArea    *printAreaPayload            `json:"print_area"`
}

type adminProductVariantRequest struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Color     string `json:"color"`
	Size      string `json:"size"`
	UnitPrice int64  `json:"unit_price"`
	Currency  string `json:"currency"`
	Active    *bool  `json:"active"`
}

func (req adminProductRequest) toProduct() services.Product {
	product := services.Product{
		ID:           strings.TrimSpace(req.ID),
		Name:         req.Name,
		Description:  req.Description,
		ImageURL:     req.ImageURL,
		EventTypes:   append([]string(nil), req.EventTypes...),
		Popularity:   req.Popularity,
		Active:       true,
		MockupURL:    req.MockupURL,
		MockupWidth:  req.MockupWidth,
		MockupHeight: req.MockupHeight,
	}
	if req.Active != nil {
		product.Active = *req.Active
	}
	if req.PrintArea != nil {
		product.PrintArea = domain.PrintArea{
			X:      req.PrintArea.X,
			Y:      req.PrintArea.Y,
			Width:  req.PrintArea.Width,
			Height: req.PrintArea.Height,
		}
	}
	for _, variant := range req.Variants {
		active := true
		if variant.Active != nil {
			active = *variant.Active
		}
		product.Variants = append(product.Variants, domain.ProductVariant{
			ID:        strings.TrimSpace(variant.ID),
			Label:     variant.Label,
			Color:     variant.Color,
			Size:      variant.Size,
			UnitPrice: variant.UnitPrice,
			Currency:  variant.Currency,
			Active:    active,
		})
	}
	return product
}
