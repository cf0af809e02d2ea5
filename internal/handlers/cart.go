package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes the authenticated cart endpoints for the current user.
type CartHandlers struct {
	carts services.CartService
}

// NewCartHandlers constructs the cart endpoint set.
func NewCartHandlers(carts services.CartService) *CartHandlers {
	return &CartHandlers{carts: carts}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Get("/estimate", h.estimateCart)
	r.Post("/items", h.addItem)
	r.Patch("/items/{itemID}", h.updateItem)
	r.Delete("/items/{itemID}", h.removeItem)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartIdentity(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreateCart(ctx, identity)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartIdentity(ctx, w)
	if !ok {
		return
	}

	var req cartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.AddOrUpdateItem(ctx, services.UpsertCartItemCommand{
		UserID:    identity,
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Quantity:  req.Quantity,
		DesignID:  cloneStringPointer(req.DesignID),
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusCreated, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartIdentity(ctx, w)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	var req cartItemUpdateRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.AddOrUpdateItem(ctx, services.UpsertCartItemCommand{
		UserID:   identity,
		ItemID:   &itemID,
		Quantity: req.Quantity,
		DesignID: cloneStringPointer(req.DesignID),
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartIdentity(ctx, w)
	if !ok {
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID: identity,
		ItemID: itemID,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, cart)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) estimateCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartIdentity(ctx, w)
	if !ok {
		return
	}

	estimate, err := h.carts.Estimate(ctx, identity)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, cartEstimateResponse{Estimate: buildCartEstimatePayload(estimate)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireCartIdentity(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, identity); err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireCartIdentity guards every cart endpoint with the service and
// authentication checks, returning the caller UID.
func (h *CartHandlers) requireCartIdentity(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return "", false
	}
	return identity.UID, true
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart or item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "cart operation failed", http.StatusInternalServerError))
	}
}

// setCartResponseHeaders marks cart payloads uncacheable and stamps the weak
// validator clients echo back for optimistic concurrency.
func setCartResponseHeaders(w http.ResponseWriter, cart services.Cart) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	if !cart.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", cart.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(cart); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(cart services.Cart) string {
	if strings.TrimSpace(cart.ID) == "" || cart.UpdatedAt.IsZero() {
		return ""
	}
	input := fmt.Sprintf("%s:%d", strings.TrimSpace(cart.ID), cart.UpdatedAt.UTC().UnixNano())
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:8]))
}

// Payloads -------------------------------------------------------------------

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartEstimateResponse struct {
	Estimate cartEstimatePayload `json:"estimate"`
}

type cartPayload struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	Currency     string               `json:"currency"`
	ItemsCount   int                  `json:"items_count"`
	Items        []cartItemPayload    `json:"items"`
	Subtotal     int64                `json:"subtotal"`
	Estimate     *cartEstimatePayload `json:"estimate,omitempty"`
	CheckedOutAt string               `json:"checked_out_at,omitempty"`
	CreatedAt    string               `json:"created_at,omitempty"`
	UpdatedAt    string               `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ID               string  `json:"id"`
	ProductID        string  `json:"product_id"`
	VariantID        string  `json:"variant_id"`
	ProductName      string  `json:"product_name,omitempty"`
	VariantLabel     string  `json:"variant_label,omitempty"`
	ImageURL         string  `json:"image_url,omitempty"`
	DesignRef        *string `json:"design_ref,omitempty"`
	DesignPreviewURL string  `json:"design_preview_url,omitempty"`
	Quantity         int     `json:"quantity"`
	UnitPrice        int64   `json:"unit_price"`
	Currency         string  `json:"currency"`
}

type cartEstimatePayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Tax      int64  `json:"tax"`
	Shipping int64  `json:"shipping"`
	Total    int64  `json:"total"`
}

type cartItemRequest struct {
	ProductID string  `json:"product_id"`
	VariantID string  `json:"variant_id"`
	Quantity  int     `json:"quantity"`
	DesignID  *string `json:"design_id"`
}

type cartItemUpdateRequest struct {
	Quantity int     `json:"quantity"`
	DesignID *string `json:"design_id"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:         strings.TrimSpace(cart.ID),
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		ItemsCount: len(cart.Items),
		Items:      buildCartItems(cart.Items),
		Subtotal:   cart.Subtotal,
		CreatedAt:  formatTime(cart.CreatedAt),
		UpdatedAt:  formatTime(cart.UpdatedAt),
	}
	if cart.Estimate != nil {
		estimate := buildCartEstimatePayload(*cart.Estimate)
		payload.Estimate = &estimate
	}
	if cart.CheckedOutAt != nil {
		payload.CheckedOutAt = formatTime(*cart.CheckedOutAt)
	}
	return payload
}

func buildCartItems(items []services.CartItem) []cartItemPayload {
	payload := make([]cartItemPayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, cartItemPayload{
			ID:               strings.TrimSpace(item.ID),
			ProductID:        strings.TrimSpace(item.ProductID),
			VariantID:        strings.TrimSpace(item.VariantID),
			ProductName:      item.ProductName,
			VariantLabel:     item.VariantLabel,
			ImageURL:         item.ImageURL,
			DesignRef:        cloneStringPointer(item.DesignRef),
			DesignPreviewURL: item.DesignPreviewURL,
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice,
			Currency:         strings.ToUpper(strings.TrimSpace(item.Currency)),
		})
	}
	return payload
}

func buildCartEstimatePayload(estimate services.CartEstimate) cartEstimatePayload {
	return cartEstimatePayload{
		Currency: strings.ToUpper(strings.TrimSpace(estimate.Currency)),
		Subtotal: estimate.Subtotal,
		Discount: estimate.Discount,
		Tax:      estimate.Tax,
		Shipping: estimate.Shipping,
		Total:    estimate.Total,
	}
}
