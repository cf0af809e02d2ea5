package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/payments"
	"github.com/genai-merch/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput signals malformed checkout input.
	ErrCheckoutInvalidInput = errors.New("checkout service: invalid input")
	// ErrCheckoutCartNotReady is returned when the cart is missing, empty, or totals to zero.
	ErrCheckoutCartNotReady = errors.New("checkout service: cart is not ready")
	// ErrCheckoutConflict signals a concurrent cart update during hand-off.
	ErrCheckoutConflict = errors.New("checkout service: conflict")
	// ErrCheckoutPaymentFailed is returned when the payment provider rejects the session.
	ErrCheckoutPaymentFailed = errors.New("checkout service: payment session failed")
	// ErrCheckoutUnavailable indicates infrastructure failures while preparing the hand-off.
	ErrCheckoutUnavailable = errors.New("checkout service: unavailable")
)

var (
	errCheckoutCartsRequired    = errors.New("checkout service: cart repository is required")
	errCheckoutDesignsRequired  = errors.New("checkout service: design finder is required")
	errCheckoutPaymentsRequired = errors.New("checkout service: payments manager is required")
	errCheckoutPricerRequired   = errors.New("checkout service: cart pricer is required")
	errCheckoutClockRequired    = errors.New("checkout service: clock is required")
)

// checkoutSessionManager is the slice of the payments manager the service uses.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the checkout hand-off dependencies.
type CheckoutServiceDeps struct {
	Carts    repositories.CartRepository
	Designs  designFinder
	Payments checkoutSessionManager
	Pricer   CartPricer
	Audit    AuditLogService
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts    repositories.CartRepository
	designs  designFinder
	payments checkoutSessionManager
	pricer   CartPricer
	audit    AuditLogService
	clock    func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService builds the checkout hand-off service. The pricer must be
// the same one the cart endpoints use so the charged total matches the totals
// the storefront displayed.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errCheckoutCartsRequired
	}
	if deps.Designs == nil {
		return nil, errCheckoutDesignsRequired
	}
	if deps.Payments == nil {
		return nil, errCheckoutPaymentsRequired
	}
	if deps.Pricer == nil {
		return nil, errCheckoutPricerRequired
	}
	if deps.Clock == nil {
		return nil, errCheckoutClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &checkoutService{
		carts:    deps.Carts,
		designs:  deps.Designs,
		payments: deps.Payments,
		pricer:   deps.Pricer,
		audit:    deps.Audit,
		clock:    deps.Clock,
		logger:   logger,
	}, nil
}

func (s *checkoutService) now() time.Time {
	return s.clock().UTC()
}

// CreateCheckoutSession hands the cart to the payment provider. The cart must
// exist and contain at least one line. Design-bearing lines carry the design
// reference and the print-ready artwork when preparation finished, falling
// back to the original generated image otherwise.
func (s *checkoutService) CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (domain.CheckoutHandoff, error) {
	if s == nil {
		return domain.CheckoutHandoff{}, ErrCheckoutUnavailable
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.CheckoutHandoff{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	successURL := strings.TrimSpace(cmd.SuccessURL)
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if successURL == "" || cancelURL == "" {
		return domain.CheckoutHandoff{}, fmt.Errorf("%w: success and cancel urls are required", ErrCheckoutInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.CheckoutHandoff{}, fmt.Errorf("%w: no cart for user", ErrCheckoutCartNotReady)
		}
		return domain.CheckoutHandoff{}, translateCheckoutError(err)
	}
	if len(cart.Items) == 0 {
		return domain.CheckoutHandoff{}, fmt.Errorf("%w: cart has no items", ErrCheckoutCartNotReady)
	}

	priced, err := s.pricer.Calculate(ctx, PriceCartCommand{Cart: cart})
	if err != nil {
		return domain.CheckoutHandoff{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	estimate := priced.Estimate
	if estimate.Total <= 0 {
		return domain.CheckoutHandoff{}, fmt.Errorf("%w: cart total must be positive", ErrCheckoutCartNotReady)
	}

	now := s.now()
	metadata := copyStringMap(cmd.Metadata)
	if metadata == nil {
		metadata = make(map[string]string, 2)
	}
	metadata["cartId"] = cart.ID
	metadata["userId"] = userID

	idempotencyKey := metadataValue(cmd.Metadata, "idempotencyKey")
	if idempotencyKey == "" {
		idempotencyKey = checkoutIdempotencyKey(cart, estimate.Total)
	}

	req := payments.CheckoutSessionRequest{
		Amount:         estimate.Total,
		Currency:       estimate.Currency,
		CustomerID:     userID,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		Locale:         metadataValue(cmd.Metadata, "locale"),
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey,
		Items:          s.buildLineItems(ctx, cart, estimate),
	}
	paymentCtx := payments.PaymentContext{
		PreferredProvider: metadataValue(cmd.Metadata, "provider"),
		Currency:          estimate.Currency,
		Metadata:          metadata,
	}

	session, err := s.payments.CreateCheckoutSession(ctx, paymentCtx, req)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return domain.CheckoutHandoff{}, fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
		}
		s.logger(ctx, "checkout.session_failed", map[string]any{
			"cartId":   cart.ID,
			"currency": estimate.Currency,
			"amount":   estimate.Total,
			"error":    err.Error(),
		})
		return domain.CheckoutHandoff{}, fmt.Errorf("%w: %v", ErrCheckoutPaymentFailed, err)
	}

	// The PSP session exists at this point. A failed flag write must not void
	// the redirect, so the cart update is best-effort with one retry.
	s.markCheckedOut(ctx, cart, now)
	s.recordHandoffAudit(ctx, userID, cart, session, estimate, now)

	s.logger(ctx, "checkout.session_created", map[string]any{
		"cartId":    cart.ID,
		"sessionId": session.ID,
		"provider":  session.Provider,
		"amount":    estimate.Total,
		"currency":  estimate.Currency,
	})
	return domain.CheckoutHandoff{
		SessionID:   session.ID,
		Provider:    session.Provider,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt.UTC(),
		Amount:      estimate.Total,
		Currency:    estimate.Currency,
		CreatedAt:   now,
	}, nil
}

// buildLineItems translates cart lines into PSP line items plus a shipping
// line when the estimate charges one.
func (s *checkoutService) buildLineItems(ctx context.Context, cart domain.Cart, estimate domain.CartEstimate) []payments.CheckoutLineItem {
	items := make([]payments.CheckoutLineItem, 0, len(cart.Items)+1)
	for _, item := range cart.Items {
		name := strings.TrimSpace(item.ProductName)
		if name == "" {
			name = "Item"
		}
		line := payments.CheckoutLineItem{
			Name:        name,
			Description: strings.TrimSpace(item.VariantLabel),
			ArtworkURL:  strings.TrimSpace(item.ImageURL),
			Quantity:    int64(item.Quantity),
			Amount:      item.UnitPrice,
			Currency:    item.Currency,
		}
		if item.DesignRef != nil && strings.TrimSpace(*item.DesignRef) != "" {
			ref := strings.TrimSpace(*item.DesignRef)
			line.DesignRef = ref
			line.ArtworkURL = s.artworkURL(ctx, cart.UserID, ref, item.DesignPreviewURL)
		}
		items = append(items, line)
	}
	if estimate.Shipping > 0 {
		items = append(items, payments.CheckoutLineItem{
			Name:     "Shipping",
			Quantity: 1,
			Amount:   estimate.Shipping,
			Currency: estimate.Currency,
		})
	}
	return items
}

// artworkURL resolves the asset fulfilment should print: the print-ready
// rendition when preparation completed, otherwise the original design image.
// Lookup failures degrade to the preview captured at add-to-cart time.
func (s *checkoutService) artworkURL(ctx context.Context, userID, designRef, previewURL string) string {
	fallback := strings.TrimSpace(previewURL)
	designID := designIDFromRef(designRef)
	if designID == "" {
		return fallback
	}
	design, err := s.designs.FindByID(ctx, designID)
	if err != nil {
		s.logger(ctx, "checkout.design_lookup_failed", map[string]any{
			"designId": designID,
			"error":    err.Error(),
		})
		return fallback
	}
	if design.UserID != userID {
		return fallback
	}
	if url := strings.TrimSpace(design.PrintReadyURL); url != "" {
		return url
	}
	if url := strings.TrimSpace(design.ImageURL); url != "" {
		return url
	}
	return fallback
}

func (s *checkoutService) markCheckedOut(ctx context.Context, cart domain.Cart, now time.Time) {
	ts := now
	flagged := cart
	flagged.CheckedOutAt = &ts
	flagged.UpdatedAt = now
	expected := cart.UpdatedAt
	_, err := s.carts.UpsertCart(ctx, flagged, &expected)
	if err == nil {
		return
	}
	if isRepoConflict(err) {
		fresh, ferr := s.carts.GetCart(ctx, cart.UserID)
		if ferr == nil {
			freshExpected := fresh.UpdatedAt
			fresh.CheckedOutAt = &ts
			fresh.UpdatedAt = now
			if _, rerr := s.carts.UpsertCart(ctx, fresh, &freshExpected); rerr == nil {
				return
			} else {
				err = rerr
			}
		} else {
			err = ferr
		}
	}
	s.logger(ctx, "checkout.cart_flag_failed", map[string]any{
		"cartId": cart.ID,
		"error":  err.Error(),
	})
}

func (s *checkoutService) recordHandoffAudit(ctx context.Context, userID string, cart domain.Cart, session payments.CheckoutSession, estimate domain.CartEstimate, now time.Time) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      userID,
		ActorType:  "user",
		Action:     "checkout.started",
		TargetRef:  "/carts/" + cart.ID,
		Severity:   "info",
		OccurredAt: now,
		Metadata: map[string]any{
			"sessionId": session.ID,
			"provider":  session.Provider,
			"amount":    estimate.Total,
			"currency":  estimate.Currency,
			"items":     len(cart.Items),
		},
	})
}

// checkoutIdempotencyKey derives a stable key from the cart state so client
// retries of an unchanged cart reuse the PSP session.
func checkoutIdempotencyKey(cart domain.Cart, total int64) string {
	payload := fmt.Sprintf("%s|%s|%s|%d", cart.UserID, cart.ID, cart.UpdatedAt.UTC().Format(time.RFC3339Nano), total)
	sum := sha256.Sum256([]byte(payload))
	return "checkout-" + hex.EncodeToString(sum[:16])
}

func designIDFromRef(ref string) string {
	trimmed := strings.TrimSpace(ref)
	for strings.HasPrefix(trimmed, "/") {
		trimmed = strings.TrimPrefix(trimmed, "/")
	}
	trimmed = strings.TrimPrefix(trimmed, "designs/")
	return strings.TrimSpace(trimmed)
}

func metadataValue(meta map[string]string, key string) string {
	if meta == nil {
		return ""
	}
	return strings.TrimSpace(meta[key])
}

func copyStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	return maps.Clone(values)
}

func translateCheckoutError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCheckoutCartNotReady, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCheckoutConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
}
