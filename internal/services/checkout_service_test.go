package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/payments"
)

type stubPaymentsManager struct {
	createFunc func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	lastCtx    *payments.PaymentContext
	lastReq    *payments.CheckoutSessionRequest
}

func (s *stubPaymentsManager) CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.lastCtx = &paymentCtx
	s.lastReq = &req
	if s.createFunc != nil {
		return s.createFunc(ctx, paymentCtx, req)
	}
	return payments.CheckoutSession{}, errors.New("not implemented")
}

var checkoutTestNow = time.Date(2026, time.March, 6, 10, 0, 0, 0, time.UTC)

func checkoutTestCart() domain.Cart {
	ref := "/designs/dsg_9"
	created := time.Date(2026, time.March, 1, 8, 0, 0, 0, time.UTC)
	return domain.Cart{
		ID:       "user-1",
		UserID:   "user-1",
		Currency: "JPY",
		Items: []domain.CartItem{
			{
				ID:               "itm_1",
				ProductID:        "prd_tshirt",
				VariantID:        "var_m_navy",
				ProductName:      "Classic Tee",
				VariantLabel:     "M / Navy",
				DesignRef:        &ref,
				DesignPreviewURL: "https://storage.googleapis.com/genai-merch-assets/designs/dsg_9/preview.png",
				Quantity:         2,
				UnitPrice:        1500,
				Currency:         "JPY",
			},
			{
				ID:           "itm_2",
				ProductID:    "prd_mug",
				VariantID:    "var_mug_white",
				ProductName:  "Event Mug",
				VariantLabel: "White",
				ImageURL:     "https://storage.googleapis.com/genai-merch-assets/products/prd_mug/hero.png",
				Quantity:     1,
				UnitPrice:    2000,
				Currency:     "JPY",
			},
		},
		Subtotal:  5000,
		CreatedAt: created,
		UpdatedAt: created.Add(2 * time.Hour),
	}
}

func checkoutTestDesign() domain.Design {
	return domain.Design{
		ID:            "dsg_9",
		UserID:        "user-1",
		ImageURL:      "https://images.example.com/generated/dsg_9.png",
		PrintReadyURL: "https://storage.googleapis.com/genai-merch-assets/prints/dsg_9/print.png",
		Status:        domain.DesignStatusPrintReady,
	}
}

func newCheckoutServiceForTest(t *testing.T, deps CheckoutServiceDeps) CheckoutService {
	t.Helper()
	if deps.Carts == nil {
		repo, _ := newCartRepoWith(checkoutTestCart())
		deps.Carts = repo
	}
	if deps.Designs == nil {
		deps.Designs = &stubDesignFinder{
			findFunc: func(_ context.Context, designID string) (domain.Design, error) {
				if designID == "dsg_9" {
					return checkoutTestDesign(), nil
				}
				return domain.Design{}, &repositoryErrorStub{notFound: true}
			},
		}
	}
	if deps.Payments == nil {
		deps.Payments = &stubPaymentsManager{}
	}
	if deps.Pricer == nil {
		pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
		if err != nil {
			t.Fatalf("new pricer: %v", err)
		}
		deps.Pricer = pricer
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return checkoutTestNow }
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	return svc
}

func checkoutTestCommand() CreateCheckoutSessionCommand {
	return CreateCheckoutSessionCommand{
		UserID:     "user-1",
		SuccessURL: "https://store.example.com/checkout/done",
		CancelURL:  "https://store.example.com/checkout/cancel",
	}
}

func TestCheckoutCreateSessionBuildsHandoff(t *testing.T) {
	ctx := context.Background()
	repo, store := newCartRepoWith(checkoutTestCart())
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{
				ID:          "cs_123",
				Provider:    "stripe",
				RedirectURL: "https://checkout.stripe.com/c/pay/cs_123",
				ExpiresAt:   checkoutTestNow.Add(30 * time.Minute),
			}, nil
		},
	}
	audit := &stubAuditLogService{}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Carts: repo, Payments: manager, Audit: audit})

	handoff, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand())
	if err != nil {
		t.Fatalf("create checkout session: %v", err)
	}

	if handoff.SessionID != "cs_123" || handoff.Provider != "stripe" {
		t.Fatalf("unexpected handoff identity: %+v", handoff)
	}
	if handoff.RedirectURL != "https://checkout.stripe.com/c/pay/cs_123" {
		t.Fatalf("unexpected redirect %q", handoff.RedirectURL)
	}
	// Subtotal 5000 plus the JPY flat shipping charge.
	if handoff.Amount != 5500 || handoff.Currency != "JPY" {
		t.Fatalf("unexpected totals: %d %s", handoff.Amount, handoff.Currency)
	}
	if !handoff.CreatedAt.Equal(checkoutTestNow) {
		t.Fatalf("unexpected created at %v", handoff.CreatedAt)
	}

	req := manager.lastReq
	if req == nil {
		t.Fatalf("expected payment request to be captured")
	}
	if req.Amount != 5500 || req.Currency != "JPY" {
		t.Fatalf("unexpected request totals: %d %s", req.Amount, req.Currency)
	}
	if req.CustomerID != "user-1" {
		t.Fatalf("unexpected customer %q", req.CustomerID)
	}
	if req.Metadata["cartId"] != "user-1" || req.Metadata["userId"] != "user-1" {
		t.Fatalf("expected cart metadata, got %v", req.Metadata)
	}
	if !strings.HasPrefix(req.IdempotencyKey, "checkout-") {
		t.Fatalf("unexpected idempotency key %q", req.IdempotencyKey)
	}
	if len(req.Items) != 3 {
		t.Fatalf("expected 2 cart lines plus shipping, got %d", len(req.Items))
	}
	designLine := req.Items[0]
	if designLine.DesignRef != "/designs/dsg_9" {
		t.Fatalf("expected design ref on first line, got %q", designLine.DesignRef)
	}
	if designLine.ArtworkURL != "https://storage.googleapis.com/genai-merch-assets/prints/dsg_9/print.png" {
		t.Fatalf("expected print-ready artwork, got %q", designLine.ArtworkURL)
	}
	if designLine.Quantity != 2 || designLine.Amount != 1500 {
		t.Fatalf("unexpected design line: %+v", designLine)
	}
	plainLine := req.Items[1]
	if plainLine.DesignRef != "" || plainLine.Name != "Event Mug" {
		t.Fatalf("unexpected plain line: %+v", plainLine)
	}
	shippingLine := req.Items[2]
	if shippingLine.Name != "Shipping" || shippingLine.Amount != 500 {
		t.Fatalf("unexpected shipping line: %+v", shippingLine)
	}

	if store.CheckedOutAt == nil || !store.CheckedOutAt.Equal(checkoutTestNow) {
		t.Fatalf("expected cart to be flagged checked out, got %v", store.CheckedOutAt)
	}
	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
	record := audit.records[0]
	if record.Action != "checkout.started" || record.Actor != "user-1" {
		t.Fatalf("unexpected audit record: %+v", record)
	}
	if record.TargetRef != "/carts/user-1" {
		t.Fatalf("unexpected audit target %q", record.TargetRef)
	}
}

func TestCheckoutFallsBackToOriginalDesignURL(t *testing.T) {
	ctx := context.Background()
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_456", Provider: "stripe"}, nil
		},
	}
	designs := &stubDesignFinder{
		findFunc: func(_ context.Context, designID string) (domain.Design, error) {
			design := checkoutTestDesign()
			design.PrintReadyURL = ""
			return design, nil
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Payments: manager, Designs: designs})

	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("create checkout session: %v", err)
	}
	if got := manager.lastReq.Items[0].ArtworkURL; got != "https://images.example.com/generated/dsg_9.png" {
		t.Fatalf("expected original design image, got %q", got)
	}
}

func TestCheckoutDesignLookupFailureUsesPreview(t *testing.T) {
	ctx := context.Background()
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_789", Provider: "stripe"}, nil
		},
	}
	designs := &stubDesignFinder{
		findFunc: func(_ context.Context, _ string) (domain.Design, error) {
			return domain.Design{}, &repositoryErrorStub{unavailable: true}
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Payments: manager, Designs: designs})

	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("create checkout session: %v", err)
	}
	if got := manager.lastReq.Items[0].ArtworkURL; got != "https://storage.googleapis.com/genai-merch-assets/designs/dsg_9/preview.png" {
		t.Fatalf("expected preview fallback, got %q", got)
	}
}

func TestCheckoutRejectsForeignDesign(t *testing.T) {
	ctx := context.Background()
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_987", Provider: "stripe"}, nil
		},
	}
	designs := &stubDesignFinder{
		findFunc: func(_ context.Context, _ string) (domain.Design, error) {
			design := checkoutTestDesign()
			design.UserID = "someone-else"
			return design, nil
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Payments: manager, Designs: designs})

	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("create checkout session: %v", err)
	}
	if got := manager.lastReq.Items[0].ArtworkURL; got != "https://storage.googleapis.com/genai-merch-assets/designs/dsg_9/preview.png" {
		t.Fatalf("expected preview fallback for foreign design, got %q", got)
	}
}

func TestCheckoutRequiresCartWithItems(t *testing.T) {
	ctx := context.Background()

	empty := checkoutTestCart()
	empty.Items = nil
	repo, _ := newCartRepoWith(empty)
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Carts: repo})
	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); !errors.Is(err, ErrCheckoutCartNotReady) {
		t.Fatalf("expected cart-not-ready for empty cart, got %v", err)
	}

	missingRepo := &stubCartRepository{
		getFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
	}
	svc = newCheckoutServiceForTest(t, CheckoutServiceDeps{Carts: missingRepo})
	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); !errors.Is(err, ErrCheckoutCartNotReady) {
		t.Fatalf("expected cart-not-ready for missing cart, got %v", err)
	}
}

func TestCheckoutValidatesInput(t *testing.T) {
	ctx := context.Background()
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{})

	cmd := checkoutTestCommand()
	cmd.UserID = "  "
	if _, err := svc.CreateCheckoutSession(ctx, cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input for blank user, got %v", err)
	}

	cmd = checkoutTestCommand()
	cmd.CancelURL = ""
	if _, err := svc.CreateCheckoutSession(ctx, cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input for missing cancel url, got %v", err)
	}
}

func TestCheckoutZeroTotalNotReady(t *testing.T) {
	ctx := context.Background()
	pricer := &stubCartPricer{
		calculateFunc: func(_ context.Context, _ PriceCartCommand) (PriceCartResult, error) {
			return PriceCartResult{Estimate: CartEstimate{Currency: "JPY"}}, nil
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Pricer: pricer})
	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); !errors.Is(err, ErrCheckoutCartNotReady) {
		t.Fatalf("expected cart-not-ready for zero total, got %v", err)
	}
}

func TestCheckoutPaymentFailureLeavesCartOpen(t *testing.T) {
	ctx := context.Background()
	repo, store := newCartRepoWith(checkoutTestCart())
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, errors.New("stripe unreachable")
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Carts: repo, Payments: manager})

	_, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand())
	if !errors.Is(err, ErrCheckoutPaymentFailed) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if store.CheckedOutAt != nil {
		t.Fatalf("cart must stay open when the PSP rejects the session")
	}
}

func TestCheckoutUnsupportedProviderIsInvalidInput(t *testing.T) {
	ctx := context.Background()
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{}, payments.ErrUnsupportedProvider
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Payments: manager})

	cmd := checkoutTestCommand()
	cmd.Metadata = map[string]string{"provider": "paypal"}
	if _, err := svc.CreateCheckoutSession(ctx, cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
		t.Fatalf("expected invalid input for unsupported provider, got %v", err)
	}
	if manager.lastCtx == nil || manager.lastCtx.PreferredProvider != "paypal" {
		t.Fatalf("expected provider hint to reach the manager")
	}
}

func TestCheckoutIdempotencyKeyStability(t *testing.T) {
	ctx := context.Background()
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_1", Provider: "stripe"}, nil
		},
	}
	cart := checkoutTestCart()
	repo := &stubCartRepository{
		getFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return cart, nil
		},
		upsertFunc: func(_ context.Context, updated domain.Cart, _ *time.Time) (domain.Cart, error) {
			return updated, nil
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Carts: repo, Payments: manager})

	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	first := manager.lastReq.IdempotencyKey
	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("second checkout: %v", err)
	}
	if manager.lastReq.IdempotencyKey != first {
		t.Fatalf("expected stable key for unchanged cart")
	}

	cart.UpdatedAt = cart.UpdatedAt.Add(time.Minute)
	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("third checkout: %v", err)
	}
	if manager.lastReq.IdempotencyKey == first {
		t.Fatalf("expected new key after cart changed")
	}

	cmd := checkoutTestCommand()
	cmd.Metadata = map[string]string{"idempotencyKey": "client-key-1"}
	if _, err := svc.CreateCheckoutSession(ctx, cmd); err != nil {
		t.Fatalf("override checkout: %v", err)
	}
	if manager.lastReq.IdempotencyKey != "client-key-1" {
		t.Fatalf("expected client override, got %q", manager.lastReq.IdempotencyKey)
	}
}

func TestCheckoutFlagRetryAfterConflict(t *testing.T) {
	ctx := context.Background()
	cart := checkoutTestCart()
	upserts := 0
	var flagged *domain.Cart
	repo := &stubCartRepository{
		getFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return cart, nil
		},
		upsertFunc: func(_ context.Context, updated domain.Cart, _ *time.Time) (domain.Cart, error) {
			upserts++
			if upserts == 1 {
				return domain.Cart{}, &repositoryErrorStub{conflict: true}
			}
			flagged = &updated
			return updated, nil
		},
	}
	manager := &stubPaymentsManager{
		createFunc: func(_ context.Context, _ payments.PaymentContext, _ payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
			return payments.CheckoutSession{ID: "cs_retry", Provider: "stripe"}, nil
		},
	}
	svc := newCheckoutServiceForTest(t, CheckoutServiceDeps{Carts: repo, Payments: manager})

	if _, err := svc.CreateCheckoutSession(ctx, checkoutTestCommand()); err != nil {
		t.Fatalf("create checkout session: %v", err)
	}
	if upserts != 2 {
		t.Fatalf("expected one retry after conflict, got %d upserts", upserts)
	}
	if flagged == nil || flagged.CheckedOutAt == nil {
		t.Fatalf("expected retried write to flag the cart")
	}
}
