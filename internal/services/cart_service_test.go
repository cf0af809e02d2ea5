package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
)

type stubCartRepository struct {
	getFunc     func(ctx context.Context, userID string) (domain.Cart, error)
	upsertFunc  func(ctx context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error)
	replaceFunc func(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error)
}

func (s *stubCartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, userID)
	}
	return domain.Cart{}, errors.New("not implemented")
}

func (s *stubCartRepository) UpsertCart(ctx context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error) {
	if s.upsertFunc != nil {
		return s.upsertFunc(ctx, cart, expected)
	}
	return cart, nil
}

func (s *stubCartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	if s.replaceFunc != nil {
		return s.replaceFunc(ctx, userID, items)
	}
	return domain.Cart{}, errors.New("not implemented")
}

type stubCartPricer struct {
	calculateFunc func(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error)
}

func (s *stubCartPricer) Calculate(ctx context.Context, cmd PriceCartCommand) (PriceCartResult, error) {
	if s.calculateFunc != nil {
		return s.calculateFunc(ctx, cmd)
	}
	return PriceCartResult{}, nil
}

type stubProductFinder struct {
	findFunc func(ctx context.Context, productID string) (domain.Product, error)
}

func (s *stubProductFinder) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, productID)
	}
	return domain.Product{}, errors.New("not implemented")
}

type stubDesignFinder struct {
	findFunc func(ctx context.Context, designID string) (domain.Design, error)
}

func (s *stubDesignFinder) FindByID(ctx context.Context, designID string) (domain.Design, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, designID)
	}
	return domain.Design{}, errors.New("not implemented")
}

// newCartRepoWith returns a stub backed by a single mutable cart. ReplaceItems
// recomputes the stored subtotal the way the Firestore repository does.
func newCartRepoWith(initial domain.Cart) (*stubCartRepository, *domain.Cart) {
	store := &initial
	repo := &stubCartRepository{
		getFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			if store.ID == "" {
				return domain.Cart{}, &repositoryErrorStub{notFound: true}
			}
			return *store, nil
		},
		upsertFunc: func(_ context.Context, cart domain.Cart, _ *time.Time) (domain.Cart, error) {
			*store = cart
			return *store, nil
		},
		replaceFunc: func(_ context.Context, _ string, items []domain.CartItem) (domain.Cart, error) {
			if store.ID == "" {
				return domain.Cart{}, &repositoryErrorStub{notFound: true}
			}
			store.Items = items
			var subtotal int64
			for _, item := range items {
				subtotal += item.UnitPrice * int64(item.Quantity)
			}
			store.Subtotal = subtotal
			return *store, nil
		},
	}
	return repo, store
}

func testCatalogProduct() domain.Product {
	return domain.Product{
		ID:       "prd_tshirt",
		Name:     "Classic Tee",
		ImageURL: "https://storage.googleapis.com/genai-merch-assets/products/prd_tshirt/hero.png",
		Active:   true,
		Variants: []domain.ProductVariant{
			{ID: "var_s_white", Label: "S / White", UnitPrice: 1800, Currency: "JPY", Active: true},
			{ID: "var_m_navy", Label: "M / Navy", UnitPrice: 2000, Currency: "JPY", Active: true},
			{ID: "var_l_black", Label: "L / Black", UnitPrice: 2200, Currency: "JPY", Active: false},
		},
	}
}

func testCartBase() domain.Cart {
	created := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	return domain.Cart{
		ID:        "user-1",
		UserID:    "user-1",
		Currency:  "JPY",
		Items:     []domain.CartItem{},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func newCartServiceForTest(t *testing.T, deps CartServiceDeps) CartService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Date(2025, 5, 6, 9, 30, 0, 0, time.UTC) }
	}
	if deps.Products == nil {
		deps.Products = &stubProductFinder{}
	}
	service, err := NewCartService(deps)
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return service
}

func TestCartServiceGetOrCreateCartCreatesDefault(t *testing.T) {
	var createdCart *domain.Cart
	repo := &stubCartRepository{
		getFunc: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
		upsertFunc: func(_ context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error) {
			if expected != nil {
				t.Errorf("creating a cart must not carry an optimistic lock")
			}
			createdCart = &cart
			return cart, nil
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo})

	cart, err := service.GetOrCreateCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetOrCreateCart: %v", err)
	}
	if createdCart == nil {
		t.Fatalf("expected the default cart to be persisted")
	}
	if cart.ID != "user-1" || cart.UserID != "user-1" {
		t.Fatalf("expected user-keyed cart, got %q/%q", cart.ID, cart.UserID)
	}
	if cart.Currency != "JPY" {
		t.Fatalf("expected default currency JPY, got %q", cart.Currency)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected empty cart, got %d items", len(cart.Items))
	}
	if cart.Estimate == nil || cart.Estimate.Total != 0 {
		t.Fatalf("expected zero estimate, got %#v", cart.Estimate)
	}
}

func TestCartServiceAddItemResolvesCatalogSummaries(t *testing.T) {
	repo, store := newCartRepoWith(testCartBase())
	products := &stubProductFinder{
		findFunc: func(_ context.Context, productID string) (domain.Product, error) {
			if productID != "prd_tshirt" {
				return domain.Product{}, &repositoryErrorStub{notFound: true}
			}
			return testCatalogProduct(), nil
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{
		Repository:  repo,
		Products:    products,
		IDGenerator: func() string { return "01HNEW" },
	})

	cart, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:    "user-1",
		ProductID: "prd_tshirt",
		VariantID: "var_m_navy",
		Quantity:  2,
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}

	if len(store.Items) != 1 {
		t.Fatalf("expected 1 line, got %d", len(store.Items))
	}
	line := store.Items[0]
	if line.ID != "itm_01HNEW" {
		t.Fatalf("expected generated item id, got %q", line.ID)
	}
	if line.ProductName != "Classic Tee" || line.VariantLabel != "M / Navy" {
		t.Fatalf("expected catalog summaries, got %q/%q", line.ProductName, line.VariantLabel)
	}
	if line.UnitPrice != 2000 || line.Currency != "JPY" {
		t.Fatalf("expected catalog price 2000 JPY, got %d %s", line.UnitPrice, line.Currency)
	}
	if line.DesignRef != nil {
		t.Fatalf("expected no design reference, got %q", *line.DesignRef)
	}
	if cart.Subtotal != 4000 {
		t.Fatalf("expected running subtotal 4000, got %d", cart.Subtotal)
	}
	if cart.Estimate == nil || cart.Estimate.Subtotal != 4000 {
		t.Fatalf("expected derived estimate, got %#v", cart.Estimate)
	}
}

func TestCartServiceAddItemAttachesDesignReference(t *testing.T) {
	repo, store := newCartRepoWith(testCartBase())
	products := &stubProductFinder{
		findFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return testCatalogProduct(), nil
		},
	}
	designs := &stubDesignFinder{
		findFunc: func(_ context.Context, designID string) (domain.Design, error) {
			if designID != "dsg_9" {
				return domain.Design{}, &repositoryErrorStub{notFound: true}
			}
			return domain.Design{
				ID:       "dsg_9",
				UserID:   "user-1",
				ImageURL: "https://storage.googleapis.com/genai-merch-assets/designs/dsg_9/master.png",
			}, nil
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{
		Repository: repo,
		Products:   products,
		Designs:    designs,
	})

	_, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:    "user-1",
		ProductID: "prd_tshirt",
		VariantID: "var_s_white",
		Quantity:  1,
		DesignID:  strPtr("dsg_9"),
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}

	line := store.Items[0]
	if line.DesignRef == nil || *line.DesignRef != "/designs/dsg_9" {
		t.Fatalf("expected design ref /designs/dsg_9, got %v", line.DesignRef)
	}
	if !strings.HasSuffix(line.DesignPreviewURL, "dsg_9/master.png") {
		t.Fatalf("expected design preview url, got %q", line.DesignPreviewURL)
	}
}

func TestCartServiceAddItemMergesSameVariantAndDesign(t *testing.T) {
	ref := "/designs/dsg_9"
	initial := testCartBase()
	initial.Items = []domain.CartItem{{
		ID:           "itm_existing",
		ProductID:    "prd_tshirt",
		VariantID:    "var_m_navy",
		ProductName:  "Classic Tee",
		VariantLabel: "M / Navy",
		DesignRef:    &ref,
		Quantity:     1,
		UnitPrice:    1800,
		Currency:     "JPY",
	}}
	repo, store := newCartRepoWith(initial)

	products := &stubProductFinder{
		findFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return testCatalogProduct(), nil
		},
	}
	designs := &stubDesignFinder{
		findFunc: func(_ context.Context, _ string) (domain.Design, error) {
			return domain.Design{ID: "dsg_9", UserID: "user-1", ImageURL: "https://example.com/dsg_9.png"}, nil
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{
		Repository: repo,
		Products:   products,
		Designs:    designs,
	})

	cart, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:    "user-1",
		ProductID: "prd_tshirt",
		VariantID: "var_m_navy",
		Quantity:  2,
		DesignID:  strPtr("dsg_9"),
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}

	if len(store.Items) != 1 {
		t.Fatalf("expected merged single line, got %d", len(store.Items))
	}
	line := store.Items[0]
	if line.ID != "itm_existing" {
		t.Fatalf("expected the existing line to absorb the add, got %q", line.ID)
	}
	if line.Quantity != 3 {
		t.Fatalf("expected merged quantity 3, got %d", line.Quantity)
	}
	if line.UnitPrice != 2000 {
		t.Fatalf("expected refreshed catalog price 2000, got %d", line.UnitPrice)
	}
	if cart.Subtotal != 6000 {
		t.Fatalf("expected recomputed subtotal 6000, got %d", cart.Subtotal)
	}
}

func TestCartServiceAddItemRejectsForeignDesign(t *testing.T) {
	repo, _ := newCartRepoWith(testCartBase())
	products := &stubProductFinder{
		findFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return testCatalogProduct(), nil
		},
	}
	designs := &stubDesignFinder{
		findFunc: func(_ context.Context, _ string) (domain.Design, error) {
			return domain.Design{ID: "dsg_9", UserID: "someone-else"}, nil
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{
		Repository: repo,
		Products:   products,
		Designs:    designs,
	})

	_, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:    "user-1",
		ProductID: "prd_tshirt",
		VariantID: "var_s_white",
		Quantity:  1,
		DesignID:  strPtr("dsg_9"),
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestCartServiceAddItemRejectsInactiveVariant(t *testing.T) {
	repo, _ := newCartRepoWith(testCartBase())
	products := &stubProductFinder{
		findFunc: func(_ context.Context, _ string) (domain.Product, error) {
			return testCatalogProduct(), nil
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo, Products: products})

	_, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:    "user-1",
		ProductID: "prd_tshirt",
		VariantID: "var_l_black",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput for inactive variant, got %v", err)
	}

	_, err = service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:    "user-1",
		ProductID: "prd_tshirt",
		VariantID: "var_unknown",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput for unknown variant, got %v", err)
	}
}

func TestCartServiceUpdateItemQuantity(t *testing.T) {
	initial := testCartBase()
	initial.Items = []domain.CartItem{{
		ID:        "itm_1",
		ProductID: "prd_tshirt",
		VariantID: "var_m_navy",
		Quantity:  1,
		UnitPrice: 2000,
		Currency:  "JPY",
	}}
	repo, store := newCartRepoWith(initial)

	products := &stubProductFinder{
		findFunc: func(_ context.Context, _ string) (domain.Product, error) {
			t.Errorf("quantity updates must not consult the catalog")
			return domain.Product{}, errors.New("unexpected")
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo, Products: products})

	cart, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:   "user-1",
		ItemID:   strPtr("itm_1"),
		Quantity: 5,
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}
	if store.Items[0].Quantity != 5 {
		t.Fatalf("expected quantity 5, got %d", store.Items[0].Quantity)
	}
	if cart.Subtotal != 10000 {
		t.Fatalf("expected subtotal 10000, got %d", cart.Subtotal)
	}
}

func TestCartServiceUpdateItemQuantityZeroRemovesLine(t *testing.T) {
	initial := testCartBase()
	initial.Items = []domain.CartItem{{
		ID:        "itm_1",
		ProductID: "prd_tshirt",
		VariantID: "var_m_navy",
		Quantity:  2,
		UnitPrice: 2000,
		Currency:  "JPY",
	}}
	repo, store := newCartRepoWith(initial)

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo})

	cart, err := service.AddOrUpdateItem(context.Background(), UpsertCartItemCommand{
		UserID:   "user-1",
		ItemID:   strPtr("itm_1"),
		Quantity: 0,
	})
	if err != nil {
		t.Fatalf("AddOrUpdateItem: %v", err)
	}
	if len(store.Items) != 0 {
		t.Fatalf("expected line removed, got %d items", len(store.Items))
	}
	if cart.Subtotal != 0 {
		t.Fatalf("expected subtotal reset to 0, got %d", cart.Subtotal)
	}
}

func TestCartServiceRemoveItemUnknownID(t *testing.T) {
	repo, _ := newCartRepoWith(testCartBase())
	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo})

	_, err := service.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ItemID: "itm_missing"})
	if !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestCartServiceEstimateDerivesTotals(t *testing.T) {
	initial := testCartBase()
	initial.Items = []domain.CartItem{
		{ID: "itm_1", Quantity: 2, UnitPrice: 1800, Currency: "JPY"},
		{ID: "itm_2", Quantity: 1, UnitPrice: 1800, Currency: "JPY"},
	}
	repo, _ := newCartRepoWith(initial)

	pricer, err := NewStaticCartPricer(StaticCartPricerDeps{})
	if err != nil {
		t.Fatalf("NewStaticCartPricer: %v", err)
	}

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo, Pricer: pricer})

	estimate, err := service.Estimate(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if estimate.Subtotal != 5400 {
		t.Fatalf("expected subtotal 5400, got %d", estimate.Subtotal)
	}
	if estimate.Shipping != 500 {
		t.Fatalf("expected shipping 500, got %d", estimate.Shipping)
	}
	if estimate.Total != 5900 {
		t.Fatalf("expected total 5900, got %d", estimate.Total)
	}
}

func TestCartServicePricingFailureSurfacesAsInvalidInput(t *testing.T) {
	repo, _ := newCartRepoWith(testCartBase())
	pricer := &stubCartPricer{
		calculateFunc: func(_ context.Context, _ PriceCartCommand) (PriceCartResult, error) {
			return PriceCartResult{}, ErrCartPricingCurrencyMismatch
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo, Pricer: pricer})

	_, err := service.GetOrCreateCart(context.Background(), "user-1")
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestCartServiceClearCartMissingCartIsNoOp(t *testing.T) {
	repo := &stubCartRepository{
		replaceFunc: func(_ context.Context, _ string, _ []domain.CartItem) (domain.Cart, error) {
			return domain.Cart{}, &repositoryErrorStub{notFound: true}
		},
	}

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo})

	if err := service.ClearCart(context.Background(), "user-1"); err != nil {
		t.Fatalf("expected clearing an absent cart to be a no-op, got %v", err)
	}
}

func TestCartServiceClearCartEmptiesLines(t *testing.T) {
	initial := testCartBase()
	initial.Items = []domain.CartItem{{ID: "itm_1", Quantity: 1, UnitPrice: 2000, Currency: "JPY"}}
	repo, store := newCartRepoWith(initial)

	service := newCartServiceForTest(t, CartServiceDeps{Repository: repo})

	if err := service.ClearCart(context.Background(), "user-1"); err != nil {
		t.Fatalf("ClearCart: %v", err)
	}
	if len(store.Items) != 0 {
		t.Fatalf("expected all lines removed, got %d", len(store.Items))
	}
	if store.Subtotal != 0 {
		t.Fatalf("expected subtotal reset, got %d", store.Subtotal)
	}
}
