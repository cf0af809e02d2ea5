package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartCatalogRequired    = errors.New("cart service: product catalog is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

const cartItemIDPrefix = "itm_"

// productFinder resolves catalog entries for line-item summaries and pricing.
type productFinder interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// designFinder resolves saved designs referenced by line items.
type designFinder interface {
	FindByID(ctx context.Context, designID string) (domain.Design, error)
}

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart or line item does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// CartServiceDeps wires the repository, catalog and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Products        productFinder
	Designs         designFinder
	Pricer          CartPricer
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	repo     repositories.CartRepository
	products productFinder
	designs  designFinder
	pricer   CartPricer
	newID    func() string
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartCatalogRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "JPY"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	service := &cartService{
		repo:     deps.Repository,
		products: deps.Products,
		designs:  deps.Designs,
		pricer:   deps.Pricer,
		newID:    idGen,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}
	return service, nil
}

// GetOrCreateCart loads the cart for the user, creating an empty cart when absent.
func (s *cartService) GetOrCreateCart(ctx context.Context, userID string) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.loadOrCreateCart(ctx, uid)
	if err != nil {
		return Cart{}, err
	}
	if err := s.priceCart(ctx, &cart); err != nil {
		return Cart{}, err
	}
	return cart, nil
}

// AddOrUpdateItem adds a catalog line to the cart or, when ItemID is set,
// adjusts an existing line. Unit prices always come from the catalog, never
// from the caller.
func (s *cartService) AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, ErrCartInvalidInput
	}

	if cmd.ItemID != nil {
		return s.updateItem(ctx, userID, cmd)
	}
	return s.addItem(ctx, userID, cmd)
}

func (s *cartService) addItem(ctx context.Context, userID string, cmd UpsertCartItemCommand) (Cart, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}
	variantID := strings.TrimSpace(cmd.VariantID)
	if variantID == "" {
		return Cart{}, fmt.Errorf("%w: variant_id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}

	product, variant, err := s.resolveVariant(ctx, productID, variantID)
	if err != nil {
		return Cart{}, err
	}

	designRef, previewURL, err := s.resolveDesign(ctx, userID, cmd.DesignID)
	if err != nil {
		return Cart{}, err
	}

	cart, err := s.loadOrCreateCart(ctx, userID)
	if err != nil {
		return Cart{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(variant.Currency))
	if currency == "" {
		currency = cart.Currency
	}
	if !strings.EqualFold(currency, cart.Currency) {
		return Cart{}, fmt.Errorf("%w: item currency must match cart currency", ErrCartInvalidInput)
	}

	items := cloneCartItems(cart.Items)

	matchIdx := -1
	for i := range items {
		if !strings.EqualFold(strings.TrimSpace(items[i].ProductID), productID) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(items[i].VariantID), variantID) {
			continue
		}
		if !equalDesignRef(items[i].DesignRef, designRef) {
			continue
		}
		matchIdx = i
		break
	}

	if matchIdx >= 0 {
		items[matchIdx].Quantity += cmd.Quantity
		// Catalog changes propagate whenever the line is touched.
		items[matchIdx].UnitPrice = variant.UnitPrice
		items[matchIdx].ProductName = product.Name
		items[matchIdx].VariantLabel = variant.Label
		if previewURL != "" {
			items[matchIdx].DesignPreviewURL = previewURL
		}
	} else {
		newItem := domain.CartItem{
			ID:               cartItemIDPrefix + strings.TrimSpace(s.newID()),
			ProductID:        productID,
			VariantID:        variantID,
			ProductName:      product.Name,
			VariantLabel:     variant.Label,
			ImageURL:         product.ImageURL,
			DesignRef:        cloneStringPointer(designRef),
			DesignPreviewURL: previewURL,
			Quantity:         cmd.Quantity,
			UnitPrice:        variant.UnitPrice,
			Currency:         currency,
		}
		items = append(items, newItem)
	}

	return s.persistItems(ctx, userID, items)
}

func (s *cartService) updateItem(ctx context.Context, userID string, cmd UpsertCartItemCommand) (Cart, error) {
	itemID := strings.TrimSpace(*cmd.ItemID)
	if itemID == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, userID)

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, itemID)
	if idx < 0 {
		return Cart{}, ErrCartNotFound
	}

	if cmd.Quantity <= 0 {
		// Zero or negative quantity removes the line.
		items = append(items[:idx], items[idx+1:]...)
		return s.persistItems(ctx, userID, items)
	}

	items[idx].Quantity = cmd.Quantity
	if cmd.DesignID != nil {
		designRef, previewURL, err := s.resolveDesign(ctx, userID, cmd.DesignID)
		if err != nil {
			return Cart{}, err
		}
		items[idx].DesignRef = cloneStringPointer(designRef)
		items[idx].DesignPreviewURL = previewURL
	}

	return s.persistItems(ctx, userID, items)
}

// RemoveItem drops the identified line from the cart.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, ErrCartInvalidInput
	}

	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, userID)

	items := cloneCartItems(cart.Items)
	idx := indexOfCartItem(items, itemID)
	if idx < 0 {
		return Cart{}, ErrCartNotFound
	}
	items = append(items[:idx], items[idx+1:]...)

	return s.persistItems(ctx, userID, items)
}

// Estimate recomputes the derived totals for the user's cart.
func (s *cartService) Estimate(ctx context.Context, userID string) (CartEstimate, error) {
	if s == nil || s.repo == nil {
		return CartEstimate{}, ErrCartUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return CartEstimate{}, ErrCartInvalidInput
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return CartEstimate{}, ErrCartNotFound
		}
		return CartEstimate{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, uid)

	if err := s.priceCart(ctx, &cart); err != nil {
		return CartEstimate{}, err
	}
	return *cart.Estimate, nil
}

// ClearCart removes every line from the user's cart. Clearing an absent cart
// is a no-op.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	if s == nil || s.repo == nil {
		return ErrCartUnavailable
	}

	uid := strings.TrimSpace(userID)
	if uid == "" {
		return ErrCartInvalidInput
	}

	if _, err := s.repo.ReplaceItems(ctx, uid, nil); err != nil {
		if isRepoNotFound(err) {
			return nil
		}
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) loadOrCreateCart(ctx context.Context, userID string) (domain.Cart, error) {
	cart, err := s.repo.GetCart(ctx, userID)
	if err == nil {
		return s.normaliseCart(cart, userID), nil
	}
	if !isRepoNotFound(err) {
		return domain.Cart{}, s.translateRepoError(err)
	}

	saved, err := s.repo.UpsertCart(ctx, s.newCart(userID), nil)
	if err != nil {
		return domain.Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(saved, userID), nil
}

func (s *cartService) resolveVariant(ctx context.Context, productID, variantID string) (domain.Product, domain.ProductVariant, error) {
	if s.products == nil {
		return domain.Product{}, domain.ProductVariant{}, ErrCartUnavailable
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("%w: product not found", ErrCartInvalidInput)
		}
		return domain.Product{}, domain.ProductVariant{}, ErrCartUnavailable
	}
	if !product.Active {
		return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("%w: product is not available", ErrCartInvalidInput)
	}

	variant, ok := product.Variant(variantID)
	if !ok {
		return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("%w: unknown product variant", ErrCartInvalidInput)
	}
	if !variant.Active {
		return domain.Product{}, domain.ProductVariant{}, fmt.Errorf("%w: variant is not available", ErrCartInvalidInput)
	}

	return product, variant, nil
}

func (s *cartService) resolveDesign(ctx context.Context, userID string, designID *string) (*string, string, error) {
	if designID == nil {
		return nil, "", nil
	}
	trimmed := strings.TrimSpace(*designID)
	if trimmed == "" {
		return nil, "", nil
	}
	if s.designs == nil {
		return nil, "", ErrCartUnavailable
	}

	design, err := s.designs.FindByID(ctx, trimmed)
	if err != nil {
		if isRepoNotFound(err) {
			return nil, "", fmt.Errorf("%w: design not found", ErrCartInvalidInput)
		}
		return nil, "", ErrCartUnavailable
	}
	if strings.TrimSpace(design.UserID) != userID {
		return nil, "", fmt.Errorf("%w: design does not belong to user", ErrCartInvalidInput)
	}

	return designRefFromID(design.ID), strings.TrimSpace(design.ImageURL), nil
}

func (s *cartService) persistItems(ctx context.Context, userID string, items []domain.CartItem) (Cart, error) {
	saved, err := s.repo.ReplaceItems(ctx, userID, items)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	saved = s.normaliseCart(saved, userID)

	if err := s.priceCart(ctx, &saved); err != nil {
		return Cart{}, err
	}
	return saved, nil
}

func (s *cartService) priceCart(ctx context.Context, cart *domain.Cart) error {
	if s.pricer == nil {
		estimate := CartEstimate{
			Currency: cart.Currency,
			Subtotal: cart.Subtotal,
			Total:    cart.Subtotal,
		}
		cart.Estimate = &estimate
		return nil
	}

	result, err := s.pricer.Calculate(ctx, PriceCartCommand{Cart: *cart})
	if err != nil {
		s.logger(ctx, "cart.pricing_failed", map[string]any{
			"userID": cart.UserID,
			"error":  err.Error(),
		})
		return translatePricingError(err)
	}
	estimate := result.Estimate
	cart.Estimate = &estimate
	return nil
}

func (s *cartService) newCart(userID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        userID,
		UserID:    userID,
		Currency:  s.currency,
		Items:     []domain.CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// normaliseCart repairs identifiers, defaults the currency and recomputes the
// running subtotal from the lines.
func (s *cartService) normaliseCart(cart domain.Cart, userID string) domain.Cart {
	if cart.ID = strings.TrimSpace(cart.ID); cart.ID == "" {
		cart.ID = userID
	}
	cart.UserID = strings.TrimSpace(firstNonEmpty(cart.UserID, userID))
	cart.Currency = strings.ToUpper(strings.TrimSpace(firstNonEmpty(cart.Currency, s.currency)))
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	cart.Subtotal = cartSubtotal(cart.Items)
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = s.now()
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	return cart
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
		return ErrCartUnavailable
	}
	return ErrCartUnavailable
}

func translatePricingError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCartPricingInvalidInput) {
		return ErrCartInvalidInput
	}
	if errors.Is(err, ErrCartPricingCurrencyMismatch) {
		return ErrCartInvalidInput
	}
	return ErrCartUnavailable
}

func cartSubtotal(items []domain.CartItem) int64 {
	var subtotal int64
	for _, item := range items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			continue
		}
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	return subtotal
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func cloneCartItems(items []domain.CartItem) []domain.CartItem {
	if len(items) == 0 {
		return []domain.CartItem{}
	}
	dup := make([]domain.CartItem, len(items))
	copy(dup, items)
	for i := range dup {
		dup[i].DesignRef = cloneStringPointer(dup[i].DesignRef)
	}
	return dup
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	dup := *value
	return &dup
}

func designRefFromID(designID string) *string {
	trimmed := strings.TrimSpace(designID)
	if trimmed == "" {
		return nil
	}
	for strings.HasPrefix(trimmed, "/") {
		trimmed = strings.TrimPrefix(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "designs/") {
		trimmed = "designs/" + trimmed
	}
	ref := "/" + trimmed
	return &ref
}

func equalDesignRef(a *string, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return strings.TrimSpace(*a) == strings.TrimSpace(*b)
}

func indexOfCartItem(items []domain.CartItem, itemID string) int {
	target := strings.TrimSpace(itemID)
	if target == "" {
		return -1
	}
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.ID), target) {
			return i
		}
	}
	return -1
}
