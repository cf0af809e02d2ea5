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

const (
	productIDPrefix = "prd_"
	variantIDPrefix = "var_"

	defaultRecommendationLimit = 4
	maxRecommendationLimit     = 24
)

var (
	// ErrCatalogInvalidInput indicates the caller supplied invalid data to a catalog operation.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
	// ErrCatalogNotFound indicates the requested product does not exist.
	ErrCatalogNotFound = errors.New("catalog service: not found")
	// ErrCatalogConflict indicates the product could not be written due to concurrent modifications.
	ErrCatalogConflict = errors.New("catalog service: conflict")
	// ErrCatalogUnavailable indicates the catalog backend cannot fulfil the request.
	ErrCatalogUnavailable = errors.New("catalog service: unavailable")
)

var (
	errCatalogRepositoryRequired = errors.New("catalog service: product repository is required")
	errCatalogClockRequired      = errors.New("catalog service: clock is required")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type catalogService struct {
	repo   repositories.ProductRepository
	audit  AuditLogService
	newID  func() string
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errCatalogRepositoryRequired
	}
	if deps.Clock == nil {
		return nil, errCatalogClockRequired
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &catalogService{
		repo:   deps.Products,
		audit:  deps.Audit,
		newID:  idGen,
		now:    func() time.Time { return deps.Clock().UTC() },
		logger: logger,
	}, nil
}

// ListProducts pages through the catalog, optionally filtered by event type
// tag and active flag.
func (s *catalogService) ListProducts(ctx context.Context, filter ProductFilter) (domain.CursorPage[Product], error) {
	if s == nil || s.repo == nil {
		return domain.CursorPage[Product]{}, ErrCatalogUnavailable
	}

	eventType := strings.ToLower(strings.TrimSpace(filter.EventType))
	if eventType != "" && !isKnownEventTag(eventType) {
		return domain.CursorPage[Product]{}, fmt.Errorf("%w: unknown event type %q", ErrCatalogInvalidInput, filter.EventType)
	}

	page, err := s.repo.List(ctx, repositories.ProductListFilter{
		EventType:  eventType,
		ActiveOnly: filter.ActiveOnly,
		Pagination: domain.Pagination{
			PageSize:  filter.Pagination.PageSize,
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	})
	if err != nil {
		return domain.CursorPage[Product]{}, translateCatalogError(err)
	}

	for i := range page.Items {
		page.Items[i] = sanitizeProductForServing(page.Items[i])
	}
	return page, nil
}

// GetProduct loads one product. The caller decides whether inactive products
// are presentable; the cart enforces active variants on add.
func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	if s == nil || s.repo == nil {
		return Product{}, ErrCatalogUnavailable
	}

	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product id is required", ErrCatalogInvalidInput)
	}

	product, err := s.repo.FindByID(ctx, productID)
	if err != nil {
		return Product{}, translateCatalogError(err)
	}
	return sanitizeProductForServing(product), nil
}

// RecommendProducts returns active products tagged with the event type,
// ordered by popularity. Unknown tags fall back to the catch-all bucket.
func (s *catalogService) RecommendProducts(ctx context.Context, q ProductRecommendationQuery) ([]Product, error) {
	if s == nil || s.repo == nil {
		return nil, ErrCatalogUnavailable
	}

	raw := strings.TrimSpace(q.EventType)
	if raw == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrCatalogInvalidInput)
	}
	eventType := domain.ParseEventType(raw)

	limit := q.Limit
	if limit <= 0 {
		limit = defaultRecommendationLimit
	}
	if limit > maxRecommendationLimit {
		limit = maxRecommendationLimit
	}

	page, err := s.repo.List(ctx, repositories.ProductListFilter{
		EventType:  string(eventType),
		ActiveOnly: true,
		Pagination: domain.Pagination{PageSize: limit},
	})
	if err != nil {
		return nil, translateCatalogError(err)
	}

	items := make([]Product, 0, len(page.Items))
	for _, product := range page.Items {
		items = append(items, sanitizeProductForServing(product))
	}
	return items, nil
}

// UpsertProduct validates and stores a catalog entry. Free-text fields are
// stripped of HTML before they are persisted.
func (s *catalogService) UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error) {
	if s == nil || s.repo == nil {
		return Product{}, ErrCatalogUnavailable
	}

	product, err := s.normalizeProduct(cmd.Product)
	if err != nil {
		return Product{}, err
	}

	now := s.now()

	var existing domain.Product
	if product.ID != "" {
		current, err := s.repo.FindByID(ctx, product.ID)
		if err != nil && !isRepoNotFound(err) {
			return Product{}, translateCatalogError(err)
		}
		if err == nil {
			existing = current
		}
	} else {
		product.ID = productIDPrefix + s.newID()
	}

	isCreate := existing.ID == ""
	if isCreate || existing.CreatedAt.IsZero() {
		product.CreatedAt = now
	} else {
		product.CreatedAt = existing.CreatedAt
	}
	product.UpdatedAt = now

	saved, err := s.repo.Upsert(ctx, product)
	if err != nil {
		return Product{}, translateCatalogError(err)
	}

	s.recordProductAudit(ctx, saved, strings.TrimSpace(cmd.ActorID), isCreate)
	return saved, nil
}

func (s *catalogService) normalizeProduct(product domain.Product) (domain.Product, error) {
	product.ID = strings.TrimSpace(product.ID)
	product.Name = sanitizePlainText(product.Name)
	if product.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	product.Description = sanitizePlainText(product.Description)
	product.ImageURL = strings.TrimSpace(product.ImageURL)
	product.MockupURL = strings.TrimSpace(product.MockupURL)
	if product.Popularity < 0 {
		product.Popularity = 0
	}

	tags, err := normalizeEventTags(product.EventTypes)
	if err != nil {
		return domain.Product{}, err
	}
	product.EventTypes = tags

	if len(product.Variants) == 0 {
		return domain.Product{}, fmt.Errorf("%w: at least one variant is required", ErrCatalogInvalidInput)
	}
	seen := make(map[string]struct{}, len(product.Variants))
	for i := range product.Variants {
		variant := &product.Variants[i]
		variant.ID = strings.TrimSpace(variant.ID)
		if variant.ID == "" {
			variant.ID = variantIDPrefix + s.newID()
		}
		if _, dup := seen[variant.ID]; dup {
			return domain.Product{}, fmt.Errorf("%w: duplicate variant id %s", ErrCatalogInvalidInput, variant.ID)
		}
		seen[variant.ID] = struct{}{}

		variant.Label = sanitizePlainText(variant.Label)
		if variant.Label == "" {
			return domain.Product{}, fmt.Errorf("%w: variant label is required", ErrCatalogInvalidInput)
		}
		variant.Color = sanitizePlainText(variant.Color)
		variant.Size = strings.TrimSpace(variant.Size)
		if variant.UnitPrice < 0 {
			return domain.Product{}, fmt.Errorf("%w: variant unit price must be non-negative", ErrCatalogInvalidInput)
		}
		variant.Currency = strings.ToUpper(strings.TrimSpace(variant.Currency))
		if variant.Currency == "" {
			variant.Currency = "JPY"
		}
		if !isCurrencyCode(variant.Currency) {
			return domain.Product{}, fmt.Errorf("%w: variant currency must be a 3-letter ISO code", ErrCatalogInvalidInput)
		}
	}

	if err := validateMockupGeometry(product); err != nil {
		return domain.Product{}, err
	}

	return product, nil
}

// validateMockupGeometry checks that a declared print area lies fully inside
// the mockup bounds. The canvas clamps placements against this rectangle, so
// bad geometry here would let artwork escape the printable surface.
func validateMockupGeometry(product domain.Product) error {
	area := product.PrintArea
	areaSet := area.X != 0 || area.Y != 0 || area.Width != 0 || area.Height != 0
	hasMockup := product.MockupWidth > 0 && product.MockupHeight > 0

	if !areaSet && !hasMockup {
		return nil
	}
	if areaSet && !hasMockup {
		return fmt.Errorf("%w: print area requires mockup dimensions", ErrCatalogInvalidInput)
	}
	if !areaSet {
		return fmt.Errorf("%w: mockup requires a print area", ErrCatalogInvalidInput)
	}
	if area.Width <= 0 || area.Height <= 0 {
		return fmt.Errorf("%w: print area must have positive size", ErrCatalogInvalidInput)
	}
	if area.X < 0 || area.Y < 0 || area.X+area.Width > float64(product.MockupWidth) || area.Y+area.Height > float64(product.MockupHeight) {
		return fmt.Errorf("%w: print area must lie inside the mockup", ErrCatalogInvalidInput)
	}
	return nil
}

func (s *catalogService) recordProductAudit(ctx context.Context, product domain.Product, actorID string, isCreate bool) {
	if s.audit == nil {
		return
	}
	action := "catalog.product.update"
	if isCreate {
		action = "catalog.product.create"
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actorID,
		ActorType:  "staff",
		Action:     action,
		TargetRef:  "/products/" + product.ID,
		Severity:   "info",
		OccurredAt: product.UpdatedAt,
		Metadata: map[string]any{
			"productId": product.ID,
			"name":      product.Name,
			"active":    product.Active,
			"variants":  len(product.Variants),
		},
	})
}

// sanitizeProductForServing strips HTML from free-text fields. The product
// database is maintained outside this API, so serving cannot assume clean
// ingest.
func sanitizeProductForServing(product domain.Product) domain.Product {
	product.Name = sanitizePlainText(product.Name)
	product.Description = sanitizePlainText(product.Description)
	for i := range product.Variants {
		product.Variants[i].Label = sanitizePlainText(product.Variants[i].Label)
	}
	return product
}

func normalizeEventTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		lowered := strings.ToLower(strings.TrimSpace(tag))
		if lowered == "" {
			continue
		}
		if !isKnownEventTag(lowered) {
			return nil, fmt.Errorf("%w: unknown event type tag %q", ErrCatalogInvalidInput, tag)
		}
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, lowered)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// isKnownEventTag reports whether the tag belongs to the closed event type
// set. ParseEventType maps unknown values to the catch-all bucket, so a tag
// is valid exactly when it round-trips.
func isKnownEventTag(tag string) bool {
	return string(domain.ParseEventType(tag)) == tag
}

func isCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func translateCatalogError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCatalogNotFound
		case repoErr.IsConflict():
			return ErrCatalogConflict
		case repoErr.IsUnavailable():
			return ErrCatalogUnavailable
		}
		return ErrCatalogUnavailable
	}
	return ErrCatalogUnavailable
}
