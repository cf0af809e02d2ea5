package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/genai-merch/api/internal/domain"
	pfirestore "github.com/genai-merch/api/internal/platform/firestore"
	"github.com/genai-merch/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists per-user carts within Firestore. The cart document
// is keyed by user ID and carries its line items inline.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// UpsertCart persists the cart document using the user ID as document
// identifier. When expected is provided the write carries a last-update
// precondition.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	cartID := strings.TrimSpace(firstCartID(cart))
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := encodeCartDocument(cart)
	doc.CreatedAt = createdAt
	doc.UpdatedAt = now

	if expected == nil || expected.IsZero() {
		result, err := r.base.Set(ctx, cartID, doc)
		if err != nil {
			return domain.Cart{}, err
		}
		saved := cloneCart(cart)
		saved.ID = cartID
		saved.UserID = cartID
		saved.CreatedAt = createdAt
		saved.UpdatedAt = result.UpdateTime
		return saved, nil
	}

	want := expected.UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, cartID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if !snapshot.UpdateTime.Equal(want) {
			return status.Errorf(codes.FailedPrecondition, "cart %s modified concurrently", cartID)
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.upsert", err)
	}

	saved := cloneCart(cart)
	saved.ID = cartID
	saved.UserID = cartID
	saved.CreatedAt = createdAt
	saved.UpdatedAt = now
	return saved, nil
}

// GetCart loads the cart for the given user ID.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	return decodeCartDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// ReplaceItems swaps the full item list in a transaction, recomputing the
// stored subtotal from the new lines.
func (r *CartRepository) ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	var updated domain.Cart

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc cartDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return err
		}

		doc.Items = encodeCartItems(items)
		doc.ItemsCount = len(doc.Items)
		doc.Subtotal = sumCartItems(items)
		doc.UpdatedAt = now

		updated = decodeCartDocument(uid, doc, snapshot.CreateTime, now)
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.replace_items", err)
	}
	return updated, nil
}

func firstCartID(cart domain.Cart) string {
	if strings.TrimSpace(cart.ID) != "" {
		return strings.TrimSpace(cart.ID)
	}
	return strings.TrimSpace(cart.UserID)
}

func cloneCart(cart domain.Cart) domain.Cart {
	dup := cart
	if cart.Items != nil {
		dup.Items = make([]domain.CartItem, len(cart.Items))
		copy(dup.Items, cart.Items)
	}
	if cart.Estimate != nil {
		estimate := *cart.Estimate
		dup.Estimate = &estimate
	}
	return dup
}

func sumCartItems(items []domain.CartItem) int64 {
	var total int64
	for _, item := range items {
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

type cartDocument struct {
	Currency     string                `firestore:"currency"`
	Items        []cartItemDocument    `firestore:"items,omitempty"`
	ItemsCount   int                   `firestore:"itemsCount"`
	Subtotal     int64                 `firestore:"subtotal"`
	Estimates    *cartEstimateDocument `firestore:"estimates,omitempty"`
	CheckedOutAt *time.Time            `firestore:"checkedOutAt,omitempty"`
	CreatedAt    time.Time             `firestore:"createdAt"`
	UpdatedAt    time.Time             `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID               string `firestore:"id"`
	ProductID        string `firestore:"productId"`
	VariantID        string `firestore:"variantId"`
	ProductName      string `firestore:"productName"`
	VariantLabel     string `firestore:"variantLabel,omitempty"`
	ImageURL         string `firestore:"imageUrl,omitempty"`
	DesignRef        string `firestore:"designRef,omitempty"`
	DesignPreviewURL string `firestore:"designPreviewUrl,omitempty"`
	Quantity         int    `firestore:"quantity"`
	UnitPrice        int64  `firestore:"unitPrice"`
	Currency         string `firestore:"currency"`
}

type cartEstimateDocument struct {
	Currency string `firestore:"currency"`
	Subtotal int64  `firestore:"subtotal"`
	Discount int64  `firestore:"discount"`
	Tax      int64  `firestore:"tax"`
	Shipping int64  `firestore:"shipping"`
	Total    int64  `firestore:"total"`
}

func encodeCartDocument(cart domain.Cart) cartDocument {
	doc := cartDocument{
		Currency:     strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:        encodeCartItems(cart.Items),
		ItemsCount:   len(cart.Items),
		Subtotal:     cart.Subtotal,
		CheckedOutAt: normalizeTimePointer(cart.CheckedOutAt),
	}
	if cart.Estimate != nil {
		doc.Estimates = &cartEstimateDocument{
			Currency: strings.ToUpper(strings.TrimSpace(cart.Estimate.Currency)),
			Subtotal: cart.Estimate.Subtotal,
			Discount: cart.Estimate.Discount,
			Tax:      cart.Estimate.Tax,
			Shipping: cart.Estimate.Shipping,
			Total:    cart.Estimate.Total,
		}
	}
	return doc
}

func encodeCartItems(items []domain.CartItem) []cartItemDocument {
	if len(items) == 0 {
		return nil
	}
	docs := make([]cartItemDocument, 0, len(items))
	for _, item := range items {
		doc := cartItemDocument{
			ID:               strings.TrimSpace(item.ID),
			ProductID:        strings.TrimSpace(item.ProductID),
			VariantID:        strings.TrimSpace(item.VariantID),
			ProductName:      strings.TrimSpace(item.ProductName),
			VariantLabel:     strings.TrimSpace(item.VariantLabel),
			ImageURL:         strings.TrimSpace(item.ImageURL),
			DesignPreviewURL: strings.TrimSpace(item.DesignPreviewURL),
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice,
			Currency:         strings.ToUpper(strings.TrimSpace(item.Currency)),
		}
		if item.DesignRef != nil {
			doc.DesignRef = strings.TrimSpace(*item.DesignRef)
		}
		docs = append(docs, doc)
	}
	return docs
}

func decodeCartDocument(id string, doc cartDocument, createdAt, updatedAt time.Time) domain.Cart {
	cart := domain.Cart{
		ID:           strings.TrimSpace(id),
		UserID:       strings.TrimSpace(id),
		Currency:     strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Items:        []domain.CartItem{},
		Subtotal:     doc.Subtotal,
		CheckedOutAt: normalizeTimePointer(doc.CheckedOutAt),
		CreatedAt:    chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:    chooseTime(doc.UpdatedAt, updatedAt),
	}
	for _, item := range doc.Items {
		decoded := domain.CartItem{
			ID:               strings.TrimSpace(item.ID),
			ProductID:        strings.TrimSpace(item.ProductID),
			VariantID:        strings.TrimSpace(item.VariantID),
			ProductName:      strings.TrimSpace(item.ProductName),
			VariantLabel:     strings.TrimSpace(item.VariantLabel),
			ImageURL:         strings.TrimSpace(item.ImageURL),
			DesignPreviewURL: strings.TrimSpace(item.DesignPreviewURL),
			Quantity:         item.Quantity,
			UnitPrice:        item.UnitPrice,
			Currency:         strings.ToUpper(strings.TrimSpace(item.Currency)),
		}
		if ref := strings.TrimSpace(item.DesignRef); ref != "" {
			decoded.DesignRef = &ref
		}
		cart.Items = append(cart.Items, decoded)
	}
	if doc.Estimates != nil {
		cart.Estimate = &domain.CartEstimate{
			Currency: strings.ToUpper(strings.TrimSpace(doc.Estimates.Currency)),
			Subtotal: doc.Estimates.Subtotal,
			Discount: doc.Estimates.Discount,
			Tax:      doc.Estimates.Tax,
			Shipping: doc.Estimates.Shipping,
			Total:    doc.Estimates.Total,
		}
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)
