package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/genai-merch/api/internal/domain"
	pfirestore "github.com/genai-merch/api/internal/platform/firestore"
	"github.com/genai-merch/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository stores the product catalogue.
type ProductRepository struct {
	base *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &ProductRepository{base: base}, nil
}

// List returns products matching the filter ordered by popularity.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		popularity, tokenID, err := decodeProductListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("product repository: invalid page token: %w", err)
		}
		startAfter = []any{popularity, tokenID}
	}

	eventType := strings.TrimSpace(filter.EventType)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		if eventType != "" {
			q = q.Where("eventTypes", "array-contains", eventType)
		}
		q = q.OrderBy("popularity", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Product]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		nextToken = encodeProductListToken(last.Data.Popularity, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Product, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeProductDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Product]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// FindByID fetches a single product.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc, err := r.base.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return decodeProductDocument(productID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// Upsert writes a product document, used by catalogue seeding and admin tooling.
func (r *ProductRepository) Upsert(ctx context.Context, product domain.Product) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(product.ID)
	if productID == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}
	doc := encodeProductDocument(product)
	result, err := r.base.Set(ctx, productID, doc)
	if err != nil {
		return domain.Product{}, err
	}
	saved := product
	saved.ID = productID
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

type productDocument struct {
	Name         string                   `firestore:"name"`
	Description  string                   `firestore:"description,omitempty"`
	ImageURL     string                   `firestore:"imageUrl,omitempty"`
	EventTypes   []string                 `firestore:"eventTypes,omitempty"`
	Popularity   int                      `firestore:"popularity"`
	Active       bool                     `firestore:"active"`
	Variants     []productVariantDocument `firestore:"variants,omitempty"`
	MockupURL    string                   `firestore:"mockupUrl,omitempty"`
	MockupWidth  int                      `firestore:"mockupWidth,omitempty"`
	MockupHeight int                      `firestore:"mockupHeight,omitempty"`
	PrintArea    *printAreaDocument       `firestore:"printArea,omitempty"`
	CreatedAt    time.Time                `firestore:"createdAt"`
	UpdatedAt    time.Time                `firestore:"updatedAt"`
}

type productVariantDocument struct {
	ID        string `firestore:"id"`
	Label     string `firestore:"label"`
	Color     string `firestore:"color,omitempty"`
	Size      string `firestore:"size,omitempty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Currency  string `firestore:"currency"`
	Active    bool   `firestore:"active"`
}

type printAreaDocument struct {
	X      float64 `firestore:"x"`
	Y      float64 `firestore:"y"`
	Width  float64 `firestore:"width"`
	Height float64 `firestore:"height"`
}

func encodeProductDocument(product domain.Product) productDocument {
	doc := productDocument{
		Name:         strings.TrimSpace(product.Name),
		Description:  product.Description,
		ImageURL:     strings.TrimSpace(product.ImageURL),
		EventTypes:   cloneStrings(product.EventTypes),
		Popularity:   product.Popularity,
		Active:       product.Active,
		MockupURL:    strings.TrimSpace(product.MockupURL),
		MockupWidth:  product.MockupWidth,
		MockupHeight: product.MockupHeight,
		CreatedAt:    product.CreatedAt.UTC(),
		UpdatedAt:    product.UpdatedAt.UTC(),
	}
	for _, variant := range product.Variants {
		doc.Variants = append(doc.Variants, productVariantDocument{
			ID:        strings.TrimSpace(variant.ID),
			Label:     strings.TrimSpace(variant.Label),
			Color:     strings.TrimSpace(variant.Color),
			Size:      strings.TrimSpace(variant.Size),
			UnitPrice: variant.UnitPrice,
			Currency:  strings.ToUpper(strings.TrimSpace(variant.Currency)),
			Active:    variant.Active,
		})
	}
	if product.PrintArea.Width > 0 && product.PrintArea.Height > 0 {
		doc.PrintArea = &printAreaDocument{
			X:      product.PrintArea.X,
			Y:      product.PrintArea.Y,
			Width:  product.PrintArea.Width,
			Height: product.PrintArea.Height,
		}
	}
	return doc
}

func decodeProductDocument(id string, doc productDocument, createdAt, updatedAt time.Time) domain.Product {
	product := domain.Product{
		ID:           strings.TrimSpace(id),
		Name:         strings.TrimSpace(doc.Name),
		Description:  doc.Description,
		ImageURL:     strings.TrimSpace(doc.ImageURL),
		EventTypes:   cloneStrings(doc.EventTypes),
		Popularity:   doc.Popularity,
		Active:       doc.Active,
		MockupURL:    strings.TrimSpace(doc.MockupURL),
		MockupWidth:  doc.MockupWidth,
		MockupHeight: doc.MockupHeight,
		CreatedAt:    chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:    chooseTime(doc.UpdatedAt, updatedAt),
	}
	for _, variant := range doc.Variants {
		product.Variants = append(product.Variants, domain.ProductVariant{
			ID:        strings.TrimSpace(variant.ID),
			Label:     strings.TrimSpace(variant.Label),
			Color:     strings.TrimSpace(variant.Color),
			Size:      strings.TrimSpace(variant.Size),
			UnitPrice: variant.UnitPrice,
			Currency:  strings.ToUpper(strings.TrimSpace(variant.Currency)),
			Active:    variant.Active,
		})
	}
	if doc.PrintArea != nil {
		product.PrintArea = domain.PrintArea{
			X:      doc.PrintArea.X,
			Y:      doc.PrintArea.Y,
			Width:  doc.PrintArea.Width,
			Height: doc.PrintArea.Height,
		}
	}
	return product
}

func encodeProductListToken(popularity int, docID string) string {
	payload := fmt.Sprintf("%d|%s", popularity, docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeProductListToken(token string) (int, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return 0, "", errors.New("invalid token structure")
	}
	popularity, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", err
	}
	return popularity, parts[1], nil
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
