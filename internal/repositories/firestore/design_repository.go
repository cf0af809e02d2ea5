package firestore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/genai-merch/api/internal/domain"
	pfirestore "github.com/genai-merch/api/internal/platform/firestore"
	"github.com/genai-merch/api/internal/repositories"
)

const designsCollection = "designs"

// DesignRepository persists saved design documents.
type DesignRepository struct {
	base *pfirestore.BaseRepository[designDocument]
}

// NewDesignRepository constructs a Firestore-backed design repository.
func NewDesignRepository(provider *pfirestore.Provider) (*DesignRepository, error) {
	if provider == nil {
		return nil, errors.New("design repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[designDocument](provider, designsCollection, nil, nil)
	return &DesignRepository{base: base}, nil
}

// Insert stores a new design document. The ID must be unique.
func (r *DesignRepository) Insert(ctx context.Context, design domain.Design) (domain.Design, error) {
	if r == nil || r.base == nil {
		return domain.Design{}, errors.New("design repository not initialised")
	}
	designID := strings.TrimSpace(design.ID)
	if designID == "" {
		return domain.Design{}, errors.New("design repository: design id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, designID)
	if err != nil {
		return domain.Design{}, err
	}
	doc := encodeDesignDocument(design)
	result, err := docRef.Create(ctx, doc)
	if err != nil {
		return domain.Design{}, pfirestore.WrapError("designs.insert", err)
	}
	saved := design
	saved.ID = designID
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// Update replaces the persisted design state with the provided snapshot.
func (r *DesignRepository) Update(ctx context.Context, design domain.Design) (domain.Design, error) {
	if r == nil || r.base == nil {
		return domain.Design{}, errors.New("design repository not initialised")
	}
	designID := strings.TrimSpace(design.ID)
	if designID == "" {
		return domain.Design{}, errors.New("design repository: design id is required")
	}
	doc := encodeDesignDocument(design)
	result, err := r.base.Set(ctx, designID, doc)
	if err != nil {
		return domain.Design{}, err
	}
	saved := design
	saved.ID = designID
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// FindByID fetches a single design.
func (r *DesignRepository) FindByID(ctx context.Context, designID string) (domain.Design, error) {
	if r == nil || r.base == nil {
		return domain.Design{}, errors.New("design repository not initialised")
	}
	designID = strings.TrimSpace(designID)
	if designID == "" {
		return domain.Design{}, errors.New("design repository: design id is required")
	}
	doc, err := r.base.Get(ctx, designID)
	if err != nil {
		return domain.Design{}, err
	}
	return decodeDesignDocument(designID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// ListByOwner returns designs owned by the specified user ordered by most recent update.
func (r *DesignRepository) ListByOwner(ctx context.Context, ownerID string, filter repositories.DesignListFilter) (domain.CursorPage[domain.Design], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Design]{}, errors.New("design repository not initialised")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.CursorPage[domain.Design]{}, errors.New("design repository: owner id is required")
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
		tokenTime, tokenID, err := decodeDesignListToken(token)
		if err != nil {
			return domain.CursorPage[domain.Design]{}, fmt.Errorf("design repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statusFilters := normaliseStatuses(filter.Status)
	sessionID := strings.TrimSpace(filter.SessionID)

	var updatedAfter *time.Time
	if filter.UpdatedAfter != nil {
		value := filter.UpdatedAfter.UTC()
		if !value.IsZero() {
			updatedAfter = &value
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("userId", "==", ownerID)

		if len(statusFilters) == 1 {
			q = q.Where("status", "==", statusFilters[0])
		} else if len(statusFilters) > 1 {
			// Firestore in clause supports up to 10 values.
			if len(statusFilters) > 10 {
				statusFilters = statusFilters[:10]
			}
			q = q.Where("status", "in", statusFilters)
		}

		if sessionID != "" {
			q = q.Where("sessionId", "==", sessionID)
		}

		if updatedAfter != nil {
			q = q.Where("updatedAt", ">", *updatedAfter)
		}

		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Design]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.UpdatedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = encodeDesignListToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	items := make([]domain.Design, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, decodeDesignDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}

	return domain.CursorPage[domain.Design]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

type designDocument struct {
	Number         string             `firestore:"number"`
	UserID         string             `firestore:"userId"`
	SessionID      string             `firestore:"sessionId,omitempty"`
	Name           string             `firestore:"name"`
	Prompt         string             `firestore:"prompt,omitempty"`
	ImageURL       string             `firestore:"imageUrl"`
	SourceImageURL string             `firestore:"sourceImageUrl,omitempty"`
	PrintReadyURL  string             `firestore:"printReadyUrl,omitempty"`
	Placement      *placementDocument `firestore:"placement,omitempty"`
	Status         string             `firestore:"status"`
	CreatedAt      time.Time          `firestore:"createdAt"`
	UpdatedAt      time.Time          `firestore:"updatedAt"`
}

type placementDocument struct {
	X        float64 `firestore:"x"`
	Y        float64 `firestore:"y"`
	Width    float64 `firestore:"width"`
	Height   float64 `firestore:"height"`
	Rotation float64 `firestore:"rotation"`
}

func encodeDesignDocument(design domain.Design) designDocument {
	doc := designDocument{
		Number:         strings.TrimSpace(design.Number),
		UserID:         strings.TrimSpace(design.UserID),
		SessionID:      strings.TrimSpace(design.SessionID),
		Name:           strings.TrimSpace(design.Name),
		Prompt:         design.Prompt,
		ImageURL:       strings.TrimSpace(design.ImageURL),
		SourceImageURL: strings.TrimSpace(design.SourceImageURL),
		PrintReadyURL:  strings.TrimSpace(design.PrintReadyURL),
		Status:         strings.TrimSpace(string(design.Status)),
		CreatedAt:      design.CreatedAt.UTC(),
		UpdatedAt:      design.UpdatedAt.UTC(),
	}
	if design.Placement != nil {
		doc.Placement = &placementDocument{
			X:        design.Placement.X,
			Y:        design.Placement.Y,
			Width:    design.Placement.Width,
			Height:   design.Placement.Height,
			Rotation: design.Placement.Rotation,
		}
	}
	return doc
}

func decodeDesignDocument(id string, doc designDocument, createdAt, updatedAt time.Time) domain.Design {
	design := domain.Design{
		ID:             strings.TrimSpace(id),
		Number:         strings.TrimSpace(doc.Number),
		UserID:         strings.TrimSpace(doc.UserID),
		SessionID:      strings.TrimSpace(doc.SessionID),
		Name:           strings.TrimSpace(doc.Name),
		Prompt:         doc.Prompt,
		ImageURL:       strings.TrimSpace(doc.ImageURL),
		SourceImageURL: strings.TrimSpace(doc.SourceImageURL),
		PrintReadyURL:  strings.TrimSpace(doc.PrintReadyURL),
		Status:         domain.DesignStatus(strings.TrimSpace(doc.Status)),
		CreatedAt:      chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:      chooseTime(doc.UpdatedAt, updatedAt),
	}
	if doc.Placement != nil {
		design.Placement = &domain.Placement{
			X:        doc.Placement.X,
			Y:        doc.Placement.Y,
			Width:    doc.Placement.Width,
			Height:   doc.Placement.Height,
			Rotation: doc.Placement.Rotation,
		}
	}
	return design
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func chooseTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	if value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}

func encodeDesignListToken(updatedAt time.Time, docID string) string {
	payload := fmt.Sprintf("%s|%s", updatedAt.UTC().Format(time.RFC3339Nano), docID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeDesignListToken(token string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("invalid token structure")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}

func normaliseStatuses(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{})
	for _, status := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(status))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

var _ repositories.DesignRepository = (*DesignRepository)(nil)
