package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a result set with the opaque token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// ---------------------------------------------------------------------------
// Design wizard
// ---------------------------------------------------------------------------

// WizardSchemaVersion is stamped into every persisted wizard document. Loads
// reject documents written by a newer schema.
const WizardSchemaVersion = 1

const (
	// MaxBrandLogos caps the logo list on a wizard session.
	MaxBrandLogos = 5
	// MaxBrandColors caps the palette on a wizard session.
	MaxBrandColors = 6
	// MaxBrandVoiceLen caps the free-text brand voice, in runes.
	MaxBrandVoiceLen = 500
	// FixedQuestionCount is the number of questions every event type starts with.
	FixedQuestionCount = 3
	// MaxFollowUpQuestions caps AI-supplied follow-ups per session.
	MaxFollowUpQuestions = 2
	// MaxQuestionTotal is the hard ceiling on questions per session.
	MaxQuestionTotal = 5
	// GenerationBatchSize is the number of designs requested per generation call.
	GenerationBatchSize = 3
	// MaxGenerationAttempts bounds generation calls (initial plus scoped retries).
	MaxGenerationAttempts = 3
)

// EventType tags the occasion a merch design is for.
type EventType string

const (
	// EventTypeCharity covers fundraisers and charity drives.
	EventTypeCharity EventType = "charity"
	// EventTypeSports covers teams, matches, and tournaments.
	EventTypeSports EventType = "sports"
	// EventTypeCompany covers corporate events and company swag.
	EventTypeCompany EventType = "company"
	// EventTypeFamily covers reunions and family celebrations.
	EventTypeFamily EventType = "family"
	// EventTypeSchool covers school clubs, classes, and events.
	EventTypeSchool EventType = "school"
	// EventTypeOther is the catch-all bucket.
	EventTypeOther EventType = "other"
)

// ParseEventType normalises a raw tag into the closed set, mapping unknown
// values to EventTypeOther.
func ParseEventType(raw string) EventType {
	switch EventType(strings.ToLower(strings.TrimSpace(raw))) {
	case EventTypeCharity:
		return EventTypeCharity
	case EventTypeSports:
		return EventTypeSports
	case EventTypeCompany:
		return EventTypeCompany
	case EventTypeFamily:
		return EventTypeFamily
	case EventTypeSchool:
		return EventTypeSchool
	default:
		return EventTypeOther
	}
}

// VarietyLevel selects how different the generated candidates should be.
type VarietyLevel string

const (
	// VarietyVariations asks for near-duplicate variations of one concept.
	VarietyVariations VarietyLevel = "variations"
	// VarietyDistinct asks for clearly distinct concepts.
	VarietyDistinct VarietyLevel = "distinct"
)

// PreparationStatus tracks the save/prepare pipeline for the chosen design.
type PreparationStatus string

const (
	// PreparationIdle means no save has been attempted yet.
	PreparationIdle PreparationStatus = "idle"
	// PreparationSaving means the blocking save call is in flight.
	PreparationSaving PreparationStatus = "saving"
	// PreparationPreparing means the save succeeded and the print-ready
	// derivative is being produced in the background.
	PreparationPreparing PreparationStatus = "preparing"
	// PreparationCompleted means the print-ready derivative is available.
	PreparationCompleted PreparationStatus = "completed"
	// PreparationFailed means the save or the preparation failed.
	PreparationFailed PreparationStatus = "failed"
)

// AnswerSource distinguishes fixed questionnaire answers from AI follow-ups.
type AnswerSource string

const (
	// AnswerSourceFixed marks answers to the per-event fixed questions.
	AnswerSourceFixed AnswerSource = "fixed"
	// AnswerSourceFollowUp marks answers to AI-supplied follow-up questions.
	AnswerSourceFollowUp AnswerSource = "followup"
)

// LogoAsset references an uploaded brand logo.
type LogoAsset struct {
	ID          string
	URL         string
	FileName    string
	ContentType string
	SizeBytes   int64
	UploadedAt  time.Time
}

// BrandAssets aggregates the optional brand inputs collected in step 3.
type BrandAssets struct {
	Logos  []LogoAsset
	Colors []string
	Fonts  []string
	Voice  string
}

// QuestionAnswer records one answered question. The list is append-only and
// keeps duplicates when a question is re-answered; readers that need one
// answer per question take the newest entry.
type QuestionAnswer struct {
	QuestionID string
	Question   string
	Answer     []string
	Source     AnswerSource
	AnsweredAt time.Time
}

// GeneratedDesign is one candidate produced by the generation vendor.
type GeneratedDesign struct {
	ID        string
	ImageURL  string
	Prompt    string
	Favorite  bool
	CreatedAt time.Time
}

// GenerationFeedback captures the optional user rating of a generation round.
type GenerationFeedback struct {
	Score       int
	Comment     string
	SubmittedAt time.Time
}

// WizardSession is the aggregate root for one design-wizard run. All
// mutation goes through the wizard service's named transitions; the whole
// aggregate is persisted after every change.
type WizardSession struct {
	ID            string
	UserID        string
	Locale        string
	SchemaVersion int

	Step      int
	Completed bool

	EventType    EventType
	EventDetails map[string]string
	Brand        BrandAssets

	Answers        []QuestionAnswer
	FollowUps      []Question
	QuestionCursor int
	QuestionTotal  int

	Variety  VarietyLevel
	Feedback *GenerationFeedback

	Designs          []GeneratedDesign
	SelectedDesignID string
	FinalDesignURL   string

	SavedDesignID      string
	PrintReadyURL      string
	PreparationStatus  PreparationStatus
	PreparationError   string
	GenerationAttempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ---------------------------------------------------------------------------
// Saved designs
// ---------------------------------------------------------------------------

// DesignStatus tracks a saved design through print preparation.
type DesignStatus string

const (
	// DesignStatusSaved means the design metadata and image are persisted.
	DesignStatusSaved DesignStatus = "saved"
	// DesignStatusPreparing means a print-ready derivative is being produced.
	DesignStatusPreparing DesignStatus = "preparing"
	// DesignStatusPrintReady means the print-ready derivative is stored.
	DesignStatusPrintReady DesignStatus = "print_ready"
	// DesignStatusPrepareFailed means preparation failed; the original image
	// remains usable as a fallback.
	DesignStatusPrepareFailed DesignStatus = "prepare_failed"
)

// Placement is the design's position inside a product mockup, in mockup
// pixel coordinates. X and Y locate the design centre; Rotation is degrees
// clockwise.
type Placement struct {
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Rotation float64
}

// PrintArea is the rectangle on a mockup that may carry artwork.
type PrintArea struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Design is a saved design with server-assigned identity.
type Design struct {
	ID             string
	Number         string
	UserID         string
	SessionID      string
	Name           string
	Prompt         string
	ImageURL       string
	SourceImageURL string
	PrintReadyURL  string
	Placement      *Placement
	Status         DesignStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ---------------------------------------------------------------------------
// Background prepare jobs
// ---------------------------------------------------------------------------

// PrepareJobStatus is the lifecycle of a print-preparation job.
type PrepareJobStatus string

const (
	// PrepareJobStatusQueued means the job is accepted but not yet running.
	PrepareJobStatusQueued PrepareJobStatus = "queued"
	// PrepareJobStatusInProgress means a worker picked the job up.
	PrepareJobStatusInProgress PrepareJobStatus = "in_progress"
	// PrepareJobStatusSucceeded means the print-ready artifact is stored.
	PrepareJobStatusSucceeded PrepareJobStatus = "succeeded"
	// PrepareJobStatusFailed means the job gave up; the design falls back to
	// its original image.
	PrepareJobStatusFailed PrepareJobStatus = "failed"
	// PrepareJobStatusCanceled means the job was superseded or the session
	// was reset before completion.
	PrepareJobStatusCanceled PrepareJobStatus = "canceled"
)

// JobError carries a classified job failure.
type JobError struct {
	Code      string
	Message   string
	Retryable bool
}

// PrepareAttempt records one execution of a prepare job.
type PrepareAttempt struct {
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      PrepareJobStatus
	Message     string
}

// PrepareJob tracks the background print-preparation of one saved design.
// Jobs are keyed by design id: queueing for a design supersedes any job
// still active for the session's previous design.
type PrepareJob struct {
	ID        string
	DesignID  string
	SessionID string
	UserID    string
	Status    PrepareJobStatus
	Attempts  []PrepareAttempt
	Error     *JobError
	ResultURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ---------------------------------------------------------------------------
// Cart
// ---------------------------------------------------------------------------

// CartItem is one cart line. DesignRef points at a saved design
// ("/designs/<id>") when the line carries custom artwork.
type CartItem struct {
	ID               string
	ProductID        string
	VariantID        string
	ProductName      string
	VariantLabel     string
	ImageURL         string
	DesignRef        *string
	DesignPreviewURL string
	Quantity         int
	UnitPrice        int64
	Currency         string
}

// CartEstimate is the derived money view of a cart. Amounts are minor units.
type CartEstimate struct {
	Currency string
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
}

// Cart is the per-user cart aggregate. Subtotal is the running sum of line
// amounts, recomputed on every mutation; richer totals live in Estimate.
type Cart struct {
	ID           string
	UserID       string
	Currency     string
	Items        []CartItem
	Subtotal     int64
	Estimate     *CartEstimate
	CheckedOutAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ---------------------------------------------------------------------------
// Catalog (read-only)
// ---------------------------------------------------------------------------

// ProductVariant is a sellable variant of a product.
type ProductVariant struct {
	ID        string
	Label     string
	Color     string
	Size      string
	UnitPrice int64
	Currency  string
	Active    bool
}

// Product is a catalog entry with its mockup geometry for the canvas step.
type Product struct {
	ID           string
	Name         string
	Description  string
	ImageURL     string
	EventTypes   []string
	Popularity   int
	Active       bool
	Variants     []ProductVariant
	MockupURL    string
	MockupWidth  int
	MockupHeight int
	PrintArea    PrintArea
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Variant returns the variant with the given id, if present.
func (p Product) Variant(variantID string) (ProductVariant, bool) {
	for _, v := range p.Variants {
		if v.ID == variantID {
			return v, true
		}
	}
	return ProductVariant{}, false
}

// ---------------------------------------------------------------------------
// Checkout hand-off
// ---------------------------------------------------------------------------

// CheckoutHandoff is the result of delegating a cart to the payment provider.
type CheckoutHandoff struct {
	SessionID   string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
	Amount      int64
	Currency    string
	CreatedAt   time.Time
}

// ---------------------------------------------------------------------------
// System health & audit
// ---------------------------------------------------------------------------

// Health states reported by dependency probes.
const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin use.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	IPHash    string
	UserAgent string
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// SignedAssetResponse returns signed URL payloads for upload/download flows.
type SignedAssetResponse struct {
	AssetID   string
	URL       string
	ExpiresAt time.Time
	Method    string
	Headers   map[string]string
}

// UploadedFile describes the stored result of a direct multipart upload.
type UploadedFile struct {
	URL        string
	Path       string
	Bucket     string
	SizeBytes  int64
	UploadedAt time.Time
}
