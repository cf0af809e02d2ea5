package services

import (
	"context"
	"io"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/genai"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination          = domain.Pagination
	SortOrder           = domain.SortOrder
	WizardSession       = domain.WizardSession
	WizardStepDef       = domain.WizardStepDef
	EventType           = domain.EventType
	VarietyLevel        = domain.VarietyLevel
	PreparationStatus   = domain.PreparationStatus
	BrandAssets         = domain.BrandAssets
	LogoAsset           = domain.LogoAsset
	Question            = domain.Question
	QuestionAnswer      = domain.QuestionAnswer
	GeneratedDesign     = domain.GeneratedDesign
	GenerationFeedback  = domain.GenerationFeedback
	Design              = domain.Design
	Placement           = domain.Placement
	PrintArea           = domain.PrintArea
	PrepareJob          = domain.PrepareJob
	PrepareJobStatus    = domain.PrepareJobStatus
	Cart                = domain.Cart
	CartItem            = domain.CartItem
	CartEstimate        = domain.CartEstimate
	Product             = domain.Product
	ProductVariant      = domain.ProductVariant
	CheckoutHandoff     = domain.CheckoutHandoff
	SystemHealthReport  = domain.SystemHealthReport
	AuditLogEntry       = domain.AuditLogEntry
	SignedAssetResponse = domain.SignedAssetResponse
	UploadedFile        = domain.UploadedFile
)

// WizardService owns the design-wizard session aggregate. Every mutation is a
// named transition that persists the whole session before returning it;
// transitions that would violate a limit (step bounds, logo or colour caps,
// question totals) degrade to no-ops rather than errors.
type WizardService interface {
	StartSession(ctx context.Context, cmd StartWizardCommand) (WizardSession, error)
	GetSession(ctx context.Context, q SessionQuery) (WizardSession, error)
	AdvanceStep(ctx context.Context, q SessionQuery) (WizardSession, error)
	RetreatStep(ctx context.Context, q SessionQuery) (WizardSession, error)
	GoToStep(ctx context.Context, cmd GoToStepCommand) (WizardSession, error)
	SetEventType(ctx context.Context, cmd SetEventTypeCommand) (WizardSession, error)
	UpdateEventDetails(ctx context.Context, cmd EventDetailsCommand) (WizardSession, error)
	AddBrandLogo(ctx context.Context, cmd AddBrandLogoCommand) (WizardSession, error)
	RemoveBrandLogo(ctx context.Context, cmd RemoveBrandLogoCommand) (WizardSession, error)
	AddBrandColor(ctx context.Context, cmd BrandColorCommand) (WizardSession, error)
	RemoveBrandColor(ctx context.Context, cmd BrandColorCommand) (WizardSession, error)
	UpdateBrandProfile(ctx context.Context, cmd BrandProfileCommand) (WizardSession, error)
	Questions(ctx context.Context, q SessionQuery) (QuestionSet, error)
	AppendAnswer(ctx context.Context, cmd AppendAnswerCommand) (WizardSession, error)
	RequestFollowUps(ctx context.Context, cmd FollowUpCommand) (QuestionSet, error)
	SetVariety(ctx context.Context, cmd SetVarietyCommand) (WizardSession, error)
	SetFeedback(ctx context.Context, cmd SetFeedbackCommand) (WizardSession, error)
	AppendDesigns(ctx context.Context, cmd AppendDesignsCommand) (WizardSession, error)
	SelectDesign(ctx context.Context, cmd DesignSelectionCommand) (WizardSession, error)
	SetDesignFavorite(ctx context.Context, cmd FavoriteDesignCommand) (WizardSession, error)
	RemoveDesign(ctx context.Context, cmd DesignSelectionCommand) (WizardSession, error)
	SetFinalDesign(ctx context.Context, cmd FinalDesignCommand) (WizardSession, error)
	CompleteSession(ctx context.Context, q SessionQuery) (WizardSession, error)
	ResetSession(ctx context.Context, q SessionQuery) (WizardSession, error)
}

// GenerationService drives batch artwork generation against the AI backend,
// including partial-result handling, scoped retries, and follow-up questions.
type GenerationService interface {
	GenerateDesigns(ctx context.Context, cmd GenerateDesignsCommand) (GenerationOutcome, error)
}

// DesignService persists finalised designs and coordinates the two-phase
// save/prepare pipeline: a blocking save followed by background print
// preparation.
type DesignService interface {
	SaveDesign(ctx context.Context, cmd SaveDesignCommand) (Design, error)
	GetDesign(ctx context.Context, designID string, opts DesignReadOptions) (Design, error)
	ListDesigns(ctx context.Context, filter DesignListFilter) (domain.CursorPage[Design], error)
	PrepareStatus(ctx context.Context, q PrepareStatusQuery) (PrepareStatusView, error)
}

// CanvasService manages positioning sessions on product mockups. Transforms
// are clamped so the design's bounding box stays inside the print area.
type CanvasService interface {
	OpenCanvas(ctx context.Context, cmd OpenCanvasCommand) (CanvasState, error)
	GetCanvas(ctx context.Context, q CanvasQuery) (CanvasState, error)
	Transform(ctx context.Context, cmd CanvasTransformCommand) (CanvasState, error)
	ExportCanvas(ctx context.Context, cmd CanvasExportCommand) (CanvasExportResult, error)
	CloseCanvas(ctx context.Context, q CanvasQuery) error
}

// CartService manages mutable cart state with catalog-resolved pricing.
type CartService interface {
	GetOrCreateCart(ctx context.Context, userID string) (Cart, error)
	AddOrUpdateItem(ctx context.Context, cmd UpsertCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	Estimate(ctx context.Context, userID string) (CartEstimate, error)
	ClearCart(ctx context.Context, userID string) error
}

// CheckoutService hands a cart off to the payment provider.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutHandoff, error)
}

// CatalogService serves the product catalog backing steps 2 and 5.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductFilter) (domain.CursorPage[Product], error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	RecommendProducts(ctx context.Context, q ProductRecommendationQuery) ([]Product, error)
	UpsertProduct(ctx context.Context, cmd UpsertProductCommand) (Product, error)
}

// AssetService accepts direct uploads and issues signed URLs for
// direct-to-bucket flows.
type AssetService interface {
	UploadBrandAsset(ctx context.Context, cmd DirectUploadCommand) (UploadedFile, error)
	IssueSignedUpload(ctx context.Context, cmd SignedUploadCommand) (SignedAssetResponse, error)
	IssueSignedDownload(ctx context.Context, cmd SignedDownloadCommand) (SignedAssetResponse, error)
}

// SystemService aggregates utility endpoints (health checks, audit logs, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// CounterService manages named monotonic sequences. Design numbers come from
// the shared design-number counter; Next exposes arbitrary sequences for
// operational tooling.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextDesignNumber(ctx context.Context) (string, error)
}

// CounterGenerationOptions controls increment and formatting behaviour.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue is a minted sequence value with its formatted rendition.
type CounterValue struct {
	Value     int64
	Formatted string
}

// BackgroundJobDispatcher schedules the asynchronous print-preparation work
// that follows a successful design save. Jobs are keyed by design id; queueing
// for a new design cancels work still pending for the previous one.
type BackgroundJobDispatcher interface {
	QueuePrintPrepare(ctx context.Context, cmd QueuePrintPrepareCommand) (QueuePrintPrepareResult, error)
	GetPrepareJob(ctx context.Context, jobID string) (domain.PrepareJob, error)
	CompletePrintPrepare(ctx context.Context, cmd CompletePrintPrepareCommand) (CompletePrintPrepareResult, error)
	CancelPrintPrepare(ctx context.Context, designID string) error
}

// PrepareJobPublisher publishes prepare job messages to the background queue.
type PrepareJobPublisher interface {
	PublishPrepareJob(ctx context.Context, message PrepareJobMessage) (string, error)
}

// PrepareJobMessage is the payload delivered to background workers via Pub/Sub.
type PrepareJobMessage struct {
	JobID          string    `json:"jobId"`
	DesignID       string    `json:"designId"`
	SessionID      string    `json:"sessionId"`
	SourceURL      string    `json:"sourceUrl"`
	QueuedAt       time.Time `json:"queuedAt"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// ErrorTranslator converts repository or platform errors into domain-aware sentinel errors.
type ErrorTranslator interface {
	Translate(err error) error
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

// StartWizardCommand creates or resumes the caller's active wizard session.
type StartWizardCommand struct {
	UserID string
	Locale string
}

// SessionQuery addresses an existing session on behalf of an actor.
type SessionQuery struct {
	SessionID string
	ActorID   string
}

type GoToStepCommand struct {
	SessionID string
	ActorID   string
	Step      int
}

type SetEventTypeCommand struct {
	SessionID string
	ActorID   string
	EventType string
}

type EventDetailsCommand struct {
	SessionID string
	ActorID   string
	Details   map[string]string
}

type AddBrandLogoCommand struct {
	SessionID   string
	ActorID     string
	URL         string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type RemoveBrandLogoCommand struct {
	SessionID string
	ActorID   string
	LogoID    string
}

type BrandColorCommand struct {
	SessionID string
	ActorID   string
	Color     string
}

// BrandProfileCommand partially updates fonts and brand voice. Nil fields are
// left untouched.
type BrandProfileCommand struct {
	SessionID string
	ActorID   string
	Fonts     *[]string
	Voice     *string
}

// QuestionSet is the chat surface of a session: every question asked so far,
// the answer history, and the cursor into the unanswered remainder.
type QuestionSet struct {
	Questions []Question
	Answers   []QuestionAnswer
	Cursor    int
	Total     int
}

type AppendAnswerCommand struct {
	SessionID  string
	ActorID    string
	QuestionID string
	Question   string
	Answer     []string
	Source     string
}

type FollowUpCommand struct {
	SessionID string
	ActorID   string
}

type SetVarietyCommand struct {
	SessionID string
	ActorID   string
	Variety   string
}

type SetFeedbackCommand struct {
	SessionID string
	ActorID   string
	Score     int
	Comment   string
}

type AppendDesignsCommand struct {
	SessionID string
	ActorID   string
	Designs   []GeneratedDesign
}

type DesignSelectionCommand struct {
	SessionID string
	ActorID   string
	DesignID  string
}

type FavoriteDesignCommand struct {
	SessionID string
	ActorID   string
	DesignID  string
	Favorite  bool
}

// FinalDesignCommand pins the session's final artwork. When ImageURL is empty
// the referenced design's image URL is used.
type FinalDesignCommand struct {
	SessionID string
	ActorID   string
	DesignID  string
	ImageURL  string
}

// GenerateDesignsCommand requests a generation batch. Fresh starts a new round
// and resets the attempt budget; otherwise the call retries the missing slots
// of the current round. Count defaults to the full batch size.
type GenerateDesignsCommand struct {
	SessionID      string
	ActorID        string
	Count          int
	Fresh          bool
	PromptOverride string
}

// GenerationOutcome reports one generation attempt. Failures is non-empty for
// partial batches; the handler layer maps that to a multi-status response.
type GenerationOutcome struct {
	Session    WizardSession
	NewDesigns []GeneratedDesign
	Failures   []genai.SlotFailure
	Attempt    int
	Requested  int
}

type SaveDesignCommand struct {
	SessionID string
	ActorID   string
	DesignID  string
	Name      string
	Placement *Placement
}

type DesignReadOptions struct {
	ActorID           string
	IncludePrepareJob bool
}

type DesignListFilter struct {
	OwnerID   string
	Status    []string
	SessionID string
	Pagination
}

type PrepareStatusQuery struct {
	DesignID string
	ActorID  string
}

// PrepareStatusView combines a design with its latest prepare job. EffectiveURL
// is the print-ready URL when available, otherwise the original image.
type PrepareStatusView struct {
	Design       Design
	Job          *PrepareJob
	EffectiveURL string
}

type QueuePrintPrepareCommand struct {
	DesignID       string
	SessionID      string
	UserID         string
	SourceURL      string
	IdempotencyKey string
	// SupersedesDesignID names the session's previous saved design, if any.
	// Its still-active job is canceled before the new one is queued.
	SupersedesDesignID string
}

type QueuePrintPrepareResult struct {
	JobID    string
	DesignID string
	Status   PrepareJobStatus
	QueuedAt time.Time
}

type CompletePrintPrepareCommand struct {
	JobID         string
	PrintReadyURL string
	Error         *domain.JobError
}

type CompletePrintPrepareResult struct {
	Job    PrepareJob
	Design *Design
}

// CanvasOp names a canvas transform operation.
type CanvasOp string

const (
	CanvasOpMove      CanvasOp = "move"
	CanvasOpMoveBy    CanvasOp = "move_by"
	CanvasOpScale     CanvasOp = "scale"
	CanvasOpRotate    CanvasOp = "rotate"
	CanvasOpNudge     CanvasOp = "nudge"
	CanvasOpScaleStep CanvasOp = "scale_step"
	CanvasOpPlace     CanvasOp = "place"
)

type OpenCanvasCommand struct {
	SessionID string
	ActorID   string
	ProductID string
	DesignID  string
}

type CanvasQuery struct {
	CanvasID string
	ActorID  string
}

// CanvasTransformCommand applies one transform. The fields read depend on Op:
// move uses X/Y, move_by uses DX/DY, scale uses Factor, rotate uses Degrees,
// nudge and scale_step use Direction, place uses Placement.
type CanvasTransformCommand struct {
	CanvasID  string
	ActorID   string
	Op        CanvasOp
	X         float64
	Y         float64
	DX        float64
	DY        float64
	Factor    float64
	Degrees   float64
	Direction string
	Placement *Placement
}

type CanvasState struct {
	CanvasID     string
	SessionID    string
	ProductID    string
	DesignID     string
	MockupWidth  float64
	MockupHeight float64
	PrintArea    PrintArea
	Placement    Placement
	Phase        string
}

type CanvasExportCommand struct {
	CanvasID   string
	ActorID    string
	Multiplier float64
}

type CanvasExportResult struct {
	URL        string
	ObjectPath string
	Width      int
	Height     int
}

type UpsertCartItemCommand struct {
	UserID    string
	ItemID    *string
	ProductID string
	VariantID string
	Quantity  int
	DesignID  *string
}

type RemoveCartItemCommand struct {
	UserID string
	ItemID string
}

type CreateCheckoutSessionCommand struct {
	UserID     string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

type ProductFilter struct {
	EventType  string
	ActiveOnly bool
	Pagination Pagination
}

type ProductRecommendationQuery struct {
	EventType string
	Limit     int
}

type UpsertProductCommand struct {
	Product Product
	ActorID string
}

// DirectUploadCommand streams a multipart file straight into the asset bucket.
type DirectUploadCommand struct {
	ActorID     string
	SessionID   string
	FileName    string
	ContentType string
	SizeBytes   int64
	Body        io.Reader
}

type SignedUploadCommand struct {
	ActorID     string
	SessionID   *string
	Kind        string
	Purpose     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type SignedDownloadCommand struct {
	ActorID string
	AssetID string
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
	Metadata              map[string]any
	Diff                  map[string]AuditLogDiff
	SensitiveMetadataKeys []string
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
