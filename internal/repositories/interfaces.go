package repositories

import (
	"context"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	WizardSessions() WizardSessionRepository
	Designs() DesignRepository
	PrepareJobs() PrepareJobRepository
	Carts() CartRepository
	Products() ProductRepository
	Assets() AssetRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// WizardSessionRepository persists wizard session aggregates. Updates take an
// optional expected update time for optimistic locking.
type WizardSessionRepository interface {
	Insert(ctx context.Context, session domain.WizardSession) (domain.WizardSession, error)
	Update(ctx context.Context, session domain.WizardSession, expected *time.Time) (domain.WizardSession, error)
	FindByID(ctx context.Context, sessionID string) (domain.WizardSession, error)
	FindActiveByUser(ctx context.Context, userID string) (domain.WizardSession, error)
	Delete(ctx context.Context, sessionID string) error
}

// DesignRepository persists saved design documents.
type DesignRepository interface {
	Insert(ctx context.Context, design domain.Design) (domain.Design, error)
	Update(ctx context.Context, design domain.Design) (domain.Design, error)
	FindByID(ctx context.Context, designID string) (domain.Design, error)
	ListByOwner(ctx context.Context, ownerID string, filter DesignListFilter) (domain.CursorPage[domain.Design], error)
}

// PrepareJobRepository persists print-preparation job metadata and lifecycle state.
type PrepareJobRepository interface {
	Insert(ctx context.Context, job domain.PrepareJob) (domain.PrepareJob, error)
	FindByID(ctx context.Context, jobID string) (domain.PrepareJob, error)
	FindLatestByDesign(ctx context.Context, designID string) (domain.PrepareJob, error)
	UpdateStatus(ctx context.Context, jobID string, status domain.PrepareJobStatus, update PrepareJobStatusUpdate) (domain.PrepareJob, error)
}

// PrepareJobStatusUpdate carries optional fields to mutate during a status transition.
type PrepareJobStatusUpdate struct {
	ResultURL   *string
	Error       *domain.JobError
	Attempt     *domain.PrepareAttempt
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CartRepository owns cart header + items persistence with optimistic locking guarantees.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart, expected *time.Time) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ReplaceItems(ctx context.Context, userID string, items []domain.CartItem) (domain.Cart, error)
}

// ProductRepository stores the product catalogue consumed by the storefront.
type ProductRepository interface {
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
}

// AssetRepository handles metadata synchronized with Cloud Storage objects.
type AssetRepository interface {
	CreateSignedUpload(ctx context.Context, cmd SignedUploadRecord) (domain.SignedAssetResponse, error)
	CreateSignedDownload(ctx context.Context, cmd SignedDownloadRecord) (domain.SignedAssetResponse, error)
	MarkUploaded(ctx context.Context, assetID string, actorID string, metadata map[string]any) error
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type DesignListFilter struct {
	Status       []string
	SessionID    string
	UpdatedAfter *time.Time
	Pagination   domain.Pagination
}

type ProductListFilter struct {
	EventType  string
	ActiveOnly bool
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type SignedUploadRecord struct {
	ActorID     string
	SessionID   *string
	Kind        string
	Purpose     string
	FileName    string
	ContentType string
	SizeBytes   int64
}

type SignedDownloadRecord struct {
	ActorID string
	AssetID string
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
