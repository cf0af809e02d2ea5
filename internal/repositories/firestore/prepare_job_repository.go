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

const prepareJobsCollection = "prepareJobs"

// PrepareJobRepository persists print-preparation job documents.
type PrepareJobRepository struct {
	base     *pfirestore.BaseRepository[prepareJobDocument]
	provider *pfirestore.Provider
}

// NewPrepareJobRepository constructs a Firestore-backed prepare job repository.
func NewPrepareJobRepository(provider *pfirestore.Provider) (*PrepareJobRepository, error) {
	if provider == nil {
		return nil, errors.New("prepare job repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[prepareJobDocument](provider, prepareJobsCollection, nil, nil)
	return &PrepareJobRepository{base: base, provider: provider}, nil
}

// Insert stores a new job document. The ID must be unique.
func (r *PrepareJobRepository) Insert(ctx context.Context, job domain.PrepareJob) (domain.PrepareJob, error) {
	if r == nil || r.base == nil {
		return domain.PrepareJob{}, errors.New("prepare job repository not initialised")
	}
	jobID := strings.TrimSpace(job.ID)
	if jobID == "" {
		return domain.PrepareJob{}, errors.New("prepare job repository: job id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, jobID)
	if err != nil {
		return domain.PrepareJob{}, err
	}
	doc := encodePrepareJob(job)
	result, err := docRef.Create(ctx, doc)
	if err != nil {
		return domain.PrepareJob{}, pfirestore.WrapError("prepare_jobs.insert", err)
	}
	saved := job
	saved.ID = jobID
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// FindByID fetches one job.
func (r *PrepareJobRepository) FindByID(ctx context.Context, jobID string) (domain.PrepareJob, error) {
	if r == nil || r.base == nil {
		return domain.PrepareJob{}, errors.New("prepare job repository not initialised")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.PrepareJob{}, errors.New("prepare job repository: job id is required")
	}
	doc, err := r.base.Get(ctx, jobID)
	if err != nil {
		return domain.PrepareJob{}, err
	}
	return decodePrepareJob(jobID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// FindLatestByDesign returns the most recently created job for a design.
func (r *PrepareJobRepository) FindLatestByDesign(ctx context.Context, designID string) (domain.PrepareJob, error) {
	if r == nil || r.base == nil {
		return domain.PrepareJob{}, errors.New("prepare job repository not initialised")
	}
	designID = strings.TrimSpace(designID)
	if designID == "" {
		return domain.PrepareJob{}, errors.New("prepare job repository: design id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("designId", "==", designID).
			OrderBy("createdAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.PrepareJob{}, err
	}
	if len(docs) == 0 {
		return domain.PrepareJob{}, pfirestore.WrapError("prepare_jobs.find_latest",
			status.Errorf(codes.NotFound, "no prepare job for design %s", designID))
	}
	return decodePrepareJob(docs[0].ID, docs[0].Data, docs[0].CreateTime, docs[0].UpdateTime), nil
}

// UpdateStatus transitions a job and applies the optional update fields in a
// single transaction, returning the updated job.
func (r *PrepareJobRepository) UpdateStatus(ctx context.Context, jobID string, jobStatus domain.PrepareJobStatus, update repositories.PrepareJobStatusUpdate) (domain.PrepareJob, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.PrepareJob{}, errors.New("prepare job repository not initialised")
	}
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.PrepareJob{}, errors.New("prepare job repository: job id is required")
	}

	now := time.Now().UTC()
	var updated domain.PrepareJob

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, jobID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc prepareJobDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return err
		}

		doc.Status = string(jobStatus)
		doc.UpdatedAt = now
		if update.ResultURL != nil {
			doc.ResultURL = strings.TrimSpace(*update.ResultURL)
		}
		if update.Error != nil {
			doc.Error = &jobErrorDocument{
				Code:      strings.TrimSpace(update.Error.Code),
				Message:   strings.TrimSpace(update.Error.Message),
				Retryable: update.Error.Retryable,
			}
		} else if jobStatus == domain.PrepareJobStatusSucceeded {
			doc.Error = nil
		}
		if update.Attempt != nil {
			doc.Attempts = append(doc.Attempts, prepareAttemptDocument{
				StartedAt:   update.Attempt.StartedAt.UTC(),
				CompletedAt: normalizeTimePointer(update.Attempt.CompletedAt),
				Status:      string(update.Attempt.Status),
				Message:     strings.TrimSpace(update.Attempt.Message),
			})
		}
		if update.StartedAt != nil {
			ts := update.StartedAt.UTC()
			doc.StartedAt = &ts
		}
		if update.CompletedAt != nil {
			ts := update.CompletedAt.UTC()
			doc.CompletedAt = &ts
		}

		updated = decodePrepareJob(jobID, doc, snapshot.CreateTime, now)
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.PrepareJob{}, pfirestore.WrapError("prepare_jobs.update_status", err)
	}
	return updated, nil
}

type prepareJobDocument struct {
	DesignID    string                   `firestore:"designId"`
	SessionID   string                   `firestore:"sessionId,omitempty"`
	UserID      string                   `firestore:"userId"`
	Status      string                   `firestore:"status"`
	Attempts    []prepareAttemptDocument `firestore:"attempts,omitempty"`
	Error       *jobErrorDocument        `firestore:"error,omitempty"`
	ResultURL   string                   `firestore:"resultUrl,omitempty"`
	StartedAt   *time.Time               `firestore:"startedAt,omitempty"`
	CompletedAt *time.Time               `firestore:"completedAt,omitempty"`
	CreatedAt   time.Time                `firestore:"createdAt"`
	UpdatedAt   time.Time                `firestore:"updatedAt"`
}

type prepareAttemptDocument struct {
	StartedAt   time.Time  `firestore:"startedAt"`
	CompletedAt *time.Time `firestore:"completedAt,omitempty"`
	Status      string     `firestore:"status"`
	Message     string     `firestore:"message,omitempty"`
}

type jobErrorDocument struct {
	Code      string `firestore:"code"`
	Message   string `firestore:"message"`
	Retryable bool   `firestore:"retryable"`
}

func encodePrepareJob(job domain.PrepareJob) prepareJobDocument {
	doc := prepareJobDocument{
		DesignID:  strings.TrimSpace(job.DesignID),
		SessionID: strings.TrimSpace(job.SessionID),
		UserID:    strings.TrimSpace(job.UserID),
		Status:    strings.TrimSpace(string(job.Status)),
		ResultURL: strings.TrimSpace(job.ResultURL),
		CreatedAt: job.CreatedAt.UTC(),
		UpdatedAt: job.UpdatedAt.UTC(),
	}
	for _, attempt := range job.Attempts {
		doc.Attempts = append(doc.Attempts, prepareAttemptDocument{
			StartedAt:   attempt.StartedAt.UTC(),
			CompletedAt: normalizeTimePointer(attempt.CompletedAt),
			Status:      string(attempt.Status),
			Message:     strings.TrimSpace(attempt.Message),
		})
	}
	if job.Error != nil {
		doc.Error = &jobErrorDocument{
			Code:      strings.TrimSpace(job.Error.Code),
			Message:   strings.TrimSpace(job.Error.Message),
			Retryable: job.Error.Retryable,
		}
	}
	return doc
}

func decodePrepareJob(id string, doc prepareJobDocument, createdAt, updatedAt time.Time) domain.PrepareJob {
	job := domain.PrepareJob{
		ID:        strings.TrimSpace(id),
		DesignID:  strings.TrimSpace(doc.DesignID),
		SessionID: strings.TrimSpace(doc.SessionID),
		UserID:    strings.TrimSpace(doc.UserID),
		Status:    domain.PrepareJobStatus(strings.TrimSpace(doc.Status)),
		ResultURL: strings.TrimSpace(doc.ResultURL),
		CreatedAt: chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt: chooseTime(doc.UpdatedAt, updatedAt),
	}
	for _, attempt := range doc.Attempts {
		job.Attempts = append(job.Attempts, domain.PrepareAttempt{
			StartedAt:   attempt.StartedAt.UTC(),
			CompletedAt: normalizeTimePointer(attempt.CompletedAt),
			Status:      domain.PrepareJobStatus(strings.TrimSpace(attempt.Status)),
			Message:     strings.TrimSpace(attempt.Message),
		})
	}
	if doc.Error != nil {
		job.Error = &domain.JobError{
			Code:      strings.TrimSpace(doc.Error.Code),
			Message:   strings.TrimSpace(doc.Error.Message),
			Retryable: doc.Error.Retryable,
		}
	}
	return job
}

var _ repositories.PrepareJobRepository = (*PrepareJobRepository)(nil)
