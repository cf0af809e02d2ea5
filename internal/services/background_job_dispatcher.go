package services

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
)

const (
	prepareJobIDPrefix = "pj_"

	jobEventQueued          = "prepare.job.queued"
	jobEventReused          = "prepare.job.reused"
	jobEventSuperseded      = "prepare.job.superseded"
	jobEventCompleted       = "prepare.job.completed"
	jobEventFailed          = "prepare.job.failed"
	jobEventCanceled        = "prepare.job.canceled"
	jobEventStaleCompletion = "prepare.job.stale_completion"
	jobEventPromoted        = "prepare.job.promoted"
	jobEventPromoteFailed   = "prepare.job.promote_failed"
)

var (
	// ErrPrepareInvalidInput indicates required fields were missing from the command.
	ErrPrepareInvalidInput = errors.New("prepare dispatcher: invalid input")
	// ErrPrepareJobNotFound indicates the requested prepare job could not be located.
	ErrPrepareJobNotFound = errors.New("prepare dispatcher: job not found")
)

// prepareCanceller is implemented by publishers that run jobs in process and
// can abort the work for a design, not just mark the job canceled.
type prepareCanceller interface {
	CancelPrepare(designID string)
}

// PrintReadyPromoter copies a finished print file between Cloud Storage
// locations so results land in the print-ready bucket.
type PrintReadyPromoter interface {
	CopyObject(ctx context.Context, sourceBucket, sourceObject, destBucket, destObject string) error
}

// BackgroundJobDispatcherDeps enumerates collaborators required to construct the dispatcher.
type BackgroundJobDispatcherDeps struct {
	Jobs        repositories.PrepareJobRepository
	Designs     repositories.DesignRepository
	Sessions    repositories.WizardSessionRepository
	Publisher   PrepareJobPublisher
	Promoter    PrintReadyPromoter
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)

	// PrintReadyBucket, when set together with Promoter, is where successful
	// results are copied before the job records its URL.
	PrintReadyBucket string
}

type backgroundJobDispatcher struct {
	jobs             repositories.PrepareJobRepository
	designs          repositories.DesignRepository
	sessions         repositories.WizardSessionRepository
	publisher        PrepareJobPublisher
	promoter         PrintReadyPromoter
	audit            AuditLogService
	printReadyBucket string
	clock            func() time.Time
	newID            func() string
	logger           func(context.Context, string, map[string]any)
}

// NewBackgroundJobDispatcher wires dependencies into a BackgroundJobDispatcher implementation.
func NewBackgroundJobDispatcher(deps BackgroundJobDispatcherDeps) (BackgroundJobDispatcher, error) {
	if deps.Jobs == nil {
		return nil, errors.New("prepare dispatcher: job repository is required")
	}
	if deps.Designs == nil {
		return nil, errors.New("prepare dispatcher: design repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("prepare dispatcher: publisher is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &backgroundJobDispatcher{
		jobs:             deps.Jobs,
		designs:          deps.Designs,
		sessions:         deps.Sessions,
		publisher:        deps.Publisher,
		promoter:         deps.Promoter,
		audit:            deps.Audit,
		printReadyBucket: strings.TrimSpace(deps.PrintReadyBucket),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// QueuePrintPrepare accepts one print-preparation job per design. A job still
// active for the same design is returned as is; a still-active job for the
// superseded design is canceled first. The job is published to the background
// queue and marked failed when publishing does not go through.
func (d *backgroundJobDispatcher) QueuePrintPrepare(ctx context.Context, cmd QueuePrintPrepareCommand) (QueuePrintPrepareResult, error) {
	designID := strings.TrimSpace(cmd.DesignID)
	userID := strings.TrimSpace(cmd.UserID)
	sourceURL := strings.TrimSpace(cmd.SourceURL)
	if designID == "" {
		return QueuePrintPrepareResult{}, fmt.Errorf("%w: design id is required", ErrPrepareInvalidInput)
	}
	if userID == "" {
		return QueuePrintPrepareResult{}, fmt.Errorf("%w: user id is required", ErrPrepareInvalidInput)
	}
	if sourceURL == "" {
		return QueuePrintPrepareResult{}, fmt.Errorf("%w: source url is required", ErrPrepareInvalidInput)
	}

	if existing, err := d.jobs.FindLatestByDesign(ctx, designID); err == nil {
		if prepareJobActive(existing.Status) {
			d.logEvent(ctx, jobEventReused, map[string]any{
				"jobId":    existing.ID,
				"designId": designID,
			})
			return QueuePrintPrepareResult{
				JobID:    existing.ID,
				DesignID: designID,
				Status:   existing.Status,
				QueuedAt: existing.CreatedAt,
			}, nil
		}
	} else if !isRepoNotFound(err) {
		return QueuePrintPrepareResult{}, err
	}

	if superseded := strings.TrimSpace(cmd.SupersedesDesignID); superseded != "" && superseded != designID {
		if err := d.CancelPrintPrepare(ctx, superseded); err != nil && !errors.Is(err, ErrPrepareJobNotFound) {
			d.logEvent(ctx, jobEventSuperseded, map[string]any{
				"designId": superseded,
				"error":    err.Error(),
			})
		}
	}

	now := d.now()
	job := domain.PrepareJob{
		ID:        prepareJobIDPrefix + d.newID(),
		DesignID:  designID,
		SessionID: strings.TrimSpace(cmd.SessionID),
		UserID:    userID,
		Status:    domain.PrepareJobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	inserted, err := d.jobs.Insert(ctx, job)
	if err != nil {
		return QueuePrintPrepareResult{}, err
	}

	msg := PrepareJobMessage{
		JobID:          inserted.ID,
		DesignID:       designID,
		SessionID:      job.SessionID,
		SourceURL:      sourceURL,
		QueuedAt:       now,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	}
	if _, err := d.publisher.PublishPrepareJob(ctx, msg); err != nil {
		if updateErr := d.failJob(ctx, inserted.ID, "publish_error", err, now); updateErr != nil {
			d.logEvent(ctx, jobEventFailed, map[string]any{
				"jobId": inserted.ID,
				"error": updateErr.Error(),
			})
		}
		return QueuePrintPrepareResult{}, fmt.Errorf("publish prepare job: %w", err)
	}

	d.markDesignPreparing(ctx, designID)

	d.logEvent(ctx, jobEventQueued, map[string]any{
		"jobId":     inserted.ID,
		"designId":  designID,
		"sessionId": job.SessionID,
	})

	return QueuePrintPrepareResult{
		JobID:    inserted.ID,
		DesignID: designID,
		Status:   inserted.Status,
		QueuedAt: now,
	}, nil
}

func (d *backgroundJobDispatcher) GetPrepareJob(ctx context.Context, jobID string) (domain.PrepareJob, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.PrepareJob{}, fmt.Errorf("%w: job id is required", ErrPrepareInvalidInput)
	}

	job, err := d.jobs.FindByID(ctx, jobID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.PrepareJob{}, ErrPrepareJobNotFound
		}
		return domain.PrepareJob{}, err
	}
	return job, nil
}

// CompletePrintPrepare records a worker's outcome. Terminal jobs are returned
// unchanged so message redelivery stays harmless; a completion arriving after
// the session moved on to another design updates the job and the design but
// leaves the session alone.
func (d *backgroundJobDispatcher) CompletePrintPrepare(ctx context.Context, cmd CompletePrintPrepareCommand) (CompletePrintPrepareResult, error) {
	jobID := strings.TrimSpace(cmd.JobID)
	if jobID == "" {
		return CompletePrintPrepareResult{}, fmt.Errorf("%w: job id is required", ErrPrepareInvalidInput)
	}

	job, err := d.jobs.FindByID(ctx, jobID)
	if err != nil {
		if isRepoNotFound(err) {
			return CompletePrintPrepareResult{}, ErrPrepareJobNotFound
		}
		return CompletePrintPrepareResult{}, err
	}
	if !prepareJobActive(job.Status) {
		return CompletePrintPrepareResult{Job: job}, nil
	}

	now := d.now()

	if cmd.Error != nil {
		attempt := domain.PrepareAttempt{
			StartedAt:   now,
			CompletedAt: &now,
			Status:      domain.PrepareJobStatusFailed,
			Message:     strings.TrimSpace(cmd.Error.Message),
		}
		updated, err := d.jobs.UpdateStatus(ctx, job.ID, domain.PrepareJobStatusFailed, repositories.PrepareJobStatusUpdate{
			Error:       cmd.Error,
			Attempt:     &attempt,
			CompletedAt: &now,
		})
		if err != nil {
			return CompletePrintPrepareResult{}, err
		}

		design := d.applyPrepareFailure(ctx, updated)
		d.syncSessionAfterPrepare(ctx, updated, "", cmd.Error.Message)

		d.logEvent(ctx, jobEventFailed, map[string]any{
			"jobId":    updated.ID,
			"designId": updated.DesignID,
			"code":     cmd.Error.Code,
		})
		d.recordPrepareAudit(ctx, "design.prepare.failed", updated, map[string]any{
			"code":    cmd.Error.Code,
			"message": cmd.Error.Message,
		})
		return CompletePrintPrepareResult{Job: updated, Design: design}, nil
	}

	printReadyURL := strings.TrimSpace(cmd.PrintReadyURL)
	if printReadyURL == "" {
		return CompletePrintPrepareResult{}, fmt.Errorf("%w: print-ready url is required", ErrPrepareInvalidInput)
	}
	printReadyURL = d.promotePrintReady(ctx, job, printReadyURL)

	attempt := domain.PrepareAttempt{
		StartedAt:   now,
		CompletedAt: &now,
		Status:      domain.PrepareJobStatusSucceeded,
	}
	updated, err := d.jobs.UpdateStatus(ctx, job.ID, domain.PrepareJobStatusSucceeded, repositories.PrepareJobStatusUpdate{
		ResultURL:   &printReadyURL,
		Attempt:     &attempt,
		CompletedAt: &now,
	})
	if err != nil {
		return CompletePrintPrepareResult{}, err
	}

	design := d.applyPrepareSuccess(ctx, updated, printReadyURL)
	d.syncSessionAfterPrepare(ctx, updated, printReadyURL, "")

	d.logEvent(ctx, jobEventCompleted, map[string]any{
		"jobId":    updated.ID,
		"designId": updated.DesignID,
	})
	d.recordPrepareAudit(ctx, "design.prepare.completed", updated, nil)
	return CompletePrintPrepareResult{Job: updated, Design: design}, nil
}

func (d *backgroundJobDispatcher) recordPrepareAudit(ctx context.Context, action string, job domain.PrepareJob, extra map[string]any) {
	if d.audit == nil {
		return
	}
	metadata := map[string]any{"jobId": job.ID}
	for key, value := range extra {
		metadata[key] = value
	}
	d.audit.Record(ctx, AuditLogRecord{
		Actor:      "system",
		ActorType:  "system",
		Action:     action,
		TargetRef:  "/designs/" + job.DesignID,
		Severity:   "info",
		OccurredAt: d.now(),
		Metadata:   metadata,
	})
}

// CancelPrintPrepare marks the design's still-active job canceled. In-process
// workers are aborted as well; remote workers observe the terminal status when
// they report back.
func (d *backgroundJobDispatcher) CancelPrintPrepare(ctx context.Context, designID string) error {
	designID = strings.TrimSpace(designID)
	if designID == "" {
		return fmt.Errorf("%w: design id is required", ErrPrepareInvalidInput)
	}

	job, err := d.jobs.FindLatestByDesign(ctx, designID)
	if err != nil {
		if isRepoNotFound(err) {
			return ErrPrepareJobNotFound
		}
		return err
	}
	if !prepareJobActive(job.Status) {
		return nil
	}

	now := d.now()
	if _, err := d.jobs.UpdateStatus(ctx, job.ID, domain.PrepareJobStatusCanceled, repositories.PrepareJobStatusUpdate{
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	if canceller, ok := d.publisher.(prepareCanceller); ok {
		canceller.CancelPrepare(designID)
	}

	d.logEvent(ctx, jobEventCanceled, map[string]any{
		"jobId":    job.ID,
		"designId": designID,
	})
	return nil
}

// promotePrintReady copies a result that landed outside the print-ready
// bucket into it and returns the canonical URL. The worker's URL is kept when
// promotion is not configured, the result is not a Cloud Storage object, or
// the copy fails.
func (d *backgroundJobDispatcher) promotePrintReady(ctx context.Context, job domain.PrepareJob, resultURL string) string {
	if d.promoter == nil || d.printReadyBucket == "" {
		return resultURL
	}
	bucket, object, ok := parseStorageURL(resultURL)
	if !ok || bucket == d.printReadyBucket {
		return resultURL
	}

	destObject, err := storage.BuildObjectPath(storage.PurposePrintReady, storage.PathParams{
		DesignID: job.DesignID,
		FileName: path.Base(object),
	})
	if err == nil {
		err = d.promoter.CopyObject(ctx, bucket, object, d.printReadyBucket, destObject)
	}
	if err != nil {
		d.logEvent(ctx, jobEventPromoteFailed, map[string]any{
			"jobId":    job.ID,
			"designId": job.DesignID,
			"error":    err.Error(),
		})
		return resultURL
	}

	d.logEvent(ctx, jobEventPromoted, map[string]any{
		"jobId":    job.ID,
		"designId": job.DesignID,
		"bucket":   d.printReadyBucket,
	})
	return storage.ObjectURL(d.printReadyBucket, destObject)
}

// parseStorageURL extracts the bucket and object from gs:// and
// storage.googleapis.com URLs. Signed query parameters are dropped.
func parseStorageURL(raw string) (bucket, object string, ok bool) {
	raw = strings.TrimSpace(raw)
	var rest string
	switch {
	case strings.HasPrefix(raw, "gs://"):
		rest = strings.TrimPrefix(raw, "gs://")
	case strings.HasPrefix(raw, "https://storage.googleapis.com/"):
		rest = strings.TrimPrefix(raw, "https://storage.googleapis.com/")
	default:
		return "", "", false
	}
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		rest = rest[:idx]
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// applyPrepareSuccess moves the design to print_ready. The design document is
// secondary to the job record; failures are logged, not returned.
func (d *backgroundJobDispatcher) applyPrepareSuccess(ctx context.Context, job domain.PrepareJob, printReadyURL string) *domain.Design {
	design, err := d.designs.FindByID(ctx, job.DesignID)
	if err != nil {
		d.logEvent(ctx, jobEventStaleCompletion, map[string]any{
			"jobId":    job.ID,
			"designId": job.DesignID,
			"error":    err.Error(),
		})
		return nil
	}
	design.PrintReadyURL = printReadyURL
	design.Status = domain.DesignStatusPrintReady
	design.UpdatedAt = d.now()
	updated, err := d.designs.Update(ctx, design)
	if err != nil {
		d.logEvent(ctx, jobEventStaleCompletion, map[string]any{
			"jobId":    job.ID,
			"designId": job.DesignID,
			"error":    err.Error(),
		})
		return nil
	}
	return &updated
}

func (d *backgroundJobDispatcher) applyPrepareFailure(ctx context.Context, job domain.PrepareJob) *domain.Design {
	design, err := d.designs.FindByID(ctx, job.DesignID)
	if err != nil {
		return nil
	}
	design.Status = domain.DesignStatusPrepareFailed
	design.UpdatedAt = d.now()
	updated, err := d.designs.Update(ctx, design)
	if err != nil {
		return nil
	}
	return &updated
}

// syncSessionAfterPrepare reflects the outcome on the wizard session. The
// write is skipped when the session has since saved a different design.
func (d *backgroundJobDispatcher) syncSessionAfterPrepare(ctx context.Context, job domain.PrepareJob, printReadyURL, failureMessage string) {
	if d.sessions == nil || strings.TrimSpace(job.SessionID) == "" {
		return
	}
	session, err := d.sessions.FindByID(ctx, job.SessionID)
	if err != nil {
		return
	}
	if session.SavedDesignID != job.DesignID {
		d.logEvent(ctx, jobEventStaleCompletion, map[string]any{
			"jobId":     job.ID,
			"designId":  job.DesignID,
			"sessionId": job.SessionID,
		})
		return
	}

	if printReadyURL != "" {
		session.PrintReadyURL = printReadyURL
		session.PreparationStatus = domain.PreparationCompleted
		session.PreparationError = ""
	} else {
		session.PreparationStatus = domain.PreparationFailed
		session.PreparationError = failureMessage
	}
	session.UpdatedAt = d.now()
	if _, err := d.sessions.Update(ctx, session, nil); err != nil {
		d.logEvent(ctx, jobEventStaleCompletion, map[string]any{
			"jobId":     job.ID,
			"sessionId": job.SessionID,
			"error":     err.Error(),
		})
	}
}

func (d *backgroundJobDispatcher) markDesignPreparing(ctx context.Context, designID string) {
	design, err := d.designs.FindByID(ctx, designID)
	if err != nil {
		return
	}
	design.Status = domain.DesignStatusPreparing
	design.UpdatedAt = d.now()
	if _, err := d.designs.Update(ctx, design); err != nil {
		d.logEvent(ctx, jobEventQueued, map[string]any{
			"designId": designID,
			"error":    err.Error(),
		})
	}
}

func (d *backgroundJobDispatcher) failJob(ctx context.Context, jobID, code string, cause error, now time.Time) error {
	jobErr := &domain.JobError{
		Code:      code,
		Message:   cause.Error(),
		Retryable: true,
	}
	_, err := d.jobs.UpdateStatus(ctx, jobID, domain.PrepareJobStatusFailed, repositories.PrepareJobStatusUpdate{
		Error:       jobErr,
		CompletedAt: &now,
	})
	return err
}

func (d *backgroundJobDispatcher) logEvent(ctx context.Context, event string, fields map[string]any) {
	if d.logger != nil {
		d.logger(ctx, event, fields)
	}
}

func (d *backgroundJobDispatcher) now() time.Time {
	return d.clock()
}

// prepareJobActive reports whether the job may still produce a result.
func prepareJobActive(status domain.PrepareJobStatus) bool {
	switch status {
	case domain.PrepareJobStatusQueued, domain.PrepareJobStatusInProgress:
		return true
	default:
		return false
	}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}
