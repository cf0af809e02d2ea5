package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
)

// ErrDesignInvalidInput indicates the caller provided invalid arguments.
var ErrDesignInvalidInput = errors.New("design service: invalid input")

// ErrDesignNotFound indicates the requested design does not exist or belongs
// to another user.
var ErrDesignNotFound = errors.New("design service: not found")

// ErrDesignConflict indicates the operation collided with a concurrent change.
var ErrDesignConflict = errors.New("design service: conflict")

// ErrDesignUnavailable indicates the design service cannot fulfil the request
// due to missing dependencies or backend issues.
var ErrDesignUnavailable = errors.New("design service: unavailable")

// ErrDesignUploadFailed indicates the candidate image could not be copied
// into managed storage. The save is aborted and the session records the
// failure.
var ErrDesignUploadFailed = errors.New("design service: image upload failed")

var (
	errDesignRepositoryRequired = errors.New("design service: designs repository is required")
	errDesignSessionsRequired   = errors.New("design service: sessions repository is required")
	errDesignClockRequired      = errors.New("design service: clock is required")
	errDesignBucketRequired     = errors.New("design service: assets bucket is required when a mirror is configured")
)

const (
	designNumberCounter = "design-number"
	designNumberFormat  = "DSN-%06d"
	maxDesignNameLength = 120
	defaultDesignName   = "Untitled design"

	// mirrorAttempts bounds the blocking save: one upload plus one retry.
	mirrorAttempts = 2
)

const (
	designEventSaved         = "design.saved"
	designEventSaveFailed    = "design.save.failed"
	designEventMirrorRetried = "design.mirror.retried"
	designEventNumberSkipped = "design.number.skipped"
	designEventQueueFailed   = "design.prepare.queue_failed"
)

// imageMirror copies a remote image into managed object storage and returns
// the canonical URL of the stored copy.
type imageMirror interface {
	MirrorObject(ctx context.Context, sourceURL, bucket, object string) (string, error)
}

// DesignServiceDeps wires the design service dependencies. Designs, Sessions
// and Clock are required. Without a Mirror the original vendor URL is kept;
// without a Dispatcher no print preparation is queued; without Counters the
// design number stays empty.
type DesignServiceDeps struct {
	Designs      repositories.DesignRepository
	Sessions     repositories.WizardSessionRepository
	Jobs         repositories.PrepareJobRepository
	Counters     repositories.CounterRepository
	Mirror       imageMirror
	Dispatcher   BackgroundJobDispatcher
	Audit        AuditLogService
	AssetsBucket string
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(context.Context, string, map[string]any)
}

type designService struct {
	designs      repositories.DesignRepository
	sessions     repositories.WizardSessionRepository
	jobs         repositories.PrepareJobRepository
	counters     repositories.CounterRepository
	mirror       imageMirror
	dispatcher   BackgroundJobDispatcher
	audit        AuditLogService
	assetsBucket string
	now          func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
}

// NewDesignService constructs a DesignService backed by the provided dependencies.
func NewDesignService(deps DesignServiceDeps) (DesignService, error) {
	if deps.Designs == nil {
		return nil, errDesignRepositoryRequired
	}
	if deps.Sessions == nil {
		return nil, errDesignSessionsRequired
	}
	if deps.Clock == nil {
		return nil, errDesignClockRequired
	}
	bucket := strings.TrimSpace(deps.AssetsBucket)
	if deps.Mirror != nil && bucket == "" {
		return nil, errDesignBucketRequired
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &designService{
		designs:      deps.Designs,
		sessions:     deps.Sessions,
		jobs:         deps.Jobs,
		counters:     deps.Counters,
		mirror:       deps.Mirror,
		dispatcher:   deps.Dispatcher,
		audit:        deps.Audit,
		assetsBucket: bucket,
		now:          func() time.Time { return deps.Clock().UTC() },
		newID:        idGen,
		logger:       logger,
	}, nil
}

// SaveDesign persists the chosen showcase candidate as a durable design.
// The call blocks until the design document and its mirrored image are
// stored; the session records saving, then preparing on success or failed
// with the cause on error. Print preparation is queued afterwards and never
// blocks the save.
func (s *designService) SaveDesign(ctx context.Context, cmd SaveDesignCommand) (Design, error) {
	if s == nil || s.designs == nil || s.sessions == nil {
		return Design{}, ErrDesignUnavailable
	}

	sessionID := strings.TrimSpace(cmd.SessionID)
	actorID := strings.TrimSpace(cmd.ActorID)
	candidateID := strings.TrimSpace(cmd.DesignID)
	if sessionID == "" || actorID == "" || candidateID == "" {
		return Design{}, ErrDesignInvalidInput
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return Design{}, s.translateRepoError(err)
	}
	if session.UserID != actorID {
		return Design{}, ErrDesignNotFound
	}
	candidate, ok := session.FindGeneratedDesign(candidateID)
	if !ok {
		return Design{}, ErrDesignInvalidInput
	}
	previousDesignID := session.SavedDesignID

	// Record the in-flight save first so a reload mid-save renders the
	// right state. The guarded write also surfaces concurrent edits before
	// any storage work happens.
	expected := session.UpdatedAt
	session.SelectedDesignID = candidate.ID
	session.PreparationStatus = domain.PreparationSaving
	session.PreparationError = ""
	if _, err := s.persistSession(ctx, session, &expected); err != nil {
		return Design{}, err
	}

	now := s.now()
	designID := designIDPrefix + s.newID()

	imageURL := candidate.ImageURL
	if s.mirror != nil {
		mirrored, err := s.mirrorCandidate(ctx, designID, candidate.ImageURL)
		if err != nil {
			uploadErr := errors.Join(ErrDesignUploadFailed, err)
			s.failSave(ctx, session, uploadErr)
			return Design{}, uploadErr
		}
		imageURL = mirrored
	}

	design := domain.Design{
		ID:             designID,
		Number:         s.nextDesignNumber(ctx),
		UserID:         actorID,
		SessionID:      session.ID,
		Name:           designName(cmd.Name, candidate),
		Prompt:         strings.TrimSpace(candidate.Prompt),
		ImageURL:       imageURL,
		SourceImageURL: candidate.ImageURL,
		Placement:      clonePlacement(cmd.Placement),
		Status:         domain.DesignStatusSaved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	saved, err := s.designs.Insert(ctx, design)
	if err != nil {
		insertErr := s.translateRepoError(err)
		s.failSave(ctx, session, insertErr)
		return Design{}, insertErr
	}

	session.SavedDesignID = saved.ID
	session.FinalDesignURL = saved.ImageURL
	session.PrintReadyURL = ""
	session.PreparationStatus = domain.PreparationPreparing
	session.PreparationError = ""
	if _, err := s.persistSession(ctx, session, nil); err != nil {
		return Design{}, err
	}

	s.logger(ctx, designEventSaved, map[string]any{
		"designId":  saved.ID,
		"sessionId": session.ID,
		"number":    saved.Number,
	})
	if s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:      actorID,
			ActorType:  "user",
			Action:     "design.save",
			TargetRef:  "/designs/" + saved.ID,
			Severity:   "info",
			OccurredAt: now,
			Metadata: map[string]any{
				"sessionId": session.ID,
				"number":    saved.Number,
			},
		})
	}

	if s.dispatcher != nil {
		if _, err := s.dispatcher.QueuePrintPrepare(ctx, QueuePrintPrepareCommand{
			DesignID:           saved.ID,
			SessionID:          session.ID,
			UserID:             actorID,
			SourceURL:          saved.ImageURL,
			SupersedesDesignID: previousDesignID,
		}); err != nil {
			// Preparation is best effort; checkout falls back to the
			// saved image when no print-ready derivative exists.
			s.logger(ctx, designEventQueueFailed, map[string]any{
				"designId": saved.ID,
				"error":    err.Error(),
			})
		}
	}

	return saved, nil
}

// GetDesign fetches a single design owned by the actor. With
// IncludePrepareJob set, a finished prepare job is folded into the returned
// design even when the document has not caught up yet.
func (s *designService) GetDesign(ctx context.Context, designID string, opts DesignReadOptions) (Design, error) {
	if s == nil || s.designs == nil {
		return Design{}, ErrDesignUnavailable
	}

	id := strings.TrimSpace(designID)
	actorID := strings.TrimSpace(opts.ActorID)
	if id == "" || actorID == "" {
		return Design{}, ErrDesignInvalidInput
	}

	design, err := s.designs.FindByID(ctx, id)
	if err != nil {
		return Design{}, s.translateRepoError(err)
	}
	if design.UserID != actorID {
		return Design{}, ErrDesignNotFound
	}

	if opts.IncludePrepareJob && s.jobs != nil && design.Status == domain.DesignStatusPreparing {
		if job, err := s.jobs.FindLatestByDesign(ctx, id); err == nil {
			design = foldJobIntoDesign(design, job)
		}
	}
	return design, nil
}

// ListDesigns pages through the actor's saved designs, newest first.
func (s *designService) ListDesigns(ctx context.Context, filter DesignListFilter) (domain.CursorPage[Design], error) {
	if s == nil || s.designs == nil {
		return domain.CursorPage[Design]{}, ErrDesignUnavailable
	}

	ownerID := strings.TrimSpace(filter.OwnerID)
	if ownerID == "" {
		return domain.CursorPage[Design]{}, ErrDesignInvalidInput
	}

	repoFilter := repositories.DesignListFilter{
		SessionID:  strings.TrimSpace(filter.SessionID),
		Pagination: filter.Pagination,
	}
	for _, raw := range filter.Status {
		if status := strings.TrimSpace(raw); status != "" {
			repoFilter.Status = append(repoFilter.Status, status)
		}
	}

	page, err := s.designs.ListByOwner(ctx, ownerID, repoFilter)
	if err != nil {
		return domain.CursorPage[Design]{}, s.translateRepoError(err)
	}
	return page, nil
}

// PrepareStatus reports the design together with its latest prepare job.
// EffectiveURL always resolves: the print-ready derivative when available,
// otherwise the saved image.
func (s *designService) PrepareStatus(ctx context.Context, q PrepareStatusQuery) (PrepareStatusView, error) {
	if s == nil || s.designs == nil {
		return PrepareStatusView{}, ErrDesignUnavailable
	}

	designID := strings.TrimSpace(q.DesignID)
	actorID := strings.TrimSpace(q.ActorID)
	if designID == "" || actorID == "" {
		return PrepareStatusView{}, ErrDesignInvalidInput
	}

	design, err := s.designs.FindByID(ctx, designID)
	if err != nil {
		return PrepareStatusView{}, s.translateRepoError(err)
	}
	if design.UserID != actorID {
		return PrepareStatusView{}, ErrDesignNotFound
	}

	view := PrepareStatusView{Design: design, EffectiveURL: design.ImageURL}
	if design.PrintReadyURL != "" {
		view.EffectiveURL = design.PrintReadyURL
	}

	if s.jobs != nil {
		job, err := s.jobs.FindLatestByDesign(ctx, designID)
		switch {
		case err == nil:
			view.Job = &job
			if job.Status == domain.PrepareJobStatusSucceeded && job.ResultURL != "" && design.PrintReadyURL == "" {
				view.EffectiveURL = job.ResultURL
			}
		case !isRepoNotFound(err):
			return PrepareStatusView{}, s.translateRepoError(err)
		}
	}
	return view, nil
}

// mirrorCandidate copies the vendor image into the assets bucket. The upload
// is retried once before the save gives up.
func (s *designService) mirrorCandidate(ctx context.Context, designID, sourceURL string) (string, error) {
	object, err := storage.BuildObjectPath(storage.PurposeDesignMaster, storage.PathParams{
		DesignID: designID,
		UploadID: s.newID(),
		FileName: "master.png",
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= mirrorAttempts; attempt++ {
		url, err := s.mirror.MirrorObject(ctx, sourceURL, s.assetsBucket, object)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if attempt < mirrorAttempts {
			s.logger(ctx, designEventMirrorRetried, map[string]any{
				"designId": designID,
				"attempt":  attempt,
				"error":    err.Error(),
			})
		}
	}
	return "", lastErr
}

// failSave records a failed save on the session. The failure blocks checkout
// until a retry succeeds.
func (s *designService) failSave(ctx context.Context, session domain.WizardSession, cause error) {
	session.SavedDesignID = ""
	session.PreparationStatus = domain.PreparationFailed
	session.PreparationError = cause.Error()
	if _, err := s.persistSession(ctx, session, nil); err != nil {
		s.logger(ctx, designEventSaveFailed, map[string]any{
			"sessionId": session.ID,
			"error":     cause.Error(),
			"persist":   err.Error(),
		})
		return
	}
	s.logger(ctx, designEventSaveFailed, map[string]any{
		"sessionId": session.ID,
		"error":     cause.Error(),
	})
}

func (s *designService) nextDesignNumber(ctx context.Context) string {
	if s.counters == nil {
		return ""
	}
	n, err := s.counters.Next(ctx, designNumberCounter, 1)
	if err != nil {
		s.logger(ctx, designEventNumberSkipped, map[string]any{"error": err.Error()})
		return ""
	}
	return fmt.Sprintf(designNumberFormat, n)
}

func (s *designService) persistSession(ctx context.Context, session domain.WizardSession, expected *time.Time) (domain.WizardSession, error) {
	session.UpdatedAt = s.now()
	saved, err := s.sessions.Update(ctx, session, expected)
	if err != nil {
		return domain.WizardSession{}, s.translateRepoError(err)
	}
	return saved, nil
}

func (s *designService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrDesignNotFound
		case repoErr.IsConflict():
			return ErrDesignConflict
		case repoErr.IsUnavailable():
			return ErrDesignUnavailable
		}
	}
	return ErrDesignUnavailable
}

// foldJobIntoDesign projects a finished prepare job onto the design read
// model without persisting anything.
func foldJobIntoDesign(design domain.Design, job domain.PrepareJob) domain.Design {
	switch job.Status {
	case domain.PrepareJobStatusSucceeded:
		if job.ResultURL != "" {
			design.PrintReadyURL = job.ResultURL
			design.Status = domain.DesignStatusPrintReady
		}
	case domain.PrepareJobStatusFailed:
		design.Status = domain.DesignStatusPrepareFailed
	}
	return design
}

func designName(raw string, candidate domain.GeneratedDesign) string {
	if name := truncateRunes(strings.TrimSpace(raw), maxDesignNameLength); name != "" {
		return name
	}
	if prompt := truncateRunes(strings.TrimSpace(candidate.Prompt), maxDesignNameLength); prompt != "" {
		return prompt
	}
	return defaultDesignName
}

func clonePlacement(p *domain.Placement) *domain.Placement {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}
