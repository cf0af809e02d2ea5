package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/repositories"
)

func TestDesignServiceSaveDesignHappyPath(t *testing.T) {
	now := time.Date(2025, 4, 5, 10, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.Designs = []domain.GeneratedDesign{
		{ID: "dsg_c1", ImageURL: "https://vendor.example.com/c1.png", Prompt: "lions crest"},
		{ID: "dsg_c2", ImageURL: "https://vendor.example.com/c2.png", Prompt: "tigers crest"},
	}
	store.session.SelectedDesignID = "dsg_c2"

	var statuses []domain.PreparationStatus
	sessions := newWizardRepoWith(store)
	baseUpdate := sessions.updateFunc
	sessions.updateFunc = func(ctx context.Context, session domain.WizardSession, expected *time.Time) (domain.WizardSession, error) {
		statuses = append(statuses, session.PreparationStatus)
		return baseUpdate(ctx, session, expected)
	}

	designs := &stubDesignRepository{}
	mirror := &stubMirror{
		mirrorFunc: func(ctx context.Context, sourceURL, bucket, object string) (string, error) {
			if sourceURL != "https://vendor.example.com/c2.png" {
				t.Fatalf("unexpected mirror source %q", sourceURL)
			}
			if bucket != "assets-bucket" {
				t.Fatalf("unexpected bucket %q", bucket)
			}
			if !strings.HasPrefix(object, "assets/designs/dsg_") {
				t.Fatalf("unexpected object path %q", object)
			}
			return "https://storage.googleapis.com/assets-bucket/" + object, nil
		},
	}
	counters := &stubCounterRepository{
		nextFunc: func(ctx context.Context, counterID string, step int64) (int64, error) {
			if counterID != "design-number" {
				t.Fatalf("unexpected counter id %q", counterID)
			}
			return 7, nil
		},
	}
	var queued []QueuePrintPrepareCommand
	dispatcher := &stubJobDispatcher{
		queueFunc: func(ctx context.Context, cmd QueuePrintPrepareCommand) (QueuePrintPrepareResult, error) {
			queued = append(queued, cmd)
			return QueuePrintPrepareResult{JobID: "pj_1", DesignID: cmd.DesignID, Status: domain.PrepareJobStatusQueued}, nil
		},
	}
	audit := &stubAuditLogService{}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:      designs,
		Sessions:     sessions,
		Counters:     counters,
		Mirror:       mirror,
		Dispatcher:   dispatcher,
		Audit:        audit,
		AssetsBucket: "assets-bucket",
		Clock:        func() time.Time { return now },
	})

	saved, err := service.SaveDesign(context.Background(), SaveDesignCommand{
		SessionID: "ws_test",
		ActorID:   "user-1",
		DesignID:  "dsg_c2",
		Name:      "  Tigers tee  ",
		Placement: &domain.Placement{X: 10, Y: 20, Width: 100, Height: 80},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if saved.Number != "DSN-000007" {
		t.Fatalf("expected design number DSN-000007, got %q", saved.Number)
	}
	if saved.Name != "Tigers tee" {
		t.Fatalf("expected trimmed name, got %q", saved.Name)
	}
	if saved.SourceImageURL != "https://vendor.example.com/c2.png" {
		t.Fatalf("expected source url preserved, got %q", saved.SourceImageURL)
	}
	if !strings.HasPrefix(saved.ImageURL, "https://storage.googleapis.com/assets-bucket/") {
		t.Fatalf("expected image url rewritten to managed storage, got %q", saved.ImageURL)
	}
	if saved.Status != domain.DesignStatusSaved {
		t.Fatalf("expected status saved, got %q", saved.Status)
	}
	if saved.Placement == nil || saved.Placement.Width != 100 {
		t.Fatalf("expected placement persisted, got %+v", saved.Placement)
	}

	wantStatuses := []domain.PreparationStatus{domain.PreparationSaving, domain.PreparationPreparing}
	if len(statuses) != len(wantStatuses) {
		t.Fatalf("expected statuses %v, got %v", wantStatuses, statuses)
	}
	for i, want := range wantStatuses {
		if statuses[i] != want {
			t.Fatalf("expected status %q at write %d, got %q", want, i, statuses[i])
		}
	}
	if store.session.SavedDesignID != saved.ID {
		t.Fatalf("expected session to record saved design id, got %q", store.session.SavedDesignID)
	}
	if store.session.FinalDesignURL != saved.ImageURL {
		t.Fatalf("expected final design url rewritten, got %q", store.session.FinalDesignURL)
	}
	if store.session.PreparationError != "" {
		t.Fatalf("expected preparation error cleared, got %q", store.session.PreparationError)
	}

	if len(queued) != 1 {
		t.Fatalf("expected one prepare job queued, got %d", len(queued))
	}
	if queued[0].DesignID != saved.ID || queued[0].SourceURL != saved.ImageURL {
		t.Fatalf("unexpected queue command %+v", queued[0])
	}

	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record, got %d", len(audit.records))
	}
	if audit.records[0].Action != "design.save" || audit.records[0].TargetRef != "/designs/"+saved.ID {
		t.Fatalf("unexpected audit record %+v", audit.records[0])
	}
}

func TestDesignServiceSaveRetriesUploadOnce(t *testing.T) {
	now := time.Date(2025, 4, 5, 11, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.Designs = []domain.GeneratedDesign{{ID: "dsg_c1", ImageURL: "https://vendor.example.com/c1.png"}}

	attempts := 0
	mirror := &stubMirror{
		mirrorFunc: func(ctx context.Context, sourceURL, bucket, object string) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("connection reset")
			}
			return "https://storage.googleapis.com/assets-bucket/" + object, nil
		},
	}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:      &stubDesignRepository{},
		Sessions:     newWizardRepoWith(store),
		Mirror:       mirror,
		AssetsBucket: "assets-bucket",
		Clock:        func() time.Time { return now },
	})

	saved, err := service.SaveDesign(context.Background(), SaveDesignCommand{SessionID: "ws_test", ActorID: "user-1", DesignID: "dsg_c1"})
	if err != nil {
		t.Fatalf("expected the retry to recover, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", attempts)
	}
	if !strings.HasPrefix(saved.ImageURL, "https://storage.googleapis.com/") {
		t.Fatalf("expected mirrored url, got %q", saved.ImageURL)
	}
}

func TestDesignServiceSaveUploadFailureBlocksProgress(t *testing.T) {
	now := time.Date(2025, 4, 5, 12, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.Designs = []domain.GeneratedDesign{{ID: "dsg_c1", ImageURL: "https://vendor.example.com/c1.png"}}

	mirror := &stubMirror{
		mirrorFunc: func(ctx context.Context, sourceURL, bucket, object string) (string, error) {
			return "", errors.New("bucket unreachable")
		},
	}
	designs := &stubDesignRepository{
		insertFunc: func(ctx context.Context, design domain.Design) (domain.Design, error) {
			t.Fatalf("design must not be inserted when the upload fails")
			return domain.Design{}, nil
		},
	}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:      designs,
		Sessions:     newWizardRepoWith(store),
		Mirror:       mirror,
		AssetsBucket: "assets-bucket",
		Clock:        func() time.Time { return now },
	})

	_, err := service.SaveDesign(context.Background(), SaveDesignCommand{SessionID: "ws_test", ActorID: "user-1", DesignID: "dsg_c1"})
	if !errors.Is(err, ErrDesignUploadFailed) {
		t.Fatalf("expected ErrDesignUploadFailed, got %v", err)
	}

	if store.session.PreparationStatus != domain.PreparationFailed {
		t.Fatalf("expected session marked failed, got %q", store.session.PreparationStatus)
	}
	if store.session.PreparationError == "" {
		t.Fatalf("expected the failure recorded on the session")
	}
	if store.session.SavedDesignID != "" {
		t.Fatalf("expected no saved design id, got %q", store.session.SavedDesignID)
	}
}

func TestDesignServiceSaveUnknownCandidateRejected(t *testing.T) {
	now := time.Date(2025, 4, 5, 13, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.Designs = []domain.GeneratedDesign{{ID: "dsg_c1", ImageURL: "https://vendor.example.com/c1.png"}}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  &stubDesignRepository{},
		Sessions: newWizardRepoWith(store),
		Clock:    func() time.Time { return now },
	})

	_, err := service.SaveDesign(context.Background(), SaveDesignCommand{SessionID: "ws_test", ActorID: "user-1", DesignID: "dsg_missing"})
	if !errors.Is(err, ErrDesignInvalidInput) {
		t.Fatalf("expected ErrDesignInvalidInput, got %v", err)
	}
	if store.updates != 0 {
		t.Fatalf("expected no session writes, got %d", store.updates)
	}
}

func TestDesignServiceSaveWithoutMirrorKeepsVendorURL(t *testing.T) {
	now := time.Date(2025, 4, 5, 14, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.Designs = []domain.GeneratedDesign{{ID: "dsg_c1", ImageURL: "https://vendor.example.com/c1.png", Prompt: "sunset badge"}}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  &stubDesignRepository{},
		Sessions: newWizardRepoWith(store),
		Clock:    func() time.Time { return now },
	})

	saved, err := service.SaveDesign(context.Background(), SaveDesignCommand{SessionID: "ws_test", ActorID: "user-1", DesignID: "dsg_c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ImageURL != "https://vendor.example.com/c1.png" {
		t.Fatalf("expected the vendor url kept, got %q", saved.ImageURL)
	}
	if saved.Name != "sunset badge" {
		t.Fatalf("expected the prompt as fallback name, got %q", saved.Name)
	}
	if saved.Number != "" {
		t.Fatalf("expected no number without a counter, got %q", saved.Number)
	}
}

func TestDesignServiceSaveQueueFailureDoesNotBlock(t *testing.T) {
	now := time.Date(2025, 4, 5, 15, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.Designs = []domain.GeneratedDesign{{ID: "dsg_c1", ImageURL: "https://vendor.example.com/c1.png"}}

	dispatcher := &stubJobDispatcher{
		queueFunc: func(ctx context.Context, cmd QueuePrintPrepareCommand) (QueuePrintPrepareResult, error) {
			return QueuePrintPrepareResult{}, errors.New("queue unavailable")
		},
	}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:    &stubDesignRepository{},
		Sessions:   newWizardRepoWith(store),
		Dispatcher: dispatcher,
		Clock:      func() time.Time { return now },
	})

	saved, err := service.SaveDesign(context.Background(), SaveDesignCommand{SessionID: "ws_test", ActorID: "user-1", DesignID: "dsg_c1"})
	if err != nil {
		t.Fatalf("expected the save to succeed despite the queue failure, got %v", err)
	}
	if saved.ID == "" {
		t.Fatalf("expected a saved design")
	}
	if store.session.PreparationStatus != domain.PreparationPreparing {
		t.Fatalf("expected session status preparing, got %q", store.session.PreparationStatus)
	}
}

func TestDesignServiceGetDesignChecksOwnership(t *testing.T) {
	designs := &stubDesignRepository{
		findFunc: func(ctx context.Context, designID string) (domain.Design, error) {
			return domain.Design{ID: designID, UserID: "user-1"}, nil
		},
	}
	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  designs,
		Sessions: &stubWizardSessionRepository{},
		Clock:    time.Now,
	})

	if _, err := service.GetDesign(context.Background(), "dsg_1", DesignReadOptions{ActorID: "intruder"}); !errors.Is(err, ErrDesignNotFound) {
		t.Fatalf("expected ErrDesignNotFound for foreign design, got %v", err)
	}
	if _, err := service.GetDesign(context.Background(), "dsg_1", DesignReadOptions{ActorID: "user-1"}); err != nil {
		t.Fatalf("expected owner read to succeed, got %v", err)
	}
}

func TestDesignServiceGetDesignFoldsFinishedJob(t *testing.T) {
	designs := &stubDesignRepository{
		findFunc: func(ctx context.Context, designID string) (domain.Design, error) {
			return domain.Design{
				ID:       designID,
				UserID:   "user-1",
				ImageURL: "https://storage.googleapis.com/assets-bucket/master.png",
				Status:   domain.DesignStatusPreparing,
			}, nil
		},
	}
	jobs := &stubPrepareJobRepository{
		findLatestFunc: func(ctx context.Context, designID string) (domain.PrepareJob, error) {
			return domain.PrepareJob{
				ID:        "pj_1",
				DesignID:  designID,
				Status:    domain.PrepareJobStatusSucceeded,
				ResultURL: "https://storage.googleapis.com/assets-bucket/print.png",
			}, nil
		},
	}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  designs,
		Sessions: &stubWizardSessionRepository{},
		Jobs:     jobs,
		Clock:    time.Now,
	})

	design, err := service.GetDesign(context.Background(), "dsg_1", DesignReadOptions{ActorID: "user-1", IncludePrepareJob: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if design.Status != domain.DesignStatusPrintReady {
		t.Fatalf("expected the finished job folded in, got status %q", design.Status)
	}
	if design.PrintReadyURL != "https://storage.googleapis.com/assets-bucket/print.png" {
		t.Fatalf("expected print-ready url from the job, got %q", design.PrintReadyURL)
	}
}

func TestDesignServicePrepareStatusFallsBackToOriginal(t *testing.T) {
	designs := &stubDesignRepository{
		findFunc: func(ctx context.Context, designID string) (domain.Design, error) {
			return domain.Design{
				ID:       designID,
				UserID:   "user-1",
				ImageURL: "https://storage.googleapis.com/assets-bucket/master.png",
				Status:   domain.DesignStatusPrepareFailed,
			}, nil
		},
	}
	jobs := &stubPrepareJobRepository{
		findLatestFunc: func(ctx context.Context, designID string) (domain.PrepareJob, error) {
			return domain.PrepareJob{
				ID:       "pj_1",
				DesignID: designID,
				Status:   domain.PrepareJobStatusFailed,
				Error:    &domain.JobError{Code: "NETWORK_ERROR", Message: "vendor timeout"},
			}, nil
		},
	}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  designs,
		Sessions: &stubWizardSessionRepository{},
		Jobs:     jobs,
		Clock:    time.Now,
	})

	view, err := service.PrepareStatus(context.Background(), PrepareStatusQuery{DesignID: "dsg_1", ActorID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.EffectiveURL != "https://storage.googleapis.com/assets-bucket/master.png" {
		t.Fatalf("expected fallback to the saved image, got %q", view.EffectiveURL)
	}
	if view.Job == nil || view.Job.Status != domain.PrepareJobStatusFailed {
		t.Fatalf("expected the failed job surfaced, got %+v", view.Job)
	}
}

func TestDesignServicePrepareStatusPrefersPrintReady(t *testing.T) {
	designs := &stubDesignRepository{
		findFunc: func(ctx context.Context, designID string) (domain.Design, error) {
			return domain.Design{
				ID:            designID,
				UserID:        "user-1",
				ImageURL:      "https://storage.googleapis.com/assets-bucket/master.png",
				PrintReadyURL: "https://storage.googleapis.com/assets-bucket/print.png",
				Status:        domain.DesignStatusPrintReady,
			}, nil
		},
	}
	jobs := &stubPrepareJobRepository{
		findLatestFunc: func(ctx context.Context, designID string) (domain.PrepareJob, error) {
			return domain.PrepareJob{}, &repositoryErrorStub{notFound: true}
		},
	}

	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  designs,
		Sessions: &stubWizardSessionRepository{},
		Jobs:     jobs,
		Clock:    time.Now,
	})

	view, err := service.PrepareStatus(context.Background(), PrepareStatusQuery{DesignID: "dsg_1", ActorID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if view.EffectiveURL != "https://storage.googleapis.com/assets-bucket/print.png" {
		t.Fatalf("expected the print-ready url, got %q", view.EffectiveURL)
	}
	if view.Job != nil {
		t.Fatalf("expected no job attached, got %+v", view.Job)
	}
}

func TestDesignServiceListDesignsRequiresOwner(t *testing.T) {
	service := newDesignServiceForTest(t, DesignServiceDeps{
		Designs:  &stubDesignRepository{},
		Sessions: &stubWizardSessionRepository{},
		Clock:    time.Now,
	})

	if _, err := service.ListDesigns(context.Background(), DesignListFilter{}); !errors.Is(err, ErrDesignInvalidInput) {
		t.Fatalf("expected ErrDesignInvalidInput, got %v", err)
	}
}

func newDesignServiceForTest(t *testing.T, deps DesignServiceDeps) DesignService {
	t.Helper()
	service, err := NewDesignService(deps)
	if err != nil {
		t.Fatalf("unexpected error constructing design service: %v", err)
	}
	return service
}

type stubDesignRepository struct {
	insertFunc      func(ctx context.Context, design domain.Design) (domain.Design, error)
	updateFunc      func(ctx context.Context, design domain.Design) (domain.Design, error)
	findFunc        func(ctx context.Context, designID string) (domain.Design, error)
	listByOwnerFunc func(ctx context.Context, ownerID string, filter repositories.DesignListFilter) (domain.CursorPage[domain.Design], error)
}

func (s *stubDesignRepository) Insert(ctx context.Context, design domain.Design) (domain.Design, error) {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, design)
	}
	return design, nil
}

func (s *stubDesignRepository) Update(ctx context.Context, design domain.Design) (domain.Design, error) {
	if s.updateFunc != nil {
		return s.updateFunc(ctx, design)
	}
	return domain.Design{}, errors.New("not implemented")
}

func (s *stubDesignRepository) FindByID(ctx context.Context, designID string) (domain.Design, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, designID)
	}
	return domain.Design{}, errors.New("not implemented")
}

func (s *stubDesignRepository) ListByOwner(ctx context.Context, ownerID string, filter repositories.DesignListFilter) (domain.CursorPage[domain.Design], error) {
	if s.listByOwnerFunc != nil {
		return s.listByOwnerFunc(ctx, ownerID, filter)
	}
	return domain.CursorPage[domain.Design]{}, errors.New("not implemented")
}

type stubPrepareJobRepository struct {
	insertFunc       func(ctx context.Context, job domain.PrepareJob) (domain.PrepareJob, error)
	findFunc         func(ctx context.Context, jobID string) (domain.PrepareJob, error)
	findLatestFunc   func(ctx context.Context, designID string) (domain.PrepareJob, error)
	updateStatusFunc func(ctx context.Context, jobID string, status domain.PrepareJobStatus, update repositories.PrepareJobStatusUpdate) (domain.PrepareJob, error)
}

func (s *stubPrepareJobRepository) Insert(ctx context.Context, job domain.PrepareJob) (domain.PrepareJob, error) {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, job)
	}
	return job, nil
}

func (s *stubPrepareJobRepository) FindByID(ctx context.Context, jobID string) (domain.PrepareJob, error) {
	if s.findFunc != nil {
		return s.findFunc(ctx, jobID)
	}
	return domain.PrepareJob{}, errors.New("not implemented")
}

func (s *stubPrepareJobRepository) FindLatestByDesign(ctx context.Context, designID string) (domain.PrepareJob, error) {
	if s.findLatestFunc != nil {
		return s.findLatestFunc(ctx, designID)
	}
	return domain.PrepareJob{}, errors.New("not implemented")
}

func (s *stubPrepareJobRepository) UpdateStatus(ctx context.Context, jobID string, status domain.PrepareJobStatus, update repositories.PrepareJobStatusUpdate) (domain.PrepareJob, error) {
	if s.updateStatusFunc != nil {
		return s.updateStatusFunc(ctx, jobID, status, update)
	}
	return domain.PrepareJob{}, errors.New("not implemented")
}

type stubCounterRepository struct {
	nextFunc      func(ctx context.Context, counterID string, step int64) (int64, error)
	configureFunc func(ctx context.Context, counterID string, cfg repositories.CounterConfig) error
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.nextFunc != nil {
		return s.nextFunc(ctx, counterID, step)
	}
	return 0, errors.New("not implemented")
}

func (s *stubCounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if s.configureFunc != nil {
		return s.configureFunc(ctx, counterID, cfg)
	}
	return errors.New("not implemented")
}

type stubMirror struct {
	mirrorFunc func(ctx context.Context, sourceURL, bucket, object string) (string, error)
}

func (s *stubMirror) MirrorObject(ctx context.Context, sourceURL, bucket, object string) (string, error) {
	if s.mirrorFunc != nil {
		return s.mirrorFunc(ctx, sourceURL, bucket, object)
	}
	return "", errors.New("not implemented")
}

type stubJobDispatcher struct {
	queueFunc    func(ctx context.Context, cmd QueuePrintPrepareCommand) (QueuePrintPrepareResult, error)
	getFunc      func(ctx context.Context, jobID string) (domain.PrepareJob, error)
	completeFunc func(ctx context.Context, cmd CompletePrintPrepareCommand) (CompletePrintPrepareResult, error)
	cancelFunc   func(ctx context.Context, designID string) error
}

func (s *stubJobDispatcher) QueuePrintPrepare(ctx context.Context, cmd QueuePrintPrepareCommand) (QueuePrintPrepareResult, error) {
	if s.queueFunc != nil {
		return s.queueFunc(ctx, cmd)
	}
	return QueuePrintPrepareResult{}, errors.New("not implemented")
}

func (s *stubJobDispatcher) GetPrepareJob(ctx context.Context, jobID string) (domain.PrepareJob, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, jobID)
	}
	return domain.PrepareJob{}, errors.New("not implemented")
}

func (s *stubJobDispatcher) CompletePrintPrepare(ctx context.Context, cmd CompletePrintPrepareCommand) (CompletePrintPrepareResult, error) {
	if s.completeFunc != nil {
		return s.completeFunc(ctx, cmd)
	}
	return CompletePrintPrepareResult{}, errors.New("not implemented")
}

func (s *stubJobDispatcher) CancelPrintPrepare(ctx context.Context, designID string) error {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, designID)
	}
	return errors.New("not implemented")
}
