package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/genai"
)

func TestGenerationServiceFullBatchSuccess(t *testing.T) {
	now := time.Date(2025, 4, 2, 11, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeSports
	store.session.Brand.Colors = []string{"#ff0000", "#0000ff"}
	store.session.Brand.Voice = "loud and proud"

	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			if req.Count != domain.GenerationBatchSize {
				t.Fatalf("expected count %d, got %d", domain.GenerationBatchSize, req.Count)
			}
			if req.Variety != string(domain.VarietyVariations) {
				t.Fatalf("expected default variety variations, got %q", req.Variety)
			}
			if len(req.Palette) != 2 || req.BrandVoice != "loud and proud" {
				t.Fatalf("expected brand inputs forwarded, got palette %v voice %q", req.Palette, req.BrandVoice)
			}
			return genai.GenerateResult{Designs: []genai.CandidateDesign{
				{ImageURL: "https://gen.example.com/1.png", Prompt: "p1"},
				{ImageURL: "https://gen.example.com/2.png", Prompt: "p2"},
				{ImageURL: "https://gen.example.com/3.png", Prompt: "p3"},
			}}, nil
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	outcome, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{
		SessionID: "ws_test",
		ActorID:   "user-1",
		Fresh:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(outcome.NewDesigns) != 3 {
		t.Fatalf("expected 3 new designs, got %d", len(outcome.NewDesigns))
	}
	for _, design := range outcome.NewDesigns {
		if len(design.ID) < 5 || design.ID[:4] != "dsg_" {
			t.Fatalf("expected server-assigned dsg_ id, got %q", design.ID)
		}
	}
	if len(outcome.Failures) != 0 {
		t.Fatalf("expected no slot failures, got %v", outcome.Failures)
	}
	if outcome.Attempt != 1 || outcome.Requested != domain.GenerationBatchSize {
		t.Fatalf("expected attempt 1 of %d requested, got %d/%d", domain.GenerationBatchSize, outcome.Attempt, outcome.Requested)
	}
	if outcome.Session.GenerationAttempts != 1 {
		t.Fatalf("expected attempts persisted as 1, got %d", outcome.Session.GenerationAttempts)
	}
	if outcome.Session.SelectedDesignID != outcome.NewDesigns[2].ID {
		t.Fatalf("expected newest design selected, got %q", outcome.Session.SelectedDesignID)
	}
}

func TestGenerationServicePartialThenScopedRetry(t *testing.T) {
	now := time.Date(2025, 4, 3, 9, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeCompany

	call := 0
	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			call++
			switch call {
			case 1:
				if req.Count != 3 {
					t.Fatalf("expected first call to request 3, got %d", req.Count)
				}
				return genai.GenerateResult{Designs: []genai.CandidateDesign{
						{ImageURL: "https://gen.example.com/a.png"},
						{ImageURL: "https://gen.example.com/b.png"},
					}}, &genai.PartialError{
						Requested: 3,
						Returned:  2,
						Failures:  []genai.SlotFailure{{Slot: 2, Message: "timeout"}},
					}
			case 2:
				if req.Count != 1 {
					t.Fatalf("expected retry scoped to the missing slot, got count %d", req.Count)
				}
				return genai.GenerateResult{Designs: []genai.CandidateDesign{
					{ImageURL: "https://gen.example.com/c.png"},
				}}, nil
			default:
				t.Fatalf("unexpected call %d", call)
				return genai.GenerateResult{}, nil
			}
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	ctx := context.Background()

	outcome, err := service.GenerateDesigns(ctx, GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1", Fresh: true})
	if err != nil {
		t.Fatalf("unexpected error on partial batch: %v", err)
	}
	if len(outcome.NewDesigns) != 2 {
		t.Fatalf("expected 2 designs from the partial batch, got %d", len(outcome.NewDesigns))
	}
	if len(outcome.Failures) != 1 || outcome.Failures[0].Slot != 2 {
		t.Fatalf("expected the failed slot reported, got %v", outcome.Failures)
	}

	outcome, err = service.GenerateDesigns(ctx, GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1", Count: 1})
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if len(outcome.Failures) != 0 {
		t.Fatalf("expected clean retry, got failures %v", outcome.Failures)
	}
	if outcome.Attempt != 2 {
		t.Fatalf("expected second attempt, got %d", outcome.Attempt)
	}
	if got := len(outcome.Session.Designs); got != domain.GenerationBatchSize {
		t.Fatalf("expected the showcase reconciled at %d designs, got %d", domain.GenerationBatchSize, got)
	}
}

func TestGenerationServiceAttemptBudgetExhausted(t *testing.T) {
	now := time.Date(2025, 4, 3, 10, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeFamily
	store.session.GenerationAttempts = domain.MaxGenerationAttempts

	called := false
	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			called = true
			return genai.GenerateResult{Designs: []genai.CandidateDesign{{ImageURL: "https://gen.example.com/x.png"}}}, nil
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	_, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1"})
	if !errors.Is(err, ErrGenerationAttemptsExhausted) {
		t.Fatalf("expected ErrGenerationAttemptsExhausted, got %v", err)
	}
	if called {
		t.Fatalf("expected the vendor to be skipped once the budget is spent")
	}

	outcome, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1", Fresh: true})
	if err != nil {
		t.Fatalf("expected a fresh round to reset the budget, got %v", err)
	}
	if outcome.Attempt != 1 {
		t.Fatalf("expected attempt 1 after reset, got %d", outcome.Attempt)
	}
}

func TestGenerationServiceTotalFailureClassified(t *testing.T) {
	now := time.Date(2025, 4, 3, 11, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeSchool

	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			return genai.GenerateResult{}, &genai.RateLimitError{RetryAfter: 30 * time.Second}
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	outcome, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1", Fresh: true})

	var rateLimited *genai.RateLimitError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected classified rate-limit error, got %v", err)
	}
	if len(outcome.NewDesigns) != 0 {
		t.Fatalf("expected no designs on total failure, got %d", len(outcome.NewDesigns))
	}
	if outcome.Session.GenerationAttempts != 1 {
		t.Fatalf("expected the failed attempt to count, got %d", outcome.Session.GenerationAttempts)
	}
	if store.updates != 1 {
		t.Fatalf("expected attempt accounting persisted, got %d updates", store.updates)
	}
}

func TestGenerationServiceConfigurationFailureKeepsBudget(t *testing.T) {
	now := time.Date(2025, 4, 3, 12, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeOther

	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			return genai.GenerateResult{}, &genai.ConfigurationError{Detail: "generate endpoint is not configured"}
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	outcome, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1", Fresh: true})

	var confErr *genai.ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if outcome.Session.GenerationAttempts != 0 {
		t.Fatalf("expected the budget untouched, got %d attempts", outcome.Session.GenerationAttempts)
	}
	if store.updates != 0 {
		t.Fatalf("expected no persistence for a configuration failure, got %d updates", store.updates)
	}
}

func TestGenerationServiceRequiresEventType(t *testing.T) {
	now := time.Date(2025, 4, 3, 13, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)

	service := newGenerationServiceForTest(t, store, &stubDesignGenerator{}, now)
	_, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1"})
	if !errors.Is(err, ErrGenerationInvalidInput) {
		t.Fatalf("expected ErrGenerationInvalidInput, got %v", err)
	}
}

func TestGenerationServiceFullShowcaseIsNoOp(t *testing.T) {
	now := time.Date(2025, 4, 3, 14, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeSports
	for i := 0; i < domain.GenerationBatchSize; i++ {
		store.session.Designs = append(store.session.Designs, domain.GeneratedDesign{
			ID:       fmt.Sprintf("dsg_%d", i),
			ImageURL: fmt.Sprintf("https://gen.example.com/%d.png", i),
		})
	}

	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			t.Fatalf("generator should not run when the showcase is full")
			return genai.GenerateResult{}, nil
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	outcome, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Requested != 0 || len(outcome.NewDesigns) != 0 {
		t.Fatalf("expected a no-op outcome, got %+v", outcome)
	}
}

func TestGenerationServiceTrimsOverReturnedBatch(t *testing.T) {
	now := time.Date(2025, 4, 3, 15, 0, 0, 0, time.UTC)
	store := &wizardSessionStore{}
	store.session = baseWizardSession(now)
	store.session.EventType = domain.EventTypeCharity

	generator := &stubDesignGenerator{
		generateFunc: func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
			return genai.GenerateResult{Designs: []genai.CandidateDesign{
				{ImageURL: "https://gen.example.com/1.png"},
				{ImageURL: "https://gen.example.com/2.png"},
				{ImageURL: "https://gen.example.com/3.png"},
				{ImageURL: "https://gen.example.com/4.png"},
			}}, nil
		},
	}

	service := newGenerationServiceForTest(t, store, generator, now)
	outcome, err := service.GenerateDesigns(context.Background(), GenerateDesignsCommand{SessionID: "ws_test", ActorID: "user-1", Fresh: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Session.Designs) != domain.GenerationBatchSize {
		t.Fatalf("expected over-returned batch trimmed to %d, got %d", domain.GenerationBatchSize, len(outcome.Session.Designs))
	}
}

func newGenerationServiceForTest(t *testing.T, store *wizardSessionStore, generator *stubDesignGenerator, now time.Time) GenerationService {
	t.Helper()
	service, err := NewGenerationService(GenerationServiceDeps{
		Sessions:  newWizardRepoWith(store),
		Generator: generator,
		Clock:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error constructing generation service: %v", err)
	}
	return service
}

type stubDesignGenerator struct {
	generateFunc func(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error)
}

func (s *stubDesignGenerator) Generate(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error) {
	if s.generateFunc != nil {
		return s.generateFunc(ctx, req)
	}
	return genai.GenerateResult{}, errors.New("not implemented")
}
