package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/repositories"
)

var (
	errGenerationRepositoryRequired = errors.New("generation service: session repository is required")
	errGenerationGeneratorRequired  = errors.New("generation service: generator is required")
	errGenerationClockRequired      = errors.New("generation service: clock is required")
)

// ErrGenerationInvalidInput indicates the caller supplied invalid input.
var ErrGenerationInvalidInput = errors.New("generation service: invalid input")

// ErrGenerationNotFound indicates the session does not exist or belongs to another user.
var ErrGenerationNotFound = errors.New("generation service: not found")

// ErrGenerationConflict indicates the session was modified concurrently.
var ErrGenerationConflict = errors.New("generation service: conflict")

// ErrGenerationUnavailable indicates the generation service cannot fulfil the request due to missing dependencies or backend issues.
var ErrGenerationUnavailable = errors.New("generation service: unavailable")

// ErrGenerationAttemptsExhausted indicates the round's attempt budget is spent;
// a fresh round is required before generating again.
var ErrGenerationAttemptsExhausted = errors.New("generation service: attempt budget exhausted")

const (
	generationEventCompleted = "generation.batch.completed"
	generationEventPartial   = "generation.batch.partial"
	generationEventFailed    = "generation.batch.failed"
)

type designGenerator interface {
	Generate(ctx context.Context, req genai.GenerateRequest) (genai.GenerateResult, error)
}

// GenerationServiceDeps wires the session repository and the vendor client
// for batch design generation.
type GenerationServiceDeps struct {
	Sessions    repositories.WizardSessionRepository
	Generator   designGenerator
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type generationService struct {
	sessions  repositories.WizardSessionRepository
	generator designGenerator
	newID     func() string
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewGenerationService constructs a GenerationService enforcing dependency validation.
func NewGenerationService(deps GenerationServiceDeps) (GenerationService, error) {
	if deps.Sessions == nil {
		return nil, errGenerationRepositoryRequired
	}
	if deps.Generator == nil {
		return nil, errGenerationGeneratorRequired
	}
	if deps.Clock == nil {
		return nil, errGenerationClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &generationService{
		sessions:  deps.Sessions,
		generator: deps.Generator,
		newID:     idGen,
		now:       func() time.Time { return deps.Clock().UTC() },
		logger:    logger,
	}, nil
}

// GenerateDesigns runs one generation attempt for the session's current
// round. A fresh round clears the showcase and resets the attempt budget; a
// retry only fills the slots still missing, so the showcase never exceeds
// the batch size. Partial batches return the produced subset with per-slot
// failures; total failures return the vendor's classified error and still
// consume an attempt, except when the backend is misconfigured.
func (s *generationService) GenerateDesigns(ctx context.Context, cmd GenerateDesignsCommand) (GenerationOutcome, error) {
	if s == nil || s.sessions == nil || s.generator == nil {
		return GenerationOutcome{}, ErrGenerationUnavailable
	}

	sessionID := strings.TrimSpace(cmd.SessionID)
	actorID := strings.TrimSpace(cmd.ActorID)
	if sessionID == "" || actorID == "" {
		return GenerationOutcome{}, ErrGenerationInvalidInput
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return GenerationOutcome{}, s.translateRepoError(err)
	}
	if session.UserID != actorID {
		return GenerationOutcome{}, ErrGenerationNotFound
	}
	if strings.TrimSpace(string(session.EventType)) == "" {
		return GenerationOutcome{}, ErrGenerationInvalidInput
	}

	expected := session.UpdatedAt
	if cmd.Fresh {
		session.ClearGeneratedDesigns()
		session.GenerationAttempts = 0
	}

	requested := cmd.Count
	if requested <= 0 || requested > domain.GenerationBatchSize {
		requested = domain.GenerationBatchSize
	}
	room := domain.GenerationBatchSize - len(session.Designs)
	if room <= 0 {
		return GenerationOutcome{Session: session}, nil
	}
	if requested > room {
		requested = room
	}

	if session.GenerationAttempts >= domain.MaxGenerationAttempts {
		return GenerationOutcome{Session: session}, ErrGenerationAttemptsExhausted
	}
	attempt := session.GenerationAttempts + 1

	result, genErr := s.generator.Generate(ctx, s.buildRequest(session, cmd.PromptOverride, requested))

	outcome := GenerationOutcome{Attempt: attempt, Requested: requested}

	var partial *genai.PartialError
	switch {
	case genErr == nil, errors.As(genErr, &partial):
		newDesigns := s.mintDesigns(result.Designs, requested)
		session.GenerationAttempts = attempt
		session.AppendGeneratedDesigns(newDesigns...)

		saved, err := s.persist(ctx, session, expected)
		if err != nil {
			return GenerationOutcome{}, err
		}
		outcome.Session = saved
		outcome.NewDesigns = newDesigns

		if partial != nil {
			outcome.Failures = append(outcome.Failures, partial.Failures...)
			s.logger(ctx, generationEventPartial, map[string]any{
				"sessionId": saved.ID,
				"attempt":   attempt,
				"requested": requested,
				"returned":  len(newDesigns),
			})
			return outcome, nil
		}

		s.logger(ctx, generationEventCompleted, map[string]any{
			"sessionId": saved.ID,
			"attempt":   attempt,
			"requested": requested,
		})
		return outcome, nil

	default:
		// A misconfigured backend is not the user's fault; keep the budget.
		var confErr *genai.ConfigurationError
		if errors.As(genErr, &confErr) {
			outcome.Session = session
			outcome.Attempt = session.GenerationAttempts
			return outcome, genErr
		}

		session.GenerationAttempts = attempt
		saved, err := s.persist(ctx, session, expected)
		if err != nil {
			return GenerationOutcome{}, err
		}
		outcome.Session = saved

		s.logger(ctx, generationEventFailed, map[string]any{
			"sessionId": saved.ID,
			"attempt":   attempt,
			"error":     genErr.Error(),
		})
		return outcome, genErr
	}
}

// buildRequest assembles the vendor request from everything the wizard has
// collected: questionnaire answers, event details, brand palette and voice.
func (s *generationService) buildRequest(session domain.WizardSession, promptOverride string, count int) genai.GenerateRequest {
	variety := session.Variety
	if variety == "" {
		variety = domain.VarietyVariations
	}
	return genai.GenerateRequest{
		Prompt:       strings.TrimSpace(promptOverride),
		Answers:      promptAnswersFromSession(session),
		EventType:    string(session.EventType),
		EventDetails: cloneDetails(session.EventDetails),
		Palette:      cloneStrings(session.Brand.Colors),
		BrandVoice:   session.Brand.Voice,
		Variety:      string(variety),
		Count:        count,
	}
}

// mintDesigns converts vendor candidates into showcase entries with
// server-assigned ids, dropping extras beyond the requested count.
func (s *generationService) mintDesigns(candidates []genai.CandidateDesign, requested int) []domain.GeneratedDesign {
	now := s.now()
	out := make([]domain.GeneratedDesign, 0, min(len(candidates), requested))
	for _, candidate := range candidates {
		if len(out) >= requested {
			break
		}
		imageURL := strings.TrimSpace(candidate.ImageURL)
		if imageURL == "" {
			continue
		}
		out = append(out, domain.GeneratedDesign{
			ID:        designIDPrefix + s.newID(),
			ImageURL:  imageURL,
			Prompt:    candidate.Prompt,
			CreatedAt: now,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *generationService) persist(ctx context.Context, session domain.WizardSession, expected time.Time) (domain.WizardSession, error) {
	session.UpdatedAt = s.now()
	saved, err := s.sessions.Update(ctx, session, &expected)
	if err != nil {
		return domain.WizardSession{}, s.translateRepoError(err)
	}
	return saved, nil
}

func (s *generationService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrGenerationNotFound
		case repoErr.IsConflict():
			return ErrGenerationConflict
		case repoErr.IsUnavailable():
			return ErrGenerationUnavailable
		}
		return ErrGenerationUnavailable
	}
	return ErrGenerationUnavailable
}
