package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/repositories"
)

var (
	errWizardRepositoryRequired = errors.New("wizard service: session repository is required")
	errWizardClockRequired      = errors.New("wizard service: clock is required")
	errInvalidLocaleTag         = errors.New("wizard service: invalid locale tag")
)

// ErrWizardInvalidInput indicates the caller supplied invalid input.
var ErrWizardInvalidInput = errors.New("wizard service: invalid input")

// ErrWizardNotFound indicates the session does not exist or belongs to another user.
var ErrWizardNotFound = errors.New("wizard service: not found")

// ErrWizardConflict indicates the session was modified concurrently.
var ErrWizardConflict = errors.New("wizard service: conflict")

// ErrWizardUnavailable indicates the wizard service cannot fulfil the request due to missing dependencies or backend issues.
var ErrWizardUnavailable = errors.New("wizard service: unavailable")

const (
	wizardSessionIDPrefix = "ws_"
	logoIDPrefix          = "logo_"
	followUpIDPrefix      = "fq_"
	designIDPrefix        = "dsg_"

	maxFeedbackCommentLength = 1000
	minFeedbackScore         = 1
	maxFeedbackScore         = 5
)

const (
	wizardEventSessionStarted    = "wizard.session.started"
	wizardEventSessionReset      = "wizard.session.reset"
	wizardEventSessionCompleted  = "wizard.session.completed"
	wizardEventFollowUpsAdded    = "wizard.followups.appended"
	wizardEventFollowUpsFailed   = "wizard.followups.failed"
	wizardEventPrepareCancelFail = "wizard.prepare.cancel_failed"
)

var hexColorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

type followUpProvider interface {
	FollowUpQuestions(ctx context.Context, req genai.FollowUpRequest) ([]genai.FollowUpQuestion, error)
}

// prepareJobCanceller aborts the print-preparation job of a design. Reset
// uses it so an abandoned session stops consuming worker capacity.
type prepareJobCanceller interface {
	CancelPrintPrepare(ctx context.Context, designID string) error
}

// WizardServiceDeps wires the session repository and the optional follow-up
// question provider for wizard operations.
type WizardServiceDeps struct {
	Sessions    repositories.WizardSessionRepository
	FollowUps   followUpProvider
	Prepares    prepareJobCanceller
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type wizardService struct {
	sessions  repositories.WizardSessionRepository
	followUps followUpProvider
	prepares  prepareJobCanceller
	audit     AuditLogService
	newID     func() string
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewWizardService constructs a WizardService enforcing dependency validation.
func NewWizardService(deps WizardServiceDeps) (WizardService, error) {
	if deps.Sessions == nil {
		return nil, errWizardRepositoryRequired
	}
	if deps.Clock == nil {
		return nil, errWizardClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &wizardService{
		sessions:  deps.Sessions,
		followUps: deps.FollowUps,
		prepares:  deps.Prepares,
		audit:     deps.Audit,
		newID:     idGen,
		now:       func() time.Time { return deps.Clock().UTC() },
		logger:    logger,
	}, nil
}

// StartSession resumes the user's active session or creates a fresh one. A
// user has at most one incomplete session at a time.
func (s *wizardService) StartSession(ctx context.Context, cmd StartWizardCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}
	locale, err := canonicaliseLocale(cmd.Locale)
	if err != nil {
		return WizardSession{}, ErrWizardInvalidInput
	}

	existing, err := s.sessions.FindActiveByUser(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !isRepoNotFound(err) {
		return WizardSession{}, s.translateRepoError(err)
	}

	now := s.now()
	session := domain.WizardSession{
		ID:                wizardSessionIDPrefix + s.newID(),
		UserID:            userID,
		Locale:            locale,
		SchemaVersion:     domain.WizardSchemaVersion,
		Step:              domain.FirstWizardStep,
		PreparationStatus: domain.PreparationIdle,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	saved, err := s.sessions.Insert(ctx, session)
	if err != nil {
		return WizardSession{}, s.translateRepoError(err)
	}

	s.logger(ctx, wizardEventSessionStarted, map[string]any{
		"sessionId": saved.ID,
		"userId":    userID,
	})
	s.recordSessionAudit(ctx, "wizard.session.created", saved)
	return saved, nil
}

func (s *wizardService) GetSession(ctx context.Context, q SessionQuery) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	return s.loadOwned(ctx, q.SessionID, q.ActorID)
}

// AdvanceStep moves one step forward. At the last step the call is a no-op.
// Entering checkout is also a no-op while the save failed and no design was
// stored; a failed background preparation does not block, checkout falls
// back to the saved image.
func (s *wizardService) AdvanceStep(ctx context.Context, q SessionQuery) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, q.SessionID, q.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	next := domain.ClampWizardStep(session.Step + 1)
	if next == session.Step {
		return session, nil
	}
	if next == domain.LastWizardStep && session.PreparationStatus == domain.PreparationFailed && session.SavedDesignID == "" {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Step = next
	return s.persist(ctx, session, expected)
}

// RetreatStep moves one step back, a no-op at the first step.
func (s *wizardService) RetreatStep(ctx context.Context, q SessionQuery) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, q.SessionID, q.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	previous := domain.ClampWizardStep(session.Step - 1)
	if previous == session.Step {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Step = previous
	return s.persist(ctx, session, expected)
}

// GoToStep jumps directly to a step. The target is clamped into the valid
// range; no readiness checks are applied.
func (s *wizardService) GoToStep(ctx context.Context, cmd GoToStepCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	target := domain.ClampWizardStep(cmd.Step)
	if target == session.Step {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Step = target
	return s.persist(ctx, session, expected)
}

// SetEventType picks the occasion. Re-setting the current value is a no-op;
// switching clears the event details and the follow-up questions collected
// for the previous occasion.
func (s *wizardService) SetEventType(ctx context.Context, cmd SetEventTypeCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	raw := strings.TrimSpace(cmd.EventType)
	if raw == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	eventType := domain.ParseEventType(raw)
	if eventType == session.EventType {
		return session, nil
	}

	expected := session.UpdatedAt
	session.EventType = eventType
	session.EventDetails = nil
	session.FollowUps = nil
	recalcQuestionProgress(&session)
	return s.persist(ctx, session, expected)
}

// UpdateEventDetails merges the patch into the session's event details. An
// empty value removes the key.
func (s *wizardService) UpdateEventDetails(ctx context.Context, cmd EventDetailsCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	if len(cmd.Details) == 0 {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	details := cloneDetails(session.EventDetails)
	changed := false
	for key, value := range cmd.Details {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			if _, ok := details[key]; ok {
				delete(details, key)
				changed = true
			}
			continue
		}
		if details == nil {
			details = make(map[string]string)
		}
		if details[key] != value {
			details[key] = value
			changed = true
		}
	}
	if !changed {
		return session, nil
	}
	if len(details) == 0 {
		details = nil
	}

	expected := session.UpdatedAt
	session.EventDetails = details
	return s.persist(ctx, session, expected)
}

// AddBrandLogo appends an uploaded logo reference. Once the logo list is
// full the call is a no-op.
func (s *wizardService) AddBrandLogo(ctx context.Context, cmd AddBrandLogoCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	url := strings.TrimSpace(cmd.URL)
	if url == "" || cmd.SizeBytes < 0 {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	if len(session.Brand.Logos) >= domain.MaxBrandLogos {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Brand.Logos = append(session.Brand.Logos, domain.LogoAsset{
		ID:          logoIDPrefix + s.newID(),
		URL:         url,
		FileName:    strings.TrimSpace(cmd.FileName),
		ContentType: strings.TrimSpace(cmd.ContentType),
		SizeBytes:   cmd.SizeBytes,
		UploadedAt:  s.now(),
	})
	return s.persist(ctx, session, expected)
}

// RemoveBrandLogo removes a logo by id. An unknown id is a no-op.
func (s *wizardService) RemoveBrandLogo(ctx context.Context, cmd RemoveBrandLogoCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	logoID := strings.TrimSpace(cmd.LogoID)
	if logoID == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	kept := make([]domain.LogoAsset, 0, len(session.Brand.Logos))
	removed := false
	for _, logo := range session.Brand.Logos {
		if logo.ID == logoID {
			removed = true
			continue
		}
		kept = append(kept, logo)
	}
	if !removed {
		return session, nil
	}
	if len(kept) == 0 {
		kept = nil
	}

	expected := session.UpdatedAt
	session.Brand.Logos = kept
	return s.persist(ctx, session, expected)
}

// AddBrandColor appends a palette colour. Duplicates and additions beyond
// the palette cap are no-ops.
func (s *wizardService) AddBrandColor(ctx context.Context, cmd BrandColorCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	color, ok := normaliseHexColor(cmd.Color)
	if !ok {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	for _, existing := range session.Brand.Colors {
		if existing == color {
			return session, nil
		}
	}
	if len(session.Brand.Colors) >= domain.MaxBrandColors {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Brand.Colors = append(session.Brand.Colors, color)
	return s.persist(ctx, session, expected)
}

// RemoveBrandColor removes a palette colour. An absent value is a no-op.
func (s *wizardService) RemoveBrandColor(ctx context.Context, cmd BrandColorCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	color := strings.ToLower(strings.TrimSpace(cmd.Color))
	if color == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	kept := make([]string, 0, len(session.Brand.Colors))
	removed := false
	for _, existing := range session.Brand.Colors {
		if existing == color {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return session, nil
	}
	if len(kept) == 0 {
		kept = nil
	}

	expected := session.UpdatedAt
	session.Brand.Colors = kept
	return s.persist(ctx, session, expected)
}

// UpdateBrandProfile replaces the font list and brand voice. Nil fields are
// left untouched; the voice is truncated to its rune cap.
func (s *wizardService) UpdateBrandProfile(ctx context.Context, cmd BrandProfileCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	if cmd.Fonts == nil && cmd.Voice == nil {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	expected := session.UpdatedAt
	if cmd.Fonts != nil {
		session.Brand.Fonts = dedupeStrings(*cmd.Fonts)
	}
	if cmd.Voice != nil {
		session.Brand.Voice = truncateRunes(sanitizePlainText(*cmd.Voice), domain.MaxBrandVoiceLen)
	}
	return s.persist(ctx, session, expected)
}

// Questions returns the chat surface: the fixed questionnaire for the chosen
// event type, the appended follow-ups, and the answer history.
func (s *wizardService) Questions(ctx context.Context, q SessionQuery) (QuestionSet, error) {
	if s == nil || s.sessions == nil {
		return QuestionSet{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, q.SessionID, q.ActorID)
	if err != nil {
		return QuestionSet{}, err
	}
	return questionSetFor(session), nil
}

// AppendAnswer records one answer. The history is append-only; answering the
// same question again keeps both entries and readers take the newest.
func (s *wizardService) AppendAnswer(ctx context.Context, cmd AppendAnswerCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	questionID := strings.TrimSpace(cmd.QuestionID)
	answer := dedupeStrings(cmd.Answer)
	if questionID == "" || len(answer) == 0 {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	questionText := strings.TrimSpace(cmd.Question)
	source, ok := resolveAnswerSource(cmd.Source, questionID, session)
	if !ok {
		return WizardSession{}, ErrWizardInvalidInput
	}
	if questionText == "" {
		for _, question := range questionListFor(session) {
			if question.ID == questionID {
				questionText = question.Text
				break
			}
		}
	}

	expected := session.UpdatedAt
	session.Answers = append(session.Answers, domain.QuestionAnswer{
		QuestionID: questionID,
		Question:   questionText,
		Answer:     answer,
		Source:     source,
		AnsweredAt: s.now(),
	})
	recalcQuestionProgress(&session)
	return s.persist(ctx, session, expected)
}

// RequestFollowUps asks the AI backend for follow-up questions and appends
// them to the session. The per-session follow-up cap and the overall question
// ceiling bound how many are accepted; once either is reached, or when no
// provider is configured, the current set is returned unchanged. Provider
// failures degrade the same way so the fixed questionnaire keeps working.
func (s *wizardService) RequestFollowUps(ctx context.Context, cmd FollowUpCommand) (QuestionSet, error) {
	if s == nil || s.sessions == nil {
		return QuestionSet{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return QuestionSet{}, err
	}
	if strings.TrimSpace(string(session.EventType)) == "" {
		return QuestionSet{}, ErrWizardInvalidInput
	}

	limit := followUpBudget(session)
	if limit <= 0 || s.followUps == nil {
		return questionSetFor(session), nil
	}

	suggested, err := s.followUps.FollowUpQuestions(ctx, genai.FollowUpRequest{
		EventType: string(session.EventType),
		Answers:   promptAnswersFromSession(session),
		Limit:     limit,
	})
	if err != nil {
		s.logger(ctx, wizardEventFollowUpsFailed, map[string]any{
			"sessionId": session.ID,
			"error":     err.Error(),
		})
		return questionSetFor(session), nil
	}

	appended := 0
	for _, question := range suggested {
		if appended >= limit {
			break
		}
		text := strings.TrimSpace(question.Text)
		if text == "" {
			continue
		}
		id := strings.TrimSpace(question.ID)
		if id == "" {
			id = followUpIDPrefix + s.newID()
		}
		if hasQuestionID(session, id) {
			continue
		}
		session.FollowUps = append(session.FollowUps, domain.Question{
			ID:     id,
			Text:   text,
			Multi:  question.Multi,
			Source: domain.AnswerSourceFollowUp,
		})
		appended++
	}
	if appended == 0 {
		return questionSetFor(session), nil
	}

	expected := session.UpdatedAt
	recalcQuestionProgress(&session)
	saved, err := s.persist(ctx, session, expected)
	if err != nil {
		return QuestionSet{}, err
	}

	s.logger(ctx, wizardEventFollowUpsAdded, map[string]any{
		"sessionId": saved.ID,
		"count":     appended,
	})
	return questionSetFor(saved), nil
}

// SetVariety picks how different the generated candidates should be.
func (s *wizardService) SetVariety(ctx context.Context, cmd SetVarietyCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	variety, ok := parseVariety(cmd.Variety)
	if !ok {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}
	if session.Variety == variety {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Variety = variety
	return s.persist(ctx, session, expected)
}

// SetFeedback stores the user's rating of the latest generation round,
// replacing any previous rating.
func (s *wizardService) SetFeedback(ctx context.Context, cmd SetFeedbackCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	if cmd.Score < minFeedbackScore || cmd.Score > maxFeedbackScore {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	expected := session.UpdatedAt
	session.Feedback = &domain.GenerationFeedback{
		Score:       cmd.Score,
		Comment:     truncateRunes(strings.TrimSpace(cmd.Comment), maxFeedbackCommentLength),
		SubmittedAt: s.now(),
	}
	return s.persist(ctx, session, expected)
}

// AppendDesigns adds generated candidates to the showcase. The newest
// appended candidate becomes the selection.
func (s *wizardService) AppendDesigns(ctx context.Context, cmd AppendDesignsCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	if len(cmd.Designs) == 0 {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	now := s.now()
	candidates := make([]domain.GeneratedDesign, 0, len(cmd.Designs))
	for _, design := range cmd.Designs {
		design.ID = strings.TrimSpace(design.ID)
		design.ImageURL = strings.TrimSpace(design.ImageURL)
		if design.ImageURL == "" {
			continue
		}
		if design.ID == "" {
			design.ID = designIDPrefix + s.newID()
		}
		if design.CreatedAt.IsZero() {
			design.CreatedAt = now
		}
		candidates = append(candidates, design)
	}

	expected := session.UpdatedAt
	if session.AppendGeneratedDesigns(candidates...) == 0 {
		return session, nil
	}
	return s.persist(ctx, session, expected)
}

// SelectDesign marks an existing candidate as the current selection.
func (s *wizardService) SelectDesign(ctx context.Context, cmd DesignSelectionCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	designID := strings.TrimSpace(cmd.DesignID)
	if designID == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}
	if session.SelectedDesignID == designID {
		return session, nil
	}

	expected := session.UpdatedAt
	if !session.SelectGeneratedDesign(designID) {
		return WizardSession{}, ErrWizardInvalidInput
	}
	return s.persist(ctx, session, expected)
}

// SetDesignFavorite flags a candidate without touching the selection.
func (s *wizardService) SetDesignFavorite(ctx context.Context, cmd FavoriteDesignCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	designID := strings.TrimSpace(cmd.DesignID)
	if designID == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	if design, ok := session.FindGeneratedDesign(designID); ok && design.Favorite == cmd.Favorite {
		return session, nil
	}

	expected := session.UpdatedAt
	if !session.SetDesignFavorite(designID, cmd.Favorite) {
		return WizardSession{}, ErrWizardInvalidInput
	}
	return s.persist(ctx, session, expected)
}

// RemoveDesign deletes a candidate from the showcase. Removing the selected
// candidate clears the selection; an unknown id is a no-op.
func (s *wizardService) RemoveDesign(ctx context.Context, cmd DesignSelectionCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	designID := strings.TrimSpace(cmd.DesignID)
	if designID == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	expected := session.UpdatedAt
	if !session.RemoveGeneratedDesign(designID) {
		return session, nil
	}
	return s.persist(ctx, session, expected)
}

// SetFinalDesign pins the artwork that will go onto the product. The design
// must be a current candidate; it also becomes the selection. When ImageURL
// is empty the candidate's image URL is used.
func (s *wizardService) SetFinalDesign(ctx context.Context, cmd FinalDesignCommand) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	designID := strings.TrimSpace(cmd.DesignID)
	if designID == "" {
		return WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.loadOwned(ctx, cmd.SessionID, cmd.ActorID)
	if err != nil {
		return WizardSession{}, err
	}

	design, ok := session.FindGeneratedDesign(designID)
	if !ok {
		return WizardSession{}, ErrWizardInvalidInput
	}
	finalURL := strings.TrimSpace(cmd.ImageURL)
	if finalURL == "" {
		finalURL = design.ImageURL
	}

	expected := session.UpdatedAt
	session.SelectedDesignID = design.ID
	session.FinalDesignURL = finalURL
	return s.persist(ctx, session, expected)
}

// CompleteSession marks the wizard as finished.
func (s *wizardService) CompleteSession(ctx context.Context, q SessionQuery) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, q.SessionID, q.ActorID)
	if err != nil {
		return WizardSession{}, err
	}
	if session.Completed {
		return session, nil
	}

	expected := session.UpdatedAt
	session.Completed = true
	saved, err := s.persist(ctx, session, expected)
	if err != nil {
		return WizardSession{}, err
	}

	s.logger(ctx, wizardEventSessionCompleted, map[string]any{
		"sessionId": saved.ID,
		"userId":    saved.UserID,
	})
	return saved, nil
}

// ResetSession restores the session to its defaults, keeping only identity,
// locale, and the creation timestamp. A print preparation still running for
// the session's saved design is canceled.
func (s *wizardService) ResetSession(ctx context.Context, q SessionQuery) (WizardSession, error) {
	if s == nil || s.sessions == nil {
		return WizardSession{}, ErrWizardUnavailable
	}
	session, err := s.loadOwned(ctx, q.SessionID, q.ActorID)
	if err != nil {
		return WizardSession{}, err
	}
	abandonedDesignID := session.SavedDesignID

	expected := session.UpdatedAt
	fresh := domain.WizardSession{
		ID:                session.ID,
		UserID:            session.UserID,
		Locale:            session.Locale,
		SchemaVersion:     domain.WizardSchemaVersion,
		Step:              domain.FirstWizardStep,
		PreparationStatus: domain.PreparationIdle,
		CreatedAt:         session.CreatedAt,
	}
	saved, err := s.persist(ctx, fresh, expected)
	if err != nil {
		return WizardSession{}, err
	}

	if s.prepares != nil && abandonedDesignID != "" {
		if err := s.prepares.CancelPrintPrepare(ctx, abandonedDesignID); err != nil && !errors.Is(err, ErrPrepareJobNotFound) {
			s.logger(ctx, wizardEventPrepareCancelFail, map[string]any{
				"sessionId": saved.ID,
				"designId":  abandonedDesignID,
				"error":     err.Error(),
			})
		}
	}

	s.logger(ctx, wizardEventSessionReset, map[string]any{
		"sessionId": saved.ID,
		"userId":    saved.UserID,
	})
	s.recordSessionAudit(ctx, "wizard.session.reset", saved)
	return saved, nil
}

func (s *wizardService) recordSessionAudit(ctx context.Context, action string, session domain.WizardSession) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      session.UserID,
		ActorType:  "user",
		Action:     action,
		TargetRef:  "/wizardSessions/" + session.ID,
		Severity:   "info",
		OccurredAt: s.now(),
	})
}

func (s *wizardService) loadOwned(ctx context.Context, sessionID, actorID string) (domain.WizardSession, error) {
	id := strings.TrimSpace(sessionID)
	actor := strings.TrimSpace(actorID)
	if id == "" || actor == "" {
		return domain.WizardSession{}, ErrWizardInvalidInput
	}

	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return domain.WizardSession{}, s.translateRepoError(err)
	}
	// Sessions of other users read as absent.
	if session.UserID != actor {
		return domain.WizardSession{}, ErrWizardNotFound
	}
	return session, nil
}

func (s *wizardService) persist(ctx context.Context, session domain.WizardSession, expected time.Time) (domain.WizardSession, error) {
	session.UpdatedAt = s.now()
	saved, err := s.sessions.Update(ctx, session, &expected)
	if err != nil {
		return domain.WizardSession{}, s.translateRepoError(err)
	}
	return saved, nil
}

func (s *wizardService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrWizardNotFound
		case repoErr.IsConflict():
			return ErrWizardConflict
		case repoErr.IsUnavailable():
			return ErrWizardUnavailable
		}
		return ErrWizardUnavailable
	}
	return ErrWizardUnavailable
}

func canonicaliseLocale(tag string) (string, error) {
	trimmed := strings.TrimSpace(tag)
	if trimmed == "" {
		return "", nil
	}
	normalised := strings.ReplaceAll(trimmed, "_", "-")
	parsed, err := language.Parse(normalised)
	if err != nil {
		return "", errors.Join(errInvalidLocaleTag, err)
	}
	return parsed.String(), nil
}

func normaliseHexColor(raw string) (string, bool) {
	color := strings.ToLower(strings.TrimSpace(raw))
	if !hexColorPattern.MatchString(color) {
		return "", false
	}
	return color, true
}

func parseVariety(raw string) (domain.VarietyLevel, bool) {
	switch domain.VarietyLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.VarietyVariations:
		return domain.VarietyVariations, true
	case domain.VarietyDistinct:
		return domain.VarietyDistinct, true
	default:
		return "", false
	}
}

// resolveAnswerSource validates the declared source, inferring it from the
// current question list when the caller left it empty.
func resolveAnswerSource(raw, questionID string, session domain.WizardSession) (domain.AnswerSource, bool) {
	switch domain.AnswerSource(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.AnswerSourceFixed:
		return domain.AnswerSourceFixed, true
	case domain.AnswerSourceFollowUp:
		return domain.AnswerSourceFollowUp, true
	case "":
	default:
		return "", false
	}

	for _, question := range session.FollowUps {
		if question.ID == questionID {
			return domain.AnswerSourceFollowUp, true
		}
	}
	return domain.AnswerSourceFixed, true
}

// questionListFor builds the ordered question list: the fixed set for the
// event type followed by the appended follow-ups. Empty until an event type
// is chosen.
func questionListFor(session domain.WizardSession) []domain.Question {
	if strings.TrimSpace(string(session.EventType)) == "" {
		return nil
	}
	questions := domain.FixedQuestionsFor(session.EventType)
	return append(questions, session.FollowUps...)
}

func questionSetFor(session domain.WizardSession) QuestionSet {
	answers := make([]domain.QuestionAnswer, len(session.Answers))
	copy(answers, session.Answers)
	return QuestionSet{
		Questions: questionListFor(session),
		Answers:   answers,
		Cursor:    session.QuestionCursor,
		Total:     session.QuestionTotal,
	}
}

// recalcQuestionProgress rederives the cursor and total from the current
// question list and answer history, so the persisted values cannot drift.
func recalcQuestionProgress(session *domain.WizardSession) {
	questions := questionListFor(*session)
	answered := make(map[string]struct{}, len(session.Answers))
	for _, answer := range session.Answers {
		answered[answer.QuestionID] = struct{}{}
	}
	cursor := 0
	for _, question := range questions {
		if _, ok := answered[question.ID]; ok {
			cursor++
		}
	}
	session.QuestionCursor = cursor
	session.QuestionTotal = len(questions)
}

// followUpBudget reports how many more follow-ups the session may accept,
// bounded by the per-session follow-up cap and the overall question ceiling.
func followUpBudget(session domain.WizardSession) int {
	perSession := domain.MaxFollowUpQuestions - len(session.FollowUps)
	overall := domain.MaxQuestionTotal - (domain.FixedQuestionCount + len(session.FollowUps))
	return min(perSession, overall)
}

func hasQuestionID(session domain.WizardSession, id string) bool {
	for _, question := range questionListFor(session) {
		if question.ID == id {
			return true
		}
	}
	return false
}

func promptAnswersFromSession(session domain.WizardSession) []genai.PromptAnswer {
	latest := domain.LatestAnswers(session.Answers)
	if len(latest) == 0 {
		return nil
	}
	out := make([]genai.PromptAnswer, 0, len(latest))
	for _, answer := range latest {
		out = append(out, genai.PromptAnswer{
			QuestionID: answer.QuestionID,
			Question:   answer.Question,
			Answer:     cloneStrings(answer.Answer),
		})
	}
	return out
}

func cloneDetails(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
