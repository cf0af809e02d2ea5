package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/genai"
	"github.com/genai-merch/api/internal/platform/auth"
	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/services"
)

const maxWizardBodySize = 64 * 1024

// WizardHandlers exposes the design-wizard session endpoints: the step
// machine, brand assets, the question flow, generation, and the save/prepare
// pipeline surface.
type WizardHandlers struct {
	wizard     services.WizardService
	generation services.GenerationService
	designs    services.DesignService
	limiter    rateLimiter
}

// WizardOption customises WizardHandlers construction.
type WizardOption func(*WizardHandlers)

// WithGenerateRateLimiter throttles the generation endpoints per user.
func WithGenerateRateLimiter(limiter rateLimiter) WizardOption {
	return func(h *WizardHandlers) {
		h.limiter = limiter
	}
}

// WithGenerateRateLimit throttles the generation endpoints to limit requests
// per user within the window. Non-positive values leave the endpoints
// unthrottled.
func WithGenerateRateLimit(limit int, window time.Duration) WizardOption {
	return func(h *WizardHandlers) {
		if limiter := newSimpleRateLimiter(limit, window, nil); limiter != nil {
			h.limiter = limiter
		}
	}
}

// NewWizardHandlers constructs the wizard endpoint set.
func NewWizardHandlers(wizard services.WizardService, generation services.GenerationService, designs services.DesignService, opts ...WizardOption) *WizardHandlers {
	h := &WizardHandlers{
		wizard:     wizard,
		generation: generation,
		designs:    designs,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /wizard/sessions endpoints onto the provided router.
func (h *WizardHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.startSession)
	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Post("/advance", h.advanceStep)
		r.Post("/retreat", h.retreatStep)
		r.Post("/goto", h.goToStep)
		r.Put("/event", h.setEventType)
		r.Put("/event/details/{key}", h.putEventDetail)
		r.Delete("/event/details/{key}", h.deleteEventDetail)
		r.Post("/brand/logos", h.addBrandLogo)
		r.Delete("/brand/logos/{logoID}", h.removeBrandLogo)
		r.Post("/brand/colors", h.addBrandColor)
		r.Delete("/brand/colors/{hex}", h.removeBrandColor)
		r.Post("/brand/fonts", h.addBrandFont)
		r.Delete("/brand/fonts/{name}", h.removeBrandFont)
		r.Put("/brand/voice", h.setBrandVoice)
		r.Get("/questions", h.listQuestions)
		r.Post("/answers", h.appendAnswer)
		r.Post("/follow-ups", h.requestFollowUps)
		r.Put("/variety", h.setVariety)
		r.Post("/feedback", h.submitFeedback)
		r.Post("/generate", h.generateDesigns)
		r.Post("/generate/retry", h.retryGeneration)
		r.Post("/designs/{designID}/select", h.selectDesign)
		r.Put("/designs/{designID}/favorite", h.favoriteDesign)
		r.Delete("/designs/{designID}", h.removeDesign)
		r.Post("/save", h.saveDesign)
		r.Get("/preparation", h.preparationStatus)
		r.Post("/complete", h.completeSession)
		r.Post("/reset", h.resetSession)
	})
}

type sessionResponse struct {
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	Locale        string             `json:"locale,omitempty"`
	Step          int                `json:"step"`
	StepKey       string             `json:"step_key,omitempty"`
	Completed     bool               `json:"completed"`
	EventType     string             `json:"event_type,omitempty"`
	EventDetails  map[string]string  `json:"event_details,omitempty"`
	Brand         brandPayload       `json:"brand"`
	Answers       []answerPayload    `json:"answers,omitempty"`
	FollowUps     []questionPayload  `json:"follow_ups,omitempty"`
	Cursor        int                `json:"question_cursor"`
	QuestionTotal int                `json:"question_total"`
	Variety       string             `json:"variety,omitempty"`
	Feedback      *feedbackPayload   `json:"feedback,omitempty"`
	Designs       []candidatePayload `json:"designs,omitempty"`
	SelectedID    string             `json:"selected_design_id,omitempty"`
	FinalURL      string             `json:"final_design_url,omitempty"`
	SavedDesignID string             `json:"saved_design_id,omitempty"`
	PrintReadyURL string             `json:"print_ready_url,omitempty"`
	Preparation   string             `json:"preparation_status"`
	PrepError     string             `json:"preparation_error,omitempty"`
	Attempts      int                `json:"generation_attempts"`
	CreatedAt     string             `json:"created_at,omitempty"`
	UpdatedAt     string             `json:"updated_at,omitempty"`
}

type brandPayload struct {
	Logos  []logoPayload `json:"logos,omitempty"`
	Colors []string      `json:"colors,omitempty"`
	Fonts  []string      `json:"fonts,omitempty"`
	Voice  string        `json:"voice,omitempty"`
}

type logoPayload struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	UploadedAt  string `json:"uploaded_at,omitempty"`
}

type questionPayload struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Multi  bool   `json:"multi,omitempty"`
	Source string `json:"source"`
}

type answerPayload struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question,omitempty"`
	Answer     []string `json:"answer"`
	Source     string   `json:"source"`
	AnsweredAt string   `json:"answered_at,omitempty"`
}

type feedbackPayload struct {
	Score       int    `json:"score"`
	Comment     string `json:"comment,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
}

type candidatePayload struct {
	ID        string `json:"id"`
	ImageURL  string `json:"image_url"`
	Prompt    string `json:"prompt,omitempty"`
	Favorite  bool   `json:"favorite,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type questionSetPayload struct {
	Questions []questionPayload `json:"questions"`
	Answers   []answerPayload   `json:"answers,omitempty"`
	Cursor    int               `json:"cursor"`
	Total     int               `json:"total"`
}

type generationPayload struct {
	Session    sessionPayload       `json:"session"`
	NewDesigns []candidatePayload   `json:"new_designs"`
	Failures   []slotFailurePayload `json:"failures,omitempty"`
	Attempt    int                  `json:"attempt"`
	Requested  int                  `json:"requested"`
	Error      string               `json:"error,omitempty"`
}

type slotFailurePayload struct {
	Slot    int    `json:"slot"`
	Message string `json:"message"`
}

type preparationPayload struct {
	Status        string             `json:"status"`
	DesignID      string             `json:"design_id,omitempty"`
	PrintReadyURL string             `json:"print_ready_url,omitempty"`
	EffectiveURL  string             `json:"effective_url,omitempty"`
	Error         string             `json:"error,omitempty"`
	Design        *designPayload     `json:"design,omitempty"`
	Job           *prepareJobPayload `json:"job,omitempty"`
}

func buildWizardSessionPayload(session services.WizardSession) sessionPayload {
	payload := sessionPayload{
		ID:            session.ID,
		UserID:        session.UserID,
		Locale:        session.Locale,
		Step:          session.Step,
		Completed:     session.Completed,
		EventType:     string(session.EventType),
		EventDetails:  session.EventDetails,
		Cursor:        session.QuestionCursor,
		QuestionTotal: session.QuestionTotal,
		Variety:       string(session.Variety),
		SelectedID:    session.SelectedDesignID,
		FinalURL:      session.FinalDesignURL,
		SavedDesignID: session.SavedDesignID,
		PrintReadyURL: session.PrintReadyURL,
		Preparation:   string(session.PreparationStatus),
		PrepError:     session.PreparationError,
		Attempts:      session.GenerationAttempts,
		CreatedAt:     formatTime(session.CreatedAt),
		UpdatedAt:     formatTime(session.UpdatedAt),
	}
	if payload.Preparation == "" {
		payload.Preparation = string(domain.PreparationIdle)
	}
	if step, ok := domain.WizardStepAt(session.Step); ok {
		payload.StepKey = step.Key
	}

	payload.Brand = brandPayload{
		Colors: session.Brand.Colors,
		Fonts:  session.Brand.Fonts,
		Voice:  session.Brand.Voice,
	}
	for _, logo := range session.Brand.Logos {
		payload.Brand.Logos = append(payload.Brand.Logos, logoPayload{
			ID:          logo.ID,
			URL:         logo.URL,
			FileName:    logo.FileName,
			ContentType: logo.ContentType,
			SizeBytes:   logo.SizeBytes,
			UploadedAt:  formatTime(logo.UploadedAt),
		})
	}
	for _, answer := range session.Answers {
		payload.Answers = append(payload.Answers, buildAnswerPayload(answer))
	}
	for _, question := range session.FollowUps {
		payload.FollowUps = append(payload.FollowUps, buildQuestionPayload(question))
	}
	if session.Feedback != nil {
		payload.Feedback = &feedbackPayload{
			Score:       session.Feedback.Score,
			Comment:     session.Feedback.Comment,
			SubmittedAt: formatTime(session.Feedback.SubmittedAt),
		}
	}
	for _, design := range session.Designs {
		payload.Designs = append(payload.Designs, buildCandidatePayload(design))
	}
	return payload
}

func buildQuestionPayload(question services.Question) questionPayload {
	return questionPayload{
		ID:     question.ID,
		Text:   question.Text,
		Multi:  question.Multi,
		Source: string(question.Source),
	}
}

func buildAnswerPayload(answer domain.QuestionAnswer) answerPayload {
	return answerPayload{
		QuestionID: answer.QuestionID,
		Question:   answer.Question,
		Answer:     answer.Answer,
		Source:     string(answer.Source),
		AnsweredAt: formatTime(answer.AnsweredAt),
	}
}

func buildCandidatePayload(design domain.GeneratedDesign) candidatePayload {
	return candidatePayload{
		ID:        design.ID,
		ImageURL:  design.ImageURL,
		Prompt:    design.Prompt,
		Favorite:  design.Favorite,
		CreatedAt: formatTime(design.CreatedAt),
	}
}

func buildQuestionSetPayload(set services.QuestionSet) questionSetPayload {
	payload := questionSetPayload{
		Questions: make([]questionPayload, 0, len(set.Questions)),
		Cursor:    set.Cursor,
		Total:     set.Total,
	}
	for _, question := range set.Questions {
		payload.Questions = append(payload.Questions, buildQuestionPayload(question))
	}
	for _, answer := range set.Answers {
		payload.Answers = append(payload.Answers, buildAnswerPayload(answer))
	}
	return payload
}

func buildGenerationPayload(outcome services.GenerationOutcome) generationPayload {
	payload := generationPayload{
		Session:    buildWizardSessionPayload(outcome.Session),
		NewDesigns: make([]candidatePayload, 0, len(outcome.NewDesigns)),
		Attempt:    outcome.Attempt,
		Requested:  outcome.Requested,
	}
	for _, design := range outcome.NewDesigns {
		payload.NewDesigns = append(payload.NewDesigns, buildCandidatePayload(design))
	}
	for _, failure := range outcome.Failures {
		payload.Failures = append(payload.Failures, slotFailurePayload{Slot: failure.Slot, Message: failure.Message})
	}
	return payload
}

type startSessionRequest struct {
	Locale string `json:"locale"`
}

type gotoStepRequest struct {
	Step int `json:"step"`
}

type eventTypeRequest struct {
	EventType string            `json:"event_type"`
	Details   map[string]string `json:"details"`
}

type eventDetailRequest struct {
	Value string `json:"value"`
}

type brandLogoRequest struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type brandColorRequest struct {
	Hex string `json:"hex"`
}

type brandFontRequest struct {
	Name string `json:"name"`
}

type brandVoiceRequest struct {
	Voice string `json:"voice"`
}

type appendAnswerRequest struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Answer     []string `json:"answer"`
	Source     string   `json:"source"`
}

type varietyRequest struct {
	Level string `json:"level"`
}

type feedbackRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

type generateRequest struct {
	Count          int    `json:"count"`
	PromptOverride string `json:"prompt_override"`
}

type favoriteRequest struct {
	Favorite *bool `json:"favorite"`
}

type saveDesignRequest struct {
	DesignID  string            `json:"design_id"`
	Name      string            `json:"name"`
	Placement *placementPayload `json:"placement"`
}

func (h *WizardHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.wizard == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wizard_service_unavailable", "wizard service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req startSessionRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = identity.Locale
	}

	session, err := h.wizard.StartSession(ctx, services.StartWizardCommand{UserID: identity.UID, Locale: locale})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	h.sessionQueryOp(w, r, func(ctx context.Context, q services.SessionQuery) (services.WizardSession, error) {
		return h.wizard.GetSession(ctx, q)
	})
}

func (h *WizardHandlers) advanceStep(w http.ResponseWriter, r *http.Request) {
	h.sessionQueryOp(w, r, func(ctx context.Context, q services.SessionQuery) (services.WizardSession, error) {
		return h.wizard.AdvanceStep(ctx, q)
	})
}

func (h *WizardHandlers) retreatStep(w http.ResponseWriter, r *http.Request) {
	h.sessionQueryOp(w, r, func(ctx context.Context, q services.SessionQuery) (services.WizardSession, error) {
		return h.wizard.RetreatStep(ctx, q)
	})
}

func (h *WizardHandlers) completeSession(w http.ResponseWriter, r *http.Request) {
	h.sessionQueryOp(w, r, func(ctx context.Context, q services.SessionQuery) (services.WizardSession, error) {
		return h.wizard.CompleteSession(ctx, q)
	})
}

func (h *WizardHandlers) resetSession(w http.ResponseWriter, r *http.Request) {
	h.sessionQueryOp(w, r, func(ctx context.Context, q services.SessionQuery) (services.WizardSession, error) {
		return h.wizard.ResetSession(ctx, q)
	})
}

// sessionQueryOp handles the transitions addressed by session id alone.
func (h *WizardHandlers) sessionQueryOp(w http.ResponseWriter, r *http.Request, op func(context.Context, services.SessionQuery) (services.WizardSession, error)) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	session, err := op(ctx, services.SessionQuery{SessionID: sessionID, ActorID: identity.UID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) goToStep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req gotoStepRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.wizard.GoToStep(ctx, services.GoToStepCommand{SessionID: sessionID, ActorID: identity.UID, Step: req.Step})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) setEventType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req eventTypeRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.EventType) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "event_type is required", http.StatusBadRequest))
		return
	}

	session, err := h.wizard.SetEventType(ctx, services.SetEventTypeCommand{SessionID: sessionID, ActorID: identity.UID, EventType: req.EventType})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	if len(req.Details) > 0 {
		session, err = h.wizard.UpdateEventDetails(ctx, services.EventDetailsCommand{SessionID: sessionID, ActorID: identity.UID, Details: req.Details})
		if err != nil {
			h.writeWizardError(ctx, w, err)
			return
		}
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) putEventDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "detail key is required", http.StatusBadRequest))
		return
	}

	var req eventDetailRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.wizard.UpdateEventDetails(ctx, services.EventDetailsCommand{
		SessionID: sessionID,
		ActorID:   identity.UID,
		Details:   map[string]string{key: req.Value},
	})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) deleteEventDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "detail key is required", http.StatusBadRequest))
		return
	}

	// An empty value removes the key.
	session, err := h.wizard.UpdateEventDetails(ctx, services.EventDetailsCommand{
		SessionID: sessionID,
		ActorID:   identity.UID,
		Details:   map[string]string{key: ""},
	})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) addBrandLogo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req brandLogoRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "url is required", http.StatusBadRequest))
		return
	}

	session, err := h.wizard.AddBrandLogo(ctx, services.AddBrandLogoCommand{
		SessionID:   sessionID,
		ActorID:     identity.UID,
		URL:         req.URL,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		SizeBytes:   req.SizeBytes,
	})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) removeBrandLogo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	logoID := strings.TrimSpace(chi.URLParam(r, "logoID"))
	if logoID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "logo id is required", http.StatusBadRequest))
		return
	}

	session, err := h.wizard.RemoveBrandLogo(ctx, services.RemoveBrandLogoCommand{SessionID: sessionID, ActorID: identity.UID, LogoID: logoID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) addBrandColor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req brandColorRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.wizard.AddBrandColor(ctx, services.BrandColorCommand{SessionID: sessionID, ActorID: identity.UID, Color: req.Hex})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) removeBrandColor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	hex := strings.TrimSpace(pathParam(r, "hex"))
	if hex == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "color is required", http.StatusBadRequest))
		return
	}

	session, err := h.wizard.RemoveBrandColor(ctx, services.BrandColorCommand{SessionID: sessionID, ActorID: identity.UID, Color: hex})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) addBrandFont(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req brandFontRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "font name is required", http.StatusBadRequest))
		return
	}

	session, err := h.mutateFonts(ctx, sessionID, identity.UID, func(fonts []string) []string {
		for _, existing := range fonts {
			if strings.EqualFold(existing, name) {
				return fonts
			}
		}
		return append(fonts, name)
	})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) removeBrandFont(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(pathParam(r, "name"))
	if name == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "font name is required", http.StatusBadRequest))
		return
	}

	session, err := h.mutateFonts(ctx, sessionID, identity.UID, func(fonts []string) []string {
		kept := fonts[:0]
		for _, existing := range fonts {
			if !strings.EqualFold(existing, name) {
				kept = append(kept, existing)
			}
		}
		return kept
	})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

// mutateFonts rewrites the font list through the partial brand-profile update.
func (h *WizardHandlers) mutateFonts(ctx context.Context, sessionID, actorID string, mutate func([]string) []string) (services.WizardSession, error) {
	session, err := h.wizard.GetSession(ctx, services.SessionQuery{SessionID: sessionID, ActorID: actorID})
	if err != nil {
		return services.WizardSession{}, err
	}
	fonts := mutate(append([]string(nil), session.Brand.Fonts...))
	return h.wizard.UpdateBrandProfile(ctx, services.BrandProfileCommand{SessionID: sessionID, ActorID: actorID, Fonts: &fonts})
}

func (h *WizardHandlers) setBrandVoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req brandVoiceRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.wizard.UpdateBrandProfile(ctx, services.BrandProfileCommand{SessionID: sessionID, ActorID: identity.UID, Voice: &req.Voice})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) listQuestions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	set, err := h.wizard.Questions(ctx, services.SessionQuery{SessionID: sessionID, ActorID: identity.UID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildQuestionSetPayload(set))
}

func (h *WizardHandlers) appendAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req appendAnswerRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.QuestionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "question_id is required", http.StatusBadRequest))
		return
	}

	session, err := h.wizard.AppendAnswer(ctx, services.AppendAnswerCommand{
		SessionID:  sessionID,
		ActorID:    identity.UID,
		QuestionID: req.QuestionID,
		Question:   req.Question,
		Answer:     req.Answer,
		Source:     req.Source,
	})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) requestFollowUps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	set, err := h.wizard.RequestFollowUps(ctx, services.FollowUpCommand{SessionID: sessionID, ActorID: identity.UID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildQuestionSetPayload(set))
}

func (h *WizardHandlers) setVariety(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req varietyRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.wizard.SetVariety(ctx, services.SetVarietyCommand{SessionID: sessionID, ActorID: identity.UID, Variety: req.Level})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) submitFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.wizard.SetFeedback(ctx, services.SetFeedbackCommand{SessionID: sessionID, ActorID: identity.UID, Score: req.Score, Comment: req.Comment})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) generateDesigns(w http.ResponseWriter, r *http.Request) {
	h.runGeneration(w, r, true)
}

func (h *WizardHandlers) retryGeneration(w http.ResponseWriter, r *http.Request) {
	h.runGeneration(w, r, false)
}

// runGeneration drives one generation attempt. Fresh rounds clear the
// showcase and reset the attempt budget; retries fill the missing slots of
// the current round.
func (h *WizardHandlers) runGeneration(w http.ResponseWriter, r *http.Request, fresh bool) {
	ctx := r.Context()
	if h.generation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("generation_service_unavailable", "generation service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("RATE_LIMIT", "too many generation requests; slow down", http.StatusTooManyRequests))
		return
	}

	var req generateRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	outcome, err := h.generation.GenerateDesigns(ctx, services.GenerateDesignsCommand{
		SessionID:      sessionID,
		ActorID:        identity.UID,
		Count:          req.Count,
		Fresh:          fresh,
		PromptOverride: req.PromptOverride,
	})
	if err != nil {
		writeGenerationError(ctx, w, err)
		return
	}

	payload := buildGenerationPayload(outcome)
	status := http.StatusOK
	if len(outcome.Failures) > 0 {
		status = http.StatusMultiStatus
		payload.Error = string(genai.CodePartial)
	}
	writeJSONResponse(w, status, payload)
}

func (h *WizardHandlers) selectDesign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	designID := strings.TrimSpace(chi.URLParam(r, "designID"))

	session, err := h.wizard.SelectDesign(ctx, services.DesignSelectionCommand{SessionID: sessionID, ActorID: identity.UID, DesignID: designID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) favoriteDesign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	designID := strings.TrimSpace(chi.URLParam(r, "designID"))

	var req favoriteRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	favorite := true
	if req.Favorite != nil {
		favorite = *req.Favorite
	}

	session, err := h.wizard.SetDesignFavorite(ctx, services.FavoriteDesignCommand{SessionID: sessionID, ActorID: identity.UID, DesignID: designID, Favorite: favorite})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) removeDesign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	designID := strings.TrimSpace(chi.URLParam(r, "designID"))

	session, err := h.wizard.RemoveDesign(ctx, services.DesignSelectionCommand{SessionID: sessionID, ActorID: identity.UID, DesignID: designID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildWizardSessionPayload(session)})
}

func (h *WizardHandlers) saveDesign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.designs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("design_service_unavailable", "design service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req saveDesignRequest
	if err := decodeJSONBody(r, maxWizardBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	designID := strings.TrimSpace(req.DesignID)
	if designID == "" {
		session, err := h.wizard.GetSession(ctx, services.SessionQuery{SessionID: sessionID, ActorID: identity.UID})
		if err != nil {
			h.writeWizardError(ctx, w, err)
			return
		}
		designID = session.SelectedDesignID
	}
	if designID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "no design selected", http.StatusBadRequest))
		return
	}

	saved, err := h.designs.SaveDesign(ctx, services.SaveDesignCommand{
		SessionID: sessionID,
		ActorID:   identity.UID,
		DesignID:  designID,
		Name:      req.Name,
		Placement: placementFromPayload(req.Placement),
	})
	if err != nil {
		writeDesignError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, savedDesignResponse{Design: buildSavedDesignPayload(saved)})
}

// preparationStatus reports the save/prepare pipeline for the session. Before
// any save it renders the session fields alone; afterwards the saved design
// and its latest job are folded in.
func (h *WizardHandlers) preparationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	session, err := h.wizard.GetSession(ctx, services.SessionQuery{SessionID: sessionID, ActorID: identity.UID})
	if err != nil {
		h.writeWizardError(ctx, w, err)
		return
	}

	payload := preparationPayload{
		Status:        string(session.PreparationStatus),
		DesignID:      session.SavedDesignID,
		PrintReadyURL: session.PrintReadyURL,
		EffectiveURL:  session.FinalDesignURL,
		Error:         session.PreparationError,
	}
	if payload.Status == "" {
		payload.Status = string(domain.PreparationIdle)
	}
	if session.PrintReadyURL != "" {
		payload.EffectiveURL = session.PrintReadyURL
	}

	if session.SavedDesignID != "" && h.designs != nil {
		view, err := h.designs.PrepareStatus(ctx, services.PrepareStatusQuery{DesignID: session.SavedDesignID, ActorID: identity.UID})
		if err == nil {
			payload.EffectiveURL = view.EffectiveURL
			payload.Design = buildSavedDesignPointer(view.Design)
			payload.Job = buildPrepareJobPayload(view.Job)
		}
	}

	writeJSONResponse(w, http.StatusOK, payload)
}

// requireSession authenticates the caller and extracts the session id.
func (h *WizardHandlers) requireSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (identity *auth.Identity, sessionID string, ok bool) {
	if h.wizard == nil {
		httpx.WriteError(ctx, w, httpx.NewError("wizard_service_unavailable", "wizard service is unavailable", http.StatusServiceUnavailable))
		return nil, "", false
	}
	identity, authed := requireIdentity(ctx, w)
	if !authed {
		return nil, "", false
	}
	sessionID = strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return nil, "", false
	}
	return identity, sessionID, true
}

func (h *WizardHandlers) writeWizardError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrWizardInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrWizardNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "wizard session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrWizardConflict):
		httpx.WriteError(ctx, w, httpx.NewError("session_conflict", "session has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrWizardUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("wizard_service_unavailable", "wizard service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("wizard_error", "wizard operation failed", http.StatusInternalServerError))
	}
}

// writeGenerationError maps generation failures onto the closed error
// taxonomy: service sentinels first, then vendor errors by code.
func writeGenerationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrGenerationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	case errors.Is(err, services.ErrGenerationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "wizard session not found", http.StatusNotFound))
		return
	case errors.Is(err, services.ErrGenerationConflict):
		httpx.WriteError(ctx, w, httpx.NewError("session_conflict", "session has been modified; refresh and retry", http.StatusConflict))
		return
	case errors.Is(err, services.ErrGenerationAttemptsExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("generation_attempts_exhausted", "generation attempt budget exhausted; start a fresh round", http.StatusTooManyRequests))
		return
	case errors.Is(err, services.ErrGenerationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("generation_service_unavailable", "generation service is unavailable", http.StatusServiceUnavailable))
		return
	}

	var rateErr *genai.RateLimitError
	if errors.As(err, &rateErr) {
		if rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		}
		httpx.WriteError(ctx, w, httpx.NewError(string(genai.CodeRateLimit), "generation backend rate limited the request", http.StatusTooManyRequests).
			WithDetails(map[string]any{"retryable": true}))
		return
	}

	var genErr genai.Error
	if errors.As(err, &genErr) {
		status := http.StatusBadGateway
		message := "design generation failed"
		switch genErr.Code() {
		case genai.CodeContentPolicy:
			status = http.StatusUnprocessableEntity
			message = "the request violated the generation content policy"
		case genai.CodeConfiguration:
			message = "the generation backend is misconfigured"
		case genai.CodeNetwork:
			message = "the generation backend could not be reached"
		}
		httpx.WriteError(ctx, w, httpx.NewError(string(genErr.Code()), message, status).
			WithDetails(map[string]any{"retryable": genErr.Retryable()}))
		return
	}

	httpx.WriteError(ctx, w, httpx.NewError(string(genai.CodeUnknown), "design generation failed", http.StatusBadGateway))
}

func writeDesignError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDesignInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDesignNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("design_not_found", "design not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDesignConflict):
		httpx.WriteError(ctx, w, httpx.NewError("design_conflict", "design has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrDesignUploadFailed):
		httpx.WriteError(ctx, w, httpx.NewError("UPLOAD_ERROR", "failed to store the design image", http.StatusBadGateway))
	case errors.Is(err, services.ErrDesignUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("design_service_unavailable", "design service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("design_error", "design operation failed", http.StatusInternalServerError))
	}
}
