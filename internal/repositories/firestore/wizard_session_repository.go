package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/genai-merch/api/internal/domain"
	pfirestore "github.com/genai-merch/api/internal/platform/firestore"
	"github.com/genai-merch/api/internal/repositories"
)

const wizardSessionsCollection = "wizardSessions"

// ErrWizardSchemaVersion is returned when a persisted session was written by
// a newer schema than this binary understands.
var ErrWizardSchemaVersion = errors.New("wizard session repository: unsupported schema version")

// WizardSessionRepository persists wizard session aggregates in Firestore.
// The whole aggregate is written on every mutation; documents carry a schema
// version so newer writers are detected instead of silently misread.
type WizardSessionRepository struct {
	base     *pfirestore.BaseRepository[wizardSessionDocument]
	provider *pfirestore.Provider
}

// NewWizardSessionRepository constructs a Firestore-backed session repository.
func NewWizardSessionRepository(provider *pfirestore.Provider) (*WizardSessionRepository, error) {
	if provider == nil {
		return nil, errors.New("wizard session repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[wizardSessionDocument](provider, wizardSessionsCollection, nil, nil)
	return &WizardSessionRepository{base: base, provider: provider}, nil
}

// Insert stores a new session document. The ID must be unique.
func (r *WizardSessionRepository) Insert(ctx context.Context, session domain.WizardSession) (domain.WizardSession, error) {
	if r == nil || r.base == nil {
		return domain.WizardSession{}, errors.New("wizard session repository not initialised")
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return domain.WizardSession{}, errors.New("wizard session repository: session id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, sessionID)
	if err != nil {
		return domain.WizardSession{}, err
	}
	doc := encodeWizardSession(session)
	result, err := docRef.Create(ctx, doc)
	if err != nil {
		return domain.WizardSession{}, pfirestore.WrapError("wizard_sessions.insert", err)
	}
	saved := session
	saved.ID = sessionID
	saved.SchemaVersion = doc.SchemaVersion
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// Update replaces the whole aggregate. When expected is provided the write
// runs in a transaction that verifies the document's last update time, so
// concurrent writers conflict instead of clobbering each other.
func (r *WizardSessionRepository) Update(ctx context.Context, session domain.WizardSession, expected *time.Time) (domain.WizardSession, error) {
	if r == nil || r.base == nil || r.provider == nil {
		return domain.WizardSession{}, errors.New("wizard session repository not initialised")
	}
	sessionID := strings.TrimSpace(session.ID)
	if sessionID == "" {
		return domain.WizardSession{}, errors.New("wizard session repository: session id is required")
	}

	doc := encodeWizardSession(session)
	saved := session
	saved.ID = sessionID
	saved.SchemaVersion = doc.SchemaVersion

	if expected == nil || expected.IsZero() {
		result, err := r.base.Set(ctx, sessionID, doc)
		if err != nil {
			return domain.WizardSession{}, err
		}
		saved.UpdatedAt = result.UpdateTime
		return saved, nil
	}

	want := expected.UTC()
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, sessionID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		if !snapshot.UpdateTime.Equal(want) {
			return status.Errorf(codes.FailedPrecondition, "wizard session %s modified concurrently", sessionID)
		}
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.WizardSession{}, pfirestore.WrapError("wizard_sessions.update", err)
	}

	// The commit time is not observable inside the transaction; callers that
	// need a fresh precondition value must re-read the session.
	saved.UpdatedAt = doc.UpdatedAt
	return saved, nil
}

// FindByID fetches one session and rejects documents written by a newer
// schema.
func (r *WizardSessionRepository) FindByID(ctx context.Context, sessionID string) (domain.WizardSession, error) {
	if r == nil || r.base == nil {
		return domain.WizardSession{}, errors.New("wizard session repository not initialised")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.WizardSession{}, errors.New("wizard session repository: session id is required")
	}
	doc, err := r.base.Get(ctx, sessionID)
	if err != nil {
		return domain.WizardSession{}, err
	}
	return decodeWizardSession(sessionID, doc.Data, doc.CreateTime, doc.UpdateTime)
}

// FindActiveByUser returns the user's most recently touched incomplete
// session.
func (r *WizardSessionRepository) FindActiveByUser(ctx context.Context, userID string) (domain.WizardSession, error) {
	if r == nil || r.base == nil {
		return domain.WizardSession{}, errors.New("wizard session repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.WizardSession{}, errors.New("wizard session repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.
			Where("userId", "==", userID).
			Where("completed", "==", false).
			OrderBy("updatedAt", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return domain.WizardSession{}, err
	}
	if len(docs) == 0 {
		return domain.WizardSession{}, pfirestore.WrapError("wizard_sessions.find_active",
			status.Errorf(codes.NotFound, "no active session for user %s", userID))
	}
	return decodeWizardSession(docs[0].ID, docs[0].Data, docs[0].CreateTime, docs[0].UpdateTime)
}

// Delete removes the session document.
func (r *WizardSessionRepository) Delete(ctx context.Context, sessionID string) error {
	if r == nil || r.base == nil {
		return errors.New("wizard session repository not initialised")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("wizard session repository: session id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, err := docRef.Delete(ctx); err != nil {
		return pfirestore.WrapError("wizard_sessions.delete", err)
	}
	return nil
}

type wizardSessionDocument struct {
	SchemaVersion      int                       `firestore:"schemaVersion"`
	UserID             string                    `firestore:"userId"`
	Locale             string                    `firestore:"locale,omitempty"`
	Step               int                       `firestore:"step"`
	Completed          bool                      `firestore:"completed"`
	EventType          string                    `firestore:"eventType,omitempty"`
	EventDetails       map[string]string         `firestore:"eventDetails,omitempty"`
	Brand              *brandAssetsDocument      `firestore:"brand,omitempty"`
	Answers            []questionAnswerDocument  `firestore:"answers,omitempty"`
	FollowUps          []followUpDocument        `firestore:"followUps,omitempty"`
	QuestionCursor     int                       `firestore:"questionCursor"`
	QuestionTotal      int                       `firestore:"questionTotal"`
	Variety            string                    `firestore:"variety,omitempty"`
	Feedback           *feedbackDocument         `firestore:"feedback,omitempty"`
	Designs            []generatedDesignDocument `firestore:"designs,omitempty"`
	SelectedDesignID   string                    `firestore:"selectedDesignId,omitempty"`
	FinalDesignURL     string                    `firestore:"finalDesignUrl,omitempty"`
	SavedDesignID      string                    `firestore:"savedDesignId,omitempty"`
	PrintReadyURL      string                    `firestore:"printReadyUrl,omitempty"`
	PreparationStatus  string                    `firestore:"preparationStatus"`
	PreparationError   string                    `firestore:"preparationError,omitempty"`
	GenerationAttempts int                       `firestore:"generationAttempts"`
	CreatedAt          time.Time                 `firestore:"createdAt"`
	UpdatedAt          time.Time                 `firestore:"updatedAt"`
}

type brandAssetsDocument struct {
	Logos  []logoAssetDocument `firestore:"logos,omitempty"`
	Colors []string            `firestore:"colors,omitempty"`
	Fonts  []string            `firestore:"fonts,omitempty"`
	Voice  string              `firestore:"voice,omitempty"`
}

type logoAssetDocument struct {
	ID          string    `firestore:"id"`
	URL         string    `firestore:"url"`
	FileName    string    `firestore:"fileName,omitempty"`
	ContentType string    `firestore:"contentType,omitempty"`
	SizeBytes   int64     `firestore:"sizeBytes,omitempty"`
	UploadedAt  time.Time `firestore:"uploadedAt"`
}

type questionAnswerDocument struct {
	QuestionID string    `firestore:"questionId"`
	Question   string    `firestore:"question"`
	Answer     []string  `firestore:"answer,omitempty"`
	Source     string    `firestore:"source"`
	AnsweredAt time.Time `firestore:"answeredAt"`
}

type followUpDocument struct {
	ID    string `firestore:"id"`
	Text  string `firestore:"text"`
	Multi bool   `firestore:"multi,omitempty"`
}

type feedbackDocument struct {
	Score       int       `firestore:"score"`
	Comment     string    `firestore:"comment,omitempty"`
	SubmittedAt time.Time `firestore:"submittedAt"`
}

type generatedDesignDocument struct {
	ID        string    `firestore:"id"`
	ImageURL  string    `firestore:"imageUrl"`
	Prompt    string    `firestore:"prompt,omitempty"`
	Favorite  bool      `firestore:"favorite"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func encodeWizardSession(session domain.WizardSession) wizardSessionDocument {
	version := session.SchemaVersion
	if version <= 0 {
		version = domain.WizardSchemaVersion
	}

	doc := wizardSessionDocument{
		SchemaVersion:      version,
		UserID:             strings.TrimSpace(session.UserID),
		Locale:             strings.TrimSpace(session.Locale),
		Step:               session.Step,
		Completed:          session.Completed,
		EventType:          strings.TrimSpace(string(session.EventType)),
		EventDetails:       cloneStringMap(session.EventDetails),
		QuestionCursor:     session.QuestionCursor,
		QuestionTotal:      session.QuestionTotal,
		Variety:            strings.TrimSpace(string(session.Variety)),
		SelectedDesignID:   strings.TrimSpace(session.SelectedDesignID),
		FinalDesignURL:     strings.TrimSpace(session.FinalDesignURL),
		SavedDesignID:      strings.TrimSpace(session.SavedDesignID),
		PrintReadyURL:      strings.TrimSpace(session.PrintReadyURL),
		PreparationStatus:  strings.TrimSpace(string(session.PreparationStatus)),
		PreparationError:   strings.TrimSpace(session.PreparationError),
		GenerationAttempts: session.GenerationAttempts,
		CreatedAt:          session.CreatedAt.UTC(),
		UpdatedAt:          session.UpdatedAt.UTC(),
	}
	if doc.PreparationStatus == "" {
		doc.PreparationStatus = string(domain.PreparationIdle)
	}

	if hasBrandContent(session.Brand) {
		brand := &brandAssetsDocument{
			Colors: cloneStrings(session.Brand.Colors),
			Fonts:  cloneStrings(session.Brand.Fonts),
			Voice:  strings.TrimSpace(session.Brand.Voice),
		}
		for _, logo := range session.Brand.Logos {
			brand.Logos = append(brand.Logos, logoAssetDocument{
				ID:          strings.TrimSpace(logo.ID),
				URL:         strings.TrimSpace(logo.URL),
				FileName:    strings.TrimSpace(logo.FileName),
				ContentType: strings.TrimSpace(logo.ContentType),
				SizeBytes:   logo.SizeBytes,
				UploadedAt:  logo.UploadedAt.UTC(),
			})
		}
		doc.Brand = brand
	}

	for _, answer := range session.Answers {
		doc.Answers = append(doc.Answers, questionAnswerDocument{
			QuestionID: strings.TrimSpace(answer.QuestionID),
			Question:   strings.TrimSpace(answer.Question),
			Answer:     cloneStrings(answer.Answer),
			Source:     strings.TrimSpace(string(answer.Source)),
			AnsweredAt: answer.AnsweredAt.UTC(),
		})
	}

	for _, question := range session.FollowUps {
		id := strings.TrimSpace(question.ID)
		text := strings.TrimSpace(question.Text)
		if id == "" || text == "" {
			continue
		}
		doc.FollowUps = append(doc.FollowUps, followUpDocument{ID: id, Text: text, Multi: question.Multi})
	}

	if session.Feedback != nil {
		doc.Feedback = &feedbackDocument{
			Score:       session.Feedback.Score,
			Comment:     strings.TrimSpace(session.Feedback.Comment),
			SubmittedAt: session.Feedback.SubmittedAt.UTC(),
		}
	}

	for _, design := range session.Designs {
		doc.Designs = append(doc.Designs, generatedDesignDocument{
			ID:        strings.TrimSpace(design.ID),
			ImageURL:  strings.TrimSpace(design.ImageURL),
			Prompt:    design.Prompt,
			Favorite:  design.Favorite,
			CreatedAt: design.CreatedAt.UTC(),
		})
	}

	return doc
}

func decodeWizardSession(id string, doc wizardSessionDocument, createdAt, updatedAt time.Time) (domain.WizardSession, error) {
	if doc.SchemaVersion > domain.WizardSchemaVersion {
		return domain.WizardSession{}, fmt.Errorf("%w: document %s has version %d, supported %d",
			ErrWizardSchemaVersion, id, doc.SchemaVersion, domain.WizardSchemaVersion)
	}

	session := domain.WizardSession{
		ID:                 strings.TrimSpace(id),
		UserID:             strings.TrimSpace(doc.UserID),
		Locale:             strings.TrimSpace(doc.Locale),
		SchemaVersion:      doc.SchemaVersion,
		Step:               domain.ClampWizardStep(doc.Step),
		Completed:          doc.Completed,
		EventType:          domain.EventType(strings.TrimSpace(doc.EventType)),
		EventDetails:       cloneStringMap(doc.EventDetails),
		QuestionCursor:     doc.QuestionCursor,
		QuestionTotal:      doc.QuestionTotal,
		Variety:            domain.VarietyLevel(strings.TrimSpace(doc.Variety)),
		SelectedDesignID:   strings.TrimSpace(doc.SelectedDesignID),
		FinalDesignURL:     strings.TrimSpace(doc.FinalDesignURL),
		SavedDesignID:      strings.TrimSpace(doc.SavedDesignID),
		PrintReadyURL:      strings.TrimSpace(doc.PrintReadyURL),
		PreparationStatus:  domain.PreparationStatus(strings.TrimSpace(doc.PreparationStatus)),
		PreparationError:   strings.TrimSpace(doc.PreparationError),
		GenerationAttempts: doc.GenerationAttempts,
		CreatedAt:          chooseTime(doc.CreatedAt, createdAt),
		UpdatedAt:          chooseTime(updatedAt, doc.UpdatedAt),
	}
	if session.SchemaVersion <= 0 {
		session.SchemaVersion = domain.WizardSchemaVersion
	}
	if session.PreparationStatus == "" {
		session.PreparationStatus = domain.PreparationIdle
	}

	if doc.Brand != nil {
		brand := domain.BrandAssets{
			Colors: cloneStrings(doc.Brand.Colors),
			Fonts:  cloneStrings(doc.Brand.Fonts),
			Voice:  strings.TrimSpace(doc.Brand.Voice),
		}
		for _, logo := range doc.Brand.Logos {
			brand.Logos = append(brand.Logos, domain.LogoAsset{
				ID:          strings.TrimSpace(logo.ID),
				URL:         strings.TrimSpace(logo.URL),
				FileName:    strings.TrimSpace(logo.FileName),
				ContentType: strings.TrimSpace(logo.ContentType),
				SizeBytes:   logo.SizeBytes,
				UploadedAt:  logo.UploadedAt.UTC(),
			})
		}
		session.Brand = brand
	}

	for _, answer := range doc.Answers {
		session.Answers = append(session.Answers, domain.QuestionAnswer{
			QuestionID: strings.TrimSpace(answer.QuestionID),
			Question:   strings.TrimSpace(answer.Question),
			Answer:     cloneStrings(answer.Answer),
			Source:     domain.AnswerSource(strings.TrimSpace(answer.Source)),
			AnsweredAt: answer.AnsweredAt.UTC(),
		})
	}

	for _, question := range doc.FollowUps {
		session.FollowUps = append(session.FollowUps, domain.Question{
			ID:     strings.TrimSpace(question.ID),
			Text:   strings.TrimSpace(question.Text),
			Multi:  question.Multi,
			Source: domain.AnswerSourceFollowUp,
		})
	}

	if doc.Feedback != nil {
		session.Feedback = &domain.GenerationFeedback{
			Score:       doc.Feedback.Score,
			Comment:     strings.TrimSpace(doc.Feedback.Comment),
			SubmittedAt: doc.Feedback.SubmittedAt.UTC(),
		}
	}

	for _, design := range doc.Designs {
		session.Designs = append(session.Designs, domain.GeneratedDesign{
			ID:        strings.TrimSpace(design.ID),
			ImageURL:  strings.TrimSpace(design.ImageURL),
			Prompt:    design.Prompt,
			Favorite:  design.Favorite,
			CreatedAt: design.CreatedAt.UTC(),
		})
	}

	return session, nil
}

func hasBrandContent(brand domain.BrandAssets) bool {
	return len(brand.Logos) > 0 || len(brand.Colors) > 0 || len(brand.Fonts) > 0 || strings.TrimSpace(brand.Voice) != ""
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

var _ repositories.WizardSessionRepository = (*WizardSessionRepository)(nil)
