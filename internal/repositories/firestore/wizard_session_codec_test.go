package firestore

import (
	"errors"
	"reflect"
	"testing"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
)

func TestWizardSessionDocumentRoundTrip(t *testing.T) {
	created := time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)
	updated := created.Add(45 * time.Minute)

	session := domain.WizardSession{
		ID:            "ws_codec",
		UserID:        "user-1",
		Locale:        "en-US",
		SchemaVersion: domain.WizardSchemaVersion,
		Step:          4,
		EventType:     domain.EventTypeSports,
		EventDetails:  map[string]string{"teamName": "Rockets", "sportType": "basketball"},
		Brand: domain.BrandAssets{
			Logos: []domain.LogoAsset{{
				ID:          "logo_1",
				URL:         "https://storage.googleapis.com/assets-bucket/logos/logo_1.png",
				FileName:    "crest.png",
				ContentType: "image/png",
				SizeBytes:   2048,
				UploadedAt:  created,
			}},
			Colors: []string{"#ff0000", "#00ff00"},
			Fonts:  []string{"Inter"},
			Voice:  "bold and friendly",
		},
		Answers: []domain.QuestionAnswer{{
			QuestionID: "sports.team",
			Question:   "What is the team name?",
			Answer:     []string{"Rockets"},
			Source:     domain.AnswerSourceFixed,
			AnsweredAt: created,
		}},
		FollowUps:          []domain.Question{{ID: "fq_1", Text: "Home or away colors?", Multi: false, Source: domain.AnswerSourceFollowUp}},
		QuestionCursor:     2,
		QuestionTotal:      4,
		Variety:            domain.VarietyDistinct,
		Feedback:           &domain.GenerationFeedback{Score: 4, Comment: "close enough", SubmittedAt: updated},
		Designs:            []domain.GeneratedDesign{{ID: "dsg_1", ImageURL: "https://vendor.example.com/1.png", Prompt: "rockets crest", Favorite: true, CreatedAt: created}},
		SelectedDesignID:   "dsg_1",
		FinalDesignURL:     "https://vendor.example.com/1.png",
		SavedDesignID:      "dsg_saved",
		PrintReadyURL:      "https://storage.googleapis.com/print-ready-bucket/print.pdf",
		PreparationStatus:  domain.PreparationCompleted,
		PreparationError:   "",
		GenerationAttempts: 2,
		CreatedAt:          created,
		UpdatedAt:          updated,
	}

	doc := encodeWizardSession(session)
	if doc.SchemaVersion != domain.WizardSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", domain.WizardSchemaVersion, doc.SchemaVersion)
	}

	decoded, err := decodeWizardSession("ws_codec", doc, created, updated)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !reflect.DeepEqual(decoded, session) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, session)
	}
}

func TestWizardSessionDecodeRejectsNewerSchema(t *testing.T) {
	doc := encodeWizardSession(domain.WizardSession{ID: "ws_future", UserID: "user-1"})
	doc.SchemaVersion = domain.WizardSchemaVersion + 1

	_, err := decodeWizardSession("ws_future", doc, time.Now(), time.Now())
	if !errors.Is(err, ErrWizardSchemaVersion) {
		t.Fatalf("expected ErrWizardSchemaVersion, got %v", err)
	}
}

func TestWizardSessionDecodeDefaultsAndClamps(t *testing.T) {
	now := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	doc := wizardSessionDocument{
		UserID:    "user-1",
		Step:      99,
		CreatedAt: now,
		UpdatedAt: now,
	}

	decoded, err := decodeWizardSession("ws_legacy", doc, now, now)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if decoded.SchemaVersion != domain.WizardSchemaVersion {
		t.Fatalf("expected version defaulted to %d, got %d", domain.WizardSchemaVersion, decoded.SchemaVersion)
	}
	if decoded.Step != domain.LastWizardStep {
		t.Fatalf("expected step clamped to %d, got %d", domain.LastWizardStep, decoded.Step)
	}
	if decoded.PreparationStatus != domain.PreparationIdle {
		t.Fatalf("expected preparation status defaulted to idle, got %q", decoded.PreparationStatus)
	}
}
