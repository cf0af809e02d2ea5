package services

import (
	"context"
	"errors"
	"image"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
)

type stubImageFetcher struct {
	fetchFunc func(ctx context.Context, url string) (image.Image, error)
	fetched   []string
}

func (s *stubImageFetcher) FetchImage(ctx context.Context, url string) (image.Image, error) {
	s.fetched = append(s.fetched, url)
	if s.fetchFunc != nil {
		return s.fetchFunc(ctx, url)
	}
	return image.NewRGBA(image.Rect(0, 0, 8, 6)), nil
}

type captureExportWriter struct {
	bucket      string
	object      string
	contentType string
	size        int
	err         error
}

func (w *captureExportWriter) WriteObject(_ context.Context, bucket, object, contentType string, body io.Reader) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	w.bucket, w.object, w.contentType, w.size = bucket, object, contentType, len(data)
	return "https://storage.googleapis.com/" + bucket + "/" + object, nil
}

var canvasTestNow = time.Date(2026, time.March, 6, 10, 0, 0, 0, time.UTC)

func canvasTestDesign() domain.Design {
	return domain.Design{
		ID:        "dsg_1",
		UserID:    "user-1",
		SessionID: "ws_1",
		ImageURL:  "https://cdn.example.com/designs/dsg_1.png",
		Status:    domain.DesignStatusSaved,
	}
}

type canvasTestEnv struct {
	sessions *stubWizardSessionRepository
	products *stubProductFinder
	designs  *stubDesignRepository
	fetcher  *stubImageFetcher
	writer   *captureExportWriter
	svc      CanvasService
}

func newCanvasTestEnv(t *testing.T) *canvasTestEnv {
	t.Helper()

	env := &canvasTestEnv{
		sessions: &stubWizardSessionRepository{
			findFunc: func(_ context.Context, sessionID string) (domain.WizardSession, error) {
				if sessionID != "ws_1" {
					return domain.WizardSession{}, &repositoryErrorStub{notFound: true}
				}
				return domain.WizardSession{ID: "ws_1", UserID: "user-1"}, nil
			},
		},
		products: &stubProductFinder{
			findFunc: func(_ context.Context, productID string) (domain.Product, error) {
				if productID != "prd_mug" {
					return domain.Product{}, &repositoryErrorStub{notFound: true}
				}
				return catalogTestProduct(), nil
			},
		},
		designs: &stubDesignRepository{
			findFunc: func(_ context.Context, designID string) (domain.Design, error) {
				if designID != "dsg_1" {
					return domain.Design{}, &repositoryErrorStub{notFound: true}
				}
				return canvasTestDesign(), nil
			},
			updateFunc: func(_ context.Context, design domain.Design) (domain.Design, error) {
				return design, nil
			},
		},
		fetcher: &stubImageFetcher{},
		writer:  &captureExportWriter{},
	}

	svc, err := NewCanvasService(CanvasServiceDeps{
		Sessions:     env.sessions,
		Products:     env.products,
		Designs:      env.designs,
		Writer:       env.writer,
		Fetcher:      env.fetcher,
		ExportBucket: "exports-bucket",
		Clock:        func() time.Time { return canvasTestNow },
	})
	if err != nil {
		t.Fatalf("NewCanvasService returned error: %v", err)
	}
	env.svc = svc
	return env
}

func (env *canvasTestEnv) open(t *testing.T, designID string) CanvasState {
	t.Helper()
	state, err := env.svc.OpenCanvas(context.Background(), OpenCanvasCommand{
		SessionID: "ws_1",
		ActorID:   "user-1",
		ProductID: "prd_mug",
		DesignID:  designID,
	})
	if err != nil {
		t.Fatalf("OpenCanvas returned error: %v", err)
	}
	return state
}

func TestCanvasServiceOpenPlacesDesignCentered(t *testing.T) {
	env := newCanvasTestEnv(t)

	state := env.open(t, "dsg_1")
	if !strings.HasPrefix(state.CanvasID, "cv_") {
		t.Fatalf("expected cv_ canvas id, got %q", state.CanvasID)
	}
	if state.Phase != "ready" {
		t.Fatalf("expected ready phase, got %q", state.Phase)
	}
	if state.MockupWidth != 800 || state.MockupHeight != 600 {
		t.Fatalf("unexpected mockup size %gx%g", state.MockupWidth, state.MockupHeight)
	}
	if state.DesignID != "dsg_1" {
		t.Fatalf("expected design attached, got %q", state.DesignID)
	}
	// A 1024px square scales down to fill the print-area height, centred.
	p := state.Placement
	if p.X != 400 || p.Y != 300 {
		t.Fatalf("expected centred placement, got (%g,%g)", p.X, p.Y)
	}
	if p.Width != 300 || p.Height != 300 {
		t.Fatalf("expected 300x300 fitted design, got %gx%g", p.Width, p.Height)
	}
}

func TestCanvasServiceOpenRestoresSavedPlacement(t *testing.T) {
	env := newCanvasTestEnv(t)
	saved := domain.Placement{X: 260, Y: 210, Width: 120, Height: 80}
	env.designs.findFunc = func(context.Context, string) (domain.Design, error) {
		design := canvasTestDesign()
		design.Placement = &saved
		return design, nil
	}

	state := env.open(t, "dsg_1")
	if state.Placement != saved {
		t.Fatalf("expected saved placement restored, got %+v", state.Placement)
	}
}

func TestCanvasServiceOpenRejectsForeignSession(t *testing.T) {
	env := newCanvasTestEnv(t)
	env.sessions.findFunc = func(context.Context, string) (domain.WizardSession, error) {
		return domain.WizardSession{ID: "ws_1", UserID: "someone-else"}, nil
	}

	_, err := env.svc.OpenCanvas(context.Background(), OpenCanvasCommand{
		SessionID: "ws_1", ActorID: "user-1", ProductID: "prd_mug",
	})
	if !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected not found for foreign session, got %v", err)
	}

	_, err = env.svc.OpenCanvas(context.Background(), OpenCanvasCommand{
		SessionID: "ws_missing", ActorID: "user-1", ProductID: "prd_mug",
	})
	if !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected not found for unknown session, got %v", err)
	}
}

func TestCanvasServiceOpenRejectsProductWithoutPrintSurface(t *testing.T) {
	env := newCanvasTestEnv(t)
	env.products.findFunc = func(context.Context, string) (domain.Product, error) {
		product := catalogTestProduct()
		product.MockupWidth, product.MockupHeight = 0, 0
		return product, nil
	}

	_, err := env.svc.OpenCanvas(context.Background(), OpenCanvasCommand{
		SessionID: "ws_1", ActorID: "user-1", ProductID: "prd_mug",
	})
	if !errors.Is(err, ErrCanvasInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCanvasServiceTransformClampsMove(t *testing.T) {
	env := newCanvasTestEnv(t)
	saved := domain.Placement{X: 400, Y: 300, Width: 100, Height: 100}
	env.designs.findFunc = func(context.Context, string) (domain.Design, error) {
		design := canvasTestDesign()
		design.Placement = &saved
		return design, nil
	}
	state := env.open(t, "dsg_1")

	moved, err := env.svc.Transform(context.Background(), CanvasTransformCommand{
		CanvasID: state.CanvasID, ActorID: "user-1",
		Op: CanvasOpMove, X: -5000, Y: -5000,
	})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if moved.Placement.X != 250 || moved.Placement.Y != 200 {
		t.Fatalf("expected clamp to (250,200), got (%g,%g)", moved.Placement.X, moved.Placement.Y)
	}

	moved, err = env.svc.Transform(context.Background(), CanvasTransformCommand{
		CanvasID: state.CanvasID, ActorID: "user-1",
		Op: CanvasOpMoveBy, DX: 9000, DY: 9000,
	})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if moved.Placement.X != 550 || moved.Placement.Y != 400 {
		t.Fatalf("expected clamp to (550,400), got (%g,%g)", moved.Placement.X, moved.Placement.Y)
	}
}

func TestCanvasServiceTransformNudgeAndScaleStep(t *testing.T) {
	env := newCanvasTestEnv(t)
	saved := domain.Placement{X: 400, Y: 300, Width: 100, Height: 100}
	env.designs.findFunc = func(context.Context, string) (domain.Design, error) {
		design := canvasTestDesign()
		design.Placement = &saved
		return design, nil
	}
	state := env.open(t, "dsg_1")

	nudged, err := env.svc.Transform(context.Background(), CanvasTransformCommand{
		CanvasID: state.CanvasID, ActorID: "user-1",
		Op: CanvasOpNudge, Direction: "right",
	})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if nudged.Placement.X != 402 {
		t.Fatalf("expected nudge right to 402, got %g", nudged.Placement.X)
	}

	scaled, err := env.svc.Transform(context.Background(), CanvasTransformCommand{
		CanvasID: state.CanvasID, ActorID: "user-1",
		Op: CanvasOpScaleStep, Direction: "up",
	})
	if err != nil {
		t.Fatalf("Transform returned error: %v", err)
	}
	if math.Abs(scaled.Placement.Width-105) > 1e-9 {
		t.Fatalf("expected width 105 after one scale-up, got %g", scaled.Placement.Width)
	}
}

func TestCanvasServiceTransformValidatesInput(t *testing.T) {
	env := newCanvasTestEnv(t)
	state := env.open(t, "dsg_1")

	cases := []CanvasTransformCommand{
		{CanvasID: state.CanvasID, ActorID: "user-1", Op: CanvasOp("teleport")},
		{CanvasID: state.CanvasID, ActorID: "user-1", Op: CanvasOpScale, Factor: 0},
		{CanvasID: state.CanvasID, ActorID: "user-1", Op: CanvasOpNudge, Direction: "diagonal"},
		{CanvasID: state.CanvasID, ActorID: "user-1", Op: CanvasOpPlace},
	}
	for _, cmd := range cases {
		if _, err := env.svc.Transform(context.Background(), cmd); !errors.Is(err, ErrCanvasInvalidInput) {
			t.Fatalf("op %q: expected invalid input, got %v", cmd.Op, err)
		}
	}
}

func TestCanvasServiceTransformWithoutDesign(t *testing.T) {
	env := newCanvasTestEnv(t)
	state := env.open(t, "")

	_, err := env.svc.Transform(context.Background(), CanvasTransformCommand{
		CanvasID: state.CanvasID, ActorID: "user-1",
		Op: CanvasOpMove, X: 10, Y: 10,
	})
	if !errors.Is(err, ErrCanvasInvalidInput) {
		t.Fatalf("expected invalid input without a loaded design, got %v", err)
	}
}

func TestCanvasServiceExportUploadsScaledPNG(t *testing.T) {
	env := newCanvasTestEnv(t)
	var updated *domain.Design
	env.designs.updateFunc = func(_ context.Context, design domain.Design) (domain.Design, error) {
		updated = &design
		return design, nil
	}
	state := env.open(t, "dsg_1")

	result, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: 2,
	})
	if err != nil {
		t.Fatalf("ExportCanvas returned error: %v", err)
	}
	if result.Width != 1600 || result.Height != 1200 {
		t.Fatalf("expected 1600x1200 export, got %dx%d", result.Width, result.Height)
	}
	if env.writer.bucket != "exports-bucket" {
		t.Fatalf("unexpected bucket %q", env.writer.bucket)
	}
	if !strings.HasPrefix(env.writer.object, "exports/sessions/ws_1/canvas/exp_") {
		t.Fatalf("unexpected export object path %q", env.writer.object)
	}
	if env.writer.contentType != "image/png" {
		t.Fatalf("unexpected content type %q", env.writer.contentType)
	}
	if env.writer.size == 0 {
		t.Fatalf("expected encoded PNG bytes to be uploaded")
	}
	if result.URL == "" || !strings.Contains(result.URL, env.writer.object) {
		t.Fatalf("unexpected export URL %q", result.URL)
	}

	// Mockup and design images are both fetched.
	if len(env.fetcher.fetched) != 2 {
		t.Fatalf("expected two image fetches, got %v", env.fetcher.fetched)
	}

	// The placement snapshot lands on the saved design.
	if updated == nil || updated.Placement == nil {
		t.Fatalf("expected placement recorded on the design")
	}
	if updated.Placement.X != 400 || updated.Placement.Y != 300 {
		t.Fatalf("unexpected recorded placement %+v", updated.Placement)
	}
}

func TestCanvasServiceExportMultiplierBounds(t *testing.T) {
	env := newCanvasTestEnv(t)
	state := env.open(t, "dsg_1")

	if _, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: -1,
	}); !errors.Is(err, ErrCanvasInvalidInput) {
		t.Fatalf("expected invalid input for negative multiplier, got %v", err)
	}
	if _, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: 10,
	}); !errors.Is(err, ErrCanvasInvalidInput) {
		t.Fatalf("expected invalid input for oversized multiplier, got %v", err)
	}

	// A zero multiplier defaults to native size.
	result, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1",
	})
	if err != nil {
		t.Fatalf("ExportCanvas returned error: %v", err)
	}
	if result.Width != 800 || result.Height != 600 {
		t.Fatalf("expected native-size export, got %dx%d", result.Width, result.Height)
	}
}

func TestCanvasServiceExportFetchFailureSurfaces(t *testing.T) {
	env := newCanvasTestEnv(t)
	env.fetcher.fetchFunc = func(context.Context, string) (image.Image, error) {
		return nil, errors.New("boom")
	}
	state := env.open(t, "dsg_1")

	_, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: 1,
	})
	if !errors.Is(err, ErrCanvasExportFailed) {
		t.Fatalf("expected export failure, got %v", err)
	}
}

func TestCanvasServiceExportUploadFailureSurfaces(t *testing.T) {
	env := newCanvasTestEnv(t)
	env.writer.err = errors.New("bucket unavailable")
	state := env.open(t, "dsg_1")

	_, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: 1,
	})
	if !errors.Is(err, ErrCanvasExportFailed) {
		t.Fatalf("expected export failure, got %v", err)
	}
}

func TestCanvasServiceExportPlacementRecordFailureIsNonFatal(t *testing.T) {
	env := newCanvasTestEnv(t)
	env.designs.updateFunc = func(context.Context, domain.Design) (domain.Design, error) {
		return domain.Design{}, &repositoryErrorStub{unavailable: true}
	}
	state := env.open(t, "dsg_1")

	if _, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: 1,
	}); err != nil {
		t.Fatalf("expected export to succeed despite record failure, got %v", err)
	}
}

func TestCanvasServiceCloseReportsDisposed(t *testing.T) {
	env := newCanvasTestEnv(t)
	state := env.open(t, "dsg_1")
	q := CanvasQuery{CanvasID: state.CanvasID, ActorID: "user-1"}

	if err := env.svc.CloseCanvas(context.Background(), q); err != nil {
		t.Fatalf("CloseCanvas returned error: %v", err)
	}

	got, err := env.svc.GetCanvas(context.Background(), q)
	if err != nil {
		t.Fatalf("GetCanvas returned error: %v", err)
	}
	if got.Phase != "disposed" {
		t.Fatalf("expected disposed phase, got %q", got.Phase)
	}

	if _, err := env.svc.Transform(context.Background(), CanvasTransformCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Op: CanvasOpMove, X: 1, Y: 1,
	}); !errors.Is(err, ErrCanvasDisposed) {
		t.Fatalf("expected disposed error, got %v", err)
	}

	if _, err := env.svc.ExportCanvas(context.Background(), CanvasExportCommand{
		CanvasID: state.CanvasID, ActorID: "user-1", Multiplier: 1,
	}); !errors.Is(err, ErrCanvasDisposed) {
		t.Fatalf("expected disposed error on export, got %v", err)
	}

	// Closing again is a no-op.
	if err := env.svc.CloseCanvas(context.Background(), q); err != nil {
		t.Fatalf("second CloseCanvas returned error: %v", err)
	}
}

func TestCanvasServiceLookupGuards(t *testing.T) {
	env := newCanvasTestEnv(t)
	state := env.open(t, "dsg_1")

	if _, err := env.svc.GetCanvas(context.Background(), CanvasQuery{
		CanvasID: "cv_unknown", ActorID: "user-1",
	}); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected not found for unknown canvas, got %v", err)
	}

	if _, err := env.svc.GetCanvas(context.Background(), CanvasQuery{
		CanvasID: state.CanvasID, ActorID: "intruder",
	}); !errors.Is(err, ErrCanvasNotFound) {
		t.Fatalf("expected not found for foreign actor, got %v", err)
	}

	if _, err := env.svc.GetCanvas(context.Background(), CanvasQuery{
		ActorID: "user-1",
	}); !errors.Is(err, ErrCanvasInvalidInput) {
		t.Fatalf("expected invalid input for blank canvas id, got %v", err)
	}
}
