package canvas

import (
	"errors"
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/genai-merch/api/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(800, 600, domain.PrintArea{X: 200, Y: 150, Width: 400, Height: 300})
	if err != nil {
		t.Fatalf("NewEngine returned error: %v", err)
	}
	return eng
}

func assertContained(t *testing.T, eng *Engine) {
	t.Helper()
	minX, minY, maxX, maxY, ok := eng.BoundingBox()
	if !ok {
		t.Fatalf("expected a bounding box")
	}
	area := eng.PrintArea()
	const eps = 1e-6
	if minX < area.X-eps || minY < area.Y-eps {
		t.Fatalf("bounding box (%g,%g) escapes print area origin (%g,%g)", minX, minY, area.X, area.Y)
	}
	if maxX > area.X+area.Width+eps || maxY > area.Y+area.Height+eps {
		t.Fatalf("bounding box (%g,%g) escapes print area extent (%g,%g)", maxX, maxY, area.X+area.Width, area.Y+area.Height)
	}
}

func TestNewEngineValidatesGeometry(t *testing.T) {
	if _, err := NewEngine(0, 600, domain.PrintArea{Width: 10, Height: 10}); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for zero mockup width, got %v", err)
	}
	if _, err := NewEngine(800, 600, domain.PrintArea{X: 700, Y: 0, Width: 200, Height: 100}); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for print area leaving the mockup, got %v", err)
	}
	eng := newTestEngine(t)
	if eng.State() != StateReady {
		t.Fatalf("expected ready state after construction, got %s", eng.State())
	}
}

func TestLoadDesignCentersAndFits(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.LoadDesign(100, 50); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}
	p, ok := eng.Placement()
	if !ok {
		t.Fatalf("expected placement after load")
	}
	if p.X != 400 || p.Y != 300 {
		t.Fatalf("expected design centred at (400,300), got (%g,%g)", p.X, p.Y)
	}
	if p.Width != 100 || p.Height != 50 {
		t.Fatalf("expected natural size kept, got %gx%g", p.Width, p.Height)
	}

	// Oversize designs are scaled down preserving aspect ratio.
	if err := eng.LoadDesign(1600, 400); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}
	p, _ = eng.Placement()
	if p.Width != 400 || p.Height != 100 {
		t.Fatalf("expected 400x100 after fitting, got %gx%g", p.Width, p.Height)
	}
	assertContained(t, eng)
}

func TestMoveClampsIntoPrintArea(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.LoadDesign(100, 100); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}

	if err := eng.MoveTo(-5000, -5000); err != nil {
		t.Fatalf("MoveTo returned error: %v", err)
	}
	p, _ := eng.Placement()
	if p.X != 250 || p.Y != 200 {
		t.Fatalf("expected clamp to (250,200), got (%g,%g)", p.X, p.Y)
	}

	if err := eng.MoveTo(5000, 5000); err != nil {
		t.Fatalf("MoveTo returned error: %v", err)
	}
	p, _ = eng.Placement()
	if p.X != 550 || p.Y != 400 {
		t.Fatalf("expected clamp to (550,400), got (%g,%g)", p.X, p.Y)
	}
	assertContained(t, eng)
}

func TestConstrainFromArbitraryPositions(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.LoadDesign(180, 120); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		x := rng.Float64()*4000 - 2000
		y := rng.Float64()*4000 - 2000
		deg := rng.Float64() * 360
		if err := eng.MoveTo(x, y); err != nil {
			t.Fatalf("MoveTo(%g,%g) returned error: %v", x, y, err)
		}
		if err := eng.Rotate(deg); err != nil {
			t.Fatalf("Rotate(%g) returned error: %v", deg, err)
		}
		assertContained(t, eng)
	}
}

func TestRotationShrinksOversizeBoundingBox(t *testing.T) {
	eng := newTestEngine(t)
	// Fills the print area exactly; any rotation grows the bounding box.
	if err := eng.LoadDesign(400, 300); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}

	if err := eng.Rotate(45); err != nil {
		t.Fatalf("Rotate returned error: %v", err)
	}
	p, _ := eng.Placement()
	if p.Width >= 400 || p.Height >= 300 {
		t.Fatalf("expected uniform downscale after rotation, got %gx%g", p.Width, p.Height)
	}
	if math.Abs(p.Width/p.Height-400.0/300.0) > 1e-9 {
		t.Fatalf("expected aspect ratio preserved, got %gx%g", p.Width, p.Height)
	}
	assertContained(t, eng)
}

func TestNudgeAndScaleStepShareClamping(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.LoadDesign(100, 100); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}
	if err := eng.MoveTo(0, 0); err != nil {
		t.Fatalf("MoveTo returned error: %v", err)
	}

	// Already at the top-left clamp; nudging further out stays put.
	if err := eng.Nudge(NudgeLeft); err != nil {
		t.Fatalf("Nudge returned error: %v", err)
	}
	if err := eng.Nudge(NudgeUp); err != nil {
		t.Fatalf("Nudge returned error: %v", err)
	}
	p, _ := eng.Placement()
	if p.X != 250 || p.Y != 200 {
		t.Fatalf("expected nudges at the edge to stay clamped, got (%g,%g)", p.X, p.Y)
	}

	if err := eng.Nudge(NudgeRight); err != nil {
		t.Fatalf("Nudge returned error: %v", err)
	}
	p, _ = eng.Placement()
	if p.X != 250+NudgeStep {
		t.Fatalf("expected nudge right by %g, got x=%g", NudgeStep, p.X)
	}

	if err := eng.ScaleStep(ScaleUp); err != nil {
		t.Fatalf("ScaleStep returned error: %v", err)
	}
	p, _ = eng.Placement()
	if math.Abs(p.Width-105) > 1e-9 {
		t.Fatalf("expected width 105 after one scale-up, got %g", p.Width)
	}
	assertContained(t, eng)

	// Scale steps never grow the design past the print area.
	for i := 0; i < 100; i++ {
		if err := eng.ScaleStep(ScaleUp); err != nil {
			t.Fatalf("ScaleStep returned error: %v", err)
		}
	}
	assertContained(t, eng)

	// Scale-downs floor instead of collapsing to zero.
	for i := 0; i < 200; i++ {
		if err := eng.ScaleStep(ScaleDown); err != nil {
			t.Fatalf("ScaleStep returned error: %v", err)
		}
	}
	p, _ = eng.Placement()
	if math.Min(p.Width, p.Height) < minDesignSize {
		t.Fatalf("expected size floored at %g, got %gx%g", minDesignSize, p.Width, p.Height)
	}
}

func TestLifecycleGuards(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.MoveTo(10, 10); !errors.Is(err, ErrNoDesign) {
		t.Fatalf("expected ErrNoDesign before load, got %v", err)
	}

	if err := eng.LoadDesign(100, 100); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}
	eng.Dispose()
	if eng.State() != StateDisposed {
		t.Fatalf("expected disposed state, got %s", eng.State())
	}
	if err := eng.LoadDesign(100, 100); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed after dispose, got %v", err)
	}
	if err := eng.MoveTo(10, 10); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed after dispose, got %v", err)
	}
	if _, err := eng.Export(nil, nil, 1); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed after dispose, got %v", err)
	}
}

func TestExportDimensionsAndComposite(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.LoadDesign(100, 100); err != nil {
		t.Fatalf("LoadDesign returned error: %v", err)
	}

	mockup := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			mockup.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	design := image.NewRGBA(image.Rect(0, 0, 50, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			design.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}

	out, err := eng.Export(mockup, design, 2)
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if out.Bounds().Dx() != 1600 || out.Bounds().Dy() != 1200 {
		t.Fatalf("expected 1600x1200 export, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}

	// Centre of the design lands at the print-area centre, doubled.
	r, _, _, _ := out.At(800, 600).RGBA()
	if r>>8 != 200 {
		t.Fatalf("expected design pixel at export centre, got r=%d", r>>8)
	}
	// A corner stays mockup-coloured.
	r, g, b, _ := out.At(5, 5).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Fatalf("expected mockup pixel at corner, got (%d,%d,%d)", r>>8, g>>8, b>>8)
	}

	if _, err := eng.Export(mockup, design, 0); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for zero multiplier, got %v", err)
	}
}
