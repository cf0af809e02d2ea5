// Package canvas places one design image inside a product mockup's print
// area and exports the composed scene as a raster image. Every mutation is
// routed through the same clamping step, so the design's bounding box can
// never leave the print area.
package canvas

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/genai-merch/api/internal/domain"
)

// State is the lifecycle of one engine instance.
type State string

const (
	// StateUninitialized means construction has not completed.
	StateUninitialized State = "uninitialized"
	// StateReady means the scene is built and accepts operations.
	StateReady State = "ready"
	// StateDisposed means the instance was torn down; terminal.
	StateDisposed State = "disposed"
)

// NudgeDirection selects an arrow-key nudge.
type NudgeDirection string

const (
	// NudgeUp moves the design up by one nudge step.
	NudgeUp NudgeDirection = "up"
	// NudgeDown moves the design down by one nudge step.
	NudgeDown NudgeDirection = "down"
	// NudgeLeft moves the design left by one nudge step.
	NudgeLeft NudgeDirection = "left"
	// NudgeRight moves the design right by one nudge step.
	NudgeRight NudgeDirection = "right"
)

// ScaleDirection selects a keyboard scale step.
type ScaleDirection string

const (
	// ScaleUp grows the design by one scale step.
	ScaleUp ScaleDirection = "up"
	// ScaleDown shrinks the design by one scale step.
	ScaleDown ScaleDirection = "down"
)

const (
	// NudgeStep is the arrow-key movement in mockup pixels.
	NudgeStep = 2.0
	// ScaleStepFactor is the keyboard +/- scale increment.
	ScaleStepFactor = 0.05
	// minDesignSize floors the smaller design edge in mockup pixels so
	// repeated scale-downs cannot collapse the image.
	minDesignSize = 8.0
)

var (
	// ErrNotReady is returned when an operation runs outside the ready state.
	ErrNotReady = errors.New("canvas: engine is not ready")
	// ErrDisposed is returned after Dispose.
	ErrDisposed = errors.New("canvas: engine is disposed")
	// ErrNoDesign is returned when an operation needs a loaded design.
	ErrNoDesign = errors.New("canvas: no design loaded")
	// ErrInvalidGeometry is returned for unusable mockup or print-area input.
	ErrInvalidGeometry = errors.New("canvas: invalid geometry")
)

// Engine is one canvas instance. It is not safe for concurrent use; callers
// serialise access (the canvas service holds one lock per instance).
type Engine struct {
	state     State
	mockupW   float64
	mockupH   float64
	area      domain.PrintArea
	hasDesign bool
	placement domain.Placement
}

// NewEngine builds a ready engine for a mockup of the given pixel size with
// a print area fully inside it.
func NewEngine(mockupWidth, mockupHeight int, area domain.PrintArea) (*Engine, error) {
	w, h := float64(mockupWidth), float64(mockupHeight)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: mockup %dx%d", ErrInvalidGeometry, mockupWidth, mockupHeight)
	}
	if area.Width <= 0 || area.Height <= 0 {
		return nil, fmt.Errorf("%w: print area %gx%g", ErrInvalidGeometry, area.Width, area.Height)
	}
	if area.X < 0 || area.Y < 0 || area.X+area.Width > w || area.Y+area.Height > h {
		return nil, fmt.Errorf("%w: print area outside mockup", ErrInvalidGeometry)
	}
	return &Engine{
		state:   StateReady,
		mockupW: w,
		mockupH: h,
		area:    area,
	}, nil
}

// State reports the lifecycle state.
func (e *Engine) State() State {
	if e == nil {
		return StateUninitialized
	}
	return e.state
}

// PrintArea returns the print-area rectangle.
func (e *Engine) PrintArea() domain.PrintArea { return e.area }

// MockupSize returns the mockup dimensions in pixels.
func (e *Engine) MockupSize() (width, height float64) { return e.mockupW, e.mockupH }

// Placement returns the current design placement; ok is false while no
// design is loaded.
func (e *Engine) Placement() (domain.Placement, bool) {
	if e == nil || !e.hasDesign {
		return domain.Placement{}, false
	}
	return e.placement, true
}

// LoadDesign places a design of the given natural pixel size centred in the
// print area, scaled down to fit when larger. Valid only while ready;
// loading does not change the lifecycle state.
func (e *Engine) LoadDesign(naturalWidth, naturalHeight float64) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	if naturalWidth <= 0 || naturalHeight <= 0 {
		return fmt.Errorf("%w: design %gx%g", ErrInvalidGeometry, naturalWidth, naturalHeight)
	}

	w, h := naturalWidth, naturalHeight
	if w > e.area.Width || h > e.area.Height {
		f := math.Min(e.area.Width/w, e.area.Height/h)
		w *= f
		h *= f
	}

	e.placement = domain.Placement{
		X:      e.area.X + e.area.Width/2,
		Y:      e.area.Y + e.area.Height/2,
		Width:  w,
		Height: h,
	}
	e.hasDesign = true
	e.constrain()
	return nil
}

// SetPlacement restores a previously saved placement, clamped like any
// other mutation.
func (e *Engine) SetPlacement(p domain.Placement) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: placement %gx%g", ErrInvalidGeometry, p.Width, p.Height)
	}
	e.placement = p
	e.hasDesign = true
	e.constrain()
	return nil
}

// MoveTo sets the design centre; out-of-bounds targets are clamped.
func (e *Engine) MoveTo(x, y float64) error {
	if err := e.ensureDesign(); err != nil {
		return err
	}
	e.placement.X = x
	e.placement.Y = y
	e.constrain()
	return nil
}

// MoveBy shifts the design centre by a delta through the same clamping.
func (e *Engine) MoveBy(dx, dy float64) error {
	if err := e.ensureDesign(); err != nil {
		return err
	}
	e.placement.X += dx
	e.placement.Y += dy
	e.constrain()
	return nil
}

// Scale multiplies the design size by factor (> 0). Growth past the print
// area and shrinkage below the minimum size are both clamped.
func (e *Engine) Scale(factor float64) error {
	if err := e.ensureDesign(); err != nil {
		return err
	}
	if factor <= 0 {
		return nil
	}
	e.placement.Width *= factor
	e.placement.Height *= factor
	e.floorSize()
	e.constrain()
	return nil
}

// Rotate sets the absolute rotation in degrees; the grown bounding box is
// re-clamped (scaled down first when it no longer fits).
func (e *Engine) Rotate(degrees float64) error {
	if err := e.ensureDesign(); err != nil {
		return err
	}
	e.placement.Rotation = normalizeDegrees(degrees)
	e.constrain()
	return nil
}

// Nudge applies one arrow-key step through the clamping used for drags.
func (e *Engine) Nudge(direction NudgeDirection) error {
	switch direction {
	case NudgeUp:
		return e.MoveBy(0, -NudgeStep)
	case NudgeDown:
		return e.MoveBy(0, NudgeStep)
	case NudgeLeft:
		return e.MoveBy(-NudgeStep, 0)
	case NudgeRight:
		return e.MoveBy(NudgeStep, 0)
	default:
		return fmt.Errorf("%w: nudge direction %q", ErrInvalidGeometry, direction)
	}
}

// ScaleStep applies one keyboard +/- step through the shared clamping.
func (e *Engine) ScaleStep(direction ScaleDirection) error {
	switch direction {
	case ScaleUp:
		return e.Scale(1 + ScaleStepFactor)
	case ScaleDown:
		return e.Scale(1 - ScaleStepFactor)
	default:
		return fmt.Errorf("%w: scale direction %q", ErrInvalidGeometry, direction)
	}
}

// Dispose tears the instance down. Terminal; all later operations fail with
// ErrDisposed.
func (e *Engine) Dispose() {
	if e == nil {
		return
	}
	e.state = StateDisposed
	e.hasDesign = false
}

func (e *Engine) ensureReady() error {
	if e == nil || e.state == StateUninitialized {
		return ErrNotReady
	}
	if e.state == StateDisposed {
		return ErrDisposed
	}
	return nil
}

func (e *Engine) ensureDesign() error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	if !e.hasDesign {
		return ErrNoDesign
	}
	return nil
}

// constrain is the single clamping step every mutation funnels through:
// first cap the rotated bounding box to the print area (uniform downscale),
// then clamp the centre so all four bbox edges stay inside.
func (e *Engine) constrain() {
	p := &e.placement

	bw, bh := rotatedBounds(p.Width, p.Height, p.Rotation)
	if bw > e.area.Width || bh > e.area.Height {
		f := math.Min(e.area.Width/bw, e.area.Height/bh)
		p.Width *= f
		p.Height *= f
		bw, bh = rotatedBounds(p.Width, p.Height, p.Rotation)
	}

	p.X = clampFloat(p.X, e.area.X+bw/2, e.area.X+e.area.Width-bw/2)
	p.Y = clampFloat(p.Y, e.area.Y+bh/2, e.area.Y+e.area.Height-bh/2)
}

func (e *Engine) floorSize() {
	p := &e.placement
	smaller := math.Min(p.Width, p.Height)
	if smaller >= minDesignSize || smaller <= 0 {
		return
	}
	f := minDesignSize / smaller
	p.Width *= f
	p.Height *= f
}

// BoundingBox returns the axis-aligned bounds of the rotated design in
// mockup coordinates.
func (e *Engine) BoundingBox() (minX, minY, maxX, maxY float64, ok bool) {
	if e == nil || !e.hasDesign {
		return 0, 0, 0, 0, false
	}
	p := e.placement
	bw, bh := rotatedBounds(p.Width, p.Height, p.Rotation)
	return p.X - bw/2, p.Y - bh/2, p.X + bw/2, p.Y + bh/2, true
}

func rotatedBounds(width, height, degrees float64) (float64, float64) {
	rad := degrees * math.Pi / 180
	cos := math.Abs(math.Cos(rad))
	sin := math.Abs(math.Sin(rad))
	return width*cos + height*sin, width*sin + height*cos
}

func clampFloat(v, lo, hi float64) float64 {
	if lo > hi {
		return (lo + hi) / 2
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeDegrees(degrees float64) float64 {
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	return d
}

// Export composes the mockup and the placed design into an RGBA image at
// mockup dimensions times multiplier, using nearest-neighbour resampling.
// A nil design exports the mockup alone.
func (e *Engine) Export(mockup image.Image, design image.Image, multiplier float64) (*image.RGBA, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if multiplier <= 0 {
		return nil, fmt.Errorf("%w: multiplier %g", ErrInvalidGeometry, multiplier)
	}

	outW := int(math.Round(e.mockupW * multiplier))
	outH := int(math.Round(e.mockupH * multiplier))
	if outW < 1 || outH < 1 {
		return nil, fmt.Errorf("%w: export %dx%d", ErrInvalidGeometry, outW, outH)
	}

	out := image.NewRGBA(image.Rect(0, 0, outW, outH))
	if mockup != nil {
		drawStretched(out, mockup)
	}
	if e.hasDesign && design != nil {
		drawPlaced(out, design, e.placement, multiplier)
	}
	return out, nil
}

// drawStretched fills dst with src scaled to dst's bounds, nearest
// neighbour.
func drawStretched(dst *image.RGBA, src image.Image) {
	db := dst.Bounds()
	sb := src.Bounds()
	if db.Empty() || sb.Empty() {
		return
	}
	sx := float64(sb.Dx()) / float64(db.Dx())
	sy := float64(sb.Dy()) / float64(db.Dy())
	for y := db.Min.Y; y < db.Max.Y; y++ {
		srcY := sb.Min.Y + int(float64(y-db.Min.Y)*sy)
		if srcY >= sb.Max.Y {
			srcY = sb.Max.Y - 1
		}
		for x := db.Min.X; x < db.Max.X; x++ {
			srcX := sb.Min.X + int(float64(x-db.Min.X)*sx)
			if srcX >= sb.Max.X {
				srcX = sb.Max.X - 1
			}
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
}

// drawPlaced maps the design through the placement transform (scale +
// rotation about the centre) via inverse mapping, blending with the over
// operator.
func drawPlaced(dst *image.RGBA, design image.Image, p domain.Placement, multiplier float64) {
	sb := design.Bounds()
	if sb.Empty() || p.Width <= 0 || p.Height <= 0 {
		return
	}

	rad := p.Rotation * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)

	cx := p.X * multiplier
	cy := p.Y * multiplier
	halfW := p.Width * multiplier / 2
	halfH := p.Height * multiplier / 2

	bw, bh := rotatedBounds(p.Width*multiplier, p.Height*multiplier, p.Rotation)
	minX := int(math.Floor(cx - bw/2))
	maxX := int(math.Ceil(cx + bw/2))
	minY := int(math.Floor(cy - bh/2))
	maxY := int(math.Ceil(cy + bh/2))

	db := dst.Bounds()
	if minX < db.Min.X {
		minX = db.Min.X
	}
	if minY < db.Min.Y {
		minY = db.Min.Y
	}
	if maxX > db.Max.X {
		maxX = db.Max.X
	}
	if maxY > db.Max.Y {
		maxY = db.Max.Y
	}

	srcW := float64(sb.Dx())
	srcH := float64(sb.Dy())

	for y := minY; y < maxY; y++ {
		for x := minX; x < maxX; x++ {
			// Inverse-rotate the destination pixel into design space.
			dx := float64(x) + 0.5 - cx
			dy := float64(y) + 0.5 - cy
			ux := dx*cos + dy*sin
			uy := -dx*sin + dy*cos
			if ux < -halfW || ux >= halfW || uy < -halfH || uy >= halfH {
				continue
			}
			srcX := sb.Min.X + int((ux+halfW)/(2*halfW)*srcW)
			srcY := sb.Min.Y + int((uy+halfH)/(2*halfH)*srcH)
			if srcX >= sb.Max.X {
				srcX = sb.Max.X - 1
			}
			if srcY >= sb.Max.Y {
				srcY = sb.Max.Y - 1
			}
			blendOver(dst, x, y, design.At(srcX, srcY))
		}
	}
}

func blendOver(dst *image.RGBA, x, y int, src color.Color) {
	sr, sg, sbl, sa := src.RGBA()
	if sa == 0 {
		return
	}
	if sa == 0xffff {
		dst.Set(x, y, src)
		return
	}
	dr, dg, db, da := dst.At(x, y).RGBA()
	inv := 0xffff - sa
	dst.Set(x, y, color.RGBA64{
		R: uint16(sr + dr*inv/0xffff),
		G: uint16(sg + dg*inv/0xffff),
		B: uint16(sbl + db*inv/0xffff),
		A: uint16(sa + da*inv/0xffff),
	})
}
