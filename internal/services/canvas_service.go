package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // decoder for fetched mockup and design images
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/genai-merch/api/internal/canvas"
	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/storage"
	"github.com/genai-merch/api/internal/repositories"
)

const (
	canvasIDPrefix       = "cv_"
	canvasExportIDPrefix = "exp_"

	// defaultDesignPixels is the natural edge length assumed for generated
	// artwork; the generator returns square images.
	defaultDesignPixels = 1024.0

	defaultExportMultiplier = 1.0
	maxExportMultiplier     = 4.0

	maxCanvasImageBytes = 32 << 20

	// disposedCanvasTTL is how long a closed canvas keeps answering status
	// reads before the registry drops it.
	disposedCanvasTTL = 15 * time.Minute
)

var (
	// ErrCanvasInvalidInput indicates the caller supplied invalid data to a canvas operation.
	ErrCanvasInvalidInput = errors.New("canvas service: invalid input")
	// ErrCanvasNotFound indicates the canvas, session, product or design does not exist.
	ErrCanvasNotFound = errors.New("canvas service: not found")
	// ErrCanvasDisposed indicates the canvas was closed and no longer accepts operations.
	ErrCanvasDisposed = errors.New("canvas service: canvas is disposed")
	// ErrCanvasExportFailed indicates the raster export could not be produced or stored.
	ErrCanvasExportFailed = errors.New("canvas service: export failed")
	// ErrCanvasUnavailable indicates a backing dependency cannot fulfil the request.
	ErrCanvasUnavailable = errors.New("canvas service: unavailable")
)

var (
	errCanvasSessionsRequired = errors.New("canvas service: session repository is required")
	errCanvasProductsRequired = errors.New("canvas service: product repository is required")
	errCanvasDesignsRequired  = errors.New("canvas service: design repository is required")
	errCanvasClockRequired    = errors.New("canvas service: clock is required")
)

// sessionFinder loads wizard sessions for ownership checks.
type sessionFinder interface {
	FindByID(ctx context.Context, sessionID string) (domain.WizardSession, error)
}

// designStore reads saved designs and writes placement snapshots back.
type designStore interface {
	FindByID(ctx context.Context, designID string) (domain.Design, error)
	Update(ctx context.Context, design domain.Design) (domain.Design, error)
}

// imageFetcher retrieves and decodes a raster image from a URL.
type imageFetcher interface {
	FetchImage(ctx context.Context, url string) (image.Image, error)
}

// exportWriter persists export bytes and returns the stored object URL.
type exportWriter interface {
	WriteObject(ctx context.Context, bucket, object, contentType string, body io.Reader) (string, error)
}

// CanvasServiceDeps bundles constructor inputs for the canvas service.
// Sessions, Products, Designs and Clock are required. Fetcher defaults to an
// HTTP fetcher backed by HTTPClient; exports fail until Writer and
// ExportBucket are configured.
type CanvasServiceDeps struct {
	Sessions     sessionFinder
	Products     productFinder
	Designs      designStore
	Writer       exportWriter
	Fetcher      imageFetcher
	HTTPClient   *http.Client
	ExportBucket string
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type canvasService struct {
	sessions sessionFinder
	products productFinder
	designs  designStore
	writer   exportWriter
	fetcher  imageFetcher
	bucket   string
	newID    func() string
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)

	mu      sync.Mutex
	entries map[string]*canvasEntry
}

// canvasEntry is one live positioning canvas. The identifying fields are set
// before the entry is published to the registry and never mutated after;
// engine access is serialised through mu.
type canvasEntry struct {
	mu     sync.Mutex
	engine *canvas.Engine

	userID    string
	sessionID string
	productID string
	designID  string
	mockupURL string
	designURL string

	closedAt time.Time
}

// NewCanvasService constructs the canvas service with the supplied dependencies.
func NewCanvasService(deps CanvasServiceDeps) (CanvasService, error) {
	if deps.Sessions == nil {
		return nil, errCanvasSessionsRequired
	}
	if deps.Products == nil {
		return nil, errCanvasProductsRequired
	}
	if deps.Designs == nil {
		return nil, errCanvasDesignsRequired
	}
	if deps.Clock == nil {
		return nil, errCanvasClockRequired
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = httpImageFetcher{client: deps.HTTPClient}
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &canvasService{
		sessions: deps.Sessions,
		products: deps.Products,
		designs:  deps.Designs,
		writer:   deps.Writer,
		fetcher:  fetcher,
		bucket:   strings.TrimSpace(deps.ExportBucket),
		newID:    idGen,
		now:      func() time.Time { return deps.Clock().UTC() },
		logger:   logger,
		entries:  make(map[string]*canvasEntry),
	}, nil
}

// OpenCanvas builds a positioning canvas for a session against a product
// mockup. When a design id is given the design image is placed, restoring a
// previously saved placement when one exists.
func (s *canvasService) OpenCanvas(ctx context.Context, cmd OpenCanvasCommand) (CanvasState, error) {
	if s == nil || s.sessions == nil || s.products == nil {
		return CanvasState{}, ErrCanvasUnavailable
	}

	userID := strings.TrimSpace(cmd.ActorID)
	sessionID := strings.TrimSpace(cmd.SessionID)
	productID := strings.TrimSpace(cmd.ProductID)
	designID := strings.TrimSpace(cmd.DesignID)
	if userID == "" || sessionID == "" || productID == "" {
		return CanvasState{}, fmt.Errorf("%w: actor, session and product ids are required", ErrCanvasInvalidInput)
	}

	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return CanvasState{}, translateCanvasError(err)
	}
	if session.UserID != userID {
		return CanvasState{}, ErrCanvasNotFound
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		return CanvasState{}, translateCanvasError(err)
	}

	engine, err := canvas.NewEngine(product.MockupWidth, product.MockupHeight, product.PrintArea)
	if err != nil {
		return CanvasState{}, fmt.Errorf("%w: product has no usable print surface", ErrCanvasInvalidInput)
	}

	entry := &canvasEntry{
		engine:    engine,
		userID:    userID,
		sessionID: sessionID,
		productID: productID,
		mockupURL: product.MockupURL,
	}

	if designID != "" {
		design, err := s.designs.FindByID(ctx, designID)
		if err != nil {
			return CanvasState{}, translateCanvasError(err)
		}
		if design.UserID != userID {
			return CanvasState{}, ErrCanvasNotFound
		}
		entry.designID = design.ID
		entry.designURL = firstNonEmpty(design.ImageURL, design.SourceImageURL)

		var loadErr error
		if design.Placement != nil {
			loadErr = engine.SetPlacement(*design.Placement)
		} else {
			loadErr = engine.LoadDesign(defaultDesignPixels, defaultDesignPixels)
		}
		if loadErr != nil {
			// Stored placements can carry unusable geometry; fall back to
			// a fresh centred load.
			if err := engine.LoadDesign(defaultDesignPixels, defaultDesignPixels); err != nil {
				return CanvasState{}, translateEngineError(err)
			}
		}
	}

	canvasID := canvasIDPrefix + s.newID()
	now := s.now()
	s.mu.Lock()
	s.pruneDisposedLocked(now)
	s.entries[canvasID] = entry
	s.mu.Unlock()

	s.logger(ctx, "canvas.opened", map[string]any{
		"canvasId":  canvasID,
		"sessionId": sessionID,
		"productId": productID,
		"designId":  designID,
	})
	return s.snapshot(canvasID, entry), nil
}

// GetCanvas reports the current state; disposed canvases keep answering with
// the disposed phase until the registry drops them.
func (s *canvasService) GetCanvas(ctx context.Context, q CanvasQuery) (CanvasState, error) {
	if s == nil {
		return CanvasState{}, ErrCanvasUnavailable
	}
	canvasID, entry, err := s.entryFor(q.CanvasID, q.ActorID)
	if err != nil {
		return CanvasState{}, err
	}
	return s.snapshot(canvasID, entry), nil
}

// Transform applies one placement mutation. Out-of-bounds requests are
// clamped by the engine, never rejected.
func (s *canvasService) Transform(ctx context.Context, cmd CanvasTransformCommand) (CanvasState, error) {
	if s == nil {
		return CanvasState{}, ErrCanvasUnavailable
	}
	canvasID, entry, err := s.entryFor(cmd.CanvasID, cmd.ActorID)
	if err != nil {
		return CanvasState{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var opErr error
	switch cmd.Op {
	case CanvasOpMove:
		opErr = entry.engine.MoveTo(cmd.X, cmd.Y)
	case CanvasOpMoveBy:
		opErr = entry.engine.MoveBy(cmd.DX, cmd.DY)
	case CanvasOpScale:
		if cmd.Factor <= 0 {
			return CanvasState{}, fmt.Errorf("%w: scale factor must be positive", ErrCanvasInvalidInput)
		}
		opErr = entry.engine.Scale(cmd.Factor)
	case CanvasOpRotate:
		opErr = entry.engine.Rotate(cmd.Degrees)
	case CanvasOpNudge:
		opErr = entry.engine.Nudge(canvas.NudgeDirection(strings.ToLower(strings.TrimSpace(cmd.Direction))))
	case CanvasOpScaleStep:
		opErr = entry.engine.ScaleStep(canvas.ScaleDirection(strings.ToLower(strings.TrimSpace(cmd.Direction))))
	case CanvasOpPlace:
		if cmd.Placement == nil {
			return CanvasState{}, fmt.Errorf("%w: placement is required", ErrCanvasInvalidInput)
		}
		opErr = entry.engine.SetPlacement(*cmd.Placement)
	default:
		return CanvasState{}, fmt.Errorf("%w: unknown op %q", ErrCanvasInvalidInput, cmd.Op)
	}
	if opErr != nil {
		return CanvasState{}, translateEngineError(opErr)
	}

	s.logger(ctx, "canvas.transformed", map[string]any{
		"canvasId": canvasID,
		"op":       string(cmd.Op),
	})
	return s.snapshotLocked(canvasID, entry), nil
}

// ExportCanvas composes the mockup and placed design into a PNG at mockup
// dimensions times the multiplier, uploads it, and records the placement
// snapshot onto the saved design when one is attached.
func (s *canvasService) ExportCanvas(ctx context.Context, cmd CanvasExportCommand) (CanvasExportResult, error) {
	if s == nil {
		return CanvasExportResult{}, ErrCanvasUnavailable
	}
	canvasID, entry, err := s.entryFor(cmd.CanvasID, cmd.ActorID)
	if err != nil {
		return CanvasExportResult{}, err
	}

	multiplier := cmd.Multiplier
	if multiplier == 0 {
		multiplier = defaultExportMultiplier
	}
	if multiplier < 0 || multiplier > maxExportMultiplier {
		return CanvasExportResult{}, fmt.Errorf("%w: multiplier must be positive and at most %g", ErrCanvasInvalidInput, maxExportMultiplier)
	}
	if s.writer == nil || s.bucket == "" {
		return CanvasExportResult{}, fmt.Errorf("%w: export storage is not configured", ErrCanvasUnavailable)
	}

	entry.mu.Lock()
	_, hasDesign := entry.engine.Placement()
	entry.mu.Unlock()

	var mockupImg image.Image
	if entry.mockupURL != "" {
		mockupImg, err = s.fetcher.FetchImage(ctx, entry.mockupURL)
		if err != nil {
			return CanvasExportResult{}, fmt.Errorf("%w: mockup image: %v", ErrCanvasExportFailed, err)
		}
	}
	var designImg image.Image
	if hasDesign && entry.designURL != "" {
		designImg, err = s.fetcher.FetchImage(ctx, entry.designURL)
		if err != nil {
			return CanvasExportResult{}, fmt.Errorf("%w: design image: %v", ErrCanvasExportFailed, err)
		}
	}

	entry.mu.Lock()
	composed, exportErr := entry.engine.Export(mockupImg, designImg, multiplier)
	placement, recorded := entry.engine.Placement()
	entry.mu.Unlock()
	if exportErr != nil {
		return CanvasExportResult{}, translateEngineError(exportErr)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, composed); err != nil {
		return CanvasExportResult{}, fmt.Errorf("%w: encode: %v", ErrCanvasExportFailed, err)
	}

	exportID := canvasExportIDPrefix + s.newID()
	object, err := storage.BuildObjectPath(storage.PurposeCanvasExport, storage.PathParams{
		SessionID: entry.sessionID,
		ExportID:  exportID,
		FileName:  "canvas.png",
	})
	if err != nil {
		return CanvasExportResult{}, fmt.Errorf("%w: %v", ErrCanvasExportFailed, err)
	}

	url, err := s.writer.WriteObject(ctx, s.bucket, object, "image/png", &buf)
	if err != nil {
		s.logger(ctx, "canvas.export_failed", map[string]any{
			"canvasId": canvasID,
			"object":   object,
			"error":    err.Error(),
		})
		return CanvasExportResult{}, fmt.Errorf("%w: %v", ErrCanvasExportFailed, err)
	}

	if entry.designID != "" && recorded {
		s.recordPlacement(ctx, entry, placement)
	}

	s.logger(ctx, "canvas.exported", map[string]any{
		"canvasId": canvasID,
		"object":   object,
		"width":    composed.Bounds().Dx(),
		"height":   composed.Bounds().Dy(),
	})
	return CanvasExportResult{
		URL:        url,
		ObjectPath: object,
		Width:      composed.Bounds().Dx(),
		Height:     composed.Bounds().Dy(),
	}, nil
}

// CloseCanvas disposes the engine. The entry stays registered for a while so
// status reads keep reporting the disposed phase.
func (s *canvasService) CloseCanvas(ctx context.Context, q CanvasQuery) error {
	if s == nil {
		return ErrCanvasUnavailable
	}
	canvasID, entry, err := s.entryFor(q.CanvasID, q.ActorID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.engine.Dispose()
	entry.mu.Unlock()

	s.mu.Lock()
	entry.closedAt = s.now()
	s.mu.Unlock()

	s.logger(ctx, "canvas.closed", map[string]any{"canvasId": canvasID})
	return nil
}

// recordPlacement writes the exported placement back onto the saved design.
// Failures are logged and do not fail the export.
func (s *canvasService) recordPlacement(ctx context.Context, entry *canvasEntry, placement domain.Placement) {
	design, err := s.designs.FindByID(ctx, entry.designID)
	if err != nil || design.UserID != entry.userID {
		s.logger(ctx, "canvas.placement_record_skipped", map[string]any{
			"designId": entry.designID,
		})
		return
	}
	design.Placement = &placement
	design.UpdatedAt = s.now()
	if _, err := s.designs.Update(ctx, design); err != nil {
		s.logger(ctx, "canvas.placement_record_failed", map[string]any{
			"designId": entry.designID,
			"error":    err.Error(),
		})
	}
}

func (s *canvasService) entryFor(canvasID, actorID string) (string, *canvasEntry, error) {
	canvasID = strings.TrimSpace(canvasID)
	actorID = strings.TrimSpace(actorID)
	if canvasID == "" || actorID == "" {
		return "", nil, fmt.Errorf("%w: canvas and actor ids are required", ErrCanvasInvalidInput)
	}
	s.mu.Lock()
	entry, ok := s.entries[canvasID]
	s.mu.Unlock()
	if !ok || entry.userID != actorID {
		return "", nil, ErrCanvasNotFound
	}
	return canvasID, entry, nil
}

func (s *canvasService) snapshot(canvasID string, entry *canvasEntry) CanvasState {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return s.snapshotLocked(canvasID, entry)
}

// snapshotLocked requires entry.mu to be held.
func (s *canvasService) snapshotLocked(canvasID string, entry *canvasEntry) CanvasState {
	state := CanvasState{
		CanvasID:  canvasID,
		SessionID: entry.sessionID,
		ProductID: entry.productID,
		DesignID:  entry.designID,
		PrintArea: entry.engine.PrintArea(),
		Phase:     string(entry.engine.State()),
	}
	state.MockupWidth, state.MockupHeight = entry.engine.MockupSize()
	if placement, ok := entry.engine.Placement(); ok {
		state.Placement = placement
	}
	return state
}

// pruneDisposedLocked requires s.mu to be held.
func (s *canvasService) pruneDisposedLocked(now time.Time) {
	for id, entry := range s.entries {
		if !entry.closedAt.IsZero() && now.Sub(entry.closedAt) > disposedCanvasTTL {
			delete(s.entries, id)
		}
	}
}

func translateEngineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, canvas.ErrDisposed):
		return ErrCanvasDisposed
	default:
		return fmt.Errorf("%w: %v", ErrCanvasInvalidInput, err)
	}
}

func translateCanvasError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCanvasNotFound
		case repoErr.IsUnavailable():
			return ErrCanvasUnavailable
		}
		return ErrCanvasUnavailable
	}
	return ErrCanvasUnavailable
}

// httpImageFetcher fetches images over HTTP and decodes them. A nil client
// falls back to http.DefaultClient.
type httpImageFetcher struct {
	client *http.Client
}

func (f httpImageFetcher) FetchImage(ctx context.Context, rawURL string) (image.Image, error) {
	url := strings.TrimSpace(rawURL)
	if url == "" {
		return nil, errors.New("canvas fetch: url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("canvas fetch: build request: %w", err)
	}
	client := f.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("canvas fetch: %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("canvas fetch: %s: unexpected status %d", url, resp.StatusCode)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxCanvasImageBytes))
	if err != nil {
		return nil, fmt.Errorf("canvas fetch: decode %s: %w", url, err)
	}
	return img, nil
}
