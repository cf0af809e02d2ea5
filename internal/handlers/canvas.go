package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/services"
)

const maxCanvasBodySize = 16 * 1024

// CanvasHandlers exposes the mockup positioning endpoints. Transforms are
// applied server-side so the print-area clamp holds regardless of client.
type CanvasHandlers struct {
	canvas services.CanvasService
}

// NewCanvasHandlers constructs the canvas endpoint set.
func NewCanvasHandlers(canvas services.CanvasService) *CanvasHandlers {
	return &CanvasHandlers{canvas: canvas}
}

// Routes wires the /canvas/sessions endpoints onto the provided router.
func (h *CanvasHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.openCanvas)
	r.Route("/{canvasID}", func(r chi.Router) {
		r.Get("/", h.getCanvas)
		r.Post("/move", h.move)
		r.Post("/scale", h.scale)
		r.Post("/rotate", h.rotate)
		r.Post("/nudge", h.nudge)
		r.Post("/scale-step", h.scaleStep)
		r.Post("/place", h.place)
		r.Post("/export", h.export)
		r.Delete("/", h.closeCanvas)
	})
}

type openCanvasRequest struct {
	SessionID string `json:"session_id"`
	ProductID string `json:"product_id"`
	DesignID  string `json:"design_id"`
}

type moveRequest struct {
	X  *float64 `json:"x"`
	Y  *float64 `json:"y"`
	DX *float64 `json:"dx"`
	DY *float64 `json:"dy"`
}

type scaleRequest struct {
	Factor float64 `json:"factor"`
}

type rotateRequest struct {
	Degrees float64 `json:"degrees"`
}

type directionRequest struct {
	Direction string `json:"direction"`
}

type placeRequest struct {
	Placement placementPayload `json:"placement"`
}

type exportRequest struct {
	Multiplier float64 `json:"multiplier"`
}

type canvasResponse struct {
	Canvas canvasStatePayload `json:"canvas"`
}

type canvasStatePayload struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	ProductID    string           `json:"product_id"`
	DesignID     string           `json:"design_id"`
	MockupWidth  float64          `json:"mockup_width"`
	MockupHeight float64          `json:"mockup_height"`
	PrintArea    printAreaPayload `json:"print_area"`
	Placement    placementPayload `json:"placement"`
	Phase        string           `json:"phase,omitempty"`
}

type printAreaPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type canvasExportResponse struct {
	URL        string `json:"url"`
	ObjectPath string `json:"object_path,omitempty"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

func (h *CanvasHandlers) openCanvas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.canvas == nil {
		httpx.WriteError(ctx, w, httpx.NewError("canvas_service_unavailable", "canvas service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req openCanvasRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.ProductID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session_id and product_id are required", http.StatusBadRequest))
		return
	}

	state, err := h.canvas.OpenCanvas(ctx, services.OpenCanvasCommand{
		SessionID: req.SessionID,
		ActorID:   identity.UID,
		ProductID: req.ProductID,
		DesignID:  req.DesignID,
	})
	if err != nil {
		writeCanvasError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, canvasResponse{Canvas: buildCanvasStatePayload(state)})
}

func (h *CanvasHandlers) getCanvas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	state, err := h.canvas.GetCanvas(ctx, services.CanvasQuery{CanvasID: canvasID, ActorID: identity})
	if err != nil {
		writeCanvasError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, canvasResponse{Canvas: buildCanvasStatePayload(state)})
}

func (h *CanvasHandlers) move(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	var req moveRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.CanvasTransformCommand{CanvasID: canvasID, ActorID: identity}
	switch {
	case req.X != nil && req.Y != nil:
		cmd.Op = services.CanvasOpMove
		cmd.X = *req.X
		cmd.Y = *req.Y
	case req.DX != nil || req.DY != nil:
		cmd.Op = services.CanvasOpMoveBy
		if req.DX != nil {
			cmd.DX = *req.DX
		}
		if req.DY != nil {
			cmd.DY = *req.DY
		}
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "either x/y or dx/dy is required", http.StatusBadRequest))
		return
	}

	h.applyTransform(ctx, w, cmd)
}

func (h *CanvasHandlers) scale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	var req scaleRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if req.Factor <= 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "factor must be positive", http.StatusBadRequest))
		return
	}

	h.applyTransform(ctx, w, services.CanvasTransformCommand{
		CanvasID: canvasID,
		ActorID:  identity,
		Op:       services.CanvasOpScale,
		Factor:   req.Factor,
	})
}

func (h *CanvasHandlers) rotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	var req rotateRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	h.applyTransform(ctx, w, services.CanvasTransformCommand{
		CanvasID: canvasID,
		ActorID:  identity,
		Op:       services.CanvasOpRotate,
		Degrees:  req.Degrees,
	})
}

func (h *CanvasHandlers) nudge(w http.ResponseWriter, r *http.Request) {
	h.directionTransform(w, r, services.CanvasOpNudge)
}

func (h *CanvasHandlers) scaleStep(w http.ResponseWriter, r *http.Request) {
	h.directionTransform(w, r, services.CanvasOpScaleStep)
}

func (h *CanvasHandlers) directionTransform(w http.ResponseWriter, r *http.Request, op services.CanvasOp) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	var req directionRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.Direction) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "direction is required", http.StatusBadRequest))
		return
	}

	h.applyTransform(ctx, w, services.CanvasTransformCommand{
		CanvasID:  canvasID,
		ActorID:   identity,
		Op:        op,
		Direction: req.Direction,
	})
}

func (h *CanvasHandlers) place(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	var req placeRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	placement := placementFromPayload(&req.Placement)
	h.applyTransform(ctx, w, services.CanvasTransformCommand{
		CanvasID:  canvasID,
		ActorID:   identity,
		Op:        services.CanvasOpPlace,
		Placement: placement,
	})
}

func (h *CanvasHandlers) applyTransform(ctx context.Context, w http.ResponseWriter, cmd services.CanvasTransformCommand) {
	state, err := h.canvas.Transform(ctx, cmd)
	if err != nil {
		writeCanvasError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, canvasResponse{Canvas: buildCanvasStatePayload(state)})
}

func (h *CanvasHandlers) export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	var req exportRequest
	if err := decodeJSONBody(r, maxCanvasBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.canvas.ExportCanvas(ctx, services.CanvasExportCommand{
		CanvasID:   canvasID,
		ActorID:    identity,
		Multiplier: req.Multiplier,
	})
	if err != nil {
		writeCanvasError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, canvasExportResponse{
		URL:        result.URL,
		ObjectPath: result.ObjectPath,
		Width:      result.Width,
		Height:     result.Height,
	})
}

func (h *CanvasHandlers) closeCanvas(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, canvasID, ok := h.requireCanvas(ctx, w, r)
	if !ok {
		return
	}

	if err := h.canvas.CloseCanvas(ctx, services.CanvasQuery{CanvasID: canvasID, ActorID: identity}); err != nil {
		writeCanvasError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireCanvas authenticates the caller and extracts the canvas id.
func (h *CanvasHandlers) requireCanvas(ctx context.Context, w http.ResponseWriter, r *http.Request) (actorID, canvasID string, ok bool) {
	if h.canvas == nil {
		httpx.WriteError(ctx, w, httpx.NewError("canvas_service_unavailable", "canvas service is unavailable", http.StatusServiceUnavailable))
		return "", "", false
	}
	identity, authed := requireIdentity(ctx, w)
	if !authed {
		return "", "", false
	}
	canvasID = strings.TrimSpace(chi.URLParam(r, "canvasID"))
	if canvasID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "canvas id is required", http.StatusBadRequest))
		return "", "", false
	}
	return identity.UID, canvasID, true
}

func writeCanvasError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCanvasInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCanvasNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("canvas_not_found", "canvas not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCanvasDisposed):
		httpx.WriteError(ctx, w, httpx.NewError("canvas_disposed", "canvas has been closed", http.StatusGone))
	case errors.Is(err, services.ErrCanvasExportFailed):
		httpx.WriteError(ctx, w, httpx.NewError("UPLOAD_ERROR", "failed to export the canvas", http.StatusBadGateway))
	case errors.Is(err, services.ErrCanvasUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("canvas_service_unavailable", "canvas service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("canvas_error", "canvas operation failed", http.StatusInternalServerError))
	}
}

func buildCanvasStatePayload(state services.CanvasState) canvasStatePayload {
	return canvasStatePayload{
		ID:           state.CanvasID,
		SessionID:    state.SessionID,
		ProductID:    state.ProductID,
		DesignID:     state.DesignID,
		MockupWidth:  state.MockupWidth,
		MockupHeight: state.MockupHeight,
		PrintArea: printAreaPayload{
			X:      state.PrintArea.X,
			Y:      state.PrintArea.Y,
			Width:  state.PrintArea.Width,
			Height: state.PrintArea.Height,
		},
		Placement: placementPayload{
			X:        state.Placement.X,
			Y:        state.Placement.Y,
			Width:    state.Placement.Width,
			Height:   state.Placement.Height,
			Rotation: state.Placement.Rotation,
		},
		Phase: state.Phase,
	}
}
