package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/platform/pagination"
	"github.com/genai-merch/api/internal/services"
)

const (
	defaultDesignPageSize = 20
	maxDesignPageSize     = 100
)

// DesignHandlers exposes read access to the caller's saved designs.
type DesignHandlers struct {
	designs services.DesignService
}

// NewDesignHandlers constructs a new DesignHandlers instance.
func NewDesignHandlers(designs services.DesignService) *DesignHandlers {
	return &DesignHandlers{designs: designs}
}

// Routes registers the /designs endpoints.
func (h *DesignHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listDesigns)
	r.Get("/{designID}", h.getDesign)
}

func (h *DesignHandlers) listDesigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.designs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("design_service_unavailable", "design service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.Parse(r.URL.Query(), pagination.Options{
		DefaultPageSize: defaultDesignPageSize,
		MaxPageSize:     maxDesignPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.DesignListFilter{
		OwnerID:   identity.UID,
		Status:    parseFilterValues(r.URL.Query()["status"]),
		SessionID: strings.TrimSpace(r.URL.Query().Get("session_id")),
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}

	page, err := h.designs.ListDesigns(ctx, filter)
	if err != nil {
		writeDesignError(ctx, w, err)
		return
	}

	items := make([]designPayload, 0, len(page.Items))
	for _, design := range page.Items {
		items = append(items, buildSavedDesignPayload(design))
	}
	writeJSONResponse(w, http.StatusOK, designListResponse{
		Designs:       items,
		NextPageToken: page.NextPageToken,
	})
}

func (h *DesignHandlers) getDesign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.designs == nil {
		httpx.WriteError(ctx, w, httpx.NewError("design_service_unavailable", "design service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	designID := strings.TrimSpace(chi.URLParam(r, "designID"))
	if designID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "design id is required", http.StatusBadRequest))
		return
	}

	includeJob := false
	if raw := strings.TrimSpace(r.URL.Query().Get("include_job")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "include_job must be a boolean", http.StatusBadRequest))
			return
		}
		includeJob = value
	}

	design, err := h.designs.GetDesign(ctx, designID, services.DesignReadOptions{
		ActorID:           identity.UID,
		IncludePrepareJob: includeJob,
	})
	if err != nil {
		writeDesignError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, savedDesignResponse{Design: buildSavedDesignPayload(design)})
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	var out []string
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Payloads -------------------------------------------------------------------

type designListResponse struct {
	Designs       []designPayload `json:"designs"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type savedDesignResponse struct {
	Design designPayload `json:"design"`
}

type designPayload struct {
	ID             string            `json:"id"`
	Number         string            `json:"number,omitempty"`
	UserID         string            `json:"user_id"`
	SessionID      string            `json:"session_id,omitempty"`
	Name           string            `json:"name,omitempty"`
	Prompt         string            `json:"prompt,omitempty"`
	ImageURL       string            `json:"image_url"`
	SourceImageURL string            `json:"source_image_url,omitempty"`
	PrintReadyURL  string            `json:"print_ready_url,omitempty"`
	Placement      *placementPayload `json:"placement,omitempty"`
	Status         string            `json:"status"`
	CreatedAt      string            `json:"created_at,omitempty"`
	UpdatedAt      string            `json:"updated_at,omitempty"`
}

type placementPayload struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

type prepareJobPayload struct {
	ID        string              `json:"id"`
	DesignID  string              `json:"design_id"`
	Status    string              `json:"status"`
	Attempts  int                 `json:"attempts"`
	Error     *jobErrorPayload    `json:"error,omitempty"`
	ResultURL string              `json:"result_url,omitempty"`
	History   []jobAttemptPayload `json:"history,omitempty"`
	CreatedAt string              `json:"created_at,omitempty"`
	UpdatedAt string              `json:"updated_at,omitempty"`
}

type jobErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type jobAttemptPayload struct {
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

func buildSavedDesignPayload(design services.Design) designPayload {
	return designPayload{
		ID:             design.ID,
		Number:         design.Number,
		UserID:         design.UserID,
		SessionID:      design.SessionID,
		Name:           design.Name,
		Prompt:         design.Prompt,
		ImageURL:       design.ImageURL,
		SourceImageURL: design.SourceImageURL,
		PrintReadyURL:  design.PrintReadyURL,
		Placement:      placementToPayload(design.Placement),
		Status:         string(design.Status),
		CreatedAt:      formatTime(design.CreatedAt),
		UpdatedAt:      formatTime(design.UpdatedAt),
	}
}

func buildSavedDesignPointer(design services.Design) *designPayload {
	payload := buildSavedDesignPayload(design)
	return &payload
}

func buildPrepareJobPayload(job *services.PrepareJob) *prepareJobPayload {
	if job == nil {
		return nil
	}
	payload := &prepareJobPayload{
		ID:        job.ID,
		DesignID:  job.DesignID,
		Status:    string(job.Status),
		Attempts:  len(job.Attempts),
		ResultURL: job.ResultURL,
		CreatedAt: formatTime(job.CreatedAt),
		UpdatedAt: formatTime(job.UpdatedAt),
	}
	if job.Error != nil {
		payload.Error = &jobErrorPayload{
			Code:      job.Error.Code,
			Message:   job.Error.Message,
			Retryable: job.Error.Retryable,
		}
	}
	for _, attempt := range job.Attempts {
		entry := jobAttemptPayload{
			StartedAt: formatTime(attempt.StartedAt),
			Status:    string(attempt.Status),
			Message:   attempt.Message,
		}
		if attempt.CompletedAt != nil {
			entry.CompletedAt = formatTime(*attempt.CompletedAt)
		}
		payload.History = append(payload.History, entry)
	}
	return payload
}

func placementToPayload(placement *domain.Placement) *placementPayload {
	if placement == nil {
		return nil
	}
	return &placementPayload{
		X:        placement.X,
		Y:        placement.Y,
		Width:    placement.Width,
		Height:   placement.Height,
		Rotation: placement.Rotation,
	}
}

func placementFromPayload(payload *placementPayload) *domain.Placement {
	if payload == nil {
		return nil
	}
	return &domain.Placement{
		X:        payload.X,
		Y:        payload.Y,
		Width:    payload.Width,
		Height:   payload.Height,
		Rotation: payload.Rotation,
	}
}
