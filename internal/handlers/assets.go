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

const (
	maxAssetRequestBody = 4 * 1024
	// Largest accepted logo is 25 MiB; the extra megabyte covers the
	// multipart framing around it.
	maxUploadRequestBody = 26 << 20
)

// AssetHandlers exposes brand asset upload and signed URL endpoints.
type AssetHandlers struct {
	assets services.AssetService
}

// NewAssetHandlers constructs the asset endpoint set.
func NewAssetHandlers(assets services.AssetService) *AssetHandlers {
	return &AssetHandlers{assets: assets}
}

// UploadRoutes registers the /uploads endpoints.
func (h *AssetHandlers) UploadRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.directUpload)
	r.Post("/signed", h.issueSignedUpload)
}

// DownloadRoutes registers the /downloads endpoints.
func (h *AssetHandlers) DownloadRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/signed", h.issueSignedDownload)
}

func (h *AssetHandlers) directUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.assets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("asset_service_unavailable", "asset service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadRequestBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "upload exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "multipart field \"file\" is required", http.StatusBadRequest))
		return
	}
	defer file.Close()

	uploaded, err := h.assets.UploadBrandAsset(ctx, services.DirectUploadCommand{
		ActorID:     identity.UID,
		SessionID:   strings.TrimSpace(r.FormValue("session_id")),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		SizeBytes:   header.Size,
		Body:        file,
	})
	if err != nil {
		h.writeAssetError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, uploadedFileResponse{File: uploadedFilePayload{
		URL:        uploaded.URL,
		Path:       uploaded.Path,
		Bucket:     uploaded.Bucket,
		SizeBytes:  uploaded.SizeBytes,
		UploadedAt: formatTime(uploaded.UploadedAt),
	}})
}

func (h *AssetHandlers) issueSignedUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.assets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("asset_service_unavailable", "asset service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req signedUploadRequest
	if err := decodeJSONBody(r, maxAssetRequestBody, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.SignedUploadCommand{
		ActorID:     identity.UID,
		Kind:        strings.TrimSpace(req.Kind),
		Purpose:     strings.TrimSpace(req.Purpose),
		FileName:    strings.TrimSpace(req.FileName),
		ContentType: strings.TrimSpace(req.ContentType),
		SizeBytes:   req.SizeBytes,
	}
	if req.SessionID != nil {
		if trimmed := strings.TrimSpace(*req.SessionID); trimmed != "" {
			cmd.SessionID = &trimmed
		}
	}

	issued, err := h.assets.IssueSignedUpload(ctx, cmd)
	if err != nil {
		h.writeAssetError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, signedUploadResponse{Upload: buildSignedAssetPayload(issued)})
}

func (h *AssetHandlers) issueSignedDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.assets == nil {
		httpx.WriteError(ctx, w, httpx.NewError("asset_service_unavailable", "asset service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req signedDownloadRequest
	if err := decodeJSONBody(r, maxAssetRequestBody, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	issued, err := h.assets.IssueSignedDownload(ctx, services.SignedDownloadCommand{
		ActorID: identity.UID,
		AssetID: strings.TrimSpace(req.AssetID),
	})
	if err != nil {
		h.writeAssetError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, signedDownloadResponse{Download: buildSignedAssetPayload(issued)})
}

func (h *AssetHandlers) writeAssetError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrAssetInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAssetForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient permissions for asset", http.StatusForbidden))
	case errors.Is(err, services.ErrAssetNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("asset_not_found", "asset not found", http.StatusNotFound))
	case errors.Is(err, services.ErrAssetUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("asset_not_ready", "asset is not ready for download", http.StatusConflict))
	case errors.Is(err, services.ErrAssetUploadFailed):
		httpx.WriteError(ctx, w, httpx.NewError("UPLOAD_ERROR", "asset could not be stored", http.StatusBadGateway))
	case errors.Is(err, services.ErrAssetRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("asset_service_unavailable", "asset repository is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("asset_service_error", "asset operation failed", http.StatusBadGateway))
	}
}

// Payloads -------------------------------------------------------------------

type signedUploadRequest struct {
	SessionID   *string `json:"session_id"`
	Kind        string  `json:"kind"`
	Purpose     string  `json:"purpose"`
	FileName    string  `json:"file_name"`
	ContentType string  `json:"content_type"`
	SizeBytes   int64   `json:"size_bytes"`
}

type signedDownloadRequest struct {
	AssetID string `json:"asset_id"`
}

type uploadedFileResponse struct {
	File uploadedFilePayload `json:"file"`
}

type uploadedFilePayload struct {
	URL        string `json:"url"`
	Path       string `json:"path"`
	Bucket     string `json:"bucket,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	UploadedAt string `json:"uploaded_at,omitempty"`
}

type signedUploadResponse struct {
	Upload signedAssetPayload `json:"upload"`
}

type signedDownloadResponse struct {
	Download signedAssetPayload `json:"download"`
}

type signedAssetPayload struct {
	AssetID   string            `json:"asset_id,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt string            `json:"expires_at,omitempty"`
}

func buildSignedAssetPayload(issued services.SignedAssetResponse) signedAssetPayload {
	return signedAssetPayload{
		AssetID:   issued.AssetID,
		URL:       issued.URL,
		Method:    issued.Method,
		Headers:   issued.Headers,
		ExpiresAt: formatTime(issued.ExpiresAt),
	}
}
