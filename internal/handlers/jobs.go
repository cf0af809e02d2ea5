package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/platform/jobs"
	"github.com/genai-merch/api/internal/platform/pagination"
	"github.com/genai-merch/api/internal/services"
)

const (
	maxInternalBodySize     = 256 * 1024
	defaultAuditLogPageSize = 50
	maxAuditLogPageSize     = 200
)

// printPrepareProcessor executes one prepare job and records its outcome.
type printPrepareProcessor interface {
	Process(ctx context.Context, message services.PrepareJobMessage) (services.CompletePrintPrepareResult, error)
}

// InternalHandlers serves the operator surface: the Pub/Sub push target for
// print-preparation jobs, audit log reads, and counter administration. The
// router guards the whole group with OIDC or HMAC middleware.
type InternalHandlers struct {
	worker printPrepareProcessor
	system services.SystemService
}

// NewInternalHandlers constructs the internal endpoint set.
func NewInternalHandlers(worker printPrepareProcessor, system services.SystemService) *InternalHandlers {
	return &InternalHandlers{worker: worker, system: system}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/print-prepare", h.printPrepare)
	r.Get("/audit-logs", h.listAuditLogs)
	r.Post("/counters/{counterID}/next", h.nextCounterValue)
}

// pubsubPushEnvelope is the wrapper Pub/Sub wraps around pushed messages.
type pubsubPushEnvelope struct {
	Message struct {
		Data       string            `json:"data"`
		MessageID  string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type printPrepareAckResponse struct {
	Status string             `json:"status"`
	Job    *prepareJobPayload `json:"job,omitempty"`
	Design *designPayload     `json:"design,omitempty"`
}

func (h *InternalHandlers) printPrepare(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.worker == nil {
		httpx.WriteError(ctx, w, httpx.NewError("job_worker_unavailable", "print prepare worker is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxInternalBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	message, err := decodePrintPrepareMessage(body)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	outcome, err := h.worker.Process(ctx, message)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrPushWorkerMessage), errors.Is(err, services.ErrPrepareInvalidInput):
			// Redelivery would reproduce the failure; reject so the
			// subscription dead-letters the message.
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrPrepareJobNotFound):
			// The job record is gone; nothing left to record.
			writeJSONResponse(w, http.StatusOK, printPrepareAckResponse{Status: "skipped"})
		default:
			httpx.WriteError(ctx, w, httpx.NewError("job_completion_failed", "prepare outcome could not be recorded", http.StatusInternalServerError))
		}
		return
	}

	ack := printPrepareAckResponse{Status: "recorded"}
	if job := buildPrepareJobPayload(&outcome.Job); job != nil {
		ack.Job = job
	}
	if outcome.Design != nil {
		ack.Design = buildSavedDesignPointer(*outcome.Design)
	}
	writeJSONResponse(w, http.StatusOK, ack)
}

// decodePrintPrepareMessage accepts either the Pub/Sub push envelope with a
// base64 payload or the bare job message, which internal tools post directly.
func decodePrintPrepareMessage(body []byte) (services.PrepareJobMessage, error) {
	var envelope pubsubPushEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && strings.TrimSpace(envelope.Message.Data) != "" {
		raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return services.PrepareJobMessage{}, fmt.Errorf("message data is not valid base64: %w", err)
		}
		var message services.PrepareJobMessage
		if err := json.Unmarshal(raw, &message); err != nil {
			return services.PrepareJobMessage{}, fmt.Errorf("message data is not a prepare job payload: %w", err)
		}
		return message, nil
	}

	var message services.PrepareJobMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return services.PrepareJobMessage{}, errors.New("body must be a Pub/Sub push envelope or a prepare job payload")
	}
	if strings.TrimSpace(message.JobID) == "" || strings.TrimSpace(message.DesignID) == "" {
		return services.PrepareJobMessage{}, errors.New("jobId and designId are required")
	}
	return message, nil
}

type auditLogListResponse struct {
	Entries       []auditLogPayload `json:"entries"`
	NextPageToken string            `json:"next_page_token,omitempty"`
}

type auditLogPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type,omitempty"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	IPHash    string         `json:"ip_hash,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	CreatedAt string         `json:"created_at,omitempty"`
}

func (h *InternalHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query, pagination.Options{
		DefaultPageSize: defaultAuditLogPageSize,
		MaxPageSize:     maxAuditLogPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.AuditLogFilter{
		TargetRef: strings.TrimSpace(query.Get("target_ref")),
		Actor:     strings.TrimSpace(query.Get("actor")),
		ActorType: strings.TrimSpace(query.Get("actor_type")),
		Action:    strings.TrimSpace(query.Get("action")),
		Pagination: services.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	}
	if filter.DateRange, err = parseAuditDateRange(query.Get("from"), query.Get("to")); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_error", "audit logs could not be listed", http.StatusInternalServerError))
		return
	}

	entries := make([]auditLogPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		entries = append(entries, auditLogPayload{
			ID:        entry.ID,
			Actor:     entry.Actor,
			ActorType: entry.ActorType,
			Action:    entry.Action,
			TargetRef: entry.TargetRef,
			Severity:  entry.Severity,
			RequestID: entry.RequestID,
			Metadata:  entry.Metadata,
			Diff:      entry.Diff,
			IPHash:    entry.IPHash,
			UserAgent: entry.UserAgent,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, auditLogListResponse{
		Entries:       entries,
		NextPageToken: page.NextPageToken,
	})
}

func parseAuditDateRange(from, to string) (domain.RangeQuery[time.Time], error) {
	var dateRange domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(from); raw != "" {
		parsed, err := parseRFC3339(raw)
		if err != nil {
			return dateRange, errors.New("from must be an RFC3339 timestamp")
		}
		dateRange.From = &parsed
	}
	if raw := strings.TrimSpace(to); raw != "" {
		parsed, err := parseRFC3339(raw)
		if err != nil {
			return dateRange, errors.New("to must be an RFC3339 timestamp")
		}
		dateRange.To = &parsed
	}
	return dateRange, nil
}

type counterNextRequest struct {
	Step int64 `json:"step"`
}

type counterNextResponse struct {
	CounterID string `json:"counter_id"`
	Value     int64  `json:"value"`
}

func (h *InternalHandlers) nextCounterValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	counterID := strings.TrimSpace(chi.URLParam(r, "counterID"))
	if counterID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "counter id is required", http.StatusBadRequest))
		return
	}

	var req counterNextRequest
	if err := decodeJSONBody(r, maxInternalBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	value, err := h.system.NextCounterValue(ctx, services.CounterCommand{
		CounterID: counterID,
		Step:      req.Step,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCounterInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrCounterExhausted):
			httpx.WriteError(ctx, w, httpx.NewError("counter_exhausted", "counter cannot advance further", http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("counter_error", err.Error(), http.StatusInternalServerError))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, counterNextResponse{
		CounterID: counterID,
		Value:     value,
	})
}
