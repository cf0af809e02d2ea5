package handlers

import (
	"net/http"
	"sort"
	"time"

	domain "github.com/genai-merch/api/internal/domain"
	"github.com/genai-merch/api/internal/platform/httpx"
	"github.com/genai-merch/api/internal/services"
)

// HealthHandlers serves liveness, readiness, and diagnostic health endpoints.
type HealthHandlers struct {
	build  services.BuildInfo
	clock  func() time.Time
	system services.SystemService
}

// HealthOption customises HealthHandlers construction.
type HealthOption func(*HealthHandlers)

// WithHealthBuildInfo injects the build metadata reported by /healthz.
func WithHealthBuildInfo(build services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = build
	}
}

// WithHealthClock overrides the time source.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthSystemService wires the dependency-probing system service used by /readyz.
func WithHealthSystemService(system services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = system
	}
}

// NewHealthHandlers constructs health endpoints with the supplied options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type healthzResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
	UptimeSec   int64  `json:"uptimeSec,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

type healthCheckResponse struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs,omitempty"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

type readyzResponse struct {
	Status  string                         `json:"status"`
	Checks  map[string]healthCheckResponse `json:"checks,omitempty"`
	Details []string                       `json:"details,omitempty"`
}

type systemHealthResponse struct {
	Status      string                         `json:"status"`
	Version     string                         `json:"version,omitempty"`
	CommitSHA   string                         `json:"commitSha,omitempty"`
	Environment string                         `json:"environment,omitempty"`
	UptimeSec   int64                          `json:"uptimeSec,omitempty"`
	GeneratedAt string                         `json:"generatedAt,omitempty"`
	Checks      map[string]healthCheckResponse `json:"checks,omitempty"`
	Details     []string                       `json:"details,omitempty"`
}

// Healthz reports process liveness with build metadata. It never probes dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := healthzResponse{
		Status:      domain.HealthStatusOK,
		Version:     h.build.Version,
		CommitSHA:   h.build.CommitSHA,
		Environment: h.build.Environment,
		Timestamp:   formatTime(now),
	}
	if !h.build.StartedAt.IsZero() && now.After(h.build.StartedAt) {
		resp.UptimeSec = int64(now.Sub(h.build.StartedAt).Seconds())
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

// Readyz probes dependencies through the system service. Load balancers receive
// 503 whenever any check is degraded or failing.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, readyzResponse{Status: domain.HealthStatusOK})
		return
	}

	report, err := h.system.HealthReport(r.Context())
	if err != nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, readyzResponse{
			Status:  domain.HealthStatusError,
			Details: []string{err.Error()},
		})
		return
	}

	resp := readyzResponse{
		Status:  report.Status,
		Checks:  buildCheckResponses(report.Checks),
		Details: failingCheckDetails(report.Checks),
	}
	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}

// SystemHealth returns the full diagnostic report, including latencies and
// build metadata. Unlike Readyz it responds 200 even when degraded so
// operators can read the failing checks.
func (h *HealthHandlers) SystemHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_service_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_report_failed", err.Error(), http.StatusServiceUnavailable))
		return
	}

	resp := systemHealthResponse{
		Status:      report.Status,
		Version:     report.Version,
		CommitSHA:   report.CommitSHA,
		Environment: report.Environment,
		GeneratedAt: formatTime(report.GeneratedAt),
		Checks:      buildCheckResponses(report.Checks),
		Details:     failingCheckDetails(report.Checks),
	}
	if report.Uptime > 0 {
		resp.UptimeSec = int64(report.Uptime.Seconds())
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *HealthHandlers) now() time.Time {
	if h.clock == nil {
		return time.Now().UTC()
	}
	return h.clock().UTC()
}

func buildCheckResponses(checks map[string]domain.SystemHealthCheck) map[string]healthCheckResponse {
	if len(checks) == 0 {
		return nil
	}
	out := make(map[string]healthCheckResponse, len(checks))
	for name, check := range checks {
		out[name] = healthCheckResponse{
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
	}
	return out
}

func failingCheckDetails(checks map[string]domain.SystemHealthCheck) []string {
	if len(checks) == 0 {
		return nil
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var details []string
	for _, name := range names {
		check := checks[name]
		if check.Status == domain.HealthStatusOK {
			continue
		}
		message := check.Error
		if message == "" {
			message = check.Detail
		}
		if message == "" {
			message = check.Status
		}
		details = append(details, name+": "+message)
	}
	return details
}
