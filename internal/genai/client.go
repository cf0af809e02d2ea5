package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxErrorBodyBytes     = 64 * 1024
)

// ClientConfig configures the vendor client.
type ClientConfig struct {
	GenerateEndpoint string
	FollowUpEndpoint string
	PrepareEndpoint  string
	AuthToken        string
	HTTPClient       *http.Client
	Timeout          time.Duration
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

// Client calls the image-generation vendor over HTTP.
type Client struct {
	httpClient  *http.Client
	generateURL string
	followUpURL string
	prepareURL  string
	authToken   string
	logger      func(context.Context, string, map[string]any)
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	generateURL := strings.TrimSpace(cfg.GenerateEndpoint)
	if generateURL == "" {
		return nil, errors.New("genai: generate endpoint is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &Client{
		httpClient:  httpClient,
		generateURL: generateURL,
		followUpURL: strings.TrimSpace(cfg.FollowUpEndpoint),
		prepareURL:  strings.TrimSpace(cfg.PrepareEndpoint),
		authToken:   strings.TrimSpace(cfg.AuthToken),
		logger:      logger,
	}, nil
}

// PromptAnswer pairs a question with its latest answer for prompt building.
type PromptAnswer struct {
	QuestionID string   `json:"question_id"`
	Question   string   `json:"question"`
	Answer     []string `json:"answer"`
}

// GenerateRequest asks the vendor for a batch of design candidates.
type GenerateRequest struct {
	Prompt       string            `json:"prompt,omitempty"`
	Answers      []PromptAnswer    `json:"answers,omitempty"`
	EventType    string            `json:"event_type"`
	EventDetails map[string]string `json:"event_details,omitempty"`
	Palette      []string          `json:"palette,omitempty"`
	BrandVoice   string            `json:"brand_voice,omitempty"`
	Variety      string            `json:"variety"`
	Count        int               `json:"count"`
}

// CandidateDesign is one generated design returned by the vendor.
type CandidateDesign struct {
	ID       string `json:"id"`
	ImageURL string `json:"image_url"`
	Prompt   string `json:"prompt"`
}

// GenerateResult carries the produced designs. On partial success it holds
// the successful subset while the returned error is a *PartialError.
type GenerateResult struct {
	Designs []CandidateDesign
}

type generateResponsePayload struct {
	Designs  []CandidateDesign `json:"designs"`
	Failures []struct {
		Slot    int    `json:"slot"`
		Message string `json:"message"`
	} `json:"failures"`
}

// Generate requests Count designs. Three outcomes are possible: full
// success (nil error), partial success (subset in the result plus a
// *PartialError), and total failure (zero designs plus a classified error).
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if req.Count <= 0 {
		return GenerateResult{}, &ConfigurationError{Detail: "count must be positive"}
	}
	normalizeGenerateRequest(&req)

	resp, err := c.post(ctx, c.generateURL, req)
	if err != nil {
		return GenerateResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMultiStatus:
	default:
		return GenerateResult{}, c.classifyFailure(resp)
	}

	var payload generateResponsePayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return GenerateResult{}, &NetworkError{Err: fmt.Errorf("decode generate response: %w", err)}
	}

	result := GenerateResult{Designs: payload.Designs}

	c.logger(ctx, "genai.generate.completed", map[string]any{
		"requested": req.Count,
		"returned":  len(payload.Designs),
		"status":    resp.StatusCode,
	})

	if resp.StatusCode == http.StatusMultiStatus || len(payload.Designs) < req.Count {
		partial := &PartialError{
			Requested: req.Count,
			Returned:  len(payload.Designs),
			Failures:  make([]SlotFailure, 0, len(payload.Failures)),
		}
		for _, failure := range payload.Failures {
			partial.Failures = append(partial.Failures, SlotFailure{Slot: failure.Slot, Message: failure.Message})
		}
		return result, partial
	}

	return result, nil
}

// FollowUpRequest asks the vendor to suggest follow-up questions given the
// answers so far.
type FollowUpRequest struct {
	EventType string         `json:"event_type"`
	Answers   []PromptAnswer `json:"answers,omitempty"`
	Limit     int            `json:"limit"`
}

// FollowUpQuestion is one vendor-suggested follow-up.
type FollowUpQuestion struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Multi bool   `json:"multi"`
}

// FollowUpQuestions suggests up to Limit follow-ups. An empty list is a
// normal outcome, not an error.
func (c *Client) FollowUpQuestions(ctx context.Context, req FollowUpRequest) ([]FollowUpQuestion, error) {
	if c.followUpURL == "" {
		return nil, nil
	}
	if req.Limit <= 0 {
		return nil, nil
	}

	resp, err := c.post(ctx, c.followUpURL, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyFailure(resp)
	}

	var payload struct {
		Questions []FollowUpQuestion `json:"questions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("decode follow-up response: %w", err)}
	}

	if len(payload.Questions) > req.Limit {
		payload.Questions = payload.Questions[:req.Limit]
	}
	return payload.Questions, nil
}

// PrepareRequest asks the vendor for a print-ready derivative of a saved
// design.
type PrepareRequest struct {
	DesignID string `json:"design_id"`
	ImageURL string `json:"image_url"`
}

// PrepareResult locates the print-ready artifact. Bucket/Object are set
// when the vendor staged the file in object storage; PrintReadyURL is
// always populated.
type PrepareResult struct {
	PrintReadyURL string `json:"print_ready_url"`
	Bucket        string `json:"bucket"`
	Object        string `json:"object"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
}

// PreparePrint requests the print-ready derivative. Failures carry the same
// classification as generation failures.
func (c *Client) PreparePrint(ctx context.Context, req PrepareRequest) (PrepareResult, error) {
	if c.prepareURL == "" {
		return PrepareResult{}, &ConfigurationError{Detail: "prepare endpoint is not configured"}
	}
	if strings.TrimSpace(req.DesignID) == "" {
		return PrepareResult{}, &ConfigurationError{Detail: "design id is required"}
	}

	resp, err := c.post(ctx, c.prepareURL, req)
	if err != nil {
		return PrepareResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PrepareResult{}, c.classifyFailure(resp)
	}

	var result PrepareResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PrepareResult{}, &NetworkError{Err: fmt.Errorf("decode prepare response: %w", err)}
	}
	if strings.TrimSpace(result.PrintReadyURL) == "" {
		return PrepareResult{}, &UnknownError{Status: resp.StatusCode, Message: "prepare response missing print_ready_url"}
	}

	c.logger(ctx, "genai.prepare.completed", map[string]any{
		"designId": req.DesignID,
		"width":    result.Width,
		"height":   result.Height,
	})

	return result, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("encode request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &NetworkError{Err: err}
		}
		return nil, &NetworkError{Err: err}
	}
	return resp, nil
}

type vendorErrorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyFailure maps a non-success vendor response onto the closed error
// set. The vendor's own error code wins; the HTTP status is the fallback.
func (c *Client) classifyFailure(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var payload vendorErrorPayload
	_ = json.Unmarshal(raw, &payload)
	code := strings.ToLower(strings.TrimSpace(payload.Error.Code))
	message := strings.TrimSpace(payload.Error.Message)

	switch code {
	case "rate_limited", "rate_limit":
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case "content_policy", "content_policy_violation":
		return &ContentPolicyError{Reason: message}
	case "configuration", "configuration_error", "invalid_request":
		return &ConfigurationError{Detail: message}
	case "network", "network_error", "upstream_unavailable":
		return &NetworkError{Err: errors.New(defaultMessage(message, "vendor reported a network failure"))}
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ConfigurationError{Detail: defaultMessage(message, "vendor rejected the credentials")}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &NetworkError{Err: fmt.Errorf("vendor unavailable (status %d)", resp.StatusCode)}
	}

	return &UnknownError{Status: resp.StatusCode, Message: message}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if until := time.Until(at); until > 0 {
			return until
		}
	}
	return 0
}

func defaultMessage(message, fallback string) string {
	if message != "" {
		return message
	}
	return fallback
}

// normalizeGenerateRequest NFC-normalises user text so the vendor sees
// canonical unicode regardless of input method.
func normalizeGenerateRequest(req *GenerateRequest) {
	req.Prompt = norm.NFC.String(req.Prompt)
	req.BrandVoice = norm.NFC.String(req.BrandVoice)
	for i := range req.Answers {
		req.Answers[i].Question = norm.NFC.String(req.Answers[i].Question)
		for j := range req.Answers[i].Answer {
			req.Answers[i].Answer[j] = norm.NFC.String(req.Answers[i].Answer[j])
		}
	}
}
