package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientGenerateFullSuccess(t *testing.T) {
	var gotAuth string
	var gotBody GenerateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected json content type, got %q", ct)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponsePayload{
			Designs: []CandidateDesign{
				{ID: "gd_1", ImageURL: "https://img.example.com/1.png", Prompt: "p1"},
				{ID: "gd_2", ImageURL: "https://img.example.com/2.png", Prompt: "p2"},
				{ID: "gd_3", ImageURL: "https://img.example.com/3.png", Prompt: "p3"},
			},
		})
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{GenerateEndpoint: server.URL, AuthToken: "vendor-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// "Café" carries a combining accent that must arrive precomposed.
	result, err := client.Generate(context.Background(), GenerateRequest{
		Prompt:    "Café crew tees",
		EventType: "company_event",
		Count:     3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Designs) != 3 {
		t.Fatalf("expected 3 designs, got %d", len(result.Designs))
	}
	if result.Designs[0].ID != "gd_1" {
		t.Fatalf("unexpected first design: %+v", result.Designs[0])
	}
	if gotAuth != "Bearer vendor-token" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.Prompt != "Café crew tees" {
		t.Fatalf("expected NFC-normalised prompt, got %q", gotBody.Prompt)
	}
	if gotBody.Count != 3 {
		t.Fatalf("expected count forwarded, got %d", gotBody.Count)
	}
}

func TestClientGeneratePartialSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write([]byte(`{
			"designs": [
				{"id": "gd_1", "image_url": "https://img.example.com/1.png", "prompt": "p1"},
				{"id": "gd_2", "image_url": "https://img.example.com/2.png", "prompt": "p2"}
			],
			"failures": [{"slot": 2, "message": "diffusion failed"}]
		}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{GenerateEndpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := client.Generate(context.Background(), GenerateRequest{EventType: "launch", Count: 3})

	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected a partial error, got %v", err)
	}
	if partial.Requested != 3 || partial.Returned != 2 || partial.Missing() != 1 {
		t.Fatalf("unexpected partial accounting: %+v", partial)
	}
	if !partial.Retryable() {
		t.Fatalf("expected partial success retryable")
	}
	if len(partial.Failures) != 1 || partial.Failures[0].Slot != 2 {
		t.Fatalf("unexpected slot failures: %+v", partial.Failures)
	}
	if len(result.Designs) != 2 {
		t.Fatalf("expected the successful subset kept, got %d designs", len(result.Designs))
	}
}

func TestClientGenerateShortfallIsPartial(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"designs": [{"id": "gd_1", "image_url": "https://img.example.com/1.png", "prompt": "p1"}]}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{GenerateEndpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := client.Generate(context.Background(), GenerateRequest{EventType: "launch", Count: 3})

	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected a partial error for a short batch, got %v", err)
	}
	if partial.Returned != 1 || partial.Missing() != 2 {
		t.Fatalf("unexpected partial accounting: %+v", partial)
	}
	if len(result.Designs) != 1 {
		t.Fatalf("expected 1 design, got %d", len(result.Designs))
	}
}

func TestClientGenerateRejectsNonPositiveCount(t *testing.T) {
	client, err := NewClient(ClientConfig{GenerateEndpoint: "https://vendor.example.com/generate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Generate(context.Background(), GenerateRequest{EventType: "launch"})

	var config *ConfigurationError
	if !errors.As(err, &config) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestClientGenerateClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		header    http.Header
		body      string
		wantCode  Code
		retryable bool
	}{
		{
			// The vendor code outranks the status: 400 alone would fall
			// through to the unknown bucket.
			name:      "vendor rate limit code",
			status:    http.StatusBadRequest,
			header:    http.Header{"Retry-After": []string{"7"}},
			body:      `{"error": {"code": "rate_limited", "message": "slow down"}}`,
			wantCode:  CodeRateLimit,
			retryable: true,
		},
		{
			name:      "content policy",
			status:    http.StatusUnprocessableEntity,
			body:      `{"error": {"code": "content_policy", "message": "prohibited symbol"}}`,
			wantCode:  CodeContentPolicy,
			retryable: false,
		},
		{
			name:      "credentials rejected",
			status:    http.StatusUnauthorized,
			body:      `{}`,
			wantCode:  CodeConfiguration,
			retryable: false,
		},
		{
			name:      "vendor unavailable",
			status:    http.StatusServiceUnavailable,
			body:      ``,
			wantCode:  CodeNetwork,
			retryable: true,
		},
		{
			name:      "unclassified failure",
			status:    http.StatusInternalServerError,
			body:      `{"error": {"message": "boom"}}`,
			wantCode:  CodeUnknown,
			retryable: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for key, values := range tc.header {
					for _, value := range values {
						w.Header().Add(key, value)
					}
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client, err := NewClient(ClientConfig{GenerateEndpoint: server.URL})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			result, err := client.Generate(context.Background(), GenerateRequest{EventType: "launch", Count: 3})
			if len(result.Designs) != 0 {
				t.Fatalf("expected no designs on failure, got %d", len(result.Designs))
			}

			var classified Error
			if !errors.As(err, &classified) {
				t.Fatalf("expected a classified error, got %v", err)
			}
			if classified.Code() != tc.wantCode {
				t.Fatalf("expected code %q, got %q", tc.wantCode, classified.Code())
			}
			if classified.Retryable() != tc.retryable {
				t.Fatalf("expected retryable=%v for %q", tc.retryable, tc.wantCode)
			}
		})
	}
}

func TestClientGenerateRetryAfterHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{GenerateEndpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Generate(context.Background(), GenerateRequest{EventType: "launch", Count: 3})

	var rateLimited *RateLimitError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected a rate limit error, got %v", err)
	}
	if rateLimited.RetryAfter != 7*time.Second {
		t.Fatalf("expected retry after 7s, got %s", rateLimited.RetryAfter)
	}
}

func TestClientGenerateTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	client, err := NewClient(ClientConfig{GenerateEndpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Generate(context.Background(), GenerateRequest{EventType: "launch", Count: 3})

	var network *NetworkError
	if !errors.As(err, &network) {
		t.Fatalf("expected a network error, got %v", err)
	}
	if !network.Retryable() {
		t.Fatalf("expected transport failures retryable")
	}
}

func TestClientFollowUpQuestionsTruncatesToLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"questions": [
			{"id": "q1", "text": "Team size?"},
			{"id": "q2", "text": "Venue?"},
			{"id": "q3", "text": "Season?", "multi": true}
		]}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		GenerateEndpoint: "https://vendor.example.com/generate",
		FollowUpEndpoint: server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	questions, err := client.FollowUpQuestions(context.Background(), FollowUpRequest{EventType: "launch", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	if questions[0].ID != "q1" || questions[1].ID != "q2" {
		t.Fatalf("unexpected questions: %+v", questions)
	}
}

func TestClientFollowUpQuestionsWithoutEndpoint(t *testing.T) {
	client, err := NewClient(ClientConfig{GenerateEndpoint: "https://vendor.example.com/generate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	questions, err := client.FollowUpQuestions(context.Background(), FollowUpRequest{EventType: "launch", Limit: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if questions != nil {
		t.Fatalf("expected no questions without an endpoint, got %+v", questions)
	}
}

func TestClientPreparePrint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PrepareRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.DesignID != "dsg_1" {
			t.Errorf("expected design id forwarded, got %q", req.DesignID)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"print_ready_url": "gs://genai-scratch/outputs/dsg_1/print.pdf",
			"bucket": "genai-scratch",
			"object": "outputs/dsg_1/print.pdf",
			"width": 4200,
			"height": 4800
		}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		GenerateEndpoint: "https://vendor.example.com/generate",
		PrepareEndpoint:  server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := client.PreparePrint(context.Background(), PrepareRequest{
		DesignID: "dsg_1",
		ImageURL: "https://img.example.com/1.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PrintReadyURL != "gs://genai-scratch/outputs/dsg_1/print.pdf" {
		t.Fatalf("unexpected print-ready url: %q", result.PrintReadyURL)
	}
	if result.Width != 4200 || result.Height != 4800 {
		t.Fatalf("unexpected dimensions: %dx%d", result.Width, result.Height)
	}
}

func TestClientPreparePrintRequiresConfiguration(t *testing.T) {
	client, err := NewClient(ClientConfig{GenerateEndpoint: "https://vendor.example.com/generate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.PreparePrint(context.Background(), PrepareRequest{DesignID: "dsg_1"})

	var config *ConfigurationError
	if !errors.As(err, &config) {
		t.Fatalf("expected a configuration error without a prepare endpoint, got %v", err)
	}
}

func TestClientPreparePrintRejectsEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"bucket": "genai-scratch"}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		GenerateEndpoint: "https://vendor.example.com/generate",
		PrepareEndpoint:  server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.PreparePrint(context.Background(), PrepareRequest{DesignID: "dsg_1"})

	var unknown *UnknownError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected an unknown error for a missing url, got %v", err)
	}
}
