// Package genai wraps the external image-generation vendor: batch design
// generation, follow-up question suggestion, and print preparation. Vendor
// failures surface as a closed set of typed errors so callers can branch on
// classification instead of string tags.
package genai

import (
	"fmt"
	"strings"
	"time"
)

// Code identifies a classified vendor failure on the wire.
type Code string

const (
	// CodeRateLimit means the vendor throttled the request.
	CodeRateLimit Code = "RATE_LIMIT"
	// CodeContentPolicy means the prompt or answers violated the vendor's
	// content policy.
	CodeContentPolicy Code = "CONTENT_POLICY"
	// CodeConfiguration means the request or account is misconfigured.
	CodeConfiguration Code = "CONFIGURATION_ERROR"
	// CodeNetwork means the vendor could not be reached or timed out.
	CodeNetwork Code = "NETWORK_ERROR"
	// CodePartial means a subset of the requested designs was produced.
	CodePartial Code = "PARTIAL_SUCCESS"
	// CodeUnknown is the fallback for unclassifiable vendor failures.
	CodeUnknown Code = "GENERATION_FAILED"
)

// Error is implemented by every classified vendor failure. Retryability is
// a property of the classification, never of the call site.
type Error interface {
	error
	Code() Code
	Retryable() bool
}

// RateLimitError reports vendor throttling.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("genai: rate limited, retry after %s", e.RetryAfter)
	}
	return "genai: rate limited"
}

// Code implements Error.
func (e *RateLimitError) Code() Code { return CodeRateLimit }

// Retryable implements Error.
func (e *RateLimitError) Retryable() bool { return true }

// ContentPolicyError reports a prompt rejected by the vendor's content policy.
type ContentPolicyError struct {
	Reason string
}

func (e *ContentPolicyError) Error() string {
	if e.Reason != "" {
		return "genai: content policy violation: " + e.Reason
	}
	return "genai: content policy violation"
}

// Code implements Error.
func (e *ContentPolicyError) Code() Code { return CodeContentPolicy }

// Retryable implements Error. Resubmitting the same prompt cannot succeed.
func (e *ContentPolicyError) Retryable() bool { return false }

// ConfigurationError reports a misconfigured request, key, or account.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	if e.Detail != "" {
		return "genai: configuration error: " + e.Detail
	}
	return "genai: configuration error"
}

// Code implements Error.
func (e *ConfigurationError) Code() Code { return CodeConfiguration }

// Retryable implements Error.
func (e *ConfigurationError) Retryable() bool { return false }

// NetworkError reports a transport failure or timeout reaching the vendor.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return "genai: network error: " + e.Err.Error()
	}
	return "genai: network error"
}

// Unwrap exposes the transport error for errors.Is checks.
func (e *NetworkError) Unwrap() error { return e.Err }

// Code implements Error.
func (e *NetworkError) Code() Code { return CodeNetwork }

// Retryable implements Error.
func (e *NetworkError) Retryable() bool { return true }

// SlotFailure describes one failed slot of a partial-success response.
type SlotFailure struct {
	Slot    int
	Message string
}

// PartialError reports that only a subset of the requested designs was
// produced. The successful subset travels in the accompanying result, not
// in the error.
type PartialError struct {
	Requested int
	Returned  int
	Failures  []SlotFailure
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("genai: partial success: %d of %d designs", e.Returned, e.Requested)
}

// Code implements Error.
func (e *PartialError) Code() Code { return CodePartial }

// Retryable implements Error. The remainder can be re-requested.
func (e *PartialError) Retryable() bool { return true }

// Missing reports how many slots still need a design.
func (e *PartialError) Missing() int {
	if e.Requested <= e.Returned {
		return 0
	}
	return e.Requested - e.Returned
}

// UnknownError is the fallback carrier for vendor failures outside the
// closed classification.
type UnknownError struct {
	Status  int
	Message string
}

func (e *UnknownError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unclassified failure"
	}
	if e.Status > 0 {
		return fmt.Sprintf("genai: %s (status %d)", msg, e.Status)
	}
	return "genai: " + msg
}

// Code implements Error.
func (e *UnknownError) Code() Code { return CodeUnknown }

// Retryable implements Error.
func (e *UnknownError) Retryable() bool { return false }

var (
	_ Error = (*RateLimitError)(nil)
	_ Error = (*ContentPolicyError)(nil)
	_ Error = (*ConfigurationError)(nil)
	_ Error = (*NetworkError)(nil)
	_ Error = (*PartialError)(nil)
	_ Error = (*UnknownError)(nil)
)
