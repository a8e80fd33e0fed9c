// Package llm provides unified LLM provider adapters and the resilience
// stack around them: error classification, retry, circuit breaking, cost.
package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory buckets provider failures for retry and failover decisions.
type ErrorCategory string

const (
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryConnection     ErrorCategory = "connection"
	CategoryServer         ErrorCategory = "server"
	CategoryClient         ErrorCategory = "client"
	CategoryInvalidRequest ErrorCategory = "invalid_request"
	CategoryContentFilter  ErrorCategory = "content_filter"
	CategoryQuota          ErrorCategory = "quota"
	CategoryUnknown        ErrorCategory = "unknown"
)

// ErrorSeverity grades how alarming a classified error is.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// ClassifiedError wraps a raw provider error with its category, severity
// and retryability. It implements error and unwraps to the original.
type ClassifiedError struct {
	Category  ErrorCategory
	Severity  ErrorSeverity
	Retryable bool
	Message   string
	Provider  string
	Err       error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %s", e.Provider, e.Category, e.Severity, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// ParseError marks a structured response body that was not valid JSON.
// It classifies as invalid_request and is never retried.
type ParseError struct {
	Provider string
	Body     string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: structured response is not valid JSON: %v", e.Provider, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Classify maps a raw provider error into a ClassifiedError.
// Pure: the same error always classifies the same way. Errors that are
// already classified pass through unchanged.
func Classify(err error, provider string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return &ClassifiedError{
			Category:  CategoryInvalidRequest,
			Severity:  SeverityMedium,
			Retryable: false,
			Message:   err.Error(),
			Provider:  provider,
			Err:       err,
		}
	}

	msg := err.Error()
	category := classifyMessage(msg)

	ce := &ClassifiedError{
		Category: category,
		Message:  msg,
		Provider: provider,
		Err:      err,
	}

	switch category {
	case CategoryRateLimit, CategoryTimeout:
		ce.Severity = SeverityMedium
		ce.Retryable = true
	case CategoryConnection, CategoryServer:
		ce.Severity = SeverityHigh
		ce.Retryable = true
	case CategoryAuthentication, CategoryQuota:
		ce.Severity = SeverityCritical
		ce.Retryable = false
	case CategoryInvalidRequest, CategoryClient:
		ce.Severity = SeverityMedium
		ce.Retryable = false
	case CategoryContentFilter:
		ce.Severity = SeverityLow
		ce.Retryable = false
	default:
		// Unknown errors are surfaced but never retried.
		ce.Severity = SeverityMedium
		ce.Retryable = false
	}

	return ce
}

// classifyMessage picks a category from an error message.
// Checked in order of specificity: quota and auth before generic 4xx,
// content filter before generic client errors.
func classifyMessage(msg string) ErrorCategory {
	if msg == "" {
		return CategoryUnknown
	}
	lower := strings.ToLower(msg)

	switch {
	case isRateLimitMessage(lower):
		return CategoryRateLimit
	case isQuotaMessage(lower):
		return CategoryQuota
	case isAuthMessage(lower):
		return CategoryAuthentication
	case isTimeoutMessage(lower):
		return CategoryTimeout
	case isConnectionMessage(lower):
		return CategoryConnection
	case isServerMessage(lower):
		return CategoryServer
	case isContentFilterMessage(lower):
		return CategoryContentFilter
	case isInvalidRequestMessage(lower):
		return CategoryInvalidRequest
	case isClientMessage(lower):
		return CategoryClient
	}
	return CategoryUnknown
}

func isRateLimitMessage(lower string) bool {
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "requests per minute")
}

func isQuotaMessage(lower string) bool {
	return strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "insufficient credit") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "billing")
}

func isAuthMessage(lower string) bool {
	return strings.Contains(lower, "401") ||
		strings.Contains(lower, "403") ||
		strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "authentication")
}

func isTimeoutMessage(lower string) bool {
	return strings.Contains(lower, "408") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded")
}

func isConnectionMessage(lower string) bool {
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "dns") ||
		strings.Contains(lower, "broken pipe") ||
		strings.Contains(lower, "eof")
}

func isServerMessage(lower string) bool {
	return strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "service unavailable")
}

func isContentFilterMessage(lower string) bool {
	return strings.Contains(lower, "content policy") ||
		strings.Contains(lower, "content_filter") ||
		strings.Contains(lower, "safety") ||
		strings.Contains(lower, "flagged")
}

func isInvalidRequestMessage(lower string) bool {
	return strings.Contains(lower, "400") ||
		strings.Contains(lower, "invalid parameter") ||
		strings.Contains(lower, "invalid_request_error") ||
		strings.Contains(lower, "malformed")
}

func isClientMessage(lower string) bool {
	return strings.Contains(lower, "404") ||
		strings.Contains(lower, "405") ||
		strings.Contains(lower, "409") ||
		strings.Contains(lower, "410") ||
		strings.Contains(lower, "413") ||
		strings.Contains(lower, "422")
}
