package conductor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorCategory classifies a failure. The set is closed: new conditions must
// map onto an existing category.
type ErrorCategory string

const (
	CategoryAuth               ErrorCategory = "auth"
	CategoryRateLimit          ErrorCategory = "rate_limit"
	CategoryTimeout            ErrorCategory = "timeout"
	CategoryNetwork            ErrorCategory = "network"
	CategoryValidation         ErrorCategory = "validation"
	CategoryNotFound           ErrorCategory = "not_found"
	CategoryPermission         ErrorCategory = "permission"
	CategorySizeExceeded       ErrorCategory = "size_exceeded"
	CategoryServiceUnavailable ErrorCategory = "service_unavailable"
	CategoryConfig             ErrorCategory = "config_error"
	CategoryInternal           ErrorCategory = "internal"
)

// RecoveryHint tells a caller what action might clear the failure.
type RecoveryHint string

const (
	HintRetryWithBackoff   RecoveryHint = "RETRY_WITH_BACKOFF"
	HintUseFallback        RecoveryHint = "USE_FALLBACK"
	HintFixConfiguration   RecoveryHint = "FIX_CONFIGURATION"
	HintCheckCredentials   RecoveryHint = "CHECK_CREDENTIALS"
	HintUserActionRequired RecoveryHint = "USER_ACTION_REQUIRED"
	HintNone               RecoveryHint = "NONE"
)

// StructuredError is the uniform failure record surfaced at component
// boundaries. Callers branch on Category and Code, never on concrete types.
type StructuredError struct {
	Category      ErrorCategory
	Code          string
	Message       string
	Retryable     bool
	Hint          RecoveryHint
	Metadata      map[string]any
	CorrelationID string
	cause         error
}

func (e *StructuredError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *StructuredError) Unwrap() error { return e.cause }

// WithMeta attaches a metadata entry and returns the error for chaining.
func (e *StructuredError) WithMeta(key string, value any) *StructuredError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// WithHint overrides the category-default recovery hint.
func (e *StructuredError) WithHint(h RecoveryHint) *StructuredError {
	e.Hint = h
	return e
}

// WithRetryable overrides the category-default retryability.
func (e *StructuredError) WithRetryable(r bool) *StructuredError {
	e.Retryable = r
	return e
}

// NewError builds a StructuredError with category defaults for retryability
// and recovery hint, plus a fresh correlation id.
func NewError(cat ErrorCategory, code, message string) *StructuredError {
	return &StructuredError{
		Category:      cat,
		Code:          code,
		Message:       message,
		Retryable:     categoryRetryable(cat),
		Hint:          categoryHint(cat),
		CorrelationID: NewID(),
	}
}

// Errorf is NewError with fmt-style message construction.
func Errorf(cat ErrorCategory, code, format string, args ...any) *StructuredError {
	return NewError(cat, code, fmt.Sprintf(format, args...))
}

// WrapError builds a StructuredError around a cause. The cause stays reachable
// through Unwrap.
func WrapError(cat ErrorCategory, code string, cause error) *StructuredError {
	e := NewError(cat, code, cause.Error())
	e.cause = cause
	return e
}

// categoryRetryable returns the default retryability per category. Only
// transient categories retry; everything ambiguous fails fast.
func categoryRetryable(cat ErrorCategory) bool {
	switch cat {
	case CategoryRateLimit, CategoryTimeout, CategoryNetwork, CategoryServiceUnavailable:
		return true
	default:
		return false
	}
}

// categoryHint returns the default recovery hint per category.
func categoryHint(cat ErrorCategory) RecoveryHint {
	switch cat {
	case CategoryRateLimit, CategoryTimeout, CategoryNetwork:
		return HintRetryWithBackoff
	case CategoryServiceUnavailable:
		return HintUseFallback
	case CategoryAuth:
		return HintCheckCredentials
	case CategoryConfig, CategoryValidation:
		return HintFixConfiguration
	case CategoryPermission:
		return HintUserActionRequired
	default:
		return HintNone
	}
}

// --- HTTP transport errors ---

// ErrHTTP is raised by provider HTTP clients for non-2xx responses.
// RetryAfter carries a parsed Retry-After header when the server sent one.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, either delta-seconds or
// an HTTP-date. Returns 0 for empty, malformed, or past values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// --- Classification ---

// marker pairs a case-insensitive substring with the category it implies.
type marker struct {
	substr string
	cat    ErrorCategory
}

// nonRetryableMarkers are checked first: when a message matches both a
// transient and a permanent marker, the call fails fast.
var nonRetryableMarkers = []marker{
	{"invalid api key", CategoryAuth},
	{"authentication", CategoryAuth},
	{"unauthorizedexception", CategoryAuth},
	{"unauthorized", CategoryAuth},
	{"forbidden", CategoryPermission},
	{"model not found", CategoryNotFound},
	{"not found", CategoryNotFound},
	{"invalid_request_error", CategoryValidation},
	{"invalid request", CategoryValidation},
	{"invalidparameterexception", CategoryValidation},
	{"illegalargumentexception", CategoryValidation},
	{"validation", CategoryValidation},
}

var retryableMarkers = []marker{
	{"deadline_exceeded", CategoryTimeout},
	{"timed out", CategoryTimeout},
	{"timeout", CategoryTimeout},
	{"connection refused", CategoryNetwork},
	{"connection reset", CategoryNetwork},
	{"broken pipe", CategoryNetwork},
	{"no such host", CategoryNetwork},
	{"resource_exhausted", CategoryRateLimit},
	{"rate limit", CategoryRateLimit},
	{"ratelimit", CategoryRateLimit},
	{"throttl", CategoryRateLimit},
	{"429", CategoryRateLimit},
	{"too many requests", CategoryRateLimit},
	{"overloaded_error", CategoryServiceUnavailable},
	{"overloaded", CategoryServiceUnavailable},
	{"temporarily unavailable", CategoryServiceUnavailable},
	{"service unavailable", CategoryServiceUnavailable},
	{"model loading", CategoryServiceUnavailable},
	{"internalservererrorexception", CategoryServiceUnavailable},
	{"busy", CategoryServiceUnavailable},
	{"502", CategoryServiceUnavailable},
	{"503", CategoryServiceUnavailable},
	{"504", CategoryServiceUnavailable},
}

// Classify converts any error into a StructuredError. Structured errors pass
// through unchanged. HTTP errors map by status. Everything else is classified
// by scanning the message and cause chain against the marker tables;
// unrecognized errors land in Internal, non-retryable.
func Classify(err error) *StructuredError {
	if err == nil {
		return nil
	}

	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}

	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(CategoryTimeout, "DEADLINE_EXCEEDED", err)
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(CategoryTimeout, "CANCELLED", err).WithRetryable(false)
	}

	msg := strings.ToLower(chainMessages(err))

	for _, m := range nonRetryableMarkers {
		if strings.Contains(msg, m.substr) {
			return WrapError(m.cat, "", err)
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m.substr) {
			return WrapError(m.cat, "", err)
		}
	}

	// Structural network checks after markers so explicit marker text wins.
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapError(CategoryTimeout, "NET_TIMEOUT", err)
		}
		return WrapError(CategoryNetwork, "NET_ERROR", err)
	}

	return WrapError(CategoryInternal, "", err)
}

// classifyHTTP maps an HTTP status onto the taxonomy. Only 429 and the
// 502/503/504 family are retryable; 5xx in general is not.
func classifyHTTP(e *ErrHTTP) *StructuredError {
	var se *StructuredError
	switch {
	case e.Status == 401:
		se = WrapError(CategoryAuth, "HTTP_401", e)
	case e.Status == 403:
		se = WrapError(CategoryPermission, "HTTP_403", e)
	case e.Status == 404:
		se = WrapError(CategoryNotFound, "HTTP_404", e)
	case e.Status == 408:
		se = WrapError(CategoryTimeout, "HTTP_408", e)
	case e.Status == 413:
		se = WrapError(CategorySizeExceeded, "HTTP_413", e)
	case e.Status == 429:
		se = WrapError(CategoryRateLimit, "HTTP_429", e)
	case e.Status == 502 || e.Status == 503 || e.Status == 504:
		se = WrapError(CategoryServiceUnavailable, fmt.Sprintf("HTTP_%d", e.Status), e)
	case e.Status >= 400 && e.Status < 500:
		se = WrapError(CategoryValidation, fmt.Sprintf("HTTP_%d", e.Status), e)
	default:
		se = WrapError(CategoryInternal, fmt.Sprintf("HTTP_%d", e.Status), e)
	}
	if e.RetryAfter > 0 {
		se.WithMeta("retry_after", e.RetryAfter)
	}
	return se
}

// IsRetryable reports whether an error should be retried. This is the single
// authority consulted by the retry executor.
func IsRetryable(err error) bool {
	se := Classify(err)
	return se != nil && se.Retryable
}

// chainMessages joins the messages of every error in the unwrap chain so
// markers buried in wrapped causes still match.
func chainMessages(err error) string {
	var b strings.Builder
	seen := 0
	for err != nil && seen < 16 {
		if b.Len() > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
		seen++
	}
	return b.String()
}
