package github

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// ErrorType is the category a failed GitHub call falls into. The syncer
// decides between retry, backoff and drop based on it.
type ErrorType string

const (
	ErrorTypeAuth               ErrorType = "authentication"
	ErrorTypePermission         ErrorType = "permission"
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeSecondaryRateLimit ErrorType = "secondary_rate_limit"
	ErrorTypeNetwork            ErrorType = "network"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeUnknown            ErrorType = "unknown"
)

const (
	// DefaultPrimaryRetryAfter is used when a primary rate limit carries no reset time
	DefaultPrimaryRetryAfter = time.Minute

	// DefaultSecondaryRetryAfter is used when GitHub omits Retry-After on a secondary limit
	DefaultSecondaryRetryAfter = time.Minute
)

// Error is a classified GitHub failure for one resource, such as
// "repository acme/api" or "label bug"
type Error struct {
	Type       ErrorType     `json:"type"`
	Message    string        `json:"message"`
	Cause      error         `json:"-"`
	Resource   string        `json:"resource,omitempty"`
	Field      string        `json:"field,omitempty"`
	Code       string        `json:"code,omitempty"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func (e *Error) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("github %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("github %s on %s: %s", e.Type, e.Resource, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether running the same task again may succeed
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsRateLimit reports whether the error is a primary or secondary rate limit
func (e *Error) IsRateLimit() bool {
	return e.Type == ErrorTypeRateLimit || e.Type == ErrorTypeSecondaryRateLimit
}

// NewError builds an Error whose retryability follows its type
func NewError(errorType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Retryable: retryable(errorType),
	}
}

func retryable(t ErrorType) bool {
	return t == ErrorTypeRateLimit || t == ErrorTypeSecondaryRateLimit || t == ErrorTypeNetwork
}

// WrapGitHubError classifies err as returned by go-github. Errors that are
// already classified keep their type and only gain a resource.
func WrapGitHubError(err error, resource string) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.Resource == "" {
			classified.Resource = resource
		}
		return classified
	}

	wrapped := classify(err)
	wrapped.Cause = err
	wrapped.Resource = resource
	return wrapped
}

func classify(err error) *Error {
	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		wait := time.Until(primary.Rate.Reset.Time)
		if wait <= 0 {
			wait = DefaultPrimaryRetryAfter
		}
		e := NewError(ErrorTypeRateLimit, "installation budget exhausted until "+primary.Rate.Reset.Time.Format(time.RFC3339), nil)
		e.RetryAfter = wait
		return e
	}

	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) {
		e := NewError(ErrorTypeSecondaryRateLimit, "secondary rate limit hit", nil)
		e.RetryAfter = secondary.GetRetryAfter()
		if e.RetryAfter <= 0 {
			e.RetryAfter = DefaultSecondaryRetryAfter
		}
		return e
	}

	var resp *github.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		return fromResponse(resp)
	}

	if isNetworkError(err) {
		return NewError(ErrorTypeNetwork, "could not reach GitHub", nil)
	}

	return NewError(ErrorTypeUnknown, err.Error(), nil)
}

// fromResponse classifies an API error body by its status code
func fromResponse(resp *github.ErrorResponse) *Error {
	status := resp.Response.StatusCode
	lower := strings.ToLower(resp.Message)

	switch {
	case status == http.StatusUnauthorized:
		return NewError(ErrorTypeAuth, "installation token rejected", nil)

	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		if strings.Contains(lower, "secondary rate limit") || strings.Contains(lower, "abuse") {
			e := NewError(ErrorTypeSecondaryRateLimit, "secondary rate limit hit", nil)
			e.RetryAfter = retryAfterHeader(resp.Response, DefaultSecondaryRetryAfter)
			return e
		}
		if status == http.StatusTooManyRequests || strings.Contains(lower, "rate limit") {
			e := NewError(ErrorTypeRateLimit, "API rate limit exceeded", nil)
			e.RetryAfter = retryAfterHeader(resp.Response, DefaultPrimaryRetryAfter)
			return e
		}
		return NewError(ErrorTypePermission, "app lacks the issues, pull_requests or contents permission", nil)

	case status == http.StatusNotFound:
		return NewError(ErrorTypeNotFound, "not found or not visible to the installation", nil)

	case status == http.StatusConflict:
		return NewError(ErrorTypeConflict, resp.Message, nil)

	case status == http.StatusUnprocessableEntity:
		return validationError(resp)

	case status >= http.StatusInternalServerError:
		return NewError(ErrorTypeNetwork, fmt.Sprintf("GitHub answered %d", status), nil)
	}

	return NewError(ErrorTypeUnknown, resp.Message, nil)
}

// validationError keeps the first offending field, typically a duplicate
// label name or a malformed color
func validationError(resp *github.ErrorResponse) *Error {
	e := NewError(ErrorTypeValidation, "rejected by GitHub", nil)

	var details []string
	for _, item := range resp.Errors {
		if item.Field == "" {
			details = append(details, item.Message)
			continue
		}
		details = append(details, item.Field+": "+item.Code)
		if e.Field == "" {
			e.Field, e.Code = item.Field, item.Code
		}
	}
	if len(details) > 0 {
		e.Message += " (" + strings.Join(details, "; ") + ")"
	}
	return e
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	if resp == nil {
		return fallback
	}
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

var networkHints = []string{"connection refused", "connection reset", "no such host", "network is unreachable", "timeout", "dial tcp"}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range networkHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether err is a primary or secondary rate limit signal
func IsRateLimit(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.IsRateLimit()
}

// IsAuth reports whether err is a credential failure
func IsAuth(err error) bool {
	return hasType(err, ErrorTypeAuth)
}

// IsNotFound reports whether err is a 404 from GitHub
func IsNotFound(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// RetryAfter returns the delay suggested by a rate limit error, or zero
func RetryAfter(err error) time.Duration {
	var e *Error
	if !errors.As(err, &e) || !e.IsRateLimit() {
		return 0
	}
	return e.RetryAfter
}

// PartialFailureError is returned when a plan was only partly applied.
// Succeeded and Failed are keyed by change description, e.g. "create label bug".
type PartialFailureError struct {
	Succeeded []string         `json:"succeeded"`
	Failed    map[string]error `json:"failed"`
	Message   string           `json:"message"`
}

func (e *PartialFailureError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d of %d label changes failed", len(e.Failed), len(e.Succeeded)+len(e.Failed))
	}
	return e.Message
}

// NewPartialFailureError summarises the failed changes in a stable order
func NewPartialFailureError(succeeded []string, failed map[string]error) *PartialFailureError {
	e := &PartialFailureError{Succeeded: succeeded, Failed: failed}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d label changes failed:", len(failed), len(succeeded)+len(failed))
	for _, change := range e.GetFailedOperations() {
		fmt.Fprintf(&b, " [%s: %v]", change, failed[change])
	}
	e.Message = b.String()
	return e
}

// GetFailedOperations lists the failed change descriptions sorted
func (e *PartialFailureError) GetFailedOperations() []string {
	changes := make([]string, 0, len(e.Failed))
	for change := range e.Failed {
		changes = append(changes, change)
	}
	sort.Strings(changes)
	return changes
}
