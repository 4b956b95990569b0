package shared

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors forming the client-visible error taxonomy.
var (
	ErrInvalidState          = errors.New("invalid state")
	ErrNotFound              = errors.New("not found")
	ErrSessionBusy           = errors.New("session busy")
	ErrProvider              = errors.New("provider error")
	ErrSuggestionUnavailable = errors.New("suggestion unavailable")
	ErrExecutionFailed       = errors.New("execution failed")
	ErrBadRequest            = errors.New("bad request")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrShuttingDown          = errors.New("shutting down")
)

// Error codes returned to clients.
const (
	CodeInvalidState          = "InvalidState"
	CodeNotFound              = "NotFound"
	CodeSessionBusy           = "SessionBusy"
	CodeProviderError         = "ProviderError"
	CodeSuggestionUnavailable = "SuggestionUnavailable"
	CodeExecutionFailed       = "ExecutionFailed"
	CodeBadRequest            = "BadRequest"
	CodeRateLimited           = "RateLimited"
	CodeShuttingDown          = "ShuttingDown"
	CodeInternal              = "Internal"
)

// ProviderErrorKind classifies upstream generation failures.
type ProviderErrorKind string

const (
	KindTimeout     ProviderErrorKind = "timeout"
	KindUnavailable ProviderErrorKind = "unavailable"
	KindRateLimited ProviderErrorKind = "rate_limited"
	KindUpstream    ProviderErrorKind = "upstream"
	KindInternal    ProviderErrorKind = "internal"
)

// Transient reports whether a retry could plausibly succeed.
func (k ProviderErrorKind) Transient() bool {
	return k == KindTimeout || k == KindUnavailable || k == KindUpstream
}

// ProviderError wraps an upstream failure with its kind.
type ProviderError struct {
	Kind ProviderErrorKind
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrProvider) hold for every ProviderError.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// NewProviderError wraps err with kind. A nil err yields nil.
func NewProviderError(kind ProviderErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Kind: kind, Err: err}
}

// ProviderKind extracts the kind of a provider error, defaulting to upstream.
func ProviderKind(err error) ProviderErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind != "" {
		return pe.Kind
	}
	return KindUpstream
}

// Code maps err onto the client-visible error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSessionBusy):
		return CodeSessionBusy
	case errors.Is(err, ErrSuggestionUnavailable):
		return CodeSuggestionUnavailable
	case errors.Is(err, ErrProvider):
		return CodeProviderError
	case errors.Is(err, ErrExecutionFailed):
		return CodeExecutionFailed
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrShuttingDown):
		return CodeShuttingDown
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeInvalidState, CodeSessionBusy:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeProviderError:
		return http.StatusBadGateway
	case CodeSuggestionUnavailable, CodeShuttingDown:
		return http.StatusServiceUnavailable
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
