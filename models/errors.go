package models

import (
	"errors"
	"fmt"
)

// Error codes used in API responses and internal error handling.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeAdmissionRejected = "ADMISSION_REJECTED"
	ErrCodeBreakerOpen       = "BREAKER_OPEN"
	ErrCodeInternal          = "INTERNAL_ERROR"

	// Scrape-stage codes, produced by the engine runner. All of them are
	// fatal to the request and count against the circuit breaker.
	ErrCodeProcess      = "PROCESS_ERROR"
	ErrCodeTimeout      = "SCRAPE_TIMEOUT"
	ErrCodeExitCode     = "EXIT_CODE_ERROR"
	ErrCodeParse        = "PARSE_ERROR"
	ErrCodeScrapeFailed = "SCRAPE_FAILED"

	// LLM codes. They never fail a scrape request; they end up in the
	// llmError annotation or in the /models response.
	ErrCodeLLMNotConfigured     = "LLM_NOT_CONFIGURED"
	ErrCodeLLMAuthFailure       = "LLM_AUTH_FAILURE"
	ErrCodeLLMInsufficientQuota = "LLM_INSUFFICIENT_QUOTA"
	ErrCodeLLMRateLimited       = "LLM_RATE_LIMITED"
	ErrCodeLLMBadRequest        = "LLM_BAD_REQUEST"
	ErrCodeLLMUnreachable       = "LLM_UNREACHABLE"
	ErrCodeLLMTimeout           = "LLM_TIMEOUT"
	ErrCodeLLMFailure           = "LLM_FAILURE"
)

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// AsScrapeError returns err as a *ScrapeError, wrapping anything else as an
// internal error so callers always have a code to branch on.
func AsScrapeError(err error) *ScrapeError {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se
	}
	return NewScrapeError(ErrCodeInternal, "internal server error", err)
}
