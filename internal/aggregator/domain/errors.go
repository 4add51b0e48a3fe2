package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/evvbridge/internal/errcode"
)

type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryBusiness   Category = "business"
	CategorySystem     Category = "system"
	CategoryLocal      Category = "local"
)

var (
	ErrIntegrationDisabled = errcode.New(errcode.IntegrationDisabled, "integration_disabled")
	ErrKillSwitchActive    = errcode.New(errcode.KillSwitchActive, "kill_switch_active")
	ErrInvalidConfig       = errors.New("invalid_aggregator_config")
	ErrClientNotFound      = errors.New("aggregator_client_not_found")
)

// Error is a failed aggregator call mapped onto the stable taxonomy. Details
// holds the raw response body, when there was one, for the audit trail.
type Error struct {
	Code       errcode.Code
	Category   Category
	Message    string
	Field      string
	HTTPStatus int
	RetryAfter time.Duration
	Details    []byte
	Timestamp  time.Time
	cause      error
}

func NewError(code errcode.Code, message string, at time.Time) *Error {
	return &Error{
		Code:      code,
		Category:  CategoryOf(code),
		Message:   message,
		Timestamp: at,
	}
}

func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.Field)
	}
	return b.String()
}

func (e *Error) ErrorCode() errcode.Code { return e.Code }

func (e *Error) Unwrap() error { return e.cause }

// Is matches any error carrying the same taxonomy code, so callers can test
// against the errcode sentinels.
func (e *Error) Is(target error) bool {
	var coded interface{ ErrorCode() errcode.Code }
	if errors.As(target, &coded) {
		return coded.ErrorCode() == e.Code
	}
	return false
}

// Retryable reports whether the generic retry machinery may re-drive the call.
func (e *Error) Retryable() bool {
	return e.Category == CategorySystem
}

func CategoryOf(code errcode.Code) Category {
	s := string(code)
	switch {
	case strings.HasPrefix(s, "AUTH_"):
		return CategoryAuth
	case strings.HasPrefix(s, "VALIDATION_"):
		return CategoryValidation
	case strings.HasPrefix(s, "BUSINESS_"):
		return CategoryBusiness
	case strings.HasPrefix(s, "SYSTEM_"):
		return CategorySystem
	default:
		return CategoryLocal
	}
}

// AsError extracts an aggregator error from err, if any.
func AsError(err error) (*Error, bool) {
	var aggErr *Error
	if errors.As(err, &aggErr) {
		return aggErr, true
	}
	return nil, false
}
