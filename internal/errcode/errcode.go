// Package errcode carries the stable error codes reported to callers and
// stored on audit transactions.
package errcode

import "errors"

type Code string

const (
	AuthInvalidCredentials   Code = "AUTH_INVALID_CREDENTIALS"
	AuthForbidden            Code = "AUTH_FORBIDDEN"
	ValidationInvalidFormat  Code = "VALIDATION_INVALID_FORMAT"
	IndividualNotFound       Code = "BUSINESS_INDIVIDUAL_NOT_FOUND"
	EmployeeNotFound         Code = "BUSINESS_EMPLOYEE_NOT_FOUND"
	SystemTimeout            Code = "SYSTEM_TIMEOUT"
	SystemNetworkError       Code = "SYSTEM_NETWORK_ERROR"
	SystemRateLimit          Code = "SYSTEM_RATE_LIMIT"
	SystemInternalError      Code = "SYSTEM_INTERNAL_ERROR"
	SystemServiceUnavailable Code = "SYSTEM_SERVICE_UNAVAILABLE"
	SystemGatewayTimeout     Code = "SYSTEM_GATEWAY_TIMEOUT"

	IntegrationDisabled Code = "INTEGRATION_DISABLED"
	KillSwitchActive    Code = "KILL_SWITCH_ACTIVE"
	MissingComponent    Code = "MISSING_COMPONENT"
	KeyTooLong          Code = "KEY_TOO_LONG"
	MalformedKey        Code = "MALFORMED_KEY"
	InvalidDate         Code = "INVALID_DATE"
	InvalidInterval     Code = "INVALID_INTERVAL"
	InvalidTimestamp    Code = "INVALID_TIMESTAMP"
)

// Error is a sentinel that compares equal to any error carrying the same code.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) ErrorCode() Code { return e.Code }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

type coded interface {
	ErrorCode() Code
}

// Of returns the code of the first error in the chain that carries one.
func Of(err error) Code {
	var c coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}
