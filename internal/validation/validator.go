// Package validation checks mapped aggregator payloads against the EVV rule
// set before anything is sent. Every function here is pure: no I/O, no
// clock reads. Callers pass the current time in.
package validation

import "strings"

// Issue codes. Errors block submission, warnings do not.
const (
	CodeMissingElement        = "MISSING_EVV_ELEMENT"
	CodeClockOutBeforeIn      = "CLOCK_OUT_BEFORE_CLOCK_IN"
	CodeOutsideGeofence       = "OUTSIDE_GEOFENCE"
	CodeClientLocationUnknown = "CLIENT_LOCATION_UNKNOWN"
	CodeLowGPSAccuracy        = "LOW_GPS_ACCURACY"
	CodeClockInTolerance      = "CLOCK_IN_OUTSIDE_TOLERANCE"
	CodeAuthorizationRequired = "AUTHORIZATION_REQUIRED"
	CodeAuthorizationService  = "AUTHORIZATION_SERVICE_MISMATCH"
	CodeAuthorizationPeriod   = "OUTSIDE_AUTHORIZATION_PERIOD"
	CodeAuthorizationUnits    = "AUTHORIZATION_UNITS_EXCEEDED"
	CodeDurationExceeded      = "DURATION_EXCEEDS_MAXIMUM"
	CodeDurationShort         = "DURATION_BELOW_MINIMUM"
	CodeCrossesMidnight       = "CROSSES_MIDNIGHT"
	CodeRequiredField         = "REQUIRED_FIELD"
	CodeInvalidFormat         = "INVALID_FORMAT"
	CodeUnderage              = "STAFF_UNDERAGE"
	CodeCertificationExpired  = "CERTIFICATION_EXPIRED"
	CodeCertificationExpiring = "CERTIFICATION_EXPIRING"
	CodeCertificationMissing  = "CERTIFICATION_MISSING"
)

type Issue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

type Result struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r Result) Valid() bool { return len(r.Errors) == 0 }

// Summary joins the error messages, for storage as a rejection reason.
func (r Result) Summary() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		if e.Field != "" {
			parts = append(parts, e.Field+": "+e.Message)
			continue
		}
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, "; ")
}

func (r *Result) addError(code, field, message string) {
	r.Errors = append(r.Errors, Issue{Code: code, Field: field, Message: message})
}

func (r *Result) addWarning(code, field, message string) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Field: field, Message: message})
}

func (r *Result) require(field, value string) bool {
	if strings.TrimSpace(value) == "" {
		r.addError(CodeRequiredField, field, field+" is required")
		return false
	}
	return true
}

func (r *Result) requireElement(field, value string) {
	if strings.TrimSpace(value) == "" {
		r.addError(CodeMissingElement, field, field+" is required")
	}
}
