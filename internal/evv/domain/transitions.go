package domain

import "strings"

// Prerequisite issue codes, checked before any payload is built.
const (
	CodeClientNotRegistered    = "CLIENT_NOT_REGISTERED"
	CodeCaregiverNotRegistered = "CAREGIVER_NOT_REGISTERED"
	CodeConsentMissing         = "EVV_CONSENT_MISSING"
	CodeVisitVoided            = "VISIT_VOIDED"
	CodeVisitNotAccepted       = "VISIT_NOT_ACCEPTED"
	CodeVisitCorrected         = "VISIT_CORRECTED"
)

func (s RecordStatus) Terminal() bool { return s == StatusVoided }

// Live reports whether the aggregator currently holds an accepted version.
func (s RecordStatus) Live() bool { return s == StatusAccepted || s == StatusCorrected }

// Settle returns the status a record moves to when an attempt ends in next.
// A live record is never demoted by a failed or rejected attempt, and a
// voided record never moves.
func Settle(current, next RecordStatus) RecordStatus {
	switch {
	case current.Terminal():
		return current
	case current.Live() && next == StatusRejected:
		return current
	default:
		return next
	}
}

type VoidReason string

const (
	VoidDuplicate      VoidReason = "duplicate"
	VoidCancelled      VoidReason = "cancelled"
	VoidNoShow         VoidReason = "no_show"
	VoidDataEntryError VoidReason = "data_entry_error"
	VoidOther          VoidReason = "other"
)

func ParseVoidReason(raw string) (VoidReason, error) {
	switch r := VoidReason(strings.ToLower(strings.TrimSpace(raw))); r {
	case VoidDuplicate, VoidCancelled, VoidNoShow, VoidDataEntryError, VoidOther:
		return r, nil
	}
	return "", ErrInvalidVoidReason
}
