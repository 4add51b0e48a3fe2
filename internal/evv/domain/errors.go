package domain

import "errors"

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrRecordNotFound      = errors.New("evv_record_not_found")
	ErrClientNotFound      = errors.New("client_not_found")
	ErrUserNotFound        = errors.New("user_not_found")
	ErrConfigNotFound      = errors.New("evv_config_not_found")
	ErrInvalidVoidReason   = errors.New("invalid_void_reason")
	ErrVoidDescription     = errors.New("void_description_required")
	ErrEmptyCorrection     = errors.New("empty_correction")
	ErrVersionConflict     = errors.New("correction_version_conflict")
	ErrCorrectionInFlight  = errors.New("correction_in_flight")
	ErrDecrypt             = errors.New("decrypt_failed")
)
