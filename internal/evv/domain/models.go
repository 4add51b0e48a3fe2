package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type RecordStatus string

const (
	StatusNotSubmitted RecordStatus = "not_submitted"
	StatusAccepted     RecordStatus = "accepted"
	StatusRejected     RecordStatus = "rejected"
	StatusCorrected    RecordStatus = "corrected"
	StatusVoided       RecordStatus = "voided"
)

// EVVRecord tracks one visit's submission lifecycle. Rows are never deleted;
// they only change status.
type EVVRecord struct {
	ID       snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID    snowflake.ID `gorm:"not null;index" json:"org_id"`
	ClientID snowflake.ID `gorm:"not null" json:"client_id"`
	UserID   snowflake.ID `gorm:"not null" json:"user_id"`

	ServiceCode         string     `gorm:"type:text;not null" json:"service_code"`
	ClockIn             time.Time  `gorm:"not null" json:"clock_in"`
	ClockOut            time.Time  `gorm:"not null" json:"clock_out"`
	ScheduledStart      *time.Time `json:"scheduled_start,omitempty"`
	ClockInLatitude     *float64   `json:"clock_in_latitude,omitempty"`
	ClockInLongitude    *float64   `json:"clock_in_longitude,omitempty"`
	ClockInAccuracy     *float64   `json:"clock_in_accuracy,omitempty"`
	ClockOutLatitude    *float64   `json:"clock_out_latitude,omitempty"`
	ClockOutLongitude   *float64   `json:"clock_out_longitude,omitempty"`
	ClockOutAccuracy    *float64   `json:"clock_out_accuracy,omitempty"`
	AuthorizationNumber string     `gorm:"type:text" json:"authorization_number,omitempty"`
	Notes               string     `gorm:"type:text" json:"notes,omitempty"`

	VisitKey          *string      `gorm:"type:text;index" json:"visit_key,omitempty"`
	OriginalVisitKey  *string      `gorm:"type:text" json:"original_visit_key,omitempty"`
	AggregatorVisitID *string      `gorm:"type:text" json:"aggregator_visit_id,omitempty"`
	Status            RecordStatus `gorm:"type:text;not null;default:not_submitted" json:"status"`
	RejectedReason    *string      `gorm:"type:text" json:"rejected_reason,omitempty"`
	SubmittedAt       *time.Time   `json:"submitted_at,omitempty"`
	BillableUnits     int          `gorm:"not null;default:0" json:"billable_units"`
	RoundedClockIn    *time.Time   `json:"rounded_clock_in,omitempty"`
	RoundedClockOut   *time.Time   `json:"rounded_clock_out,omitempty"`

	CorrectionVersion int            `gorm:"not null;default:0" json:"correction_version"`
	CorrectedPayload  datatypes.JSON `gorm:"type:jsonb" json:"corrected_payload,omitempty"`

	VoidReason      *string    `gorm:"type:text" json:"void_reason,omitempty"`
	VoidDescription *string    `gorm:"type:text" json:"void_description,omitempty"`
	VoidedBy        *string    `gorm:"type:text" json:"voided_by,omitempty"`
	VoidedAt        *time.Time `json:"voided_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (EVVRecord) TableName() string { return "evv_records" }

// Submitted reports whether the aggregator holds an accepted version of the
// visit.
func (r *EVVRecord) Submitted() bool {
	return (r.Status == StatusAccepted || r.Status == StatusCorrected) &&
		r.AggregatorVisitID != nil && *r.AggregatorVisitID != "" &&
		r.VisitKey != nil && *r.VisitKey != ""
}

// LineageKey is the visit key every correction of this record derives from.
func (r *EVVRecord) LineageKey() string {
	if r.OriginalVisitKey != nil && *r.OriginalVisitKey != "" {
		return *r.OriginalVisitKey
	}
	if r.VisitKey != nil {
		return *r.VisitKey
	}
	return ""
}

// Client is a care recipient.
type Client struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID `gorm:"not null;index" json:"org_id"`
	FirstName        string       `gorm:"type:text;not null" json:"first_name"`
	LastName         string       `gorm:"type:text;not null" json:"last_name"`
	DateOfBirth      time.Time    `gorm:"not null" json:"date_of_birth"`
	Gender           string       `gorm:"type:text" json:"gender,omitempty"`
	MedicaidID       string       `gorm:"type:text" json:"medicaid_id,omitempty"`
	SSNEncrypted     *string      `gorm:"column:ssn_encrypted;type:text" json:"-"`
	Phone            string       `gorm:"type:text" json:"phone,omitempty"`
	AddressLine1     string       `gorm:"type:text" json:"address_line1,omitempty"`
	AddressLine2     string       `gorm:"type:text" json:"address_line2,omitempty"`
	City             string       `gorm:"type:text" json:"city,omitempty"`
	State            string       `gorm:"type:text" json:"state,omitempty"`
	PostalCode       string       `gorm:"type:text" json:"postal_code,omitempty"`
	Latitude         *float64     `json:"latitude,omitempty"`
	Longitude        *float64     `json:"longitude,omitempty"`
	EVVConsentSigned bool         `gorm:"column:evv_consent_signed;not null;default:false" json:"evv_consent_signed"`
	EVVConsentAt     *time.Time   `gorm:"column:evv_consent_at" json:"evv_consent_at,omitempty"`
	AggregatorID     *string      `gorm:"type:text" json:"aggregator_id,omitempty"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Client) TableName() string { return "clients" }

type Certification struct {
	Type           string     `json:"type"`
	Number         string     `json:"number,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// User is a caregiver.
type User struct {
	ID             snowflake.ID                       `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID                       `gorm:"not null;index" json:"org_id"`
	FirstName      string                             `gorm:"type:text;not null" json:"first_name"`
	LastName       string                             `gorm:"type:text;not null" json:"last_name"`
	Email          string                             `gorm:"type:text" json:"email,omitempty"`
	Phone          string                             `gorm:"type:text" json:"phone,omitempty"`
	Role           string                             `gorm:"type:text" json:"role,omitempty"`
	DateOfBirth    *time.Time                         `json:"date_of_birth,omitempty"`
	HireDate       *time.Time                         `json:"hire_date,omitempty"`
	SSNEncrypted   *string                            `gorm:"column:ssn_encrypted;type:text" json:"-"`
	Certifications datatypes.JSONSlice[Certification] `gorm:"type:jsonb" json:"certifications,omitempty"`
	AggregatorID   *string                            `gorm:"type:text" json:"aggregator_id,omitempty"`
	CreatedAt      time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// BusinessRuleConfig is an organisation's integration policy. It is read
// only to the submission core.
type BusinessRuleConfig struct {
	OrgID      snowflake.ID `gorm:"primaryKey" json:"org_id"`
	ProviderID string       `gorm:"type:text;not null" json:"provider_id"`
	BaseURL    string       `gorm:"column:base_url;type:text;not null" json:"base_url"`
	// CredentialsEncrypted is opaque here; Repository.DecryptCredentials opens it.
	CredentialsEncrypted string `gorm:"type:text;not null" json:"-"`

	GeofenceRadiusMeters    float64 `gorm:"not null;default:150" json:"geofence_radius_meters"`
	GPSAccuracyMeters       float64 `gorm:"column:gps_accuracy_meters;not null;default:100" json:"gps_accuracy_meters"`
	ClockInToleranceMinutes int     `gorm:"not null;default:15" json:"clock_in_tolerance_minutes"`
	RoundingInterval        int     `gorm:"not null;default:15" json:"rounding_interval"`
	RoundingMode            string  `gorm:"type:text;not null;default:nearest" json:"rounding_mode"`
	MinimumVisitMinutes     int     `gorm:"not null;default:0" json:"minimum_visit_minutes"`
	MaximumVisitMinutes     int     `gorm:"not null;default:0" json:"maximum_visit_minutes"`
	RequireAuthorization    bool    `gorm:"not null;default:false" json:"require_authorization"`

	RequiredCertifications datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"required_certifications,omitempty"`
	CertExpiringSoonDays   int                         `gorm:"not null;default:30" json:"cert_expiring_soon_days"`

	MaxRetries        int `gorm:"not null;default:3" json:"max_retries"`
	RetryDelaySeconds int `gorm:"not null;default:300" json:"retry_delay_seconds"`

	IntegrationEnabled bool `gorm:"not null;default:true" json:"integration_enabled"`
	KillSwitch         bool `gorm:"not null;default:false" json:"kill_switch"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (BusinessRuleConfig) TableName() string { return "evv_business_rule_configs" }

func (c *BusinessRuleConfig) RetryDelay() time.Duration {
	if c.RetryDelaySeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Credentials is the decrypted form of BusinessRuleConfig.CredentialsEncrypted.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

type ServiceAuthorization struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID `gorm:"not null;index" json:"org_id"`
	ClientID        snowflake.ID `gorm:"not null;index" json:"client_id"`
	Number          string       `gorm:"type:text;not null" json:"number"`
	ServiceCode     string       `gorm:"type:text;not null" json:"service_code"`
	StartDate       time.Time    `gorm:"not null" json:"start_date"`
	EndDate         time.Time    `gorm:"not null" json:"end_date"`
	UnitsAuthorized int          `gorm:"not null;default:0" json:"units_authorized"`
	UnitsUsed       int          `gorm:"not null;default:0" json:"units_used"`
	Status          string       `gorm:"type:text;not null;default:active" json:"status"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ServiceAuthorization) TableName() string { return "service_authorizations" }

// Covers reports whether the authorisation is valid on day for code.
func (a *ServiceAuthorization) Covers(day time.Time, code string) bool {
	if a.ServiceCode != code {
		return false
	}
	d := day.UTC().Truncate(24 * time.Hour)
	return !d.Before(a.StartDate.UTC().Truncate(24*time.Hour)) && !d.After(a.EndDate.UTC().Truncate(24*time.Hour))
}
