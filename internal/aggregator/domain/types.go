package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

type Address struct {
	Line1      string   `json:"line1"`
	Line2      string   `json:"line2,omitempty"`
	City       string   `json:"city"`
	State      string   `json:"state"`
	PostalCode string   `json:"postalCode"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

type Certification struct {
	Type           string `json:"type"`
	Number         string `json:"number,omitempty"`
	ExpirationDate string `json:"expirationDate,omitempty"`
}

type EmployeePayload struct {
	ProviderID     string          `json:"providerId"`
	ExternalID     string          `json:"externalId"`
	FirstName      string          `json:"firstName"`
	LastName       string          `json:"lastName"`
	SSN            string          `json:"ssn,omitempty"`
	DateOfBirth    string          `json:"dateOfBirth"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	HireDate       string          `json:"hireDate,omitempty"`
	Role           string          `json:"role,omitempty"`
	Certifications []Certification `json:"certifications,omitempty"`
}

type IndividualPayload struct {
	ProviderID  string  `json:"providerId"`
	ExternalID  string  `json:"externalId"`
	FirstName   string  `json:"firstName"`
	LastName    string  `json:"lastName"`
	DateOfBirth string  `json:"dateOfBirth"`
	Gender      string  `json:"gender,omitempty"`
	MedicaidID  string  `json:"medicaidId"`
	SSN         string  `json:"ssn,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Address     Address `json:"address"`
}

type GeoPoint struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// VisitPayload carries the six EVV elements: who (IndividualID, EmployeeID),
// what (ServiceCode), when (ServiceDate, ClockIn, ClockOut) and where
// (ClockInLocation, ClockOutLocation).
type VisitPayload struct {
	ProviderID          string    `json:"providerId"`
	VisitKey            string    `json:"visitKey"`
	IndividualID        string    `json:"individualId"`
	EmployeeID          string    `json:"employeeId"`
	ServiceCode         string    `json:"serviceCode"`
	ServiceDate         string    `json:"serviceDate"`
	ClockIn             time.Time `json:"clockIn"`
	ClockOut            time.Time `json:"clockOut"`
	OriginalClockIn     time.Time `json:"originalClockIn"`
	OriginalClockOut    time.Time `json:"originalClockOut"`
	Units               int       `json:"units"`
	ClockInLocation     *GeoPoint `json:"clockInLocation,omitempty"`
	ClockOutLocation    *GeoPoint `json:"clockOutLocation,omitempty"`
	AuthorizationNumber string    `json:"authorizationNumber,omitempty"`
	Notes               string    `json:"notes,omitempty"`
}

type CorrectionPayload struct {
	ProviderID       string       `json:"providerId"`
	OriginalVisitID  string       `json:"originalVisitId"`
	OriginalVisitKey string       `json:"originalVisitKey"`
	CorrectionKey    string       `json:"correctionKey"`
	Version          int          `json:"version"`
	Reason           string       `json:"reason"`
	Visit            VisitPayload `json:"visit"`
}

type VoidPayload struct {
	ProviderID  string    `json:"providerId"`
	VisitID     string    `json:"visitId"`
	VisitKey    string    `json:"visitKey"`
	Reason      string    `json:"reason"`
	Description string    `json:"description,omitempty"`
	VoidedBy    string    `json:"voidedBy"`
	VoidedAt    time.Time `json:"voidedAt"`
}

type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// SubmitResult is a response the aggregator answered with a 2xx. Status can
// still be rejected; that is a business outcome, not a client failure.
type SubmitResult struct {
	ID         string
	Status     string
	Errors     []ResponseError
	HTTPStatus int
	Raw        json.RawMessage
	Timestamp  time.Time
}

func (r *SubmitResult) Accepted() bool {
	return r != nil && r.Status == StatusAccepted
}

// Reason joins the rejection messages for storage on the record.
func (r *SubmitResult) Reason() string {
	if r == nil {
		return ""
	}
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
