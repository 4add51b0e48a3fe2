package validation

import (
	"regexp"
	"strings"
	"time"

	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
)

var (
	stateCode  = regexp.MustCompile(`^[A-Z]{2}$`)
	postalCode = regexp.MustCompile(`^[0-9]{5}(-?[0-9]{4})?$`)
)

var genders = map[string]struct{}{"M": {}, "F": {}, "U": {}, "X": {}}

// ValidateIndividual checks the demographics the aggregator needs to
// register a patient.
func ValidateIndividual(p domain.IndividualPayload, now time.Time) Result {
	var r Result

	r.require("firstName", p.FirstName)
	r.require("lastName", p.LastName)
	r.require("providerId", p.ProviderID)
	r.require("externalId", p.ExternalID)
	r.require("medicaidId", p.MedicaidID)

	if r.require("dateOfBirth", p.DateOfBirth) {
		dob, err := time.Parse(payloadDateLayout, p.DateOfBirth)
		switch {
		case err != nil:
			r.addError(CodeInvalidFormat, "dateOfBirth", "date of birth must be YYYY-MM-DD")
		case dob.After(dateOnly(now)):
			r.addError(CodeInvalidFormat, "dateOfBirth", "date of birth is in the future")
		}
	}

	if p.Gender != "" {
		if _, ok := genders[strings.ToUpper(p.Gender)]; !ok {
			r.addError(CodeInvalidFormat, "gender", "gender must be one of M, F, U, X")
		}
	}
	if p.SSN != "" && !validSSN(p.SSN) {
		r.addError(CodeInvalidFormat, "ssn", "ssn must contain 9 digits")
	}

	r.require("address.line1", p.Address.Line1)
	r.require("address.city", p.Address.City)
	if r.require("address.state", p.Address.State) && !stateCode.MatchString(p.Address.State) {
		r.addError(CodeInvalidFormat, "address.state", "state must be a two letter code")
	}
	if r.require("address.postalCode", p.Address.PostalCode) && !postalCode.MatchString(p.Address.PostalCode) {
		r.addError(CodeInvalidFormat, "address.postalCode", "postal code must be 5 or 9 digits")
	}
	if p.Address.Latitude == nil || p.Address.Longitude == nil {
		r.addWarning(CodeMissingElement, "address", "address has no coordinates; visits cannot be geofenced")
	}

	return r
}
