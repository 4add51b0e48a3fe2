package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
)

const (
	MinimumStaffAge         = 18
	DefaultExpiringSoonDays = 30

	payloadDateLayout = "2006-01-02"
	ssnDigits         = 9
)

type StaffContext struct {
	Now                    time.Time
	ExpiringSoonDays       int
	RequiredCertifications []string
}

func ValidateEmployee(p domain.EmployeePayload, sc StaffContext) Result {
	if sc.ExpiringSoonDays <= 0 {
		sc.ExpiringSoonDays = DefaultExpiringSoonDays
	}
	today := dateOnly(sc.Now)
	var r Result

	r.require("firstName", p.FirstName)
	r.require("lastName", p.LastName)
	r.require("providerId", p.ProviderID)
	r.require("externalId", p.ExternalID)

	if r.require("dateOfBirth", p.DateOfBirth) {
		dob, err := time.Parse(payloadDateLayout, p.DateOfBirth)
		switch {
		case err != nil:
			r.addError(CodeInvalidFormat, "dateOfBirth", "date of birth must be YYYY-MM-DD")
		case AgeOn(dob, today) < MinimumStaffAge:
			r.addError(CodeUnderage, "dateOfBirth", fmt.Sprintf("staff must be at least %d years old", MinimumStaffAge))
		}
	}

	if p.SSN != "" && !validSSN(p.SSN) {
		r.addError(CodeInvalidFormat, "ssn", "ssn must contain 9 digits")
	}

	held := make(map[string]struct{}, len(p.Certifications))
	for i, cert := range p.Certifications {
		field := fmt.Sprintf("certifications[%d]", i)
		held[strings.ToUpper(strings.TrimSpace(cert.Type))] = struct{}{}
		if cert.ExpirationDate == "" {
			continue
		}
		expires, err := time.Parse(payloadDateLayout, cert.ExpirationDate)
		if err != nil {
			r.addError(CodeInvalidFormat, field+".expirationDate", "expiration date must be YYYY-MM-DD")
			continue
		}
		switch {
		case expires.Before(today):
			r.addError(CodeCertificationExpired, field, fmt.Sprintf("%s expired on %s", cert.Type, cert.ExpirationDate))
		case !expires.After(today.AddDate(0, 0, sc.ExpiringSoonDays)):
			r.addWarning(CodeCertificationExpiring, field, fmt.Sprintf("%s expires on %s", cert.Type, cert.ExpirationDate))
		}
	}

	for _, required := range sc.RequiredCertifications {
		if _, ok := held[strings.ToUpper(strings.TrimSpace(required))]; !ok {
			r.addError(CodeCertificationMissing, "certifications", required+" certification is required")
		}
	}

	return r
}

// AgeOn returns the age in whole years on the given day.
func AgeOn(dob, day time.Time) int {
	age := day.Year() - dob.Year()
	if day.Month() < dob.Month() || (day.Month() == dob.Month() && day.Day() < dob.Day()) {
		age--
	}
	return age
}

func validSSN(raw string) bool {
	digits := 0
	for _, ch := range raw {
		switch {
		case ch >= '0' && ch <= '9':
			digits++
		case ch == '-' || ch == ' ':
		default:
			return false
		}
	}
	return digits == ssnDigits
}
