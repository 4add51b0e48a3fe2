package service

import (
	"strings"
	"time"

	aggdomain "github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/evv/domain"
	"github.com/smallbiznis/evvbridge/internal/rounding"
	"github.com/smallbiznis/evvbridge/internal/validation"
	"github.com/smallbiznis/evvbridge/internal/visitkey"
)

const payloadDate = "2006-01-02"

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(payloadDate)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func roundingOptions(cfg *domain.BusinessRuleConfig) (rounding.Options, error) {
	mode, err := rounding.ParseMode(cfg.RoundingMode)
	if err != nil {
		return rounding.Options{}, err
	}
	opts := rounding.Options{IntervalMinutes: cfg.RoundingInterval, Mode: mode}
	if opts.IntervalMinutes == 0 {
		opts.IntervalMinutes = rounding.Interval15
	}
	if !rounding.ValidInterval(opts.IntervalMinutes) {
		return rounding.Options{}, rounding.ErrInvalidInterval
	}
	return opts, nil
}

func keyComponents(record *domain.EVVRecord) visitkey.Components {
	return visitkey.Components{
		ClientID:    record.ClientID.String(),
		CaregiverID: record.UserID.String(),
		ServiceDate: visitkey.ServiceDateFromTime(record.ClockIn),
		ServiceCode: record.ServiceCode,
	}
}

// visitKeyFor reuses the stored key once one is assigned; it never changes
// after submission.
func visitKeyFor(record *domain.EVVRecord) (string, error) {
	if record.VisitKey != nil && *record.VisitKey != "" {
		return visitkey.ExtractOriginalKey(*record.VisitKey), nil
	}
	return visitkey.Generate(keyComponents(record))
}

func geoPoint(lat, lon, accuracy *float64) *aggdomain.GeoPoint {
	if lat == nil || lon == nil {
		return nil
	}
	return &aggdomain.GeoPoint{Latitude: *lat, Longitude: *lon, AccuracyMeters: accuracy}
}

func visitPayload(cfg *domain.BusinessRuleConfig, client *domain.Client, user *domain.User, record *domain.EVVRecord, key string, times rounding.VisitTimes) aggdomain.VisitPayload {
	return aggdomain.VisitPayload{
		ProviderID:          cfg.ProviderID,
		VisitKey:            key,
		IndividualID:        deref(client.AggregatorID),
		EmployeeID:          deref(user.AggregatorID),
		ServiceCode:         record.ServiceCode,
		ServiceDate:         record.ClockIn.UTC().Format(payloadDate),
		ClockIn:             times.ClockIn.Rounded.UTC(),
		ClockOut:            times.ClockOut.Rounded.UTC(),
		OriginalClockIn:     record.ClockIn.UTC(),
		OriginalClockOut:    record.ClockOut.UTC(),
		Units:               times.BillableUnits,
		ClockInLocation:     geoPoint(record.ClockInLatitude, record.ClockInLongitude, record.ClockInAccuracy),
		ClockOutLocation:    geoPoint(record.ClockOutLatitude, record.ClockOutLongitude, record.ClockOutAccuracy),
		AuthorizationNumber: record.AuthorizationNumber,
		Notes:               record.Notes,
	}
}

func individualPayload(cfg *domain.BusinessRuleConfig, client *domain.Client, ssn string) aggdomain.IndividualPayload {
	return aggdomain.IndividualPayload{
		ProviderID:  cfg.ProviderID,
		ExternalID:  client.ID.String(),
		FirstName:   strings.TrimSpace(client.FirstName),
		LastName:    strings.TrimSpace(client.LastName),
		DateOfBirth: formatDate(&client.DateOfBirth),
		Gender:      strings.ToUpper(strings.TrimSpace(client.Gender)),
		MedicaidID:  strings.TrimSpace(client.MedicaidID),
		SSN:         ssn,
		Phone:       client.Phone,
		Address: aggdomain.Address{
			Line1:      client.AddressLine1,
			Line2:      client.AddressLine2,
			City:       client.City,
			State:      strings.ToUpper(strings.TrimSpace(client.State)),
			PostalCode: strings.TrimSpace(client.PostalCode),
			Latitude:   client.Latitude,
			Longitude:  client.Longitude,
		},
	}
}

func employeePayload(cfg *domain.BusinessRuleConfig, user *domain.User, ssn string) aggdomain.EmployeePayload {
	certs := make([]aggdomain.Certification, 0, len(user.Certifications))
	for _, c := range user.Certifications {
		certs = append(certs, aggdomain.Certification{
			Type:           c.Type,
			Number:         c.Number,
			ExpirationDate: formatDate(c.ExpirationDate),
		})
	}
	return aggdomain.EmployeePayload{
		ProviderID:     cfg.ProviderID,
		ExternalID:     user.ID.String(),
		FirstName:      strings.TrimSpace(user.FirstName),
		LastName:       strings.TrimSpace(user.LastName),
		SSN:            ssn,
		DateOfBirth:    formatDate(user.DateOfBirth),
		Email:          user.Email,
		Phone:          user.Phone,
		HireDate:       formatDate(user.HireDate),
		Role:           user.Role,
		Certifications: certs,
	}
}

func visitContext(cfg *domain.BusinessRuleConfig, client *domain.Client, record *domain.EVVRecord, auths []*domain.ServiceAuthorization) validation.VisitContext {
	vc := validation.VisitContext{
		GeofenceRadiusMeters:    cfg.GeofenceRadiusMeters,
		GPSAccuracyMeters:       cfg.GPSAccuracyMeters,
		ClockInToleranceMinutes: cfg.ClockInToleranceMinutes,
		ScheduledStart:          record.ScheduledStart,
		RequireAuthorization:    cfg.RequireAuthorization,
		MinimumMinutes:          cfg.MinimumVisitMinutes,
		MaximumMinutes:          cfg.MaximumVisitMinutes,
	}
	if client.Latitude != nil && client.Longitude != nil {
		vc.ClientLocation = &validation.Location{Latitude: *client.Latitude, Longitude: *client.Longitude}
	}
	if auth := pickAuthorization(auths, record); auth != nil {
		vc.Authorization = &validation.Authorization{
			Number:          auth.Number,
			ServiceCode:     auth.ServiceCode,
			StartDate:       auth.StartDate,
			EndDate:         auth.EndDate,
			UnitsAuthorized: auth.UnitsAuthorized,
			UnitsUsed:       auth.UnitsUsed,
		}
	}
	return vc
}

// pickAuthorization prefers the authorisation the visit names, then one that
// covers the visit, then any on file so the validator can report the
// mismatch.
func pickAuthorization(auths []*domain.ServiceAuthorization, record *domain.EVVRecord) *domain.ServiceAuthorization {
	if len(auths) == 0 {
		return nil
	}
	if record.AuthorizationNumber != "" {
		for _, a := range auths {
			if a.Number == record.AuthorizationNumber {
				return a
			}
		}
	}
	for _, a := range auths {
		if a.Covers(record.ClockIn, record.ServiceCode) {
			return a
		}
	}
	return auths[0]
}

func staffContext(cfg *domain.BusinessRuleConfig, now time.Time) validation.StaffContext {
	return validation.StaffContext{
		Now:                    now,
		ExpiringSoonDays:       cfg.CertExpiringSoonDays,
		RequiredCertifications: cfg.RequiredCertifications,
	}
}
