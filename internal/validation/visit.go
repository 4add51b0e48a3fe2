package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/evvbridge/internal/aggregator/domain"
	"github.com/smallbiznis/evvbridge/internal/rounding"
)

const (
	DefaultGeofenceRadiusMeters = 150.0
	DefaultGPSAccuracyMeters    = 100.0
	DefaultClockInTolerance     = 15
)

// Authorization is the payer authorisation a visit bills against.
type Authorization struct {
	Number          string
	ServiceCode     string
	StartDate       time.Time
	EndDate         time.Time
	UnitsAuthorized int
	UnitsUsed       int
}

func (a Authorization) remainingUnits() int {
	if rem := a.UnitsAuthorized - a.UnitsUsed; rem > 0 {
		return rem
	}
	return 0
}

// VisitContext carries the organisation policy and on-file data a visit is
// checked against. Zero values fall back to the defaults above.
type VisitContext struct {
	GeofenceRadiusMeters    float64
	GPSAccuracyMeters       float64
	ClockInToleranceMinutes int
	ClientLocation          *Location
	ScheduledStart          *time.Time

	Authorization        *Authorization
	RequireAuthorization bool

	MinimumMinutes int
	MaximumMinutes int
}

func (vc VisitContext) withDefaults() VisitContext {
	if vc.GeofenceRadiusMeters <= 0 {
		vc.GeofenceRadiusMeters = DefaultGeofenceRadiusMeters
	}
	if vc.GPSAccuracyMeters <= 0 {
		vc.GPSAccuracyMeters = DefaultGPSAccuracyMeters
	}
	if vc.ClockInToleranceMinutes <= 0 {
		vc.ClockInToleranceMinutes = DefaultClockInTolerance
	}
	return vc
}

func ValidateVisit(p domain.VisitPayload, vc VisitContext) Result {
	vc = vc.withDefaults()
	var r Result

	// who, what, when, where
	r.requireElement("individualId", p.IndividualID)
	r.requireElement("employeeId", p.EmployeeID)
	r.requireElement("serviceCode", p.ServiceCode)
	r.requireElement("serviceDate", p.ServiceDate)
	if p.ClockIn.IsZero() {
		r.addError(CodeMissingElement, "clockIn", "clock-in time is required")
	}
	if p.ClockOut.IsZero() {
		r.addError(CodeMissingElement, "clockOut", "clock-out time is required")
	}
	if p.ClockInLocation == nil {
		r.addError(CodeMissingElement, "clockInLocation", "clock-in location is required")
	}
	if p.ClockOutLocation == nil {
		r.addError(CodeMissingElement, "clockOutLocation", "clock-out location is required")
	}

	in, out := p.OriginalClockIn, p.OriginalClockOut
	if in.IsZero() || out.IsZero() {
		in, out = p.ClockIn, p.ClockOut
	}
	timesPresent := !in.IsZero() && !out.IsZero()
	if timesPresent && !out.After(in) {
		r.addError(CodeClockOutBeforeIn, "clockOut", "clock-out must be after clock-in")
		timesPresent = false
	}

	if vc.ClientLocation == nil && (p.ClockInLocation != nil || p.ClockOutLocation != nil) {
		r.addWarning(CodeClientLocationUnknown, "individualId",
			"client has no coordinates on file, visit location was not checked")
	}
	checkGeofence(&r, vc, "clockInLocation", p.ClockInLocation)
	checkGeofence(&r, vc, "clockOutLocation", p.ClockOutLocation)

	if timesPresent && vc.ScheduledStart != nil {
		drift := in.Sub(*vc.ScheduledStart)
		if drift < 0 {
			drift = -drift
		}
		if drift > time.Duration(vc.ClockInToleranceMinutes)*time.Minute {
			r.addWarning(CodeClockInTolerance, "clockIn",
				fmt.Sprintf("clock-in is %d minutes from the scheduled start", int(drift.Minutes())))
		}
	}

	if timesPresent {
		checkDuration(&r, vc, p)
	}
	checkAuthorization(&r, vc, p)

	return r
}

func checkGeofence(r *Result, vc VisitContext, field string, point *domain.GeoPoint) {
	if point == nil {
		return
	}
	if point.AccuracyMeters != nil && *point.AccuracyMeters > vc.GPSAccuracyMeters {
		r.addWarning(CodeLowGPSAccuracy, field,
			fmt.Sprintf("GPS accuracy %.0fm exceeds %.0fm", *point.AccuracyMeters, vc.GPSAccuracyMeters))
	}
	if vc.ClientLocation == nil {
		return
	}
	loc := Location{Latitude: point.Latitude, Longitude: point.Longitude}
	if d := DistanceMeters(*vc.ClientLocation, loc); d > vc.GeofenceRadiusMeters {
		r.addError(CodeOutsideGeofence, field,
			fmt.Sprintf("recorded %.0fm from the client address, limit %.0fm", d, vc.GeofenceRadiusMeters))
	}
}

func checkDuration(r *Result, vc VisitContext, p domain.VisitPayload) {
	if p.ClockIn.IsZero() || p.ClockOut.IsZero() {
		return
	}
	minutes := int(p.ClockOut.Sub(p.ClockIn) / time.Minute)
	if !rounding.WithinMaximumDuration(minutes, vc.MaximumMinutes) {
		r.addError(CodeDurationExceeded, "clockOut", fmt.Sprintf("visit lasts %d minutes", minutes))
	}
	if !rounding.MeetsMinimumDuration(minutes, vc.MinimumMinutes) {
		r.addWarning(CodeDurationShort, "clockOut", fmt.Sprintf("visit lasts %d minutes and bills no units", minutes))
	}

	times := rounding.VisitTimes{
		ClockIn:  rounding.RoundedTime{Original: p.OriginalClockIn, Rounded: p.ClockIn},
		ClockOut: rounding.RoundedTime{Original: p.OriginalClockOut, Rounded: p.ClockOut},
	}
	if !p.OriginalClockIn.IsZero() && !p.OriginalClockOut.IsZero() && times.CrossesMidnight() {
		r.addWarning(CodeCrossesMidnight, "clockOut", "rounding moves the visit across midnight")
	}
}

func checkAuthorization(r *Result, vc VisitContext, p domain.VisitPayload) {
	add := r.addWarning
	if vc.RequireAuthorization {
		add = r.addError
	}

	auth := vc.Authorization
	if auth == nil {
		if vc.RequireAuthorization {
			r.addError(CodeAuthorizationRequired, "authorizationNumber", "an active service authorization is required")
		}
		return
	}

	if !strings.EqualFold(strings.TrimSpace(auth.ServiceCode), strings.TrimSpace(p.ServiceCode)) {
		add(CodeAuthorizationService, "serviceCode",
			fmt.Sprintf("service code %s is not authorized (authorization covers %s)", p.ServiceCode, auth.ServiceCode))
	}
	if !p.ClockIn.IsZero() {
		day := dateOnly(p.ClockIn)
		if (!auth.StartDate.IsZero() && day.Before(dateOnly(auth.StartDate))) ||
			(!auth.EndDate.IsZero() && day.After(dateOnly(auth.EndDate))) {
			add(CodeAuthorizationPeriod, "serviceDate", "visit date is outside the authorization period")
		}
	}
	if auth.UnitsAuthorized > 0 && p.Units > auth.remainingUnits() {
		add(CodeAuthorizationUnits, "units",
			fmt.Sprintf("visit bills %d units, %d remain on the authorization", p.Units, auth.remainingUnits()))
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
