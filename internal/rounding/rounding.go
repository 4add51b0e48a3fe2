// Package rounding converts raw clock-in/out timestamps into billing aligned
// timestamps and billable units.
//
// Billing rounding (RoundTime, RoundVisitTimes) and payroll rounding
// (RoundFLSA) are separate policies. Nothing in this package converts one
// into the other.
package rounding

import (
	"fmt"
	"math"
	"time"

	"github.com/smallbiznis/evvbridge/internal/errcode"
)

type Mode string

const (
	ModeNearest Mode = "nearest"
	ModeUp      Mode = "up"
	ModeDown    Mode = "down"
)

const (
	Interval6  = 6
	Interval15 = 15

	// UnitMinutes is the billing unit size, independent of the alignment interval.
	UnitMinutes = 15

	DefaultMaximumMinutes = 24 * 60
)

var (
	ErrInvalidInterval  = errcode.New(errcode.InvalidInterval, "invalid_interval")
	ErrInvalidTimestamp = errcode.New(errcode.InvalidTimestamp, "invalid_timestamp")
	ErrInvalidMode      = errcode.New(errcode.InvalidInterval, "invalid_rounding_mode")
	ErrClockOutBefore   = errcode.New(errcode.ValidationInvalidFormat, "clock_out_before_clock_in")
)

// RoundedTime is the result of aligning a single timestamp.
type RoundedTime struct {
	Original        time.Time
	Rounded         time.Time
	IntervalMinutes int
	Mode            Mode
	// DeltaMinutes is Rounded minus Original, signed.
	DeltaMinutes float64
}

// Options selects the billing alignment applied to both ends of a visit.
type Options struct {
	IntervalMinutes int
	Mode            Mode
}

func DefaultOptions() Options {
	return Options{IntervalMinutes: Interval15, Mode: ModeNearest}
}

func (o Options) withDefaults() Options {
	if o.IntervalMinutes == 0 {
		o.IntervalMinutes = Interval15
	}
	if o.Mode == "" {
		o.Mode = ModeNearest
	}
	return o
}

func ValidInterval(interval int) bool {
	return interval == Interval6 || interval == Interval15
}

func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeNearest, ModeUp, ModeDown:
		return Mode(raw), nil
	case "":
		return ModeNearest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// RoundTime aligns ts to the interval within its hour. Minutes past the hour
// (including fractional seconds) are divided by the interval, rounded per
// mode and multiplied back. A result of 60 minutes carries into the next hour.
func RoundTime(ts time.Time, intervalMinutes int, mode Mode) (RoundedTime, error) {
	if !ValidInterval(intervalMinutes) {
		return RoundedTime{}, fmt.Errorf("%w: %d", ErrInvalidInterval, intervalMinutes)
	}
	if ts.IsZero() {
		return RoundedTime{}, ErrInvalidTimestamp
	}

	minutes := float64(ts.Minute()) +
		float64(ts.Second())/60 +
		float64(ts.Nanosecond())/float64(time.Minute)
	steps := minutes / float64(intervalMinutes)

	switch mode {
	case ModeNearest:
		steps = math.Round(steps)
	case ModeUp:
		steps = math.Ceil(steps)
	case ModeDown:
		steps = math.Floor(steps)
	default:
		return RoundedTime{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	hour := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, ts.Location())
	rounded := hour.Add(time.Duration(steps) * time.Duration(intervalMinutes) * time.Minute)

	return RoundedTime{
		Original:        ts,
		Rounded:         rounded,
		IntervalMinutes: intervalMinutes,
		Mode:            mode,
		DeltaMinutes:    rounded.Sub(ts).Minutes(),
	}, nil
}

// ParseTimestamp accepts RFC 3339 timestamps with or without fractional seconds.
func ParseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, ErrInvalidTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
	}
	return ts, nil
}

func RoundTimeString(raw string, intervalMinutes int, mode Mode) (RoundedTime, error) {
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return RoundedTime{}, err
	}
	return RoundTime(ts, intervalMinutes, mode)
}

// VisitTimes is the billing view of a visit after both ends are aligned.
type VisitTimes struct {
	ClockIn         RoundedTime
	ClockOut        RoundedTime
	OriginalMinutes float64
	RoundedMinutes  int
	BillableUnits   int
}

// RoundVisitTimes aligns both ends with the same options. Units are computed
// from the rounded duration on the 15 minute basis whatever the interval.
func RoundVisitTimes(clockIn, clockOut time.Time, opts Options) (VisitTimes, error) {
	opts = opts.withDefaults()
	if clockIn.IsZero() || clockOut.IsZero() {
		return VisitTimes{}, ErrInvalidTimestamp
	}
	if clockOut.Before(clockIn) {
		return VisitTimes{}, ErrClockOutBefore
	}

	in, err := RoundTime(clockIn, opts.IntervalMinutes, opts.Mode)
	if err != nil {
		return VisitTimes{}, err
	}
	out, err := RoundTime(clockOut, opts.IntervalMinutes, opts.Mode)
	if err != nil {
		return VisitTimes{}, err
	}

	roundedMinutes := int(out.Rounded.Sub(in.Rounded) / time.Minute)
	return VisitTimes{
		ClockIn:         in,
		ClockOut:        out,
		OriginalMinutes: clockOut.Sub(clockIn).Minutes(),
		RoundedMinutes:  roundedMinutes,
		BillableUnits:   CalculateBillableUnits(roundedMinutes),
	}, nil
}

func CalculateBillableUnits(roundedMinutes int) int {
	if roundedMinutes <= 0 {
		return 0
	}
	return roundedMinutes / UnitMinutes
}

// CrossesMidnight reports whether rounding moved a visit that started and
// ended on the same calendar day onto two days.
func (v VisitTimes) CrossesMidnight() bool {
	if !sameDay(v.ClockIn.Original, v.ClockOut.Original) {
		return false
	}
	return !sameDay(v.ClockIn.Rounded, v.ClockOut.Rounded)
}

func CrossesMidnightAfterRounding(clockIn, clockOut time.Time, opts Options) (bool, error) {
	times, err := RoundVisitTimes(clockIn, clockOut, opts)
	if err != nil {
		return false, err
	}
	return times.CrossesMidnight(), nil
}

// MeetsMinimumDuration reports whether a rounded duration reaches minMinutes.
func MeetsMinimumDuration(roundedMinutes, minMinutes int) bool {
	if minMinutes <= 0 {
		minMinutes = UnitMinutes
	}
	return roundedMinutes >= minMinutes
}

// WithinMaximumDuration reports whether a rounded duration stays within
// maxMinutes, 24 hours when maxMinutes is not positive.
func WithinMaximumDuration(roundedMinutes, maxMinutes int) bool {
	if maxMinutes <= 0 {
		maxMinutes = DefaultMaximumMinutes
	}
	return roundedMinutes <= maxMinutes
}

func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
