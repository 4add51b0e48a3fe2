package rounding

import "time"

// FLSARoundedTime is a payroll rounding result. It is not a RoundedTime and
// cannot be passed into billing code.
type FLSARoundedTime struct {
	Original     time.Time
	Rounded      time.Time
	DeltaMinutes float64
}

// RoundFLSA applies the 7-minute rule to the nearest quarter hour: 1 to 7
// minutes past a quarter round down, 8 to 14 round up. Seconds are ignored.
// Payroll only; never use it for aggregator submissions.
func RoundFLSA(ts time.Time) (FLSARoundedTime, error) {
	if ts.IsZero() {
		return FLSARoundedTime{}, ErrInvalidTimestamp
	}

	quarter := ts.Minute() / 15 * 15
	if ts.Minute()-quarter >= 8 {
		quarter += 15
	}

	hour := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, ts.Location())
	rounded := hour.Add(time.Duration(quarter) * time.Minute)
	return FLSARoundedTime{
		Original:     ts,
		Rounded:      rounded,
		DeltaMinutes: rounded.Sub(ts).Minutes(),
	}, nil
}
