// Package visitkey builds the deterministic identifiers used to address a
// billable visit at the aggregator.
//
// A key has the form {client}_{caregiver}_{YYYYMMDD}_{service}. Corrections
// append _v{N}.
package visitkey

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/evvbridge/internal/errcode"
)

const (
	MaxLength = 255

	separator     = "_"
	versionPrefix = "v"
	dateLayout    = "20060102"
)

var (
	ErrMissingComponent = errcode.New(errcode.MissingComponent, "missing_component")
	ErrKeyTooLong       = errcode.New(errcode.KeyTooLong, "key_too_long")
	ErrMalformedKey     = errcode.New(errcode.MalformedKey, "malformed_key")
	ErrInvalidDate      = errcode.New(errcode.InvalidDate, "invalid_date")
	ErrInvalidVersion   = errcode.New(errcode.MalformedKey, "invalid_correction_version")
)

var (
	unsafeChars   = regexp.MustCompile(`[^A-Z0-9-]`)
	versionSuffix = regexp.MustCompile(`_v([1-9][0-9]*)$`)
)

var dateLayouts = []string{
	"2006-01-02",
	"20060102",
	"2006/01/02",
	"01/02/2006",
}

// Components are the inputs of a visit key. ServiceDate is a string so the
// caller can pass whatever format their record uses.
type Components struct {
	ClientID    string
	CaregiverID string
	ServiceDate string
	ServiceCode string
}

// Parsed is a decoded key. Version is zero for an original key.
type Parsed struct {
	ClientID    string
	CaregiverID string
	ServiceDate time.Time
	ServiceCode string
	Version     int
}

func (p Parsed) Components() Components {
	return Components{
		ClientID:    p.ClientID,
		CaregiverID: p.CaregiverID,
		ServiceDate: p.ServiceDate.Format(dateLayout),
		ServiceCode: p.ServiceCode,
	}
}

// Generate assembles the key for c. The same inputs always produce the same key.
func Generate(c Components) (string, error) {
	client, err := component("client_id", c.ClientID)
	if err != nil {
		return "", err
	}
	caregiver, err := component("caregiver_id", c.CaregiverID)
	if err != nil {
		return "", err
	}
	code, err := component("service_code", c.ServiceCode)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(c.ServiceDate) == "" {
		return "", fmt.Errorf("%w: service_date", ErrMissingComponent)
	}
	date, err := NormalizeDate(c.ServiceDate)
	if err != nil {
		return "", err
	}

	key := strings.Join([]string{client, caregiver, date, code}, separator)
	if len(key) > MaxLength {
		return "", fmt.Errorf("%w: %d characters", ErrKeyTooLong, len(key))
	}
	return key, nil
}

// ServiceDateFromTime renders t as a key date in UTC.
func ServiceDateFromTime(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// NormalizeDate converts a supported date representation to YYYYMMDD. A full
// RFC 3339 timestamp is converted to UTC and its time of day dropped.
func NormalizeDate(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ServiceDateFromTime(ts), nil
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d.Format(dateLayout), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}

// Parse decodes a key produced by Generate or GenerateCorrectionKey.
func Parse(key string) (Parsed, error) {
	parts := strings.Split(key, separator)
	var version int
	switch len(parts) {
	case 4:
	case 5:
		v, err := parseVersion(parts[4])
		if err != nil {
			return Parsed{}, err
		}
		version = v
		parts = parts[:4]
	default:
		return Parsed{}, fmt.Errorf("%w: expected 4 segments, got %d", ErrMalformedKey, len(parts))
	}

	for i, p := range parts {
		if p == "" || unsafeChars.MatchString(p) {
			return Parsed{}, fmt.Errorf("%w: segment %d", ErrMalformedKey, i)
		}
	}

	date, err := parseKeyDate(parts[2])
	if err != nil {
		return Parsed{}, err
	}

	return Parsed{
		ClientID:    parts[0],
		CaregiverID: parts[1],
		ServiceDate: date,
		ServiceCode: parts[3],
		Version:     version,
	}, nil
}

func IsValid(key string) bool {
	if len(key) == 0 || len(key) > MaxLength {
		return false
	}
	_, err := Parse(key)
	return err == nil
}

// GenerateCorrectionKey appends the correction version to the original key.
// Any existing version suffix is replaced so lineages never nest.
func GenerateCorrectionKey(original string, version int) (string, error) {
	if version < 1 {
		return "", fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	base := ExtractOriginalKey(original)
	if !IsValid(base) {
		return "", fmt.Errorf("%w: %q", ErrMalformedKey, original)
	}
	key := base + separator + versionPrefix + strconv.Itoa(version)
	if len(key) > MaxLength {
		return "", fmt.Errorf("%w: %d characters", ErrKeyTooLong, len(key))
	}
	return key, nil
}

// ExtractOriginalKey strips a trailing _vN. Keys without one are returned as is.
func ExtractOriginalKey(key string) string {
	loc := versionSuffix.FindStringIndex(key)
	if loc == nil {
		return key
	}
	return key[:loc[0]]
}

// ExtractVersion returns the correction version carried by key, or zero.
func ExtractVersion(key string) int {
	m := versionSuffix.FindStringSubmatch(key)
	if m == nil {
		return 0
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return v
}

func component(name, raw string) (string, error) {
	s := unsafeChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(raw)), "")
	if s == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingComponent, name)
	}
	return s, nil
}

func parseVersion(segment string) (int, error) {
	if !strings.HasPrefix(segment, versionPrefix) {
		return 0, fmt.Errorf("%w: bad version segment %q", ErrMalformedKey, segment)
	}
	v, err := strconv.Atoi(segment[len(versionPrefix):])
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: bad version segment %q", ErrMalformedKey, segment)
	}
	return v, nil
}

// parseKeyDate requires the date to survive a calendar round trip, so 20240431
// fails instead of normalising to May 1st.
func parseKeyDate(segment string) (time.Time, error) {
	if len(segment) != len(dateLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, segment)
	}
	year, errY := strconv.Atoi(segment[0:4])
	month, errM := strconv.Atoi(segment[4:6])
	day, errD := strconv.Atoi(segment[6:8])
	if errY != nil || errM != nil || errD != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, segment)
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Year() != year || int(d.Month()) != month || d.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, segment)
	}
	return d, nil
}
