package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the calendar-day format used in shards and the cache.
const DateLayout = "2006-01-02"

// Date is a calendar day with no time component, held as midnight UTC.
type Date struct {
	t time.Time
}

// NewDate returns the calendar day for the given year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the UTC calendar day containing t.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, eris.Wrapf(err, "parse date %q", s)
	}
	return Date{t: t}, nil
}

// MustParseDate is ParseDate for constants and tests.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string {
	if d.t.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return d.t }

func (d Date) IsZero() bool           { return d.t.IsZero() }
func (d Date) Year() int              { return d.t.Year() }
func (d Date) Equal(o Date) bool      { return d.t.Equal(o.t) }
func (d Date) Before(o Date) bool     { return d.t.Before(o.t) }
func (d Date) After(o Date) bool      { return d.t.After(o.t) }
func (d Date) AddDays(n int) Date     { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) Format(l string) string { return d.t.Format(l) }

// DaysSince returns the whole number of days from o to d.
func (d Date) DaysSince(o Date) int {
	return int(d.t.Sub(o.t).Hours() / 24)
}

// MarshalText implements encoding.TextMarshaler.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// PublishHourUTC is the hour at which the daily reference publication is
// considered available.
const PublishHourUTC = 12

// LastBoundary returns the most recent UTC 12:00 instant that is not after now.
func LastBoundary(now time.Time) time.Time {
	u := now.UTC()
	b := time.Date(u.Year(), u.Month(), u.Day(), PublishHourUTC, 0, 0, 0, time.UTC)
	if u.Before(b) {
		b = b.AddDate(0, 0, -1)
	}
	return b
}

// LatestAvailable returns the newest day whose rates can be queried at now:
// yesterday once today's boundary has passed, the day before otherwise.
func LatestAvailable(now time.Time) Date {
	return DateOf(LastBoundary(now)).AddDays(-1)
}
