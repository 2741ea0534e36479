package pacer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Unit is the time base a frequency is expressed in.
type Unit int

const (
	Second Unit = iota
	Minute
	Hour
	Day
)

// Duration returns the length of the unit.
func (u Unit) Duration() time.Duration {
	switch u {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// perHour returns how many of u fit in an hour. Kept as exact factors so
// that whole-number frequencies convert without rounding.
func (u Unit) perHour() (mul, div float64) {
	switch u {
	case Second:
		return 3600, 1
	case Minute:
		return 60, 1
	case Day:
		return 1, 24
	default:
		return 1, 1
	}
}

func (u Unit) String() string {
	switch u {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return fmt.Sprintf("Unit(%d)", int(u))
	}
}

// ParseUnit accepts the unit names produced by String, their plurals, and
// the short forms s, m, h and d.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "second", "seconds":
		return Second, nil
	case "m", "min", "minute", "minutes":
		return Minute, nil
	case "h", "hour", "hours":
		return Hour, nil
	case "d", "day", "days":
		return Day, nil
	default:
		return 0, invalidf("unknown rate unit %q", s)
	}
}

// Rate is a target call frequency, held as calls per hour. The zero value
// is not a valid rate.
type Rate struct {
	perHour float64
}

// Per returns a rate of n calls per unit. n must be positive and finite.
func Per(n float64, u Unit) (Rate, error) {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Rate{}, invalidf("rate must be positive, got %v per %s", n, u)
	}
	mul, div := u.perHour()
	return Rate{perHour: n * mul / div}, nil
}

// PerSecond returns a rate of n calls per second.
func PerSecond(n float64) (Rate, error) { return Per(n, Second) }

// PerMinute returns a rate of n calls per minute.
func PerMinute(n float64) (Rate, error) { return Per(n, Minute) }

// PerHour returns a rate of n calls per hour.
func PerHour(n float64) (Rate, error) { return Per(n, Hour) }

// PerDay returns a rate of n calls per day.
func PerDay(n float64) (Rate, error) { return Per(n, Day) }

// Must panics if err is non-nil. It is meant for rates built from constants.
func Must(r Rate, err error) Rate {
	if err != nil {
		panic(err)
	}
	return r
}

// CallsPerHour returns the canonical hourly value.
func (r Rate) CallsPerHour() float64 { return r.perHour }

// CallsPerSecond returns the rate in calls per second.
func (r Rate) CallsPerSecond() float64 { return r.perHour / 3600 }

// Interval returns the time it takes to earn one token.
func (r Rate) Interval() time.Duration {
	if r.perHour <= 0 {
		return 0
	}
	return seconds(3600 / r.perHour)
}

// Limit converts the rate for use with golang.org/x/time/rate limiters.
func (r Rate) Limit() rate.Limit { return rate.Limit(r.CallsPerSecond()) }

// IsZero reports whether r is the zero Rate.
func (r Rate) IsZero() bool { return r.perHour == 0 }

func (r Rate) String() string {
	return fmt.Sprintf("Rate(%g calls/hour)", r.perHour)
}

// defaultBurst is ten percent of the hourly rate, and at least one token.
func (r Rate) defaultBurst() float64 {
	return math.Max(1, math.Floor(0.1*r.perHour))
}

// waitFor returns how long it takes to refill from tokens to one token.
func (r Rate) waitFor(tokens float64) time.Duration {
	if tokens >= 1 {
		return 0
	}
	return seconds((1 - tokens) * 3600 / r.perHour)
}

// seconds converts fractional seconds to a Duration, rounding up so that a
// positive wait never becomes zero. Waits too long for a Duration saturate
// at the largest one.
func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	ns := math.Ceil(s * float64(time.Second))
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
