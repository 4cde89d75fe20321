// Package timeparser parses repeat rules such as "1D", "2W" or "1h30m".
//
// Units: s (seconds), m (minutes), h (hours), D (days), W (weeks),
// M (months), Y (years). Day, week and year units are also accepted in
// lowercase. A bare integer is a number of seconds.
package timeparser

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var (
	ErrEmptyInterval   = errors.New("interval expression is empty")
	ErrInvalidInterval = errors.New("invalid interval expression")
	ErrZeroInterval    = errors.New("interval does not advance time")
)

// Interval is a parsed repeat rule. Calendar parts are applied on the wall
// clock of a location, Clock is applied as an absolute duration.
type Interval struct {
	Years  int
	Months int
	Days   int
	Clock  time.Duration
}

// Parse turns an expression into an Interval. "now" and "" parse to the zero
// interval.
func Parse(expr string) (Interval, error) {
	var iv Interval

	expr = strings.TrimSpace(expr)
	if expr == "" || strings.EqualFold(expr, "now") {
		return iv, nil
	}

	if n, err := strconv.ParseInt(expr, 10, 64); err == nil {
		if n < 0 {
			return iv, fmt.Errorf("%w: %q is negative", ErrInvalidInterval, expr)
		}
		clock, err := addClock(0, int64(n), time.Second)
		if err != nil {
			return iv, fmt.Errorf("%w: %q", err, expr)
		}
		iv.Clock = clock
		return iv, nil
	}

	num := strings.Builder{}
	for _, r := range expr {
		switch {
		case unicode.IsDigit(r):
			num.WriteRune(r)
			continue
		case unicode.IsSpace(r):
			continue
		}

		if num.Len() == 0 {
			return Interval{}, fmt.Errorf("%w: unit %q in %q has no value", ErrInvalidInterval, r, expr)
		}
		n, err := strconv.Atoi(num.String())
		if err != nil {
			return Interval{}, fmt.Errorf("%w: %q: %v", ErrInvalidInterval, expr, err)
		}
		num.Reset()

		switch r {
		case 's':
			iv.Clock, err = addClock(iv.Clock, int64(n), time.Second)
		case 'm':
			iv.Clock, err = addClock(iv.Clock, int64(n), time.Minute)
		case 'h':
			iv.Clock, err = addClock(iv.Clock, int64(n), time.Hour)
		case 'D', 'd':
			iv.Days, err = addCount(iv.Days, n, 1)
		case 'W', 'w':
			iv.Days, err = addCount(iv.Days, n, 7)
		case 'M':
			iv.Months, err = addCount(iv.Months, n, 1)
		case 'Y', 'y':
			iv.Years, err = addCount(iv.Years, n, 1)
		default:
			return Interval{}, fmt.Errorf("%w: unknown unit %q in %q", ErrInvalidInterval, r, expr)
		}
		if err != nil {
			return Interval{}, fmt.Errorf("%w: %q", err, expr)
		}
	}

	if num.Len() > 0 {
		return Interval{}, fmt.Errorf("%w: trailing number without unit in %q", ErrInvalidInterval, expr)
	}

	return iv, nil
}

var errOutOfRange = fmt.Errorf("%w: value out of range", ErrInvalidInterval)

func addClock(total time.Duration, n int64, unit time.Duration) (time.Duration, error) {
	if n > math.MaxInt64/int64(unit) {
		return 0, errOutOfRange
	}
	d := time.Duration(n) * unit
	if total > math.MaxInt64-d {
		return 0, errOutOfRange
	}
	return total + d, nil
}

func addCount(total, n, factor int) (int, error) {
	if n > math.MaxInt/factor {
		return 0, errOutOfRange
	}
	n *= factor
	if total > math.MaxInt-n {
		return 0, errOutOfRange
	}
	return total + n, nil
}

// IsZero reports whether applying the interval leaves a time unchanged.
func (iv Interval) IsZero() bool {
	return iv.Years == 0 && iv.Months == 0 && iv.Days == 0 && iv.Clock == 0
}

// AtLeastOneDay reports whether each step moves by a day or more.
func (iv Interval) AtLeastOneDay() bool {
	return iv.Years > 0 || iv.Months > 0 || iv.Days > 0 || iv.Clock >= 24*time.Hour
}

// AddTo applies the interval to t. Calendar parts keep the wall clock time in
// loc across DST transitions; the clock part is added as elapsed time.
func (iv Interval) AddTo(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	res := t
	if iv.Years != 0 || iv.Months != 0 || iv.Days != 0 {
		res = t.In(loc).AddDate(iv.Years, iv.Months, iv.Days)
	}
	return res.Add(iv.Clock).In(t.Location())
}

// Approximate returns the interval as a duration measured from a fixed
// reference date.
func (iv Interval) Approximate() time.Duration {
	ref := time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)
	return iv.AddTo(ref, time.UTC).Sub(ref)
}

func (iv Interval) String() string {
	var sb strings.Builder
	if iv.Years > 0 {
		fmt.Fprintf(&sb, "%dY", iv.Years)
	}
	if iv.Months > 0 {
		fmt.Fprintf(&sb, "%dM", iv.Months)
	}
	if iv.Days > 0 {
		fmt.Fprintf(&sb, "%dD", iv.Days)
	}
	if iv.Clock > 0 {
		secs := int64(iv.Clock / time.Second)
		if h := secs / 3600; h > 0 {
			fmt.Fprintf(&sb, "%dh", h)
		}
		if m := (secs % 3600) / 60; m > 0 {
			fmt.Fprintf(&sb, "%dm", m)
		}
		if s := secs % 60; s > 0 {
			fmt.Fprintf(&sb, "%ds", s)
		}
	}
	if sb.Len() == 0 {
		return "0s"
	}
	return sb.String()
}

// ParseTimeSpan parses expr and returns its approximate duration.
func ParseTimeSpan(expr string) (time.Duration, error) {
	iv, err := Parse(expr)
	if err != nil {
		return 0, err
	}
	return iv.Approximate(), nil
}

// AddInterval parses expr and applies it to t in loc.
func AddInterval(expr string, t time.Time, loc *time.Location) (time.Time, error) {
	iv, err := Parse(expr)
	if err != nil {
		return t, err
	}
	return iv.AddTo(t, loc), nil
}
