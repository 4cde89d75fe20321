package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/pbs-plus/plus-scheduler/internal/store/types"
	"github.com/pbs-plus/plus-scheduler/internal/utils/timeparser"
)

// MaxIterations bounds every search in GetNextValidTime.
const MaxIterations = 50000

var (
	ErrNoValidTime  = errors.New("no valid time found")
	ErrNoAllowedDay = errors.New("allowed days contain no valid weekday")
)

func isDateAllowed(t time.Time, allowedDays []time.Weekday, loc *time.Location) bool {
	if len(allowedDays) == 0 {
		return true
	}
	day := t.In(loc).Weekday()
	for _, d := range allowedDays {
		if d == day {
			return true
		}
	}
	return false
}

func anyValidDay(days []time.Weekday) bool {
	for _, d := range days {
		if types.ValidWeekday(d) {
			return true
		}
	}
	return false
}

// GetNextValidTime steps base forward by repeat until it is not before
// firstDate and falls on one of allowedDays, as seen in loc. An empty
// allowedDays allows every day.
func GetNextValidTime(base, firstDate time.Time, repeat string, allowedDays []time.Weekday, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	iv, err := timeparser.Parse(repeat)
	if err != nil {
		return time.Time{}, err
	}
	if iv.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", timeparser.ErrZeroInterval, repeat)
	}
	if len(allowedDays) > 0 && !anyValidDay(allowedDays) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrNoAllowedDay, types.FormatWeekdays(allowedDays))
	}

	res := base
	for i := MaxIterations; res.Before(firstDate) && i > 0; i-- {
		res = iv.AddTo(res, loc)
	}

	if !res.Before(firstDate) {
		if iv.AtLeastOneDay() {
			// day steps keep the time of day, only the date moves
			for n := 0; n < MaxIterations && !isDateAllowed(res, allowedDays, loc); n++ {
				res = res.In(loc).AddDate(0, 0, 1).In(res.Location())
			}
		} else {
			for i := MaxIterations; !isDateAllowed(res, allowedDays, loc) && i > 0; i-- {
				res = iv.AddTo(res, loc)
			}
		}
	}

	if !isDateAllowed(res, allowedDays, loc) || res.Before(firstDate) {
		return time.Time{}, fmt.Errorf("%w: base %s, repeat %q, allowed days [%s]",
			ErrNoValidTime, base.UTC().Format(time.RFC3339), repeat, types.FormatWeekdays(allowedDays))
	}

	return res.UTC(), nil
}
