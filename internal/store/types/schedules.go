package types

import (
	"strconv"
	"strings"
	"time"
)

// Schedule is a persisted repeat rule. Tags select the backups it triggers:
// "ID=<id>" selects one backup, any other tag selects every backup carrying it.
type Schedule struct {
	ID          int64          `json:"id"`
	Tags        []string       `json:"tags"`
	Time        time.Time      `json:"time"`
	Repeat      string         `json:"repeat"`
	LastRun     time.Time      `json:"last-run"`
	Rule        string         `json:"rule"`
	AllowedDays []time.Weekday `json:"allowed-days"`
}

// IDString is the identity used in logs and error records.
func (s Schedule) IDString() string {
	return strconv.FormatInt(s.ID, 10)
}

// InvalidWeekday stands in for an unrecognised day name in AllowedDays.
const InvalidWeekday = time.Weekday(-1)

// ValidWeekday reports whether d is Sunday through Saturday.
func ValidWeekday(d time.Weekday) bool {
	return d >= time.Sunday && d <= time.Saturday
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ParseWeekdays accepts a comma separated list such as "mon,wed,fri". Full
// names are accepted too. Unknown names are returned separately.
func ParseWeekdays(s string) ([]time.Weekday, []string) {
	var days []time.Weekday
	var unknown []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if len(part) > 3 {
			part = part[:3]
		}
		d, ok := weekdayNames[part]
		if !ok {
			unknown = append(unknown, part)
			continue
		}
		days = append(days, d)
	}
	return days, unknown
}

// FormatWeekdays is the inverse of ParseWeekdays.
func FormatWeekdays(days []time.Weekday) string {
	parts := make([]string, 0, len(days))
	for _, d := range days {
		if !ValidWeekday(d) {
			parts = append(parts, "invalid")
			continue
		}
		parts = append(parts, strings.ToLower(d.String()[:3]))
	}
	return strings.Join(parts, ",")
}
