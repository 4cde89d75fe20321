package types

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the OS scheduling priority requested for engine work.
type Priority string

const (
	PriorityLowest      Priority = "lowest"
	PriorityBelowNormal Priority = "belownormal"
	PriorityNormal      Priority = "normal"
	PriorityAboveNormal Priority = "abovenormal"
	PriorityHighest     Priority = "highest"
)

// ParsePriority accepts the names above, case-insensitively. An empty string
// means no override and returns nil.
func ParsePriority(s string) (*Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return nil, nil
	}
	switch p := Priority(s); p {
	case PriorityLowest, PriorityBelowNormal, PriorityNormal, PriorityAboveNormal, PriorityHighest:
		return &p, nil
	case "idle":
		p = PriorityLowest
		return &p, nil
	case "high":
		p = PriorityHighest
		return &p, nil
	}
	return nil, fmt.Errorf("unknown priority %q", s)
}

// Nice maps the priority onto a unix nice value.
func (p Priority) Nice() int {
	switch p {
	case PriorityLowest:
		return 19
	case PriorityBelowNormal:
		return 10
	case PriorityAboveNormal:
		return -5
	case PriorityHighest:
		return -10
	default:
		return 0
	}
}

// ApplicationSettings are the server wide settings the scheduler core reads.
type ApplicationSettings struct {
	StartupDelayDuration   time.Duration `json:"startup-delay"`
	ThreadPriorityOverride string        `json:"thread-priority-override"`
	UploadSpeedLimit       string        `json:"max-upload-speed"`
	DownloadSpeedLimit     string        `json:"max-download-speed"`
	AdditionalReportURL    string        `json:"additional-report-url"`
	Timezone               string        `json:"timezone"`
	UsageReporterLevel     string        `json:"usage-reporter-level"`
}

// Location resolves Timezone, falling back to UTC.
func (a ApplicationSettings) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
