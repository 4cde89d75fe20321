package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a size string such as "512kb", "10 MiB" or "2048". A value
// without a unit uses defaultUnit. Empty and non-positive values return 0.
func ParseSize(value string, defaultUnit string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	hasUnit := strings.IndexFunc(value, unicode.IsLetter) >= 0
	if !hasUnit && defaultUnit != "" {
		value = value + defaultUnit
	}

	if strings.HasPrefix(value, "-") {
		return 0, nil
	}

	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("ParseSize: invalid size %q: %w", value, err)
	}
	if size > 1<<62 {
		return 0, fmt.Errorf("ParseSize: size %q is too large", value)
	}

	return int64(size), nil
}

// FormatSize renders a byte count for metadata and notifications.
func FormatSize(size int64) string {
	if size < 0 {
		size = 0
	}
	return humanize.IBytes(uint64(size))
}
