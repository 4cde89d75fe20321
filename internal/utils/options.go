package utils

import "strings"

// ParseBool reads a boolean option value. Unknown values are false.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}
