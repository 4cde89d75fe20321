package utils

import (
	"net/url"
	"path/filepath"
	"strings"
)

// ValidateTargetURL accepts absolute local paths and scheme://... URLs.
func ValidateTargetURL(target string) bool {
	if target == "" {
		return false
	}

	if filepath.IsAbs(target) {
		return true
	}

	if !strings.Contains(target, "://") {
		return false
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return false
	}

	return parsed.Scheme != "" && (parsed.Host != "" || parsed.Path != "" || parsed.Opaque != "")
}
