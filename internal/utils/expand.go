package utils

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var percentToken = regexp.MustCompile(`%([A-Za-z0-9_]+)%`)

// SpecialFolders maps the symbolic folder tokens accepted in sources and
// filters to paths on this host.
func SpecialFolders() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(home, ".config")
	}

	return map[string]string{
		"HOME":          home,
		"MY_DOCUMENTS":  filepath.Join(home, "Documents"),
		"MY_MUSIC":      filepath.Join(home, "Music"),
		"MY_PICTURES":   filepath.Join(home, "Pictures"),
		"MY_VIDEOS":     filepath.Join(home, "Videos"),
		"DESKTOP":       filepath.Join(home, "Desktop"),
		"APPDATA":       configDir,
		"LOCALAPPDATA":  configDir,
		"TEMP":          os.TempDir(),
		"TMP":           os.TempDir(),
		"USERPROFILE":   home,
		"CONFIG_FOLDER": configDir,
	}
}

// ExpandPath resolves %TOKEN%, $VAR, ${VAR} and a leading ~ in p. Unknown
// %TOKEN% references are left untouched.
func ExpandPath(p string) string {
	return expand(p, func(s string) string { return s }, true)
}

// ExpandRegex is ExpandPath for regular expression filters. Substituted
// values are quoted so path characters match literally, and $ is left alone
// since it is an anchor.
func ExpandRegex(p string) string {
	return expand(p, regexp.QuoteMeta, false)
}

func expand(p string, quote func(string) string, dollar bool) string {
	if p == "" {
		return p
	}

	folders := SpecialFolders()

	p = percentToken.ReplaceAllStringFunc(p, func(tok string) string {
		name := strings.Trim(tok, "%")
		if v, ok := folders[strings.ToUpper(name)]; ok && v != "" {
			return quote(v)
		}
		if v, ok := os.LookupEnv(name); ok {
			return quote(v)
		}
		return tok
	})

	if dollar && strings.Contains(p, "$") {
		p = os.Expand(p, func(name string) string {
			if v, ok := os.LookupEnv(name); ok {
				return quote(v)
			}
			if v, ok := folders[name]; ok {
				return quote(v)
			}
			return "$" + name
		})
	}

	if p == "~" || strings.HasPrefix(p, "~/") {
		p = quote(folders["HOME"]) + p[1:]
	}

	return p
}
