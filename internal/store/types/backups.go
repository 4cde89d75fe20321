package types

import "strconv"

// CommonOptionsID owns the settings and filters applied to every backup.
const CommonOptionsID int64 = -1

// Backup is a persisted backup definition.
type Backup struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	TargetURL   string            `json:"target-url"`
	DBPath      string            `json:"dbpath"`
	Sources     []string          `json:"sources"`
	Settings    []Setting         `json:"settings"`
	Filters     []Filter          `json:"filters"`
	Metadata    map[string]string `json:"metadata"`
	IsTemporary bool              `json:"is-temporary"`
}

// IDString is the identity used for dedupe, logging and notifications.
func (b Backup) IDString() string {
	return strconv.FormatInt(b.ID, 10)
}

// Setting is a name/value option. Names starting with "--" override the
// normal setting with the same name.
type Setting struct {
	Filter   string `json:"filter"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Argument string `json:"argument"`
}

// Filter is an ordered include/exclude expression.
type Filter struct {
	Order      int64  `json:"order"`
	Include    bool   `json:"include"`
	Expression string `json:"expression"`
}
