package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

var ErrInvalidFilter = errors.New("invalid filter expression")

// Filter is a compiled include or exclude expression. Expressions wrapped in
// square brackets are regular expressions, everything else is a glob.
type Filter struct {
	Include    bool
	Expression string

	glob  glob.Glob
	regex *regexp.Regexp
}

// isRegexFilter reports whether expr uses the bracketed regex form.
func isRegexFilter(expr string) bool {
	return len(expr) >= 2 && strings.HasPrefix(expr, "[") && strings.HasSuffix(expr, "]")
}

// CompileFilter expands symbolic folders in expr and compiles it.
func CompileFilter(include bool, expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}

	f := &Filter{Include: include}

	if isRegexFilter(expr) {
		f.Expression = "[" + ExpandRegex(expr[1:len(expr)-1]) + "]"
		re, err := regexp.Compile(f.Expression[1 : len(f.Expression)-1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, expr, err)
		}
		f.regex = re
		return f, nil
	}

	f.Expression = ExpandPath(expr)
	g, err := glob.Compile(f.Expression, '/')
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFilter, expr, err)
	}
	f.glob = g

	return f, nil
}

// Match reports whether path is matched by the expression, regardless of
// the include flag.
func (f *Filter) Match(path string) bool {
	if f.regex != nil {
		return f.regex.MatchString(path)
	}
	return f.glob.Match(path)
}

// String renders the filter in the "+expr" / "-expr" form.
func (f *Filter) String() string {
	if f.Include {
		return "+" + f.Expression
	}
	return "-" + f.Expression
}
