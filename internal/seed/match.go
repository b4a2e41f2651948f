package seed

import (
	"fmt"
	"regexp"
	"strings"
)

// Rules select which feed entries become items. Patterns prefixed with
// "re:" are case-insensitive regular expressions; anything else is a
// case-insensitive substring.
type Rules struct {
	Include []string
	Exclude []string
}

type matcher func(text string) bool

func compile(pattern string) (matcher, error) {
	if expr, ok := strings.CutPrefix(pattern, "re:"); ok {
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
		}
		return re.MatchString, nil
	}
	word := strings.ToLower(pattern)
	return func(text string) bool { return strings.Contains(strings.ToLower(text), word) }, nil
}

// Compile validates the rules and returns a predicate over an entry's
// title and description. Includes use OR logic, excludes use AND NOT.
// Empty rules accept everything.
func (r Rules) Compile() (func(title, description string) bool, error) {
	includes := make([]matcher, 0, len(r.Include))
	for _, p := range r.Include {
		m, err := compile(p)
		if err != nil {
			return nil, err
		}
		includes = append(includes, m)
	}
	excludes := make([]matcher, 0, len(r.Exclude))
	for _, p := range r.Exclude {
		m, err := compile(p)
		if err != nil {
			return nil, err
		}
		excludes = append(excludes, m)
	}

	return func(title, description string) bool {
		text := title + " " + description
		for _, m := range excludes {
			if m(text) {
				return false
			}
		}
		if len(includes) == 0 {
			return true
		}
		for _, m := range includes {
			if m(text) {
				return true
			}
		}
		return false
	}, nil
}
