package processes

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchMode selects how a filter pattern is interpreted.
type MatchMode string

const (
	// MatchRegex treats the pattern as a regular expression source. Patterns
	// that fail to compile are matched literally instead.
	MatchRegex MatchMode = "regex"
	// MatchSubstring treats the pattern as literal text.
	MatchSubstring MatchMode = "substring"
)

// ParseMatchMode converts user input to a MatchMode. Empty input selects MatchRegex.
func ParseMatchMode(value string) (MatchMode, error) {
	switch MatchMode(strings.ToLower(strings.TrimSpace(value))) {
	case "", MatchRegex:
		return MatchRegex, nil
	case MatchSubstring:
		return MatchSubstring, nil
	default:
		return MatchRegex, fmt.Errorf("unsupported match mode %q", value)
	}
}

// FilterOptions tunes Filter. The zero value is regex, case-insensitive.
type FilterOptions struct {
	Mode          MatchMode `json:"mode,omitempty"`
	CaseSensitive bool      `json:"case_sensitive,omitempty"`
}

// FilterResults filters with the default options.
func FilterResults(records []Record, pattern string) []Record {
	return Filter(records, pattern, FilterOptions{})
}

// Filter keeps records whose user or process name matches pattern. An empty
// pattern returns records itself. The input slice is never modified.
func Filter(records []Record, pattern string, opts FilterOptions) []Record {
	if pattern == "" {
		return records
	}

	match := compileMatcher(pattern, opts)
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if match(record.User) || match(record.Name) {
			out = append(out, record)
		}
	}
	return out
}

func compileMatcher(pattern string, opts FilterOptions) func(string) bool {
	if opts.Mode != MatchSubstring {
		source := pattern
		if !opts.CaseSensitive {
			source = "(?i)" + source
		}
		if re, err := regexp.Compile(source); err == nil {
			return re.MatchString
		}
	}

	if opts.CaseSensitive {
		return func(value string) bool {
			return strings.Contains(value, pattern)
		}
	}
	lowered := strings.ToLower(pattern)
	return func(value string) bool {
		return strings.Contains(strings.ToLower(value), lowered)
	}
}
