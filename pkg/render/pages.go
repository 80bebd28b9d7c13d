// Folio's directory documents treat every image file of a directory as a page. Which files count as pages is decided
// by glob patterns; the following module implements the page matching.

package render

import (
	"fmt"
	"iter"
	"strings"

	"v.io/v23/glob"
)

// PageMatcher matches file names against a list of glob patterns.
type PageMatcher struct {
	patterns []*glob.Glob
}

// NewPageMatcher parses a comma separated list of glob patterns, e.g. "*.png,*.jpg".
func NewPageMatcher(patterns string) (*PageMatcher, error) {
	matcher := &PageMatcher{}
	for pattern := range strings.SplitSeq(patterns, ",") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		parsedPattern, err := glob.Parse(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid page pattern %q: %w", pattern, err)
		}
		matcher.patterns = append(matcher.patterns, parsedPattern)
	}
	if len(matcher.patterns) == 0 {
		return nil, fmt.Errorf("no page pattern in %q", patterns)
	}
	return matcher, nil
}

// Match returns true if `name` matches any of the patterns. Matching is case-insensitive on the name.
func (m *PageMatcher) Match(name string) bool {
	lowered := strings.ToLower(name)
	for _, pattern := range m.patterns {
		if pattern.Head().Match(name) || pattern.Head().Match(lowered) {
			return true
		}
	}
	return false
}

// Filter yields the names of `names` that match.
func (m *PageMatcher) Filter(names iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for name := range names {
			if m.Match(name) {
				if !yield(name) {
					return
				}
			}
		}
	}
}
