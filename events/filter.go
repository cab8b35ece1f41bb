package events

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events by kind using glob patterns
type GlobFilter struct {
	kindGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything.
func NewGlobFilter(kindPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		kindGlobs: make([]glob.Glob, 0, len(kindPatterns)),
	}

	for _, pattern := range kindPatterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid kind pattern %q: %w", pattern, err)
		}
		filter.kindGlobs = append(filter.kindGlobs, g)
	}

	return filter, nil
}

// Match returns true if the event kind matches the configured patterns.
// If no patterns are configured, all events match.
func (f *GlobFilter) Match(kind string) bool {
	if len(f.kindGlobs) == 0 {
		return true
	}

	for _, g := range f.kindGlobs {
		if g.Match(kind) {
			return true
		}
	}

	return false
}
