// Package filter decides which discovered functions a run touches.
package filter

import (
	"fmt"
	"regexp"
)

// Filter controls which functions to instrument based on name and tags.
type Filter struct {
	namePattern *regexp.Regexp
	includeTags map[string]string
	excludeTags map[string]string
}

// New creates a new Filter from the provided configuration.
func New(namePattern string, includeTags, excludeTags map[string]string) (*Filter, error) {
	f := &Filter{
		includeTags: includeTags,
		excludeTags: excludeTags,
	}

	if namePattern != "" {
		re, err := regexp.Compile(namePattern)
		if err != nil {
			return nil, fmt.Errorf("compile name pattern: %w", err)
		}
		f.namePattern = re
	}

	return f, nil
}

// MatchesName returns true if the function name passes the name pattern.
func (f *Filter) MatchesName(name string) bool {
	if f.namePattern == nil {
		return true
	}
	return f.namePattern.MatchString(name)
}

// MatchesTags returns true if the function's tags pass the tag filters.
func (f *Filter) MatchesTags(tags map[string]string) bool {
	// Check include tags (whitelist) - ALL must match
	if len(f.includeTags) > 0 {
		for k, v := range f.includeTags {
			if tags == nil || tags[k] != v {
				return false
			}
		}
	}

	// Check exclude tags (blacklist) - ANY match excludes
	if len(f.excludeTags) > 0 {
		for k, v := range f.excludeTags {
			if tags != nil && tags[k] == v {
				return false
			}
		}
	}

	return true
}

// FilterNames returns only function names that pass the name pattern.
func (f *Filter) FilterNames(names []string) []string {
	if f.namePattern == nil {
		return names
	}

	filtered := make([]string, 0, len(names))
	for _, name := range names {
		if f.MatchesName(name) {
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// NeedsTags returns true if tag filters are configured and tags must be
// fetched before filtering.
func (f *Filter) NeedsTags() bool {
	return len(f.includeTags) > 0 || len(f.excludeTags) > 0
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return f.namePattern == nil && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
