// Package fleet holds the pure bookkeeping of a bulk instrumentation run:
// partitioning target identifiers by region and reconciling layer lists.
// Nothing in this package touches the network.
package fleet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yairfalse/mittari/arn"
)

// RegionGroups partitions function identifiers by region. Identifiers keep
// the relative order they had in the input.
type RegionGroups map[string][]string

// Regions returns the group keys sorted for deterministic iteration.
func (g RegionGroups) Regions() []string {
	regions := make([]string, 0, len(g))
	for region := range g {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// Size returns the total number of identifiers across all groups.
func (g RegionGroups) Size() int {
	n := 0
	for _, ids := range g {
		n += len(ids)
	}
	return n
}

// GroupingError reports every identifier whose region could not be
// resolved, so the caller gets one actionable failure instead of N.
type GroupingError struct {
	Identifiers []string
}

func (e *GroupingError) Error() string {
	return fmt.Sprintf("no region found for [%s]: pass a default region or use full function ARNs",
		strings.Join(e.Identifiers, ", "))
}

// GroupByRegion partitions identifiers into per-region batches. An
// identifier without a region segment falls back to defaultRegion. When
// any identifier remains unresolved the whole grouping fails with a
// GroupingError naming all offenders, before any group is produced.
func GroupByRegion(identifiers []string, defaultRegion string) (RegionGroups, error) {
	groups := make(RegionGroups)
	var regionless []string
	for _, identifier := range identifiers {
		region := arn.Region(identifier)
		if region == "" {
			region = defaultRegion
		}
		if region == "" {
			regionless = append(regionless, identifier)
			continue
		}
		groups[region] = append(groups[region], identifier)
	}
	if len(regionless) > 0 {
		return nil, &GroupingError{Identifiers: regionless}
	}
	return groups, nil
}
