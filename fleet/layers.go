package fleet

import (
	"fmt"
	"slices"
	"strings"
)

// MergeLayerReference reconciles a desired layer version into an existing
// layer list. An empty full reference leaves the list unchanged, as does a
// full reference that is already present. Otherwise every stale entry
// sharing the family prefix is removed and the full reference appended,
// preserving the relative order of unrelated entries.
func MergeLayerReference(full, familyPrefix string, layers []string) []string {
	if full == "" {
		return layers
	}
	if slices.Contains(layers, full) {
		return layers
	}
	merged := make([]string, 0, len(layers)+1)
	for _, layer := range layers {
		if strings.HasPrefix(layer, familyPrefix) {
			continue
		}
		merged = append(merged, layer)
	}
	return append(merged, full)
}

// RemoveLayerFamily drops every layer whose ARN starts with the family
// prefix, preserving the order of the rest.
func RemoveLayerFamily(familyPrefix string, layers []string) []string {
	kept := make([]string, 0, len(layers))
	for _, layer := range layers {
		if strings.HasPrefix(layer, familyPrefix) {
			continue
		}
		kept = append(kept, layer)
	}
	return kept
}

// LayerFamilyARN builds the version-independent ARN prefix shared by all
// versions of a layer family.
func LayerFamilyARN(region, account, name string) string {
	return fmt.Sprintf("arn:aws:lambda:%s:%s:layer:%s", region, account, name)
}

// LayerVersionARN builds the full ARN of one specific layer version.
func LayerVersionARN(region, account, name string, version int) string {
	return fmt.Sprintf("%s:%d", LayerFamilyARN(region, account, name), version)
}
