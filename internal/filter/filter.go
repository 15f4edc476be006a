// Package filter selects inventoried instances by engine and tags.
package filter

import (
	"fmt"
	"strings"

	"github.com/yairfalse/dbsentry/pkg/inventory"
)

// Filter controls which engines and tagged instances are included.
type Filter struct {
	excludeEngines map[string]bool
	includeTags    map[string]string
	excludeTags    map[string]string
}

// New creates a Filter. Engine names are matched case-insensitively.
func New(excludeEngines []string, includeTags, excludeTags map[string]string) *Filter {
	engines := make(map[string]bool, len(excludeEngines))
	for _, e := range excludeEngines {
		engines[strings.ToLower(e)] = true
	}

	return &Filter{
		excludeEngines: engines,
		includeTags:    includeTags,
		excludeTags:    excludeTags,
	}
}

// Match reports whether the record passes the engine and tag filters.
// Every include tag must match; any matching exclude tag rejects.
func (f *Filter) Match(r inventory.InstanceRecord) bool {
	if f.excludeEngines[strings.ToLower(r.Engine)] {
		return false
	}
	for k, v := range f.includeTags {
		if got, ok := r.Tags[k]; !ok || got != v {
			return false
		}
	}
	for k, v := range f.excludeTags {
		if got, ok := r.Tags[k]; ok && got == v {
			return false
		}
	}
	return true
}

// Apply returns the records that match, in their original order.
func (f *Filter) Apply(records []inventory.InstanceRecord) []inventory.InstanceRecord {
	if f.IsEmpty() {
		return records
	}

	out := make([]inventory.InstanceRecord, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeEngines) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}

// ParseTags parses "key=value" pairs as given on the command line.
func ParseTags(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid tag %q: want key=value", p)
		}
		tags[k] = v
	}
	return tags, nil
}
