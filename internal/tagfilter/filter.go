// Package tagfilter decides which resource groups are synced based on
// their tags, and renders the matching pushdown clause for Resource Graph
// queries so filtering happens server-side whenever possible.
package tagfilter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TagFilters holds include and exclude tag predicates for resource groups.
// Include uses AND semantics: every key must be present with a matching
// value. Exclude uses OR semantics: any single match excludes the group.
// All comparisons are case-insensitive.
type TagFilters struct {
	Include map[string]string `json:"include,omitempty"`
	Exclude map[string]string `json:"exclude,omitempty"`
}

// HasFilters reports whether any predicate is configured.
func (f TagFilters) HasFilters() bool {
	return len(f.Include) > 0 || len(f.Exclude) > 0
}

// Match evaluates the predicates against a tag set. An empty include set
// passes everything; exclusion always wins over inclusion.
func (f TagFilters) Match(tags map[string]string) bool {
	if len(f.Include) > 0 {
		for k, v := range f.Include {
			if !tagMatches(tags, k, v) {
				return false
			}
		}
	}

	for k, v := range f.Exclude {
		if tagMatches(tags, k, v) {
			return false
		}
	}

	return true
}

func tagMatches(tags map[string]string, key, value string) bool {
	for k, v := range tags {
		if strings.EqualFold(k, key) && strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// KQLClause renders the filter as a `| where ...` pipeline stage over the
// named tag column (`tags` for container queries, `rgTags` for resource
// queries that join the owning group's tags). Returns the empty string
// when no filters are configured. The =~ operator gives the same
// case-insensitive semantics as Match.
func (f TagFilters) KQLClause(column string) string {
	if !f.HasFilters() {
		return ""
	}

	var conditions []string

	if include := buildTagConditions(column, f.Include); len(include) > 0 {
		conditions = append(conditions, "("+strings.Join(include, " and ")+")")
	}
	if exclude := buildTagConditions(column, f.Exclude); len(exclude) > 0 {
		conditions = append(conditions, "not ("+strings.Join(exclude, " or ")+")")
	}

	return "| where " + strings.Join(conditions, " and ")
}

func buildTagConditions(column string, filters map[string]string) []string {
	if len(filters) == 0 {
		return nil
	}

	// Deterministic clause order so query text is stable across runs.
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]string, 0, len(keys))
	for _, k := range keys {
		conditions = append(conditions, fmt.Sprintf(
			"tostring(%s['%s']) =~ '%s'", column, escapeKQL(k), escapeKQL(filters[k]),
		))
	}
	return conditions
}

// escapeKQL doubles single quotes so tag keys and values cannot break out
// of the string literal in the rendered clause.
func escapeKQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// Parse decodes the RESOURCE_GROUP_TAG_FILTERS JSON document. A malformed
// document yields empty filters and an error; callers degrade to no
// filtering rather than aborting the run.
func Parse(raw string) (TagFilters, error) {
	if strings.TrimSpace(raw) == "" {
		return TagFilters{}, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return TagFilters{}, fmt.Errorf("parse tag filters: %w", err)
	}

	var f TagFilters
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return TagFilters{}, fmt.Errorf("parse tag filters: %w", err)
	}

	for key := range probe {
		if key != "include" && key != "exclude" {
			return TagFilters{}, fmt.Errorf("parse tag filters: unknown key %q", key)
		}
	}

	if f.Include == nil {
		f.Include = map[string]string{}
	}
	if f.Exclude == nil {
		f.Exclude = map[string]string{}
	}

	return f, nil
}
