package azure

import (
	"fmt"
	"strings"

	"github.com/port-labs/incremental-sync/internal/tagfilter"
)

// QueryOptions carries the tunables that shape the generated KQL.
type QueryOptions struct {
	// WindowMinutes bounds change queries to a trailing window.
	WindowMinutes int
	// ResourceTypes restricts resource queries to an allowlist of types.
	ResourceTypes []string
	// TagFilters is pushed down into every query. Container queries
	// evaluate it over the container's own tags; resource queries join
	// the owning group's tags in as rgTags and evaluate it there.
	TagFilters tagfilter.TagFilters
}

// ResourceChangesQuery returns the incremental query over the
// resourcechanges table, joined against the live inventory for metadata
// and against resourcecontainers for the owning group's tags. Changes are
// deduplicated per resource id, keeping the latest, and returned oldest
// first so replays converge on the newest state.
func ResourceChangesQuery(opts QueryOptions) string {
	var b strings.Builder
	b.WriteString("resourcechanges\n")
	b.WriteString("| extend changeTime=todatetime(properties.changeAttributes.timestamp)\n")
	b.WriteString("| extend targetResourceId=tostring(properties.targetResourceId)\n")
	b.WriteString("| extend changeType=tostring(properties.changeType)\n")
	b.WriteString("| extend changedProperties=properties.changes\n")
	b.WriteString("| project-away tags, name, type\n")
	b.WriteString("| extend type=tostring(properties.targetResourceType)\n")
	b.WriteString("| extend changeCount=properties.changeAttributes.changesCount\n")
	b.WriteString("| extend resourceId=tolower(targetResourceId)\n")
	fmt.Fprintf(&b, "| where changeTime > ago(%dm)\n", opts.WindowMinutes)
	writeTypeClause(&b, opts.ResourceTypes)
	b.WriteString("| summarize arg_max(changeTime, *) by resourceId\n")
	b.WriteString("| join kind=leftouter (\n")
	b.WriteString("    resources\n")
	b.WriteString("    | extend sourceResourceId=tolower(id)\n")
	b.WriteString("    | project sourceResourceId, name, location, tags, subscriptionId, resourceGroup\n")
	b.WriteString("    | extend resourceGroup=tolower(resourceGroup)\n")
	b.WriteString(") on $left.resourceId == $right.sourceResourceId\n")
	writeGroupTagsJoin(&b)
	writeFilterClause(&b, opts.TagFilters, "rgTags")
	b.WriteString("| project subscriptionId, resourceGroup, resourceId, sourceResourceId, name, tags, rgTags, type, location, changeType, changeTime, changedProperties\n")
	b.WriteString("| order by changeTime asc")
	return b.String()
}

// ResourceInventoryQuery returns the full-sync projection over the
// resources table, with the owning group's tags joined in for filtering.
func ResourceInventoryQuery(opts QueryOptions) string {
	var b strings.Builder
	b.WriteString("resources\n")
	b.WriteString("| extend resourceId=tolower(id)\n")
	writeTypeClause(&b, opts.ResourceTypes)
	b.WriteString("| project resourceId, type, name, location, tags, subscriptionId, resourceGroup\n")
	b.WriteString("| extend resourceGroup=tolower(resourceGroup)\n")
	writeGroupTagsJoin(&b)
	writeFilterClause(&b, opts.TagFilters, "rgTags")
	b.WriteString("| project resourceId, type, name, location, tags, subscriptionId, resourceGroup, rgTags")
	return b.String()
}

// ContainerChangesQuery returns the incremental query over the
// resourcecontainerchanges table with the tag filter applied after the
// join, so filtering sees the owning container's tags.
func ContainerChangesQuery(opts QueryOptions) string {
	var b strings.Builder
	b.WriteString("resourcecontainerchanges\n")
	b.WriteString("| extend changeTime=todatetime(properties.changeAttributes.timestamp)\n")
	b.WriteString("| extend resourceType=tostring(properties.targetResourceType)\n")
	b.WriteString("| extend resourceId=tolower(properties.targetResourceId)\n")
	b.WriteString("| extend changeType=tostring(properties.changeType)\n")
	b.WriteString("| extend changes=parse_json(properties.changes)\n")
	b.WriteString("| extend changeAttributes=parse_json(properties.changeAttributes)\n")
	b.WriteString("| project-away tags, name, type\n")
	fmt.Fprintf(&b, "| where changeTime > ago(%dm)\n", opts.WindowMinutes)
	b.WriteString("| summarize arg_max(changeTime, *) by resourceId\n")
	b.WriteString("| join kind=leftouter (\n")
	b.WriteString("    resourcecontainers\n")
	b.WriteString("    | extend sourceResourceId=tolower(id)\n")
	b.WriteString("    | project sourceResourceId, type, name, location, tags, subscriptionId, resourceGroup\n")
	b.WriteString(") on $left.resourceId == $right.sourceResourceId\n")
	writeFilterClause(&b, opts.TagFilters, "tags")
	b.WriteString("| project subscriptionId, resourceGroup, resourceId, sourceResourceId, name, tags, type, location, changeType, changeTime\n")
	b.WriteString("| order by changeTime asc")
	return b.String()
}

// ContainerInventoryQuery returns the full-sync projection over the
// resourcecontainers table.
func ContainerInventoryQuery(opts QueryOptions) string {
	var b strings.Builder
	b.WriteString("resourcecontainers\n")
	b.WriteString("| extend resourceId=tolower(id)\n")
	b.WriteString("| project resourceId, type, name, location, tags, subscriptionId, resourceGroup\n")
	b.WriteString("| extend resourceGroup=tolower(resourceGroup)\n")
	b.WriteString("| extend type=tolower(type)\n")
	writeFilterClause(&b, opts.TagFilters, "tags")
	return strings.TrimRight(b.String(), "\n")
}

func writeTypeClause(b *strings.Builder, types []string) {
	if len(types) == 0 {
		return
	}
	quoted := make([]string, 0, len(types))
	for _, t := range types {
		quoted = append(quoted, "'"+strings.ReplaceAll(t, "'", "''")+"'")
	}
	fmt.Fprintf(b, "| where type in~ (%s)\n", strings.Join(quoted, ", "))
}

// writeGroupTagsJoin exposes the owning resource group's tags as rgTags so
// the tag filter can be evaluated on resource rows.
func writeGroupTagsJoin(b *strings.Builder) {
	b.WriteString("| join kind=leftouter (\n")
	b.WriteString("    resourcecontainers\n")
	b.WriteString("    | where type =~ 'microsoft.resources/subscriptions/resourcegroups'\n")
	b.WriteString("    | project rgSubscriptionId=subscriptionId, rgName=tolower(name), rgTags=tags\n")
	b.WriteString(") on $left.subscriptionId == $right.rgSubscriptionId, $left.resourceGroup == $right.rgName\n")
}

func writeFilterClause(b *strings.Builder, filters tagfilter.TagFilters, column string) {
	if clause := filters.KQLClause(column); clause != "" {
		b.WriteString(clause + "\n")
	}
}
