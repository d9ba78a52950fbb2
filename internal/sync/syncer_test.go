package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/port-labs/incremental-sync/internal/azure"
	"github.com/port-labs/incremental-sync/internal/config"
	"github.com/port-labs/incremental-sync/internal/port"
)

type fakeLister struct {
	subscriptions []azure.Subscription
	err           error
}

func (f *fakeLister) ListSubscriptions(context.Context) ([]azure.Subscription, error) {
	return f.subscriptions, f.err
}

type queryCall struct {
	query           string
	subscriptionIDs []string
}

type fakeQuerier struct {
	calls []queryCall
	// rowsFor maps a table name substring to the pages returned for
	// queries over that table.
	rowsFor map[string][][]azure.Row
	err     error
}

func (f *fakeQuerier) QueryPages(_ context.Context, query string, subscriptionIDs []string, fn func([]azure.Row) error) error {
	f.calls = append(f.calls, queryCall{query: query, subscriptionIDs: subscriptionIDs})
	if f.err != nil {
		return f.err
	}
	for table, pages := range f.rowsFor {
		if strings.HasPrefix(query, table) {
			for _, page := range pages {
				if err := fn(page); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return fn(nil)
}

type fakeForwarder struct {
	batches [][]port.Record
	err     error
}

func (f *fakeForwarder) SendBatch(_ context.Context, records []port.Record) error {
	copied := make([]port.Record, len(records))
	copy(copied, records)
	f.batches = append(f.batches, copied)
	return f.err
}

func (f *fakeForwarder) all() []port.Record {
	var out []port.Record
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeForwarder) byKind(kind port.Kind) []port.Record {
	var out []port.Record
	for _, r := range f.all() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func defaultSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Mode:                  config.SyncModeIncremental,
		SubscriptionBatchSize: 1000,
		ChangeWindowMinutes:   15,
	}
}

func newTestSyncer(lister *fakeLister, querier *fakeQuerier, forwarder *fakeForwarder, cfg config.SyncConfig) *Syncer {
	return New(lister, querier, forwarder, cfg, zerolog.Nop(), nil)
}

func TestRun_UpsertsSubscriptions(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{
		{ID: "sub-1", DisplayName: "Production"},
		{ID: "sub-2", DisplayName: "Staging"},
	}}
	querier := &fakeQuerier{}
	forwarder := &fakeForwarder{}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	subs := forwarder.byKind(port.KindSubscription)
	require.Len(t, subs, 2)
	assert.Equal(t, port.OperationUpsert, subs[0].Operation)
	assert.Equal(t, "sub-1", subs[0].ID)
}

func TestRun_NoSubscriptions(t *testing.T) {
	lister := &fakeLister{}
	querier := &fakeQuerier{}
	forwarder := &fakeForwarder{}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	assert.Empty(t, querier.calls)
	assert.Empty(t, forwarder.batches)
}

func TestRun_ListError(t *testing.T) {
	lister := &fakeLister{err: errors.New("forbidden")}

	syncer := newTestSyncer(lister, &fakeQuerier{}, &fakeForwarder{}, defaultSyncConfig())
	err := syncer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover subscriptions")
}

func TestRun_IncrementalForwardsChanges(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	querier := &fakeQuerier{rowsFor: map[string][][]azure.Row{
		"resourcechanges": {{
			{"resourceId": "/subscriptions/sub-1/rg/a/vm1", "changeType": "Create", "name": "vm1"},
			{"resourceId": "/subscriptions/sub-1/rg/a/vm2", "changeType": "Delete"},
		}},
		"resourcecontainerchanges": {{
			{"resourceId": "/subscriptions/sub-1/resourcegroups/a", "changeType": "Update", "name": "a"},
		}},
	}}
	forwarder := &fakeForwarder{}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	resources := forwarder.byKind(port.KindResource)
	require.Len(t, resources, 2)
	assert.Equal(t, port.OperationUpsert, resources[0].Operation)
	assert.Equal(t, port.OperationDelete, resources[1].Operation)

	// Delete records carry only the identifier.
	data, ok := resources[1].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"resourceId": "/subscriptions/sub-1/rg/a/vm2"}, data)

	containers := forwarder.byKind(port.KindResourceContainer)
	require.Len(t, containers, 1)
	assert.Equal(t, port.OperationUpsert, containers[0].Operation)
}

func TestRun_ForwardingSameChangeTwiceProducesSameRecords(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	row := azure.Row{"resourceId": "/subscriptions/sub-1/rg/a/vm1", "changeType": "Update", "name": "vm1"}
	querier := &fakeQuerier{rowsFor: map[string][][]azure.Row{
		"resourcechanges": {{row}, {row}},
	}}
	forwarder := &fakeForwarder{}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	resources := forwarder.byKind(port.KindResource)
	require.Len(t, resources, 2)
	assert.Equal(t, resources[0], resources[1])
}

func TestRun_FullModeUsesInventoryQueries(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	querier := &fakeQuerier{}
	forwarder := &fakeForwarder{}

	cfg := defaultSyncConfig()
	cfg.Mode = config.SyncModeFull

	syncer := newTestSyncer(lister, querier, forwarder, cfg)
	require.NoError(t, syncer.Run(context.Background()))

	require.Len(t, querier.calls, 2)
	for _, call := range querier.calls {
		assert.NotContains(t, call.query, "changes")
	}
}

func TestRun_BatchesSubscriptions(t *testing.T) {
	var subs []azure.Subscription
	for i := 0; i < 5; i++ {
		subs = append(subs, azure.Subscription{ID: fmt.Sprintf("sub-%d", i)})
	}
	lister := &fakeLister{subscriptions: subs}
	querier := &fakeQuerier{}
	forwarder := &fakeForwarder{}

	cfg := defaultSyncConfig()
	cfg.SubscriptionBatchSize = 2

	syncer := newTestSyncer(lister, querier, forwarder, cfg)
	require.NoError(t, syncer.Run(context.Background()))

	// Two queries (containers + resources) per batch of at most two.
	require.Len(t, querier.calls, 6)
	for _, call := range querier.calls {
		assert.LessOrEqual(t, len(call.subscriptionIDs), 2)
	}
	assert.Equal(t, []string{"sub-0", "sub-1"}, querier.calls[0].subscriptionIDs)
	assert.Equal(t, []string{"sub-4"}, querier.calls[4].subscriptionIDs)
}

func TestRun_FlushesEveryHundredRecords(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}

	var rows []azure.Row
	for i := 0; i < 250; i++ {
		rows = append(rows, azure.Row{
			"resourceId": fmt.Sprintf("/subscriptions/sub-1/rg/a/vm%d", i),
			"changeType": "Create",
		})
	}
	querier := &fakeQuerier{rowsFor: map[string][][]azure.Row{
		"resourcechanges": {rows},
	}}
	forwarder := &fakeForwarder{}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	var resourceBatches [][]port.Record
	for _, b := range forwarder.batches {
		if len(b) > 0 && b[0].Kind == port.KindResource {
			resourceBatches = append(resourceBatches, b)
		}
	}
	require.Len(t, resourceBatches, 3)
	assert.Len(t, resourceBatches[0], 100)
	assert.Len(t, resourceBatches[1], 100)
	assert.Len(t, resourceBatches[2], 50)
}

func TestRun_SkipsRowsWithoutResourceID(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	querier := &fakeQuerier{rowsFor: map[string][][]azure.Row{
		"resourcechanges": {{
			{"changeType": "Create", "name": "orphan"},
			{"resourceId": "/subscriptions/sub-1/rg/a/vm1", "changeType": "Create"},
		}},
	}}
	forwarder := &fakeForwarder{}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	assert.Len(t, forwarder.byKind(port.KindResource), 1)
}

func TestRun_ForwardErrorDoesNotAbort(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	querier := &fakeQuerier{rowsFor: map[string][][]azure.Row{
		"resourcechanges": {{
			{"resourceId": "/subscriptions/sub-1/rg/a/vm1", "changeType": "Create"},
		}},
	}}
	forwarder := &fakeForwarder{err: errors.New("webhook down")}

	syncer := newTestSyncer(lister, querier, forwarder, defaultSyncConfig())
	require.NoError(t, syncer.Run(context.Background()))

	assert.Positive(t, syncer.ForwardErrors())
}

func TestRun_QueryErrorAborts(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	querier := &fakeQuerier{err: errors.New("query throttled")}

	syncer := newTestSyncer(lister, querier, &fakeForwarder{}, defaultSyncConfig())
	err := syncer.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query throttled")
}

func TestRun_MalformedTagFiltersAreNotPushedDown(t *testing.T) {
	lister := &fakeLister{subscriptions: []azure.Subscription{{ID: "sub-1"}}}
	querier := &fakeQuerier{}
	forwarder := &fakeForwarder{}

	cfg := defaultSyncConfig()
	cfg.TagFilterErr = errors.New("parse tag filters: bad json")

	syncer := newTestSyncer(lister, querier, forwarder, cfg)
	require.NoError(t, syncer.Run(context.Background()))

	for _, call := range querier.calls {
		assert.NotContains(t, call.query, "tags[")
	}
}
