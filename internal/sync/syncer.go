// Package sync orchestrates a single Azure-to-catalog sync run:
// subscription discovery, batched change queries, and webhook forwarding.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/port-labs/incremental-sync/internal/azure"
	"github.com/port-labs/incremental-sync/internal/config"
	"github.com/port-labs/incremental-sync/internal/port"
)

// flushSize is how many records accumulate before a webhook batch is sent.
const flushSize = 100

// changeTypeDelete is the Resource Graph change type that maps to a
// catalog delete; every other change type upserts.
const changeTypeDelete = "Delete"

// Forwarder delivers records to the catalog.
type Forwarder interface {
	SendBatch(ctx context.Context, records []port.Record) error
}

// Metrics receives counters from a run. The telemetry provider implements
// this; tests use the noop.
type Metrics interface {
	RecordSubscriptions(ctx context.Context, count int)
	RecordForwarded(ctx context.Context, kind port.Kind, operation port.Operation, count int)
	RecordForwardErrors(ctx context.Context, kind port.Kind, count int)
	RecordRunDuration(ctx context.Context, mode string, d time.Duration)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordSubscriptions(context.Context, int)                        {}
func (NoopMetrics) RecordForwarded(context.Context, port.Kind, port.Operation, int) {}
func (NoopMetrics) RecordForwardErrors(context.Context, port.Kind, int)             {}
func (NoopMetrics) RecordRunDuration(context.Context, string, time.Duration)        {}

// Syncer runs the sync pipeline.
type Syncer struct {
	lister    azure.SubscriptionLister
	querier   azure.GraphQuerier
	forwarder Forwarder
	cfg       config.SyncConfig
	logger    zerolog.Logger
	metrics   Metrics

	// forwardErrors counts records that failed after retries during the
	// current run. The run continues; the next scheduled run repairs.
	forwardErrors int
}

// New builds a Syncer. Pass nil metrics to disable instrumentation.
func New(lister azure.SubscriptionLister, querier azure.GraphQuerier, forwarder Forwarder, cfg config.SyncConfig, logger zerolog.Logger, metrics Metrics) *Syncer {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Syncer{
		lister:    lister,
		querier:   querier,
		forwarder: forwarder,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Run executes one sync pass. Query and discovery failures abort the run;
// forward failures are counted and logged but do not stop it, since the
// scheduler re-runs the job and upserts are idempotent.
func (s *Syncer) Run(ctx context.Context) error {
	start := time.Now()
	s.forwardErrors = 0

	if s.cfg.TagFilterErr != nil {
		s.logger.Warn().Err(s.cfg.TagFilterErr).
			Msg("ignoring malformed RESOURCE_GROUP_TAG_FILTERS, syncing without tag filtering")
	}
	if s.cfg.ResourceGroupFilters.HasFilters() {
		s.logger.Info().
			Interface("include", s.cfg.ResourceGroupFilters.Include).
			Interface("exclude", s.cfg.ResourceGroupFilters.Exclude).
			Msg("resource group tag filtering enabled")
	}

	subscriptions, err := s.lister.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("discover subscriptions: %w", err)
	}
	s.metrics.RecordSubscriptions(ctx, len(subscriptions))

	if len(subscriptions) == 0 {
		s.logger.Warn().Msg("no subscriptions visible to credential, nothing to sync")
		return nil
	}

	for _, batch := range Chunk(subscriptions, s.cfg.SubscriptionBatchSize) {
		s.logger.Info().
			Int("subscriptions", len(batch)).
			Str("mode", string(s.cfg.Mode)).
			Msg("processing subscription batch")

		s.upsertSubscriptions(ctx, batch)

		ids := make([]string, 0, len(batch))
		for _, sub := range batch {
			ids = append(ids, sub.ID)
		}

		if err := s.syncContainers(ctx, ids); err != nil {
			return err
		}
		if err := s.syncResources(ctx, ids); err != nil {
			return err
		}
	}

	duration := time.Since(start)
	s.metrics.RecordRunDuration(ctx, string(s.cfg.Mode), duration)
	s.logger.Info().
		Dur("duration", duration).
		Int("forward_errors", s.forwardErrors).
		Msg("sync run completed")
	return nil
}

// ForwardErrors returns how many records failed to forward during the last
// run.
func (s *Syncer) ForwardErrors() int {
	return s.forwardErrors
}

func (s *Syncer) upsertSubscriptions(ctx context.Context, subscriptions []azure.Subscription) {
	records := make([]port.Record, 0, len(subscriptions))
	for _, sub := range subscriptions {
		records = append(records, port.Record{
			ID:        sub.ID,
			Kind:      port.KindSubscription,
			Operation: port.OperationUpsert,
			Data:      sub,
		})
	}
	s.logger.Info().Int("count", len(records)).Msg("upserting subscriptions")
	s.forward(ctx, port.KindSubscription, records)
}

func (s *Syncer) syncContainers(ctx context.Context, subscriptionIDs []string) error {
	query := azure.ContainerInventoryQuery(s.queryOptions())
	if s.cfg.Mode == config.SyncModeIncremental {
		query = azure.ContainerChangesQuery(s.queryOptions())
	}
	return s.syncRows(ctx, port.KindResourceContainer, query, subscriptionIDs)
}

func (s *Syncer) syncResources(ctx context.Context, subscriptionIDs []string) error {
	query := azure.ResourceInventoryQuery(s.queryOptions())
	if s.cfg.Mode == config.SyncModeIncremental {
		query = azure.ResourceChangesQuery(s.queryOptions())
	}
	return s.syncRows(ctx, port.KindResource, query, subscriptionIDs)
}

func (s *Syncer) syncRows(ctx context.Context, kind port.Kind, query string, subscriptionIDs []string) error {
	pending := make([]port.Record, 0, flushSize)

	err := s.querier.QueryPages(ctx, query, subscriptionIDs, func(rows []azure.Row) error {
		s.logger.Info().
			Str("type", string(kind)).
			Int("rows", len(rows)).
			Msg("received change page")

		for _, row := range rows {
			record, ok := s.toRecord(kind, row)
			if !ok {
				continue
			}
			pending = append(pending, record)
			if len(pending) >= flushSize {
				s.forward(ctx, kind, pending)
				pending = pending[:0]
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sync %s: %w", kind, err)
	}

	s.forward(ctx, kind, pending)
	return nil
}

// toRecord maps a query row to a webhook record. Deletions carry only the
// resource identifier; everything else upserts the full row.
func (s *Syncer) toRecord(kind port.Kind, row azure.Row) (port.Record, bool) {
	id := row.Str("resourceId")
	if id == "" {
		s.logger.Debug().Str("type", string(kind)).Msg("skipping row without resourceId")
		return port.Record{}, false
	}

	if row.Str("changeType") == changeTypeDelete {
		return port.Record{
			ID:        id,
			Kind:      kind,
			Operation: port.OperationDelete,
			Data:      map[string]any{"resourceId": id},
		}, true
	}

	return port.Record{
		ID:        id,
		Kind:      kind,
		Operation: port.OperationUpsert,
		Data:      map[string]any(row),
	}, true
}

func (s *Syncer) forward(ctx context.Context, kind port.Kind, records []port.Record) {
	if len(records) == 0 {
		return
	}

	upserts, deletes := 0, 0
	for _, r := range records {
		if r.Operation == port.OperationDelete {
			deletes++
		} else {
			upserts++
		}
	}

	if err := s.forwarder.SendBatch(ctx, records); err != nil {
		s.forwardErrors += len(records)
		s.metrics.RecordForwardErrors(ctx, kind, len(records))
		s.logger.Error().Err(err).
			Str("type", string(kind)).
			Int("records", len(records)).
			Msg("batch forward failed, continuing")
		return
	}

	if upserts > 0 {
		s.metrics.RecordForwarded(ctx, kind, port.OperationUpsert, upserts)
	}
	if deletes > 0 {
		s.metrics.RecordForwarded(ctx, kind, port.OperationDelete, deletes)
	}
}

func (s *Syncer) queryOptions() azure.QueryOptions {
	opts := azure.QueryOptions{
		WindowMinutes: s.cfg.ChangeWindowMinutes,
		ResourceTypes: s.cfg.ResourceTypes,
	}
	if s.cfg.TagFilterErr == nil {
		opts.TagFilters = s.cfg.ResourceGroupFilters
	}
	return opts
}
