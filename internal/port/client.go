// Package port forwards sync records to the Port webhook ingestion
// endpoint.
package port

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/port-labs/incremental-sync/internal/config"
)

// Operation tells the webhook mapping how to route a record.
type Operation string

const (
	OperationUpsert Operation = "upsert"
	OperationDelete Operation = "delete"
)

// Kind is the payload type discriminator the catalog maps on.
type Kind string

const (
	KindResource          Kind = "resource"
	KindResourceContainer Kind = "resourceContainer"
	KindSubscription      Kind = "subscription"
)

// Record is one normalized change destined for the catalog. ID is only
// used for logging; the catalog extracts its identifier from Data.
type Record struct {
	ID        string
	Kind      Kind
	Operation Operation
	Data      any
}

// envelope is the wire format the webhook mapping matches on.
type envelope struct {
	Data      any       `json:"data"`
	Operation Operation `json:"operation"`
	Type      Kind      `json:"type"`
}

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxAttempts = 3
	defaultRetryWait   = time.Second
	// maxInFlight bounds concurrent webhook posts per batch.
	maxInFlight = 25
)

// Client posts records to the webhook ingestion URL.
type Client struct {
	httpClient  *http.Client
	url         string
	logger      zerolog.Logger
	maxAttempts uint64
	retryWait   time.Duration
}

// NewClient builds a webhook client from config.
func NewClient(cfg config.WebhookConfig, logger zerolog.Logger) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		url:         IngestURL(cfg.IngestURL, cfg.Secret),
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		retryWait:   defaultRetryWait,
	}
}

// IngestURL joins the webhook secret onto the ingest URL when the URL does
// not already end with it, so both the bare ingest root and a fully formed
// URL are accepted.
func IngestURL(base, secret string) string {
	base = strings.TrimRight(base, "/")
	if secret == "" || strings.HasSuffix(base, "/"+secret) {
		return base
	}
	return base + "/" + secret
}

// Send posts a single record, retrying transient failures with a constant
// backoff. The catalog upserts by identifier, so resending the same record
// is safe.
func (c *Client) Send(ctx context.Context, record Record) error {
	body, err := json.Marshal(envelope{
		Data:      record.Data,
		Operation: record.Operation,
		Type:      record.Kind,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	c.logger.Debug().
		Str("operation", string(record.Operation)).
		Str("type", string(record.Kind)).
		Str("id", record.ID).
		Msg("sending webhook record")

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), c.maxAttempts-1),
		ctx)

	err = backoff.Retry(func() error {
		return c.post(ctx, body)
	}, policy)
	if err != nil {
		return fmt.Errorf("send %s %s %q: %w", record.Operation, record.Kind, record.ID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(snippet))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	return nil
}

// SendBatch posts records concurrently with a bounded number in flight.
// All records are attempted; the first error is returned.
func (c *Client) SendBatch(ctx context.Context, records []Record) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(maxInFlight)

	for _, record := range records {
		group.Go(func() error {
			if err := c.Send(ctx, record); err != nil {
				c.logger.Error().Err(err).
					Str("operation", string(record.Operation)).
					Str("type", string(record.Kind)).
					Str("id", record.ID).
					Msg("webhook send failed")
				return err
			}
			return nil
		})
	}

	return group.Wait()
}
