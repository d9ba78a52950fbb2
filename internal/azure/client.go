// Package azure wraps the Azure SDK clients used by the sync: subscription
// listing and Resource Graph queries.
package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resourcegraph/armresourcegraph"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/port-labs/incremental-sync/internal/config"
)

// Resource Graph throttles per tenant, so queries are gated by a local
// token bucket: a burst of graphQueryBurst, refilled at
// graphQueriesPerSecond.
const (
	graphQueriesPerSecond = 5
	graphQueryBurst       = 10
)

// Row is a single result row from a Resource Graph query.
type Row map[string]any

// Str returns the row value for key as a string, or "" when absent or not
// a string. Graph rows are loosely typed JSON objects.
func (r Row) Str(key string) string {
	v, ok := r[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Subscription is the normalized subscription record forwarded to the
// catalog.
type Subscription struct {
	ID          string            `json:"subscriptionId"`
	DisplayName string            `json:"displayName"`
	State       string            `json:"state"`
	Tags        map[string]string `json:"tags"`
}

// SubscriptionLister enumerates subscriptions visible to the credential.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
}

// GraphQuerier runs a Resource Graph query over a set of subscriptions and
// delivers each page of rows to fn. Returning an error from fn aborts the
// query.
type GraphQuerier interface {
	QueryPages(ctx context.Context, query string, subscriptionIDs []string, fn func(rows []Row) error) error
}

// Client implements SubscriptionLister and GraphQuerier against the Azure
// management plane.
type Client struct {
	subs    *armsubscriptions.Client
	graph   *armresourcegraph.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient builds the ARM clients. Explicit service principal credentials
// are preferred; otherwise the default credential chain (environment,
// workload identity, managed identity, CLI) is used.
func NewClient(cfg config.AzureConfig, logger zerolog.Logger) (*Client, error) {
	cred, err := newCredential(cfg)
	if err != nil {
		return nil, err
	}

	subs, err := armsubscriptions.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create subscriptions client: %w", err)
	}

	graph, err := armresourcegraph.NewClient(cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create resource graph client: %w", err)
	}

	return &Client{
		subs:    subs,
		graph:   graph,
		limiter: rate.NewLimiter(graphQueriesPerSecond, graphQueryBurst),
		logger:  logger,
	}, nil
}

func newCredential(cfg config.AzureConfig) (azcore.TokenCredential, error) {
	if cfg.HasServicePrincipal() {
		cred, err := azidentity.NewClientSecretCredential(
			cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("create client secret credential: %w", err)
		}
		return cred, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create default credential: %w", err)
	}
	return cred, nil
}

// ListSubscriptions pages through every subscription visible to the
// credential and normalizes the records.
func (c *Client) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	c.logger.Info().Msg("listing subscriptions")

	var subscriptions []Subscription
	pager := c.subs.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range page.Value {
			if sub == nil || sub.SubscriptionID == nil {
				continue
			}
			subscriptions = append(subscriptions, normalizeSubscription(sub))
		}
	}

	c.logger.Info().Int("count", len(subscriptions)).Msg("discovered subscriptions")
	return subscriptions, nil
}

func normalizeSubscription(sub *armsubscriptions.Subscription) Subscription {
	out := Subscription{
		ID:   *sub.SubscriptionID,
		Tags: map[string]string{},
	}
	if sub.DisplayName != nil {
		out.DisplayName = *sub.DisplayName
	}
	if sub.State != nil {
		out.State = string(*sub.State)
	}
	for k, v := range sub.Tags {
		if v != nil {
			out.Tags[k] = *v
		}
	}
	return out
}

// QueryPages runs query against the given subscriptions, following the
// skip token until the result set is exhausted. Every page fetch takes a
// token from the rate limiter first.
func (c *Client) QueryPages(ctx context.Context, query string, subscriptionIDs []string, fn func(rows []Row) error) error {
	subs := make([]*string, 0, len(subscriptionIDs))
	for i := range subscriptionIDs {
		subs = append(subs, &subscriptionIDs[i])
	}

	var skipToken *string
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for query slot: %w", err)
		}

		request := armresourcegraph.QueryRequest{
			Query:         to.Ptr(query),
			Subscriptions: subs,
			Options: &armresourcegraph.QueryRequestOptions{
				ResultFormat: to.Ptr(armresourcegraph.ResultFormatObjectArray),
				SkipToken:    skipToken,
			},
		}

		response, err := c.graph.Resources(ctx, request, nil)
		if err != nil {
			return fmt.Errorf("run resource graph query: %w", err)
		}

		rows := decodeRows(response.Data)
		c.logger.Debug().Int("rows", len(rows)).Msg("received query page")
		if err := fn(rows); err != nil {
			return err
		}

		if response.SkipToken == nil || *response.SkipToken == "" {
			return nil
		}
		skipToken = response.SkipToken
	}
}

// decodeRows converts the ObjectArray payload into rows. Anything that is
// not a JSON object is skipped.
func decodeRows(data any) []Row {
	items, ok := data.([]any)
	if !ok {
		return nil
	}
	rows := make([]Row, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, Row(m))
		}
	}
	return rows
}
