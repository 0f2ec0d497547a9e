// Package upstream fetches the authoritative cost of a generation from the
// metering endpoint.
//
// DESIGN: 404 and unusable 200 responses are permanent (wrapped with
// retry.Permanent so the backoff loop stops at once). Other non-200 statuses and
// transport errors are retried under the injected retry.Policy.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/costcontrol"
	"github.com/compresr/credit-reconciler/internal/monitoring"
	"github.com/compresr/credit-reconciler/internal/retry"
	"github.com/compresr/credit-reconciler/internal/utils"
)

// Response paths, preferred first.
const (
	nestedCostPath = "data.total_cost"
	legacyCostPath = "cost"
)

// Cost is the resolved cost of one generation.
type Cost struct {
	GenerationID string
	RawUSD       decimal.Decimal // as reported by the upstream
	Units        int64           // ceil(ceil(RawUSD*scale) * (1+markup))
	Attempts     int
}

// Client is the metering API client.
type Client struct {
	baseURL    string
	path       string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	units      costcontrol.Units
	metrics    *monitoring.MetricsCollector
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout for a single attempt.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = timeout
	}
}

// WithPath overrides the lookup path (default /generation).
func WithPath(path string) ClientOption {
	return func(client *Client) {
		client.path = path
	}
}

// WithRetryPolicy sets the backoff policy used for retryable failures.
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(client *Client) {
		client.policy = p
	}
}

// WithMetrics records attempts and exhausted lookups.
func WithMetrics(m *monitoring.MetricsCollector) ClientOption {
	return func(client *Client) {
		client.metrics = m
	}
}

// NewClient creates a new metering API client.
// It reads UPSTREAM_BASE_URL and UPSTREAM_API_KEY from environment if not provided.
func NewClient(baseURL, apiKey string, units costcontrol.Units, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("UPSTREAM_BASE_URL")
	}
	if baseURL == "" {
		baseURL = config.DefaultUpstreamBaseURL
	}

	if apiKey == "" {
		apiKey = os.Getenv("UPSTREAM_API_KEY")
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    config.DefaultUpstreamPath,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: config.DefaultUpstreamTimeout,
		},
		policy: retry.FromConfig(config.Default().Retry),
		units:  units,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FetchCost returns the marked-up fixed-point cost of a generation.
func (c *Client) FetchCost(ctx context.Context, generationID string) (Cost, error) {
	if generationID == "" {
		return Cost{}, retry.Permanent(fmt.Errorf("upstream: generation id is required"))
	}

	policy := c.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().
			Err(err).
			Str("generation_id", generationID).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("upstream: cost lookup failed, retrying")
	}

	var (
		raw      decimal.Decimal
		units    int64
		attempts int
	)
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		c.metrics.RecordUpstreamAttempt()
		v, err := c.fetchOnce(ctx, generationID)
		if err != nil {
			return err
		}
		u, err := c.units.CostWithMarkup(v)
		if err != nil {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrInvalidCost, err))
		}
		raw, units = v, u
		return nil
	})
	if err != nil {
		if !retry.IsPermanent(err) {
			c.metrics.RecordUpstreamExhausted()
		}
		return Cost{GenerationID: generationID, Attempts: attempts}, err
	}

	return Cost{
		GenerationID: generationID,
		RawUSD:       raw,
		Units:        units,
		Attempts:     attempts,
	}, nil
}

func (c *Client) fetchOnce(ctx context.Context, generationID string) (decimal.Decimal, error) {
	endpoint := c.baseURL + c.path + "?id=" + url.QueryEscape(generationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("creating request: %w", err))
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "credit-reconciler/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return decimal.Zero, retry.Permanent(fmt.Errorf("request failed: %w", ctxErr))
		}
		return decimal.Zero, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s", ErrGenerationNotFound, generationID))
	case resp.StatusCode != http.StatusOK:
		log.Debug().
			Int("status", resp.StatusCode).
			Str("api_key", utils.MaskKey(c.apiKey)).
			Msg("upstream: non-200 response")
		return decimal.Zero, &StatusError{StatusCode: resp.StatusCode, Body: utils.Truncate(string(body), config.MaxErrorBodyLogLen)}
	}

	return parseCost(body)
}

// parseCost extracts the raw USD cost, preferring data.total_cost over the
// legacy top-level cost field.
func parseCost(body []byte) (decimal.Decimal, error) {
	if !gjson.ValidBytes(body) {
		return decimal.Zero, ErrInvalidBody
	}

	res := gjson.GetBytes(body, nestedCostPath)
	if !res.Exists() || res.Type == gjson.Null {
		res = gjson.GetBytes(body, legacyCostPath)
	}
	if !res.Exists() || res.Type == gjson.Null {
		return decimal.Zero, retry.Permanent(ErrMissingCostField)
	}

	var text string
	switch res.Type {
	case gjson.Number:
		text = res.Raw
	case gjson.String:
		text = res.Str
	default:
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s", ErrInvalidCost, res.Raw))
	}

	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: %s", ErrInvalidCost, text))
	}
	if v.IsNegative() {
		return decimal.Zero, retry.Permanent(fmt.Errorf("%w: negative cost %s", ErrInvalidCost, text))
	}
	return v, nil
}

// IsNotFound reports whether err is a permanent generation-not-found failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrGenerationNotFound)
}
