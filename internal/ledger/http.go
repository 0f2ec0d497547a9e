package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
	"github.com/compresr/credit-reconciler/internal/retry"
	"github.com/compresr/credit-reconciler/internal/utils"
)

// HTTP finalizes settlements through the billing API.
//
// POST {baseURL}/reservations/{id}/finalize with Idempotency-Key "{id}:settled".
// 2xx and 409 (already finalized) both count as success.
type HTTP struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
}

var _ Ledger = (*HTTP)(nil)

// HTTPOption configures HTTP.
type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.httpClient = c }
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(h *HTTP) { h.httpClient.Timeout = timeout }
}

// WithRetryPolicy sets the backoff for 5xx, 429 and network failures.
func WithRetryPolicy(p retry.Policy) HTTPOption {
	return func(h *HTTP) { h.policy = p }
}

// NewHTTP creates a billing API ledger.
func NewHTTP(baseURL, apiKey string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: config.DefaultUpstreamTimeout},
		policy:     retry.FromConfig(config.Default().Retry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type finalizeRequest struct {
	Settlement
	Delta int64 `json:"delta"`
}

// Finalize posts the settlement.
func (h *HTTP) Finalize(ctx context.Context, s Settlement) error {
	body, err := json.Marshal(finalizeRequest{Settlement: s, Delta: s.Delta()})
	if err != nil {
		return fmt.Errorf("ledger/http: encode: %w", err)
	}
	endpoint := h.baseURL + "/reservations/" + url.PathEscape(s.ReservationID) + "/finalize"

	policy := h.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Warn().Err(err).Str("reservation_id", s.ReservationID).Int("attempt", attempt).Dur("backoff", delay).
			Msg("ledger: finalize failed, retrying")
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return h.post(ctx, endpoint, s.ReservationID, body)
	})
}

func (h *HTTP) post(ctx context.Context, endpoint, reservationID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("ledger/http: creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reservationID+":settled")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger/http: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		log.Debug().Str("reservation_id", reservationID).Msg("ledger: reservation already finalized")
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxResponseSize))
	err = fmt.Errorf("ledger/http: finalize %s: status %d: %s",
		reservationID, resp.StatusCode, utils.Truncate(string(respBody), config.MaxErrorBodyLogLen))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	log.Error().Str("api_key", utils.MaskKey(h.apiKey)).Int("status", resp.StatusCode).Msg("ledger: finalize rejected")
	return retry.Permanent(err)
}
