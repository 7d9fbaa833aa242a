// Package billing closes out hardware charges for finished runs.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Wallet is the ledger surface this service needs. The checkout and refund
// flows behind it live in the billing service; only these three operations
// matter here.
type Wallet interface {
	// ReleaseHold reverses the hold transactions placed at launch.
	ReleaseHold(ctx context.Context, runID string) error
	// ChargeExact charges the authoritative amount for a run.
	ChargeExact(ctx context.Context, runID string, amountUSD float64) error
	// ChargeEstimate converts the held estimate into a final charge when
	// authoritative data never arrived.
	ChargeEstimate(ctx context.Context, runID string, amountUSD float64) error
}

// LedgerClient is the HTTP Wallet implementation against the billing service.
type LedgerClient struct {
	baseURL string
	http    *http.Client
}

// NewLedgerClient builds a billing service client.
func NewLedgerClient(baseURL string, timeout time.Duration) *LedgerClient {
	return &LedgerClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *LedgerClient) ReleaseHold(ctx context.Context, runID string) error {
	return c.post(ctx, fmt.Sprintf("/internal/v1/runs/%s/hold/release", runID), nil)
}

func (c *LedgerClient) ChargeExact(ctx context.Context, runID string, amountUSD float64) error {
	return c.post(ctx, fmt.Sprintf("/internal/v1/runs/%s/charge", runID),
		map[string]any{"amount_usd": amountUSD, "estimated": false})
}

func (c *LedgerClient) ChargeEstimate(ctx context.Context, runID string, amountUSD float64) error {
	return c.post(ctx, fmt.Sprintf("/internal/v1/runs/%s/charge", runID),
		map[string]any{"amount_usd": amountUSD, "estimated": true})
}

func (c *LedgerClient) post(ctx context.Context, path string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode wallet request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("wallet returned %d: %s", resp.StatusCode, raw)
	}
	return nil
}
