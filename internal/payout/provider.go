package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smsrelay/backend/internal/config"
)

// Payout is one transfer request sent to the provider.
type Payout struct {
	Reference   uuid.UUID `json:"reference"`
	UserID      uuid.UUID `json:"user_id"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Details     string    `json:"details"`
}

// Provider moves money out to a worker. Send returns the provider's own
// reference for the transfer.
type Provider interface {
	Send(ctx context.Context, p Payout) (string, error)
}

// NewProvider returns the HTTP client, or the mock when cfg.Mock is set.
func NewProvider(cfg config.PayoutConfig) (Provider, error) {
	if cfg.Mock {
		return NewMockProvider(), nil
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("payout url is required")
	}
	return NewHTTPProvider(cfg.URL, cfg.APIKey, cfg.Timeout), nil
}

// HTTPProvider posts payouts as JSON to the provider's /payouts endpoint.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Send submits p. The withdrawal id travels as the Idempotency-Key so a
// provider that honours it never pays the same withdrawal twice.
func (c *HTTPProvider) Send(ctx context.Context, p Payout) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payout: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.Reference.String())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("provider error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out sendResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	if s := strings.ToLower(out.Status); s == "failed" || s == "rejected" {
		return "", fmt.Errorf("provider rejected payout %s", out.ID)
	}
	return out.ID, nil
}
