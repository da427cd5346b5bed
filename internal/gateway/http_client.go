package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rosstax/settlement-core/internal/breaker"
	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/metrics"
)

type transferResponse struct {
	TransferID string `json:"transferId"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// HTTPClient is a JSON client for the partner's transfer API
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	breaker *breaker.Breaker
	metrics *metrics.Metrics
}

// NewHTTPClient creates a new HTTPClient
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, cb *breaker.Breaker) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
		breaker: cb,
	}
}

// SetMetrics sets the metrics recorder for gateway latency
func (c *HTTPClient) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// RequestTransfer implements Gateway
func (c *HTTPClient) RequestTransfer(ctx context.Context, req TransferRequest) (string, error) {
	start := time.Now()
	var transferID string

	err := c.breaker.Execute(func() error {
		id, err := c.postTransfer(ctx, req)
		transferID = id
		return err
	})
	c.metrics.ObserveGateway("transfer", start, err)

	return transferID, err
}

func (c *HTTPClient) postTransfer(ctx context.Context, req TransferRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures leave the outcome unknown; the
		// idempotency key makes a retry safe.
		return "", fmt.Errorf("transfer request: %w: %w", domain.ErrExternalTimeout, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("transfer response: %w: %w", domain.ErrExternalTimeout, err)
	}

	var out transferResponse
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("failed to decode transfer response: %w", err)
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusAccepted:
		if out.TransferID == "" {
			return "", fmt.Errorf("transfer response missing transfer id")
		}
		return out.TransferID, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", fmt.Errorf("transfer request returned %d: %w", resp.StatusCode, domain.ErrExternalTimeout)
	default:
		return "", fmt.Errorf("%w: %d %s", domain.ErrTransferRejected, resp.StatusCode, out.Message)
	}
}
