package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/txtracker/internal/core/domain"
	"github.com/vietddude/txtracker/internal/metrics"
)

// Config holds node API settings.
type Config struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// RateLimit is requests per second; 0 disables client-side limiting.
	RateLimit float64     `yaml:"rate_limit"`
	Burst     int         `yaml:"burst"`
	Retry     RetryConfig `yaml:"retry"`
}

// Transaction is the subset of the node's indexed transaction the tracker reads.
type Transaction struct {
	ID               string `json:"id"`
	InclusionHeight  int64  `json:"inclusionHeight"`
	NumConfirmations int64  `json:"numConfirmations"`
	BlockID          string `json:"blockId"`
	Timestamp        int64  `json:"timestamp"`
}

// Included reports whether the transaction sits in a block.
func (t *Transaction) Included() bool {
	return t != nil && t.InclusionHeight > 0
}

// Client reads chain state from the node REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
}

// NewClient creates a node client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: node url is required", domain.ErrValidation)
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("%w: invalid node url: %v", domain.ErrValidation, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: retry,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// errAbsent marks a 404; it never leaves this package.
var errAbsent = errors.New("absent")

// GetHeight returns the node's full height.
func (c *Client) GetHeight(ctx context.Context) (int64, error) {
	var info struct {
		FullHeight int64 `json:"fullHeight"`
	}
	if err := c.get(ctx, "get_height", "/info", &info); err != nil {
		return 0, fmt.Errorf("%w: get height: %v", domain.ErrExternalService, err)
	}
	metrics.NodeHeight.Set(float64(info.FullHeight))
	return info.FullHeight, nil
}

// GetTransactionByID looks up an on-chain transaction. found is false when
// the node does not know the id.
func (c *Client) GetTransactionByID(ctx context.Context, id string) (*Transaction, bool, error) {
	var tx Transaction
	err := c.get(ctx, "get_transaction", "/blockchain/transaction/byId/"+url.PathEscape(id), &tx)
	if errors.Is(err, errAbsent) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: get transaction %s: %v", domain.ErrExternalService, id, err)
	}
	return &tx, true, nil
}

// GetUnconfirmedTransactionByID reports whether id is in the mempool.
func (c *Client) GetUnconfirmedTransactionByID(ctx context.Context, id string) (bool, error) {
	var raw json.RawMessage
	err := c.get(ctx, "get_unconfirmed", "/transactions/unconfirmed/byTransactionId/"+url.PathEscape(id), &raw)
	if errors.Is(err, errAbsent) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get unconfirmed %s: %v", domain.ErrExternalService, id, err)
	}
	return true, nil
}

func (c *Client) get(ctx context.Context, method, path string, out any) error {
	start := time.Now()
	_, err := callWithRetry(ctx, c.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.do(ctx, path, out)
	})
	metrics.NodeLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())

	result := "ok"
	switch {
	case errors.Is(err, errAbsent):
		result = "absent"
	case err != nil:
		result = "error"
	}
	metrics.NodeRequestsTotal.WithLabelValues(method, result).Inc()
	return err
}

func (c *Client) do(ctx context.Context, path string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("node call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errAbsent
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
