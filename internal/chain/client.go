// Package chain provides read and submit access to an EVM-compatible chain over JSON-RPC.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// Client provides EVM JSON-RPC client functionality.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	chainID    uint64
	limiter    *rate.Limiter
	retry      RetryConfig
	breaker    *CircuitBreaker
	nextID     atomic.Uint64
}

// Config holds client configuration.
type Config struct {
	RPCURL  string
	ChainID uint64
	Timeout time.Duration
	// RequestsPerSecond throttles outgoing calls; 0 disables throttling.
	RequestsPerSecond float64
	Burst             int
	Retry             *RetryConfig
	CircuitBreaker    *CircuitBreakerConfig
	HTTPClient        *http.Client
}

// NewClient creates a new JSON-RPC client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	retry := DefaultRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	breakerCfg := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		breakerCfg = *cfg.CircuitBreaker
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: httpClient,
		chainID:    cfg.ChainID,
		limiter:    limiter,
		retry:      retry,
		breaker:    NewCircuitBreaker(breakerCfg),
	}, nil
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() uint64 {
	return c.chainID
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// nonIdempotent lists methods that must reach the node at most once. A gateway
// error on these says nothing about whether the node accepted the request.
var nonIdempotent = map[string]bool{
	"eth_sendTransaction":    true,
	"eth_sendRawTransaction": true,
}

// Call makes an RPC call to the node. JSON-RPC error objects are returned as *RPCError
// and are never retried; transport failures are retried with backoff unless the
// method submits a transaction.
func (c *Client) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if nonIdempotent[method] {
		return c.call(ctx, 0, method, params)
	}
	return c.call(ctx, c.retry.MaxRetries, method, params)
}

// CallOnce makes a single RPC request without retrying.
func (c *Client) CallOnce(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	return c.call(ctx, 0, method, params)
}

func (c *Client) call(ctx context.Context, maxRetries int, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retry.backoff(attempt)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := c.do(ctx, body)
		if err == nil {
			c.breaker.RecordSuccess()
			return result, nil
		}
		if _, ok := err.(*RPCError); ok {
			c.breaker.RecordSuccess()
			return nil, err
		}
		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	c.breaker.RecordFailure()
	return nil, fmt.Errorf("%s: %w", method, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if c.retry.retryableStatus(resp.StatusCode) {
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// BlockNumber returns the current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, err
	}

	var number hexutil.Uint64
	if err := json.Unmarshal(result, &number); err != nil {
		return 0, fmt.Errorf("decode block number: %w", err)
	}
	return uint64(number), nil
}

// HeaderByNumber returns the header of block n.
func (c *Client) HeaderByNumber(ctx context.Context, n uint64) (*Header, error) {
	result, err := c.Call(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(n), false)
	if err != nil {
		return nil, err
	}
	if isNull(result) {
		return nil, ethereum.NotFound
	}

	var header Header
	if err := json.Unmarshal(result, &header); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", n, err)
	}
	return &header, nil
}

// BlockTimestamp returns the timestamp of block n.
func (c *Client) BlockTimestamp(ctx context.Context, n uint64) (time.Time, error) {
	header, err := c.HeaderByNumber(ctx, n)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(header.Timestamp), 0).UTC(), nil
}

// GetLogs returns the logs matching q.
func (c *Client) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	result, err := c.Call(ctx, "eth_getLogs", arg)
	if err != nil {
		return nil, err
	}

	var logs []types.Log
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	return logs, nil
}

// TransactionReceipt returns the receipt of a mined transaction, or ErrReceiptNotFound.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	if isNull(result) {
		return nil, ErrReceiptNotFound
	}

	var receipt Receipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &receipt, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
