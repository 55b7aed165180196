package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// =============================================================================
// Contract Invocation Methods
// =============================================================================

// DefaultTxWaitTimeout is the default timeout for waiting for transaction execution.
const DefaultTxWaitTimeout = 2 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, args TxArgs) ([]byte, error) {
	result, err := c.Call(ctx, "eth_call", args, "latest")
	if err != nil {
		return nil, err
	}

	var out hexutil.Bytes
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return out, nil
}

// SendTransaction asks the node's wallet to sign and broadcast a transaction.
// It is never retried: a resend could make the buyer pay twice.
func (c *Client) SendTransaction(ctx context.Context, args TxArgs) (common.Hash, error) {
	result, err := c.CallOnce(ctx, "eth_sendTransaction", args)
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("decode transaction hash: %w", err)
	}
	return hash, nil
}

// WaitForReceipt polls for a transaction receipt until it is available or ctx is done.
// A missing receipt is treated as pending and retried until the context deadline expires.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, pollInterval time.Duration) (*Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
