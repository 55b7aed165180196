// Package oracle reads ERC-20 balances and allowances of the marketplace token.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/logging"
)

// Caller executes read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, args chain.TxArgs) ([]byte, error)
}

// DefaultMaxAge bounds how long a cached reading is served before it is re-read.
const DefaultMaxAge = 15 * time.Second

type cacheKey struct {
	method  string
	owner   common.Address
	spender common.Address
}

type reading struct {
	value *big.Int
	at    time.Time
}

// Oracle serves token balance and allowance readings. Readings are cached
// until Refresh is called or they are older than the configured max age.
type Oracle struct {
	caller Caller
	token  common.Address
	maxAge time.Duration
	log    *logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[cacheKey]reading
}

// New creates an oracle for token. maxAge <= 0 selects DefaultMaxAge.
func New(caller Caller, token common.Address, maxAge time.Duration, log *logging.Logger) *Oracle {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Oracle{
		caller: caller,
		token:  token,
		maxAge: maxAge,
		log:    logging.OrDiscard(log).WithComponent("oracle"),
		now:    time.Now,
		cache:  make(map[cacheKey]reading),
	}
}

// BalanceOf returns the token balance of owner in base units.
func (o *Oracle) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return o.read(ctx, cacheKey{method: "balanceOf", owner: owner}, chain.EncodeBalanceOf(owner))
}

// AllowanceOf returns the amount spender may transfer on behalf of owner.
func (o *Oracle) AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return o.read(ctx, cacheKey{method: "allowance", owner: owner, spender: spender}, chain.EncodeAllowance(owner, spender))
}

// Refresh drops every cached reading so the next call goes to the chain.
func (o *Oracle) Refresh() {
	o.mu.Lock()
	n := len(o.cache)
	o.cache = make(map[cacheKey]reading)
	o.mu.Unlock()
	o.log.WithField("dropped", n).Debug("oracle cache refreshed")
}

// Forget drops the cached readings of a single owner.
func (o *Oracle) Forget(owner common.Address) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k := range o.cache {
		if k.owner == owner {
			delete(o.cache, k)
		}
	}
}

func (o *Oracle) read(ctx context.Context, key cacheKey, calldata []byte) (*big.Int, error) {
	o.mu.Lock()
	if r, ok := o.cache[key]; ok && o.now().Sub(r.at) < o.maxAge {
		o.mu.Unlock()
		return new(big.Int).Set(r.value), nil
	}
	o.mu.Unlock()

	out, err := o.caller.CallContract(ctx, chain.TxArgs{To: o.token, Data: calldata})
	if err != nil {
		return nil, fmt.Errorf("%s(%s): %w", key.method, key.owner.Hex(), err)
	}
	value, err := chain.DecodeUint256(out)
	if err != nil {
		return nil, fmt.Errorf("%s(%s): %w", key.method, key.owner.Hex(), err)
	}

	o.mu.Lock()
	o.cache[key] = reading{value: value, at: o.now()}
	o.mu.Unlock()
	return new(big.Int).Set(value), nil
}
