package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/domain/market"
	"github.com/R3E-Network/course_market/internal/kvstore"
	"github.com/R3E-Network/course_market/internal/rewards"
)

var (
	contracts = chain.ContractAddresses{
		Token:       common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Marketplace: common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		Rewards:     common.HexToAddress("0x00000000000000000000000000000000000000a3"),
	}
	alice = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// chainStub is an in-memory ledger with a movable head.
type chainStub struct {
	mu       sync.Mutex
	head     uint64
	logs     []types.Log
	logCalls int
}

func (c *chainStub) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *chainStub) BlockTimestamp(_ context.Context, n uint64) (time.Time, error) {
	return time.Unix(int64(1700000000+n*12), 0).UTC(), nil
}

func (c *chainStub) GetLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logCalls++
	var out []types.Log
	for _, l := range c.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchTopic(q.Topics, 0, l.Topics[0]) || !matchTopic(q.Topics, 1, l.Topics[1]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func matchTopic(topics [][]common.Hash, pos int, h common.Hash) bool {
	if len(topics) <= pos || len(topics[pos]) == 0 {
		return true
	}
	for _, t := range topics[pos] {
		if t == h {
			return true
		}
	}
	return false
}

func (c *chainStub) emit(l types.Log) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, l)
	if l.BlockNumber > c.head {
		c.head = l.BlockNumber
	}
}

func (c *chainStub) CallContract(context.Context, chain.TxArgs) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(0).Bytes(), 32), nil
}

func (c *chainStub) SendTransaction(context.Context, chain.TxArgs) (common.Hash, error) {
	return common.Hash{}, errors.New("not used")
}

func (c *chainStub) WaitForReceipt(context.Context, common.Hash, time.Duration) (*chain.Receipt, error) {
	return nil, errors.New("not used")
}

func (c *chainStub) TransactionReceipt(context.Context, common.Hash) (*chain.Receipt, error) {
	return nil, nil
}

func rewardLog(sig common.Hash, to common.Address, tx byte, block uint64) types.Log {
	return types.Log{
		Address:     contracts.Rewards,
		Topics:      []common.Hash{sig, chain.AddressTopic(to), common.BigToHash(big.NewInt(1))},
		Data:        common.LeftPadBytes(big.NewInt(1e18).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.Hash{tx},
	}
}

func newManager(t *testing.T, stub *chainStub, live bool) *Manager {
	t.Helper()
	deps := Deps{
		Ledger:    stub,
		Catalog:   market.NewCatalog(kvstore.NewMemoryStore()),
		Contracts: contracts,
		Rewards:   rewards.Config{LookbackBlocks: 1000, RecentCap: 5},
	}
	if live {
		deps.Subscriber = chain.NewPoller(stub, 10*time.Millisecond, nil)
	}
	m := NewManager(deps)
	t.Cleanup(m.Close)
	return m
}

func TestConnectScansHistoryAndFollowsLiveEvents(t *testing.T) {
	stub := &chainStub{head: 100}
	stub.emit(rewardLog(chain.EventCreateCourse, alice, 0x01, 90))
	stub.emit(rewardLog(chain.EventCreateCourse, bob, 0x02, 91))
	m := newManager(t, stub, true)

	s, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, s.Rewards.View().Events, 1)

	stub.emit(rewardLog(chain.EventCompleteCourse, alice, 0x03, 101))
	require.Eventually(t, func() bool {
		return s.Rewards.View().Statistics.TotalCount == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.Rewards.Recent(), 1)
}

func TestConnectIsIdempotent(t *testing.T) {
	m := newManager(t, &chainStub{head: 10}, false)
	ctx := context.Background()

	first, err := m.Connect(ctx, alice)
	require.NoError(t, err)
	second, err := m.Connect(ctx, alice)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, m.Sessions(), 1)
}

func TestConnectRejectsZeroAddress(t *testing.T) {
	m := newManager(t, &chainStub{head: 10}, false)
	_, err := m.Connect(context.Background(), common.Address{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestDisconnectDropsSession(t *testing.T) {
	m := newManager(t, &chainStub{head: 10}, true)
	ctx := context.Background()

	s, err := m.Connect(ctx, alice)
	require.NoError(t, err)
	_, err = m.Connect(ctx, bob)
	require.NoError(t, err)

	assert.True(t, m.Disconnect(alice))
	assert.False(t, m.Disconnect(alice))
	_, ok := m.Get(alice)
	assert.False(t, ok)
	require.Len(t, m.Sessions(), 1)
	assert.Equal(t, bob, m.Sessions()[0].Address)

	updates, cancel := s.Orchestrator.Subscribe()
	defer cancel()
	_, open := <-updates
	assert.False(t, open, "orchestrator of a disconnected session is closed")
}

func TestRefreshAllPicksUpNewHistory(t *testing.T) {
	stub := &chainStub{head: 100}
	m := newManager(t, stub, false)
	s, err := m.Connect(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, s.Rewards.View().Events)

	stub.emit(rewardLog(chain.EventCreateCourse, alice, 0x05, 120))
	m.RefreshAll(context.Background())
	assert.Len(t, s.Rewards.View().Events, 1)
}

func TestStartSchedulerRejectsBadSpec(t *testing.T) {
	m := newManager(t, &chainStub{head: 1}, false)
	assert.Error(t, m.StartScheduler("not a schedule", time.Second))
	require.NoError(t, m.StartScheduler("@every 1h", time.Second))
}
