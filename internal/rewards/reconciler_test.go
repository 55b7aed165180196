package rewards

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
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type fakeLedger struct {
	mu         sync.Mutex
	head       uint64
	logs       map[common.Hash][]types.Log
	failKind   map[common.Hash]error
	failTS     bool
	tsCalls    int
	queries    []ethereum.FilterQuery
	timeOrigin time.Time
}

func newFakeLedger(head uint64) *fakeLedger {
	return &fakeLedger{
		head:       head,
		logs:       map[common.Hash][]types.Log{},
		failKind:   map[common.Hash]error{},
		timeOrigin: time.Unix(1700000000, 0).UTC(),
	}
}

func (f *fakeLedger) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeLedger) BlockTimestamp(_ context.Context, n uint64) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tsCalls++
	if f.failTS && n != f.head {
		return time.Time{}, errors.New("header unavailable")
	}
	return f.timeOrigin.Add(time.Duration(n) * 12 * time.Second), nil
}

func (f *fakeLedger) GetLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	sig := q.Topics[0][0]
	if err := f.failKind[sig]; err != nil {
		return nil, err
	}
	return f.logs[sig], nil
}

func rewardLog(sig common.Hash, beneficiary common.Address, tx byte, index uint, block uint64, amount string) types.Log {
	v, _ := chain.ParseAmount(amount)
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{sig, chain.AddressTopic(beneficiary), common.BigToHash(big.NewInt(3))},
		Data:        common.LeftPadBytes(v.Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.Hash{tx},
		Index:       index,
	}
}

func newReconciler(ledger Ledger) *Reconciler {
	return New(Config{Contract: contract, LookbackBlocks: 1000, RecentCap: 3, BlockTime: 12 * time.Second}, ledger, owner, nil)
}

func TestScanHistorySortsAndResolvesTimestamps(t *testing.T) {
	ledger := newFakeLedger(5000)
	ledger.logs[chain.EventCreateCourse] = []types.Log{
		rewardLog(chain.EventCreateCourse, owner, 0x01, 0, 4100, "10"),
		rewardLog(chain.EventCreateCourse, owner, 0x02, 1, 4900, "5"),
	}
	ledger.logs[chain.EventCompleteCourse] = []types.Log{
		rewardLog(chain.EventCompleteCourse, owner, 0x03, 2, 4900, "1.5"),
	}
	r := newReconciler(ledger)

	events, err := r.ScanHistory(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, uint64(4900), events[0].BlockNumber)
	assert.Equal(t, uint(2), events[0].LogIndex, "log index breaks ties, descending")
	assert.Equal(t, KindCompleteCourse, events[0].Kind)
	assert.Equal(t, uint64(4100), events[2].BlockNumber)
	assert.Equal(t, "1.5", events[0].Amount)
	assert.Equal(t, "3", events[0].CourseID)
	assert.True(t, events[0].TimestampExact)
	assert.Equal(t, ledger.timeOrigin.Add(4900*12*time.Second), events[0].Timestamp)

	// One lookup per distinct block.
	assert.Equal(t, 2, ledger.tsCalls)

	require.Len(t, ledger.queries, 2)
	q := ledger.queries[0]
	assert.Equal(t, int64(4000), q.FromBlock.Int64())
	assert.Equal(t, int64(5000), q.ToBlock.Int64())
	assert.Equal(t, []common.Address{contract}, q.Addresses)
	assert.Equal(t, chain.AddressTopic(owner), q.Topics[1][0])
}

func TestScanHistoryLookbackStartsAtGenesis(t *testing.T) {
	ledger := newFakeLedger(10)
	r := newReconciler(ledger)
	_, err := r.ScanHistory(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ledger.queries[0].FromBlock.Int64())
}

func TestScanHistoryKindFailureIsIsolated(t *testing.T) {
	ledger := newFakeLedger(5000)
	ledger.logs[chain.EventCreateCourse] = []types.Log{rewardLog(chain.EventCreateCourse, owner, 0x01, 0, 4500, "10")}
	ledger.failKind[chain.EventCompleteCourse] = errors.New("query returned more than 10000 results")
	r := newReconciler(ledger)

	events, err := r.ScanHistory(context.Background(), owner)
	require.Len(t, events, 1)
	assert.ErrorIs(t, err, ErrLogQueryFailed)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindCompleteCourse, qe.Kind)
}

func TestScanHistoryEstimatesMissingTimestamps(t *testing.T) {
	ledger := newFakeLedger(5000)
	ledger.failTS = true
	ledger.logs[chain.EventCreateCourse] = []types.Log{rewardLog(chain.EventCreateCourse, owner, 0x01, 0, 4990, "1")}
	r := newReconciler(ledger)

	events, err := r.ScanHistory(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].TimestampExact)
	headTime := ledger.timeOrigin.Add(5000 * 12 * time.Second)
	assert.Equal(t, headTime.Add(-10*12*time.Second), events[0].Timestamp)
}

func TestLiveDuplicateOfHistoryIsDropped(t *testing.T) {
	ledger := newFakeLedger(5000)
	l := rewardLog(chain.EventCreateCourse, owner, 0xab, 0, 4999, "7")
	ledger.logs[chain.EventCreateCourse] = []types.Log{l}
	r := newReconciler(ledger)
	require.NoError(t, r.Refresh(context.Background()))

	id := EventID(common.Hash{0xab}, 0)
	assert.False(t, r.OnLiveEvent(context.Background(), l))
	assert.Empty(t, r.Recent(), "recent list must not grow")

	view := r.View()
	count := 0
	for _, e := range view.Events {
		if e.ID == id {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, view.Statistics.TotalCount)
}

func TestLiveEventsDeduplicateAndCap(t *testing.T) {
	r := newReconciler(newFakeLedger(100))
	ctx := context.Background()

	first := rewardLog(chain.EventCompleteCourse, owner, 0x01, 0, 90, "1")
	assert.True(t, r.OnLiveEvent(ctx, first))
	assert.False(t, r.OnLiveEvent(ctx, first), "redelivery after reconnect")

	for i := byte(2); i <= 4; i++ {
		assert.True(t, r.OnLiveEvent(ctx, rewardLog(chain.EventCompleteCourse, owner, i, 0, 90+uint64(i), "1")))
	}
	recent := r.Recent()
	require.Len(t, recent, 3)
	assert.Equal(t, EventID(common.Hash{0x04}, 0), recent[0].ID)
	for _, e := range recent {
		assert.NotEqual(t, EventID(common.Hash{0x01}, 0), e.ID, "oldest must be evicted")
	}

	assert.False(t, r.OnLiveEvent(ctx, rewardLog(chain.EventCompleteCourse, stranger, 0x09, 0, 99, "1")))
}

func TestRemovedLiveLogEvictsEvent(t *testing.T) {
	r := newReconciler(newFakeLedger(100))
	ctx := context.Background()
	l := rewardLog(chain.EventCreateCourse, owner, 0x01, 0, 90, "4")
	require.True(t, r.OnLiveEvent(ctx, l))

	l.Removed = true
	assert.False(t, r.OnLiveEvent(ctx, l))
	assert.Empty(t, r.Recent())
	assert.Equal(t, 0, r.View().Statistics.TotalCount)
}

func TestRefreshKeepsUncoveredLiveEventsAndFailedKinds(t *testing.T) {
	ledger := newFakeLedger(5000)
	created := rewardLog(chain.EventCreateCourse, owner, 0x01, 0, 4800, "10")
	completed := rewardLog(chain.EventCompleteCourse, owner, 0x02, 0, 4850, "2")
	ledger.logs[chain.EventCreateCourse] = []types.Log{created}
	ledger.logs[chain.EventCompleteCourse] = []types.Log{completed}
	r := newReconciler(ledger)
	ctx := context.Background()
	require.NoError(t, r.Refresh(ctx))

	live := rewardLog(chain.EventCreateCourse, owner, 0x03, 0, 5001, "1")
	require.True(t, r.OnLiveEvent(ctx, live))

	ledger.failKind[chain.EventCompleteCourse] = errors.New("timeout")
	err := r.Refresh(ctx)
	assert.ErrorIs(t, err, ErrLogQueryFailed)

	view := r.View()
	assert.Len(t, view.Events, 3)
	assert.NotEmpty(t, view.Error)
	assert.False(t, view.IsLoading)
	assert.Equal(t, "13", view.Statistics.TotalAmount)

	// The live event is now part of the scanned history.
	delete(ledger.failKind, chain.EventCompleteCourse)
	ledger.head = 5001
	ledger.logs[chain.EventCreateCourse] = append(ledger.logs[chain.EventCreateCourse], live)
	require.NoError(t, r.Refresh(ctx))
	assert.Empty(t, r.Recent())
	assert.Len(t, r.View().Events, 3)
}

func TestComputeStatistics(t *testing.T) {
	empty := ComputeStatistics(nil)
	assert.Equal(t, 0, empty.TotalCount)
	assert.Equal(t, "0", empty.TotalAmount)
	for _, k := range Kinds {
		assert.Equal(t, KindStatistics{Count: 0, Amount: "0"}, empty.ByKind[k])
	}

	events := []Event{
		{ID: "a", Kind: KindCreateCourse, Amount: "10.5"},
		{ID: "b", Kind: KindCreateCourse, Amount: "0.000000000000000001"},
		{ID: "c", Kind: KindCompleteCourse, Amount: "2"},
	}
	stats := ComputeStatistics(events)
	assert.Equal(t, 3, stats.TotalCount)
	assert.Equal(t, "12.500000000000000001", stats.TotalAmount)
	assert.Equal(t, 2, stats.ByKind[KindCreateCourse].Count)
	assert.Equal(t, "10.500000000000000001", stats.ByKind[KindCreateCourse].Amount)
	assert.Equal(t, "2", stats.ByKind[KindCompleteCourse].Amount)
}

func TestLiveQueryFiltersOwner(t *testing.T) {
	r := newReconciler(newFakeLedger(1))
	q := r.LiveQuery()
	assert.Equal(t, []common.Hash{chain.EventCreateCourse, chain.EventCompleteCourse}, q.Topics[0])
	assert.Equal(t, chain.AddressTopic(owner), q.Topics[1][0])
}
