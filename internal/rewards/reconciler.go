// Package rewards reconstructs a wallet's reward history from chain logs and
// merges it with live-streamed events.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/logging"
	"github.com/R3E-Network/course_market/internal/metrics"
)

// ErrLogQueryFailed marks a failed log query for one reward kind. The other
// kind's results are still returned.
var ErrLogQueryFailed = errors.New("reward log query failed")

// QueryError is the failure of the log query for a single kind.
type QueryError struct {
	Kind Kind
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s logs: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() []error { return []error{ErrLogQueryFailed, e.Err} }

// Ledger is the read surface the reconciler needs.
type Ledger interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, n uint64) (time.Time, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Defaults.
const (
	DefaultLookbackBlocks = 10000
	DefaultRecentCap      = 10
	DefaultBlockTime      = 12 * time.Second
)

const maxCachedTimestamps = 4096

// Config configures a Reconciler.
type Config struct {
	Contract common.Address
	// LookbackBlocks bounds the history scan to [head-LookbackBlocks, head].
	// Older rewards are intentionally not shown.
	LookbackBlocks uint64
	RecentCap      int
	// BlockTime is used to estimate timestamps when a block lookup fails.
	BlockTime time.Duration
}

// View is the observable reward state.
type View struct {
	Events      []Event    `json:"events"`
	Statistics  Statistics `json:"statistics"`
	IsLoading   bool       `json:"isLoading"`
	Err         error      `json:"-"`
	Error       string     `json:"error,omitempty"`
	LastRefresh time.Time  `json:"lastRefresh"`
}

// Reconciler keeps the merged reward history of one wallet.
type Reconciler struct {
	cfg    Config
	ledger Ledger
	owner  common.Address
	log    *logging.Logger

	tsMu       sync.Mutex
	timestamps map[uint64]time.Time

	mu          sync.Mutex
	history     []Event
	recent      []Event // newest first, at most cfg.RecentCap
	stats       Statistics
	loading     bool
	err         error
	lastRefresh time.Time
}

// New creates a reconciler for owner.
func New(cfg Config, ledger Ledger, owner common.Address, log *logging.Logger) *Reconciler {
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = DefaultLookbackBlocks
	}
	if cfg.RecentCap <= 0 {
		cfg.RecentCap = DefaultRecentCap
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = DefaultBlockTime
	}
	return &Reconciler{
		cfg:        cfg,
		ledger:     ledger,
		owner:      owner,
		log:        &logging.Logger{Entry: logging.OrDiscard(log).WithComponent("rewards").WithField("owner", owner.Hex())},
		timestamps: make(map[uint64]time.Time),
		stats:      ComputeStatistics(nil),
	}
}

// LiveQuery is the filter for the live subscription of owner's rewards.
func (r *Reconciler) LiveQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{r.cfg.Contract},
		Topics: [][]common.Hash{
			{chain.EventCreateCourse, chain.EventCompleteCourse},
			{chain.AddressTopic(r.owner)},
		},
	}
}

// ScanHistory returns addr's reward events within the lookback window, newest
// first. A failed query for one kind is logged and reported as a QueryError in
// the joined error while the other kind's events are still returned.
func (r *Reconciler) ScanHistory(ctx context.Context, addr common.Address) ([]Event, error) {
	events, _, err := r.scan(ctx, addr)
	return events, err
}

func (r *Reconciler) scan(ctx context.Context, addr common.Address) ([]Event, map[Kind]bool, error) {
	start := time.Now()
	defer func() { metrics.ObserveScan(time.Since(start)) }()

	head, err := r.ledger.BlockNumber(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("block number: %w", err)
	}
	from := uint64(0)
	if head > r.cfg.LookbackBlocks {
		from = head - r.cfg.LookbackBlocks
	}

	var (
		events []Event
		errs   []error
		failed = make(map[Kind]bool)
		seen   = make(map[string]bool)
		est    = &estimator{ledger: r.ledger, head: head, blockTime: r.cfg.BlockTime}
	)
	for _, kind := range Kinds {
		logs, err := r.ledger.GetLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{r.cfg.Contract},
			Topics:    [][]common.Hash{{kind.signature()}, {chain.AddressTopic(addr)}},
		})
		metrics.RecordLogQuery(string(kind), err == nil)
		if err != nil {
			r.log.WithError(err).WithField("kind", kind).Warn("reward log query failed")
			failed[kind] = true
			errs = append(errs, &QueryError{Kind: kind, Err: err})
			continue
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			ev, err := eventFromLog(l)
			if err != nil {
				r.log.WithError(err).WithField("tx_hash", l.TxHash.Hex()).Warn("skipping undecodable reward log")
				continue
			}
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			ev.Timestamp, ev.TimestampExact = r.resolveTimestamp(ctx, ev.BlockNumber, est)
			events = append(events, ev)
		}
	}

	sortEvents(events)
	return events, failed, errors.Join(errs...)
}

// OnLiveEvent merges a log delivered by the live subscription. It reports
// whether the event was added. Logs already held (from the history scan or an
// earlier delivery) are dropped. Removed logs evict their event.
func (r *Reconciler) OnLiveEvent(ctx context.Context, l types.Log) bool {
	ev, err := eventFromLog(l)
	if err != nil {
		metrics.RecordLiveEvent("malformed")
		r.log.WithError(err).Debug("ignoring undecodable live log")
		return false
	}
	if ev.Beneficiary != r.owner {
		metrics.RecordLiveEvent("foreign")
		return false
	}
	if l.Removed {
		r.evict(ev.ID)
		return false
	}

	if r.holds(ev.ID) {
		metrics.RecordLiveEvent("duplicate")
		return false
	}
	ev.Timestamp, ev.TimestampExact = r.resolveTimestamp(ctx, ev.BlockNumber, nil)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Recheck: a refresh may have brought the event in while the timestamp resolved.
	if r.holdsLocked(ev.ID) {
		metrics.RecordLiveEvent("duplicate")
		return false
	}
	r.recent = append([]Event{ev}, r.recent...)
	if len(r.recent) > r.cfg.RecentCap {
		r.recent = r.recent[:r.cfg.RecentCap]
	}
	r.stats = ComputeStatistics(r.mergedLocked())
	metrics.RecordLiveEvent("added")
	r.log.WithField("id", ev.ID).WithField("kind", ev.Kind).Info("live reward received")
	return true
}

// Refresh re-scans history, replaces the historical portion, and keeps live
// events not covered by the scan. Events of a kind whose query failed are kept
// from the previous scan.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.loading = true
	r.mu.Unlock()

	events, failed, err := r.scan(ctx, r.owner)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	r.err = err
	if events == nil && len(failed) == 0 && err != nil {
		// The head lookup failed; nothing was scanned.
		return err
	}

	for _, prev := range r.history {
		if failed[prev.Kind] {
			events = append(events, prev)
		}
	}
	sortEvents(events)
	r.history = events

	inHistory := make(map[string]bool, len(events))
	for _, e := range events {
		inHistory[e.ID] = true
	}
	kept := r.recent[:0]
	for _, e := range r.recent {
		if !inHistory[e.ID] {
			kept = append(kept, e)
		}
	}
	r.recent = kept
	r.stats = ComputeStatistics(r.mergedLocked())
	r.lastRefresh = time.Now()
	return err
}

// View returns the merged events and their statistics.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := View{
		Events:      r.mergedLocked(),
		Statistics:  r.stats,
		IsLoading:   r.loading,
		Err:         r.err,
		LastRefresh: r.lastRefresh,
	}
	if r.err != nil {
		v.Error = r.err.Error()
	}
	return v
}

// Recent returns the live events not yet covered by a history scan, newest first.
func (r *Reconciler) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.recent...)
}

func (r *Reconciler) holds(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holdsLocked(id)
}

func (r *Reconciler) holdsLocked(id string) bool {
	for _, e := range r.recent {
		if e.ID == id {
			return true
		}
	}
	for _, e := range r.history {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (r *Reconciler) evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.recent) + len(r.history)
	r.recent = without(r.recent, id)
	r.history = without(r.history, id)
	if len(r.recent)+len(r.history) != before {
		r.stats = ComputeStatistics(r.mergedLocked())
		metrics.RecordLiveEvent("removed")
		r.log.WithField("id", id).Info("reward removed by chain reorganisation")
	}
}

func without(events []Event, id string) []Event {
	out := events[:0]
	for _, e := range events {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// mergedLocked returns recent and history deduplicated by id, newest first.
func (r *Reconciler) mergedLocked() []Event {
	out := make([]Event, 0, len(r.recent)+len(r.history))
	seen := make(map[string]bool, cap(out))
	for _, list := range [][]Event{r.recent, r.history} {
		for _, e := range list {
			if !seen[e.ID] {
				seen[e.ID] = true
				out = append(out, e)
			}
		}
	}
	sortEvents(out)
	return out
}

// resolveTimestamp returns the block time, cached per block. When the lookup
// fails it falls back to an estimate from the head block and reports false.
func (r *Reconciler) resolveTimestamp(ctx context.Context, block uint64, est *estimator) (time.Time, bool) {
	r.tsMu.Lock()
	ts, ok := r.timestamps[block]
	r.tsMu.Unlock()
	if ok {
		return ts, true
	}

	ts, err := r.ledger.BlockTimestamp(ctx, block)
	if err == nil {
		r.tsMu.Lock()
		if len(r.timestamps) >= maxCachedTimestamps {
			r.timestamps = make(map[uint64]time.Time)
		}
		r.timestamps[block] = ts
		r.tsMu.Unlock()
		return ts, true
	}

	r.log.WithError(err).WithField("block", block).Debug("block timestamp unavailable, estimating")
	if est == nil {
		// Live events are at or near the head.
		return time.Now().UTC(), false
	}
	return est.estimate(ctx, block), false
}

// estimator extrapolates block times backwards from the head block.
type estimator struct {
	ledger    Ledger
	head      uint64
	blockTime time.Duration

	once     sync.Once
	headTime time.Time
}

func (e *estimator) estimate(ctx context.Context, block uint64) time.Time {
	e.once.Do(func() {
		ts, err := e.ledger.BlockTimestamp(ctx, e.head)
		if err != nil {
			ts = time.Now().UTC()
		}
		e.headTime = ts
	})
	if block >= e.head {
		return e.headTime
	}
	return e.headTime.Add(-time.Duration(e.head-block) * e.blockTime)
}
