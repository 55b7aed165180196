// Package purchase drives course purchases from the balance check to a confirmed
// on-chain transaction, and writes the purchase record only after confirmation.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/domain/market"
	"github.com/R3E-Network/course_market/internal/logging"
	"github.com/R3E-Network/course_market/internal/metrics"
)

// Ledger submits transactions and reports their receipts.
type Ledger interface {
	SendTransaction(ctx context.Context, args chain.TxArgs) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, pollInterval time.Duration) (*chain.Receipt, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*chain.Receipt, error)
}

// BalanceOracle reports token balances and allowances.
type BalanceOracle interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	AllowanceOf(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Refresh()
}

// Catalog resolves courses and persists purchase records.
type Catalog interface {
	Course(ctx context.Context, id string) (*market.Course, error)
	RecordPurchase(ctx context.Context, rec market.PurchaseRecord) error
}

// Config configures an Orchestrator for a single buyer.
type Config struct {
	// Buyer is the connected wallet. The zero address means not connected.
	Buyer       common.Address
	Token       common.Address
	Marketplace common.Address

	TxWaitTimeout time.Duration
	ReceiptPoll   time.Duration
}

// Outcome describes a confirmed purchase.
type Outcome struct {
	AttemptID string                `json:"attemptId"`
	Record    market.PurchaseRecord `json:"record"`
}

type attempt struct {
	id        string
	courseID  string
	price     *big.Int
	state     State
	err       *Error
	txHash    *common.Hash
	submitted time.Time
	cancel    context.CancelFunc
}

type pendingTx struct {
	courseID  string
	price     *big.Int
	hash      common.Hash
	submitted time.Time
}

// Orchestrator runs one purchase or approval attempt at a time for its buyer.
type Orchestrator struct {
	cfg     Config
	ledger  Ledger
	oracle  BalanceOracle
	catalog Catalog
	log     *logging.Logger
	now     func() time.Time

	mu      sync.Mutex
	current *attempt
	last    Snapshot
	pending map[common.Hash]pendingTx
	subs    map[int]chan Snapshot
	nextSub int
	closed  bool
}

// New creates an orchestrator.
func New(cfg Config, ledger Ledger, oracle BalanceOracle, catalog Catalog, log *logging.Logger) *Orchestrator {
	if cfg.TxWaitTimeout <= 0 {
		cfg.TxWaitTimeout = chain.DefaultTxWaitTimeout
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = chain.DefaultPollInterval
	}
	o := &Orchestrator{
		cfg:     cfg,
		ledger:  ledger,
		oracle:  oracle,
		catalog: catalog,
		log:     logging.OrDiscard(log).WithComponent("purchase"),
		now:     time.Now,
		pending: make(map[common.Hash]pendingTx),
		subs:    make(map[int]chan Snapshot),
	}
	o.last = Snapshot{State: StateIdle, UpdatedAt: o.now()}
	return o
}

// PurchaseCourse looks up the course price and purchases it.
func (o *Orchestrator) PurchaseCourse(ctx context.Context, courseID string) (*Outcome, error) {
	course, err := o.catalog.Course(ctx, courseID)
	if errors.Is(err, market.ErrCourseNotFound) {
		return nil, &Error{Kind: KindCourseNotFound, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return o.Purchase(ctx, course.ID, course.Price)
}

// Purchase buys courseID for price (a decimal token amount). It returns only once
// the transaction is confirmed and the purchase record is written, or the
// attempt has failed. It never approves on the caller's behalf.
func (o *Orchestrator) Purchase(ctx context.Context, courseID, price string) (*Outcome, error) {
	amount, err := chain.ParseAmount(price)
	if err != nil {
		return nil, fmt.Errorf("purchase %s: %w", courseID, err)
	}
	calldata, err := chain.EncodePurchaseCourse(courseID)
	if err != nil {
		return nil, &Error{Kind: KindCourseNotFound, Err: err}
	}

	a, actx, err := o.begin(ctx, courseID, amount)
	if err != nil {
		return nil, err
	}
	defer a.cancel()

	if o.cfg.Buyer == (common.Address{}) {
		return nil, o.fail(a, &Error{Kind: KindNotConnected})
	}

	if err := o.transition(a, StateCheckingBalance); err != nil {
		return nil, err
	}
	balance, err := o.oracle.BalanceOf(actx, o.cfg.Buyer)
	if err != nil {
		return nil, o.fail(a, classify(err))
	}
	if balance.Cmp(amount) < 0 {
		return nil, o.fail(a, &Error{
			Kind:      KindInsufficientBalance,
			Required:  amount,
			Shortfall: new(big.Int).Sub(amount, balance),
		})
	}

	if err := o.transition(a, StateCheckingAllowance); err != nil {
		return nil, err
	}
	allowance, err := o.oracle.AllowanceOf(actx, o.cfg.Buyer, o.cfg.Marketplace)
	if err != nil {
		return nil, o.fail(a, classify(err))
	}
	if allowance.Cmp(amount) < 0 {
		return nil, o.fail(a, &Error{Kind: KindApprovalRequired, Required: amount})
	}

	// From here on the attempt can no longer be cancelled, so the caller's
	// context is used instead of the attempt's.
	if err := o.transition(a, StateSubmitting); err != nil {
		return nil, err
	}
	hash, err := o.ledger.SendTransaction(ctx, chain.TxArgs{
		From: o.cfg.Buyer,
		To:   o.cfg.Marketplace,
		Data: calldata,
	})
	if err != nil {
		return nil, o.fail(a, classify(err))
	}
	o.submitted(a, hash, true)

	if err := o.transition(a, StateConfirming); err != nil {
		return nil, err
	}
	receipt, perr := o.await(ctx, hash)
	if perr != nil {
		if perr.Kind == KindUserRejected {
			o.untrack(hash)
		}
		return nil, o.fail(a, perr)
	}
	if !receipt.Succeeded() {
		o.untrack(hash)
		return nil, o.fail(a, &Error{Kind: KindTransactionFailed, Reason: ReasonRevert, TxHash: &hash,
			Err: fmt.Errorf("transaction reverted in block %d", receipt.BlockNumber)})
	}

	if err := o.setState(a, StateConfirmed, false); err != nil {
		return nil, err
	}
	rec := market.PurchaseRecord{
		CourseID:        courseID,
		Buyer:           o.cfg.Buyer,
		Price:           chain.FormatAmount(amount),
		TransactionHash: hash,
		BlockNumber:     uint64(receipt.BlockNumber),
		Timestamp:       o.now().UTC(),
		Verified:        true,
	}
	if err := o.commit(ctx, a, rec); err != nil {
		return nil, err
	}
	return &Outcome{AttemptID: a.id, Record: rec}, nil
}

// Approve raises the marketplace allowance to price and waits for confirmation.
// The allowance is read back afterwards because some wallets silently cap or
// replace the requested value.
func (o *Orchestrator) Approve(ctx context.Context, price string) error {
	amount, err := chain.ParseAmount(price)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	calldata, err := chain.EncodeApprove(o.cfg.Marketplace, amount)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}

	a, _, err := o.begin(ctx, "", amount)
	if err != nil {
		return err
	}
	defer a.cancel()

	if o.cfg.Buyer == (common.Address{}) {
		return o.fail(a, &Error{Kind: KindNotConnected})
	}
	if err := o.transition(a, StateApproving); err != nil {
		return err
	}

	hash, err := o.ledger.SendTransaction(ctx, chain.TxArgs{
		From: o.cfg.Buyer,
		To:   o.cfg.Token,
		Data: calldata,
	})
	if err != nil {
		return o.fail(a, asApprovalError(classify(err)))
	}
	o.submitted(a, hash, false)

	receipt, perr := o.await(ctx, hash)
	if perr != nil {
		return o.fail(a, asApprovalError(perr))
	}
	if !receipt.Succeeded() {
		return o.fail(a, &Error{Kind: KindApprovalFailed, Reason: ReasonRevert, TxHash: &hash,
			Err: fmt.Errorf("approval reverted in block %d", receipt.BlockNumber)})
	}

	o.oracle.Refresh()
	allowance, err := o.oracle.AllowanceOf(ctx, o.cfg.Buyer, o.cfg.Marketplace)
	if err != nil {
		return o.fail(a, &Error{Kind: KindApprovalFailed, Reason: ReasonUnknown, TxHash: &hash, Err: err})
	}
	if allowance.Cmp(amount) < 0 {
		return o.fail(a, &Error{Kind: KindApprovalFailed, Reason: ReasonAllowance, Required: amount, TxHash: &hash,
			Err: fmt.Errorf("allowance is %s after approval", chain.FormatAmount(allowance))})
	}

	if err := o.finish(a, StateIdle); err != nil {
		return err
	}
	metrics.RecordPurchase("approved")
	o.log.WithField("tx_hash", hash.Hex()).WithField("amount", chain.FormatAmount(amount)).Info("allowance approved")
	return nil
}

// Cancel discards the current attempt if it has not been submitted yet.
// Once the transaction is handed to the wallet it returns ErrNotCancellable.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.current
	if a == nil {
		return nil
	}
	if !a.state.cancellable() {
		return ErrNotCancellable
	}
	a.cancel()
	a.state = StateIdle
	o.current = nil
	o.last = Snapshot{State: StateIdle, UpdatedAt: o.now()}
	o.publishLocked(o.last)
	o.log.WithField("attempt", a.id).WithField("course_id", a.courseID).Info("purchase attempt cancelled")
	return nil
}

// Reconcile re-checks purchases whose confirmation was not observed (for
// example after TimedOut) and writes the record for any that have since been
// confirmed. It returns the records written.
func (o *Orchestrator) Reconcile(ctx context.Context) ([]market.PurchaseRecord, error) {
	o.mu.Lock()
	var inFlight common.Hash
	if o.current != nil && o.current.txHash != nil {
		inFlight = *o.current.txHash
	}
	pending := make([]pendingTx, 0, len(o.pending))
	for h, p := range o.pending {
		if h != inFlight {
			pending = append(pending, p)
		}
	}
	o.mu.Unlock()

	var (
		recorded []market.PurchaseRecord
		errs     []error
	)
	for _, p := range pending {
		receipt, err := o.ledger.TransactionReceipt(ctx, p.hash)
		if errors.Is(err, chain.ErrReceiptNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("receipt %s: %w", p.hash.Hex(), err))
			continue
		}
		if receipt.TxHash != p.hash || !receipt.Succeeded() {
			o.untrack(p.hash)
			o.log.WithField("tx_hash", p.hash.Hex()).WithField("course_id", p.courseID).Warn("pending purchase did not succeed")
			continue
		}

		rec := market.PurchaseRecord{
			CourseID:        p.courseID,
			Buyer:           o.cfg.Buyer,
			Price:           chain.FormatAmount(p.price),
			TransactionHash: p.hash,
			BlockNumber:     uint64(receipt.BlockNumber),
			Timestamp:       o.now().UTC(),
			Verified:        true,
		}
		if err := o.catalog.RecordPurchase(ctx, rec); err != nil {
			if errors.Is(err, market.ErrRecordExists) {
				// Another path already recorded this course for the buyer.
				o.untrack(p.hash)
				o.log.WithField("tx_hash", p.hash.Hex()).WithField("course_id", p.courseID).
					Warn("pending purchase already recorded, dropping")
				continue
			}
			errs = append(errs, fmt.Errorf("record %s: %w", p.courseID, err))
			continue
		}
		o.untrack(p.hash)
		recorded = append(recorded, rec)
		metrics.RecordPurchase("reconciled")
		o.log.WithField("tx_hash", p.hash.Hex()).
			WithField("course_id", p.courseID).
			WithField("pending_for", o.now().Sub(p.submitted).String()).
			Info("late purchase confirmation recorded")
	}
	if len(recorded) > 0 {
		o.oracle.Refresh()
	}
	return recorded, errors.Join(errs...)
}

// Pending returns the number of submitted purchases without a recorded outcome.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// PendingFor returns the hash of a submitted purchase of courseID whose
// outcome is not recorded yet.
func (o *Orchestrator) PendingFor(courseID string) (common.Hash, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pendingForLocked(courseID)
	return p.hash, ok
}

func (o *Orchestrator) pendingForLocked(courseID string) (pendingTx, bool) {
	for _, p := range o.pending {
		if p.courseID == courseID {
			return p, true
		}
	}
	return pendingTx{}, false
}

// Snapshot returns the observable state of the current or last attempt.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Subscribe returns a channel receiving every state change, starting with the
// current snapshot. Slow readers lose the oldest undelivered snapshots. The
// returned function unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan Snapshot, 16)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.snapshotLocked()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.subs[id]; ok {
			delete(o.subs, id)
			close(c)
		}
	}
}

// Close discards a cancellable attempt and closes all subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	if o.current != nil && o.current.state.cancellable() {
		o.current.cancel()
		o.current = nil
	}
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
}

// =============================================================================
// Lifecycle helpers
// =============================================================================

func (o *Orchestrator) begin(ctx context.Context, courseID string, price *big.Int) (*attempt, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != nil {
		return nil, nil, ErrBusy
	}
	if courseID != "" {
		if p, ok := o.pendingForLocked(courseID); ok {
			hash := p.hash
			return nil, nil, &Error{Kind: KindPurchasePending, TxHash: &hash,
				Err: fmt.Errorf("course %s was submitted at %s and is awaiting reconciliation", courseID, p.submitted.UTC().Format(time.RFC3339))}
		}
	}
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{
		id:       uuid.NewString(),
		courseID: courseID,
		price:    price,
		state:    StateIdle,
		cancel:   cancel,
	}
	o.current = a
	return a, actx, nil
}

func (o *Orchestrator) transition(a *attempt, to State) error {
	return o.setState(a, to, true)
}

func (o *Orchestrator) setState(a *attempt, to State, notify bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setStateLocked(a, to, notify)
}

func (o *Orchestrator) setStateLocked(a *attempt, to State, notify bool) error {
	if o.current != a {
		return ErrCancelled
	}
	if !CanTransition(a.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
	}
	a.state = to
	if notify {
		o.publishLocked(o.snapshotOf(a))
	}
	return nil
}

// finish moves a to a resting state and releases it.
func (o *Orchestrator) finish(a *attempt, to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != a {
		return ErrCancelled
	}
	if a.state != to {
		if !CanTransition(a.state, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, to)
		}
		a.state = to
	}
	o.current = nil
	o.last = o.snapshotOf(a)
	o.publishLocked(o.last)
	return nil
}

// fail ends a with perr. It emits exactly one snapshot and one log line.
// A discarded attempt yields ErrCancelled instead.
func (o *Orchestrator) fail(a *attempt, perr *Error) error {
	if perr.TxHash == nil && a.txHash != nil {
		perr.TxHash = a.txHash
	}

	o.mu.Lock()
	if o.current != a {
		o.mu.Unlock()
		return ErrCancelled
	}
	if !CanTransition(a.state, StateFailed) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.state, StateFailed)
	}
	a.state = StateFailed
	a.err = perr
	o.current = nil
	o.last = o.snapshotOf(a)
	o.publishLocked(o.last)
	o.mu.Unlock()

	metrics.RecordPurchase(string(perr.Kind))
	entry := o.log.WithField("attempt", a.id).WithField("kind", perr.Kind)
	if a.courseID != "" {
		entry = entry.WithField("course_id", a.courseID)
	}
	if perr.TxHash != nil {
		entry = entry.WithField("tx_hash", perr.TxHash.Hex())
	}
	entry.WithError(perr).Warn("purchase attempt failed")
	return perr
}

// commit persists the record of a confirmed attempt, then refreshes the oracle,
// then publishes the Confirmed snapshot. Records are only ever written from
// the Confirmed state.
func (o *Orchestrator) commit(ctx context.Context, a *attempt, rec market.PurchaseRecord) error {
	o.mu.Lock()
	if o.current != a || a.state != StateConfirmed {
		state := a.state
		o.mu.Unlock()
		return fmt.Errorf("%w: record written from %s", ErrInvalidTransition, state)
	}
	o.mu.Unlock()

	if err := o.catalog.RecordPurchase(ctx, rec); err != nil {
		// The transaction stays pending so Reconcile can retry the write.
		hash := rec.TransactionHash
		return o.failUnrecorded(a, &Error{Kind: KindTransactionFailed, Reason: ReasonUnknown, TxHash: &hash,
			Err: fmt.Errorf("confirmed but not recorded: %w", err)})
	}
	o.untrack(rec.TransactionHash)
	o.oracle.Refresh()

	if err := o.finish(a, StateConfirmed); err != nil {
		return err
	}
	metrics.RecordPurchase("confirmed")
	metrics.ObserveConfirmation(o.now().Sub(a.submitted))
	o.log.WithField("attempt", a.id).
		WithField("course_id", rec.CourseID).
		WithField("tx_hash", rec.TransactionHash.Hex()).
		WithField("block", rec.BlockNumber).
		Info("purchase confirmed")
	return nil
}

// failUnrecorded ends a mined attempt whose record could not be written. The
// Confirmed state was never published, so subscribers see Confirming -> Failed.
func (o *Orchestrator) failUnrecorded(a *attempt, perr *Error) error {
	o.mu.Lock()
	if o.current != a || a.state != StateConfirmed {
		state := a.state
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateFailed)
	}
	a.state = StateFailed
	a.err = perr
	o.current = nil
	o.last = o.snapshotOf(a)
	o.publishLocked(o.last)
	o.mu.Unlock()

	metrics.RecordPurchase("unrecorded")
	o.log.WithField("attempt", a.id).
		WithField("course_id", a.courseID).
		WithField("tx_hash", perr.TxHash.Hex()).
		WithError(perr).Error("confirmed purchase could not be recorded")
	return perr
}

// submitted records the transaction hash on a. Purchases are also tracked for Reconcile.
func (o *Orchestrator) submitted(a *attempt, hash common.Hash, track bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := hash
	a.txHash = &h
	a.submitted = o.now()
	if track {
		o.pending[hash] = pendingTx{courseID: a.courseID, price: a.price, hash: hash, submitted: a.submitted}
	}
	if o.current == a && a.state == StateApproving {
		o.publishLocked(o.snapshotOf(a))
	}
}

func (o *Orchestrator) untrack(hash common.Hash) {
	o.mu.Lock()
	delete(o.pending, hash)
	o.mu.Unlock()
}

// await waits for the receipt of hash, bounded by the configured timeout.
func (o *Orchestrator) await(ctx context.Context, hash common.Hash) (*chain.Receipt, *Error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.TxWaitTimeout)
	defer cancel()

	receipt, err := o.ledger.WaitForReceipt(waitCtx, hash, o.cfg.ReceiptPoll)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindTimedOut, TxHash: &hash,
				Err: fmt.Errorf("no receipt within %s: %w", o.cfg.TxWaitTimeout, err)}
		}
		perr := classify(err)
		perr.TxHash = &hash
		return nil, perr
	}
	if receipt.TxHash != hash {
		return nil, &Error{Kind: KindTransactionFailed, Reason: ReasonUnknown, TxHash: &hash,
			Err: fmt.Errorf("receipt is for %s", receipt.TxHash.Hex())}
	}
	return receipt, nil
}

func asApprovalError(perr *Error) *Error {
	if perr.Kind == KindTransactionFailed {
		perr.Kind = KindApprovalFailed
	}
	return perr
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	if o.current != nil {
		return o.snapshotOf(o.current)
	}
	return o.last
}

func (o *Orchestrator) snapshotOf(a *attempt) Snapshot {
	return Snapshot{
		AttemptID:       a.id,
		CourseID:        a.courseID,
		State:           a.state,
		Err:             a.err,
		TransactionHash: a.txHash,
		UpdatedAt:       o.now(),
	}
}

func (o *Orchestrator) publishLocked(s Snapshot) {
	for _, ch := range o.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Drop the oldest snapshot to make room.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
