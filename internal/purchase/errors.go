package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/course_market/internal/chain"
)

// Kind classifies a terminal purchase failure.
type Kind string

const (
	KindNotConnected        Kind = "not_connected"
	KindCourseNotFound      Kind = "course_not_found"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindApprovalRequired    Kind = "approval_required"
	KindApprovalFailed      Kind = "approval_failed"
	KindUserRejected        Kind = "user_rejected"
	KindTransactionFailed   Kind = "transaction_failed"
	KindTimedOut            Kind = "timed_out"
	// KindPurchasePending means an earlier purchase of the same course was
	// submitted but its outcome is not known yet.
	KindPurchasePending Kind = "purchase_pending"
)

// Reason refines KindTransactionFailed and KindApprovalFailed.
type Reason string

const (
	ReasonGas       Reason = "gas"
	ReasonAllowance Reason = "allowance"
	ReasonRevert    Reason = "revert"
	ReasonUnknown   Reason = "unknown"
)

// Error is a classified purchase failure. errors.Is matches on Kind, and on
// Reason when the target sets one.
type Error struct {
	Kind   Kind
	Reason Reason
	// Shortfall is set for KindInsufficientBalance, in token base units.
	Shortfall *big.Int
	// Required is the amount that had to be covered by the balance or allowance.
	Required *big.Int
	TxHash   *common.Hash
	Err      error
}

// Sentinels for errors.Is.
var (
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrCourseNotFound      = &Error{Kind: KindCourseNotFound}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrApprovalRequired    = &Error{Kind: KindApprovalRequired}
	ErrApprovalFailed      = &Error{Kind: KindApprovalFailed}
	ErrUserRejected        = &Error{Kind: KindUserRejected}
	ErrTransactionFailed   = &Error{Kind: KindTransactionFailed}
	ErrTimedOut            = &Error{Kind: KindTimedOut}
	ErrPurchasePending     = &Error{Kind: KindPurchasePending}
)

var (
	// ErrInvalidTransition reports an attempted state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid purchase state transition")
	// ErrNotCancellable is returned by Cancel once the transaction has been handed to the wallet.
	ErrNotCancellable = errors.New("purchase already submitted and cannot be cancelled")
	// ErrBusy is returned when an attempt is already in flight.
	ErrBusy = errors.New("a purchase attempt is already in progress")
	// ErrCancelled is returned to the caller whose attempt was discarded by Cancel.
	ErrCancelled = errors.New("purchase attempt cancelled")
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString(" (" + string(e.Reason) + ")")
	}
	switch {
	case e.Shortfall != nil:
		fmt.Fprintf(&b, ": short by %s", chain.FormatAmount(e.Shortfall))
	case e.Kind == KindApprovalRequired && e.Required != nil:
		fmt.Fprintf(&b, ": allowance must cover %s", chain.FormatAmount(e.Required))
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// MarshalJSON renders the error for API responses and the state stream.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind      Kind         `json:"kind"`
		Reason    Reason       `json:"reason,omitempty"`
		Message   string       `json:"message"`
		Shortfall string       `json:"shortfall,omitempty"`
		Required  string       `json:"required,omitempty"`
		TxHash    *common.Hash `json:"transactionHash,omitempty"`
	}{Kind: e.Kind, Reason: e.Reason, Message: e.Error(), TxHash: e.TxHash}
	if e.Shortfall != nil {
		out.Shortfall = chain.FormatAmount(e.Shortfall)
	}
	if e.Required != nil {
		out.Required = chain.FormatAmount(e.Required)
	}
	return json.Marshal(out)
}

// classify maps a wallet or node failure to a purchase error. Wallet messages
// are not standardised, so matching on message text is best effort.
func classify(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		cp := *pe
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimedOut, Err: err}
	}

	var rpcErr *chain.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == 4001 {
		return &Error{Kind: KindUserRejected, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected"), strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected by user"):
		return &Error{Kind: KindUserRejected, Err: err}
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "gas"):
		return &Error{Kind: KindTransactionFailed, Reason: ReasonGas, Err: err}
	case strings.Contains(msg, "allowance"):
		return &Error{Kind: KindTransactionFailed, Reason: ReasonAllowance, Err: err}
	case strings.Contains(msg, "revert"):
		return &Error{Kind: KindTransactionFailed, Reason: ReasonRevert, Err: err}
	default:
		return &Error{Kind: KindTransactionFailed, Reason: ReasonUnknown, Err: err}
	}
}
