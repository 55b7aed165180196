package purchase

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle position of a purchase attempt.
type State string

const (
	StateIdle              State = "idle"
	StateCheckingBalance   State = "checking_balance"
	StateCheckingAllowance State = "checking_allowance"
	StateApproving         State = "approving"
	StateSubmitting        State = "submitting"
	StateConfirming        State = "confirming"
	StateConfirmed         State = "confirmed"
	StateFailed            State = "failed"
)

// transitions lists the allowed successors of each state. Idle is reached again
// from a cancelled pre-submission check or a completed approval.
var transitions = map[State][]State{
	StateIdle:              {StateCheckingBalance, StateApproving, StateFailed},
	StateCheckingBalance:   {StateCheckingAllowance, StateFailed, StateIdle},
	StateCheckingAllowance: {StateSubmitting, StateFailed, StateIdle},
	StateApproving:         {StateIdle, StateFailed},
	StateSubmitting:        {StateConfirming, StateFailed},
	StateConfirming:        {StateConfirmed, StateFailed},
	StateConfirmed:         {},
	StateFailed:            {},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// cancellable reports whether an attempt in s may still be discarded without side effects.
func (s State) cancellable() bool {
	return s == StateIdle || s == StateCheckingBalance || s == StateCheckingAllowance
}

// Snapshot is the observable state of the current attempt.
type Snapshot struct {
	AttemptID       string       `json:"attemptId,omitempty"`
	CourseID        string       `json:"courseId,omitempty"`
	State           State        `json:"state"`
	Err             *Error       `json:"error,omitempty"`
	TransactionHash *common.Hash `json:"transactionHash,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
