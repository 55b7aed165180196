package rewards

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/course_market/internal/chain"
)

// Kind is the reward event type.
type Kind string

const (
	KindCreateCourse   Kind = "CreateCourse"
	KindCompleteCourse Kind = "CompleteCourse"
)

// Kinds lists every reward kind in scan order.
var Kinds = []Kind{KindCreateCourse, KindCompleteCourse}

func (k Kind) signature() common.Hash {
	if k == KindCreateCourse {
		return chain.EventCreateCourse
	}
	return chain.EventCompleteCourse
}

func kindOf(sig common.Hash) (Kind, bool) {
	switch sig {
	case chain.EventCreateCourse:
		return KindCreateCourse, true
	case chain.EventCompleteCourse:
		return KindCompleteCourse, true
	}
	return "", false
}

// Event is a reward derived from a chain log. ID is stable across re-scans.
type Event struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Beneficiary    common.Address `json:"beneficiary"`
	Amount         string         `json:"amount"`
	CourseID       string         `json:"courseId"`
	BlockNumber    uint64         `json:"blockNumber"`
	LogIndex       uint           `json:"logIndex"`
	TxHash         common.Hash    `json:"transactionHash"`
	Timestamp      time.Time      `json:"timestamp"`
	TimestampExact bool           `json:"timestampExact"`
}

// EventID derives the identity of a log: lower-case tx hash and log index.
func EventID(txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(txHash.Hex()), logIndex)
}

// eventFromLog decodes l without resolving its timestamp.
func eventFromLog(l types.Log) (Event, error) {
	parsed, err := chain.ParseRewardLog(l)
	if err != nil {
		return Event{}, err
	}
	kind, _ := kindOf(parsed.Event)
	return Event{
		ID:          EventID(parsed.TxHash, parsed.LogIndex),
		Kind:        kind,
		Beneficiary: parsed.Beneficiary,
		Amount:      chain.FormatAmount(parsed.Amount),
		CourseID:    parsed.CourseID.String(),
		BlockNumber: parsed.BlockNumber,
		LogIndex:    parsed.LogIndex,
		TxHash:      parsed.TxHash,
	}, nil
}

// sortEvents orders newest first: block number, then log index, descending.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber > events[j].BlockNumber
		}
		return events[i].LogIndex > events[j].LogIndex
	})
}

// KindStatistics aggregates events of one kind.
type KindStatistics struct {
	Count  int    `json:"count"`
	Amount string `json:"amount"`
}

// Statistics aggregates a set of events.
type Statistics struct {
	TotalCount  int                     `json:"totalCount"`
	TotalAmount string                  `json:"totalAmount"`
	ByKind      map[Kind]KindStatistics `json:"byKind"`
}

// ComputeStatistics aggregates events from scratch. Every known kind is present
// in ByKind, with zero values when it has no events.
func ComputeStatistics(events []Event) Statistics {
	total := decimal.Zero
	sums := make(map[Kind]decimal.Decimal, len(Kinds))
	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		sums[k] = decimal.Zero
	}

	for _, e := range events {
		amount, err := decimal.NewFromString(e.Amount)
		if err != nil {
			amount = decimal.Zero
		}
		total = total.Add(amount)
		sums[e.Kind] = sums[e.Kind].Add(amount)
		counts[e.Kind]++
	}

	stats := Statistics{
		TotalCount:  len(events),
		TotalAmount: total.String(),
		ByKind:      make(map[Kind]KindStatistics, len(sums)),
	}
	for k, sum := range sums {
		stats.ByKind[k] = KindStatistics{Count: counts[k], Amount: sum.String()}
	}
	return stats
}
