package market

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Course is a purchasable course listed in the marketplace.
type Course struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Price   string   `json:"price" yaml:"price"`
	Creator string   `json:"creator,omitempty" yaml:"creator"`
	Lessons []Lesson `json:"lessons,omitempty" yaml:"lessons"`
}

// Lesson is a single unit of course content. Preview lessons are free to view.
type Lesson struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Preview bool   `json:"preview" yaml:"preview"`
}

// Lesson looks up a lesson by id.
func (c Course) Lesson(id string) (Lesson, bool) {
	for _, l := range c.Lessons {
		if l.ID == id {
			return l, true
		}
	}
	return Lesson{}, false
}

// PurchaseRecord proves that buyer owns a course. It is written once, after the
// purchase transaction is confirmed, and never modified.
type PurchaseRecord struct {
	CourseID        string         `json:"courseId"`
	Buyer           common.Address `json:"buyer"`
	Price           string         `json:"price"`
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     uint64         `json:"blockNumber"`
	Timestamp       time.Time      `json:"timestamp"`
	Verified        bool           `json:"verified"`
}
