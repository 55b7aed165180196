// Package access decides whether a viewer may see course content.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/course_market/internal/domain/market"
)

// Decision is the outcome of an access check.
type Decision string

const (
	Allow                Decision = "allow"
	DenyCourseMissing    Decision = "deny_course_missing"
	DenyNotConnected     Decision = "deny_not_connected"
	DenyPurchaseRequired Decision = "deny_purchase_required"
)

// ErrAlreadyPurchased is returned by CanPurchase when the viewer owns the course.
var ErrAlreadyPurchased = errors.New("course already purchased")

// Records is the read surface of the catalog used by the gate.
type Records interface {
	Course(ctx context.Context, id string) (*market.Course, error)
	Purchase(ctx context.Context, buyer common.Address, courseID string) (*market.PurchaseRecord, bool, error)
}

// Gate evaluates the access decision table against stored records. It makes
// no chain calls.
type Gate struct {
	records Records
}

// NewGate creates a gate over records.
func NewGate(records Records) *Gate {
	return &Gate{records: records}
}

// Decide evaluates, in order: course exists, lesson is a preview, viewer is
// connected, viewer holds a verified purchase record. viewer is nil when no
// wallet is connected; lessonID may be empty.
func (g *Gate) Decide(ctx context.Context, courseID, lessonID string, viewer *common.Address) (Decision, error) {
	course, err := g.records.Course(ctx, courseID)
	if errors.Is(err, market.ErrCourseNotFound) {
		return DenyCourseMissing, nil
	}
	if err != nil {
		return "", err
	}

	if lessonID != "" {
		if lesson, ok := course.Lesson(lessonID); ok && lesson.Preview {
			return Allow, nil
		}
	}

	if viewer == nil || *viewer == (common.Address{}) {
		return DenyNotConnected, nil
	}

	owned, err := g.owns(ctx, *viewer, courseID)
	if err != nil {
		return "", err
	}
	if !owned {
		return DenyPurchaseRequired, nil
	}
	return Allow, nil
}

// HasAccess reports whether addr holds a verified purchase of courseID.
// Lookup failures deny access.
func (g *Gate) HasAccess(ctx context.Context, courseID string, addr common.Address) bool {
	d, err := g.Decide(ctx, courseID, "", &addr)
	return err == nil && d == Allow
}

// CanPurchase rejects a purchase of a missing or already owned course.
func (g *Gate) CanPurchase(ctx context.Context, courseID string, addr common.Address) error {
	if _, err := g.records.Course(ctx, courseID); err != nil {
		return err
	}
	owned, err := g.owns(ctx, addr, courseID)
	if err != nil {
		return err
	}
	if owned {
		return fmt.Errorf("%w: %s", ErrAlreadyPurchased, courseID)
	}
	return nil
}

func (g *Gate) owns(ctx context.Context, addr common.Address, courseID string) (bool, error) {
	rec, found, err := g.records.Purchase(ctx, addr, courseID)
	if err != nil {
		return false, err
	}
	return found && rec.Verified, nil
}
