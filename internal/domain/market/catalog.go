// Package market holds the course catalog and purchase records kept in the
// key-value store.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/kvstore"
)

var (
	// ErrCourseNotFound is returned when no course is stored under the id.
	ErrCourseNotFound = errors.New("course not found")
	// ErrRecordExists is returned when a different record already exists for the pair.
	ErrRecordExists = errors.New("purchase record already exists")
	// ErrUnverifiedRecord is returned when asked to store a record that is not verified.
	ErrUnverifiedRecord = errors.New("purchase record is not verified")
)

// Catalog reads and writes courses and purchase records.
type Catalog struct {
	store kvstore.Store
}

// NewCatalog creates a catalog over store.
func NewCatalog(store kvstore.Store) *Catalog {
	return &Catalog{store: store}
}

// Course loads a course or returns ErrCourseNotFound.
func (c *Catalog) Course(ctx context.Context, id string) (*Course, error) {
	var course Course
	found, err := c.store.Get(ctx, kvstore.CourseKey(id), &course)
	if err != nil {
		return nil, fmt.Errorf("load course %s: %w", id, err)
	}
	if !found {
		return nil, ErrCourseNotFound
	}
	return &course, nil
}

// PutCourse validates and stores a course, replacing any previous version.
func (c *Catalog) PutCourse(ctx context.Context, course Course) error {
	if strings.TrimSpace(course.ID) == "" {
		return fmt.Errorf("course id required")
	}
	// Purchases are submitted as purchaseCourse(uint256), so ids must be numeric.
	if _, err := chain.ParseCourseID(course.ID); err != nil {
		return err
	}
	if _, err := chain.ParseAmount(course.Price); err != nil {
		return fmt.Errorf("course %s: %w", course.ID, err)
	}
	seen := make(map[string]bool, len(course.Lessons))
	for _, l := range course.Lessons {
		if l.ID == "" || seen[l.ID] {
			return fmt.Errorf("course %s: missing or duplicate lesson id %q", course.ID, l.ID)
		}
		seen[l.ID] = true
	}
	return c.store.Set(ctx, kvstore.CourseKey(course.ID), course)
}

// Purchase loads the purchase record of buyer for courseID.
func (c *Catalog) Purchase(ctx context.Context, buyer common.Address, courseID string) (*PurchaseRecord, bool, error) {
	var rec PurchaseRecord
	found, err := c.store.Get(ctx, kvstore.PurchaseKey(buyer, courseID), &rec)
	if err != nil {
		return nil, false, fmt.Errorf("load purchase %s/%s: %w", buyer.Hex(), courseID, err)
	}
	if !found {
		return nil, false, nil
	}
	return &rec, true, nil
}

// RecordPurchase stores a verified record. Storing the same transaction twice is
// a no-op; a record for a different transaction is rejected with ErrRecordExists.
func (c *Catalog) RecordPurchase(ctx context.Context, rec PurchaseRecord) error {
	if !rec.Verified {
		return ErrUnverifiedRecord
	}
	existing, found, err := c.Purchase(ctx, rec.Buyer, rec.CourseID)
	if err != nil {
		return err
	}
	if found {
		if existing.TransactionHash == rec.TransactionHash {
			return nil
		}
		return ErrRecordExists
	}
	return c.store.Set(ctx, kvstore.PurchaseKey(rec.Buyer, rec.CourseID), rec)
}

// ResetPurchase deletes a purchase record. Used by explicit data-reset operations only.
func (c *Catalog) ResetPurchase(ctx context.Context, buyer common.Address, courseID string) error {
	return c.store.Delete(ctx, kvstore.PurchaseKey(buyer, courseID))
}
