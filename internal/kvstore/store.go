// Package kvstore is the key-value persistence used for purchase records and
// course metadata. Values are stored as JSON.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Store is a JSON key-value store. Get reports false for a missing key rather
// than returning an error.
type Store interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
}

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("kvstore: empty key")

// PurchaseKey is the key of the purchase record of buyer for courseID.
func PurchaseKey(buyer common.Address, courseID string) string {
	return fmt.Sprintf("purchase:%s:%s", strings.ToLower(buyer.Hex()), courseID)
}

// CourseKey is the key of the course metadata of courseID.
func CourseKey(courseID string) string {
	return "course:" + courseID
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
