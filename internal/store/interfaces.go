// Package store defines persistence for purchase markers and ownership
// records.
package store

import (
	"context"
	"errors"

	"github.com/jiggy606/amazon-clone/internal/domain/market"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// PurchaseStore persists pending purchase markers and the per-user
// ownership record. AppendOwned is idempotent on transaction hash: a second
// append with the same hash is a no-op, so a retry after a partial failure
// never duplicates an ownership record.
type PurchaseStore interface {
	CreatePending(ctx context.Context, p market.PendingPurchase) (market.PendingPurchase, error)
	UpdatePending(ctx context.Context, p market.PendingPurchase) (market.PendingPurchase, error)
	GetPending(ctx context.Context, id string) (market.PendingPurchase, error)
	ListUnsettled(ctx context.Context) ([]market.PendingPurchase, error)

	AppendOwned(ctx context.Context, userID string, owned market.OwnedAsset) error
	ListOwned(ctx context.Context, userID string) ([]market.OwnedAsset, error)
}
