// Package market defines the storefront's catalog and purchase records.
package market

import (
	"math/big"
	"time"
)

// Asset is a catalog item. Immutable from the orchestrator's perspective.
type Asset struct {
	ID       string
	Name     string
	Price    *big.Int // token smallest units
	Metadata map[string]string
}

// OwnedAsset is the durable record of a purchased asset. Created exactly
// once per confirmed purchase, keyed by transaction hash, never mutated.
type OwnedAsset struct {
	AssetID      string
	Name         string
	Price        *big.Int
	Metadata     map[string]string
	PurchasedAt  time.Time
	TxHash       string
	ExplorerLink string
}

// PendingStatus tracks a purchase between submission and durable record.
type PendingStatus string

const (
	// StatusSubmitted: payment transaction sent, receipt not yet seen.
	StatusSubmitted PendingStatus = "submitted"
	// StatusConfirmed: receipt seen, ownership record not yet written.
	StatusConfirmed PendingStatus = "confirmed"
	// StatusRecorded: ownership record durably written.
	StatusRecorded PendingStatus = "recorded"
	// StatusFailed: purchase abandoned; no ownership record exists.
	StatusFailed PendingStatus = "failed"
)

// PendingPurchase is the durable marker written before a payment is
// submitted. It makes an interrupted purchase detectable: a payment may
// exist without an ownership record, never the other way around.
type PendingPurchase struct {
	ID        string
	UserID    string
	AssetID   string
	AssetName string
	Price     *big.Int
	Metadata  map[string]string
	TxHash    string
	Status    PendingStatus
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Settleable reports whether the reconciler should still look at this
// purchase.
func (p *PendingPurchase) Settleable() bool {
	return p.Status == StatusSubmitted || p.Status == StatusConfirmed
}

// Owned builds the ownership record for a confirmed purchase.
func (p *PendingPurchase) Owned(purchasedAt time.Time, explorerLink string) OwnedAsset {
	return OwnedAsset{
		AssetID:      p.AssetID,
		Name:         p.AssetName,
		Price:        p.Price,
		Metadata:     p.Metadata,
		PurchasedAt:  purchasedAt,
		TxHash:       p.TxHash,
		ExplorerLink: explorerLink,
	}
}
