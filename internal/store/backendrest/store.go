// Package backendrest implements the purchase store on the hosted
// backend's REST API.
package backendrest

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/jiggy606/amazon-clone/internal/backend"
	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/store"
)

// Store persists purchase markers in the pending_purchases collection and
// ownership records in owned_assets. Ownership appends upsert on
// (user_id, tx_hash) so retries cannot duplicate a record.
type Store struct {
	client *backend.Client
}

// New creates a REST-backed purchase store.
func New(client *backend.Client) *Store {
	return &Store{client: client}
}

var _ store.PurchaseStore = (*Store)(nil)

type pendingRow struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	AssetID   string            `json:"asset_id"`
	AssetName string            `json:"asset_name"`
	Price     string            `json:"price"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TxHash    string            `json:"tx_hash"`
	Status    string            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type ownedRow struct {
	UserID       string            `json:"user_id"`
	AssetID      string            `json:"asset_id"`
	Name         string            `json:"name"`
	Price        string            `json:"price"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PurchasedAt  time.Time         `json:"purchased_at"`
	TxHash       string            `json:"tx_hash"`
	ExplorerLink string            `json:"explorer_link"`
}

// CreatePending writes a new purchase marker and returns it with its
// assigned ID and timestamps.
func (s *Store) CreatePending(ctx context.Context, p market.PendingPurchase) (market.PendingPurchase, error) {
	now := time.Now().UTC()
	p.ID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.client.From("pending_purchases").Insert(ctx, pendingToRow(p)); err != nil {
		return market.PendingPurchase{}, fmt.Errorf("create pending: %w", err)
	}
	return p, nil
}

// UpdatePending rewrites an existing marker.
func (s *Store) UpdatePending(ctx context.Context, p market.PendingPurchase) (market.PendingPurchase, error) {
	if p.ID == "" {
		return market.PendingPurchase{}, store.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()

	row := pendingToRow(p)
	err := s.client.From("pending_purchases").Eq("id", p.ID).Update(ctx, map[string]any{
		"tx_hash":    row.TxHash,
		"status":     row.Status,
		"reason":     row.Reason,
		"updated_at": row.UpdatedAt,
	})
	if err != nil {
		return market.PendingPurchase{}, fmt.Errorf("update pending %s: %w", p.ID, err)
	}
	return p, nil
}

// GetPending fetches one marker by ID.
func (s *Store) GetPending(ctx context.Context, id string) (market.PendingPurchase, error) {
	var row pendingRow
	err := s.client.From("pending_purchases").Eq("id", id).Single().Execute(ctx, &row)
	if err != nil {
		return market.PendingPurchase{}, fmt.Errorf("get pending %s: %w", id, err)
	}
	return rowToPending(row)
}

// ListUnsettled returns markers the reconciler still needs to resolve.
func (s *Store) ListUnsettled(ctx context.Context) ([]market.PendingPurchase, error) {
	var rows []pendingRow
	err := s.client.From("pending_purchases").
		In("status", []string{string(market.StatusSubmitted), string(market.StatusConfirmed)}).
		Order("created_at", true).
		Execute(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list unsettled: %w", err)
	}

	pending := make([]market.PendingPurchase, 0, len(rows))
	for _, row := range rows {
		p, err := rowToPending(row)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}
	return pending, nil
}

// AppendOwned upserts an ownership record keyed on (user_id, tx_hash).
func (s *Store) AppendOwned(ctx context.Context, userID string, owned market.OwnedAsset) error {
	if owned.TxHash == "" {
		return fmt.Errorf("owned asset requires a transaction hash")
	}

	row := ownedRow{
		UserID:       userID,
		AssetID:      owned.AssetID,
		Name:         owned.Name,
		Price:        bigString(owned.Price),
		Metadata:     owned.Metadata,
		PurchasedAt:  owned.PurchasedAt,
		TxHash:       owned.TxHash,
		ExplorerLink: owned.ExplorerLink,
	}
	err := s.client.From("owned_assets").OnConflict("user_id,tx_hash").Insert(ctx, row)
	if err != nil {
		return fmt.Errorf("append owned: %w", err)
	}
	return nil
}

// ListOwned returns the user's ownership records, oldest first.
func (s *Store) ListOwned(ctx context.Context, userID string) ([]market.OwnedAsset, error) {
	var rows []ownedRow
	err := s.client.From("owned_assets").
		Eq("user_id", userID).
		Order("purchased_at", true).
		Execute(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list owned: %w", err)
	}

	owned := make([]market.OwnedAsset, 0, len(rows))
	for _, row := range rows {
		price, err := parseBig(row.Price)
		if err != nil {
			return nil, fmt.Errorf("owned %s: %w", row.TxHash, err)
		}
		owned = append(owned, market.OwnedAsset{
			AssetID:      row.AssetID,
			Name:         row.Name,
			Price:        price,
			Metadata:     row.Metadata,
			PurchasedAt:  row.PurchasedAt,
			TxHash:       row.TxHash,
			ExplorerLink: row.ExplorerLink,
		})
	}
	return owned, nil
}

func pendingToRow(p market.PendingPurchase) pendingRow {
	return pendingRow{
		ID:        p.ID,
		UserID:    p.UserID,
		AssetID:   p.AssetID,
		AssetName: p.AssetName,
		Price:     bigString(p.Price),
		Metadata:  p.Metadata,
		TxHash:    p.TxHash,
		Status:    string(p.Status),
		Reason:    p.Reason,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func rowToPending(row pendingRow) (market.PendingPurchase, error) {
	price, err := parseBig(row.Price)
	if err != nil {
		return market.PendingPurchase{}, fmt.Errorf("pending %s: %w", row.ID, err)
	}
	return market.PendingPurchase{
		ID:        row.ID,
		UserID:    row.UserID,
		AssetID:   row.AssetID,
		AssetName: row.AssetName,
		Price:     price,
		Metadata:  row.Metadata,
		TxHash:    row.TxHash,
		Status:    market.PendingStatus(row.Status),
		Reason:    row.Reason,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad numeric value %q", s)
	}
	return v, nil
}
