// Package postgres implements the purchase store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/store"
)

// Store implements store.PurchaseStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.PurchaseStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreatePending(ctx context.Context, p market.PendingPurchase) (market.PendingPurchase, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return market.PendingPurchase{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_purchases (id, user_id, asset_id, asset_name, price, metadata, tx_hash, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, p.ID, p.UserID, p.AssetID, p.AssetName, bigString(p.Price), metadataJSON, p.TxHash, string(p.Status), p.Reason, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return market.PendingPurchase{}, err
	}
	return p, nil
}

func (s *Store) UpdatePending(ctx context.Context, p market.PendingPurchase) (market.PendingPurchase, error) {
	p.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_purchases
		SET tx_hash = $2, status = $3, reason = $4, updated_at = $5
		WHERE id = $1
	`, p.ID, p.TxHash, string(p.Status), p.Reason, p.UpdatedAt)
	if err != nil {
		return market.PendingPurchase{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return market.PendingPurchase{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPending(ctx context.Context, id string) (market.PendingPurchase, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, asset_id, asset_name, price, metadata, tx_hash, status, reason, created_at, updated_at
		FROM pending_purchases
		WHERE id = $1
	`, id)

	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return market.PendingPurchase{}, store.ErrNotFound
	}
	return p, err
}

func (s *Store) ListUnsettled(ctx context.Context) ([]market.PendingPurchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, asset_id, asset_name, price, metadata, tx_hash, status, reason, created_at, updated_at
		FROM pending_purchases
		WHERE status IN ('submitted', 'confirmed')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.PendingPurchase
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// AppendOwned writes the ownership record, deduplicating on transaction
// hash so a retried write is a no-op.
func (s *Store) AppendOwned(ctx context.Context, userID string, owned market.OwnedAsset) error {
	if owned.TxHash == "" {
		return fmt.Errorf("owned asset requires a transaction hash")
	}

	metadataJSON, err := json.Marshal(owned.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO owned_assets (user_id, asset_id, name, price, metadata, purchased_at, tx_hash, explorer_link)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, tx_hash) DO NOTHING
	`, userID, owned.AssetID, owned.Name, bigString(owned.Price), metadataJSON, owned.PurchasedAt, owned.TxHash, owned.ExplorerLink)
	return err
}

func (s *Store) ListOwned(ctx context.Context, userID string) ([]market.OwnedAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, name, price, metadata, purchased_at, tx_hash, explorer_link
		FROM owned_assets
		WHERE user_id = $1
		ORDER BY purchased_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []market.OwnedAsset
	for rows.Next() {
		var (
			o           market.OwnedAsset
			priceRaw    string
			metadataRaw []byte
		)
		if err := rows.Scan(&o.AssetID, &o.Name, &priceRaw, &metadataRaw, &o.PurchasedAt, &o.TxHash, &o.ExplorerLink); err != nil {
			return nil, err
		}
		o.Price = parseBig(priceRaw)
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &o.Metadata)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (market.PendingPurchase, error) {
	var (
		p           market.PendingPurchase
		priceRaw    string
		metadataRaw []byte
		status      string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.AssetID, &p.AssetName, &priceRaw, &metadataRaw, &p.TxHash, &status, &p.Reason, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return market.PendingPurchase{}, err
	}
	p.Price = parseBig(priceRaw)
	p.Status = market.PendingStatus(status)
	if len(metadataRaw) > 0 {
		_ = json.Unmarshal(metadataRaw, &p.Metadata)
	}
	return p, nil
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func parseBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}
