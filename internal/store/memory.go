package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jiggy606/amazon-clone/internal/domain/market"
)

// Memory is a thread-safe in-memory PurchaseStore. It is intended for tests
// and prototyping and deliberately keeps the implementation simple.
type Memory struct {
	mu      sync.RWMutex
	nextID  int64
	pending map[string]market.PendingPurchase
	owned   map[string][]market.OwnedAsset
	ownedTx map[string]map[string]bool // userID -> txHash seen
}

var _ PurchaseStore = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nextID:  1,
		pending: make(map[string]market.PendingPurchase),
		owned:   make(map[string][]market.OwnedAsset),
		ownedTx: make(map[string]map[string]bool),
	}
}

func (m *Memory) nextIDLocked() string {
	id := m.nextID
	m.nextID++
	return fmt.Sprintf("%d", id)
}

func (m *Memory) CreatePending(_ context.Context, p market.PendingPurchase) (market.PendingPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == "" {
		p.ID = m.nextIDLocked()
	} else if _, exists := m.pending[p.ID]; exists {
		return market.PendingPurchase{}, fmt.Errorf("pending purchase %s already exists", p.ID)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Metadata = copyMap(p.Metadata)

	m.pending[p.ID] = p
	return clonePending(p), nil
}

func (m *Memory) UpdatePending(_ context.Context, p market.PendingPurchase) (market.PendingPurchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	original, ok := m.pending[p.ID]
	if !ok {
		return market.PendingPurchase{}, ErrNotFound
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.Metadata = copyMap(p.Metadata)

	m.pending[p.ID] = p
	return clonePending(p), nil
}

func (m *Memory) GetPending(_ context.Context, id string) (market.PendingPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pending[id]
	if !ok {
		return market.PendingPurchase{}, ErrNotFound
	}
	return clonePending(p), nil
}

func (m *Memory) ListUnsettled(_ context.Context) ([]market.PendingPurchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]market.PendingPurchase, 0)
	for _, p := range m.pending {
		if p.Settleable() {
			result = append(result, clonePending(p))
		}
	}
	return result, nil
}

func (m *Memory) AppendOwned(_ context.Context, userID string, owned market.OwnedAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owned.TxHash == "" {
		return fmt.Errorf("owned asset requires a transaction hash")
	}

	seen := m.ownedTx[userID]
	if seen == nil {
		seen = make(map[string]bool)
		m.ownedTx[userID] = seen
	}
	if seen[owned.TxHash] {
		return nil // already recorded for this payment
	}
	seen[owned.TxHash] = true

	owned.Metadata = copyMap(owned.Metadata)
	m.owned[userID] = append(m.owned[userID], owned)
	return nil
}

func (m *Memory) ListOwned(_ context.Context, userID string) ([]market.OwnedAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.owned[userID]
	result := make([]market.OwnedAsset, 0, len(items))
	for _, o := range items {
		o.Metadata = copyMap(o.Metadata)
		result = append(result, o)
	}
	return result, nil
}

// Helpers ---------------------------------------------------------------------

func copyMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func clonePending(p market.PendingPurchase) market.PendingPurchase {
	p.Metadata = copyMap(p.Metadata)
	return p
}
