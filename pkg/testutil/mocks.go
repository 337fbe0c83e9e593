// Package testutil provides common testing utilities and mock
// implementations shared across packages.
package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jiggy606/amazon-clone/internal/backend"
	"github.com/jiggy606/amazon-clone/internal/chain"
)

// MockExecutor is a test implementation of chain.Executor. Submitted calls
// and transfers are recorded; receipts are served from the Receipts map.
type MockExecutor struct {
	mu sync.Mutex

	Calls     []chain.CallOpts
	Transfers []chain.TransferOpts
	Waits     []int               // confirmation depths requested from Wait
	Balances  map[string]*big.Int // account -> balance

	// Receipts maps tx hash to the receipt Wait returns. A missing entry
	// makes Wait fail; a nil entry simulates a never-included payment.
	Receipts map[string]*chain.Receipt
	// AutoConfirm makes Wait succeed for any hash without a Receipts entry.
	AutoConfirm bool

	ExecuteErr  error
	TransferErr error
	BalanceErr  error

	nextHash int
}

// NewMockExecutor creates an empty mock executor.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		Balances: make(map[string]*big.Int),
		Receipts: make(map[string]*chain.Receipt),
	}
}

// ExecuteFunction records the call and returns a tx confirmed immediately
// unless ExecuteErr is set.
func (m *MockExecutor) ExecuteFunction(_ context.Context, opts chain.CallOpts) (*chain.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExecuteErr != nil {
		return nil, m.ExecuteErr
	}
	m.Calls = append(m.Calls, opts)
	return chain.NewTx(m.mintHashLocked(), m), nil
}

// Transfer records the transfer and returns a tx unless TransferErr is set.
func (m *MockExecutor) Transfer(_ context.Context, opts chain.TransferOpts) (*chain.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TransferErr != nil {
		return nil, m.TransferErr
	}
	m.Transfers = append(m.Transfers, opts)
	return chain.NewTx(m.mintHashLocked(), m), nil
}

// BalanceOf serves the configured balance, defaulting to zero.
func (m *MockExecutor) BalanceOf(_ context.Context, _, account string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BalanceErr != nil {
		return nil, m.BalanceErr
	}
	if b, ok := m.Balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

// WaitForReceipt serves the configured receipt for the hash.
func (m *MockExecutor) WaitForReceipt(_ context.Context, txHash string, confirmations int) (*chain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Waits = append(m.Waits, confirmations)
	receipt, ok := m.Receipts[txHash]
	if !ok {
		if m.AutoConfirm {
			return &chain.Receipt{TransactionHash: txHash, BlockNumber: 1, Status: 1}, nil
		}
		return nil, fmt.Errorf("no receipt configured for %s", txHash)
	}
	if receipt == nil {
		return nil, fmt.Errorf("transaction %s not included", txHash)
	}
	return receipt, nil
}

// TransactionReceipt serves the configured receipt, nil when not included.
func (m *MockExecutor) TransactionReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Receipts[txHash], nil
}

// Confirm registers a successful receipt for the next-submitted or an
// existing hash.
func (m *MockExecutor) Confirm(txHash string, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Receipts[txHash] = &chain.Receipt{TransactionHash: txHash, BlockNumber: block, Status: 1}
}

// LastHash returns the most recently submitted transaction hash.
func (m *MockExecutor) LastHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextHash == 0 {
		return ""
	}
	return fmt.Sprintf("0xmock%04d", m.nextHash)
}

func (m *MockExecutor) mintHashLocked() string {
	m.nextHash++
	return fmt.Sprintf("0xmock%04d", m.nextHash)
}

// MockSession is a test session service.
type MockSession struct {
	mu sync.Mutex

	Session     *backend.Session
	AuthErr     error
	NicknameErr error
	AuthCalls   int
}

// NewMockSession creates a session service already authenticated as the
// given user and wallet. Pass empty strings for an unauthenticated one.
func NewMockSession(userID, wallet string) *MockSession {
	m := &MockSession{}
	if userID != "" {
		m.Session = &backend.Session{
			UserID:    userID,
			Wallet:    wallet,
			Nickname:  "tester",
			ExpiresAt: time.Now().Add(time.Hour),
		}
	}
	return m
}

func (m *MockSession) Authenticate(context.Context) (*backend.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthCalls++
	if m.AuthErr != nil {
		return nil, m.AuthErr
	}
	if m.Session == nil {
		m.Session = &backend.Session{
			UserID:    "mock-user",
			Wallet:    "0x00000000000000000000000000000000000000aa",
			ExpiresAt: time.Now().Add(time.Hour),
		}
	}
	copied := *m.Session
	return &copied, nil
}

func (m *MockSession) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Session != nil && time.Now().Before(m.Session.ExpiresAt)
}

func (m *MockSession) Current() *backend.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Session == nil {
		return nil
	}
	copied := *m.Session
	return &copied
}

func (m *MockSession) Nickname(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NicknameErr != nil {
		return "", m.NicknameErr
	}
	if m.Session == nil {
		return "", fmt.Errorf("not authenticated")
	}
	return m.Session.Nickname, nil
}
