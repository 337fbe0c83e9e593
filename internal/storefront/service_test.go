package storefront

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jiggy606/amazon-clone/internal/chain"
	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/store"
	"github.com/jiggy606/amazon-clone/pkg/testutil"
)

const (
	testCoinContract = "0x00000000000000000000000000000000000000c0"
	testCollection   = "0x00000000000000000000000000000000000000c1"
	testWallet       = "0x00000000000000000000000000000000000000aa"
)

func testConfig() Config {
	return Config{
		CoinContract:        testCoinContract,
		CollectionAddress:   testCollection,
		UnitPrice:           big.NewInt(100000000000000),
		TokenConfirmations:  4,
		AssetConfirmations:  1,
		ExplorerURLTemplate: "https://rinkeby.etherscan.io/tx/%s",
	}
}

func newTestService(t *testing.T, exec chain.Executor, purchases store.PurchaseStore, session SessionService, opts ...Option) *Service {
	t.Helper()
	s, err := New(testConfig(), exec, purchases, nil, session, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testAsset(price int64) market.Asset {
	return market.Asset{
		ID:       "asset-1",
		Name:     "Echo Dot",
		Price:    big.NewInt(price),
		Metadata: map[string]string{"img": "dot.png"},
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []market.OwnedAsset
}

func (n *recordingNotifier) PurchaseCompleted(owned market.OwnedAsset) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, owned)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed)
}

// failingStore wraps a PurchaseStore and fails AppendOwned while armed.
type failingStore struct {
	store.PurchaseStore
	mu     sync.Mutex
	broken bool
}

func (f *failingStore) AppendOwned(ctx context.Context, userID string, owned market.OwnedAsset) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return errors.New("record service unavailable")
	}
	return f.PurchaseStore.AppendOwned(ctx, userID, owned)
}

func (f *failingStore) setBroken(broken bool) {
	f.mu.Lock()
	f.broken = broken
	f.mu.Unlock()
}

func TestBuyTokensComputesMsgValue(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.AutoConfirm = true
	session := testutil.NewMockSession("user-1", testWallet)
	s := newTestService(t, exec, store.NewMemory(), session)

	result, err := s.BuyTokens(context.Background(), 5)
	if err != nil {
		t.Fatalf("BuyTokens: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	if len(exec.Calls) != 1 {
		t.Fatalf("got %d submissions, want 1", len(exec.Calls))
	}
	call := exec.Calls[0]
	want := big.NewInt(500000000000000)
	if call.MsgValue.Cmp(want) != 0 {
		t.Errorf("msg value = %s, want %s", call.MsgValue, want)
	}
	if call.Signature != "mint(uint256)" {
		t.Errorf("signature = %q", call.Signature)
	}
	if call.From != testWallet {
		t.Errorf("from = %q", call.From)
	}

	if len(exec.Waits) != 1 || exec.Waits[0] != 4 {
		t.Errorf("wait confirmations = %v, want [4]", exec.Waits)
	}
	if result.ExplorerLink != "https://rinkeby.etherscan.io/tx/"+result.TxHash {
		t.Errorf("explorer link = %q", result.ExplorerLink)
	}
}

func TestBuyTokensAuthenticatesInPlace(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.AutoConfirm = true
	session := testutil.NewMockSession("", "")
	s := newTestService(t, exec, store.NewMemory(), session)

	result, err := s.BuyTokens(context.Background(), 1)
	if err != nil {
		t.Fatalf("BuyTokens: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if session.AuthCalls != 1 {
		t.Errorf("auth calls = %d, want 1", session.AuthCalls)
	}
}

func TestBuyTokensAuthFailure(t *testing.T) {
	exec := testutil.NewMockExecutor()
	session := testutil.NewMockSession("", "")
	session.AuthErr = errors.New("wallet rejected")
	s := newTestService(t, exec, store.NewMemory(), session)

	result, err := s.BuyTokens(context.Background(), 1)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Outcome != OutcomeAuthRequired {
		t.Errorf("outcome = %s, want auth_required", result.Outcome)
	}
	if len(exec.Calls) != 0 {
		t.Errorf("submitted %d calls without a session", len(exec.Calls))
	}
}

func TestBuyTokensClearsInFlightOnFailure(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.ExecuteErr = errors.New("node unavailable")
	session := testutil.NewMockSession("user-1", testWallet)
	s := newTestService(t, exec, store.NewMemory(), session)

	result, err := s.BuyTokens(context.Background(), 1)
	if err == nil || result.Outcome != OutcomeTransactionFailed {
		t.Fatalf("result = %+v, err = %v", result, err)
	}

	// The flag must be cleared by the failed attempt.
	exec.ExecuteErr = nil
	exec.AutoConfirm = true
	if result, err := s.BuyTokens(context.Background(), 1); err != nil || result.Outcome != OutcomeSuccess {
		t.Fatalf("retry after failure: result = %+v, err = %v", result, err)
	}
}

// blockingExecutor parks inside Wait until released.
type blockingExecutor struct {
	release   chan struct{}
	submitted chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		release:   make(chan struct{}),
		submitted: make(chan struct{}, 8),
	}
}

func (b *blockingExecutor) ExecuteFunction(context.Context, chain.CallOpts) (*chain.Tx, error) {
	b.submitted <- struct{}{}
	return chain.NewTx("0xblocked", b), nil
}

func (b *blockingExecutor) Transfer(context.Context, chain.TransferOpts) (*chain.Tx, error) {
	b.submitted <- struct{}{}
	return chain.NewTx("0xblocked", b), nil
}

func (b *blockingExecutor) BalanceOf(context.Context, string, string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (b *blockingExecutor) WaitForReceipt(ctx context.Context, txHash string, _ int) (*chain.Receipt, error) {
	select {
	case <-b.release:
		return &chain.Receipt{TransactionHash: txHash, BlockNumber: 1, Status: 1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestBuyTokensInFlightGuard(t *testing.T) {
	exec := newBlockingExecutor()
	session := testutil.NewMockSession("user-1", testWallet)
	s := newTestService(t, exec, store.NewMemory(), session)

	done := make(chan error, 1)
	go func() {
		_, err := s.BuyTokens(context.Background(), 1)
		done <- err
	}()
	<-exec.submitted // first purchase is in flight

	if _, err := s.BuyTokens(context.Background(), 1); !errors.Is(err, ErrPurchaseInFlight) {
		t.Fatalf("second call: err = %v, want ErrPurchaseInFlight", err)
	}
	select {
	case <-exec.submitted:
		t.Fatal("second transaction was submitted")
	default:
	}

	close(exec.release)
	if err := <-done; err != nil {
		t.Fatalf("first purchase: %v", err)
	}
}

func TestBuyAssetUnauthenticated(t *testing.T) {
	exec := testutil.NewMockExecutor()
	mem := store.NewMemory()
	s := newTestService(t, exec, mem, testutil.NewMockSession("", ""))

	result, err := s.BuyAsset(context.Background(), testAsset(3))
	if err != nil {
		t.Fatalf("BuyAsset: %v", err)
	}
	if result.Outcome != OutcomeAuthRequired {
		t.Fatalf("outcome = %s, want auth_required", result.Outcome)
	}
	if len(exec.Transfers) != 0 {
		t.Error("transfer submitted without a session")
	}
	unsettled, _ := mem.ListUnsettled(context.Background())
	if len(unsettled) != 0 {
		t.Error("marker written without a session")
	}
}

func TestBuyAssetHappyPath(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.AutoConfirm = true
	mem := store.NewMemory()
	session := testutil.NewMockSession("user-1", testWallet)
	notifier := &recordingNotifier{}
	s := newTestService(t, exec, mem, session, WithNotifier(notifier))

	asset := testAsset(3)
	result, err := s.BuyAsset(context.Background(), asset)
	if err != nil {
		t.Fatalf("BuyAsset: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.TxHash != exec.LastHash() {
		t.Errorf("tx hash = %q, want the submitted hash %q", result.TxHash, exec.LastHash())
	}

	if len(exec.Transfers) != 1 {
		t.Fatalf("got %d transfers, want 1", len(exec.Transfers))
	}
	transfer := exec.Transfers[0]
	if transfer.Receiver != testCollection {
		t.Errorf("receiver = %q, want collection address", transfer.Receiver)
	}
	if transfer.Amount.Cmp(asset.Price) != 0 {
		t.Errorf("amount = %s, want %s", transfer.Amount, asset.Price)
	}

	owned, _ := mem.ListOwned(context.Background(), "user-1")
	if len(owned) != 1 {
		t.Fatalf("got %d owned records, want 1", len(owned))
	}
	if owned[0].TxHash != result.TxHash {
		t.Errorf("record hash = %q, want %q", owned[0].TxHash, result.TxHash)
	}
	if owned[0].ExplorerLink == "" || owned[0].PurchasedAt.IsZero() {
		t.Errorf("incomplete record: %+v", owned[0])
	}

	if notifier.count() != 1 {
		t.Errorf("notifier called %d times, want 1", notifier.count())
	}
	if len(s.OwnedView()) != 1 {
		t.Errorf("owned view not refreshed")
	}

	// Settled marker: nothing left for the reconciler.
	unsettled, _ := mem.ListUnsettled(context.Background())
	if len(unsettled) != 0 {
		t.Errorf("marker left unsettled: %+v", unsettled)
	}
}

func TestBuyAssetSubmitFailureLeavesFailedMarker(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.TransferErr = errors.New("node unavailable")
	mem := store.NewMemory()
	notifier := &recordingNotifier{}
	s := newTestService(t, exec, mem, testutil.NewMockSession("user-1", testWallet), WithNotifier(notifier))

	result, err := s.BuyAsset(context.Background(), testAsset(3))
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Outcome != OutcomeTransactionFailed {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	// The marker was written before submission and marked failed after.
	p, err := mem.GetPending(context.Background(), "1")
	if err != nil {
		t.Fatalf("marker not written before submission: %v", err)
	}
	if p.Status != market.StatusFailed {
		t.Errorf("marker status = %s, want failed", p.Status)
	}
	if notifier.count() != 0 {
		t.Error("notifier called on failure")
	}
	owned, _ := mem.ListOwned(context.Background(), "user-1")
	if len(owned) != 0 {
		t.Error("ownership record written without a payment")
	}
}

func TestBuyAssetPersistenceFailure(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.AutoConfirm = true
	failing := &failingStore{PurchaseStore: store.NewMemory()}
	failing.setBroken(true)
	notifier := &recordingNotifier{}
	s := newTestService(t, exec, failing, testutil.NewMockSession("user-1", testWallet), WithNotifier(notifier))

	result, err := s.BuyAsset(context.Background(), testAsset(3))
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Outcome != OutcomePersistenceFailed {
		t.Fatalf("outcome = %s, want persistence_failed", result.Outcome)
	}
	if result.TxHash == "" {
		t.Error("result lost the transaction hash")
	}
	if notifier.count() != 0 {
		t.Error("success notification sent despite persistence failure")
	}

	// Marker keeps the hash in status confirmed for the retry.
	unsettled, _ := failing.ListUnsettled(context.Background())
	if len(unsettled) != 1 {
		t.Fatalf("got %d unsettled markers, want 1", len(unsettled))
	}
	marker := unsettled[0]
	if marker.Status != market.StatusConfirmed || marker.TxHash != result.TxHash {
		t.Errorf("marker = %+v", marker)
	}

	// Reconciler retry recovers exactly one record, keyed on the hash.
	failing.setBroken(false)
	exec.Confirm(result.TxHash, 1)
	rec := NewReconciler(failing, exec, nil, ReconcilerConfig{}, nil)
	rec.RunOnce(context.Background())
	rec.RunOnce(context.Background())

	owned, _ := failing.ListOwned(context.Background(), "user-1")
	if len(owned) != 1 {
		t.Fatalf("got %d owned records after retries, want exactly 1", len(owned))
	}
	if owned[0].TxHash != result.TxHash {
		t.Errorf("recovered record hash = %q, want %q", owned[0].TxHash, result.TxHash)
	}
}

func TestRefreshBalanceNoopWithoutSession(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.BalanceErr = errors.New("balanceOf must not be called")
	s := newTestService(t, exec, store.NewMemory(), testutil.NewMockSession("", ""))

	balance, err := s.RefreshBalance(context.Background())
	if err != nil {
		t.Fatalf("RefreshBalance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Errorf("balance = %s, want 0", balance)
	}
}

func TestRefreshBalanceNoopWhenSessionExpired(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.BalanceErr = errors.New("balanceOf must not be called")
	session := testutil.NewMockSession("user-1", testWallet)
	session.Session.ExpiresAt = time.Now().Add(-time.Minute)
	s := newTestService(t, exec, store.NewMemory(), session)

	balance, err := s.RefreshBalance(context.Background())
	if err != nil {
		t.Fatalf("RefreshBalance on expired session: %v", err)
	}
	if balance.Sign() != 0 {
		t.Errorf("balance = %s, want 0", balance)
	}
}

func TestRefreshBalanceReadsChain(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.Balances[testWallet] = big.NewInt(42)
	s := newTestService(t, exec, store.NewMemory(), testutil.NewMockSession("user-1", testWallet))

	balance, err := s.RefreshBalance(context.Background())
	if err != nil {
		t.Fatalf("RefreshBalance: %v", err)
	}
	if balance.Int64() != 42 {
		t.Errorf("balance = %s, want 42", balance)
	}
	if s.Balance().Int64() != 42 {
		t.Errorf("cached balance = %s", s.Balance())
	}
}

func TestRefreshOwnedIsIdempotent(t *testing.T) {
	exec := testutil.NewMockExecutor()
	mem := store.NewMemory()
	s := newTestService(t, exec, mem, testutil.NewMockSession("user-1", testWallet))

	mem.AppendOwned(context.Background(), "user-1", market.OwnedAsset{AssetID: "a1", TxHash: "0x1", Price: big.NewInt(1)})
	mem.AppendOwned(context.Background(), "user-1", market.OwnedAsset{AssetID: "a2", TxHash: "0x2", Price: big.NewInt(2)})

	for i := 0; i < 3; i++ {
		if err := s.RefreshOwned(context.Background()); err != nil {
			t.Fatalf("RefreshOwned: %v", err)
		}
	}
	if got := len(s.OwnedView()); got != 2 {
		t.Errorf("owned view has %d items after repeated refresh, want 2", got)
	}
}

func TestOnAuthenticatedStepsAreIndependent(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.BalanceErr = errors.New("rpc down")
	mem := store.NewMemory()
	session := testutil.NewMockSession("user-1", testWallet)
	session.NicknameErr = errors.New("profile service down")
	s := newTestService(t, exec, mem, session)

	mem.AppendOwned(context.Background(), "user-1", market.OwnedAsset{AssetID: "a1", TxHash: "0x1", Price: big.NewInt(1)})

	// Balance and nickname fail; the owned refresh must still run.
	s.OnAuthenticated(context.Background())
	if len(s.OwnedView()) != 1 {
		t.Error("owned refresh skipped after earlier step failures")
	}
}

func TestOnLogoutClearsSessionState(t *testing.T) {
	exec := testutil.NewMockExecutor()
	exec.Balances[testWallet] = big.NewInt(7)
	mem := store.NewMemory()
	s := newTestService(t, exec, mem, testutil.NewMockSession("user-1", testWallet))

	mem.AppendOwned(context.Background(), "user-1", market.OwnedAsset{AssetID: "a1", TxHash: "0x1", Price: big.NewInt(1)})
	s.RefreshBalance(context.Background())
	s.RefreshOwned(context.Background())

	s.OnLogout(context.Background())
	if s.Balance().Sign() != 0 {
		t.Error("balance survived logout")
	}
	if len(s.OwnedView()) != 0 {
		t.Error("owned view survived logout")
	}
}
