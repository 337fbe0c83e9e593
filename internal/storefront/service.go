// Package storefront orchestrates token and asset purchases: chain
// submission, confirmation waits, durable purchase records, and the
// session-scoped views the UI reads.
package storefront

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jiggy606/amazon-clone/internal/backend"
	"github.com/jiggy606/amazon-clone/internal/chain"
	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/logging"
	"github.com/jiggy606/amazon-clone/internal/store"
)

// mintSignature is the payable coin-contract function that mints the
// requested amount to the caller.
const mintSignature = "mint(uint256)"

// Catalog lists the assets for sale.
type Catalog interface {
	ListAssets(ctx context.Context) ([]market.Asset, error)
}

// SessionService holds the wallet session.
type SessionService interface {
	Authenticate(ctx context.Context) (*backend.Session, error)
	IsAuthenticated() bool
	Current() *backend.Session
	Nickname(ctx context.Context) (string, error)
}

// LiveUpdates is the realtime subscription on the transaction log.
type LiveUpdates interface {
	Watch(ctx context.Context, collection string, handler backend.EventHandler) error
	Stop(ctx context.Context) error
}

// Notifier is told when an asset purchase fully completes: payment
// confirmed and ownership record written. It is never called on any
// failure path.
type Notifier interface {
	PurchaseCompleted(owned market.OwnedAsset)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) PurchaseCompleted(market.OwnedAsset) {}

// Config carries the purchase parameters.
type Config struct {
	CoinContract      string
	CollectionAddress string
	// UnitPrice is the fixed price of one token in native smallest units.
	// It is a constant of the sale, never derived from a price feed.
	UnitPrice           *big.Int
	TokenConfirmations  int
	AssetConfirmations  int
	ExplorerURLTemplate string
}

// Service is the purchase orchestrator.
type Service struct {
	cfg       Config
	exec      chain.Executor
	purchases store.PurchaseStore
	catalog   Catalog
	session   SessionService
	live      LiveUpdates
	notifier  Notifier
	log       *logging.Logger
	metrics   *Metrics

	tokenBuyInFlight atomic.Bool
	assetBuyInFlight atomic.Bool

	mu          sync.RWMutex
	balance     *big.Int
	catalogView []market.Asset
	ownedView   []market.OwnedAsset
}

// New creates the orchestrator. catalog, live, notifier and metrics may be
// nil; the corresponding features degrade to no-ops.
func New(cfg Config, exec chain.Executor, purchases store.PurchaseStore, catalog Catalog, session SessionService, live LiveUpdates, opts ...Option) (*Service, error) {
	if exec == nil {
		return nil, fmt.Errorf("chain executor is required")
	}
	if purchases == nil {
		return nil, fmt.Errorf("purchase store is required")
	}
	if session == nil {
		return nil, fmt.Errorf("session service is required")
	}
	if cfg.UnitPrice == nil || cfg.UnitPrice.Sign() <= 0 {
		return nil, fmt.Errorf("unit price must be positive")
	}
	if cfg.CoinContract == "" {
		return nil, fmt.Errorf("coin contract address is required")
	}
	if cfg.TokenConfirmations < 1 {
		cfg.TokenConfirmations = 4
	}
	if cfg.AssetConfirmations < 1 {
		cfg.AssetConfirmations = 1
	}

	s := &Service{
		cfg:       cfg,
		exec:      exec,
		purchases: purchases,
		catalog:   catalog,
		session:   session,
		live:      live,
		notifier:  NopNotifier{},
		log:       logging.NewDefault("storefront"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Option configures optional collaborators.
type Option func(*Service)

// WithNotifier sets the purchase-completed callback.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// BuyTokens purchases amount tokens for the session wallet. An
// unauthenticated caller is authenticated in place rather than rejected.
// The payment value is amount times the fixed unit price, and the call
// returns only after the configured confirmation depth. The in-flight
// flag is cleared on every exit path.
func (s *Service) BuyTokens(ctx context.Context, amount uint64) (Result, error) {
	if amount == 0 {
		return Result{Outcome: OutcomeTransactionFailed}, fmt.Errorf("amount must be positive")
	}
	if !s.tokenBuyInFlight.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeTransactionFailed}, ErrPurchaseInFlight
	}
	defer s.tokenBuyInFlight.Store(false)

	start := time.Now()
	defer s.observeDuration("buy_tokens", start)

	if !s.session.IsAuthenticated() {
		if _, err := s.session.Authenticate(ctx); err != nil {
			s.countFailure("buy_tokens", "auth")
			return Result{Outcome: OutcomeAuthRequired}, fmt.Errorf("authenticate: %w", err)
		}
		s.OnAuthenticated(ctx)
	}
	wallet := s.session.Current().Wallet

	amountDue := new(big.Int).Mul(new(big.Int).SetUint64(amount), s.cfg.UnitPrice)
	amountWord, err := chain.PackUint256(new(big.Int).SetUint64(amount))
	if err != nil {
		s.countFailure("buy_tokens", "encode")
		return Result{Outcome: OutcomeTransactionFailed}, err
	}

	tx, err := s.exec.ExecuteFunction(ctx, chain.CallOpts{
		ContractAddress: s.cfg.CoinContract,
		Signature:       mintSignature,
		Args:            [][]byte{amountWord},
		From:            wallet,
		MsgValue:        amountDue,
	})
	if err != nil {
		s.countFailure("buy_tokens", "submit")
		s.log.WithError(err).Errorf("token purchase submission failed for %s", wallet)
		return Result{Outcome: OutcomeTransactionFailed}, err
	}

	if _, err := tx.Wait(ctx, s.cfg.TokenConfirmations); err != nil {
		s.countFailure("buy_tokens", "confirm")
		s.log.WithError(err).Errorf("token purchase %s failed to confirm", tx.Hash)
		return Result{Outcome: OutcomeTransactionFailed, TxHash: tx.Hash}, err
	}

	if _, err := s.RefreshBalance(ctx); err != nil {
		s.log.WithError(err).Warnf("balance refresh after purchase failed")
	}

	s.countSuccess("buy_tokens")
	s.log.Infof("minted %d tokens to %s in %s", amount, wallet, tx.Hash)
	return Result{
		Outcome:      OutcomeSuccess,
		TxHash:       tx.Hash,
		ExplorerLink: s.explorerLink(tx.Hash),
	}, nil
}

// BuyAsset purchases one catalog asset with tokens. Unauthenticated
// callers get OutcomeAuthRequired with nothing submitted or written. The
// ordering is fixed: durable pending marker, transfer, receipt, ownership
// record, notification. An ownership record can therefore only exist for
// a confirmed payment, and an interrupted purchase leaves a marker the
// reconciler resolves.
func (s *Service) BuyAsset(ctx context.Context, asset market.Asset) (Result, error) {
	if s.session == nil || !s.session.IsAuthenticated() {
		return Result{Outcome: OutcomeAuthRequired}, nil
	}
	if asset.Price == nil || asset.Price.Sign() <= 0 {
		return Result{Outcome: OutcomeTransactionFailed}, fmt.Errorf("asset %s has no price", asset.ID)
	}
	if !s.assetBuyInFlight.CompareAndSwap(false, true) {
		return Result{Outcome: OutcomeTransactionFailed}, ErrPurchaseInFlight
	}
	defer s.assetBuyInFlight.Store(false)

	start := time.Now()
	defer s.observeDuration("buy_asset", start)

	session := s.session.Current()
	pending, err := s.purchases.CreatePending(ctx, market.PendingPurchase{
		UserID:    session.UserID,
		AssetID:   asset.ID,
		AssetName: asset.Name,
		Price:     asset.Price,
		Metadata:  asset.Metadata,
		Status:    market.StatusSubmitted,
	})
	if err != nil {
		s.countFailure("buy_asset", "marker")
		return Result{Outcome: OutcomePersistenceFailed}, fmt.Errorf("write purchase marker: %w", err)
	}

	tx, err := s.exec.Transfer(ctx, chain.TransferOpts{
		ContractAddress: s.cfg.CoinContract,
		From:            session.Wallet,
		Receiver:        s.cfg.CollectionAddress,
		Amount:          asset.Price,
	})
	if err != nil {
		s.countFailure("buy_asset", "submit")
		s.failPending(ctx, pending, err)
		return Result{Outcome: OutcomeTransactionFailed}, err
	}

	pending.TxHash = tx.Hash
	if pending, err = s.purchases.UpdatePending(ctx, pending); err != nil {
		// Marker update is best-effort here; the purchase itself proceeds.
		s.log.WithError(err).Warnf("could not attach hash %s to marker %s", tx.Hash, pending.ID)
	}

	if _, err := tx.Wait(ctx, s.cfg.AssetConfirmations); err != nil {
		s.countFailure("buy_asset", "confirm")
		s.log.WithError(err).Errorf("asset payment %s failed to confirm", tx.Hash)
		// The marker keeps status=submitted with the hash attached, so the
		// reconciler can settle a payment that confirmed after our timeout.
		return Result{Outcome: OutcomeTransactionFailed, TxHash: tx.Hash}, err
	}

	pending.Status = market.StatusConfirmed
	if pending, err = s.purchases.UpdatePending(ctx, pending); err != nil {
		s.log.WithError(err).Warnf("could not mark %s confirmed", pending.ID)
	}

	owned := pending.Owned(time.Now().UTC(), s.explorerLink(tx.Hash))
	if err := s.purchases.AppendOwned(ctx, session.UserID, owned); err != nil {
		s.countFailure("buy_asset", "persist")
		s.log.WithError(err).Errorf("payment %s confirmed but ownership record failed", tx.Hash)
		return Result{
			Outcome:      OutcomePersistenceFailed,
			TxHash:       tx.Hash,
			ExplorerLink: owned.ExplorerLink,
		}, err
	}

	pending.Status = market.StatusRecorded
	if _, err := s.purchases.UpdatePending(ctx, pending); err != nil {
		s.log.WithError(err).Warnf("could not mark %s recorded", pending.ID)
	}

	s.notifier.PurchaseCompleted(owned)
	if err := s.RefreshOwned(ctx); err != nil {
		s.log.WithError(err).Warnf("owned view refresh after purchase failed")
	}

	s.countSuccess("buy_asset")
	s.log.Infof("asset %s purchased by %s in %s", asset.ID, session.UserID, tx.Hash)
	return Result{
		Outcome:      OutcomeSuccess,
		TxHash:       tx.Hash,
		ExplorerLink: owned.ExplorerLink,
	}, nil
}

func (s *Service) failPending(ctx context.Context, pending market.PendingPurchase, cause error) {
	pending.Status = market.StatusFailed
	pending.Reason = cause.Error()
	if _, err := s.purchases.UpdatePending(ctx, pending); err != nil {
		s.log.WithError(err).Warnf("could not mark marker %s failed", pending.ID)
	}
}

// OnAuthenticated runs the post-login refresh: balance, live transaction
// subscription, nickname, wallet. The steps are independent; a failing
// step is logged and the rest still run.
func (s *Service) OnAuthenticated(ctx context.Context) {
	if _, err := s.RefreshBalance(ctx); err != nil {
		s.log.WithError(err).Warnf("post-login balance refresh failed")
	}

	if s.live != nil {
		err := s.live.Watch(ctx, "transactions", func(*backend.Event) {
			if _, err := s.RefreshBalance(context.Background()); err != nil {
				s.log.WithError(err).Warnf("balance refresh on live update failed")
			}
			if err := s.RefreshOwned(context.Background()); err != nil {
				s.log.WithError(err).Warnf("owned refresh on live update failed")
			}
		})
		if err != nil {
			s.log.WithError(err).Warnf("transaction subscription failed")
		}
	}

	if _, err := s.session.Nickname(ctx); err != nil {
		s.log.WithError(err).Warnf("nickname fetch failed")
	}

	if session := s.session.Current(); session != nil {
		s.log.WithField("wallet", session.Wallet).Infof("session established for %s", session.UserID)
	}

	if err := s.RefreshOwned(ctx); err != nil {
		s.log.WithError(err).Warnf("post-login owned refresh failed")
	}
}

// OnLogout tears down session-scoped state: the live subscription stops
// and the per-session views are cleared.
func (s *Service) OnLogout(ctx context.Context) {
	if s.live != nil {
		if err := s.live.Stop(ctx); err != nil {
			s.log.WithError(err).Warnf("stopping live subscription failed")
		}
	}
	s.mu.Lock()
	s.balance = nil
	s.ownedView = nil
	s.mu.Unlock()
}

// RefreshBalance reads the session wallet's token balance. Without an
// authenticated session or a wallet address it is a no-op: no contract
// call is made and the cached balance is returned unchanged. An expired
// session counts as unauthenticated.
func (s *Service) RefreshBalance(ctx context.Context) (*big.Int, error) {
	session := s.session.Current()
	if !s.session.IsAuthenticated() || session == nil || session.Wallet == "" {
		return s.Balance(), nil
	}

	balance, err := s.exec.BalanceOf(ctx, s.cfg.CoinContract, session.Wallet)
	if err != nil {
		return nil, fmt.Errorf("refresh balance: %w", err)
	}

	s.mu.Lock()
	s.balance = balance
	s.mu.Unlock()
	return new(big.Int).Set(balance), nil
}

// Balance returns the last known token balance, or zero when unknown.
func (s *Service) Balance() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(s.balance)
}

// RefreshCatalog reloads the asset catalog from the backend.
func (s *Service) RefreshCatalog(ctx context.Context) error {
	if s.catalog == nil {
		return nil
	}
	assets, err := s.catalog.ListAssets(ctx)
	if err != nil {
		return fmt.Errorf("refresh catalog: %w", err)
	}

	s.mu.Lock()
	s.catalogView = assets
	s.mu.Unlock()
	return nil
}

// CatalogView returns the current catalog.
func (s *Service) CatalogView() []market.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.Asset, len(s.catalogView))
	copy(out, s.catalogView)
	return out
}

// RefreshOwned recomputes the owned-items view from the ownership store.
// The store is the source of truth: the view is replaced wholesale, never
// appended to, so repeated refreshes over unchanged data produce an
// identical list.
func (s *Service) RefreshOwned(ctx context.Context) error {
	session := s.session.Current()
	if session == nil {
		s.mu.Lock()
		s.ownedView = nil
		s.mu.Unlock()
		return nil
	}

	owned, err := s.purchases.ListOwned(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("refresh owned: %w", err)
	}

	s.mu.Lock()
	s.ownedView = owned
	s.mu.Unlock()
	return nil
}

// OwnedView returns the current owned-items view.
func (s *Service) OwnedView() []market.OwnedAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]market.OwnedAsset, len(s.ownedView))
	copy(out, s.ownedView)
	return out
}

func (s *Service) explorerLink(txHash string) string {
	if s.cfg.ExplorerURLTemplate == "" {
		return ""
	}
	return fmt.Sprintf(s.cfg.ExplorerURLTemplate, txHash)
}

func (s *Service) countSuccess(workflow string) {
	if s.metrics != nil {
		s.metrics.PurchasesTotal.WithLabelValues(workflow).Inc()
	}
}

func (s *Service) countFailure(workflow, stage string) {
	if s.metrics != nil {
		s.metrics.PurchaseFailures.WithLabelValues(workflow, stage).Inc()
	}
}

func (s *Service) observeDuration(workflow string, start time.Time) {
	if s.metrics != nil {
		s.metrics.PurchaseDuration.WithLabelValues(workflow).Observe(time.Since(start).Seconds())
	}
}
