package storefront

import (
	"context"
	"sync"
	"time"

	"github.com/jiggy606/amazon-clone/internal/chain"
	"github.com/jiggy606/amazon-clone/internal/domain/market"
	"github.com/jiggy606/amazon-clone/internal/logging"
	"github.com/jiggy606/amazon-clone/internal/store"
)

// ReceiptSource reads transaction receipts. A nil receipt means the
// transaction is not yet included.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

// Reconciler resolves purchase markers left behind by interrupted asset
// purchases. A marker with a confirmed payment gets its ownership record
// completed (idempotent on transaction hash); a marker whose payment never
// appears is marked failed after the abandon window.
type Reconciler struct {
	purchases    store.PurchaseStore
	receipts     ReceiptSource
	explorerLink func(txHash string) string
	log          *logging.Logger

	interval     time.Duration
	abandonAfter time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReconcilerConfig configures the poller.
type ReconcilerConfig struct {
	Interval     time.Duration // default 30s
	AbandonAfter time.Duration // default 1h
}

// NewReconciler creates a reconciler over the given store and receipt
// source. explorerLink may be nil.
func NewReconciler(purchases store.PurchaseStore, receipts ReceiptSource, explorerLink func(string) string, cfg ReconcilerConfig, log *logging.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = time.Hour
	}
	if explorerLink == nil {
		explorerLink = func(string) string { return "" }
	}
	if log == nil {
		log = logging.NewDefault("reconciler")
	}
	return &Reconciler{
		purchases:    purchases,
		receipts:     receipts,
		explorerLink: explorerLink,
		log:          log,
		interval:     cfg.Interval,
		abandonAfter: cfg.AbandonAfter,
	}
}

// Start launches the poll loop.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.RunOnce(runCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to drain.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RunOnce scans all unsettled markers and resolves what it can.
func (r *Reconciler) RunOnce(ctx context.Context) {
	pending, err := r.purchases.ListUnsettled(ctx)
	if err != nil {
		r.log.WithError(err).Warnf("listing unsettled purchases failed")
		return
	}

	for _, p := range pending {
		if err := r.resolve(ctx, p); err != nil {
			r.log.WithError(err).Warnf("could not resolve marker %s", p.ID)
		}
	}
}

func (r *Reconciler) resolve(ctx context.Context, p market.PendingPurchase) error {
	// No hash: the process died between writing the marker and submitting
	// the payment. Nothing was spent; fail the marker once it is stale.
	if p.TxHash == "" {
		if time.Since(p.CreatedAt) > r.abandonAfter {
			return r.markFailed(ctx, p, "no payment submitted")
		}
		return nil
	}

	receipt, err := r.receipts.TransactionReceipt(ctx, p.TxHash)
	if err != nil {
		return err
	}
	if receipt == nil {
		if time.Since(p.UpdatedAt) > r.abandonAfter {
			return r.markFailed(ctx, p, "payment never included")
		}
		return nil
	}
	if !receipt.Succeeded() {
		return r.markFailed(ctx, p, "payment reverted")
	}

	// Payment confirmed: complete the record. AppendOwned is idempotent on
	// the hash, so a marker that already produced a record is harmless.
	owned := p.Owned(time.Now().UTC(), r.explorerLink(p.TxHash))
	if err := r.purchases.AppendOwned(ctx, p.UserID, owned); err != nil {
		return err
	}

	p.Status = market.StatusRecorded
	if _, err := r.purchases.UpdatePending(ctx, p); err != nil {
		return err
	}
	r.log.Infof("settled purchase %s for %s (tx %s)", p.ID, p.UserID, p.TxHash)
	return nil
}

func (r *Reconciler) markFailed(ctx context.Context, p market.PendingPurchase, reason string) error {
	p.Status = market.StatusFailed
	p.Reason = reason
	_, err := r.purchases.UpdatePending(ctx, p)
	if err == nil {
		r.log.Infof("abandoned purchase %s: %s", p.ID, reason)
	}
	return err
}
