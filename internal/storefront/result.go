package storefront

import "errors"

// Outcome tags the result of a purchase workflow. Callers branch on the
// tag instead of parsing error strings.
type Outcome string

const (
	// OutcomeSuccess: transaction confirmed and, for asset purchases, the
	// ownership record durably written.
	OutcomeSuccess Outcome = "success"
	// OutcomeAuthRequired: no session; nothing was submitted or written.
	OutcomeAuthRequired Outcome = "auth_required"
	// OutcomeTransactionFailed: submission or confirmation failed. No
	// ownership record exists for this attempt.
	OutcomeTransactionFailed Outcome = "transaction_failed"
	// OutcomePersistenceFailed: the payment confirmed but the durable
	// record could not be written. The pending marker keeps the
	// transaction hash so a retry completes the record exactly once.
	OutcomePersistenceFailed Outcome = "persistence_failed"
)

// Result is the typed outcome of a purchase workflow.
type Result struct {
	Outcome      Outcome
	TxHash       string
	ExplorerLink string
}

// ErrPurchaseInFlight is returned when a purchase workflow is re-entered
// while a previous call is still running. No second transaction is
// submitted.
var ErrPurchaseInFlight = errors.New("purchase already in flight")
