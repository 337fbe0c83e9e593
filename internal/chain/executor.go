package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"
)

// DefaultTxWaitTimeout is the default timeout for waiting on confirmations.
const DefaultTxWaitTimeout = 5 * time.Minute

// DefaultPollInterval is the default interval for polling transaction status.
const DefaultPollInterval = 2 * time.Second

// CallOpts describes a state-changing contract function call.
type CallOpts struct {
	ContractAddress string
	Signature       string // canonical form, e.g. "mint(uint256)"
	Args            [][]byte
	From            string
	MsgValue        *big.Int
}

// TransferOpts describes a fungible-token transfer.
type TransferOpts struct {
	ContractAddress string // token contract
	From            string
	Receiver        string
	Amount          *big.Int
}

// Executor submits contract calls and token transfers. The orchestrator
// depends on this interface so tests can substitute the chain entirely.
type Executor interface {
	ExecuteFunction(ctx context.Context, opts CallOpts) (*Tx, error)
	Transfer(ctx context.Context, opts TransferOpts) (*Tx, error)
	BalanceOf(ctx context.Context, tokenContract, account string) (*big.Int, error)
}

// Tx is a handle for a submitted transaction.
type Tx struct {
	Hash string

	waiter ReceiptWaiter
}

// NewTx builds a transaction handle bound to a receipt waiter. Executor
// implementations outside this package use it to make Wait work.
func NewTx(hash string, waiter ReceiptWaiter) *Tx {
	return &Tx{Hash: hash, waiter: waiter}
}

// ReceiptWaiter waits for a transaction to reach a confirmation depth.
type ReceiptWaiter interface {
	WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*Receipt, error)
}

// Wait blocks until the transaction has the requested number of
// confirmations. Confirmations below 1 are treated as 1.
func (t *Tx) Wait(ctx context.Context, confirmations int) (*Receipt, error) {
	if t.waiter == nil {
		return nil, fmt.Errorf("transaction %s has no waiter attached", t.Hash)
	}
	return t.waiter.WaitForReceipt(ctx, t.Hash, confirmations)
}

var _ Executor = (*Client)(nil)
var _ ReceiptWaiter = (*Client)(nil)

// ExecuteFunction submits a contract call through the node wallet.
func (c *Client) ExecuteFunction(ctx context.Context, opts CallOpts) (*Tx, error) {
	if opts.ContractAddress == "" {
		return nil, fmt.Errorf("contract address required")
	}

	hash, err := c.SendTransaction(ctx, TxParams{
		From:  opts.From,
		To:    opts.ContractAddress,
		Value: opts.MsgValue,
		Data:  Pack(opts.Signature, opts.Args...),
	})
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", opts.Signature, err)
	}

	return &Tx{Hash: hash, waiter: c}, nil
}

// Transfer submits an ERC-20 transfer of opts.Amount to opts.Receiver.
func (c *Client) Transfer(ctx context.Context, opts TransferOpts) (*Tx, error) {
	receiver, err := PackAddress(opts.Receiver)
	if err != nil {
		return nil, err
	}
	amount, err := PackUint256(opts.Amount)
	if err != nil {
		return nil, err
	}

	hash, err := c.SendTransaction(ctx, TxParams{
		From: opts.From,
		To:   opts.ContractAddress,
		Data: Pack("transfer(address,uint256)", receiver, amount),
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}

	return &Tx{Hash: hash, waiter: c}, nil
}

// BalanceOf reads an ERC-20 balance.
func (c *Client) BalanceOf(ctx context.Context, tokenContract, account string) (*big.Int, error) {
	addr, err := PackAddress(account)
	if err != nil {
		return nil, err
	}

	data, err := c.CallContract(ctx, tokenContract, Pack("balanceOf(address)", addr))
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	return UnpackUint256(data)
}

// WaitForReceipt polls for the transaction receipt and then for enough
// blocks on top of the inclusion block. A missing receipt is transient and
// retried until the context deadline expires.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, confirmations int) (*Receipt, error) {
	if confirmations < 1 {
		confirmations = 1
	}

	wctx, cancel := context.WithTimeout(ctx, DefaultTxWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var receipt *Receipt
	for {
		select {
		case <-wctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", txHash, wctx.Err())
		case <-ticker.C:
		}

		if receipt == nil {
			r, err := c.TransactionReceipt(wctx, txHash)
			if err != nil {
				return nil, err
			}
			if r == nil {
				continue
			}
			if !r.Succeeded() {
				return nil, fmt.Errorf("transaction %s reverted", txHash)
			}
			receipt = r
		}

		head, err := c.BlockNumber(wctx)
		if err != nil {
			return nil, err
		}
		// Inclusion counts as the first confirmation.
		if head >= receipt.BlockNumber+uint64(confirmations)-1 {
			return receipt, nil
		}
	}
}
