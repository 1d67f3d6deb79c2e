// Package market defines the external collaborator interfaces: price feeds,
// trade executors, and the chain RPC client. Implementations live outside the
// core; tests substitute fakes.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Collaborator errors
var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrRPCUnavailable   = errors.New("rpc unavailable")
)

// Quote is one observed price in base currency.
type Quote struct {
	Price     decimal.Decimal
	Timestamp time.Time
}

// PriceKey identifies a priced pair.
type PriceKey struct {
	TokenAddress string
	Chain        string
}

// PriceFeed supplies mark prices for tokens.
type PriceFeed interface {
	// GetPrice returns the latest base-currency price for a token, or
	// ErrPriceUnavailable.
	GetPrice(ctx context.Context, tokenAddress, chain string) (Quote, error)
}

// ExecRequest is one order slice handed to the executor.
type ExecRequest struct {
	OrderID       string
	UserID        int64
	WalletAddress string
	TokenAddress  string
	Chain         string
	DEX           string
	Side          string // buy or sell
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal
	Slippage      decimal.Decimal
}

// ExecResult is the bounded result of an execution attempt; the executor
// never leaves partial state.
type ExecResult struct {
	Success    bool
	AmountOut  decimal.Decimal
	FillPrice  decimal.Decimal
	TxHash     string
	GasUsed    decimal.Decimal
	GasBase    decimal.Decimal
	FailReason string
	// Retryable distinguishes transient failures (network, timeout, nonce
	// race) from terminal ones (insufficient funds, slippage breach, revert).
	Retryable bool
}

// Executor submits order slices to a DEX router.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// Receipt is a mined transaction receipt.
type Receipt struct {
	TxHash      string
	BlockNumber int64
	Success     bool
	GasUsed     decimal.Decimal
}

// RpcClient exposes the minimal chain RPC surface the core consumes.
type RpcClient interface {
	GetAllowance(ctx context.Context, chain, wallet, token, spender string) (decimal.Decimal, error)
	SubmitApproval(ctx context.Context, chain, wallet, token, spender string, amount decimal.Decimal) (string, error)
	WaitReceipt(ctx context.Context, chain, txHash string) (Receipt, error)
}
