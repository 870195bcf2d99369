package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/derek2403/dhal-way/types"
)

// ChainGateway is the per-chain transaction port the executor drives. One
// gateway wraps one chain's RPC connection and the backend signer on that
// chain. Submission failures are reported as *types.ChainError so the
// executor can branch on the closed kind enum.
//
// A gateway serializes its own submissions; the executor never interleaves
// two transactions for the same chain.
type ChainGateway interface {
	// ApproveStable lets spender pull the given stablecoin amount from the
	// backend signer.
	ApproveStable(ctx context.Context, spender common.Address, amount *big.Int) (string, error)

	// MintBridgeToken locks stablecoin and credits the signer with bridge
	// token 1:1.
	MintBridgeToken(ctx context.Context, amount *big.Int) (string, error)

	// BurnBridgeToken redeems bridge token back into local stablecoin.
	BurnBridgeToken(ctx context.Context, amount *big.Int) (string, error)

	// TransferToken sends an ERC-20 balance from the signer to a recipient.
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (string, error)

	// ExactSwap converts amountIn of tokenIn into exactly exactAmountOut of
	// tokenOut through the chain's vault.
	ExactSwap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, exactAmountOut *big.Int) (string, error)

	// QuoteBridgeFee prices a cross-chain transfer of the bridge token.
	QuoteBridgeFee(ctx context.Context, destEndpointID uint32, amount *big.Int) (*big.Int, error)

	// BridgeSend submits the cross-chain transfer carrying the quoted fee.
	BridgeSend(ctx context.Context, destEndpointID uint32, amount, fee *big.Int) (string, error)

	// WaitForConfirmation blocks until the transaction is mined or ctx
	// expires.
	WaitForConfirmation(ctx context.Context, txHash string) error

	// SignerAddress is the backend signer's address on this chain.
	SignerAddress() common.Address

	Close()
}

// SwapQuoter prices a conversion between two tokens on one chain. Swap-rate
// calculation itself lives outside this core; the executor only consumes
// quotes.
type SwapQuoter interface {
	Quote(ctx context.Context, chain types.Chain, tokenIn, tokenOut string, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// DeliveryTracker reports whether a bridge send has been delivered on its
// destination chain. When a tracker is configured the waiting phase polls it
// instead of sitting out the full fixed delay, and an undelivered send turns
// the wait into a timeout failure.
type DeliveryTracker interface {
	Delivered(ctx context.Context, dest types.Chain, sendTxHash string) (bool, error)
}
