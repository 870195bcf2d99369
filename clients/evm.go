// Package clients provides the concrete chain gateways the settlement
// executor drives. Every supported chain is an EVM chain today, so a single
// gateway type configured from a registry profile covers all of them.
package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/derek2403/dhal-way/logger"
	"github.com/derek2403/dhal-way/registry"
	"github.com/derek2403/dhal-way/settlement"
	"github.com/derek2403/dhal-way/types"
)

var _ settlement.ChainGateway = (*EVMGateway)(nil)

const erc20ABI = `
[
  {
    "name": "approve",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "spender", "type": "address" },
      { "name": "amount", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "transfer",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "to", "type": "address" },
      { "name": "amount", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  }
]
`

// bridgeTokenABI covers the bridge token's local mint/burn entry points plus
// the OFT messaging surface used for cross-chain sends.
const bridgeTokenABI = `
[
  {
    "name": "mint",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "to", "type": "address" },
      { "name": "amount", "type": "uint256" }
    ],
    "outputs": []
  },
  {
    "name": "burn",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "amount", "type": "uint256" }
    ],
    "outputs": []
  },
  {
    "name": "quoteSend",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {
        "name": "sendParam",
        "type": "tuple",
        "components": [
          { "name": "dstEid", "type": "uint32" },
          { "name": "to", "type": "bytes32" },
          { "name": "amountLD", "type": "uint256" },
          { "name": "minAmountLD", "type": "uint256" },
          { "name": "extraOptions", "type": "bytes" },
          { "name": "composeMsg", "type": "bytes" },
          { "name": "oftCmd", "type": "bytes" }
        ]
      },
      { "name": "payInLzToken", "type": "bool" }
    ],
    "outputs": [
      {
        "name": "fee",
        "type": "tuple",
        "components": [
          { "name": "nativeFee", "type": "uint256" },
          { "name": "lzTokenFee", "type": "uint256" }
        ]
      }
    ]
  },
  {
    "name": "send",
    "type": "function",
    "stateMutability": "payable",
    "inputs": [
      {
        "name": "sendParam",
        "type": "tuple",
        "components": [
          { "name": "dstEid", "type": "uint32" },
          { "name": "to", "type": "bytes32" },
          { "name": "amountLD", "type": "uint256" },
          { "name": "minAmountLD", "type": "uint256" },
          { "name": "extraOptions", "type": "bytes" },
          { "name": "composeMsg", "type": "bytes" },
          { "name": "oftCmd", "type": "bytes" }
        ]
      },
      {
        "name": "fee",
        "type": "tuple",
        "components": [
          { "name": "nativeFee", "type": "uint256" },
          { "name": "lzTokenFee", "type": "uint256" }
        ]
      },
      { "name": "refundAddress", "type": "address" }
    ],
    "outputs": []
  }
]
`

const vaultABI = `
[
  {
    "name": "exactSwap",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "tokenIn", "type": "address" },
      { "name": "tokenOut", "type": "address" },
      { "name": "amountIn", "type": "uint256" },
      { "name": "exactAmountOut", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "uint256" }]
  }
]
`

// sendParam mirrors the OFT SendParam tuple.
type sendParam struct {
	DstEid       uint32
	To           [32]byte
	AmountLD     *big.Int
	MinAmountLD  *big.Int
	ExtraOptions []byte
	ComposeMsg   []byte
	OftCmd       []byte
}

// messagingFee mirrors the OFT MessagingFee tuple.
type messagingFee struct {
	NativeFee  *big.Int
	LzTokenFee *big.Int
}

const (
	defaultTxTimeout    = 60 * time.Second
	receiptPollInterval = 2 * time.Second
)

// EVMGateway submits and confirms the backend signer's transactions on one
// EVM chain. All submissions share one signer account, so callers must not
// interleave sends; the settlement executor keeps per-chain order on its
// own.
type EVMGateway struct {
	profile registry.Profile
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	signer  common.Address
	chainID *big.Int
	timeout time.Duration
	log     logger.Logger

	erc20  abi.ABI
	bridge abi.ABI
	vault  abi.ABI
}

// NewEVMGateway dials the profile's RPC endpoint and prepares the signer.
func NewEVMGateway(profile registry.Profile, cfg types.GatewayConfig, log logger.Logger) (*EVMGateway, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}
	rpcURL := profile.RPCURL
	if cfg.RPCURL != "" {
		rpcURL = cfg.RPCURL
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", profile.Chain, err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.SignerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signer key for %s: %w", profile.Chain, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTxTimeout
	}

	g := &EVMGateway{
		profile: profile,
		client:  client,
		key:     key,
		signer:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(profile.ChainID),
		timeout: timeout,
		log:     log,
	}
	if g.erc20, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, err
	}
	if g.bridge, err = abi.JSON(strings.NewReader(bridgeTokenABI)); err != nil {
		return nil, err
	}
	if g.vault, err = abi.JSON(strings.NewReader(vaultABI)); err != nil {
		return nil, err
	}
	return g, nil
}

// SignerAddress implements settlement.ChainGateway.
func (g *EVMGateway) SignerAddress() common.Address {
	return g.signer
}

// Close implements settlement.ChainGateway.
func (g *EVMGateway) Close() {
	g.client.Close()
}

// ApproveStable implements settlement.ChainGateway.
func (g *EVMGateway) ApproveStable(ctx context.Context, spender common.Address, amount *big.Int) (string, error) {
	data, err := g.erc20.Pack("approve", spender, amount)
	if err != nil {
		return "", err
	}
	return g.sendTx(ctx, "approve", g.profile.StableToken, nil, data)
}

// MintBridgeToken implements settlement.ChainGateway. The bridge token is
// minted to the backend signer, which holds all in-flight value.
func (g *EVMGateway) MintBridgeToken(ctx context.Context, amount *big.Int) (string, error) {
	data, err := g.bridge.Pack("mint", g.signer, amount)
	if err != nil {
		return "", err
	}
	return g.sendTx(ctx, "mint", g.profile.BridgeToken, nil, data)
}

// BurnBridgeToken implements settlement.ChainGateway. Burns from the backend
// signer's balance.
func (g *EVMGateway) BurnBridgeToken(ctx context.Context, amount *big.Int) (string, error) {
	data, err := g.bridge.Pack("burn", g.signer, amount)
	if err != nil {
		return "", err
	}
	return g.sendTx(ctx, "burn", g.profile.BridgeToken, nil, data)
}

// TransferToken implements settlement.ChainGateway.
func (g *EVMGateway) TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (string, error) {
	data, err := g.erc20.Pack("transfer", to, amount)
	if err != nil {
		return "", err
	}
	return g.sendTx(ctx, "transfer", token, nil, data)
}

// ExactSwap implements settlement.ChainGateway.
func (g *EVMGateway) ExactSwap(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, exactAmountOut *big.Int) (string, error) {
	data, err := g.vault.Pack("exactSwap", tokenIn, tokenOut, amountIn, exactAmountOut)
	if err != nil {
		return "", err
	}
	return g.sendTx(ctx, "swap", g.profile.Vault, nil, data)
}

// QuoteBridgeFee implements settlement.ChainGateway. The quote is an
// eth_call against the bridge token; no transaction is sent.
func (g *EVMGateway) QuoteBridgeFee(ctx context.Context, destEndpointID uint32, amount *big.Int) (*big.Int, error) {
	data, err := g.bridge.Pack("quoteSend", g.sendParamFor(destEndpointID, amount), false)
	if err != nil {
		return nil, err
	}
	token := g.profile.BridgeToken
	res, err := g.client.CallContract(ctx, ethereum.CallMsg{
		From: g.signer,
		To:   &token,
		Data: data,
	}, nil)
	if err != nil {
		return nil, classify(g.profile.Chain, "quoteSend", err)
	}
	// MessagingFee is a static tuple: two uint256 words, nativeFee first.
	if len(res) < 64 {
		return nil, classify(g.profile.Chain, "quoteSend",
			fmt.Errorf("short quoteSend response: %d bytes", len(res)))
	}
	return new(big.Int).SetBytes(res[:32]), nil
}

// BridgeSend implements settlement.ChainGateway. The quoted native fee rides
// along as the transaction value.
func (g *EVMGateway) BridgeSend(ctx context.Context, destEndpointID uint32, amount, fee *big.Int) (string, error) {
	data, err := g.bridge.Pack("send",
		g.sendParamFor(destEndpointID, amount),
		messagingFee{NativeFee: fee, LzTokenFee: big.NewInt(0)},
		g.signer,
	)
	if err != nil {
		return "", err
	}
	return g.sendTx(ctx, "bridge send", g.profile.BridgeToken, fee, data)
}

// WaitForConfirmation implements settlement.ChainGateway. It polls for the
// receipt until the gateway timeout or ctx cancellation.
func (g *EVMGateway) WaitForConfirmation(ctx context.Context, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return &types.ChainError{
					Kind:  types.ChainErrReverted,
					Chain: g.profile.Chain,
					Op:    "confirm",
					Err:   fmt.Errorf("transaction %s reverted on-chain", txHash),
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return &types.ChainError{
				Kind:  types.ChainErrTimeout,
				Chain: g.profile.Chain,
				Op:    "confirm",
				Err:   fmt.Errorf("transaction %s not confirmed: %w", txHash, ctx.Err()),
			}
		case <-ticker.C:
		}
	}
}

func (g *EVMGateway) sendParamFor(destEndpointID uint32, amount *big.Int) sendParam {
	var to [32]byte
	copy(to[12:], g.signer.Bytes())
	return sendParam{
		DstEid:       destEndpointID,
		To:           to,
		AmountLD:     amount,
		MinAmountLD:  amount,
		ExtraOptions: []byte{},
		ComposeMsg:   []byte{},
		OftCmd:       []byte{},
	}
}

// sendTx builds, signs and submits one legacy transaction with a fresh
// pending nonce. Errors are classified into *types.ChainError before they
// leave this package.
func (g *EVMGateway) sendTx(ctx context.Context, op string, to common.Address, value *big.Int, data []byte) (string, error) {
	nonce, err := g.client.PendingNonceAt(ctx, g.signer)
	if err != nil {
		return "", classify(g.profile.Chain, op, err)
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify(g.profile.Chain, op, err)
	}
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.signer,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return "", classify(g.profile.Chain, op, err)
	}
	// Headroom over the estimate; unused gas is refunded.
	gasLimit = gasLimit + gasLimit/5

	tx := ethtypes.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(g.chainID), g.key)
	if err != nil {
		return "", classify(g.profile.Chain, op, err)
	}

	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return "", classify(g.profile.Chain, op, err)
	}

	txHash := signed.Hash().Hex()
	g.log.Debug("transaction submitted", map[string]any{
		"chain": g.profile.Chain.String(),
		"op":    op,
		"tx":    txHash,
		"nonce": nonce,
	})
	return txHash, nil
}
