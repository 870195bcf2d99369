// Package registry holds the static per-chain profiles every other component
// looks up: RPC endpoint, numeric chain id, bridge endpoint id, and the
// deployed bridge-token, stablecoin and vault contract addresses. Profiles
// are loaded once and never mutated at runtime; nothing here talks to a live
// chain.
package registry

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/derek2403/dhal-way/types"
)

// Profile is one chain's immutable connection and deployment record.
type Profile struct {
	Chain            types.Chain
	ChainID          int64
	BridgeEndpointID uint32
	RPCURL           string

	BridgeToken common.Address
	StableToken common.Address
	Vault       common.Address

	// ExplorerTxURL is the prefix a transaction hash is appended to.
	ExplorerTxURL string
}

// BridgeScanTxURL is the cross-chain message tracker; bridge sends on every
// chain are tracked under the same host.
const BridgeScanTxURL = "https://testnet.layerzeroscan.com/tx/"

// ExplorerURL renders the block-explorer link for a transaction.
func (p Profile) ExplorerURL(txHash string) string {
	return p.ExplorerTxURL + txHash
}

// BridgeTrackingURL renders the bridge-message tracking link for a send.
func BridgeTrackingURL(txHash string) string {
	return BridgeScanTxURL + txHash
}

// Registry is a read-only chain lookup table.
type Registry struct {
	profiles map[types.Chain]Profile
}

// New builds a registry from the given profiles. Later duplicates win, which
// lets callers layer overrides on top of Default().
func New(profiles ...Profile) *Registry {
	m := make(map[types.Chain]Profile, len(profiles))
	for _, p := range profiles {
		m[p.Chain] = p
	}
	return &Registry{profiles: m}
}

// Get returns the profile for a chain key.
func (r *Registry) Get(chain types.Chain) (Profile, error) {
	p, ok := r.profiles[chain]
	if !ok {
		return Profile{}, &types.Error{
			Code:    types.ErrUnknownChain,
			Message: fmt.Sprintf("unknown chain: %s", chain),
		}
	}
	return p, nil
}

// Has reports whether the chain is registered.
func (r *Registry) Has(chain types.Chain) bool {
	_, ok := r.profiles[chain]
	return ok
}

// Chains lists the registered chain keys in stable order.
func (r *Registry) Chains() []types.Chain {
	out := make([]types.Chain, 0, len(r.profiles))
	for c := range r.profiles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TokenAddress resolves a token symbol on a chain. The stablecoin and the
// chain's wrapped native token are known; anything else is unresolvable here.
func (r *Registry) TokenAddress(chain types.Chain, symbol string) (common.Address, error) {
	p, err := r.Get(chain)
	if err != nil {
		return common.Address{}, err
	}
	if symbol == types.StableSymbol {
		return p.StableToken, nil
	}
	if addr, ok := nativeTokens[chain]; ok && symbol == nativeSymbols[chain] {
		return addr, nil
	}
	return common.Address{}, &types.Error{
		Code:    types.ErrInvalidRequest,
		Message: fmt.Sprintf("token %s is not known on %s", symbol, chain),
	}
}

// Default returns the registry for the testnet deployment.
func Default() *Registry {
	return New(
		Profile{
			Chain:            types.ChainArbitrumSepolia,
			ChainID:          421614,
			BridgeEndpointID: 40231,
			RPCURL:           "https://sepolia-rollup.arbitrum.io/rpc",
			BridgeToken:      common.HexToAddress("0x87D59Acdd1EE5a514256DB79c5a67e7cEa49739f"),
			StableToken:      common.HexToAddress("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"),
			Vault:            common.HexToAddress("0x05fF0c6Da0a07960977D8629A748F71b6117e6ea"),
			ExplorerTxURL:    "https://sepolia.arbiscan.io/tx/",
		},
		Profile{
			Chain:            types.ChainBaseSepolia,
			ChainID:          84532,
			BridgeEndpointID: 40245,
			RPCURL:           "https://sepolia.base.org",
			BridgeToken:      common.HexToAddress("0xaFBbb476e98AD3BF169d2d4b4B85152774b16C1D"),
			StableToken:      common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			Vault:            common.HexToAddress("0xaeD23b0F0a11d8169a1711b37B2E07203b18F36F"),
			ExplorerTxURL:    "https://sepolia.basescan.org/tx/",
		},
		Profile{
			Chain:            types.ChainFlowTestnet,
			ChainID:          545,
			BridgeEndpointID: 40351,
			RPCURL:           "https://testnet.evm.nodes.onflow.org",
			BridgeToken:      common.HexToAddress("0x11157B1D577efd33354B47E7240FB3E3eF902f33"),
			StableToken:      common.HexToAddress("0x356ED74eE51e4aa5f1Ce9B51329fecEF728621bc"),
			Vault:            common.HexToAddress("0xFc199a0ad172B8cAFF2a1e0cdAB022f9B62928e9"),
			ExplorerTxURL:    "https://testnet.flowdiver.io/tx/",
		},
		Profile{
			Chain:            types.ChainOptimismSepolia,
			ChainID:          11155420,
			BridgeEndpointID: 40232,
			RPCURL:           "https://sepolia.optimism.io",
			BridgeToken:      common.HexToAddress("0x8Cf5a78FC7251FF3923bDA4219D72C056759049A"),
			StableToken:      common.HexToAddress("0x5fd84259d66Cd46123540766Be93DFE6D43130D7"),
			Vault:            common.HexToAddress("0x5aD82749A1D56BC1F11B023f0352735ea006D238"),
			ExplorerTxURL:    "https://sepolia-optimism.etherscan.io/tx/",
		},
		Profile{
			Chain:            types.ChainSepolia,
			ChainID:          11155111,
			BridgeEndpointID: 40161,
			RPCURL:           "https://rpc.sepolia.org",
			BridgeToken:      common.HexToAddress("0xBB94908C6c622B966fBDc466e276fC7F775DB7Fb"),
			StableToken:      common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
			Vault:            common.HexToAddress("0x817F2c13bDBa44D8d7E7ae0d40f28b6DC43ED30d"),
			ExplorerTxURL:    "https://sepolia.etherscan.io/tx/",
		},
	)
}

// Wrapped native tokens per chain, used when a typed payload or swap names
// the chain's gas token instead of the stablecoin.
var nativeTokens = map[types.Chain]common.Address{
	types.ChainArbitrumSepolia: common.HexToAddress("0x980B62Da83eFf3D4576C647993b0c1D7faf17c73"),
	types.ChainBaseSepolia:     common.HexToAddress("0x4200000000000000000000000000000000000006"),
	types.ChainFlowTestnet:     common.HexToAddress("0xd3bF53DAC106A0290B0483EcBC89d40FcC961f3e"),
	types.ChainOptimismSepolia: common.HexToAddress("0x4200000000000000000000000000000000000006"),
	types.ChainSepolia:         common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"),
}

var nativeSymbols = map[types.Chain]string{
	types.ChainArbitrumSepolia: "ETH",
	types.ChainBaseSepolia:     "ETH",
	types.ChainFlowTestnet:     "FLOW",
	types.ChainOptimismSepolia: "ETH",
	types.ChainSepolia:         "ETH",
}
