package types

// Chain identifies a supported chain by its registry key.
type Chain string

const (
	ChainArbitrumSepolia Chain = "arbitrum-sepolia"
	ChainBaseSepolia     Chain = "base-sepolia"
	ChainFlowTestnet     Chain = "flow-testnet"
	ChainOptimismSepolia Chain = "optimism-sepolia"
	ChainSepolia         Chain = "sepolia"
)

func (c Chain) String() string {
	return string(c)
}

// Settlement stablecoin parameters. Every swap normalizes to this token
// before the bridge token is minted, and back after it is burned.
const (
	StableSymbol   = "USDC"
	StableDecimals = 6
)

// BridgeTokenDecimals matches the stablecoin so the bridge token stays 1:1.
const BridgeTokenDecimals = 6
