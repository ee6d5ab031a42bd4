package types

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// Network identifies a rail: a specific chain and cluster.
type Network string

const (
	// Solana Networks
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet

	// EVM Networks
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkBaseSepolia Network = "base-sepolia" // testnet
	NetworkBase        Network = "base"
)

// stablecoins maps network -> currency -> token address of the default asset.
var stablecoins = map[Network]map[string]string{
	NetworkSolanaMainnet: {"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
	NetworkSolanaDevnet:  {"USDC": "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"},
	NetworkPolygon:       {"USDC": "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"},
	NetworkPolygonAmoy:   {"USDC": "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"},
	NetworkBase:          {"USDC": "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
	NetworkBaseSepolia:   {"USDC": "0x036CbD53842c5426634e7929541eC2318f3dCF7e"},
}

var defaultRPC = map[Network]string{
	NetworkSolanaMainnet: "https://api.mainnet-beta.solana.com",
	NetworkSolanaDevnet:  "https://api.devnet.solana.com",
	NetworkPolygonAmoy:   "https://rpc-amoy.polygon.technology",
	NetworkBaseSepolia:   "https://sepolia.base.org",
}

// Helper functions for network classification
func (n Network) IsEVM() bool {
	return n == NetworkPolygon || n == NetworkPolygonAmoy || n == NetworkBaseSepolia || n == NetworkBase
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsTestnet() bool {
	return n == NetworkPolygonAmoy || n == NetworkBaseSepolia || n == NetworkSolanaDevnet
}

// Family returns the chain family of the network, or "" when unknown.
func (n Network) Family() ChainFamily {
	switch {
	case n.IsSolana():
		return ChainSolana
	case n.IsEVM():
		return ChainEVM
	default:
		return ""
	}
}

// DefaultAsset returns the canonical token address for currency on n.
func (n Network) DefaultAsset(currency string) (string, bool) {
	assets, ok := stablecoins[n]
	if !ok {
		return "", false
	}
	addr, ok := assets[currency]
	return addr, ok
}

// DefaultRPCURL returns the public RPC endpoint for n, if one is known.
func (n Network) DefaultRPCURL() string {
	return defaultRPC[n]
}

func (n Network) String() string {
	return string(n)
}

// SupportedNetworks lists every network the library knows how to route.
func SupportedNetworks() []Network {
	return []Network{
		NetworkSolanaMainnet, NetworkSolanaDevnet,
		NetworkPolygon, NetworkPolygonAmoy,
		NetworkBase, NetworkBaseSepolia,
	}
}
