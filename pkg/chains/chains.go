package chains

import "strings"

// Network describes an EVM network the sentinel can watch
type Network struct {
	ChainID        int
	Name           string
	NativeSymbol   string
	DefaultRPCURLs []string
}

// networks maps the NETWORK config value to its definition
var networks = map[string]Network{
	"amoy": {
		ChainID:      80002,
		Name:         "POLYGON_AMOY",
		NativeSymbol: "POL",
		DefaultRPCURLs: []string{
			"https://rpc-amoy.polygon.technology",
			"https://rpc.ankr.com/polygon_amoy",
			"https://polygon-amoy.blockpi.network/v1/rpc/public",
		},
	},
	"polygon": {
		ChainID:        137,
		Name:           "POLYGON",
		NativeSymbol:   "POL",
		DefaultRPCURLs: []string{"https://polygon-rpc.com", "https://polygon-bor-rpc.publicnode.com"},
	},
	"bsc": {
		ChainID:        56,
		Name:           "BSC",
		NativeSymbol:   "BNB",
		DefaultRPCURLs: []string{"https://bsc-dataseed.bnbchain.org", "https://bsc-rpc.publicnode.com"},
	},
	"bsc-testnet": {
		ChainID:        97,
		Name:           "BSC_TESTNET",
		NativeSymbol:   "tBNB",
		DefaultRPCURLs: []string{"https://data-seed-prebsc-1-s1.bnbchain.org:8545"},
	},
	"ethereum": {
		ChainID:        1,
		Name:           "ETHEREUM",
		NativeSymbol:   "ETH",
		DefaultRPCURLs: []string{"https://eth.llamarpc.com", "https://ethereum-rpc.publicnode.com"},
	},
	"sepolia": {
		ChainID:        11155111,
		Name:           "SEPOLIA",
		NativeSymbol:   "ETH",
		DefaultRPCURLs: []string{"https://ethereum-sepolia-rpc.publicnode.com"},
	},
}

// GetNetwork returns the network registered under name
func GetNetwork(name string) (Network, bool) {
	n, ok := networks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Network{}, false
	}
	// hand out a copy of the endpoint list, callers may reorder it
	n.DefaultRPCURLs = append([]string(nil), n.DefaultRPCURLs...)
	return n, true
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	for _, n := range networks {
		if n.ChainID == chainID {
			return n.Name
		}
	}
	return ""
}
