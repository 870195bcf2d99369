// Package config loads library configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/derek2403/dhal-way/types"
)

// Settings is the environment-backed configuration: the library-wide Config
// plus the backend signer key and per-chain RPC overrides. The key never
// appears in any default; a run without SIGNER_PRIVATE_KEY fails Load.
type Settings struct {
	Config       types.Config
	SignerKeyHex string

	// RPCOverrides replaces the registry's default RPC endpoint per chain,
	// keyed by chain identifier.
	RPCOverrides map[types.Chain]string
}

// Load reads Settings from environment variables. A .env file in the working
// directory is merged in when present; variables already set externally win.
func Load() (*Settings, error) {
	// Not fatal, env vars might be set externally.
	_ = godotenv.Load()

	key := os.Getenv("SIGNER_PRIVATE_KEY")
	if key == "" {
		return nil, &types.Error{
			Code:    types.ErrConfigError,
			Message: "SIGNER_PRIVATE_KEY is not set",
		}
	}

	s := &Settings{
		Config: types.Config{
			DefaultTimeout: getEnvAsDuration("DEFAULT_TIMEOUT_SECONDS", 60*time.Second),
			MaxAttempts:    getEnvAsInt("MAX_ATTEMPTS", 3),
			RetryDelay:     getEnvAsDuration("RETRY_DELAY_SECONDS", 3*time.Second),
			InterTxDelay:   getEnvAsDuration("INTER_TX_DELAY_SECONDS", 2*time.Second),
			BridgeWait:     getEnvAsDuration("BRIDGE_WAIT_SECONDS", 120*time.Second),
			BridgeWaitTick: getEnvAsDuration("BRIDGE_WAIT_TICK_SECONDS", 10*time.Second),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			EnableMetrics:  getEnvAsBool("ENABLE_METRICS", false),
		},
		SignerKeyHex: key,
		RPCOverrides: make(map[types.Chain]string),
	}

	for _, chain := range []types.Chain{
		types.ChainArbitrumSepolia,
		types.ChainBaseSepolia,
		types.ChainFlowTestnet,
		types.ChainOptimismSepolia,
		types.ChainSepolia,
	} {
		if url := os.Getenv(rpcEnvKey(chain)); url != "" {
			s.RPCOverrides[chain] = url
		}
	}

	return s, nil
}

// rpcEnvKey maps a chain identifier to its RPC override variable, e.g.
// base-sepolia to BASE_SEPOLIA_RPC_URL.
func rpcEnvKey(chain types.Chain) string {
	name := strings.ToUpper(strings.ReplaceAll(chain.String(), "-", "_"))
	return fmt.Sprintf("%s_RPC_URL", name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
