package config

import (
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// API compatibility levels for the RPC surface. The v1 contract predates
// the pre-verification gas check, so validation skips that step for v1.
const (
	APIVersionV1 = "v1"
	APIVersionV2 = "v2"
)

// Canonical EntryPoint deployments, identical on every chain thanks to
// deterministic deployment.
var (
	DefaultEntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	DefaultEntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
)

const (
	// DefaultGasPriceTimeValidity caps the rolling fee queues; one entry is
	// kept per second, so this is also the length of the observation window
	// in seconds.
	DefaultGasPriceTimeValidity uint64 = 10

	DefaultUserOpTTL = 5 * time.Minute
)

type Config struct {
	// DatabaseDir is the path to the directory for the receipt index database.
	DatabaseDir string
	// RPCHost defines the host for the JSON-RPC API server.
	RPCHost string
	// RPCPort defines the port for the JSON-RPC API server.
	RPCPort int
	// MetricsPort defines the port for the Prometheus metrics server.
	MetricsPort int
	// NodeURL is the JSON-RPC endpoint of the upstream execution client.
	NodeURL string
	// EntryPoints lists the EntryPoint contracts this bundler serves, in
	// preference order. The first entry is the default for estimation.
	EntryPoints []common.Address
	// EntryPointSimulationsAddress is the deployed EntryPointSimulations
	// contract used to simulate v0.7 operations. Required when a v0.7
	// EntryPoint is served; v0.6 simulation goes through the EntryPoint
	// itself.
	EntryPointSimulationsAddress common.Address
	// UtilityWalletAddress is used as the neutral from-address on
	// simulation calls.
	UtilityWalletAddress common.Address
	// APIVersion selects the RPC compatibility level ("v1" or "v2").
	APIVersion string
	// BalanceOverrideEnabled adds a synthetic balance to the sender during
	// execution simulation so estimation works for unfunded accounts.
	BalanceOverrideEnabled bool
	// DisableExpirationCheck turns off the validAfter/validUntil window
	// enforcement during validation.
	DisableExpirationCheck bool
	// NoEIP1559Support marks chains without base fees. Gas pricing then
	// relies on the legacy gas price instead of the fee market.
	NoEIP1559Support bool
	// GasPriceTimeValiditySeconds caps the rolling fee queues used to
	// enforce minimum acceptable fees.
	GasPriceTimeValiditySeconds uint64
	// UserOpTTL is how long a pending user operation stays in the pool
	// before it expires.
	UserOpTTL time.Duration
	// RateLimit requests made by clients per second. Disabled when zero.
	RateLimit uint64
	// AddressHeader is the header that contains the client IP when the
	// server runs behind a proxy. Leave empty if no proxy is used.
	AddressHeader string
	// RPCRequestTimeout is the maximum duration a JSON-RPC request may take
	// before it times out.
	RPCRequestTimeout time.Duration
	// LogLevel defines the verbosity of the log output.
	LogLevel zerolog.Level
	// LogWriter defines the writer used for log output.
	LogWriter io.Writer
}

// SupportsEntryPoint reports whether the given address is one of the
// configured EntryPoint contracts.
func (c *Config) SupportsEntryPoint(addr common.Address) bool {
	for _, ep := range c.EntryPoints {
		if ep == addr {
			return true
		}
	}
	return false
}

// Defaults returns a configuration with every optional knob at its
// default. Callers still have to provide the node URL and entry points.
func Defaults() *Config {
	return &Config{
		DatabaseDir:                 "./db",
		RPCPort:                     8545,
		MetricsPort:                 9091,
		APIVersion:                  APIVersionV2,
		GasPriceTimeValiditySeconds: DefaultGasPriceTimeValidity,
		UserOpTTL:                   DefaultUserOpTTL,
		RPCRequestTimeout:           120 * time.Second,
		LogLevel:                    zerolog.InfoLevel,
	}
}
