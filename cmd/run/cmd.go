package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	gethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/outlier-collective/alto/bootstrap"
	"github.com/outlier-collective/alto/config"
)

var Cmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the bundler",
	RunE: func(command *cobra.Command, _ []string) error {
		ctx, cancel := context.WithCancel(command.Context())
		defer cancel()

		if err := parseConfigFromFlags(); err != nil {
			return fmt.Errorf("failed to parse flags: %w", err)
		}

		done := make(chan struct{})
		ready := make(chan struct{})
		once := sync.Once{}
		closeReady := func() {
			once.Do(func() {
				close(ready)
			})
		}
		go func() {
			defer close(done)
			// In case an error happens before ready is called we need to close the ready channel
			defer closeReady()

			err := bootstrap.Run(
				ctx,
				&cfg,
				closeReady,
			)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Err(err).Msg("bundler runtime error")
			}
		}()

		<-ready

		osSig := make(chan os.Signal, 1)
		signal.Notify(osSig, syscall.SIGINT, syscall.SIGTERM)

		// wait for the bundler to exit or for a shutdown signal
		select {
		case <-osSig:
			log.Info().Msg("OS Signal to shutdown received, shutting down")
			cancel()
		case <-done:
			log.Info().Msg("done, shutting down")
		}

		// wait for the bundler to completely stop
		<-done

		return nil
	},
}

func parseConfigFromFlags() error {
	if cfg.NodeURL == "" {
		return fmt.Errorf("node URL required")
	}

	if entryPoints == "" {
		cfg.EntryPoints = []gethCommon.Address{
			config.DefaultEntryPointV06,
			config.DefaultEntryPointV07,
		}
	} else {
		for _, raw := range strings.Split(entryPoints, ",") {
			raw = strings.TrimSpace(raw)
			addr := gethCommon.HexToAddress(raw)
			if addr == (gethCommon.Address{}) {
				return fmt.Errorf("invalid entry point address: %s", raw)
			}
			cfg.EntryPoints = append(cfg.EntryPoints, addr)
		}
	}

	if entryPointSimulations != "" {
		cfg.EntryPointSimulationsAddress = gethCommon.HexToAddress(entryPointSimulations)
		if cfg.EntryPointSimulationsAddress == (gethCommon.Address{}) {
			return fmt.Errorf("invalid entry-point-simulations-address: %s", entryPointSimulations)
		}
	}

	if utilityWallet != "" {
		cfg.UtilityWalletAddress = gethCommon.HexToAddress(utilityWallet)
		if cfg.UtilityWalletAddress == (gethCommon.Address{}) {
			return fmt.Errorf("invalid utility-wallet-address: %s", utilityWallet)
		}
	}

	switch cfg.APIVersion {
	case config.APIVersionV1, config.APIVersionV2:
	default:
		return fmt.Errorf(
			"api version: %s not supported, valid values are ('v1', 'v2')", cfg.APIVersion,
		)
	}

	// configure logging
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %s", logLevel)
	}
	cfg.LogLevel = level

	if logWriter == "stderr" {
		cfg.LogWriter = os.Stderr
	} else {
		cfg.LogWriter = zerolog.NewConsoleWriter()
	}

	return nil
}

var cfg = config.Config{}
var (
	entryPoints,
	entryPointSimulations,
	utilityWallet,
	logLevel,
	logWriter string
)

func init() {
	// Set all available flags
	Cmd.Flags().StringVar(&cfg.DatabaseDir, "database-dir", "./db", "Path to the directory for the database")
	Cmd.Flags().StringVar(&cfg.RPCHost, "rpc-host", "", "Host for the JSON-RPC API server")
	Cmd.Flags().IntVar(&cfg.RPCPort, "rpc-port", 8545, "Port for the JSON-RPC API server")
	Cmd.Flags().StringVar(&cfg.NodeURL, "node-url", "", "JSON-RPC endpoint of the execution client the bundler runs against")
	Cmd.Flags().StringVar(&entryPoints, "entry-points", "", `EntryPoint contract addresses to serve, defined following the schema: {addr1},{addr2} as a comma separated list. The first address is the default for requests that leave the EntryPoint out. Defaults to the canonical v0.6 and v0.7 deployments.`)
	Cmd.Flags().StringVar(&entryPointSimulations, "entry-point-simulations-address", "", "Address of the deployed EntryPointSimulations contract, required to simulate operations against a v0.7 EntryPoint")
	Cmd.Flags().StringVar(&utilityWallet, "utility-wallet-address", "", "Address used as the neutral caller on simulation calls")
	Cmd.Flags().StringVar(&cfg.APIVersion, "api-version", config.APIVersionV2, "RPC compatibility level ('v1' / 'v2'). v1 skips the pre-verification gas check for backwards compatibility.")
	Cmd.Flags().BoolVar(&cfg.BalanceOverrideEnabled, "balance-override", false, "Give the sender a synthetic balance during execution simulation, so gas estimation also works for accounts that are not funded yet")
	Cmd.Flags().BoolVar(&cfg.DisableExpirationCheck, "disable-expiration-check", false, "Disable enforcement of the validAfter/validUntil time window during validation. WARNING: This should only be used locally or for testing, never in production.")
	Cmd.Flags().BoolVar(&cfg.NoEIP1559Support, "no-eip1559-support", false, "Mark the chain as having no base fees. Gas pricing then relies on the legacy gas price instead of the fee market.")
	Cmd.Flags().Uint64Var(&cfg.GasPriceTimeValiditySeconds, "gas-price-time-validity", config.DefaultGasPriceTimeValidity, "Length in seconds of the rolling window of fee suggestions used to police the fees an operation declares")
	Cmd.Flags().DurationVar(&cfg.UserOpTTL, "user-op-ttl", config.DefaultUserOpTTL, "Time to live for pending user operations in the pool (e.g., 5m, 10m)")
	Cmd.Flags().Uint64Var(&cfg.RateLimit, "rate-limit", 50, "Rate-limit requests per second made by the client")
	Cmd.Flags().StringVar(&cfg.AddressHeader, "address-header", "", "Address header that contains the client IP, this is useful when the server is behind a proxy that sets the source IP of the client. Leave empty if no proxy is used.")
	Cmd.Flags().DurationVar(&cfg.RPCRequestTimeout, "rpc-request-timeout", time.Second*120, "Sets the maximum duration at which JSON-RPC requests should generate a response, before they timeout. The default is 120 seconds.")
	Cmd.Flags().IntVar(&cfg.MetricsPort, "metrics-port", 9091, "Port for the metrics server")
	Cmd.Flags().StringVar(&logLevel, "log-level", "debug", "Define verbosity of the log output ('debug', 'info', 'warn', 'error', 'fatal', 'panic')")
	Cmd.Flags().StringVar(&logWriter, "log-writer", "stderr", "Log writer used for output ('stderr', 'console')")
}
