package bootstrap

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/outlier-collective/alto/api"
	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/services/entrypoint"
	"github.com/outlier-collective/alto/services/evm"
	"github.com/outlier-collective/alto/services/gasprice"
	"github.com/outlier-collective/alto/services/mempool"
	"github.com/outlier-collective/alto/services/validation"
	"github.com/outlier-collective/alto/storage"
	"github.com/outlier-collective/alto/storage/pebble"
)

// storageSizeInterval is how often the database directory size gauge is
// refreshed.
const storageSizeInterval = time.Minute

type Storages struct {
	Storage *pebble.Storage
	UserOps storage.UserOperationIndexer
}

type Bootstrap struct {
	logger    zerolog.Logger
	config    *config.Config
	client    *evm.RemoteClient
	chainID   *big.Int
	storages  *Storages
	collector metrics.Collector
	pool      mempool.Pool
	server    *api.Server
	metrics   *metrics.Server
}

func New(ctx context.Context, config *config.Config) (*Bootstrap, error) {
	logger := zerolog.New(config.LogWriter).With().Timestamp().Logger()
	logger = logger.Level(config.LogLevel)
	logger.Info().Msg("starting up the bundler")

	if len(config.EntryPoints) == 0 {
		return nil, fmt.Errorf("at least one entry point is required")
	}

	collector := metrics.NewCollector(logger)

	// create pebble storage from the provided database root directory
	store, err := pebble.New(config.DatabaseDir, logger)
	if err != nil {
		return nil, err
	}

	client, err := evm.NewRemoteClient(
		ctx,
		config.NodeURL,
		config.UtilityWalletAddress,
		logger,
		collector,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create node client for %s: %w", config.NodeURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chain id from node: %w", err)
	}
	logger.Info().Str("chainID", chainID.String()).Msg("connected to node")

	return &Bootstrap{
		storages: &Storages{
			Storage: store,
			UserOps: pebble.NewUserOperations(store),
		},
		logger:    logger,
		config:    config,
		client:    client,
		chainID:   chainID,
		collector: collector,
	}, nil
}

func (b *Bootstrap) StartAPIServer(ctx context.Context) error {
	b.logger.Info().Msg("bootstrap starting API server")

	b.server = api.NewServer(b.logger, b.collector, b.config)

	simulator := entrypoint.NewSimulator(
		b.client,
		b.config.EntryPointSimulationsAddress,
		b.config.BalanceOverrideEnabled,
		b.logger,
		b.collector,
	)

	validator := validation.NewValidator(
		simulator,
		b.config,
		b.chainID,
		b.logger,
		b.collector,
	)

	gasPrices := gasprice.NewManager(
		b.client,
		b.chainID,
		b.config,
		b.logger,
		b.collector,
	)

	b.pool = mempool.NewInMemoryPool(b.chainID, b.config, b.logger, b.collector)

	// create rate limiter for requests on the APIs. Tokens are number of requests allowed per 1 second interval
	// if no limit is defined we specify max value, effectively disabling rate-limiting
	rateLimit := b.config.RateLimit
	if rateLimit == 0 {
		b.logger.Warn().Msg("no rate-limiting is set")
		rateLimit = math.MaxInt
	}
	ratelimiter, err := memorystore.New(&memorystore.Config{Tokens: rateLimit, Interval: time.Second})
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	rateLimiter := api.NewRateLimiter(ratelimiter, b.collector, b.logger)

	bundlerAPI := api.NewBundlerAPI(
		b.logger,
		b.config,
		b.chainID,
		b.client,
		validator,
		simulator,
		gasPrices,
		b.pool,
		b.storages.UserOps,
		rateLimiter,
		b.collector,
	)

	altoAPI := api.NewAltoAPI(b.logger, gasPrices, rateLimiter, b.collector)

	supportedAPIs := api.SupportedAPIs(bundlerAPI, altoAPI)

	if err := b.server.EnableRPC(supportedAPIs); err != nil {
		return err
	}

	if err := b.server.SetListenAddr(b.config.RPCHost, b.config.RPCPort); err != nil {
		return err
	}

	if err := b.server.Start(); err != nil {
		return err
	}

	b.logger.Info().Msgf("API server started: %s", b.server.ListenAddr())
	return nil
}

func (b *Bootstrap) StopAPIServer() {
	if b.server == nil {
		return
	}
	b.logger.Warn().Msg("shutting down API server")
	b.server.Stop()
}

func (b *Bootstrap) StartMetricsServer(ctx context.Context) error {
	b.logger.Info().Msg("bootstrap starting metrics server")

	b.metrics = metrics.NewServer(b.logger, b.config.MetricsPort)
	started, err := b.metrics.Start()
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	<-started

	storageCollector, err := metrics.NewStorageCollector(
		b.logger,
		b.config.DatabaseDir,
		storageSizeInterval,
	)
	if err != nil {
		return fmt.Errorf("failed to create storage metrics collector: %w", err)
	}
	storageCollector.Start(ctx)

	return nil
}

func (b *Bootstrap) StopMetricsServer() {
	if b.metrics == nil {
		return
	}
	b.logger.Warn().Msg("shutting down metrics server")
	b.metrics.Stop()
}

func (b *Bootstrap) StopDB() {
	if b.storages == nil {
		return
	}
	b.logger.Warn().Msg("closing the database")
	if err := b.storages.Storage.Close(); err != nil {
		b.logger.Err(err).Msg("failed to close the database")
	}
}

// Run will run a complete bootstrap of the bundler with all the services.
// Run is a blocking call, but it does signal readiness of the service
// through the provided callback.
func Run(ctx context.Context, cfg *config.Config, ready func()) error {
	boot, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	if err := boot.StartAPIServer(ctx); err != nil {
		return err
	}

	if err := boot.StartMetricsServer(ctx); err != nil {
		return err
	}

	// mark ready
	ready()

	// if context is canceled start shutdown
	<-ctx.Done()
	boot.logger.Warn().Msg("bootstrap received context cancellation, stopping services")

	boot.StopAPIServer()
	boot.StopMetricsServer()
	boot.StopDB()

	return nil
}
