package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
	"github.com/outlier-collective/alto/services/evm"
)

// Manager estimates the fees an operation should declare and enforces a
// lower bound on the fees an operation did declare. Every suggestion is
// recorded into two rolling per-second minimum queues; validation
// compares submissions against the lowest suggestion still inside the
// window, so an operation priced off a slightly stale suggestion is not
// rejected.
type Manager struct {
	client    evm.Client
	chain     uint64
	config    *config.Config
	station   *gasStation
	logger    zerolog.Logger
	collector metrics.Collector

	// one lock over both queues; they are small and always move together
	mu               sync.Mutex
	maxFeeQueue      *minQueue
	maxPriorityQueue *minQueue
}

func NewManager(
	client evm.Client,
	chainID *big.Int,
	cfg *config.Config,
	logger zerolog.Logger,
	collector metrics.Collector,
) *Manager {
	logger = logger.With().Str("component", "gasprice-manager").Logger()

	capacity := int(cfg.GasPriceTimeValiditySeconds)
	if capacity <= 0 {
		capacity = int(config.DefaultGasPriceTimeValidity)
	}

	chain := chainID.Uint64()
	var station *gasStation
	if url := gasStationURL(chain); url != "" {
		station = newGasStation(url, logger)
	}

	return &Manager{
		client:           client,
		chain:            chain,
		config:           cfg,
		station:          station,
		logger:           logger,
		collector:        collector,
		maxFeeQueue:      newMinQueue(capacity),
		maxPriorityQueue: newMinQueue(capacity),
	}
}

// GasPrice estimates the fees an operation should declare right now and
// records them into the rolling queues.
func (m *Manager) GasPrice(ctx context.Context) (*models.GasPriceParameters, error) {
	fees, err := m.estimate(ctx)
	if err != nil {
		return nil, err
	}

	m.record(fees)
	m.collector.GasPriceSuggested(fees.MaxFeePerGas, fees.MaxPriorityFeePerGas)

	return fees, nil
}

// ValidateGasPrice rejects submissions whose fee components fall below
// the lowest suggestion inside the validity window. Cold queues are
// primed with a fresh estimate first.
func (m *Manager) ValidateGasPrice(ctx context.Context, submitted *models.GasPriceParameters) error {
	minMaxFee, minMaxPriority, err := m.windowMinimums(ctx)
	if err != nil {
		return err
	}

	maxFee := submitted.MaxFeePerGas
	if maxFee == nil || maxFee.Cmp(minMaxFee) < 0 {
		return errs.NewErrGasPriceTooLow("maxFeePerGas", minMaxFee, maxFee)
	}

	maxPriority := submitted.MaxPriorityFeePerGas
	if maxPriority == nil || maxPriority.Cmp(minMaxPriority) < 0 {
		return errs.NewErrGasPriceTooLow("maxPriorityFeePerGas", minMaxPriority, maxPriority)
	}

	return nil
}

func (m *Manager) windowMinimums(ctx context.Context) (*big.Int, *big.Int, error) {
	minMaxFee, minMaxPriority := m.queueMinimums()
	if minMaxFee != nil && minMaxPriority != nil {
		return minMaxFee, minMaxPriority, nil
	}

	if _, err := m.GasPrice(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to prime gas price queues: %w", err)
	}

	minMaxFee, minMaxPriority = m.queueMinimums()
	if minMaxFee == nil || minMaxPriority == nil {
		return nil, nil, fmt.Errorf("gas price queues still empty after priming")
	}
	return minMaxFee, minMaxPriority, nil
}

func (m *Manager) queueMinimums() (*big.Int, *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxFeeQueue.min(), m.maxPriorityQueue.min()
}

func (m *Manager) record(fees *models.GasPriceParameters) {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxFeeQueue.record(fees.MaxFeePerGas, now)
	m.maxPriorityQueue.record(fees.MaxPriorityFeePerGas, now)
}

// estimate runs the source selection: gas station chains ask the public
// endpoint first, legacy chains use the node's gas price, everything
// else goes through the fee market. The raw answer is then bumped and
// floored per chain.
func (m *Manager) estimate(ctx context.Context) (*models.GasPriceParameters, error) {
	if m.station != nil {
		fees, err := m.station.fetch(ctx)
		if err == nil {
			return m.finalize(fees), nil
		}
		m.collector.GasStationFetchFailed()
		m.logger.Warn().Err(err).
			Msg("gas station fetch failed, falling back to node estimation")
	}

	var (
		fees *models.GasPriceParameters
		err  error
	)
	if m.config.NoEIP1559Support {
		fees, err = m.legacyFees(ctx)
	} else {
		fees, err = m.marketFees(ctx)
	}
	if err != nil {
		return nil, err
	}

	return m.finalize(fees), nil
}

// legacyFees prices both components at the node's gas price.
func (m *Manager) legacyFees(ctx context.Context) (*models.GasPriceParameters, error) {
	var gasPrice *big.Int

	estimate, err := m.client.EstimateFees(ctx, true)
	if err == nil && estimate != nil && estimate.GasPrice != nil {
		gasPrice = estimate.GasPrice
	} else {
		gasPrice, err = m.client.GasPrice(ctx)
		if err != nil {
			return nil, err
		}
	}

	return &models.GasPriceParameters{
		MaxFeePerGas:         new(big.Int).Set(gasPrice),
		MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
	}, nil
}

// marketFees reads the fee market, filling whichever component the node
// could not answer: a missing tip comes from recent fee history, a
// missing cap from the projected next base fee, and a zero tip becomes
// a 0.5% share of the cap.
func (m *Manager) marketFees(ctx context.Context) (*models.GasPriceParameters, error) {
	estimate, err := m.client.EstimateFees(ctx, false)
	if err != nil {
		return nil, err
	}
	if estimate == nil {
		estimate = &models.FeeEstimate{}
	}

	maxFee := estimate.MaxFeePerGas
	maxPriority := estimate.MaxPriorityFeePerGas

	if maxPriority == nil {
		avg, err := m.averagePriorityFee(ctx)
		if err != nil {
			return nil, err
		}
		ceiling := big.NewInt(0)
		if maxFee != nil {
			ceiling = maxFee
		}
		maxPriority = minBig(avg, ceiling)
	}

	if maxFee == nil {
		header, err := m.client.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		maxFee = new(big.Int).Add(nextBaseFee(header), maxPriority)
	}

	if maxPriority.Sign() == 0 {
		maxPriority = new(big.Int).Div(maxFee, big.NewInt(200))
	}

	return &models.GasPriceParameters{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}, nil
}

// averagePriorityFee averages the 20th percentile rewards over the last
// ten blocks. An empty history prices the tip at zero and lets the
// cap-share fallback take over.
func (m *Manager) averagePriorityFee(ctx context.Context) (*big.Int, error) {
	history, err := m.client.FeeHistory(ctx, 10, []float64{20})
	if err != nil {
		return nil, err
	}

	sum := new(big.Int)
	count := int64(0)
	for _, rewards := range history.Reward {
		if len(rewards) == 0 || rewards[0] == nil {
			continue
		}
		sum.Add(sum, rewards[0])
		count++
	}
	if count == 0 {
		return new(big.Int), nil
	}
	return sum.Div(sum, big.NewInt(count)), nil
}

// finalize applies the chain rules to a raw estimate: raise the tip to
// the chain minimum and the cap to at least the tip, bump both by the
// chain percentage, collapse the components on Celo, then raise to the
// chain floor.
func (m *Manager) finalize(fees *models.GasPriceParameters) *models.GasPriceParameters {
	maxFee := new(big.Int).Set(bigOrZero(fees.MaxFeePerGas))
	maxPriority := new(big.Int).Set(bigOrZero(fees.MaxPriorityFeePerGas))

	if minTip := minimumPriorityFee(m.chain); minTip != nil && maxPriority.Cmp(minTip) < 0 {
		maxPriority.Set(minTip)
	}
	if maxFee.Cmp(maxPriority) < 0 {
		maxFee.Set(maxPriority)
	}

	percent := big.NewInt(bumpPercent(m.chain))
	maxFee.Div(maxFee.Mul(maxFee, percent), big.NewInt(100))
	maxPriority.Div(maxPriority.Mul(maxPriority, percent), big.NewInt(100))

	if isCeloChain(m.chain) {
		if maxFee.Cmp(maxPriority) < 0 {
			maxFee.Set(maxPriority)
		} else {
			maxPriority.Set(maxFee)
		}
	}

	floorMaxFee, floorMaxPriority := feeFloor(m.chain)
	if maxFee.Cmp(floorMaxFee) < 0 {
		maxFee.Set(floorMaxFee)
	}
	if maxPriority.Cmp(floorMaxPriority) < 0 {
		maxPriority.Set(floorMaxPriority)
	}

	return &models.GasPriceParameters{
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}
}

// nextBaseFee projects the base fee of the block following header under
// the EIP-1559 adjustment rule with an elasticity of two. Upward moves
// are at least one wei; downward moves clamp at zero.
func nextBaseFee(header *gethTypes.Header) *big.Int {
	if header.BaseFee == nil {
		return new(big.Int)
	}

	base := header.BaseFee
	target := header.GasLimit / 2
	if target == 0 || header.GasUsed == target {
		return new(big.Int).Set(base)
	}

	if header.GasUsed > target {
		delta := new(big.Int).SetUint64(header.GasUsed - target)
		delta.Mul(delta, base)
		delta.Div(delta, new(big.Int).SetUint64(target))
		delta.Div(delta, big.NewInt(8))
		if delta.Sign() == 0 {
			delta.SetInt64(1)
		}
		return delta.Add(delta, base)
	}

	delta := new(big.Int).SetUint64(target - header.GasUsed)
	delta.Mul(delta, base)
	delta.Div(delta, new(big.Int).SetUint64(target))
	delta.Div(delta, big.NewInt(8))
	next := new(big.Int).Sub(base, delta)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	return next
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
