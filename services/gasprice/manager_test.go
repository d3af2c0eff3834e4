package gasprice

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
	"github.com/outlier-collective/alto/services/evm"
)

type feeClient struct {
	estimate      *models.FeeEstimate
	estimateErr   error
	estimateCalls int
	legacyFlags   []bool

	gasPrice    *big.Int
	gasPriceErr error

	history    *ethereum.FeeHistory
	historyErr error

	header    *gethTypes.Header
	headerErr error
}

func (f *feeClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *feeClient) LatestBlock(context.Context) (*gethTypes.Header, error) {
	return f.header, f.headerErr
}

func (f *feeClient) Call(context.Context, ethereum.CallMsg, evm.StateOverride) ([]byte, error) {
	return nil, nil
}

func (f *feeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, nil
}

func (f *feeClient) GasPrice(context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasPriceErr
}

func (f *feeClient) EstimateFees(_ context.Context, legacy bool) (*models.FeeEstimate, error) {
	f.estimateCalls++
	f.legacyFlags = append(f.legacyFlags, legacy)
	return f.estimate, f.estimateErr
}

func (f *feeClient) FeeHistory(context.Context, uint64, []float64) (*ethereum.FeeHistory, error) {
	return f.history, f.historyErr
}

var _ evm.Client = &feeClient{}

type gasCollector struct {
	metrics.Collector
	stationFailures int
	suggestions     int
}

func newGasCollector() *gasCollector {
	return &gasCollector{Collector: metrics.NewNoopCollector()}
}

func (c *gasCollector) GasStationFetchFailed() { c.stationFailures++ }

func (c *gasCollector) GasPriceSuggested(_, _ *big.Int) { c.suggestions++ }

func newTestManager(client evm.Client, chainID uint64, cfg *config.Config) (*Manager, *gasCollector) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	collector := newGasCollector()
	return NewManager(client, new(big.Int).SetUint64(chainID), cfg, zerolog.Nop(), collector), collector
}

func TestGasPriceBumpsAndRecords(t *testing.T) {
	t.Parallel()

	client := &feeClient{
		estimate: &models.FeeEstimate{
			MaxFeePerGas:         big.NewInt(100),
			MaxPriorityFeePerGas: big.NewInt(10),
		},
	}
	// mainnet bumps by 11%
	manager, collector := newTestManager(client, chainMainnet, nil)

	fees, err := manager.GasPrice(context.Background())
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(111), fees.MaxFeePerGas)
	assert.Equal(t, big.NewInt(11), fees.MaxPriorityFeePerGas)
	assert.Equal(t, []bool{false}, client.legacyFlags)
	assert.Equal(t, 1, collector.suggestions)

	minMaxFee, minMaxPriority := manager.queueMinimums()
	assert.Equal(t, big.NewInt(111), minMaxFee)
	assert.Equal(t, big.NewInt(11), minMaxPriority)
}

func TestGasPriceLegacyChain(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.NoEIP1559Support = true

	t.Run("node answers the legacy estimate", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{
			estimate: &models.FeeEstimate{GasPrice: big.NewInt(7_000)},
		}
		manager, _ := newTestManager(client, 4_242, cfg)

		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(7_000), fees.MaxFeePerGas)
		assert.Equal(t, big.NewInt(7_000), fees.MaxPriorityFeePerGas)
		assert.Equal(t, []bool{true}, client.legacyFlags)
	})

	t.Run("falls back to eth_gasPrice", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{
			estimateErr: fmt.Errorf("method not supported"),
			gasPrice:    big.NewInt(5_000),
		}
		manager, _ := newTestManager(client, 4_242, cfg)

		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(5_000), fees.MaxFeePerGas)
		assert.Equal(t, big.NewInt(5_000), fees.MaxPriorityFeePerGas)
	})

	t.Run("both sources failing surfaces the error", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{
			estimateErr: fmt.Errorf("estimate down"),
			gasPriceErr: fmt.Errorf("gas price down"),
		}
		manager, _ := newTestManager(client, 4_242, cfg)

		_, err := manager.GasPrice(context.Background())
		require.ErrorContains(t, err, "gas price down")
	})
}

func TestGasPriceFillsMissingPriority(t *testing.T) {
	t.Parallel()

	t.Run("averages recent rewards", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{
			estimate: &models.FeeEstimate{MaxFeePerGas: big.NewInt(1_000)},
			history: &ethereum.FeeHistory{
				Reward: [][]*big.Int{
					{big.NewInt(10)},
					{big.NewInt(20)},
					{big.NewInt(30)},
				},
			},
		}
		manager, _ := newTestManager(client, 4_242, nil)

		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(1_000), fees.MaxFeePerGas)
		assert.Equal(t, big.NewInt(20), fees.MaxPriorityFeePerGas)
	})

	t.Run("caps the tip at the declared fee", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{
			estimate: &models.FeeEstimate{MaxFeePerGas: big.NewInt(15)},
			history: &ethereum.FeeHistory{
				Reward: [][]*big.Int{{big.NewInt(2_000)}},
			},
		}
		manager, _ := newTestManager(client, 4_242, nil)

		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(15), fees.MaxFeePerGas)
		assert.Equal(t, big.NewInt(15), fees.MaxPriorityFeePerGas)
	})

	t.Run("empty history falls back to a fee share", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{
			estimate: &models.FeeEstimate{MaxFeePerGas: big.NewInt(4_000)},
			history:  &ethereum.FeeHistory{Reward: [][]*big.Int{{}, {}}},
		}
		manager, _ := newTestManager(client, 4_242, nil)

		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(4_000), fees.MaxFeePerGas)
		// 0.5% of the cap
		assert.Equal(t, big.NewInt(20), fees.MaxPriorityFeePerGas)
	})
}

func TestGasPriceFillsMissingMaxFee(t *testing.T) {
	t.Parallel()

	client := &feeClient{
		estimate: &models.FeeEstimate{MaxPriorityFeePerGas: big.NewInt(3)},
		header: &gethTypes.Header{
			BaseFee:  big.NewInt(1_000),
			GasLimit: 2_000,
			GasUsed:  1_000,
		},
	}
	manager, _ := newTestManager(client, 4_242, nil)

	fees, err := manager.GasPrice(context.Background())
	require.NoError(t, err)

	// base fee holds at target utilization
	assert.Equal(t, big.NewInt(1_003), fees.MaxFeePerGas)
	assert.Equal(t, big.NewInt(3), fees.MaxPriorityFeePerGas)
}

func TestNextBaseFee(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header *gethTypes.Header
		want   *big.Int
	}{
		{
			name:   "pre-1559 block",
			header: &gethTypes.Header{GasLimit: 2_000, GasUsed: 1_500},
			want:   big.NewInt(0),
		},
		{
			name:   "zero gas limit",
			header: &gethTypes.Header{BaseFee: big.NewInt(900)},
			want:   big.NewInt(900),
		},
		{
			name:   "at target",
			header: &gethTypes.Header{BaseFee: big.NewInt(1_000), GasLimit: 2_000, GasUsed: 1_000},
			want:   big.NewInt(1_000),
		},
		{
			name:   "over target",
			header: &gethTypes.Header{BaseFee: big.NewInt(1_000), GasLimit: 2_000, GasUsed: 1_500},
			want:   big.NewInt(1_062),
		},
		{
			name:   "over target rounds up to one wei",
			header: &gethTypes.Header{BaseFee: big.NewInt(1), GasLimit: 2_000_000, GasUsed: 1_000_001},
			want:   big.NewInt(2),
		},
		{
			name:   "under target",
			header: &gethTypes.Header{BaseFee: big.NewInt(1_000), GasLimit: 2_000, GasUsed: 500},
			want:   big.NewInt(938),
		},
		{
			name:   "empty block",
			header: &gethTypes.Header{BaseFee: big.NewInt(800), GasLimit: 2_000, GasUsed: 0},
			want:   big.NewInt(700),
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, nextBaseFee(tc.header))
		})
	}
}

func TestGasPriceChainRules(t *testing.T) {
	t.Parallel()

	estimate := func(maxFee, maxPriority int64) *feeClient {
		return &feeClient{
			estimate: &models.FeeEstimate{
				MaxFeePerGas:         big.NewInt(maxFee),
				MaxPriorityFeePerGas: big.NewInt(maxPriority),
			},
		}
	}

	t.Run("sepolia pads estimates by twenty percent", func(t *testing.T) {
		t.Parallel()

		manager, _ := newTestManager(estimate(100, 10), chainSepolia, nil)
		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(120), fees.MaxFeePerGas)
		assert.Equal(t, big.NewInt(12), fees.MaxPriorityFeePerGas)
	})

	t.Run("celo collapses both components to the higher one", func(t *testing.T) {
		t.Parallel()

		manager, _ := newTestManager(estimate(100, 10), chainCelo, nil)
		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, big.NewInt(150), fees.MaxFeePerGas)
		assert.Equal(t, big.NewInt(150), fees.MaxPriorityFeePerGas)
	})

	t.Run("dfk floors both components at five gwei", func(t *testing.T) {
		t.Parallel()

		manager, _ := newTestManager(estimate(100, 10), chainDFK, nil)
		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, gwei(5), fees.MaxFeePerGas)
		assert.Equal(t, gwei(5), fees.MaxPriorityFeePerGas)
	})

	t.Run("tip minimum raises the fee cap with it", func(t *testing.T) {
		t.Parallel()

		// mumbai expects at least one gwei of tip
		client := estimate(5, 1)
		manager, _ := newTestManager(client, chainPolygonMumbai, nil)
		manager.station = nil

		fees, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		assert.Equal(t, gwei(1), fees.MaxFeePerGas)
		assert.Equal(t, gwei(1), fees.MaxPriorityFeePerGas)
	})
}

func TestValidateGasPrice(t *testing.T) {
	t.Parallel()

	newPrimedManager := func(t *testing.T) (*Manager, *feeClient) {
		t.Helper()
		client := &feeClient{
			estimate: &models.FeeEstimate{
				MaxFeePerGas:         big.NewInt(1_000),
				MaxPriorityFeePerGas: big.NewInt(100),
			},
		}
		manager, _ := newTestManager(client, 4_242, nil)
		return manager, client
	}

	t.Run("primes cold queues and accepts matching fees", func(t *testing.T) {
		t.Parallel()

		manager, client := newPrimedManager(t)
		submitted := &models.GasPriceParameters{
			MaxFeePerGas:         big.NewInt(1_000),
			MaxPriorityFeePerGas: big.NewInt(100),
		}

		require.NoError(t, manager.ValidateGasPrice(context.Background(), submitted))
		assert.Equal(t, 1, client.estimateCalls)

		// warm queues do not re-estimate
		require.NoError(t, manager.ValidateGasPrice(context.Background(), submitted))
		assert.Equal(t, 1, client.estimateCalls)
	})

	t.Run("rejects a low fee cap", func(t *testing.T) {
		t.Parallel()

		manager, _ := newPrimedManager(t)
		err := manager.ValidateGasPrice(context.Background(), &models.GasPriceParameters{
			MaxFeePerGas:         big.NewInt(999),
			MaxPriorityFeePerGas: big.NewInt(100),
		})

		var tooLow *errs.GasPriceTooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, "maxFeePerGas", tooLow.Field)
		assert.Equal(t,
			"maxFeePerGas must be at least 1000 (current maxFeePerGas: 999)",
			err.Error(),
		)
	})

	t.Run("rejects a low tip", func(t *testing.T) {
		t.Parallel()

		manager, _ := newPrimedManager(t)
		err := manager.ValidateGasPrice(context.Background(), &models.GasPriceParameters{
			MaxFeePerGas:         big.NewInt(1_000),
			MaxPriorityFeePerGas: big.NewInt(99),
		})

		var tooLow *errs.GasPriceTooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, "maxPriorityFeePerGas", tooLow.Field)
	})

	t.Run("rejects missing components", func(t *testing.T) {
		t.Parallel()

		manager, _ := newPrimedManager(t)
		err := manager.ValidateGasPrice(context.Background(), &models.GasPriceParameters{})

		var tooLow *errs.GasPriceTooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, "maxFeePerGas", tooLow.Field)
	})

	t.Run("a lower later suggestion loosens the bound", func(t *testing.T) {
		t.Parallel()

		manager, client := newPrimedManager(t)
		_, err := manager.GasPrice(context.Background())
		require.NoError(t, err)

		client.estimate = &models.FeeEstimate{
			MaxFeePerGas:         big.NewInt(800),
			MaxPriorityFeePerGas: big.NewInt(80),
		}
		_, err = manager.GasPrice(context.Background())
		require.NoError(t, err)

		require.NoError(t, manager.ValidateGasPrice(context.Background(), &models.GasPriceParameters{
			MaxFeePerGas:         big.NewInt(800),
			MaxPriorityFeePerGas: big.NewInt(80),
		}))
	})

	t.Run("surfaces estimation failure while priming", func(t *testing.T) {
		t.Parallel()

		client := &feeClient{estimateErr: fmt.Errorf("node down")}
		manager, _ := newTestManager(client, 4_242, nil)

		err := manager.ValidateGasPrice(context.Background(), &models.GasPriceParameters{
			MaxFeePerGas:         big.NewInt(1),
			MaxPriorityFeePerGas: big.NewInt(1),
		})
		require.ErrorContains(t, err, "failed to prime gas price queues")
	})
}
