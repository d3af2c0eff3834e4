package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
)

// StateOverride replaces account state for the duration of a single
// eth_call. A nil map performs the call against the live state.
type StateOverride = map[common.Address]gethclient.OverrideAccount

// Client is the narrow surface of an Ethereum JSON-RPC provider used by the
// simulation and gas price services. It owns transport and decoding only;
// everything above it is policy.
type Client interface {
	// ChainID returns the chain id the node is serving.
	ChainID(ctx context.Context) (*big.Int, error)

	// LatestBlock returns the header of the most recent block.
	LatestBlock(ctx context.Context) (*gethTypes.Header, error)

	// Call executes an eth_call against the latest state, optionally with
	// account state overridden. A revert is returned as *errors.RevertError
	// carrying the raw return data.
	Call(ctx context.Context, msg ethereum.CallMsg, overrides StateOverride) ([]byte, error)

	// EstimateGas runs eth_estimateGas for the given message.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// GasPrice returns the node's legacy gas price suggestion.
	GasPrice(ctx context.Context) (*big.Int, error)

	// EstimateFees asks the node for fee suggestions. With legacy set only
	// the gas price is queried; otherwise the EIP-1559 components are
	// assembled from the tip suggestion and the latest base fee. Fields the
	// node cannot answer are left nil rather than failing the whole call.
	EstimateFees(ctx context.Context, legacy bool) (*models.FeeEstimate, error)

	// FeeHistory returns the requested reward percentiles and base fees of
	// the most recent blocks.
	FeeHistory(ctx context.Context, blockCount uint64, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

var _ Client = &RemoteClient{}

// RemoteClient implements Client on top of a go-ethereum RPC connection.
type RemoteClient struct {
	client    *ethclient.Client
	override  *gethclient.Client
	from      common.Address
	logger    zerolog.Logger
	collector metrics.Collector
}

// NewRemoteClient dials the node at url. The from address is used as the
// caller of every eth_call and estimate, so simulations run against a
// funded, neutral account when the operator configures one.
func NewRemoteClient(
	ctx context.Context,
	url string,
	from common.Address,
	logger zerolog.Logger,
	collector metrics.Collector,
) (*RemoteClient, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node at %s: %w", url, err)
	}

	return &RemoteClient{
		client:    ethclient.NewClient(rpcClient),
		override:  gethclient.New(rpcClient),
		from:      from,
		logger:    logger.With().Str("component", "evm-client").Logger(),
		collector: collector,
	}, nil
}

func (c *RemoteClient) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, c.transportError("eth_chainId", err)
	}
	return id, nil
}

func (c *RemoteClient) LatestBlock(ctx context.Context) (*gethTypes.Header, error) {
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, c.transportError("eth_getBlockByNumber", err)
	}
	return header, nil
}

func (c *RemoteClient) Call(
	ctx context.Context,
	msg ethereum.CallMsg,
	overrides StateOverride,
) ([]byte, error) {
	if msg.From == (common.Address{}) {
		msg.From = c.from
	}

	var overridesArg *StateOverride
	if len(overrides) > 0 {
		overridesArg = &overrides
	}

	ret, err := c.override.CallContract(ctx, msg, nil, overridesArg)
	if err != nil {
		if revert, ok := revertData(err); ok {
			return nil, errs.NewRevertError(revert)
		}
		return nil, c.transportError("eth_call", err)
	}
	return ret, nil
}

func (c *RemoteClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if msg.From == (common.Address{}) {
		msg.From = c.from
	}

	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		if revert, ok := revertData(err); ok {
			return 0, errs.NewRevertError(revert)
		}
		return 0, c.transportError("eth_estimateGas", err)
	}
	return gas, nil
}

func (c *RemoteClient) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, c.transportError("eth_gasPrice", err)
	}
	return price, nil
}

func (c *RemoteClient) EstimateFees(ctx context.Context, legacy bool) (*models.FeeEstimate, error) {
	if legacy {
		price, err := c.GasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return &models.FeeEstimate{GasPrice: price}, nil
	}

	estimate := &models.FeeEstimate{}

	var (
		g          = errgroup.Group{}
		err1, err2 error
		tip        *big.Int
		header     *gethTypes.Header
	)
	// fetch concurrently; either answer alone is enough to price an
	// operation, so failures are handled per answer below
	g.Go(func() error {
		tip, err1 = c.client.SuggestGasTipCap(ctx)
		return err1
	})
	g.Go(func() error {
		header, err2 = c.client.HeaderByNumber(ctx, nil)
		return err2
	})
	_ = g.Wait()

	if err1 != nil {
		c.logger.Debug().Err(err1).Msg("node could not suggest a priority fee")
	} else {
		estimate.MaxPriorityFeePerGas = tip
	}

	if err2 != nil {
		c.logger.Debug().Err(err2).Msg("node could not provide the latest header")
	} else if header.BaseFee != nil {
		// maxFee = 2*baseFee + tip keeps the fee valid for six consecutive
		// full blocks.
		maxFee := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
		if estimate.MaxPriorityFeePerGas != nil {
			maxFee.Add(maxFee, estimate.MaxPriorityFeePerGas)
		}
		estimate.MaxFeePerGas = maxFee
	}

	if estimate.MaxFeePerGas == nil && estimate.MaxPriorityFeePerGas == nil {
		return nil, c.transportError("fee estimation", fmt.Errorf("node answered neither tip nor base fee"))
	}

	return estimate, nil
}

func (c *RemoteClient) FeeHistory(
	ctx context.Context,
	blockCount uint64,
	rewardPercentiles []float64,
) (*ethereum.FeeHistory, error) {
	history, err := c.client.FeeHistory(ctx, blockCount, nil, rewardPercentiles)
	if err != nil {
		return nil, c.transportError("eth_feeHistory", err)
	}
	return history, nil
}

func (c *RemoteClient) transportError(endpoint string, err error) error {
	c.collector.TransportErrorOccurred()
	c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("node request failed")
	return errs.NewTransportError(err)
}

// revertData extracts the raw revert payload from an RPC error, when the
// node attached one. go-ethereum surfaces it behind the rpc.DataError
// interface, either hex encoded or as raw bytes.
func revertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}

	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return nil, false
		}
		return decoded, true
	case []byte:
		return data, true
	case hexutil.Bytes:
		return data, true
	default:
		return nil, false
	}
}
