package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
	"github.com/outlier-collective/alto/services/evm"
	"github.com/outlier-collective/alto/services/mempool"
	"github.com/outlier-collective/alto/services/validation"
	"github.com/outlier-collective/alto/storage"
)

const (
	EthSendUserOperation        = "eth_sendUserOperation"
	EthEstimateUserOperationGas = "eth_estimateUserOperationGas"
	EthSupportedEntryPoints     = "eth_supportedEntryPoints"
	EthGetUserOperationByHash   = "eth_getUserOperationByHash"
	EthGetUserOperationReceipt  = "eth_getUserOperationReceipt"
	EthChainID                  = "eth_chainId"
)

// Defaults substituted for gas fields an estimation request may omit. The
// limits are deliberately generous; estimation derives the real ones.
const (
	estimationVerificationGasLimit          = 10_000_000
	estimationCallGasLimit                  = 10_000_000
	estimationPaymasterVerificationGasLimit = 1_000_000
	estimationPaymasterPostOpGasLimit       = 100_000

	// callGasFloor is the smallest callGasLimit ever returned, covering the
	// EntryPoint's inner call overhead for a trivial callData.
	callGasFloor = 9_000
)

// Validator admits or rejects a user operation before it is pooled.
type Validator interface {
	Validate(
		ctx context.Context,
		op models.UserOperation,
		entryPoint common.Address,
		codeHashes *models.ReferencedCodeHashes,
	) (*models.Admission, error)
}

// Simulator executes an operation through the EntryPoint simulation path.
type Simulator interface {
	SimulateHandleOp(
		ctx context.Context,
		op models.UserOperation,
		entryPoint common.Address,
		target common.Address,
		targetCallData []byte,
	) (*models.ExecutionResult, error)
}

// BundlerAPI handles the ERC-4337 user operation methods of the eth
// namespace.
type BundlerAPI struct {
	logger      zerolog.Logger
	config      *config.Config
	chainID     *big.Int
	client      evm.Client
	validator   Validator
	simulator   Simulator
	gasPrices   GasPricer
	pool        mempool.Pool
	userOps     storage.UserOperationIndexer
	rateLimiter RateLimiter
	collector   metrics.Collector
}

func NewBundlerAPI(
	logger zerolog.Logger,
	cfg *config.Config,
	chainID *big.Int,
	client evm.Client,
	validator Validator,
	simulator Simulator,
	gasPrices GasPricer,
	pool mempool.Pool,
	userOps storage.UserOperationIndexer,
	rateLimiter RateLimiter,
	collector metrics.Collector,
) *BundlerAPI {
	return &BundlerAPI{
		logger:      logger.With().Str("component", "bundler-api").Logger(),
		config:      cfg,
		chainID:     chainID,
		client:      client,
		validator:   validator,
		simulator:   simulator,
		gasPrices:   gasPrices,
		pool:        pool,
		userOps:     userOps,
		rateLimiter: rateLimiter,
		collector:   collector,
	}
}

// SendUserOperation runs the operation through the fee and validation
// pipeline and adds it to the pool, returning the canonical hash under
// which it is tracked.
func (b *BundlerAPI) SendUserOperation(
	ctx context.Context,
	args models.UserOperationArgs,
	entryPoint *common.Address,
) (common.Hash, error) {
	l := b.logger.With().
		Str("endpoint", EthSendUserOperation).
		Str("sender", args.Sender.Hex()).
		Logger()

	if err := b.rateLimiter.Apply(ctx, EthSendUserOperation); err != nil {
		return common.Hash{}, err
	}

	ep, err := b.resolveEntryPoint(entryPoint)
	if err != nil {
		return handleError[common.Hash](err, l, b.collector)
	}

	op, err := args.ToUserOperation()
	if err != nil {
		return handleError[common.Hash](fmt.Errorf("%w: %s", errs.ErrInvalid, err), l, b.collector)
	}

	if err := b.gasPrices.ValidateGasPrice(ctx, &models.GasPriceParameters{
		MaxFeePerGas:         op.MaxFeePerGas(),
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas(),
	}); err != nil {
		return handleError[common.Hash](err, l, b.collector)
	}

	if _, err := b.validator.Validate(ctx, op, ep, nil); err != nil {
		return handleError[common.Hash](err, l, b.collector)
	}

	hash, err := b.pool.Add(ctx, op, ep)
	if err != nil {
		return handleError[common.Hash](err, l, b.collector)
	}

	l.Info().
		Str("userOpHash", hash.Hex()).
		Str("nonce", op.Nonce().String()).
		Str("entryPoint", ep.Hex()).
		Str("version", op.Version().String()).
		Msg("user operation accepted")

	return hash, nil
}

// EstimateUserOperationGas simulates the operation and returns gas limits
// it would need to pass validation and execution. Gas fields may be left
// out of the request; fees default to zero so estimation also works for
// senders that are not funded yet.
func (b *BundlerAPI) EstimateUserOperationGas(
	ctx context.Context,
	args models.UserOperationArgs,
	entryPoint *common.Address,
) (*GasEstimate, error) {
	l := b.logger.With().
		Str("endpoint", EthEstimateUserOperationGas).
		Str("sender", args.Sender.Hex()).
		Logger()

	if err := b.rateLimiter.Apply(ctx, EthEstimateUserOperationGas); err != nil {
		return nil, err
	}

	ep, err := b.resolveEntryPoint(entryPoint)
	if err != nil {
		return handleError[*GasEstimate](err, l, b.collector)
	}

	fillEstimationDefaults(&args)
	op, err := args.ToUserOperation()
	if err != nil {
		return handleError[*GasEstimate](fmt.Errorf("%w: %s", errs.ErrInvalid, err), l, b.collector)
	}

	preVerificationGas := validation.PreVerificationGas(op, b.chainID)

	result, err := b.simulator.SimulateHandleOp(ctx, op, ep, common.Address{}, nil)
	if err != nil {
		return handleError[*GasEstimate](err, l, b.collector)
	}

	// preOpGas covers the declared pre-verification gas plus the gas the
	// validation phase actually consumed; the difference, padded by half,
	// becomes the verification limit.
	verificationGas := new(big.Int).Sub(result.PreOpGas, op.PreVerificationGas())
	if verificationGas.Sign() <= 0 {
		verificationGas.Set(result.PreOpGas)
	}
	verificationGas.Mul(verificationGas, big.NewInt(3))
	verificationGas.Div(verificationGas, big.NewInt(2))

	callGas, err := b.estimateCallGas(ctx, ep, op.Sender(), *args.CallData)
	if err != nil {
		return handleError[*GasEstimate](err, l, b.collector)
	}

	estimate := &GasEstimate{
		PreVerificationGas:   hexBig(preVerificationGas),
		VerificationGasLimit: hexBig(verificationGas),
		CallGasLimit:         hexBig(new(big.Int).SetUint64(callGas)),
	}
	if op.Version() == models.EntryPointV07 && op.HasPaymaster() {
		paymasterLimit := hexBig(verificationGas)
		estimate.PaymasterVerificationGasLimit = &paymasterLimit
	}

	l.Debug().
		Str("preVerificationGas", preVerificationGas.String()).
		Str("verificationGasLimit", verificationGas.String()).
		Uint64("callGasLimit", callGas).
		Msg("estimated user operation gas")

	return estimate, nil
}

// SupportedEntryPoints lists the EntryPoint contracts this bundler accepts
// operations for, default first.
func (b *BundlerAPI) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	if err := b.rateLimiter.Apply(ctx, EthSupportedEntryPoints); err != nil {
		return nil, err
	}

	return b.config.EntryPoints, nil
}

// GetUserOperationByHash returns the operation together with its inclusion
// coordinates, or null when the hash is unknown. Operations still pending
// in the pool are returned with null block fields.
func (b *BundlerAPI) GetUserOperationByHash(
	ctx context.Context,
	hash common.Hash,
) (*UserOperationResult, error) {
	l := b.logger.With().
		Str("endpoint", EthGetUserOperationByHash).
		Str("userOpHash", hash.Hex()).
		Logger()

	if err := b.rateLimiter.Apply(ctx, EthGetUserOperationByHash); err != nil {
		return nil, err
	}

	if pending, ok := b.pool.GetByHash(hash); ok {
		return &UserOperationResult{
			UserOperation: pending.Operation.Args(),
			EntryPoint:    pending.EntryPoint,
		}, nil
	}

	stored, err := b.userOps.GetUserOperation(hash)
	if err != nil {
		return handleError[*UserOperationResult](err, l, b.collector)
	}

	result := &UserOperationResult{
		UserOperation: stored.Operation,
		EntryPoint:    stored.EntryPoint,
	}

	receipt, err := b.userOps.GetReceipt(hash)
	switch {
	case err == nil:
		result.BlockNumber = (*hexutil.Big)(new(big.Int).SetUint64(receipt.BlockNumber))
		result.BlockHash = &receipt.BlockHash
		result.TransactionHash = &receipt.TxHash
	case errors.Is(err, errs.ErrEntityNotFound):
		// submitted but not yet included; the transaction mapping is
		// written ahead of the receipt
		txHash, err := b.userOps.GetTxHash(hash)
		if err == nil {
			result.TransactionHash = &txHash
		} else if !errors.Is(err, errs.ErrEntityNotFound) {
			return handleError[*UserOperationResult](err, l, b.collector)
		}
	default:
		return handleError[*UserOperationResult](err, l, b.collector)
	}

	return result, nil
}

// GetUserOperationReceipt returns the inclusion receipt of the operation,
// or null while it has not made it into a block.
func (b *BundlerAPI) GetUserOperationReceipt(
	ctx context.Context,
	hash common.Hash,
) (*UserOperationReceiptResult, error) {
	l := b.logger.With().
		Str("endpoint", EthGetUserOperationReceipt).
		Str("userOpHash", hash.Hex()).
		Logger()

	if err := b.rateLimiter.Apply(ctx, EthGetUserOperationReceipt); err != nil {
		return nil, err
	}

	receipt, err := b.userOps.GetReceipt(hash)
	if err != nil {
		return handleError[*UserOperationReceiptResult](err, l, b.collector)
	}

	return newReceiptResult(receipt), nil
}

// ChainId returns the chain id the bundler serves.
func (b *BundlerAPI) ChainId(ctx context.Context) (*hexutil.Big, error) {
	if err := b.rateLimiter.Apply(ctx, EthChainID); err != nil {
		return nil, err
	}

	return (*hexutil.Big)(b.chainID), nil
}

// resolveEntryPoint falls back to the first configured EntryPoint when the
// request leaves the address out.
func (b *BundlerAPI) resolveEntryPoint(entryPoint *common.Address) (common.Address, error) {
	if entryPoint == nil {
		if len(b.config.EntryPoints) == 0 {
			return common.Address{}, fmt.Errorf("no entry points configured")
		}
		return b.config.EntryPoints[0], nil
	}
	if !b.config.SupportsEntryPoint(*entryPoint) {
		return common.Address{}, fmt.Errorf(
			"%w: entry point %s is not supported", errs.ErrInvalid, entryPoint.Hex(),
		)
	}
	return *entryPoint, nil
}

// estimateCallGas measures the execution phase by running callData against
// the sender from the EntryPoint's address, the same call frame handleOps
// uses for the inner call.
func (b *BundlerAPI) estimateCallGas(
	ctx context.Context,
	entryPoint common.Address,
	sender common.Address,
	callData []byte,
) (uint64, error) {
	gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
		From: entryPoint,
		To:   &sender,
		Data: callData,
	})
	if err != nil {
		return 0, err
	}
	if gas < callGasFloor {
		gas = callGasFloor
	}
	return gas, nil
}

// fillEstimationDefaults substitutes workable simulation values for fields
// an estimation request may omit. A missing priority fee mirrors
// maxFeePerGas so the fee pair stays consistent.
func fillEstimationDefaults(args *models.UserOperationArgs) {
	if args.MaxFeePerGas == nil {
		args.MaxFeePerGas = (*hexutil.Big)(big.NewInt(0))
	}
	if args.MaxPriorityFeePerGas == nil {
		args.MaxPriorityFeePerGas = args.MaxFeePerGas
	}
	if args.CallGasLimit == nil {
		args.CallGasLimit = (*hexutil.Big)(big.NewInt(estimationCallGasLimit))
	}
	if args.VerificationGasLimit == nil {
		args.VerificationGasLimit = (*hexutil.Big)(big.NewInt(estimationVerificationGasLimit))
	}
	if args.PreVerificationGas == nil {
		args.PreVerificationGas = (*hexutil.Big)(big.NewInt(0))
	}
	if args.Paymaster != nil {
		if args.PaymasterVerificationGasLimit == nil {
			args.PaymasterVerificationGasLimit = (*hexutil.Big)(big.NewInt(estimationPaymasterVerificationGasLimit))
		}
		if args.PaymasterPostOpGasLimit == nil {
			args.PaymasterPostOpGasLimit = (*hexutil.Big)(big.NewInt(estimationPaymasterPostOpGasLimit))
		}
	}
}
