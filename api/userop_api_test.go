package api

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
	"github.com/outlier-collective/alto/services/evm"
	"github.com/outlier-collective/alto/services/mempool"
	"github.com/outlier-collective/alto/services/validation"
	"github.com/outlier-collective/alto/storage"
)

type stubClient struct {
	estimateGas    uint64
	estimateGasErr error
	lastEstimate   ethereum.CallMsg
}

var _ evm.Client = &stubClient{}

func (c *stubClient) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *stubClient) LatestBlock(context.Context) (*gethTypes.Header, error) {
	return &gethTypes.Header{}, nil
}

func (c *stubClient) Call(context.Context, ethereum.CallMsg, evm.StateOverride) ([]byte, error) {
	return nil, nil
}

func (c *stubClient) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.lastEstimate = msg
	if c.estimateGasErr != nil {
		return 0, c.estimateGasErr
	}
	return c.estimateGas, nil
}

func (c *stubClient) GasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (c *stubClient) EstimateFees(context.Context, bool) (*models.FeeEstimate, error) {
	return &models.FeeEstimate{}, nil
}

func (c *stubClient) FeeHistory(context.Context, uint64, []float64) (*ethereum.FeeHistory, error) {
	return &ethereum.FeeHistory{}, nil
}

type stubValidator struct {
	admission *models.Admission
	err       error
	calls     int
}

func (v *stubValidator) Validate(
	_ context.Context,
	_ models.UserOperation,
	_ common.Address,
	_ *models.ReferencedCodeHashes,
) (*models.Admission, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.admission, nil
}

type stubSimulator struct {
	result         *models.ExecutionResult
	err            error
	lastEntryPoint common.Address
}

func (s *stubSimulator) SimulateHandleOp(
	_ context.Context,
	_ models.UserOperation,
	entryPoint common.Address,
	_ common.Address,
	_ []byte,
) (*models.ExecutionResult, error) {
	s.lastEntryPoint = entryPoint
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubGasPricer struct {
	fees        *models.GasPriceParameters
	priceErr    error
	validateErr error
}

func (g *stubGasPricer) GasPrice(context.Context) (*models.GasPriceParameters, error) {
	if g.priceErr != nil {
		return nil, g.priceErr
	}
	return g.fees, nil
}

func (g *stubGasPricer) ValidateGasPrice(context.Context, *models.GasPriceParameters) error {
	return g.validateErr
}

type fakeIndexer struct {
	ops      map[common.Hash]*storage.StoredUserOperation
	receipts map[common.Hash]*storage.UserOperationReceipt
	txHashes map[common.Hash]common.Hash
}

var _ storage.UserOperationIndexer = &fakeIndexer{}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{
		ops:      make(map[common.Hash]*storage.StoredUserOperation),
		receipts: make(map[common.Hash]*storage.UserOperationReceipt),
		txHashes: make(map[common.Hash]common.Hash),
	}
}

func (f *fakeIndexer) StoreUserOperation(hash common.Hash, op *storage.StoredUserOperation, _ *pebble.Batch) error {
	f.ops[hash] = op
	return nil
}

func (f *fakeIndexer) GetUserOperation(hash common.Hash) (*storage.StoredUserOperation, error) {
	op, ok := f.ops[hash]
	if !ok {
		return nil, errs.ErrEntityNotFound
	}
	return op, nil
}

func (f *fakeIndexer) StoreReceipt(hash common.Hash, receipt *storage.UserOperationReceipt, _ *pebble.Batch) error {
	f.receipts[hash] = receipt
	return nil
}

func (f *fakeIndexer) GetReceipt(hash common.Hash) (*storage.UserOperationReceipt, error) {
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, errs.ErrEntityNotFound
	}
	return receipt, nil
}

func (f *fakeIndexer) StoreTxHash(hash common.Hash, txHash common.Hash, _ *pebble.Batch) error {
	f.txHashes[hash] = txHash
	return nil
}

func (f *fakeIndexer) GetTxHash(hash common.Hash) (common.Hash, error) {
	txHash, ok := f.txHashes[hash]
	if !ok {
		return common.Hash{}, errs.ErrEntityNotFound
	}
	return txHash, nil
}

type apiFixture struct {
	api       *BundlerAPI
	cfg       *config.Config
	client    *stubClient
	validator *stubValidator
	simulator *stubSimulator
	gasPrices *stubGasPricer
	pool      mempool.Pool
	userOps   *fakeIndexer
	limiter   RateLimiter
}

func newTestAPI(t *testing.T) *apiFixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.EntryPoints = []common.Address{config.DefaultEntryPointV06, config.DefaultEntryPointV07}
	return newTestAPIWith(t, cfg, 100)
}

func newTestAPIWith(t *testing.T, cfg *config.Config, tokens uint64) *apiFixture {
	t.Helper()

	logger := zerolog.Nop()
	collector := metrics.NewNoopCollector()

	store, err := memorystore.New(&memorystore.Config{Tokens: tokens, Interval: time.Second})
	require.NoError(t, err)

	f := &apiFixture{
		cfg:    cfg,
		client: &stubClient{estimateGas: 30_000},
		validator: &stubValidator{
			admission: &models.Admission{},
		},
		simulator: &stubSimulator{
			result: &models.ExecutionResult{PreOpGas: big.NewInt(90_000), Paid: big.NewInt(0)},
		},
		gasPrices: &stubGasPricer{
			fees: &models.GasPriceParameters{
				MaxFeePerGas:         big.NewInt(2_000_000_000),
				MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
			},
		},
		pool:    mempool.NewInMemoryPool(big.NewInt(1), cfg, logger, collector),
		userOps: newFakeIndexer(),
		limiter: NewRateLimiter(store, collector, logger),
	}

	f.api = NewBundlerAPI(
		logger,
		cfg,
		big.NewInt(1),
		f.client,
		f.validator,
		f.simulator,
		f.gasPrices,
		f.pool,
		f.userOps,
		f.limiter,
		collector,
	)

	return f
}

func v06Args(sender common.Address) models.UserOperationArgs {
	callData := hexutil.Bytes{0xca, 0x11}
	signature := hexutil.Bytes{0x01}
	initCode := hexutil.Bytes{}
	return models.UserOperationArgs{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(big.NewInt(0)),
		CallData:             &callData,
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(150_000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50_000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(2_000_000_000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1_000_000_000)),
		Signature:            &signature,
		InitCode:             &initCode,
	}
}

func TestSendUserOperation(t *testing.T) {
	sender := common.HexToAddress("0xaaaa000000000000000000000000000000000001")

	t.Run("accepts and pools", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)

		hash, err := f.api.SendUserOperation(context.Background(), args, nil)
		require.NoError(t, err)

		op, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, op.Hash(config.DefaultEntryPointV06, big.NewInt(1)), hash)
		assert.Equal(t, 1, f.validator.calls)

		pending, ok := f.pool.GetByHash(hash)
		require.True(t, ok)
		assert.Equal(t, config.DefaultEntryPointV06, pending.EntryPoint)
	})

	t.Run("explicit entry point", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)

		ep := config.DefaultEntryPointV06
		hash, err := f.api.SendUserOperation(context.Background(), args, &ep)
		require.NoError(t, err)

		pending, ok := f.pool.GetByHash(hash)
		require.True(t, ok)
		assert.Equal(t, ep, pending.EntryPoint)
	})

	t.Run("unsupported entry point", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)

		ep := common.HexToAddress("0xdead000000000000000000000000000000000001")
		_, err := f.api.SendUserOperation(context.Background(), args, &ep)
		require.ErrorIs(t, err, errs.ErrInvalid)
		assert.ErrorContains(t, err, "not supported")
		assert.Empty(t, f.pool.Pending())
	})

	t.Run("malformed arguments", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)
		args.Signature = nil

		_, err := f.api.SendUserOperation(context.Background(), args, nil)
		require.ErrorIs(t, err, errs.ErrInvalid)
		assert.ErrorContains(t, err, "signature is required")
	})

	t.Run("fees below window minimum", func(t *testing.T) {
		f := newTestAPI(t)
		f.gasPrices.validateErr = errs.NewErrGasPriceTooLow(
			"maxFeePerGas", big.NewInt(1000), big.NewInt(999),
		)

		_, err := f.api.SendUserOperation(context.Background(), v06Args(sender), nil)

		var tooLow *errs.GasPriceTooLowError
		require.ErrorAs(t, err, &tooLow)
		assert.Equal(t, "maxFeePerGas", tooLow.Field)
		assert.Equal(t, 0, f.validator.calls)
		assert.Empty(t, f.pool.Pending())
	})

	t.Run("validation rejection passes through", func(t *testing.T) {
		f := newTestAPI(t)
		f.validator.err = errs.NewInvalidSignatureError("AA24 signature error")

		_, err := f.api.SendUserOperation(context.Background(), v06Args(sender), nil)

		var vErr *errs.ValidationError
		require.ErrorAs(t, err, &vErr)
		assert.Equal(t, errs.KindInvalidSignature, vErr.Kind)
		assert.ErrorContains(t, err, "AA24 signature error")
		assert.Empty(t, f.pool.Pending())
	})

	t.Run("infrastructure failure is masked", func(t *testing.T) {
		f := newTestAPI(t)
		f.validator.err = errs.NewTransportError(fmt.Errorf("dial tcp: connection refused"))

		_, err := f.api.SendUserOperation(context.Background(), v06Args(sender), nil)
		require.ErrorIs(t, err, errs.ErrInternal)
		assert.NotContains(t, err.Error(), "connection refused")
	})

	t.Run("duplicate submission", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)

		_, err := f.api.SendUserOperation(context.Background(), args, nil)
		require.NoError(t, err)

		_, err = f.api.SendUserOperation(context.Background(), args, nil)
		require.ErrorIs(t, err, errs.ErrDuplicateUserOperation)
	})
}

func TestEstimateUserOperationGas(t *testing.T) {
	sender := common.HexToAddress("0xaaaa000000000000000000000000000000000002")

	t.Run("fills omitted fields and derives limits", func(t *testing.T) {
		f := newTestAPI(t)

		callData := hexutil.Bytes{0xca, 0x11}
		signature := hexutil.Bytes{0x01}
		initCode := hexutil.Bytes{}
		args := models.UserOperationArgs{
			Sender:    sender,
			CallData:  &callData,
			Signature: &signature,
			InitCode:  &initCode,
		}

		estimate, err := f.api.EstimateUserOperationGas(context.Background(), args, nil)
		require.NoError(t, err)

		// omitted preVerificationGas simulates as zero, so the whole
		// preOpGas counts as verification: 90000 * 3 / 2
		assert.Equal(t, big.NewInt(135_000), (*big.Int)(&estimate.VerificationGasLimit))
		assert.Equal(t, big.NewInt(30_000), (*big.Int)(&estimate.CallGasLimit))
		assert.GreaterOrEqual(
			t, (*big.Int)(&estimate.PreVerificationGas).Uint64(), uint64(21_000),
		)
		assert.Nil(t, estimate.PaymasterVerificationGasLimit)

		assert.Equal(t, config.DefaultEntryPointV06, f.simulator.lastEntryPoint)
		assert.Equal(t, config.DefaultEntryPointV06, f.client.lastEstimate.From)
		assert.Equal(t, sender, *f.client.lastEstimate.To)
		assert.Equal(t, []byte(callData), f.client.lastEstimate.Data)
	})

	t.Run("declared preVerificationGas narrows verification", func(t *testing.T) {
		f := newTestAPI(t)

		args := v06Args(sender)
		// preOpGas 90000 - declared 50000 = 40000, padded to 60000
		estimate, err := f.api.EstimateUserOperationGas(context.Background(), args, nil)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(60_000), (*big.Int)(&estimate.VerificationGasLimit))
	})

	t.Run("call gas floor", func(t *testing.T) {
		f := newTestAPI(t)
		f.client.estimateGas = 100

		estimate, err := f.api.EstimateUserOperationGas(context.Background(), v06Args(sender), nil)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(9_000), (*big.Int)(&estimate.CallGasLimit))
	})

	t.Run("paymaster limit for v0.7", func(t *testing.T) {
		f := newTestAPI(t)

		callData := hexutil.Bytes{0xca, 0x11}
		signature := hexutil.Bytes{0x01}
		paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
		args := models.UserOperationArgs{
			Sender:    sender,
			CallData:  &callData,
			Signature: &signature,
			Paymaster: &paymaster,
		}

		estimate, err := f.api.EstimateUserOperationGas(context.Background(), args, nil)
		require.NoError(t, err)
		require.NotNil(t, estimate.PaymasterVerificationGasLimit)
		assert.Equal(t, big.NewInt(135_000), (*big.Int)(estimate.PaymasterVerificationGasLimit))
	})

	t.Run("execution revert passes through", func(t *testing.T) {
		f := newTestAPI(t)
		f.simulator.err = errs.NewUserOperationRevertedError("AA21 didn't pay prefund")

		_, err := f.api.EstimateUserOperationGas(context.Background(), v06Args(sender), nil)
		require.Error(t, err)
		assert.ErrorContains(t, err, "AA21 didn't pay prefund")
	})
}

func TestSupportedEntryPoints(t *testing.T) {
	f := newTestAPI(t)

	eps, err := f.api.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, f.cfg.EntryPoints, eps)
}

func TestChainId(t *testing.T) {
	f := newTestAPI(t)

	chainID, err := f.api.ChainId(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), (*big.Int)(chainID))
}

func TestGetUserOperationByHash(t *testing.T) {
	sender := common.HexToAddress("0xaaaa000000000000000000000000000000000003")

	t.Run("unknown hash resolves to null", func(t *testing.T) {
		f := newTestAPI(t)

		result, err := f.api.GetUserOperationByHash(context.Background(), common.HexToHash("0x404"))
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("pending operation has null block fields", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)

		hash, err := f.api.SendUserOperation(context.Background(), args, nil)
		require.NoError(t, err)

		result, err := f.api.GetUserOperationByHash(context.Background(), hash)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, config.DefaultEntryPointV06, result.EntryPoint)
		assert.Nil(t, result.BlockNumber)
		assert.Nil(t, result.BlockHash)
		assert.Nil(t, result.TransactionHash)

		back, err := result.UserOperation.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, hash, back.Hash(config.DefaultEntryPointV06, big.NewInt(1)))
	})

	t.Run("mined operation carries inclusion coordinates", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)
		op, err := args.ToUserOperation()
		require.NoError(t, err)
		hash := op.Hash(config.DefaultEntryPointV06, big.NewInt(1))

		require.NoError(t, f.userOps.StoreUserOperation(hash, &storage.StoredUserOperation{
			EntryPoint: config.DefaultEntryPointV06,
			Operation:  op.Args(),
		}, nil))
		require.NoError(t, f.userOps.StoreReceipt(hash, &storage.UserOperationReceipt{
			UserOpHash:  hash,
			TxHash:      common.HexToHash("0xf0f0"),
			BlockHash:   common.HexToHash("0xb0b0"),
			BlockNumber: 1_234_567,
		}, nil))

		result, err := f.api.GetUserOperationByHash(context.Background(), hash)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, big.NewInt(1_234_567), (*big.Int)(result.BlockNumber))
		assert.Equal(t, common.HexToHash("0xb0b0"), *result.BlockHash)
		assert.Equal(t, common.HexToHash("0xf0f0"), *result.TransactionHash)
	})

	t.Run("submitted operation carries only the transaction hash", func(t *testing.T) {
		f := newTestAPI(t)
		args := v06Args(sender)
		op, err := args.ToUserOperation()
		require.NoError(t, err)
		hash := op.Hash(config.DefaultEntryPointV06, big.NewInt(1))

		require.NoError(t, f.userOps.StoreUserOperation(hash, &storage.StoredUserOperation{
			EntryPoint: config.DefaultEntryPointV06,
			Operation:  op.Args(),
		}, nil))
		require.NoError(t, f.userOps.StoreTxHash(hash, common.HexToHash("0xf0f0"), nil))

		result, err := f.api.GetUserOperationByHash(context.Background(), hash)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Nil(t, result.BlockNumber)
		assert.Nil(t, result.BlockHash)
		assert.Equal(t, common.HexToHash("0xf0f0"), *result.TransactionHash)
	})
}

func TestGetUserOperationReceipt(t *testing.T) {
	t.Run("unknown hash resolves to null", func(t *testing.T) {
		f := newTestAPI(t)

		result, err := f.api.GetUserOperationReceipt(context.Background(), common.HexToHash("0x404"))
		require.NoError(t, err)
		assert.Nil(t, result)
	})

	t.Run("maps the indexed record", func(t *testing.T) {
		f := newTestAPI(t)

		hash := common.HexToHash("0x01")
		paymaster := common.HexToAddress("0xcccc000000000000000000000000000000000001")
		require.NoError(t, f.userOps.StoreReceipt(hash, &storage.UserOperationReceipt{
			UserOpHash:    hash,
			EntryPoint:    config.DefaultEntryPointV06,
			Sender:        common.HexToAddress("0xaaaa000000000000000000000000000000000004"),
			Nonce:         big.NewInt(7),
			Paymaster:     paymaster,
			ActualGasCost: big.NewInt(1_500_000_000_000),
			ActualGasUsed: big.NewInt(420_000),
			Success:       true,
			Logs: []*gethTypes.Log{
				{
					Address: common.HexToAddress("0xdddd000000000000000000000000000000000001"),
					Topics:  []common.Hash{common.HexToHash("0x01")},
					Data:    []byte{0xbe, 0xef},
				},
			},
			TxHash:      common.HexToHash("0xf0f0"),
			BlockHash:   common.HexToHash("0xb0b0"),
			BlockNumber: 1_234_567,
		}, nil))

		result, err := f.api.GetUserOperationReceipt(context.Background(), hash)
		require.NoError(t, err)
		require.NotNil(t, result)

		assert.Equal(t, hash, result.UserOpHash)
		assert.True(t, result.Success)
		assert.Empty(t, result.Reason)
		require.NotNil(t, result.Paymaster)
		assert.Equal(t, paymaster, *result.Paymaster)
		assert.Equal(t, big.NewInt(7), (*big.Int)(&result.Nonce))

		require.NotNil(t, result.Receipt)
		assert.Equal(t, common.HexToHash("0xf0f0"), result.Receipt.TransactionHash)
		assert.Equal(t, hexutil.Uint64(1_234_567), result.Receipt.BlockNumber)

		// positional log fields are refilled from the carrying transaction
		require.Len(t, result.Logs, 1)
		assert.Equal(t, uint64(1_234_567), result.Logs[0].BlockNumber)
		assert.Equal(t, common.HexToHash("0xf0f0"), result.Logs[0].TxHash)
		assert.Equal(t, common.HexToHash("0xb0b0"), result.Logs[0].BlockHash)
	})

	t.Run("reverted operation keeps the reason", func(t *testing.T) {
		f := newTestAPI(t)

		hash := common.HexToHash("0x02")
		require.NoError(t, f.userOps.StoreReceipt(hash, &storage.UserOperationReceipt{
			UserOpHash:   hash,
			Success:      false,
			RevertReason: []byte("AA21 didn't pay prefund"),
		}, nil))

		result, err := f.api.GetUserOperationReceipt(context.Background(), hash)
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.False(t, result.Success)
		assert.Equal(t, "AA21 didn't pay prefund", result.Reason)
		assert.Nil(t, result.Paymaster)
	})
}

func TestEstimationDefaultsRespectDeclaredValues(t *testing.T) {
	callData := hexutil.Bytes{0xca, 0x11}
	signature := hexutil.Bytes{0x01}
	declared := (*hexutil.Big)(big.NewInt(77))
	args := models.UserOperationArgs{
		CallData:     &callData,
		Signature:    &signature,
		CallGasLimit: declared,
	}

	fillEstimationDefaults(&args)

	assert.Equal(t, declared, args.CallGasLimit)
	assert.Equal(t, big.NewInt(0), (*big.Int)(args.MaxFeePerGas))
	assert.Equal(t, args.MaxFeePerGas, args.MaxPriorityFeePerGas)
	assert.Equal(
		t, big.NewInt(estimationVerificationGasLimit), (*big.Int)(args.VerificationGasLimit),
	)
	assert.Nil(t, args.PaymasterVerificationGasLimit)

	op, err := args.ToUserOperation()
	require.NoError(t, err)
	assert.Equal(t, models.EntryPointV07, op.Version())

	// the model pre-verification estimate stays above the base transaction
	// cost for any operation
	assert.Greater(
		t,
		validation.PreVerificationGas(op, big.NewInt(1)).Uint64(),
		uint64(21_000),
	)
}
