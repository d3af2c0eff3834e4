package models

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testV06Op() *UserOperationV06 {
	return &UserOperationV06{
		Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{0x12, 0x34},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(1_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		PaymasterAndData:     []byte{},
		Signature:            []byte{0x01, 0x02},
	}
}

func TestUserOperationV06_Hash(t *testing.T) {
	t.Parallel()

	entryPoint := common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	chainID := big.NewInt(1)

	t.Run("deterministic", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t,
			testV06Op().Hash(entryPoint, chainID),
			testV06Op().Hash(entryPoint, chainID),
		)
	})

	t.Run("bound to nonce", func(t *testing.T) {
		t.Parallel()

		other := testV06Op()
		other.Nonce = big.NewInt(1)
		assert.NotEqual(t,
			testV06Op().Hash(entryPoint, chainID),
			other.Hash(entryPoint, chainID),
		)
	})

	t.Run("bound to entryPoint and chain id", func(t *testing.T) {
		t.Parallel()

		uo := testV06Op()
		assert.NotEqual(t,
			uo.Hash(entryPoint, chainID),
			uo.Hash(common.HexToAddress("0x1"), chainID),
		)
		assert.NotEqual(t,
			uo.Hash(entryPoint, chainID),
			uo.Hash(entryPoint, big.NewInt(11155111)),
		)
	})

	t.Run("pack layout is abi.encode of ten words", func(t *testing.T) {
		t.Parallel()

		packed := testV06Op().PackForHash()
		assert.Equal(t, 10*32, len(packed))
	})
}

func TestUserOperationV06_Paymaster(t *testing.T) {
	t.Parallel()

	uo := testV06Op()
	assert.False(t, uo.HasPaymaster())
	_, ok := uo.PaymasterAddress()
	assert.False(t, ok)

	paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
	uo.PaymasterAndData = append(paymaster.Bytes(), 0xaa, 0xbb)
	require.True(t, uo.HasPaymaster())
	addr, ok := uo.PaymasterAddress()
	require.True(t, ok)
	assert.Equal(t, paymaster, addr)

	// Non-empty data counts as a paymaster even when it is too short to
	// carry an address.
	uo.PaymasterAndData = []byte{0x01}
	assert.True(t, uo.HasPaymaster())
	_, ok = uo.PaymasterAddress()
	assert.False(t, ok)
}

func testV07Op() *UserOperationV07 {
	return &UserOperationV07{
		Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:                big.NewInt(7),
		CallData:             []byte{0x12, 0x34},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(200_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(1_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(500_000_000),
		Signature:            []byte{0x01, 0x02},
	}
}

func TestUserOperationV07_Packing(t *testing.T) {
	t.Parallel()

	t.Run("initCode empty without factory", func(t *testing.T) {
		t.Parallel()

		assert.Empty(t, testV07Op().InitCode())
	})

	t.Run("initCode is factory then data", func(t *testing.T) {
		t.Parallel()

		factory := common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
		uo := testV07Op()
		uo.Factory = &factory
		uo.FactoryData = []byte{0xca, 0xfe}

		initCode := uo.InitCode()
		require.Equal(t, 22, len(initCode))
		assert.Equal(t, factory.Bytes(), initCode[:20])
		assert.Equal(t, []byte{0xca, 0xfe}, initCode[20:])
	})

	t.Run("paymasterAndData layout", func(t *testing.T) {
		t.Parallel()

		paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
		uo := testV07Op()
		uo.Paymaster = &paymaster
		uo.PaymasterVerificationGasLimit = big.NewInt(60_000)
		uo.PaymasterPostOpGasLimit = big.NewInt(5_000)
		uo.PaymasterData = []byte{0xdd}

		data := uo.PaymasterAndData()
		require.Equal(t, 20+16+16+1, len(data))
		assert.Equal(t, paymaster.Bytes(), data[:20])
		assert.Equal(t, big.NewInt(60_000), new(big.Int).SetBytes(data[20:36]))
		assert.Equal(t, big.NewInt(5_000), new(big.Int).SetBytes(data[36:52]))
		assert.Equal(t, []byte{0xdd}, data[52:])
	})

	t.Run("packed gas words split at 128 bits", func(t *testing.T) {
		t.Parallel()

		packed := testV07Op().Pack()

		verification, call := UnpackAccountGasLimits(packed.AccountGasLimits)
		assert.Equal(t, big.NewInt(200_000), verification)
		assert.Equal(t, big.NewInt(100_000), call)

		priority, maxFee := UnpackGasFees(packed.GasFees)
		assert.Equal(t, big.NewInt(500_000_000), priority)
		assert.Equal(t, big.NewInt(1_000_000_000), maxFee)
	})

	t.Run("hash bound to packed fields", func(t *testing.T) {
		t.Parallel()

		entryPoint := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
		chainID := big.NewInt(1)

		base := testV07Op().Hash(entryPoint, chainID)
		assert.Equal(t, base, testV07Op().Hash(entryPoint, chainID))

		other := testV07Op()
		other.CallGasLimit = big.NewInt(100_001)
		assert.NotEqual(t, base, other.Hash(entryPoint, chainID))
	})
}

func validArgs() *UserOperationArgs {
	callData := hexutil.Bytes{0x12, 0x34}
	signature := hexutil.Bytes{0x01}
	return &UserOperationArgs{
		Sender:               common.HexToAddress("0x1234567890123456789012345678901234567890"),
		Nonce:                (*hexutil.Big)(big.NewInt(0)),
		CallData:             &callData,
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(100_000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(50_000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(1_000_000_000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1_000_000_000)),
		Signature:            &signature,
	}
}

func TestUserOperationArgs_VersionDetection(t *testing.T) {
	t.Parallel()

	t.Run("initCode selects v0.6", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		initCode := hexutil.Bytes{}
		args.InitCode = &initCode

		op, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, EntryPointV06, op.Version())
	})

	t.Run("paymasterAndData selects v0.6", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		pmd := hexutil.Bytes{}
		args.PaymasterAndData = &pmd

		op, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, EntryPointV06, op.Version())
	})

	t.Run("bare shape selects v0.7", func(t *testing.T) {
		t.Parallel()

		op, err := validArgs().ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, EntryPointV07, op.Version())
	})

	t.Run("factory selects v0.7", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		factory := common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
		args.Factory = &factory

		op, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, EntryPointV07, op.Version())

		v07, ok := op.V07()
		require.True(t, ok)
		assert.Equal(t, factory, *v07.Factory)
	})

	t.Run("mixed shapes rejected", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		initCode := hexutil.Bytes{}
		args.InitCode = &initCode
		paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
		args.Paymaster = &paymaster

		_, err := args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "mixes v0.6 and v0.7 fields")
	})
}

func TestUserOperationArgs_Validation(t *testing.T) {
	t.Parallel()

	t.Run("required fields", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		args.CallData = nil
		_, err := args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "callData is required")

		args = validArgs()
		args.MaxFeePerGas = nil
		_, err = args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "maxFeePerGas is required")

		args = validArgs()
		args.Signature = nil
		_, err = args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "signature is required")
	})

	t.Run("nonce defaults to zero", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		args.Nonce = nil
		op, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, 0, op.Nonce().Sign())
	})

	t.Run("paymaster gas limits required with paymaster", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
		args.Paymaster = &paymaster

		_, err := args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "paymasterVerificationGasLimit is required")

		args.PaymasterVerificationGasLimit = (*hexutil.Big)(big.NewInt(60_000))
		_, err = args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "paymasterPostOpGasLimit is required")

		args.PaymasterPostOpGasLimit = (*hexutil.Big)(big.NewInt(5_000))
		op, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.True(t, op.HasPaymaster())
	})

	t.Run("fields wider than their packed slots rejected", func(t *testing.T) {
		t.Parallel()

		paymastered := func() *UserOperationArgs {
			args := validArgs()
			paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
			args.Paymaster = &paymaster
			args.PaymasterVerificationGasLimit = (*hexutil.Big)(big.NewInt(60_000))
			args.PaymasterPostOpGasLimit = (*hexutil.Big)(big.NewInt(5_000))
			return args
		}
		overflow := (*hexutil.Big)(new(big.Int).Lsh(big.NewInt(1), 128))

		tests := []struct {
			field string
			set   func(*UserOperationArgs)
		}{
			{"callGasLimit", func(a *UserOperationArgs) { a.CallGasLimit = overflow }},
			{"verificationGasLimit", func(a *UserOperationArgs) { a.VerificationGasLimit = overflow }},
			{"maxFeePerGas", func(a *UserOperationArgs) { a.MaxFeePerGas = overflow }},
			{"maxPriorityFeePerGas", func(a *UserOperationArgs) { a.MaxPriorityFeePerGas = overflow }},
			{"paymasterVerificationGasLimit", func(a *UserOperationArgs) { a.PaymasterVerificationGasLimit = overflow }},
			{"paymasterPostOpGasLimit", func(a *UserOperationArgs) { a.PaymasterPostOpGasLimit = overflow }},
		}
		for _, tc := range tests {
			args := paymastered()
			tc.set(args)
			_, err := args.ToUserOperation()
			require.Error(t, err, tc.field)
			assert.ErrorContains(t, err, tc.field+" overflows 128 bits")
		}
	})

	t.Run("largest packable values accepted", func(t *testing.T) {
		t.Parallel()

		max128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
		args := validArgs()
		args.CallGasLimit = (*hexutil.Big)(max128)
		args.VerificationGasLimit = (*hexutil.Big)(max128)
		args.MaxFeePerGas = (*hexutil.Big)(max128)
		args.MaxPriorityFeePerGas = (*hexutil.Big)(max128)

		op, err := args.ToUserOperation()
		require.NoError(t, err)

		entryPoint := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
		assert.NotEqual(t, common.Hash{}, op.Hash(entryPoint, big.NewInt(1)))
	})

	t.Run("orphan paymaster fields rejected", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		data := hexutil.Bytes{0x01}
		args.PaymasterData = &data

		_, err := args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "paymaster fields require paymaster")
	})

	t.Run("orphan factoryData rejected", func(t *testing.T) {
		t.Parallel()

		args := validArgs()
		data := hexutil.Bytes{0x01}
		args.FactoryData = &data

		_, err := args.ToUserOperation()
		require.Error(t, err)
		assert.ErrorContains(t, err, "factoryData requires factory")
	})
}

func TestUserOperation_Args(t *testing.T) {
	t.Parallel()

	t.Run("v0.6 round trip", func(t *testing.T) {
		t.Parallel()

		op := NewV06UserOperation(testV06Op())
		args := op.Args()

		require.NotNil(t, args.InitCode)
		require.NotNil(t, args.PaymasterAndData)

		back, err := args.ToUserOperation()
		require.NoError(t, err)
		v06, ok := back.V06()
		require.True(t, ok)
		assert.Equal(t, testV06Op(), v06)
	})

	t.Run("v0.7 round trip", func(t *testing.T) {
		t.Parallel()

		factory := common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
		paymaster := common.HexToAddress("0xe93ECa6595fe94091DC1af46aaC2A8b5D7990770")
		uo := &UserOperationV07{
			Sender:                        common.HexToAddress("0x1234567890123456789012345678901234567890"),
			Nonce:                         big.NewInt(7),
			Factory:                       &factory,
			FactoryData:                   []byte{0xaa},
			CallData:                      []byte{0x12, 0x34},
			CallGasLimit:                  big.NewInt(120_000),
			VerificationGasLimit:          big.NewInt(90_000),
			PreVerificationGas:            big.NewInt(48_000),
			MaxFeePerGas:                  big.NewInt(2_000_000_000),
			MaxPriorityFeePerGas:          big.NewInt(1_000_000_000),
			Paymaster:                     &paymaster,
			PaymasterVerificationGasLimit: big.NewInt(60_000),
			PaymasterPostOpGasLimit:       big.NewInt(20_000),
			PaymasterData:                 []byte{0xbb},
			Signature:                     []byte{0x01},
		}
		args := NewV07UserOperation(uo).Args()

		assert.Nil(t, args.InitCode)
		assert.Nil(t, args.PaymasterAndData)

		back, err := args.ToUserOperation()
		require.NoError(t, err)
		v07, ok := back.V07()
		require.True(t, ok)
		assert.Equal(t, uo, v07)
	})

	t.Run("v0.7 without paymaster leaves optional fields unset", func(t *testing.T) {
		t.Parallel()

		op, err := validArgs().ToUserOperation()
		require.NoError(t, err)

		args := op.Args()
		assert.Nil(t, args.Factory)
		assert.Nil(t, args.FactoryData)
		assert.Nil(t, args.Paymaster)
		assert.Nil(t, args.PaymasterVerificationGasLimit)
		assert.Nil(t, args.PaymasterPostOpGasLimit)
		assert.Nil(t, args.PaymasterData)

		back, err := args.ToUserOperation()
		require.NoError(t, err)
		assert.Equal(t, EntryPointV07, back.Version())
	})
}
