package entrypoint

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/outlier-collective/alto/models"
)

// entryPointV06ABI covers the simulation entrypoints of the v0.6 EntryPoint
// contract. Simulation results are delivered as reverts, so the custom
// errors carry the payload.
const entryPointV06ABI = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "initCode", "type": "bytes"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "uint256", "name": "callGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "verificationGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxFeePerGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxPriorityFeePerGas", "type": "uint256"},
					{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
					{"internalType": "bytes", "name": "signature", "type": "bytes"}
				],
				"internalType": "struct UserOperation",
				"name": "userOp",
				"type": "tuple"
			}
		],
		"name": "simulateValidation",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "initCode", "type": "bytes"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "uint256", "name": "callGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "verificationGasLimit", "type": "uint256"},
					{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxFeePerGas", "type": "uint256"},
					{"internalType": "uint256", "name": "maxPriorityFeePerGas", "type": "uint256"},
					{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
					{"internalType": "bytes", "name": "signature", "type": "bytes"}
				],
				"internalType": "struct UserOperation",
				"name": "op",
				"type": "tuple"
			},
			{"internalType": "address", "name": "target", "type": "address"},
			{"internalType": "bytes", "name": "targetCallData", "type": "bytes"}
		],
		"name": "simulateHandleOp",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"}
		],
		"name": "FailedOp",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
			{"internalType": "uint256", "name": "paid", "type": "uint256"},
			{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
			{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
			{"internalType": "bool", "name": "targetSuccess", "type": "bool"},
			{"internalType": "bytes", "name": "targetResult", "type": "bytes"}
		],
		"name": "ExecutionResult",
		"type": "error"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
					{"internalType": "uint256", "name": "prefund", "type": "uint256"},
					{"internalType": "bool", "name": "sigFailed", "type": "bool"},
					{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
					{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
					{"internalType": "bytes", "name": "paymasterContext", "type": "bytes"}
				],
				"internalType": "struct IEntryPoint.ReturnInfo",
				"name": "returnInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "senderInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "factoryInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "paymasterInfo",
				"type": "tuple"
			}
		],
		"name": "ValidationResult",
		"type": "error"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
					{"internalType": "uint256", "name": "prefund", "type": "uint256"},
					{"internalType": "bool", "name": "sigFailed", "type": "bool"},
					{"internalType": "uint48", "name": "validAfter", "type": "uint48"},
					{"internalType": "uint48", "name": "validUntil", "type": "uint48"},
					{"internalType": "bytes", "name": "paymasterContext", "type": "bytes"}
				],
				"internalType": "struct IEntryPoint.ReturnInfo",
				"name": "returnInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "senderInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "factoryInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "uint256", "name": "stake", "type": "uint256"},
					{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
				],
				"internalType": "struct IStakeManager.StakeInfo",
				"name": "paymasterInfo",
				"type": "tuple"
			},
			{
				"components": [
					{"internalType": "address", "name": "aggregator", "type": "address"},
					{
						"components": [
							{"internalType": "uint256", "name": "stake", "type": "uint256"},
							{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
						],
						"internalType": "struct IStakeManager.StakeInfo",
						"name": "stakeInfo",
						"type": "tuple"
					}
				],
				"internalType": "struct IEntryPoint.AggregatorStakeInfo",
				"name": "aggregatorInfo",
				"type": "tuple"
			}
		],
		"name": "ValidationResultWithAggregation",
		"type": "error"
	}
]`

// entryPointSimulationsABI covers the v0.7 EntryPointSimulations contract,
// which returns structured results instead of reverting with them.
const entryPointSimulationsABI = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "initCode", "type": "bytes"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "bytes32", "name": "accountGasLimits", "type": "bytes32"},
					{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
					{"internalType": "bytes32", "name": "gasFees", "type": "bytes32"},
					{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
					{"internalType": "bytes", "name": "signature", "type": "bytes"}
				],
				"internalType": "struct PackedUserOperation",
				"name": "userOp",
				"type": "tuple"
			}
		],
		"name": "simulateValidation",
		"outputs": [
			{
				"components": [
					{
						"components": [
							{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
							{"internalType": "uint256", "name": "prefund", "type": "uint256"},
							{"internalType": "uint256", "name": "accountValidationData", "type": "uint256"},
							{"internalType": "uint256", "name": "paymasterValidationData", "type": "uint256"},
							{"internalType": "bytes", "name": "paymasterContext", "type": "bytes"}
						],
						"internalType": "struct IEntryPoint.ReturnInfo",
						"name": "returnInfo",
						"type": "tuple"
					},
					{
						"components": [
							{"internalType": "uint256", "name": "stake", "type": "uint256"},
							{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
						],
						"internalType": "struct IStakeManager.StakeInfo",
						"name": "senderInfo",
						"type": "tuple"
					},
					{
						"components": [
							{"internalType": "uint256", "name": "stake", "type": "uint256"},
							{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
						],
						"internalType": "struct IStakeManager.StakeInfo",
						"name": "factoryInfo",
						"type": "tuple"
					},
					{
						"components": [
							{"internalType": "uint256", "name": "stake", "type": "uint256"},
							{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
						],
						"internalType": "struct IStakeManager.StakeInfo",
						"name": "paymasterInfo",
						"type": "tuple"
					},
					{
						"components": [
							{"internalType": "address", "name": "aggregator", "type": "address"},
							{
								"components": [
									{"internalType": "uint256", "name": "stake", "type": "uint256"},
									{"internalType": "uint256", "name": "unstakeDelaySec", "type": "uint256"}
								],
								"internalType": "struct IStakeManager.StakeInfo",
								"name": "stakeInfo",
								"type": "tuple"
							}
						],
						"internalType": "struct IEntryPointSimulations.AggregatorStakeInfo",
						"name": "aggregatorInfo",
						"type": "tuple"
					}
				],
				"internalType": "struct IEntryPointSimulations.ValidationResult",
				"name": "",
				"type": "tuple"
			}
		],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "sender", "type": "address"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "initCode", "type": "bytes"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"},
					{"internalType": "bytes32", "name": "accountGasLimits", "type": "bytes32"},
					{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
					{"internalType": "bytes32", "name": "gasFees", "type": "bytes32"},
					{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
					{"internalType": "bytes", "name": "signature", "type": "bytes"}
				],
				"internalType": "struct PackedUserOperation",
				"name": "op",
				"type": "tuple"
			},
			{"internalType": "address", "name": "target", "type": "address"},
			{"internalType": "bytes", "name": "targetCallData", "type": "bytes"}
		],
		"name": "simulateHandleOp",
		"outputs": [
			{
				"components": [
					{"internalType": "uint256", "name": "preOpGas", "type": "uint256"},
					{"internalType": "uint256", "name": "paid", "type": "uint256"},
					{"internalType": "uint256", "name": "accountValidationData", "type": "uint256"},
					{"internalType": "uint256", "name": "paymasterValidationData", "type": "uint256"},
					{"internalType": "bool", "name": "targetSuccess", "type": "bool"},
					{"internalType": "bytes", "name": "targetResult", "type": "bytes"}
				],
				"internalType": "struct IEntryPointSimulations.ExecutionResult",
				"name": "",
				"type": "tuple"
			}
		],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"}
		],
		"name": "FailedOp",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"},
			{"internalType": "bytes", "name": "inner", "type": "bytes"}
		],
		"name": "FailedOpWithRevert",
		"type": "error"
	}
]`

var (
	entryPointV06         abi.ABI
	entryPointSimulations abi.ABI

	// errorStringSelector is the 4-byte id of the solidity Error(string)
	// revert, searched for inside opaque revert payloads.
	errorStringSelector []byte
)

func init() {
	var err error
	entryPointV06, err = abi.JSON(bytes.NewReader([]byte(entryPointV06ABI)))
	if err != nil {
		panic(fmt.Sprintf("failed to parse EntryPoint v0.6 ABI: %v", err))
	}
	entryPointSimulations, err = abi.JSON(bytes.NewReader([]byte(entryPointSimulationsABI)))
	if err != nil {
		panic(fmt.Sprintf("failed to parse EntryPointSimulations ABI: %v", err))
	}
	errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]
}

// ABI-shaped mirrors of the simulation payloads. uint48 fields arrive as
// *big.Int from the abi decoder.

type stakeInfoABI struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type aggregatorStakeInfoABI struct {
	Aggregator common.Address
	StakeInfo  stakeInfoABI
}

type returnInfoV06ABI struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type validationResultV06ABI struct {
	ReturnInfo     returnInfoV06ABI
	SenderInfo     stakeInfoABI
	FactoryInfo    stakeInfoABI
	PaymasterInfo  stakeInfoABI
	AggregatorInfo *aggregatorStakeInfoABI
}

type executionResultV06ABI struct {
	PreOpGas      *big.Int
	Paid          *big.Int
	ValidAfter    *big.Int
	ValidUntil    *big.Int
	TargetSuccess bool
	TargetResult  []byte
}

type failedOpABI struct {
	OpIndex *big.Int
	Reason  string
	Inner   []byte
}

type returnInfoV07ABI struct {
	PreOpGas                *big.Int
	Prefund                 *big.Int
	AccountValidationData   *big.Int
	PaymasterValidationData *big.Int
	PaymasterContext        []byte
}

type validationResultV07ABI struct {
	ReturnInfo     returnInfoV07ABI
	SenderInfo     stakeInfoABI
	FactoryInfo    stakeInfoABI
	PaymasterInfo  stakeInfoABI
	AggregatorInfo aggregatorStakeInfoABI
}

type executionResultV07ABI struct {
	PreOpGas                *big.Int
	Paid                    *big.Int
	AccountValidationData   *big.Int
	PaymasterValidationData *big.Int
	TargetSuccess           bool
	TargetResult            []byte
}

// packSimulateValidationV06 encodes the calldata for
// EntryPoint.simulateValidation() with the flat v0.6 tuple.
func packSimulateValidationV06(op *models.UserOperationV06) ([]byte, error) {
	data, err := entryPointV06.Pack("simulateValidation", v06Tuple(op))
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateValidation: %w", err)
	}
	return data, nil
}

// packSimulateHandleOpV06 encodes the calldata for
// EntryPoint.simulateHandleOp().
func packSimulateHandleOpV06(op *models.UserOperationV06, target common.Address, targetCallData []byte) ([]byte, error) {
	data, err := entryPointV06.Pack("simulateHandleOp", v06Tuple(op), target, targetCallData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateHandleOp: %w", err)
	}
	return data, nil
}

// packSimulateValidationV07 encodes the calldata for
// EntryPointSimulations.simulateValidation() with the packed v0.7 tuple.
func packSimulateValidationV07(op *models.UserOperationV07) ([]byte, error) {
	data, err := entryPointSimulations.Pack("simulateValidation", *op.Pack())
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateValidation (packed): %w", err)
	}
	return data, nil
}

// packSimulateHandleOpV07 encodes the calldata for
// EntryPointSimulations.simulateHandleOp().
func packSimulateHandleOpV07(op *models.UserOperationV07, target common.Address, targetCallData []byte) ([]byte, error) {
	data, err := entryPointSimulations.Pack("simulateHandleOp", *op.Pack(), target, targetCallData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode simulateHandleOp (packed): %w", err)
	}
	return data, nil
}

// v06Tuple rebuilds the op as the exact ABI tuple so the encoder never
// depends on the model's field layout.
func v06Tuple(op *models.UserOperationV06) interface{} {
	return struct {
		Sender               common.Address
		Nonce                *big.Int
		InitCode             []byte
		CallData             []byte
		CallGasLimit         *big.Int
		VerificationGasLimit *big.Int
		PreVerificationGas   *big.Int
		MaxFeePerGas         *big.Int
		MaxPriorityFeePerGas *big.Int
		PaymasterAndData     []byte
		Signature            []byte
	}{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// matchError reports whether data is a revert of the named custom error in
// parsed, and unpacks its arguments when it is.
func matchError(parsed abi.ABI, name string, data []byte) ([]interface{}, bool, error) {
	abiErr, ok := parsed.Errors[name]
	if !ok {
		return nil, false, fmt.Errorf("error %s not found in ABI", name)
	}
	if len(data) < 4 || !bytes.Equal(data[:4], abiErr.ID[:4]) {
		return nil, false, nil
	}

	vals, err := abiErr.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, true, fmt.Errorf("failed to unpack %s revert: %w", name, err)
	}
	return vals, true, nil
}

func decodeValidationResultV06(data []byte) (*validationResultV06ABI, bool, error) {
	vals, ok, err := matchError(entryPointV06, "ValidationResult", data)
	if err != nil || !ok {
		return nil, ok, err
	}

	return &validationResultV06ABI{
		ReturnInfo:    *abi.ConvertType(vals[0], new(returnInfoV06ABI)).(*returnInfoV06ABI),
		SenderInfo:    *abi.ConvertType(vals[1], new(stakeInfoABI)).(*stakeInfoABI),
		FactoryInfo:   *abi.ConvertType(vals[2], new(stakeInfoABI)).(*stakeInfoABI),
		PaymasterInfo: *abi.ConvertType(vals[3], new(stakeInfoABI)).(*stakeInfoABI),
	}, true, nil
}

func decodeValidationResultWithAggregationV06(data []byte) (*validationResultV06ABI, bool, error) {
	vals, ok, err := matchError(entryPointV06, "ValidationResultWithAggregation", data)
	if err != nil || !ok {
		return nil, ok, err
	}

	return &validationResultV06ABI{
		ReturnInfo:     *abi.ConvertType(vals[0], new(returnInfoV06ABI)).(*returnInfoV06ABI),
		SenderInfo:     *abi.ConvertType(vals[1], new(stakeInfoABI)).(*stakeInfoABI),
		FactoryInfo:    *abi.ConvertType(vals[2], new(stakeInfoABI)).(*stakeInfoABI),
		PaymasterInfo:  *abi.ConvertType(vals[3], new(stakeInfoABI)).(*stakeInfoABI),
		AggregatorInfo: abi.ConvertType(vals[4], new(aggregatorStakeInfoABI)).(*aggregatorStakeInfoABI),
	}, true, nil
}

func decodeExecutionResultV06(data []byte) (*executionResultV06ABI, bool, error) {
	vals, ok, err := matchError(entryPointV06, "ExecutionResult", data)
	if err != nil || !ok {
		return nil, ok, err
	}

	return &executionResultV06ABI{
		PreOpGas:      vals[0].(*big.Int),
		Paid:          vals[1].(*big.Int),
		ValidAfter:    vals[2].(*big.Int),
		ValidUntil:    vals[3].(*big.Int),
		TargetSuccess: vals[4].(bool),
		TargetResult:  vals[5].([]byte),
	}, true, nil
}

// decodeFailedOp recognizes both FailedOp and FailedOpWithRevert, the
// latter only on the simulations ABI.
func decodeFailedOp(parsed abi.ABI, data []byte) (*failedOpABI, bool, error) {
	if vals, ok, err := matchError(parsed, "FailedOp", data); ok || err != nil {
		if err != nil {
			return nil, ok, err
		}
		return &failedOpABI{
			OpIndex: vals[0].(*big.Int),
			Reason:  vals[1].(string),
		}, true, nil
	}

	if _, hasRevert := parsed.Errors["FailedOpWithRevert"]; !hasRevert {
		return nil, false, nil
	}
	vals, ok, err := matchError(parsed, "FailedOpWithRevert", data)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &failedOpABI{
		OpIndex: vals[0].(*big.Int),
		Reason:  vals[1].(string),
		Inner:   vals[2].([]byte),
	}, true, nil
}

func unpackValidationResultV07(ret []byte) (*validationResultV07ABI, error) {
	vals, err := entryPointSimulations.Unpack("simulateValidation", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack simulateValidation result: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("expected 1 output from simulateValidation, got %d", len(vals))
	}

	return abi.ConvertType(vals[0], new(validationResultV07ABI)).(*validationResultV07ABI), nil
}

func unpackExecutionResultV07(ret []byte) (*executionResultV07ABI, error) {
	vals, err := entryPointSimulations.Unpack("simulateHandleOp", ret)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack simulateHandleOp result: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("expected 1 output from simulateHandleOp, got %d", len(vals))
	}

	return abi.ConvertType(vals[0], new(executionResultV07ABI)).(*executionResultV07ABI), nil
}

// nestedRevertReason scans opaque revert data for an embedded Error(string)
// payload and returns the decoded reason of the first one that parses.
func nestedRevertReason(data []byte) (string, bool) {
	for i := 0; i+4 <= len(data); i++ {
		if !bytes.Equal(data[i:i+4], errorStringSelector) {
			continue
		}
		if reason, err := abi.UnpackRevert(data[i:]); err == nil {
			return reason, true
		}
	}
	return "", false
}
