package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/outlier-collective/alto/models"
	"github.com/outlier-collective/alto/storage"
)

// GasEstimate is the response of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas   hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         hexutil.Big `json:"callGasLimit"`
	// PaymasterVerificationGasLimit is only set for v0.7 operations that
	// carry a paymaster.
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
}

// GasPriceResult is the response of alto_getUserOperationGasPrice.
type GasPriceResult struct {
	MaxFeePerGas         hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas hexutil.Big `json:"maxPriorityFeePerGas"`
}

// UserOperationResult is the response of eth_getUserOperationByHash. The
// block fields stay null while the operation is pending or in flight.
type UserOperationResult struct {
	UserOperation   *models.UserOperationArgs `json:"userOperation"`
	EntryPoint      common.Address            `json:"entryPoint"`
	BlockNumber     *hexutil.Big              `json:"blockNumber"`
	BlockHash       *common.Hash              `json:"blockHash"`
	TransactionHash *common.Hash              `json:"transactionHash"`
}

// TransactionReceiptInfo locates the transaction that carried the
// operation on-chain.
type TransactionReceiptInfo struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockHash       common.Hash    `json:"blockHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
}

// UserOperationReceiptResult is the response of eth_getUserOperationReceipt.
type UserOperationReceiptResult struct {
	UserOpHash    common.Hash             `json:"userOpHash"`
	EntryPoint    common.Address          `json:"entryPoint"`
	Sender        common.Address          `json:"sender"`
	Nonce         hexutil.Big             `json:"nonce"`
	Paymaster     *common.Address         `json:"paymaster,omitempty"`
	ActualGasCost hexutil.Big             `json:"actualGasCost"`
	ActualGasUsed hexutil.Big             `json:"actualGasUsed"`
	Success       bool                    `json:"success"`
	Reason        string                  `json:"reason,omitempty"`
	Logs          []*gethTypes.Log        `json:"logs"`
	Receipt       *TransactionReceiptInfo `json:"receipt"`
}

// newReceiptResult maps an indexed record onto the RPC shape. The index
// keeps only the consensus fields of each log, so the positional fields
// are refilled from the carrying transaction here.
func newReceiptResult(receipt *storage.UserOperationReceipt) *UserOperationReceiptResult {
	logs := make([]*gethTypes.Log, 0, len(receipt.Logs))
	for _, entry := range receipt.Logs {
		backfilled := *entry
		backfilled.BlockNumber = receipt.BlockNumber
		backfilled.BlockHash = receipt.BlockHash
		backfilled.TxHash = receipt.TxHash
		logs = append(logs, &backfilled)
	}

	result := &UserOperationReceiptResult{
		UserOpHash:    receipt.UserOpHash,
		EntryPoint:    receipt.EntryPoint,
		Sender:        receipt.Sender,
		Nonce:         hexBig(receipt.Nonce),
		ActualGasCost: hexBig(receipt.ActualGasCost),
		ActualGasUsed: hexBig(receipt.ActualGasUsed),
		Success:       receipt.Success,
		Logs:          logs,
		Receipt: &TransactionReceiptInfo{
			TransactionHash: receipt.TxHash,
			BlockHash:       receipt.BlockHash,
			BlockNumber:     hexutil.Uint64(receipt.BlockNumber),
		},
	}
	if receipt.Paymaster != (common.Address{}) {
		paymaster := receipt.Paymaster
		result.Paymaster = &paymaster
	}
	if !receipt.Success && len(receipt.RevertReason) > 0 {
		result.Reason = string(receipt.RevertReason)
	}

	return result
}

func hexBig(v *big.Int) hexutil.Big {
	if v == nil {
		return hexutil.Big{}
	}
	return hexutil.Big(*v)
}
