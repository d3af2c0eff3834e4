package storage

import (
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	gethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/outlier-collective/alto/models"
)

// UserOperationReceipt is the durable inclusion record of a user
// operation: how it executed on-chain and which transaction carried it.
// Written by the bundle ingestion path, read by the RPC lookups.
type UserOperationReceipt struct {
	UserOpHash    common.Hash
	EntryPoint    common.Address
	Sender        common.Address
	Nonce         *big.Int
	Paymaster     common.Address
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
	Success       bool
	RevertReason  []byte
	Logs          []*gethTypes.Log
	TxHash        common.Hash
	BlockHash     common.Hash
	BlockNumber   uint64
}

// StoredUserOperation is the persisted wire form of a mined operation
// together with the entry point it was submitted through. The body is kept
// in its JSON-RPC shape so lookups can serve it back without re-encoding.
type StoredUserOperation struct {
	EntryPoint common.Address            `json:"entryPoint"`
	Operation  *models.UserOperationArgs `json:"userOperation"`
}

type UserOperationIndexer interface {
	// StoreUserOperation persists the operation body under its hash.
	// Batch is required to group multiple writes, skipped if nil.
	StoreUserOperation(userOpHash common.Hash, op *StoredUserOperation, batch *pebble.Batch) error

	// GetUserOperation returns the stored operation body.
	// Expected errors:
	// - errors.ErrEntityNotFound if the operation was never indexed
	GetUserOperation(userOpHash common.Hash) (*StoredUserOperation, error)

	// StoreReceipt persists the inclusion receipt under the operation hash.
	// Batch is required to group multiple writes, skipped if nil.
	StoreReceipt(userOpHash common.Hash, receipt *UserOperationReceipt, batch *pebble.Batch) error

	// GetReceipt returns the inclusion receipt for the operation hash.
	// Expected errors:
	// - errors.ErrEntityNotFound if the operation was never indexed
	GetReceipt(userOpHash common.Hash) (*UserOperationReceipt, error)

	// StoreTxHash persists the operation hash to transaction hash mapping.
	// Batch is required to group multiple writes, skipped if nil.
	StoreTxHash(userOpHash common.Hash, txHash common.Hash, batch *pebble.Batch) error

	// GetTxHash returns the hash of the transaction that carried the
	// operation.
	// Expected errors:
	// - errors.ErrEntityNotFound if the operation was never indexed
	GetTxHash(userOpHash common.Hash) (common.Hash, error)
}
