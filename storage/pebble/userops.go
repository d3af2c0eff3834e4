package pebble

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/goccy/go-json"

	"github.com/outlier-collective/alto/storage"
)

var _ storage.UserOperationIndexer = &UserOperations{}

// UserOperations indexes mined operation bodies, inclusion receipts and
// transaction mappings by the canonical user operation hash.
type UserOperations struct {
	store *Storage
}

func NewUserOperations(store *Storage) *UserOperations {
	return &UserOperations{
		store: store,
	}
}

func (u *UserOperations) StoreUserOperation(
	userOpHash common.Hash,
	op *storage.StoredUserOperation,
	batch *pebble.Batch,
) error {
	value, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode user operation: %w", err)
	}

	return u.store.set(userOpBodyKey, userOpHash.Bytes(), value, batch)
}

func (u *UserOperations) GetUserOperation(userOpHash common.Hash) (*storage.StoredUserOperation, error) {
	value, err := u.store.get(userOpBodyKey, userOpHash.Bytes())
	if err != nil {
		return nil, err
	}

	var op storage.StoredUserOperation
	if err := json.Unmarshal(value, &op); err != nil {
		return nil, fmt.Errorf("failed to decode user operation: %w", err)
	}

	return &op, nil
}

func (u *UserOperations) StoreReceipt(
	userOpHash common.Hash,
	receipt *storage.UserOperationReceipt,
	batch *pebble.Batch,
) error {
	value, err := rlp.EncodeToBytes(receipt)
	if err != nil {
		return fmt.Errorf("failed to encode user operation receipt: %w", err)
	}

	return u.store.set(userOpReceiptKey, userOpHash.Bytes(), value, batch)
}

func (u *UserOperations) GetReceipt(userOpHash common.Hash) (*storage.UserOperationReceipt, error) {
	value, err := u.store.get(userOpReceiptKey, userOpHash.Bytes())
	if err != nil {
		return nil, err
	}

	var receipt storage.UserOperationReceipt
	if err := rlp.DecodeBytes(value, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode user operation receipt: %w", err)
	}

	return &receipt, nil
}

func (u *UserOperations) StoreTxHash(
	userOpHash common.Hash,
	txHash common.Hash,
	batch *pebble.Batch,
) error {
	return u.store.set(userOpTxHashKey, userOpHash.Bytes(), txHash.Bytes(), batch)
}

func (u *UserOperations) GetTxHash(userOpHash common.Hash) (common.Hash, error) {
	value, err := u.store.get(userOpTxHashKey, userOpHash.Bytes())
	if err != nil {
		return common.Hash{}, err
	}

	return common.BytesToHash(value), nil
}
