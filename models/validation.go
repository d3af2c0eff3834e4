package models

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MaxUint48 is the largest value representable in the packed 48-bit time
// fields of validationData.
const MaxUint48 uint64 = 1<<48 - 1

// ValidationData is the unpacked form of the 256-bit validationData word
// returned by account and paymaster signature checks. Layout of the packed
// word, big-endian: bytes [0..6) validAfter, [6..12) validUntil,
// [12..32) aggregator address.
//
// A zero aggregator means the signature verified; the sentinel address
// 0x…01 means it failed; any other value names an external aggregator
// contract that will verify it later.
type ValidationData struct {
	Aggregator common.Address
	ValidAfter uint64
	ValidUntil uint64
}

// UnpackValidationData decodes a validationData word. A zero validUntil is
// canonicalized to 2^48-1, matching the EntryPoint's "never expires"
// convention.
func UnpackValidationData(word *big.Int) *ValidationData {
	packed := common.BigToHash(bigOrZero(word))

	validUntil := uint48From(packed[6:12])
	if validUntil == 0 {
		validUntil = MaxUint48
	}

	return &ValidationData{
		Aggregator: common.BytesToAddress(packed[12:32]),
		ValidAfter: uint48From(packed[0:6]),
		ValidUntil: validUntil,
	}
}

// PackValidationData encodes the triple back into a 256-bit word. Time
// fields that would overflow their 48-bit slots are rejected.
func PackValidationData(vd *ValidationData) (*big.Int, error) {
	if vd.ValidAfter > MaxUint48 {
		return nil, fmt.Errorf("validAfter %d overflows 48 bits", vd.ValidAfter)
	}
	if vd.ValidUntil > MaxUint48 {
		return nil, fmt.Errorf("validUntil %d overflows 48 bits", vd.ValidUntil)
	}

	var packed [32]byte
	put48(packed[0:6], vd.ValidAfter)
	put48(packed[6:12], vd.ValidUntil)
	copy(packed[12:32], vd.Aggregator.Bytes())

	return new(big.Int).SetBytes(packed[:]), nil
}

// MergedValidationData is the intersection of the account- and
// paymaster-side validation results.
type MergedValidationData struct {
	AccountSigFailed   bool
	PaymasterSigFailed bool
	ValidAfter         uint64
	ValidUntil         uint64
}

// MergeValidationData intersects the two time windows and derives the
// per-party signature outcome from the aggregator slot.
func MergeValidationData(account, paymaster *ValidationData) *MergedValidationData {
	return &MergedValidationData{
		AccountSigFailed:   account.Aggregator != (common.Address{}),
		PaymasterSigFailed: paymaster.Aggregator != (common.Address{}),
		ValidAfter:         max(account.ValidAfter, paymaster.ValidAfter),
		ValidUntil:         min(account.ValidUntil, paymaster.ValidUntil),
	}
}

// StakeInfo describes a party's EntryPoint stake, augmented with the party
// address taken from the user operation.
type StakeInfo struct {
	Address         common.Address
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// ReturnInfo mirrors the EntryPoint's simulation returnInfo with the packed
// validation words already decoded. ValidUntil is nil when the simulation
// reported no expiry bound.
type ReturnInfo struct {
	PreOpGas           *big.Int
	Prefund            *big.Int
	AccountSigFailed   bool
	PaymasterSigFailed bool
	ValidAfter         uint64
	ValidUntil         *uint64
	PaymasterContext   []byte
}

// SigFailed reports whether either party's signature check failed.
func (ri *ReturnInfo) SigFailed() bool {
	return ri.AccountSigFailed || ri.PaymasterSigFailed
}

// AggregatorInfo names the signature aggregator the account delegated to,
// with its stake.
type AggregatorInfo struct {
	Aggregator common.Address
	StakeInfo  *StakeInfo
}

// StorageMap records storage slots read during validation, keyed by
// contract address. Left empty by this validator; the opcode-tracing
// validator populates it.
type StorageMap map[common.Address]map[common.Hash]common.Hash

// ValidationResult is the normalized simulation outcome shared by both
// EntryPoint versions.
type ValidationResult struct {
	ReturnInfo     *ReturnInfo
	SenderInfo     *StakeInfo
	FactoryInfo    *StakeInfo
	PaymasterInfo  *StakeInfo
	AggregatorInfo *AggregatorInfo
	StorageMap     StorageMap
}

// ReferencedCodeHashes pins the code of every contract touched during
// validation so a re-validation before bundling can detect code changes.
type ReferencedCodeHashes struct {
	Addresses []common.Address
	Hash      common.Hash
}

// Admission is the successful outcome of Validate: the normalized result
// plus advisory gas limits derived from the simulation.
type Admission struct {
	Result               *ValidationResult
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
	ReferencedContracts  *ReferencedCodeHashes
}

// ExecutionResult is the outcome of simulateHandleOp.
type ExecutionResult struct {
	PreOpGas      *big.Int
	Paid          *big.Int
	ValidAfter    uint64
	ValidUntil    uint64
	TargetSuccess bool
	TargetResult  []byte
}

func uint48From(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func put48(dst []byte, v uint64) {
	for i := 5; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}
