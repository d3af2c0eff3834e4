package validation

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/outlier-collective/alto/models"
)

// GasOverheads are the constants of the cost model behind
// PreVerificationGas: the bundle transaction's intrinsic cost amortized
// over its operations, a flat per-operation charge for the EntryPoint's
// bookkeeping, and calldata priced at the protocol's byte rates.
type GasOverheads struct {
	Fixed         uint64 // intrinsic transaction cost, shared by the bundle
	PerUserOp     uint64 // EntryPoint overhead per operation
	PerUserOpWord uint64 // memory expansion per 32-byte word of the operation
	ZeroByte      uint64 // calldata cost of a zero byte
	NonZeroByte   uint64 // calldata cost of a non-zero byte
	BundleSize    uint64 // operations assumed to share the fixed cost
	SigSize       int    // placeholder signature length for unsigned ops
}

func DefaultGasOverheads() GasOverheads {
	return GasOverheads{
		Fixed:         21000,
		PerUserOp:     18300,
		PerUserOpWord: 4,
		ZeroByte:      4,
		NonZeroByte:   16,
		BundleSize:    1,
		SigSize:       65,
	}
}

// PreVerificationGas prices the work the EntryPoint cannot meter for an
// operation: its share of the bundle transaction's intrinsic cost and the
// calldata bytes it adds to it. The result is what the operation must at
// least declare as preVerificationGas.
//
// The model is chain-independent. Rollups additionally charge for data
// availability through their own fee oracles; pricing that requires an
// on-chain probe per chain, which is the caller's concern. chainID is
// threaded through as the seam for it.
func PreVerificationGas(op models.UserOperation, chainID *big.Int) *big.Int {
	return preVerificationGas(op, DefaultGasOverheads())
}

func preVerificationGas(op models.UserOperation, ov GasOverheads) *big.Int {
	packed := serializeForPricing(op, ov)

	cost := ov.Fixed/ov.BundleSize + ov.PerUserOp
	for _, b := range packed {
		if b == 0 {
			cost += ov.ZeroByte
		} else {
			cost += ov.NonZeroByte
		}
	}
	words := (uint64(len(packed)) + 31) / 32
	cost += ov.PerUserOpWord * words

	return new(big.Int).SetUint64(cost)
}

// serializeForPricing flattens the operation into the byte stream whose
// calldata cost the model charges for. The declared preVerificationGas is
// replaced by a fixed placeholder so the price does not depend on the
// field it is validating, and an empty signature is padded to its eventual
// size so estimation before signing is not undercharged.
func serializeForPricing(op models.UserOperation, ov GasOverheads) []byte {
	placeholderPVG := big.NewInt(int64(ov.Fixed))
	signature := placeholderSignature(opSignature(op), ov.SigSize)

	out := make([]byte, 0, 512)
	out = append(out, common.LeftPadBytes(op.Sender().Bytes(), 32)...)
	out = append(out, common.BigToHash(op.Nonce()).Bytes()...)

	switch op.Version() {
	case models.EntryPointV06:
		v06, _ := op.V06()
		out = append(out, v06.InitCode...)
		out = append(out, v06.CallData...)
		out = append(out, common.BigToHash(op.CallGasLimit()).Bytes()...)
		out = append(out, common.BigToHash(op.VerificationGasLimit()).Bytes()...)
		out = append(out, common.BigToHash(placeholderPVG).Bytes()...)
		out = append(out, common.BigToHash(op.MaxFeePerGas()).Bytes()...)
		out = append(out, common.BigToHash(op.MaxPriorityFeePerGas()).Bytes()...)
		out = append(out, v06.PaymasterAndData...)
	case models.EntryPointV07:
		v07, _ := op.V07()
		packed := v07.Pack()
		out = append(out, packed.InitCode...)
		out = append(out, packed.CallData...)
		out = append(out, packed.AccountGasLimits[:]...)
		out = append(out, common.BigToHash(placeholderPVG).Bytes()...)
		out = append(out, packed.GasFees[:]...)
		out = append(out, packed.PaymasterAndData...)
	}

	out = append(out, signature...)
	return out
}

func opSignature(op models.UserOperation) []byte {
	if v06, ok := op.V06(); ok {
		return v06.Signature
	}
	if v07, ok := op.V07(); ok {
		return v07.Signature
	}
	return nil
}

// placeholderSignature pads an absent signature to its eventual ECDSA
// length with non-zero bytes, the worst case for calldata pricing.
func placeholderSignature(sig []byte, size int) []byte {
	if len(sig) > 0 {
		return sig
	}
	placeholder := make([]byte, size)
	for i := range placeholder {
		placeholder[i] = 0x01
	}
	return placeholder
}
