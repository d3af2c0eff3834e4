package errors

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethVM "github.com/ethereum/go-ethereum/core/vm"
)

var (
	ErrNotSupported = errors.New("endpoint is not supported")
	ErrInvalid      = errors.New("invalid request")
	ErrInternal     = errors.New("internal error")
	ErrRateLimit    = errors.New("limit of requests per second reached")

	// ErrEntityNotFound is returned by lookups for user operations that are
	// neither pending in the pool nor present in the receipt index.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDuplicateUserOperation rejects a submission whose hash is already
	// pending in the pool.
	ErrDuplicateUserOperation = errors.New("duplicate user operation")

	// ErrNonceConflict rejects a submission whose sender already has a
	// pending operation with the same nonce.
	ErrNonceConflict = errors.New("nonce conflict")
)

// ErrorKind tags failures of the validation and pricing pipeline with a
// stable identifier. The RPC layer maps kinds to JSON-RPC error codes; the
// pipeline itself only classifies.
type ErrorKind uint8

const (
	// KindSimulateValidation marks on-chain rejection of a user operation
	// during simulation (bad nonce, insufficient prefund, paymaster errors,
	// reverts inside account validation).
	KindSimulateValidation ErrorKind = iota + 1
	// KindInvalidSignature marks an account or paymaster signature failure.
	KindInvalidSignature
	// KindExpiresShortly marks a time-validity window that is still in the
	// future or about to close.
	KindExpiresShortly
	// KindUserOperationReverted marks a revert observed while retrieving an
	// execution result through simulateHandleOp.
	KindUserOperationReverted
	// KindTransport, KindDecode and KindUnexpected are infrastructural and
	// are reported to the metrics collector before they surface.
	KindTransport
	KindDecode
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindSimulateValidation:
		return "SimulateValidation"
	case KindInvalidSignature:
		return "InvalidSignature"
	case KindExpiresShortly:
		return "ExpiresShortly"
	case KindUserOperationReverted:
		return "UserOperationReverted"
	case KindTransport:
		return "Transport"
	case KindDecode:
		return "Decode"
	case KindUnexpected:
		return "Unexpected"
	default:
		return "Unknown"
	}
}

// ValidationError is the tagged error surfaced by the validation pipeline.
// Reason is the human-readable message quoted back to the RPC caller; Data
// optionally carries the raw revert payload for diagnostics.
type ValidationError struct {
	Kind   ErrorKind
	Reason string
	Data   []byte
	cause  error
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.cause
}

// IsKind reports whether err is a ValidationError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr) && vErr.Kind == kind
}

func NewSimulateValidationError(reason string) *ValidationError {
	return &ValidationError{Kind: KindSimulateValidation, Reason: reason}
}

func NewInvalidSignatureError(reason string) *ValidationError {
	return &ValidationError{Kind: KindInvalidSignature, Reason: reason}
}

func NewExpiresShortlyError(reason string) *ValidationError {
	return &ValidationError{Kind: KindExpiresShortly, Reason: reason}
}

func NewUserOperationRevertedError(reason string) *ValidationError {
	return &ValidationError{Kind: KindUserOperationReverted, Reason: reason}
}

func NewTransportError(err error) *ValidationError {
	return &ValidationError{
		Kind:   KindTransport,
		Reason: fmt.Sprintf("transport failure: %v", err),
		cause:  err,
	}
}

func NewDecodeError(err error) *ValidationError {
	return &ValidationError{
		Kind:   KindDecode,
		Reason: fmt.Sprintf("decode failure: %v", err),
		cause:  err,
	}
}

// NewUnexpectedError captures responses the pipeline has no schema for,
// preserving the raw payload for the telemetry sink.
func NewUnexpectedError(reason string, data []byte) *ValidationError {
	return &ValidationError{Kind: KindUnexpected, Reason: reason, Data: data}
}

// GasPriceTooLowError rejects a user operation whose declared fee component
// falls below the lowest value observed within the validity window.
type GasPriceTooLowError struct {
	Field     string // "maxFeePerGas" or "maxPriorityFeePerGas"
	Minimum   *big.Int
	Submitted *big.Int
}

func (e *GasPriceTooLowError) Error() string {
	return fmt.Sprintf(
		"%s must be at least %s (current %s: %s)",
		e.Field, e.Minimum, e.Field, e.Submitted,
	)
}

func NewErrGasPriceTooLow(field string, minimum, submitted *big.Int) *GasPriceTooLowError {
	return &GasPriceTooLowError{
		Field:     field,
		Minimum:   minimum,
		Submitted: submitted,
	}
}

// RevertError is an API error that encompasses an EVM revert with JSON error
// code and a binary data blob. The raw return data is preserved so that a
// typed decoder can recognize the EntryPoint's custom errors.
type RevertError struct {
	error
	Data []byte
}

// ErrorCode returns the JSON error code for a revert.
// See: https://github.com/ethereum/wiki/wiki/JSON-RPC-Error-Codes-Improvement-Proposal
func (e *RevertError) ErrorCode() int {
	return 3
}

// ErrorData returns the hex encoded revert reason.
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(e.Data)
}

// NewRevertError creates a RevertError instance with the provided revert data.
func NewRevertError(revert []byte) *RevertError {
	err := gethVM.ErrExecutionReverted

	reason, errUnpack := abi.UnpackRevert(revert)
	if errUnpack == nil {
		err = fmt.Errorf("%w: %v", gethVM.ErrExecutionReverted, reason)
	}
	return &RevertError{
		error: err,
		Data:  revert,
	}
}
