package validation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/config"
	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
)

// A user operation must be valid for at least this long past admission,
// otherwise bundling could land it on chain after it expired.
const (
	minValidityWindow = 30 // seconds past now validUntil has to cover
	validAfterSlack   = 5  // seconds of clock skew tolerated on validAfter
)

// callGasLimitFloor is the lowest call gas limit ever suggested back to
// the caller, covering the EntryPoint's inner call overhead.
var callGasLimitFloor = big.NewInt(9000)

// Simulator runs EntryPoint validation simulations and returns the
// normalized result.
type Simulator interface {
	SimulateValidation(
		ctx context.Context,
		op models.UserOperation,
		entryPoint common.Address,
	) (*models.ValidationResult, error)
}

// Validator admits or rejects user operations. It drives the EntryPoint
// simulation and then enforces the bundler's own policy on top of the
// simulated result: signatures, the time-validity window, the declared
// pre-verification gas and the deposited prefund.
type Validator struct {
	simulator Simulator
	config    *config.Config
	chainID   *big.Int
	logger    zerolog.Logger
	collector metrics.Collector
}

func NewValidator(
	simulator Simulator,
	cfg *config.Config,
	chainID *big.Int,
	logger zerolog.Logger,
	collector metrics.Collector,
) *Validator {
	logger = logger.With().Str("component", "userop-validator").Logger()

	logger.Info().
		Str("chainID", chainID.String()).
		Str("apiVersion", cfg.APIVersion).
		Bool("expirationCheckDisabled", cfg.DisableExpirationCheck).
		Msg("user operation validator initialized")

	return &Validator{
		simulator: simulator,
		config:    cfg,
		chainID:   chainID,
		logger:    logger,
		collector: collector,
	}
}

// Validate simulates the operation against the EntryPoint and applies the
// admission policy. codeHashes is carried through to the admission record
// untouched; only the tracing validator populates it.
//
// Exactly one of the success or failure counters is incremented per call,
// except that a cancelled context counts as neither.
func (v *Validator) Validate(
	ctx context.Context,
	op models.UserOperation,
	entryPoint common.Address,
	codeHashes *models.ReferencedCodeHashes,
) (*models.Admission, error) {
	admission, err := v.validate(ctx, op, entryPoint, codeHashes)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			v.collector.OperationValidationFailed(op.Version().String())
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.collector.OperationValidated(op.Version().String())
	return admission, nil
}

func (v *Validator) validate(
	ctx context.Context,
	op models.UserOperation,
	entryPoint common.Address,
	codeHashes *models.ReferencedCodeHashes,
) (*models.Admission, error) {
	v.logger.Debug().
		Str("sender", op.Sender().Hex()).
		Str("nonce", op.Nonce().String()).
		Str("entryPoint", entryPoint.Hex()).
		Str("version", op.Version().String()).
		Msg("validating user operation")

	result, err := v.simulator.SimulateValidation(ctx, op, entryPoint)
	if err != nil {
		return nil, err
	}

	if err := v.checkSignatures(op, result.ReturnInfo); err != nil {
		return nil, err
	}
	if err := v.checkExpiration(op, result.ReturnInfo); err != nil {
		return nil, err
	}
	if err := v.checkPreVerificationGas(op); err != nil {
		return nil, err
	}
	if err := v.checkPrefund(op, result.ReturnInfo); err != nil {
		return nil, err
	}

	verificationGasLimit, callGasLimit := deriveGasLimits(op, result.ReturnInfo)

	return &models.Admission{
		Result:               result,
		VerificationGasLimit: verificationGasLimit,
		CallGasLimit:         callGasLimit,
		ReferencedContracts:  codeHashes,
	}, nil
}

// checkSignatures rejects operations whose account or paymaster signature
// failed during simulation. v0.6 reports a single combined bit, v0.7
// distinguishes the two parties.
func (v *Validator) checkSignatures(op models.UserOperation, ri *models.ReturnInfo) error {
	switch op.Version() {
	case models.EntryPointV07:
		if ri.AccountSigFailed {
			return v.rejectSignature(op, "Invalid UserOp signature")
		}
		if ri.PaymasterSigFailed {
			return v.rejectSignature(op, "Invalid UserOp paymasterData")
		}
	default:
		if ri.SigFailed() {
			return v.rejectSignature(op, "Invalid UserOp signature or paymaster signature")
		}
	}
	return nil
}

func (v *Validator) rejectSignature(op models.UserOperation, reason string) error {
	v.logger.Warn().
		Str("sender", op.Sender().Hex()).
		Str("nonce", op.Nonce().String()).
		Msg("signature validation failed")
	return errs.NewInvalidSignatureError(reason)
}

// checkExpiration enforces the time-validity window: the operation must
// already be valid (with a small skew allowance) and must stay valid long
// enough to be bundled and included.
func (v *Validator) checkExpiration(op models.UserOperation, ri *models.ReturnInfo) error {
	if v.config.DisableExpirationCheck {
		return nil
	}

	now := uint64(time.Now().Unix())

	if ri.ValidAfter > now-validAfterSlack {
		v.logger.Warn().
			Str("sender", op.Sender().Hex()).
			Uint64("validAfter", ri.ValidAfter).
			Uint64("now", now).
			Msg("user operation not valid yet")
		return errs.NewExpiresShortlyError(fmt.Sprintf(
			"User operation is not valid yet, validAfter: %d, now: %d",
			ri.ValidAfter, now,
		))
	}

	if ri.ValidUntil == nil {
		return errs.NewExpiresShortlyError("User operation validUntil not set")
	}
	if *ri.ValidUntil < now+minValidityWindow {
		v.logger.Warn().
			Str("sender", op.Sender().Hex()).
			Uint64("validUntil", *ri.ValidUntil).
			Uint64("now", now).
			Msg("user operation expires too soon")
		return errs.NewExpiresShortlyError(fmt.Sprintf(
			"User operation expires too soon, validUntil: %d, now: %d",
			*ri.ValidUntil, now,
		))
	}

	return nil
}

// checkPreVerificationGas requires the declared preVerificationGas to cover
// the bundle-share cost model. The v1 API predates this check and is
// exempt for compatibility.
func (v *Validator) checkPreVerificationGas(op models.UserOperation) error {
	if v.config.APIVersion == config.APIVersionV1 {
		return nil
	}

	required := PreVerificationGas(op, v.chainID)
	declared := op.PreVerificationGas()
	if required.Cmp(declared) > 0 {
		v.logger.Warn().
			Str("sender", op.Sender().Hex()).
			Str("required", required.String()).
			Str("declared", declared.String()).
			Msg("declared preVerificationGas below cost model")
		return errs.NewSimulateValidationError(fmt.Sprintf(
			"preVerificationGas is not enough, required: %s, got: %s",
			required, declared,
		))
	}
	return nil
}

// checkPrefund requires the deposit reserved by the EntryPoint to cover
// the operation's declared gas budget. Paymaster validation and postOp
// both run on verification gas, so a paymastered operation has to prefund
// the verification limit three times over.
func (v *Validator) checkPrefund(op models.UserOperation, ri *models.ReturnInfo) error {
	multiplier := big.NewInt(1)
	if op.HasPaymaster() {
		multiplier = big.NewInt(3)
	}

	required := new(big.Int).Mul(op.VerificationGasLimit(), multiplier)
	required.Add(required, op.CallGasLimit())
	required.Add(required, op.PreVerificationGas())

	if required.Cmp(ri.Prefund) > 0 {
		v.logger.Warn().
			Str("sender", op.Sender().Hex()).
			Str("required", required.String()).
			Str("prefund", ri.Prefund.String()).
			Bool("hasPaymaster", op.HasPaymaster()).
			Msg("prefund below required gas budget")
		return errs.NewSimulateValidationError(fmt.Sprintf(
			"prefund is not enough, required: %s, got: %s",
			required, ri.Prefund,
		))
	}
	return nil
}

// deriveGasLimits suggests gas limits back to the caller from what the
// simulation actually consumed: the measured verification work plus
// headroom, and whatever prefund remains for the call itself.
func deriveGasLimits(op models.UserOperation, ri *models.ReturnInfo) (*big.Int, *big.Int) {
	verificationGasLimit := new(big.Int).Sub(ri.PreOpGas, op.PreVerificationGas())
	verificationGasLimit.Mul(verificationGasLimit, big.NewInt(3))
	verificationGasLimit.Div(verificationGasLimit, big.NewInt(2))

	callGasLimit := new(big.Int).Sub(ri.Prefund, ri.PreOpGas)
	if callGasLimit.Cmp(callGasLimitFloor) < 0 {
		callGasLimit = new(big.Int).Set(callGasLimitFloor)
	}

	return verificationGasLimit, callGasLimit
}
