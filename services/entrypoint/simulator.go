package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	"github.com/rs/zerolog"

	"github.com/outlier-collective/alto/metrics"
	"github.com/outlier-collective/alto/models"
	errs "github.com/outlier-collective/alto/models/errors"
	"github.com/outlier-collective/alto/services/evm"
)

// overrideBalance funds the sender during simulation so estimation does not
// fail on a not-yet-funded account. Matches the EntryPoint's uint112
// deposit headroom.
var overrideBalance = new(big.Int).Lsh(big.NewInt(1), 96)

// Simulator runs EntryPoint simulations over eth_call and normalizes both
// contract generations into the shared result models.
//
// The v0.6 EntryPoint reports simulation outcomes as reverts; the v0.7
// EntryPointSimulations companion contract returns them as structured
// values. Callers never see the difference.
type Simulator struct {
	client             evm.Client
	simulationsAddress common.Address
	balanceOverride    bool
	logger             zerolog.Logger
	collector          metrics.Collector
}

func NewSimulator(
	client evm.Client,
	simulationsAddress common.Address,
	balanceOverride bool,
	logger zerolog.Logger,
	collector metrics.Collector,
) *Simulator {
	return &Simulator{
		client:             client,
		simulationsAddress: simulationsAddress,
		balanceOverride:    balanceOverride,
		logger:             logger.With().Str("component", "entrypoint-simulator").Logger(),
		collector:          collector,
	}
}

// SimulateValidation runs EntryPoint.simulateValidation for the operation
// and returns the normalized result. On-chain rejection surfaces as a
// SimulateValidation error carrying the EntryPoint's reason string.
func (s *Simulator) SimulateValidation(
	ctx context.Context,
	op models.UserOperation,
	entryPoint common.Address,
) (*models.ValidationResult, error) {
	switch op.Version() {
	case models.EntryPointV06:
		v06, _ := op.V06()
		return s.simulateValidationV06(ctx, v06, entryPoint)
	case models.EntryPointV07:
		v07, _ := op.V07()
		return s.simulateValidationV07(ctx, v07)
	default:
		return nil, fmt.Errorf("unknown user operation version")
	}
}

func (s *Simulator) simulateValidationV06(
	ctx context.Context,
	op *models.UserOperationV06,
	entryPoint common.Address,
) (*models.ValidationResult, error) {
	input, err := packSimulateValidationV06(op)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	ret, err := s.client.Call(ctx, ethereum.CallMsg{To: &entryPoint, Data: input}, nil)
	if err == nil {
		// simulateValidation always reverts on a real v0.6 EntryPoint.
		return nil, s.unexpected("Unexpected error whilst simulating validation", ret)
	}

	var revert *errs.RevertError
	if !errors.As(err, &revert) {
		return nil, err
	}

	return s.decodeValidationRevertV06(op, revert.Data)
}

func (s *Simulator) decodeValidationRevertV06(
	op *models.UserOperationV06,
	data []byte,
) (*models.ValidationResult, error) {
	if vr, ok, err := decodeValidationResultV06(data); ok {
		if err != nil {
			return nil, s.decodeFailure(err)
		}
		return s.normalizeV06(op, vr), nil
	}

	if vr, ok, err := decodeValidationResultWithAggregationV06(data); ok {
		if err != nil {
			return nil, s.decodeFailure(err)
		}
		return s.normalizeV06(op, vr), nil
	}

	if fo, ok, err := decodeFailedOp(entryPointV06, data); ok {
		if err != nil {
			return nil, s.decodeFailure(err)
		}
		return nil, errs.NewSimulateValidationError(fo.Reason)
	}

	if reason, ok := nestedRevertReason(data); ok {
		return nil, errs.NewUserOperationRevertedError(
			fmt.Sprintf("UserOperation reverted during simulation with reason: %s", reason),
		)
	}

	return nil, s.unexpected("Unexpected error whilst simulating validation", data)
}

func (s *Simulator) normalizeV06(
	op *models.UserOperationV06,
	vr *validationResultV06ABI,
) *models.ValidationResult {
	ri := &models.ReturnInfo{
		PreOpGas:         vr.ReturnInfo.PreOpGas,
		Prefund:          vr.ReturnInfo.Prefund,
		AccountSigFailed: vr.ReturnInfo.SigFailed,
		ValidAfter:       vr.ReturnInfo.ValidAfter.Uint64(),
		PaymasterContext: vr.ReturnInfo.PaymasterContext,
	}
	if until := vr.ReturnInfo.ValidUntil.Uint64(); until != 0 {
		ri.ValidUntil = &until
	}

	result := &models.ValidationResult{
		ReturnInfo: ri,
		SenderInfo: stakeInfoFor(op.Sender, vr.SenderInfo),
		StorageMap: models.StorageMap{},
	}
	if factory, ok := op.FactoryAddress(); ok {
		result.FactoryInfo = stakeInfoFor(factory, vr.FactoryInfo)
	}
	if paymaster, ok := op.PaymasterAddress(); ok {
		result.PaymasterInfo = stakeInfoFor(paymaster, vr.PaymasterInfo)
	}
	if agg := vr.AggregatorInfo; agg != nil {
		result.AggregatorInfo = &models.AggregatorInfo{
			Aggregator: agg.Aggregator,
			StakeInfo:  stakeInfoFor(agg.Aggregator, agg.StakeInfo),
		}
	}

	return result
}

func (s *Simulator) simulateValidationV07(
	ctx context.Context,
	op *models.UserOperationV07,
) (*models.ValidationResult, error) {
	target, err := s.simulationsTarget()
	if err != nil {
		return nil, err
	}

	input, err := packSimulateValidationV07(op)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	ret, err := s.client.Call(ctx, ethereum.CallMsg{To: &target, Data: input}, nil)
	if err != nil {
		return nil, s.classifyRevertV07(err)
	}

	vr, err := unpackValidationResultV07(ret)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	return s.normalizeV07(op, vr), nil
}

func (s *Simulator) normalizeV07(
	op *models.UserOperationV07,
	vr *validationResultV07ABI,
) *models.ValidationResult {
	account := models.UnpackValidationData(vr.ReturnInfo.AccountValidationData)
	paymaster := models.UnpackValidationData(vr.ReturnInfo.PaymasterValidationData)
	merged := models.MergeValidationData(account, paymaster)

	validUntil := merged.ValidUntil
	ri := &models.ReturnInfo{
		PreOpGas:           vr.ReturnInfo.PreOpGas,
		Prefund:            vr.ReturnInfo.Prefund,
		AccountSigFailed:   merged.AccountSigFailed,
		PaymasterSigFailed: merged.PaymasterSigFailed,
		ValidAfter:         merged.ValidAfter,
		ValidUntil:         &validUntil,
		PaymasterContext:   vr.ReturnInfo.PaymasterContext,
	}

	result := &models.ValidationResult{
		ReturnInfo: ri,
		SenderInfo: stakeInfoFor(op.Sender, vr.SenderInfo),
		StorageMap: models.StorageMap{},
	}
	if op.HasFactory() {
		result.FactoryInfo = stakeInfoFor(*op.Factory, vr.FactoryInfo)
	}
	if op.HasPaymaster() {
		result.PaymasterInfo = stakeInfoFor(*op.Paymaster, vr.PaymasterInfo)
	}
	if agg := vr.AggregatorInfo.Aggregator; agg != (common.Address{}) {
		result.AggregatorInfo = &models.AggregatorInfo{
			Aggregator: agg,
			StakeInfo:  stakeInfoFor(agg, vr.AggregatorInfo.StakeInfo),
		}
	}

	return result
}

// SimulateHandleOp executes the operation through the EntryPoint's
// simulation path and returns the execution outcome, optionally calling
// target with targetCallData afterwards to sample post-execution state.
func (s *Simulator) SimulateHandleOp(
	ctx context.Context,
	op models.UserOperation,
	entryPoint common.Address,
	target common.Address,
	targetCallData []byte,
) (*models.ExecutionResult, error) {
	overrides := s.senderOverrides(op.Sender())

	switch op.Version() {
	case models.EntryPointV06:
		v06, _ := op.V06()
		return s.simulateHandleOpV06(ctx, v06, entryPoint, target, targetCallData, overrides)
	case models.EntryPointV07:
		v07, _ := op.V07()
		return s.simulateHandleOpV07(ctx, v07, target, targetCallData, overrides)
	default:
		return nil, fmt.Errorf("unknown user operation version")
	}
}

func (s *Simulator) simulateHandleOpV06(
	ctx context.Context,
	op *models.UserOperationV06,
	entryPoint common.Address,
	target common.Address,
	targetCallData []byte,
	overrides evm.StateOverride,
) (*models.ExecutionResult, error) {
	input, err := packSimulateHandleOpV06(op, target, targetCallData)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	ret, err := s.client.Call(ctx, ethereum.CallMsg{To: &entryPoint, Data: input}, overrides)
	if err == nil {
		return nil, s.unexpected("Unexpected result from simulateHandleOp", ret)
	}

	var revert *errs.RevertError
	if !errors.As(err, &revert) {
		return nil, err
	}

	if er, ok, decodeErr := decodeExecutionResultV06(revert.Data); ok {
		if decodeErr != nil {
			return nil, s.decodeFailure(decodeErr)
		}
		return &models.ExecutionResult{
			PreOpGas:      er.PreOpGas,
			Paid:          er.Paid,
			ValidAfter:    er.ValidAfter.Uint64(),
			ValidUntil:    er.ValidUntil.Uint64(),
			TargetSuccess: er.TargetSuccess,
			TargetResult:  er.TargetResult,
		}, nil
	}

	return nil, s.classifyFailureRevert(entryPointV06, revert.Data)
}

func (s *Simulator) simulateHandleOpV07(
	ctx context.Context,
	op *models.UserOperationV07,
	target common.Address,
	targetCallData []byte,
	overrides evm.StateOverride,
) (*models.ExecutionResult, error) {
	simTarget, err := s.simulationsTarget()
	if err != nil {
		return nil, err
	}

	input, err := packSimulateHandleOpV07(op, target, targetCallData)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	ret, err := s.client.Call(ctx, ethereum.CallMsg{To: &simTarget, Data: input}, overrides)
	if err != nil {
		return nil, s.classifyRevertV07(err)
	}

	er, err := unpackExecutionResultV07(ret)
	if err != nil {
		return nil, s.decodeFailure(err)
	}

	merged := models.MergeValidationData(
		models.UnpackValidationData(er.AccountValidationData),
		models.UnpackValidationData(er.PaymasterValidationData),
	)

	return &models.ExecutionResult{
		PreOpGas:      er.PreOpGas,
		Paid:          er.Paid,
		ValidAfter:    merged.ValidAfter,
		ValidUntil:    merged.ValidUntil,
		TargetSuccess: er.TargetSuccess,
		TargetResult:  er.TargetResult,
	}, nil
}

// classifyRevertV07 turns an eth_call failure against the simulations
// contract into a pipeline error.
func (s *Simulator) classifyRevertV07(err error) error {
	var revert *errs.RevertError
	if !errors.As(err, &revert) {
		return err
	}
	return s.classifyFailureRevert(entryPointSimulations, revert.Data)
}

// classifyFailureRevert decodes a failure revert shared by both versions:
// FailedOp family first, then an embedded Error(string), then telemetry.
func (s *Simulator) classifyFailureRevert(parsed abi.ABI, data []byte) error {
	if fo, ok, err := decodeFailedOp(parsed, data); ok {
		if err != nil {
			return s.decodeFailure(err)
		}
		reason := fo.Reason
		if inner, found := nestedRevertReason(fo.Inner); found {
			reason = fmt.Sprintf("%s: %s", reason, inner)
		}
		return errs.NewSimulateValidationError(reason)
	}

	if reason, ok := nestedRevertReason(data); ok {
		return errs.NewUserOperationRevertedError(
			fmt.Sprintf("UserOperation reverted during simulation with reason: %s", reason),
		)
	}

	return s.unexpected("Unexpected error whilst simulating validation", data)
}

func (s *Simulator) simulationsTarget() (common.Address, error) {
	if s.simulationsAddress == (common.Address{}) {
		return common.Address{}, fmt.Errorf(
			"entry point simulations address is not configured, required for v0.7 operations",
		)
	}
	return s.simulationsAddress, nil
}

func (s *Simulator) senderOverrides(sender common.Address) evm.StateOverride {
	if !s.balanceOverride {
		return nil
	}
	return evm.StateOverride{
		sender: gethclient.OverrideAccount{Balance: new(big.Int).Set(overrideBalance)},
	}
}

func (s *Simulator) unexpected(reason string, data []byte) error {
	s.collector.UnexpectedSimulationResult()
	s.logger.Warn().Hex("data", data).Msg("unexpected simulation response")
	return errs.NewUnexpectedError(reason, data)
}

func (s *Simulator) decodeFailure(err error) error {
	s.collector.DecodeErrorOccurred()
	s.logger.Warn().Err(err).Msg("failed to decode simulation payload")
	return errs.NewDecodeError(err)
}

func stakeInfoFor(addr common.Address, info stakeInfoABI) *models.StakeInfo {
	return &models.StakeInfo{
		Address:         addr,
		Stake:           info.Stake,
		UnstakeDelaySec: info.UnstakeDelaySec,
	}
}
