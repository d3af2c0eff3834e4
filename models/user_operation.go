package models

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EntryPointVersion identifies the EntryPoint contract revision a user
// operation is encoded for.
type EntryPointVersion uint8

const (
	EntryPointV06 EntryPointVersion = iota
	EntryPointV07
)

func (v EntryPointVersion) String() string {
	if v == EntryPointV07 {
		return "v0.7"
	}
	return "v0.6"
}

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
)

// UserOperationV06 represents an ERC-4337 UserOperation for EntryPoint v0.6.
// See: https://eips.ethereum.org/EIPS/eip-4337
type UserOperationV06 struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             []byte         `json:"initCode"`
	CallData             []byte         `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     []byte         `json:"paymasterAndData"`
	Signature            []byte         `json:"signature"`
}

// HasPaymaster reports whether the operation declares a paymaster: any
// non-empty paymasterAndData. A well-formed value carries the paymaster
// address in its first 20 bytes.
func (uo *UserOperationV06) HasPaymaster() bool {
	return len(uo.PaymasterAndData) > 0
}

// PaymasterAddress extracts the paymaster address from paymasterAndData,
// reporting false when the field is too short to carry one.
func (uo *UserOperationV06) PaymasterAddress() (common.Address, bool) {
	if len(uo.PaymasterAndData) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(uo.PaymasterAndData[:common.AddressLength]), true
}

// FactoryAddress extracts the account factory address from initCode.
func (uo *UserOperationV06) FactoryAddress() (common.Address, bool) {
	if len(uo.InitCode) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(uo.InitCode[:common.AddressLength]), true
}

// PackForHash ABI-encodes the operation fields that feed the canonical
// operation hash. Dynamic byte fields enter as their keccak256 digests.
func (uo *UserOperationV06) PackForHash() []byte {
	args := abi.Arguments{
		{Name: "sender", Type: addressType},
		{Name: "nonce", Type: uint256Type},
		{Name: "initCode", Type: bytes32Type},
		{Name: "callData", Type: bytes32Type},
		{Name: "callGasLimit", Type: uint256Type},
		{Name: "verificationGasLimit", Type: uint256Type},
		{Name: "preVerificationGas", Type: uint256Type},
		{Name: "maxFeePerGas", Type: uint256Type},
		{Name: "maxPriorityFeePerGas", Type: uint256Type},
		{Name: "paymasterAndData", Type: bytes32Type},
	}
	packed, _ := args.Pack(
		uo.Sender,
		bigOrZero(uo.Nonce),
		crypto.Keccak256Hash(uo.InitCode),
		crypto.Keccak256Hash(uo.CallData),
		bigOrZero(uo.CallGasLimit),
		bigOrZero(uo.VerificationGasLimit),
		bigOrZero(uo.PreVerificationGas),
		bigOrZero(uo.MaxFeePerGas),
		bigOrZero(uo.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(uo.PaymasterAndData),
	)

	return packed
}

// Hash returns the canonical hash of the operation, bound to the EntryPoint
// address and chain id:
// keccak256(abi.encode(keccak256(packedOp), entryPoint, chainId)).
func (uo *UserOperationV06) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		crypto.Keccak256(uo.PackForHash()),
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		common.LeftPadBytes(bigOrZero(chainID).Bytes(), 32),
	)
}

// UserOperationV07 represents an ERC-4337 UserOperation for EntryPoint v0.7.
// The v0.6 initCode and paymasterAndData fields are split into their
// constituent parts; absent factory/paymaster are nil.
type UserOperationV07 struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *big.Int        `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   []byte          `json:"factoryData,omitempty"`
	CallData                      []byte          `json:"callData"`
	CallGasLimit                  *big.Int        `json:"callGasLimit"`
	VerificationGasLimit          *big.Int        `json:"verificationGasLimit"`
	PreVerificationGas            *big.Int        `json:"preVerificationGas"`
	MaxFeePerGas                  *big.Int        `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *big.Int        `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *big.Int        `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *big.Int        `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 []byte          `json:"paymasterData,omitempty"`
	Signature                     []byte          `json:"signature"`
}

func (uo *UserOperationV07) HasFactory() bool {
	return uo.Factory != nil && *uo.Factory != (common.Address{})
}

func (uo *UserOperationV07) HasPaymaster() bool {
	return uo.Paymaster != nil && *uo.Paymaster != (common.Address{})
}

// InitCode assembles the packed factory || factoryData representation, empty
// when no factory is declared.
func (uo *UserOperationV07) InitCode() []byte {
	if !uo.HasFactory() {
		return []byte{}
	}
	initCode := make([]byte, 0, common.AddressLength+len(uo.FactoryData))
	initCode = append(initCode, uo.Factory.Bytes()...)
	initCode = append(initCode, uo.FactoryData...)
	return initCode
}

// PaymasterAndData assembles the packed
// paymaster || verificationGasLimit(16) || postOpGasLimit(16) || paymasterData
// representation, empty when no paymaster is declared.
func (uo *UserOperationV07) PaymasterAndData() []byte {
	if !uo.HasPaymaster() {
		return []byte{}
	}
	data := make([]byte, 0, common.AddressLength+32+len(uo.PaymasterData))
	data = append(data, uo.Paymaster.Bytes()...)
	data = append(data, pad16(uo.PaymasterVerificationGasLimit)...)
	data = append(data, pad16(uo.PaymasterPostOpGasLimit)...)
	data = append(data, uo.PaymasterData...)
	return data
}

// Pack converts the operation into the on-wire PackedUserOperation tuple
// consumed by the v0.7 EntryPoint.
func (uo *UserOperationV07) Pack() *PackedUserOperation {
	return &PackedUserOperation{
		Sender:             uo.Sender,
		Nonce:              bigOrZero(uo.Nonce),
		InitCode:           uo.InitCode(),
		CallData:           uo.CallData,
		AccountGasLimits:   PackAccountGasLimits(uo.VerificationGasLimit, uo.CallGasLimit),
		PreVerificationGas: bigOrZero(uo.PreVerificationGas),
		GasFees:            PackGasFees(uo.MaxPriorityFeePerGas, uo.MaxFeePerGas),
		PaymasterAndData:   uo.PaymasterAndData(),
		Signature:          uo.Signature,
	}
}

// Hash returns the canonical v0.7 operation hash over the packed form.
func (uo *UserOperationV07) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed := uo.Pack()
	args := abi.Arguments{
		{Name: "sender", Type: addressType},
		{Name: "nonce", Type: uint256Type},
		{Name: "initCode", Type: bytes32Type},
		{Name: "callData", Type: bytes32Type},
		{Name: "accountGasLimits", Type: bytes32Type},
		{Name: "preVerificationGas", Type: uint256Type},
		{Name: "gasFees", Type: bytes32Type},
		{Name: "paymasterAndData", Type: bytes32Type},
	}
	encoded, _ := args.Pack(
		packed.Sender,
		packed.Nonce,
		crypto.Keccak256Hash(packed.InitCode),
		crypto.Keccak256Hash(packed.CallData),
		packed.AccountGasLimits,
		packed.PreVerificationGas,
		packed.GasFees,
		crypto.Keccak256Hash(packed.PaymasterAndData),
	)

	return crypto.Keccak256Hash(
		crypto.Keccak256(encoded),
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		common.LeftPadBytes(bigOrZero(chainID).Bytes(), 32),
	)
}

// PackedUserOperation is the v0.7 on-wire tuple. Field names follow the
// EntryPoint ABI so the struct can be packed and unpacked directly.
type PackedUserOperation struct {
	Sender             common.Address `json:"sender"`
	Nonce              *big.Int       `json:"nonce"`
	InitCode           []byte         `json:"initCode"`
	CallData           []byte         `json:"callData"`
	AccountGasLimits   [32]byte       `json:"accountGasLimits"`
	PreVerificationGas *big.Int       `json:"preVerificationGas"`
	GasFees            [32]byte       `json:"gasFees"`
	PaymasterAndData   []byte         `json:"paymasterAndData"`
	Signature          []byte         `json:"signature"`
}

// PackAccountGasLimits packs verificationGasLimit (high 128 bits) and
// callGasLimit (low 128 bits) into a single bytes32 word.
func PackAccountGasLimits(verificationGasLimit, callGasLimit *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], pad16(verificationGasLimit))
	copy(out[16:], pad16(callGasLimit))
	return out
}

// UnpackAccountGasLimits splits a bytes32 word into
// (verificationGasLimit, callGasLimit).
func UnpackAccountGasLimits(packed [32]byte) (*big.Int, *big.Int) {
	return new(big.Int).SetBytes(packed[:16]), new(big.Int).SetBytes(packed[16:])
}

// PackGasFees packs maxPriorityFeePerGas (high 128 bits) and maxFeePerGas
// (low 128 bits) into a single bytes32 word.
func PackGasFees(maxPriorityFeePerGas, maxFeePerGas *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], pad16(maxPriorityFeePerGas))
	copy(out[16:], pad16(maxFeePerGas))
	return out
}

// UnpackGasFees splits a bytes32 word into
// (maxPriorityFeePerGas, maxFeePerGas).
func UnpackGasFees(packed [32]byte) (*big.Int, *big.Int) {
	return new(big.Int).SetBytes(packed[:16]), new(big.Int).SetBytes(packed[16:])
}

// UserOperation is the tagged v0.6 | v0.7 variant used at every public
// boundary. The two encodings are mutually exclusive per operation; version
// detection happens on shape when parsing RPC arguments.
type UserOperation struct {
	v06 *UserOperationV06
	v07 *UserOperationV07
}

func NewV06UserOperation(uo *UserOperationV06) UserOperation {
	return UserOperation{v06: uo}
}

func NewV07UserOperation(uo *UserOperationV07) UserOperation {
	return UserOperation{v07: uo}
}

func (op UserOperation) Version() EntryPointVersion {
	if op.v07 != nil {
		return EntryPointV07
	}
	return EntryPointV06
}

func (op UserOperation) V06() (*UserOperationV06, bool) {
	return op.v06, op.v06 != nil
}

func (op UserOperation) V07() (*UserOperationV07, bool) {
	return op.v07, op.v07 != nil
}

func (op UserOperation) Sender() common.Address {
	if op.v07 != nil {
		return op.v07.Sender
	}
	if op.v06 != nil {
		return op.v06.Sender
	}
	return common.Address{}
}

func (op UserOperation) Nonce() *big.Int {
	if op.v07 != nil {
		return bigOrZero(op.v07.Nonce)
	}
	if op.v06 != nil {
		return bigOrZero(op.v06.Nonce)
	}
	return new(big.Int)
}

func (op UserOperation) CallGasLimit() *big.Int {
	if op.v07 != nil {
		return bigOrZero(op.v07.CallGasLimit)
	}
	if op.v06 != nil {
		return bigOrZero(op.v06.CallGasLimit)
	}
	return new(big.Int)
}

func (op UserOperation) VerificationGasLimit() *big.Int {
	if op.v07 != nil {
		return bigOrZero(op.v07.VerificationGasLimit)
	}
	if op.v06 != nil {
		return bigOrZero(op.v06.VerificationGasLimit)
	}
	return new(big.Int)
}

func (op UserOperation) PreVerificationGas() *big.Int {
	if op.v07 != nil {
		return bigOrZero(op.v07.PreVerificationGas)
	}
	if op.v06 != nil {
		return bigOrZero(op.v06.PreVerificationGas)
	}
	return new(big.Int)
}

func (op UserOperation) MaxFeePerGas() *big.Int {
	if op.v07 != nil {
		return bigOrZero(op.v07.MaxFeePerGas)
	}
	if op.v06 != nil {
		return bigOrZero(op.v06.MaxFeePerGas)
	}
	return new(big.Int)
}

func (op UserOperation) MaxPriorityFeePerGas() *big.Int {
	if op.v07 != nil {
		return bigOrZero(op.v07.MaxPriorityFeePerGas)
	}
	if op.v06 != nil {
		return bigOrZero(op.v06.MaxPriorityFeePerGas)
	}
	return new(big.Int)
}

// HasPaymaster reports whether the operation declares a paymaster
// (v0.6: non-empty paymasterAndData; v0.7: non-nil paymaster).
func (op UserOperation) HasPaymaster() bool {
	if op.v07 != nil {
		return op.v07.HasPaymaster()
	}
	if op.v06 != nil {
		return op.v06.HasPaymaster()
	}
	return false
}

// Hash returns the canonical operation hash for the variant in use.
func (op UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	if op.v07 != nil {
		return op.v07.Hash(entryPoint, chainID)
	}
	if op.v06 != nil {
		return op.v06.Hash(entryPoint, chainID)
	}
	return common.Hash{}
}

// UserOperationArgs is the JSON-RPC argument superset covering both
// operation shapes. Version detection: the v0.6 encoding carries initCode
// and/or paymasterAndData (clients send "0x" when unused); the v0.7
// encoding splits them into factory/paymaster fields and omits the packed
// forms entirely.
type UserOperationArgs struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	CallData             *hexutil.Bytes `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	Signature            *hexutil.Bytes `json:"signature"`

	// v0.6 only
	InitCode         *hexutil.Bytes `json:"initCode,omitempty"`
	PaymasterAndData *hexutil.Bytes `json:"paymasterAndData,omitempty"`

	// v0.7 only
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   *hexutil.Bytes  `json:"factoryData,omitempty"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 *hexutil.Bytes  `json:"paymasterData,omitempty"`
}

func (args *UserOperationArgs) isV06Shape() bool {
	return args.InitCode != nil || args.PaymasterAndData != nil
}

func (args *UserOperationArgs) isV07Shape() bool {
	return args.Factory != nil ||
		args.FactoryData != nil ||
		args.Paymaster != nil ||
		args.PaymasterVerificationGasLimit != nil ||
		args.PaymasterPostOpGasLimit != nil ||
		args.PaymasterData != nil
}

// ToUserOperation validates the arguments and converts them into the tagged
// UserOperation variant.
func (args *UserOperationArgs) ToUserOperation() (UserOperation, error) {
	if args.isV06Shape() && args.isV07Shape() {
		return UserOperation{}, fmt.Errorf("user operation mixes v0.6 and v0.7 fields")
	}

	if err := args.validateShared(); err != nil {
		return UserOperation{}, err
	}

	if args.isV06Shape() {
		uo := &UserOperationV06{
			Sender:               args.Sender,
			Nonce:                bigFromArg(args.Nonce),
			CallData:             *args.CallData,
			CallGasLimit:         (*big.Int)(args.CallGasLimit),
			VerificationGasLimit: (*big.Int)(args.VerificationGasLimit),
			PreVerificationGas:   (*big.Int)(args.PreVerificationGas),
			MaxFeePerGas:         (*big.Int)(args.MaxFeePerGas),
			MaxPriorityFeePerGas: (*big.Int)(args.MaxPriorityFeePerGas),
			Signature:            *args.Signature,
		}
		if args.InitCode != nil {
			uo.InitCode = *args.InitCode
		}
		if args.PaymasterAndData != nil {
			uo.PaymasterAndData = *args.PaymasterAndData
		}
		return NewV06UserOperation(uo), nil
	}

	if args.FactoryData != nil && args.Factory == nil {
		return UserOperation{}, fmt.Errorf("factoryData requires factory")
	}
	if args.Paymaster == nil &&
		(args.PaymasterData != nil ||
			args.PaymasterVerificationGasLimit != nil ||
			args.PaymasterPostOpGasLimit != nil) {
		return UserOperation{}, fmt.Errorf("paymaster fields require paymaster")
	}
	if args.Paymaster != nil {
		if args.PaymasterVerificationGasLimit == nil {
			return UserOperation{}, fmt.Errorf("paymasterVerificationGasLimit is required")
		}
		if args.PaymasterPostOpGasLimit == nil {
			return UserOperation{}, fmt.Errorf("paymasterPostOpGasLimit is required")
		}
	}

	// The packed v0.7 wire form carries these fields in 128-bit halves.
	for _, field := range []struct {
		name  string
		value *hexutil.Big
	}{
		{"callGasLimit", args.CallGasLimit},
		{"verificationGasLimit", args.VerificationGasLimit},
		{"maxFeePerGas", args.MaxFeePerGas},
		{"maxPriorityFeePerGas", args.MaxPriorityFeePerGas},
		{"paymasterVerificationGasLimit", args.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", args.PaymasterPostOpGasLimit},
	} {
		if field.value != nil && (*big.Int)(field.value).BitLen() > 128 {
			return UserOperation{}, fmt.Errorf("%s overflows 128 bits", field.name)
		}
	}

	uo := &UserOperationV07{
		Sender:                        args.Sender,
		Nonce:                         bigFromArg(args.Nonce),
		Factory:                       args.Factory,
		CallData:                      *args.CallData,
		CallGasLimit:                  (*big.Int)(args.CallGasLimit),
		VerificationGasLimit:          (*big.Int)(args.VerificationGasLimit),
		PreVerificationGas:            (*big.Int)(args.PreVerificationGas),
		MaxFeePerGas:                  (*big.Int)(args.MaxFeePerGas),
		MaxPriorityFeePerGas:          (*big.Int)(args.MaxPriorityFeePerGas),
		Paymaster:                     args.Paymaster,
		PaymasterVerificationGasLimit: (*big.Int)(args.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*big.Int)(args.PaymasterPostOpGasLimit),
		Signature:                     *args.Signature,
	}
	if args.FactoryData != nil {
		uo.FactoryData = *args.FactoryData
	}
	if args.PaymasterData != nil {
		uo.PaymasterData = *args.PaymasterData
	}
	return NewV07UserOperation(uo), nil
}

func (args *UserOperationArgs) validateShared() error {
	if args.CallData == nil {
		return fmt.Errorf("callData is required")
	}
	if args.CallGasLimit == nil {
		return fmt.Errorf("callGasLimit is required")
	}
	if args.VerificationGasLimit == nil {
		return fmt.Errorf("verificationGasLimit is required")
	}
	if args.PreVerificationGas == nil {
		return fmt.Errorf("preVerificationGas is required")
	}
	if args.MaxFeePerGas == nil {
		return fmt.Errorf("maxFeePerGas is required")
	}
	if args.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("maxPriorityFeePerGas is required")
	}
	if args.Signature == nil {
		return fmt.Errorf("signature is required")
	}
	return nil
}

// Args renders the operation in its wire shape, the form served by the RPC
// lookup endpoints and persisted alongside receipts. The v0.6 packed fields
// are always populated (an absent initCode renders as "0x") so the result
// keeps its version detectable on the way back in.
func (op UserOperation) Args() *UserOperationArgs {
	if op.v07 != nil {
		uo := op.v07
		args := &UserOperationArgs{
			Sender:               uo.Sender,
			Nonce:                bigToArg(uo.Nonce),
			CallData:             bytesToArg(uo.CallData),
			CallGasLimit:         bigToArg(uo.CallGasLimit),
			VerificationGasLimit: bigToArg(uo.VerificationGasLimit),
			PreVerificationGas:   bigToArg(uo.PreVerificationGas),
			MaxFeePerGas:         bigToArg(uo.MaxFeePerGas),
			MaxPriorityFeePerGas: bigToArg(uo.MaxPriorityFeePerGas),
			Signature:            bytesToArg(uo.Signature),
			Factory:              uo.Factory,
			Paymaster:            uo.Paymaster,
		}
		if uo.Factory != nil {
			args.FactoryData = bytesToArg(uo.FactoryData)
		}
		if uo.Paymaster != nil {
			args.PaymasterVerificationGasLimit = bigToArg(uo.PaymasterVerificationGasLimit)
			args.PaymasterPostOpGasLimit = bigToArg(uo.PaymasterPostOpGasLimit)
			args.PaymasterData = bytesToArg(uo.PaymasterData)
		}
		return args
	}
	if op.v06 != nil {
		uo := op.v06
		return &UserOperationArgs{
			Sender:               uo.Sender,
			Nonce:                bigToArg(uo.Nonce),
			CallData:             bytesToArg(uo.CallData),
			CallGasLimit:         bigToArg(uo.CallGasLimit),
			VerificationGasLimit: bigToArg(uo.VerificationGasLimit),
			PreVerificationGas:   bigToArg(uo.PreVerificationGas),
			MaxFeePerGas:         bigToArg(uo.MaxFeePerGas),
			MaxPriorityFeePerGas: bigToArg(uo.MaxPriorityFeePerGas),
			Signature:            bytesToArg(uo.Signature),
			InitCode:             bytesToArg(uo.InitCode),
			PaymasterAndData:     bytesToArg(uo.PaymasterAndData),
		}
	}
	return &UserOperationArgs{}
}

func bigToArg(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(bigOrZero(v))
}

func bytesToArg(b []byte) *hexutil.Bytes {
	v := hexutil.Bytes(b)
	return &v
}

func bigFromArg(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func pad16(v *big.Int) []byte {
	out := make([]byte, 16)
	if v != nil {
		v.FillBytes(out)
	}
	return out
}
