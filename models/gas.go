package models

import "math/big"

// GasPriceParameters is an EIP-1559 fee suggestion in wei. On chains
// without EIP-1559 support both components carry the legacy gas price.
type GasPriceParameters struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Clone returns a deep copy so callers can mutate freely.
func (p *GasPriceParameters) Clone() *GasPriceParameters {
	return &GasPriceParameters{
		MaxFeePerGas:         new(big.Int).Set(bigOrZero(p.MaxFeePerGas)),
		MaxPriorityFeePerGas: new(big.Int).Set(bigOrZero(p.MaxPriorityFeePerGas)),
	}
}

// FeeEstimate is the raw fee data read from the node. The node may only be
// able to answer part of the question, so every field is optional; callers
// fill the gaps from fee history and the latest block.
type FeeEstimate struct {
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}
