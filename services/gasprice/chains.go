package gasprice

import "math/big"

// Chain ids with pricing quirks. Everything not listed gets the default
// treatment: no floor, no tip minimum, no bump.
const (
	chainMainnet       uint64 = 1
	chainSepolia       uint64 = 11_155_111
	chainPolygon       uint64 = 137
	chainPolygonMumbai uint64 = 80_001
	chainBase          uint64 = 8_453
	chainArbitrum      uint64 = 42_161
	chainCelo          uint64 = 42_220
	chainAvalanche     uint64 = 43_114
	chainCeloAlfajores uint64 = 44_787
	chainDFK           uint64 = 53_935
	chainCeloBaklava   uint64 = 62_320
	chainScroll        uint64 = 534_352
)

const (
	polygonGasStationURL = "https://gasstation.polygon.technology/v2"
	mumbaiGasStationURL  = "https://gasstation-testnet.polygon.technology/v2"
)

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

// feeFloor returns the lowest fees ever suggested for the chain. DFK
// enforces a protocol-level 5 gwei minimum on both components.
func feeFloor(chainID uint64) (maxFee, maxPriority *big.Int) {
	if chainID == chainDFK {
		return gwei(5), gwei(5)
	}
	return new(big.Int), new(big.Int)
}

// minimumPriorityFee returns the tip below which the chain's validators
// stop including transactions, or nil when the chain has no such
// threshold.
func minimumPriorityFee(chainID uint64) *big.Int {
	switch chainID {
	case chainPolygon:
		return gwei(31)
	case chainPolygonMumbai:
		return gwei(1)
	default:
		return nil
	}
}

// bumpPercent returns the percentage applied to estimated fees before
// they are suggested, padding chains whose estimates run hot.
func bumpPercent(chainID uint64) int64 {
	switch chainID {
	case chainSepolia:
		return 120
	case chainCelo, chainCeloAlfajores, chainCeloBaklava:
		return 150
	case chainMainnet, chainArbitrum, chainScroll, chainBase, chainAvalanche:
		return 111
	default:
		return 100
	}
}

// isCeloChain reports chains whose fee market expects maxFeePerGas and
// maxPriorityFeePerGas to carry the same value.
func isCeloChain(chainID uint64) bool {
	switch chainID {
	case chainCelo, chainCeloAlfajores, chainCeloBaklava:
		return true
	default:
		return false
	}
}

// gasStationURL returns the public fee endpoint for chains that publish
// one, or empty when the node's own estimation is authoritative.
func gasStationURL(chainID uint64) string {
	switch chainID {
	case chainPolygon:
		return polygonGasStationURL
	case chainPolygonMumbai:
		return mumbaiGasStationURL
	default:
		return ""
	}
}
