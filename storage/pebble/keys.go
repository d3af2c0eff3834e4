package pebble

const (
	// user operation index keys
	userOpReceiptKey = byte(1)
	userOpTxHashKey  = byte(2)
	userOpBodyKey    = byte(3)
)

func makePrefix(code byte, key []byte) []byte {
	return append([]byte{code}, key...)
}
