package chain

import (
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Minimal ABI encoding for the handful of contract calls the storefront
// makes. Only static uint256 and address arguments are supported.

// Selector returns the 4-byte function selector for a canonical signature
// such as "transfer(address,uint256)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// PackUint256 encodes n as a 32-byte big-endian word.
func PackUint256(n *big.Int) ([]byte, error) {
	if n == nil || n.Sign() < 0 {
		return nil, fmt.Errorf("uint256 argument must be non-negative")
	}
	if n.BitLen() > 256 {
		return nil, fmt.Errorf("uint256 argument overflows 256 bits")
	}
	word := make([]byte, 32)
	n.FillBytes(word)
	return word, nil
}

// PackAddress encodes a 0x-prefixed hex address as a 32-byte word.
func PackAddress(addr string) ([]byte, error) {
	raw, err := hexDecode(strings.TrimSpace(addr))
	if err != nil {
		return nil, fmt.Errorf("address %q: %w", addr, err)
	}
	if len(raw) != 20 {
		return nil, fmt.Errorf("address %q: want 20 bytes, got %d", addr, len(raw))
	}
	word := make([]byte, 32)
	copy(word[12:], raw)
	return word, nil
}

// Pack builds calldata from a signature and pre-encoded argument words.
func Pack(signature string, words ...[]byte) []byte {
	data := Selector(signature)
	for _, w := range words {
		data = append(data, w...)
	}
	return data
}

// UnpackUint256 decodes a single 32-byte return word into a big integer.
func UnpackUint256(data []byte) (*big.Int, error) {
	if len(data) < 32 {
		return nil, fmt.Errorf("return data too short: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:32]), nil
}
