package helpers

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeHex decodes a hex string, accepting an optional 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// EncodeHex encodes bytes as a 0x-prefixed hex string.
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// DecodeHash32 decodes a hex string that must represent exactly 32 bytes.
func DecodeHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := DecodeHex(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
