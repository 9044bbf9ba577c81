package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ChecksumAddress returns the EIP-55 mixed-case form of a 20-byte hex address.
func ChecksumAddress(addr string) (string, error) {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "0x"), "0X"))
	if len(lower) != 40 {
		return "", fmt.Errorf("address %q must be 20 bytes", addr)
	}
	if _, err := hex.DecodeString(lower); err != nil {
		return "", fmt.Errorf("address %q is not hex", addr)
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, 0, 42)
	out = append(out, '0', 'x')
	for i := 0; i < len(lower); i++ {
		ch := lower[i]
		if ch >= 'a' && ch <= 'f' && digest[i] >= '8' {
			ch -= 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out), nil
}

// SameAddress compares addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(strings.TrimPrefix(a, "0x"), strings.TrimPrefix(b, "0x"))
}
