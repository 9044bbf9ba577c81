package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// GweiExponent converts the catalog's minor unit (gwei) to wei.
const GweiExponent = 9

// ParseQuantity decodes a 0x-prefixed hex quantity.
func ParseQuantity(raw string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("empty quantity %q", raw)
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", raw)
	}
	return n, nil
}

func EncodeQuantity(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

// WeiFromGwei scales a gwei amount to wei.
func WeiFromGwei(gwei int64) *big.Int {
	return decimal.New(gwei, GweiExponent).BigInt()
}

// GweiFromWei reports false when wei is not a whole number of gwei or
// overflows int64.
func GweiFromWei(wei *big.Int) (int64, bool) {
	if wei == nil {
		return 0, false
	}
	d := decimal.NewFromBigInt(wei, -GweiExponent)
	if !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	b := d.BigInt()
	if !b.IsInt64() {
		return 0, false
	}
	return b.Int64(), true
}
