package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoneyMajor(t *testing.T) {
	assert.Equal(t, "100.00", NewMoney(10000, "usd").Major(2))
	assert.Equal(t, "USD", NewMoney(1, " usd ").Currency)
	assert.Equal(t, "500", NewMoney(500, "JPY").Major(0))
	assert.Equal(t, "0.000000001", NewMoney(1, "ETH").Major(9))
}

func TestFromMajor(t *testing.T) {
	v, ok := FromMajor("12.34", 2)
	assert.True(t, ok)
	assert.Equal(t, int64(1234), v)

	_, ok = FromMajor("12.345", 2)
	assert.False(t, ok)

	_, ok = FromMajor("abc", 2)
	assert.False(t, ok)

	v, ok = FromMajor("1.5", 9)
	assert.True(t, ok)
	assert.Equal(t, int64(1500000000), v)
}
