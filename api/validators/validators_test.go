package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/escrowpay-backend/pkg/errors"
)

type createBody struct {
	Amount   int64  `json:"amount" validate:"gt=0"`
	Currency string `json:"currency" validate:"required,currency"`
	Provider string `json:"provider" validate:"required,provider"`
}

func TestDecodeJSONBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"amount":100,"currency":"USD","provider":"card"}`))
	var body createBody
	require.NoError(t, DecodeJSONBody(req, &body))
	assert.Equal(t, int64(100), body.Amount)

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"amount":0,"currency":"usd","provider":"wire"}`))
	err := DecodeJSONBody(req, &createBody{})
	require.Error(t, err)
	var typed *pkgerrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "must be greater than 0", details["amount"])
	assert.Equal(t, "must be an ISO 4217 code", details["currency"])
	assert.Equal(t, "must be a supported payment provider", details["provider"])

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{"amount":1,"extra":true}`))
	assert.Error(t, DecodeJSONBody(req, &createBody{}))
}

func TestQueryParsers(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=5&order_id=not-uuid", nil)
	limit, err := ParseQueryInt(req, "limit", 25, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, limit)

	_, err = ParseQueryUUID(req, "order_id")
	assert.Error(t, err)

	id, err := ParseQueryUUID(req, "customer_id")
	require.NoError(t, err)
	assert.Nil(t, id)

	_, err = ParseUUIDParam("nope", "paymentId")
	assert.Error(t, err)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  abcdef ", 3))
	assert.Equal(t, "abcdef", SanitizeString("abcdef", 0))
	assert.Equal(t, "línea\ttwo", SanitizeString("\x00lí\x1bnea\ttwo\r", 0))
	assert.Equal(t, "", SanitizeString("\x00\x07 ", 10))

	cut := SanitizeString("añoñoño", 3)
	assert.Equal(t, "año", cut)
	assert.True(t, utf8.ValidString(SanitizeString("日本語テキスト", 4)))
	assert.Equal(t, "日本語テ", SanitizeString("日本語テキスト", 4))
}

type reasonBody struct {
	Reason string `json:"reason" validate:"required,max=5"`
}

func (b *reasonBody) Sanitize() { b.Reason = SanitizeString(b.Reason, 5) }

func TestDecodeJSONBodySanitizesBeforeValidation(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"  ééééééé\u0000 "}`))
	var body reasonBody
	require.NoError(t, DecodeJSONBody(req, &body))
	assert.Equal(t, "ééééé", body.Reason)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"\u0000\u0007"}`))
	err := DecodeJSONBody(req, &reasonBody{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
