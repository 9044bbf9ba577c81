package stripe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84/webhook"
)

func TestNormalizeEnv(t *testing.T) {
	env, err := normalizeEnv("")
	require.NoError(t, err)
	assert.Equal(t, testEnv, env)

	env, err = normalizeEnv(" LIVE ")
	require.NoError(t, err)
	assert.Equal(t, liveEnv, env)

	_, err = normalizeEnv("staging")
	assert.ErrorIs(t, err, errInvalidStripeEnv)
}

func TestValidateAPIKey(t *testing.T) {
	assert.NoError(t, validateAPIKey(testEnv, "sk_test_123"))
	assert.NoError(t, validateAPIKey(liveEnv, "rk_live_123"))
	assert.Error(t, validateAPIKey(liveEnv, "sk_test_123"))
	assert.Error(t, validateAPIKey(testEnv, "pk_test_123"))
}

func TestConstructEventVerifiesSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	event, err := ConstructEvent(payload, signed.Header, "whsec_test")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)

	_, err = ConstructEvent(payload, signed.Header, "whsec_other")
	assert.Error(t, err)

	_, err = ConstructEvent(payload, signed.Header, "")
	assert.ErrorIs(t, err, errSecretRequired)
}
