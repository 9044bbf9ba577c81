package square

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// Sign computes x-square-hmacsha256-signature: base64 HMAC-SHA256 over the
// notification URL followed by the raw body.
func Sign(secret, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, notificationURL string, body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if secret == "" || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, notificationURL, body)), []byte(signature))
}
