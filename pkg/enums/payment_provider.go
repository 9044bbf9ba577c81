package enums

import (
	"fmt"
	"strings"
)

// PaymentProvider identifies the payment network backing a payment.
type PaymentProvider string

const (
	ProviderCard   PaymentProvider = "card"
	ProviderPayPal PaymentProvider = "paypal"
	ProviderSquare PaymentProvider = "square"
	ProviderCrypto PaymentProvider = "crypto"
)

var validPaymentProviders = []PaymentProvider{
	ProviderCard,
	ProviderPayPal,
	ProviderSquare,
	ProviderCrypto,
}

func (p PaymentProvider) String() string {
	return string(p)
}

func (p PaymentProvider) IsValid() bool {
	for _, candidate := range validPaymentProviders {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentProvider accepts the provider name case-insensitively.
func ParsePaymentProvider(value string) (PaymentProvider, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validPaymentProviders {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment provider %q", value)
}

// PaymentProviders returns every supported provider.
func PaymentProviders() []PaymentProvider {
	out := make([]PaymentProvider, len(validPaymentProviders))
	copy(out, validPaymentProviders)
	return out
}
