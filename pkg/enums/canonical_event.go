package enums

import "fmt"

// CanonicalEventType is the provider-independent meaning of a webhook event.
type CanonicalEventType string

const (
	CanonicalPaymentSucceeded      CanonicalEventType = "payment.succeeded"
	CanonicalPaymentFailed         CanonicalEventType = "payment.failed"
	CanonicalPaymentRefunded       CanonicalEventType = "payment.refunded"
	CanonicalSubscriptionCreated   CanonicalEventType = "subscription.created"
	CanonicalSubscriptionCancelled CanonicalEventType = "subscription.cancelled"
	CanonicalUnmapped              CanonicalEventType = "unmapped"
)

var validCanonicalEventTypes = []CanonicalEventType{
	CanonicalPaymentSucceeded,
	CanonicalPaymentFailed,
	CanonicalPaymentRefunded,
	CanonicalSubscriptionCreated,
	CanonicalSubscriptionCancelled,
	CanonicalUnmapped,
}

func (c CanonicalEventType) IsValid() bool {
	for _, candidate := range validCanonicalEventTypes {
		if candidate == c {
			return true
		}
	}
	return false
}

// AffectsPayment reports whether the event drives a payment transition.
func (c CanonicalEventType) AffectsPayment() bool {
	switch c {
	case CanonicalPaymentSucceeded, CanonicalPaymentFailed, CanonicalPaymentRefunded:
		return true
	}
	return false
}

func ParseCanonicalEventType(value string) (CanonicalEventType, error) {
	for _, candidate := range validCanonicalEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid canonical event type %q", value)
}

// ReconciliationOutcome records what processing a webhook event did.
type ReconciliationOutcome string

const (
	ReconciliationApplied  ReconciliationOutcome = "applied"
	ReconciliationNoop     ReconciliationOutcome = "noop"
	ReconciliationConflict ReconciliationOutcome = "conflict"
	ReconciliationIgnored  ReconciliationOutcome = "ignored"
)
