package enums

import "fmt"

// OperatorItemKind classifies work items that need a human decision.
type OperatorItemKind string

const (
	OperatorItemReconciliationConflict OperatorItemKind = "reconciliation_conflict"
	OperatorItemRefundFailed           OperatorItemKind = "refund_failed"
	OperatorItemEscrowReleaseFailed    OperatorItemKind = "escrow_release_failed"
)

var validOperatorItemKinds = []OperatorItemKind{
	OperatorItemReconciliationConflict,
	OperatorItemRefundFailed,
	OperatorItemEscrowReleaseFailed,
}

func (k OperatorItemKind) IsValid() bool {
	for _, candidate := range validOperatorItemKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParseOperatorItemKind(value string) (OperatorItemKind, error) {
	for _, candidate := range validOperatorItemKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid operator item kind %q", value)
}

type OperatorItemStatus string

const (
	OperatorItemOpen     OperatorItemStatus = "open"
	OperatorItemResolved OperatorItemStatus = "resolved"
)

func ParseOperatorItemStatus(value string) (OperatorItemStatus, error) {
	switch OperatorItemStatus(value) {
	case OperatorItemOpen, OperatorItemResolved:
		return OperatorItemStatus(value), nil
	}
	return "", fmt.Errorf("invalid operator item status %q", value)
}
