package enums

import "fmt"

// EscrowStatus tracks funds held between payment completion and settlement.
type EscrowStatus string

const (
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
	EscrowStatusRefunded EscrowStatus = "refunded"
	EscrowStatusDisputed EscrowStatus = "disputed"
)

var validEscrowStatuses = []EscrowStatus{
	EscrowStatusHeld,
	EscrowStatusReleased,
	EscrowStatusRefunded,
	EscrowStatusDisputed,
}

func (s EscrowStatus) String() string {
	return string(s)
}

func (s EscrowStatus) IsValid() bool {
	for _, candidate := range validEscrowStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the escrow has been settled either way.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded
}

func ParseEscrowStatus(value string) (EscrowStatus, error) {
	for _, candidate := range validEscrowStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid escrow status %q", value)
}

// DisputeWinner names the party a resolved dispute favours.
type DisputeWinner string

const (
	DisputeWinnerBuyer  DisputeWinner = "buyer"
	DisputeWinnerSeller DisputeWinner = "seller"
)

func (w DisputeWinner) IsValid() bool {
	return w == DisputeWinnerBuyer || w == DisputeWinnerSeller
}

func ParseDisputeWinner(value string) (DisputeWinner, error) {
	w := DisputeWinner(value)
	if !w.IsValid() {
		return "", fmt.Errorf("invalid dispute winner %q", value)
	}
	return w, nil
}
