package enums

// SettlementStatus tracks the payout of one recipient's share of an escrow.
type SettlementStatus string

const (
	SettlementStatusPending     SettlementStatus = "pending"
	SettlementStatusTransferred SettlementStatus = "transferred"
)

func (s SettlementStatus) IsValid() bool {
	return s == SettlementStatusPending || s == SettlementStatusTransferred
}
