package escrow

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/escrowpay-backend/pkg/db/models"
	"github.com/angelmondragon/escrowpay-backend/pkg/enums"
)

// planSettlements derives one row per split recipient, or a single row for
// the payee. A payment with neither settles to the platform with no rows.
func planSettlements(escrowID uuid.UUID, payment *models.Payment) []models.EscrowSettlement {
	var rows []models.EscrowSettlement
	add := func(recipient string, amount int64) {
		rows = append(rows, models.EscrowSettlement{
			ID:          uuid.New(),
			EscrowID:    escrowID,
			RecipientID: recipient,
			Amount:      amount,
			Status:      enums.SettlementStatusPending,
		})
	}
	switch {
	case len(payment.Splits) > 0:
		for _, split := range payment.Splits {
			add(split.RecipientID, split.Amount)
		}
	case payment.PayeeAccountID != nil && *payment.PayeeAccountID != "":
		add(*payment.PayeeAccountID, payment.Amount)
	}
	return rows
}

// shrinkPending scales pending rows so that, together with what was already
// transferred, release never pays out more than remaining. The last pending
// row absorbs rounding. Rows are modified in place; the changed ones are returned.
func shrinkPending(rows []models.EscrowSettlement, remaining int64) []models.EscrowSettlement {
	var transferred, pending int64
	var pendingIdx []int
	for i, row := range rows {
		if row.Status == enums.SettlementStatusTransferred {
			transferred += row.Amount
			continue
		}
		pending += row.Amount
		pendingIdx = append(pendingIdx, i)
	}
	target := remaining - transferred
	if target < 0 {
		target = 0
	}
	if pending <= target || pending == 0 {
		return nil
	}

	var changed []models.EscrowSettlement
	var assigned int64
	for n, i := range pendingIdx {
		amount := prorate(rows[i].Amount, target, pending)
		if n == len(pendingIdx)-1 {
			amount = target - assigned
		}
		assigned += amount
		if amount != rows[i].Amount {
			rows[i].Amount = amount
			changed = append(changed, rows[i])
		}
	}
	return changed
}

// prorate returns floor(amount*target/total). The product is taken in decimal
// since gwei amounts overflow int64 when multiplied.
func prorate(amount, target, total int64) int64 {
	quo, _ := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(target)).
		QuoRem(decimal.NewFromInt(total), 0)
	return quo.IntPart()
}
