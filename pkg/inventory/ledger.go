package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// newLedgerEntry builds a signed ledger entry; total cost follows the sign of quantity
// 符号付きの台帳エントリを作成
func newLedgerEntry(itemID string, batchID *string, txType TransactionType, quantity, unitCost decimal.Decimal, reference, notes, actorID string, at time.Time) *LedgerEntry {
	return &LedgerEntry{
		ID:        NewID(),
		ItemID:    itemID,
		BatchID:   batchID,
		Type:      txType,
		Quantity:  quantity,
		UnitCost:  unitCost,
		TotalCost: quantity.Mul(unitCost),
		Reference: reference,
		Notes:     notes,
		CreatedBy: actorID,
		CreatedAt: at,
	}
}

// ReplayOnHand sums the signed quantities of a ledger
// 台帳の数量を合計して在庫を再現
func ReplayOnHand(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Quantity)
	}
	return total
}

// ReplayValue sums the signed total cost of a ledger
func ReplayValue(entries []LedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.TotalCost)
	}
	return total
}

func strPtr(s string) *string { return &s }
