package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncState records which backing store currently holds ground truth for
// a scheme.
type SyncState string

const (
	// SyncLedgerAuthoritative means the scheme was last written through
	// the ledger; the fallback store mirrors it.
	SyncLedgerAuthoritative SyncState = "ledger_authoritative"
	// SyncFallbackOnly means the scheme exists only in the fallback
	// store and has never been replayed onto the ledger.
	SyncFallbackOnly SyncState = "fallback_only"
	// SyncReconciled means a fallback-only scheme was later replayed
	// onto the ledger.
	SyncReconciled SyncState = "reconciled"
)

// Scheme represents a government fund scheme. The schemeId is assigned
// once (by the ledger counter or by the fallback store) and never
// changes; usedFunds is mutated only by fund-usage settlement.
type Scheme struct {
	SchemeID            int64           `json:"schemeId" db:"scheme_id"`
	Name                string          `json:"name" db:"name"`
	TotalFunds          decimal.Decimal `json:"totalFunds" db:"total_funds"`
	UsedFunds           decimal.Decimal `json:"usedFunds" db:"used_funds"`
	EligibilityCriteria string          `json:"eligibilityCriteria" db:"eligibility_criteria"`
	SyncState           SyncState       `json:"syncState" db:"sync_state"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time       `json:"updatedAt" db:"updated_at"`
}

// RemainingFunds returns the balance still available for settlement.
func (s *Scheme) RemainingFunds() decimal.Decimal {
	return s.TotalFunds.Sub(s.UsedFunds)
}

// UtilizationPercent returns usedFunds as a percentage of totalFunds,
// rounded to two places. Zero-budget schemes report zero.
func (s *Scheme) UtilizationPercent() decimal.Decimal {
	if s.TotalFunds.IsZero() {
		return decimal.Zero
	}
	return s.UsedFunds.Div(s.TotalFunds).Mul(decimal.NewFromInt(100)).Round(2)
}
