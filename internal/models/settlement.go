package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SettlementSource tags a settlement id with the store that produced
// it, so consumers (block-explorer links, reconciliation) can branch
// without guessing from the string shape.
type SettlementSource string

const (
	// SourceLedger marks a real on-chain transaction hash.
	SourceLedger SettlementSource = "ledger"
	// SourceFallback marks a synthesized identifier minted because the
	// ledger was unavailable.
	SourceFallback SettlementSource = "fallback"
)

// SettlementID is the tagged settlement identifier.
type SettlementID struct {
	Value  string           `json:"value"`
	Source SettlementSource `json:"source"`
}

// OnChain reports whether the id refers to a confirmed ledger
// transaction.
func (id SettlementID) OnChain() bool { return id.Source == SourceLedger }

// LedgerID wraps a confirmed transaction hash.
func LedgerID(hash string) SettlementID {
	return SettlementID{Value: hash, Source: SourceLedger}
}

// FallbackID wraps a synthesized identifier.
func FallbackID(id string) SettlementID {
	return SettlementID{Value: id, Source: SourceFallback}
}

// SourceOf infers the source from an identifier's shape. Synthesized
// ids carry a "db_" prefix that can never collide with a 0x hash.
func SourceOf(id string) SettlementSource {
	if strings.HasPrefix(id, "db_") {
		return SourceFallback
	}
	return SourceLedger
}

// Settlement is the append-only record of a single fund-usage event.
// The settlement id is the sole deduplication key: the same settlement
// is never double-applied to a scheme's usedFunds.
type Settlement struct {
	SettlementID     string           `json:"settlementId" db:"settlement_id"`
	Source           SettlementSource `json:"source" db:"source"`
	SchemeID         int64            `json:"schemeId" db:"scheme_id"`
	Amount           decimal.Decimal  `json:"amount" db:"amount"`
	Purpose          string           `json:"purpose" db:"purpose"`
	Executor         string           `json:"executor" db:"executor"`
	ReconciledTxHash *string          `json:"reconciledTxHash,omitempty" db:"reconciled_tx_hash"`
	RecordedAt       time.Time        `json:"recordedAt" db:"recorded_at"`
}

// SettlementFilter narrows settlement list queries.
type SettlementFilter struct {
	SchemeID  *int64
	FromDate  *time.Time
	ToDate    *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Search    string
	Limit     int
}
