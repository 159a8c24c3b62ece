package messaging

import (
	"time"
)

// Event subjects published by the service.
const (
	EventSchemeRegistered   = "scheme.registered"
	EventSchemeReconciled   = "scheme.reconciled"
	EventSettlementRecorded = "settlement.recorded"

	EventRequestSubmitted = "utilization.submitted"
	EventRequestApproved  = "utilization.approved"
	EventRequestRejected  = "utilization.rejected"
	EventRequestCompleted = "utilization.completed"

	EventGrievanceSubmitted = "grievance.submitted"
	EventGrievanceUpdated   = "grievance.updated"
)

// SchemeEvent describes a scheme registration or reconciliation.
type SchemeEvent struct {
	SchemeID   int64     `json:"scheme_id"`
	Name       string    `json:"name"`
	TotalFunds string    `json:"total_funds"`
	TxHash     string    `json:"tx_hash,omitempty"`
	OnLedger   bool      `json:"on_ledger"`
	Timestamp  time.Time `json:"timestamp"`
}

// SettlementEvent describes a recorded fund-usage settlement.
type SettlementEvent struct {
	SettlementID string    `json:"settlement_id"`
	Source       string    `json:"source"`
	SchemeID     int64     `json:"scheme_id"`
	Amount       string    `json:"amount"`
	Executor     string    `json:"executor"`
	Purpose      string    `json:"purpose"`
	Timestamp    time.Time `json:"timestamp"`
}

// RequestEvent describes a utilization-request lifecycle change.
type RequestEvent struct {
	RequestID string    `json:"request_id"`
	SchemeID  int64     `json:"scheme_id"`
	Agency    string    `json:"agency"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// GrievanceEvent describes a grievance submission or review update.
type GrievanceEvent struct {
	GrievanceID string    `json:"grievance_id"`
	Category    string    `json:"category"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}
