package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/pkg/messaging"
)

// Store is the fallback-store surface consumed by the Mirror and the
// Reconciler.
type Store interface {
	// GetScheme returns (nil, nil) when the scheme is absent.
	GetScheme(ctx context.Context, schemeID int64) (*models.Scheme, error)

	// MaxSchemeID returns 0 when no schemes exist.
	MaxSchemeID(ctx context.Context) (int64, error)

	// UpsertScheme inserts the scheme or, when a record with the same
	// schemeId exists, updates name/totalFunds/eligibility/syncState.
	UpsertScheme(ctx context.Context, s *models.Scheme) error

	SetSyncState(ctx context.Context, schemeID int64, state models.SyncState) error

	// RecordSettlement transactionally inserts the settlement
	// (deduplicated on settlement id) and, when applyIncrement is set
	// and a row was actually inserted, applies the conditional
	// usedFunds increment in the same transaction. It returns false
	// when the settlement id already existed; the increment is never
	// re-applied for a duplicate. The increment is rejected with an
	// InsufficientFundsError when it would exceed totalFunds, and with
	// ErrSchemeNotFound when the scheme row is missing.
	RecordSettlement(ctx context.Context, s *models.Settlement, applyIncrement bool) (inserted bool, err error)

	// ListFallbackSettlements returns fallback-source settlements for
	// a scheme that have not been replayed on chain, oldest first.
	ListFallbackSettlements(ctx context.Context, schemeID int64) ([]models.Settlement, error)

	// ListSchemesBySyncState returns schemes in ascending schemeId
	// order.
	ListSchemesBySyncState(ctx context.Context, state models.SyncState) ([]models.Scheme, error)

	MarkSettlementReconciled(ctx context.Context, settlementID, txHash string) error
}

// Mirror commits scheme-mutating operations to the ledger first and
// falls back to the store when the ledger path is unavailable. Ledger
// unavailability is never fatal while the fallback store is reachable;
// both stores failing is.
type Mirror struct {
	chain  Client // nil in fallback-only mode
	store  Store
	events *messaging.Publisher
	log    *logrus.Logger
}

// NewMirror builds a Mirror. chain may be nil when no ledger is
// configured.
func NewMirror(chain Client, store Store, events *messaging.Publisher, log *logrus.Logger) *Mirror {
	return &Mirror{chain: chain, store: store, events: events, log: log}
}

// RegisterResult reports where a scheme registration landed.
type RegisterResult struct {
	SchemeID int64  `json:"schemeId"`
	TxHash   string `json:"ledgerTxHash,omitempty"`
	OnLedger bool   `json:"onLedger"`
	Warning  string `json:"warning,omitempty"`
}

// UsageResult reports where a fund-usage settlement landed.
type UsageResult struct {
	SettlementID      models.SettlementID `json:"settlementId"`
	AppliedToLedger   bool                `json:"appliedToLedger"`
	AppliedToFallback bool                `json:"appliedToFallback"`
}

// RegisterScheme attempts on-chain registration and mirrors the result
// into the fallback store; when the ledger path fails it assigns the
// next fallback scheme id instead and reports a warning.
func (m *Mirror) RegisterScheme(ctx context.Context, name string, totalFunds decimal.Decimal, eligibility string) (*RegisterResult, error) {
	if name == "" {
		return nil, apperr.Validationf("scheme name is required")
	}
	if !totalFunds.IsPositive() {
		return nil, apperr.Validationf("totalFunds must be positive, got %s", totalFunds.String())
	}

	var ledgerErr error
	if m.chain != nil {
		result, err := m.registerOnLedger(ctx, name, totalFunds, eligibility)
		if err == nil {
			m.publishSchemeEvent(ctx, messaging.EventSchemeRegistered, result, name, totalFunds)
			return result, nil
		}
		ledgerErr = err
		m.log.WithError(err).WithField("scheme", name).Warn("ledger registration failed, falling back to store")
	}

	result, err := m.registerOnFallback(ctx, name, totalFunds, eligibility, ledgerErr)
	if err != nil {
		return nil, err
	}
	m.publishSchemeEvent(ctx, messaging.EventSchemeRegistered, result, name, totalFunds)
	return result, nil
}

func (m *Mirror) registerOnLedger(ctx context.Context, name string, totalFunds decimal.Decimal, eligibility string) (*RegisterResult, error) {
	txHash, err := m.chain.AddScheme(ctx, name, ledgerUnits(totalFunds))
	if err != nil {
		return nil, err
	}
	if txHash == "" {
		return nil, fmt.Errorf("addScheme returned empty transaction hash")
	}

	// The contract increments schemeCount before assigning it as the
	// new id, so the post-write counter value is the scheme id.
	schemeID, err := m.chain.SchemeCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading scheme counter after registration: %w", err)
	}

	result := &RegisterResult{SchemeID: schemeID, TxHash: txHash, OnLedger: true}

	now := time.Now()
	scheme := &models.Scheme{
		SchemeID:            schemeID,
		Name:                name,
		TotalFunds:          totalFunds,
		UsedFunds:           decimal.Zero,
		EligibilityCriteria: eligibility,
		SyncState:           models.SyncLedgerAuthoritative,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.UpsertScheme(ctx, scheme); err != nil {
		// The ledger write is committed; the operation succeeded even
		// though the mirror copy is stale.
		m.log.WithError(err).WithField("scheme_id", schemeID).Error("failed to mirror scheme into fallback store")
		result.Warning = "scheme registered on ledger but the fallback store was not updated"
	}

	m.log.WithFields(logrus.Fields{
		"scheme_id": schemeID,
		"tx_hash":   txHash,
	}).Info("scheme registered on ledger")

	return result, nil
}

func (m *Mirror) registerOnFallback(ctx context.Context, name string, totalFunds decimal.Decimal, eligibility string, ledgerErr error) (*RegisterResult, error) {
	maxID, err := m.store.MaxSchemeID(ctx)
	if err != nil {
		if ledgerErr != nil {
			return nil, fmt.Errorf("%w: ledger: %v, store: %v", apperr.ErrStoreUnavailable, ledgerErr, err)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
	}

	schemeID := maxID + 1
	now := time.Now()
	scheme := &models.Scheme{
		SchemeID:            schemeID,
		Name:                name,
		TotalFunds:          totalFunds,
		UsedFunds:           decimal.Zero,
		EligibilityCriteria: eligibility,
		SyncState:           models.SyncFallbackOnly,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.store.UpsertScheme(ctx, scheme); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, err)
	}

	m.log.WithFields(logrus.Fields{
		"scheme_id": schemeID,
		"scheme":    name,
	}).Info("scheme registered on fallback store only")

	return &RegisterResult{
		SchemeID: schemeID,
		Warning:  "ledger unavailable; scheme recorded in fallback store only",
	}, nil
}

// ApplyFundUsage settles a fund usage against a scheme. The ledger is
// attempted first; on failure the settlement is synthesized against
// the fallback store. Business rules (unknown scheme, insufficient
// funds) are checked against the fallback view and are fatal on either
// path.
func (m *Mirror) ApplyFundUsage(ctx context.Context, schemeID int64, amount decimal.Decimal, executor, purpose string) (*UsageResult, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validationf("amount must be positive, got %s", amount.String())
	}
	if executor == "" {
		return nil, apperr.Validationf("executor is required")
	}
	if purpose == "" {
		purpose = "Fund usage"
	}

	// Pre-validate against the fallback view when it is reachable: the
	// ledger's own business-rule enforcement is opaque to us.
	fbScheme, storeErr := m.store.GetScheme(ctx, schemeID)
	storeOK := storeErr == nil
	if storeOK && fbScheme != nil {
		if remaining := fbScheme.RemainingFunds(); amount.GreaterThan(remaining) {
			return nil, &apperr.InsufficientFundsError{
				SchemeID:  schemeID,
				Available: remaining,
				Requested: amount,
			}
		}
	}

	var (
		txHash    string
		ledgerOK  bool
		ledgerErr error
	)
	if m.chain != nil {
		txHash, ledgerErr = m.chain.UseFund(ctx, schemeID, ledgerUnits(amount))
		if ledgerErr == nil && txHash != "" {
			ledgerOK = true
		} else if ledgerErr == nil {
			ledgerErr = fmt.Errorf("useFund returned empty transaction hash")
		}
		if !ledgerOK {
			m.log.WithError(ledgerErr).WithFields(logrus.Fields{
				"scheme_id": schemeID,
				"amount":    amount.String(),
			}).Warn("ledger fund usage failed, falling back to store")
		}
	}

	var settlementID models.SettlementID
	if ledgerOK {
		settlementID = models.LedgerID(txHash)
	} else {
		if !storeOK {
			if ledgerErr != nil {
				return nil, fmt.Errorf("%w: ledger: %v, store: %v", apperr.ErrStoreUnavailable, ledgerErr, storeErr)
			}
			return nil, fmt.Errorf("%w: %v", apperr.ErrStoreUnavailable, storeErr)
		}
		if fbScheme == nil {
			return nil, fmt.Errorf("%w: scheme %d", apperr.ErrSchemeNotFound, schemeID)
		}
		settlementID = models.FallbackID(SynthesizeSettlementID())
	}

	settlement := &models.Settlement{
		SettlementID: settlementID.Value,
		Source:       settlementID.Source,
		SchemeID:     schemeID,
		Amount:       amount,
		Purpose:      purpose,
		Executor:     executor,
		RecordedAt:   time.Now(),
	}

	result := &UsageResult{SettlementID: settlementID, AppliedToLedger: ledgerOK}

	if !storeOK {
		// Ledger committed but the store is down: succeed with the
		// on-chain hash alone.
		m.log.WithError(storeErr).WithField("scheme_id", schemeID).Error("fallback store unreachable; settlement recorded on ledger only")
		return result, nil
	}

	if err := m.persistSettlement(ctx, settlement, fbScheme, ledgerOK); err != nil {
		return nil, err
	}
	result.AppliedToFallback = true

	if !ledgerOK {
		if err := m.store.SetSyncState(ctx, schemeID, models.SyncFallbackOnly); err != nil {
			m.log.WithError(err).WithField("scheme_id", schemeID).Warn("failed to update sync state")
		}
	}

	m.log.WithFields(logrus.Fields{
		"scheme_id":     schemeID,
		"amount":        amount.String(),
		"settlement_id": settlementID.Value,
		"source":        settlementID.Source,
	}).Info("fund usage settled")

	m.events.Publish(ctx, messaging.EventSettlementRecorded, messaging.SettlementEvent{
		SettlementID: settlement.SettlementID,
		Source:       string(settlement.Source),
		SchemeID:     settlement.SchemeID,
		Amount:       settlement.Amount.String(),
		Executor:     settlement.Executor,
		Purpose:      settlement.Purpose,
		Timestamp:    settlement.RecordedAt,
	})

	return result, nil
}

// persistSettlement writes the settlement into the fallback store.
// When the scheme row is missing but the on-chain call succeeded, the
// store is caught up opportunistically from the chain snapshot (which
// already reflects the increment, so none is applied locally).
func (m *Mirror) persistSettlement(ctx context.Context, s *models.Settlement, fbScheme *models.Scheme, ledgerOK bool) error {
	if fbScheme == nil && ledgerOK {
		if err := m.catchUpFromChain(ctx, s.SchemeID); err != nil {
			m.log.WithError(err).WithField("scheme_id", s.SchemeID).Warn("could not catch up fallback scheme from chain")
			return nil
		}
		if _, err := m.store.RecordSettlement(ctx, s, false); err != nil {
			m.log.WithError(err).WithField("settlement_id", s.SettlementID).Warn("failed to record settlement after catch-up")
		}
		return nil
	}

	inserted, err := m.store.RecordSettlement(ctx, s, true)
	if err != nil {
		if apperr.IsInsufficientFunds(err) && ledgerOK {
			// The stores diverged: the contract accepted the usage the
			// fallback view cannot absorb. Refresh from the chain
			// snapshot and keep the settlement without an increment.
			m.log.WithField("scheme_id", s.SchemeID).Warn("fallback balance diverged from ledger; refreshing from chain snapshot")
			if cerr := m.catchUpFromChain(ctx, s.SchemeID); cerr != nil {
				m.log.WithError(cerr).WithField("scheme_id", s.SchemeID).Warn("chain refresh failed")
				return nil
			}
			_, rerr := m.store.RecordSettlement(ctx, s, false)
			if rerr != nil {
				m.log.WithError(rerr).WithField("settlement_id", s.SettlementID).Warn("failed to record settlement after refresh")
			}
			return nil
		}
		if ledgerOK {
			// Ledger already committed; a store-side failure demotes
			// to a warning rather than failing the operation.
			m.log.WithError(err).WithField("settlement_id", s.SettlementID).Error("failed to mirror settlement into fallback store")
			return nil
		}
		return err
	}

	if !inserted {
		m.log.WithField("settlement_id", s.SettlementID).Info("settlement already recorded, skipping duplicate")
	}
	return nil
}

func (m *Mirror) catchUpFromChain(ctx context.Context, schemeID int64) error {
	snapshot, err := m.chain.GetScheme(ctx, schemeID)
	if err != nil {
		return err
	}
	now := time.Now()
	return m.store.UpsertScheme(ctx, &models.Scheme{
		SchemeID:            schemeID,
		Name:                snapshot.Name,
		TotalFunds:          fromLedgerUnits(snapshot.TotalFunds),
		UsedFunds:           fromLedgerUnits(snapshot.UsedFunds),
		SyncState:           models.SyncLedgerAuthoritative,
		CreatedAt:           now,
		UpdatedAt:           now,
	})
}

func (m *Mirror) publishSchemeEvent(ctx context.Context, subject string, r *RegisterResult, name string, total decimal.Decimal) {
	m.events.Publish(ctx, subject, messaging.SchemeEvent{
		SchemeID:   r.SchemeID,
		Name:       name,
		TotalFunds: total.String(),
		TxHash:     r.TxHash,
		OnLedger:   r.OnLedger,
		Timestamp:  time.Now(),
	})
}

const settlementAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// SynthesizeSettlementID mints a fallback settlement identifier. The
// db_ prefix can never collide with a 0x-prefixed ledger hash.
func SynthesizeSettlementID() string {
	suffix := make([]byte, 7)
	for i := range suffix {
		suffix[i] = settlementAlphabet[rand.Intn(len(settlementAlphabet))]
	}
	return fmt.Sprintf("db_%d_%s", time.Now().UnixMilli(), suffix)
}
