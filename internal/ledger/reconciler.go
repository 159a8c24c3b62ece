package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/civicstack/fundtrace/internal/models"
	"github.com/civicstack/fundtrace/pkg/messaging"
)

// Reconciler replays fallback-only state onto the ledger once it comes
// back. Schemes are replayed in ascending id order because the
// contract assigns ids by counter; an id the chain assigns differently
// means the two stores diverged while the ledger was down, and the
// run stops there rather than rewriting history.
type Reconciler struct {
	chain  Client
	store  Store
	events *messaging.Publisher
	log    *logrus.Logger
}

func NewReconciler(chain Client, store Store, events *messaging.Publisher, log *logrus.Logger) *Reconciler {
	return &Reconciler{chain: chain, store: store, events: events, log: log}
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	SchemesReplayed     int     `json:"schemesReplayed"`
	SettlementsReplayed int     `json:"settlementsReplayed"`
	Diverged            []int64 `json:"diverged,omitempty"`
}

// Run reconciles on a fixed interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileAll(ctx); err != nil {
				r.log.WithError(err).Warn("reconciliation pass failed")
			}
		}
	}
}

// ReconcileAll replays every fallback-only scheme and its fallback
// settlements onto the ledger. Partial progress is kept: each fully
// replayed scheme is marked reconciled before the next is attempted.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*ReconcileResult, error) {
	if r.chain == nil {
		return nil, fmt.Errorf("no ledger configured")
	}

	schemes, err := r.store.ListSchemesBySyncState(ctx, models.SyncFallbackOnly)
	if err != nil {
		return nil, fmt.Errorf("listing fallback-only schemes: %w", err)
	}

	result := &ReconcileResult{}
	for i := range schemes {
		scheme := &schemes[i]
		diverged, err := r.reconcileScheme(ctx, scheme, result)
		if err != nil {
			return result, fmt.Errorf("reconciling scheme %d: %w", scheme.SchemeID, err)
		}
		if diverged {
			result.Diverged = append(result.Diverged, scheme.SchemeID)
			r.log.WithField("scheme_id", scheme.SchemeID).Error("scheme id diverged from ledger counter, stopping reconciliation")
			return result, nil
		}
	}
	return result, nil
}

func (r *Reconciler) reconcileScheme(ctx context.Context, scheme *models.Scheme, result *ReconcileResult) (diverged bool, err error) {
	onChain, diverged, err := r.schemeOnChain(ctx, scheme)
	if err != nil || diverged {
		return diverged, err
	}

	if !onChain {
		txHash, err := r.chain.AddScheme(ctx, scheme.Name, ledgerUnits(scheme.TotalFunds))
		if err != nil {
			return false, fmt.Errorf("replaying registration: %w", err)
		}
		assignedID, err := r.chain.SchemeCount(ctx)
		if err != nil {
			return false, fmt.Errorf("reading scheme counter: %w", err)
		}
		if assignedID != scheme.SchemeID {
			return true, nil
		}
		result.SchemesReplayed++
		r.log.WithFields(logrus.Fields{
			"scheme_id": scheme.SchemeID,
			"tx_hash":   txHash,
		}).Info("scheme replayed onto ledger")
	}

	settlements, err := r.store.ListFallbackSettlements(ctx, scheme.SchemeID)
	if err != nil {
		return false, fmt.Errorf("listing fallback settlements: %w", err)
	}
	for i := range settlements {
		s := &settlements[i]
		txHash, err := r.chain.UseFund(ctx, s.SchemeID, ledgerUnits(s.Amount))
		if err != nil {
			return false, fmt.Errorf("replaying settlement %s: %w", s.SettlementID, err)
		}
		if err := r.store.MarkSettlementReconciled(ctx, s.SettlementID, txHash); err != nil {
			return false, fmt.Errorf("marking settlement %s reconciled: %w", s.SettlementID, err)
		}
		result.SettlementsReplayed++
	}

	if err := r.store.SetSyncState(ctx, scheme.SchemeID, models.SyncReconciled); err != nil {
		return false, fmt.Errorf("marking scheme reconciled: %w", err)
	}

	r.events.Publish(ctx, messaging.EventSchemeReconciled, messaging.SchemeEvent{
		SchemeID:   scheme.SchemeID,
		Name:       scheme.Name,
		TotalFunds: scheme.TotalFunds.String(),
		OnLedger:   true,
		Timestamp:  time.Now(),
	})
	return false, nil
}

// schemeOnChain reports whether the scheme id already exists on the
// contract, covering the crash window between a replayed addScheme and
// the sync-state update. An id that exists on chain under a different
// name belongs to some other scheme and is reported as divergence.
func (r *Reconciler) schemeOnChain(ctx context.Context, scheme *models.Scheme) (onChain, diverged bool, err error) {
	count, err := r.chain.SchemeCount(ctx)
	if err != nil {
		return false, false, fmt.Errorf("reading scheme counter: %w", err)
	}
	if scheme.SchemeID > count {
		return false, false, nil
	}
	snapshot, err := r.chain.GetScheme(ctx, scheme.SchemeID)
	if err != nil {
		return false, false, fmt.Errorf("reading scheme snapshot: %w", err)
	}
	if snapshot.Name != scheme.Name {
		return false, true, nil
	}
	return true, false, nil
}
