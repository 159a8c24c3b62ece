package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/fundtrace/internal/models"
)

func TestReconcileReplaysFallbackSchemes(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	// Build up fallback-only state during an outage.
	chain.setDown(true)
	resA, err := mirror.RegisterScheme(ctx, "Outage Scheme A", decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	resB, err := mirror.RegisterScheme(ctx, "Outage Scheme B", decimal.NewFromInt(500), "")
	require.NoError(t, err)

	_, err = mirror.ApplyFundUsage(ctx, resA.SchemeID, decimal.NewFromInt(300), "agency", "first tranche")
	require.NoError(t, err)
	_, err = mirror.ApplyFundUsage(ctx, resA.SchemeID, decimal.NewFromInt(200), "agency", "second tranche")
	require.NoError(t, err)

	chain.setDown(false)
	rec := NewReconciler(chain, store, nil, testLogger())
	result, err := rec.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.SchemesReplayed)
	assert.Equal(t, 2, result.SettlementsReplayed)
	assert.Empty(t, result.Diverged)

	// The chain now holds both schemes with the same ids and balances.
	count, err := chain.SchemeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	snapA, err := chain.GetScheme(ctx, resA.SchemeID)
	require.NoError(t, err)
	assert.Equal(t, "Outage Scheme A", snapA.Name)
	assert.Equal(t, int64(500), snapA.UsedFunds.Int64())

	for _, id := range []int64{resA.SchemeID, resB.SchemeID} {
		sc, err := store.GetScheme(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncReconciled, sc.SyncState)

		pending, err := store.ListFallbackSettlements(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, pending, "scheme %d still has unreconciled settlements", id)
	}
}

func TestReconcileReplaysSettlementsOfLedgerScheme(t *testing.T) {
	// A scheme registered on chain, then used during an outage: only
	// the fallback settlement needs replay.
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Flaky Uplink", decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	chain.setDown(true)
	usage, err := mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(400), "agency", "p")
	require.NoError(t, err)

	chain.setDown(false)
	rec := NewReconciler(chain, store, nil, testLogger())
	result, err := rec.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SchemesReplayed)
	assert.Equal(t, 1, result.SettlementsReplayed)

	snap, err := chain.GetScheme(ctx, res.SchemeID)
	require.NoError(t, err)
	assert.Equal(t, int64(400), snap.UsedFunds.Int64())

	// The settlement keeps its synthesized id but carries the replay
	// transaction hash.
	store.mu.Lock()
	st := store.settlements[usage.SettlementID.Value]
	store.mu.Unlock()
	require.NotNil(t, st)
	require.NotNil(t, st.ReconciledTxHash)
	assert.NotEmpty(t, *st.ReconciledTxHash)
	assert.Equal(t, models.SourceFallback, st.Source)
}

func TestReconcileStopsOnDivergedSchemeID(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	chain.setDown(true)
	resA, err := mirror.RegisterScheme(ctx, "Fallback First", decimal.NewFromInt(100), "")
	require.NoError(t, err)
	resB, err := mirror.RegisterScheme(ctx, "Fallback Second", decimal.NewFromInt(100), "")
	require.NoError(t, err)

	// Someone else registers on chain while we were down, taking id 1.
	chain.setDown(false)
	_, err = chain.AddScheme(ctx, "Interloper", decimalToUnits(t, 50))
	require.NoError(t, err)

	rec := NewReconciler(chain, store, nil, testLogger())
	result, err := rec.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{resA.SchemeID}, result.Diverged)
	assert.Equal(t, 0, result.SchemesReplayed)

	// Nothing was rewritten and the fallback schemes stay unreconciled.
	for _, id := range []int64{resA.SchemeID, resB.SchemeID} {
		sc, err := store.GetScheme(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncFallbackOnly, sc.SyncState)
	}
}

func TestReconcileResumesAfterCrashWindow(t *testing.T) {
	// The scheme already landed on chain under its expected id but the
	// sync state was never flipped. Reconciliation must not register a
	// duplicate.
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	chain.setDown(true)
	res, err := mirror.RegisterScheme(ctx, "Replayed Once", decimal.NewFromInt(100), "")
	require.NoError(t, err)

	chain.setDown(false)
	_, err = chain.AddScheme(ctx, "Replayed Once", decimalToUnits(t, 100))
	require.NoError(t, err)

	rec := NewReconciler(chain, store, nil, testLogger())
	result, err := rec.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SchemesReplayed)
	assert.Empty(t, result.Diverged)

	count, err := chain.SchemeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sc, err := store.GetScheme(ctx, res.SchemeID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncReconciled, sc.SyncState)
}

func TestReconcileRequiresLedger(t *testing.T) {
	store := newFakeStore()
	rec := NewReconciler(nil, store, nil, testLogger())
	_, err := rec.ReconcileAll(context.Background())
	assert.Error(t, err)
}

func decimalToUnits(t *testing.T, v int64) *big.Int {
	t.Helper()
	return ledgerUnits(decimal.NewFromInt(v))
}
