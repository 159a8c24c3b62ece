package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fakeChain is an in-memory FundTracker contract that can be taken
// down to simulate ledger outages.
type fakeChain struct {
	mu      sync.Mutex
	down    bool
	schemes []*SchemeSnapshot
	txSeq   int
	// fixedHash, when set, is returned for every transaction instead
	// of a fresh one.
	fixedHash string
}

func (c *fakeChain) nextHash() string {
	if c.fixedHash != "" {
		return c.fixedHash
	}
	c.txSeq++
	return fmt.Sprintf("0x%064x", c.txSeq)
}

func (c *fakeChain) AddScheme(_ context.Context, name string, totalFunds *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	}
	c.schemes = append(c.schemes, &SchemeSnapshot{
		ID:         int64(len(c.schemes) + 1),
		Name:       name,
		TotalFunds: new(big.Int).Set(totalFunds),
		UsedFunds:  big.NewInt(0),
	})
	return c.nextHash(), nil
}

func (c *fakeChain) UseFund(_ context.Context, schemeID int64, amount *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	}
	if schemeID < 1 || schemeID > int64(len(c.schemes)) {
		return "", errors.New("execution reverted: Scheme does not exist")
	}
	s := c.schemes[schemeID-1]
	used := new(big.Int).Add(s.UsedFunds, amount)
	if used.Cmp(s.TotalFunds) > 0 {
		return "", errors.New("execution reverted: Insufficient funds")
	}
	s.UsedFunds = used
	return c.nextHash(), nil
}

func (c *fakeChain) GetScheme(_ context.Context, schemeID int64) (*SchemeSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, errors.New("connection refused")
	}
	if schemeID < 1 || schemeID > int64(len(c.schemes)) {
		return nil, errors.New("execution reverted: Scheme does not exist")
	}
	s := c.schemes[schemeID-1]
	return &SchemeSnapshot{
		ID:         s.ID,
		Name:       s.Name,
		TotalFunds: new(big.Int).Set(s.TotalFunds),
		UsedFunds:  new(big.Int).Set(s.UsedFunds),
	}, nil
}

func (c *fakeChain) SchemeCount(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return 0, errors.New("connection refused")
	}
	return int64(len(c.schemes)), nil
}

func (c *fakeChain) Close() {}

func (c *fakeChain) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

// fakeStore is an in-memory Store with the same dedup and conditional
// increment semantics as the SQL implementation.
type fakeStore struct {
	mu          sync.Mutex
	down        bool
	schemes     map[int64]*models.Scheme
	settlements map[string]*models.Settlement
	order       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schemes:     make(map[int64]*models.Scheme),
		settlements: make(map[string]*models.Settlement),
	}
}

var errStoreDown = errors.New("pq: the database system is shutting down")

func (s *fakeStore) GetScheme(_ context.Context, schemeID int64) (*models.Scheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errStoreDown
	}
	sc, ok := s.schemes[schemeID]
	if !ok {
		return nil, nil
	}
	cp := *sc
	return &cp, nil
}

func (s *fakeStore) MaxSchemeID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return 0, errStoreDown
	}
	var max int64
	for id := range s.schemes {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *fakeStore) UpsertScheme(_ context.Context, sc *models.Scheme) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	cp := *sc
	s.schemes[sc.SchemeID] = &cp
	return nil
}

func (s *fakeStore) SetSyncState(_ context.Context, schemeID int64, state models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	sc, ok := s.schemes[schemeID]
	if !ok {
		return apperr.ErrSchemeNotFound
	}
	sc.SyncState = state
	return nil
}

func (s *fakeStore) RecordSettlement(_ context.Context, st *models.Settlement, applyIncrement bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return false, errStoreDown
	}
	if _, exists := s.settlements[st.SettlementID]; exists {
		return false, nil
	}
	if applyIncrement {
		sc, ok := s.schemes[st.SchemeID]
		if !ok {
			return false, apperr.ErrSchemeNotFound
		}
		next := sc.UsedFunds.Add(st.Amount)
		if next.GreaterThan(sc.TotalFunds) {
			return false, &apperr.InsufficientFundsError{
				SchemeID:  st.SchemeID,
				Available: sc.TotalFunds.Sub(sc.UsedFunds),
				Requested: st.Amount,
			}
		}
		sc.UsedFunds = next
	}
	cp := *st
	s.settlements[st.SettlementID] = &cp
	s.order = append(s.order, st.SettlementID)
	return true, nil
}

func (s *fakeStore) ListFallbackSettlements(_ context.Context, schemeID int64) ([]models.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errStoreDown
	}
	var out []models.Settlement
	for _, id := range s.order {
		st := s.settlements[id]
		if st.SchemeID == schemeID && st.Source == models.SourceFallback && st.ReconciledTxHash == nil {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (s *fakeStore) ListSchemesBySyncState(_ context.Context, state models.SyncState) ([]models.Scheme, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, errStoreDown
	}
	var out []models.Scheme
	for _, sc := range s.schemes {
		if sc.SyncState == state {
			out = append(out, *sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SchemeID < out[j].SchemeID })
	return out, nil
}

func (s *fakeStore) MarkSettlementReconciled(_ context.Context, settlementID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errStoreDown
	}
	st, ok := s.settlements[settlementID]
	if !ok {
		return apperr.ErrNotFound
	}
	h := txHash
	st.ReconciledTxHash = &h
	return nil
}

func (s *fakeStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeStore) usedFunds(t *testing.T, schemeID int64) decimal.Decimal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schemes[schemeID]
	require.True(t, ok, "scheme %d not in store", schemeID)
	return sc.UsedFunds
}

func newTestMirror() (*Mirror, *fakeChain, *fakeStore) {
	chain := &fakeChain{}
	store := newFakeStore()
	return NewMirror(chain, store, nil, testLogger()), chain, store
}

func TestRegisterSchemeOnLedger(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Rural Health Mission", decimal.NewFromInt(1000), "rural districts")
	require.NoError(t, err)
	assert.True(t, res.OnLedger)
	assert.Equal(t, int64(1), res.SchemeID)
	assert.True(t, strings.HasPrefix(res.TxHash, "0x"))
	assert.Empty(t, res.Warning)

	count, err := chain.SchemeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	sc, err := store.GetScheme(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, models.SyncLedgerAuthoritative, sc.SyncState)
	assert.True(t, sc.UsedFunds.IsZero())
}

func TestRegisterSchemeValidation(t *testing.T) {
	mirror, _, _ := newTestMirror()
	ctx := context.Background()

	_, err := mirror.RegisterScheme(ctx, "", decimal.NewFromInt(100), "")
	assert.True(t, apperr.IsValidation(err))

	_, err = mirror.RegisterScheme(ctx, "No Budget", decimal.Zero, "")
	assert.True(t, apperr.IsValidation(err))

	_, err = mirror.RegisterScheme(ctx, "Negative", decimal.NewFromInt(-5), "")
	assert.True(t, apperr.IsValidation(err))
}

func TestRegisterSchemeFallsBackWhenLedgerDown(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()
	chain.setDown(true)

	res, err := mirror.RegisterScheme(ctx, "Clean Water", decimal.NewFromInt(500), "")
	require.NoError(t, err)
	assert.False(t, res.OnLedger)
	assert.Equal(t, int64(1), res.SchemeID)
	assert.Empty(t, res.TxHash)
	assert.NotEmpty(t, res.Warning)

	sc, err := store.GetScheme(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, models.SyncFallbackOnly, sc.SyncState)
}

func TestRegisterSchemeFallbackIDsAreMonotonic(t *testing.T) {
	mirror, chain, _ := newTestMirror()
	ctx := context.Background()

	// Two schemes land on the ledger, then it goes down.
	_, err := mirror.RegisterScheme(ctx, "Scheme A", decimal.NewFromInt(100), "")
	require.NoError(t, err)
	_, err = mirror.RegisterScheme(ctx, "Scheme B", decimal.NewFromInt(200), "")
	require.NoError(t, err)

	chain.setDown(true)
	resC, err := mirror.RegisterScheme(ctx, "Scheme C", decimal.NewFromInt(300), "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), resC.SchemeID)

	resD, err := mirror.RegisterScheme(ctx, "Scheme D", decimal.NewFromInt(400), "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), resD.SchemeID)
}

func TestRegisterSchemeBothStoresDown(t *testing.T) {
	mirror, chain, store := newTestMirror()
	chain.setDown(true)
	store.setDown(true)

	_, err := mirror.RegisterScheme(context.Background(), "Doomed", decimal.NewFromInt(10), "")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestApplyFundUsageOnLedger(t *testing.T) {
	mirror, _, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Highways", decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	usage, err := mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(400), "pwd-north", "road resurfacing")
	require.NoError(t, err)
	assert.True(t, usage.AppliedToLedger)
	assert.True(t, usage.AppliedToFallback)
	assert.True(t, usage.SettlementID.OnChain())
	assert.True(t, strings.HasPrefix(usage.SettlementID.Value, "0x"))

	assert.True(t, store.usedFunds(t, res.SchemeID).Equal(decimal.NewFromInt(400)))
}

func TestApplyFundUsageRejectsOverdraw(t *testing.T) {
	mirror, _, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Scholarships", decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	_, err = mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(400), "edu-dept", "q1 disbursal")
	require.NoError(t, err)

	// 400 used of 1000; 700 more must be rejected and leave nothing
	// behind.
	_, err = mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(700), "edu-dept", "q2 disbursal")
	require.Error(t, err)
	var insuff *apperr.InsufficientFundsError
	require.ErrorAs(t, err, &insuff)
	assert.True(t, insuff.Available.Equal(decimal.NewFromInt(600)))
	assert.True(t, insuff.Requested.Equal(decimal.NewFromInt(700)))

	assert.True(t, store.usedFunds(t, res.SchemeID).Equal(decimal.NewFromInt(400)))

	settlements, err := store.ListFallbackSettlements(ctx, res.SchemeID)
	require.NoError(t, err)
	assert.Empty(t, settlements, "rejected usage must not leave a fallback settlement")
}

func TestApplyFundUsageValidation(t *testing.T) {
	mirror, _, _ := newTestMirror()
	ctx := context.Background()

	_, err := mirror.ApplyFundUsage(ctx, 1, decimal.Zero, "agency", "p")
	assert.True(t, apperr.IsValidation(err))

	_, err = mirror.ApplyFundUsage(ctx, 1, decimal.NewFromInt(-10), "agency", "p")
	assert.True(t, apperr.IsValidation(err))

	_, err = mirror.ApplyFundUsage(ctx, 1, decimal.NewFromInt(10), "", "p")
	assert.True(t, apperr.IsValidation(err))
}

func TestApplyFundUsageUnknownScheme(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()
	chain.setDown(true)

	_, err := mirror.ApplyFundUsage(ctx, 99, decimal.NewFromInt(10), "agency", "p")
	assert.ErrorIs(t, err, apperr.ErrSchemeNotFound)

	settlements, lerr := store.ListFallbackSettlements(ctx, 99)
	require.NoError(t, lerr)
	assert.Empty(t, settlements)
}

func TestApplyFundUsageFallsBackWhenLedgerDown(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Irrigation", decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	chain.setDown(true)
	usage, err := mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(250), "agri-dept", "canal repair")
	require.NoError(t, err)
	assert.False(t, usage.AppliedToLedger)
	assert.True(t, usage.AppliedToFallback)
	assert.False(t, usage.SettlementID.OnChain())
	assert.True(t, strings.HasPrefix(usage.SettlementID.Value, "db_"))

	assert.True(t, store.usedFunds(t, res.SchemeID).Equal(decimal.NewFromInt(250)))

	sc, err := store.GetScheme(ctx, res.SchemeID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFallbackOnly, sc.SyncState)
}

func TestApplyFundUsageSettlementIDsAreUnique(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Sanitation", decimal.NewFromInt(1000), "")
	require.NoError(t, err)
	chain.setDown(true)

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		usage, err := mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(1), "agency", "p")
		require.NoError(t, err)
		assert.False(t, seen[usage.SettlementID.Value], "duplicate settlement id %s", usage.SettlementID.Value)
		seen[usage.SettlementID.Value] = true
	}
	assert.True(t, store.usedFunds(t, res.SchemeID).Equal(decimal.NewFromInt(20)))
}

func TestApplyFundUsageDuplicateHashAppliedOnce(t *testing.T) {
	mirror, chain, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Housing", decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	// The chain hands back the same hash twice (a retried request
	// landing on the same transaction). The increment must apply once.
	chain.mu.Lock()
	chain.fixedHash = "0xabc123"
	chain.mu.Unlock()

	_, err = mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(100), "agency", "p")
	require.NoError(t, err)
	_, err = mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(100), "agency", "p")
	require.NoError(t, err)

	assert.True(t, store.usedFunds(t, res.SchemeID).Equal(decimal.NewFromInt(100)))
}

func TestApplyFundUsageBothStoresDown(t *testing.T) {
	mirror, chain, store := newTestMirror()
	chain.setDown(true)
	store.setDown(true)

	_, err := mirror.ApplyFundUsage(context.Background(), 1, decimal.NewFromInt(10), "agency", "p")
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
}

func TestApplyFundUsageLedgerOnlyWhenStoreDown(t *testing.T) {
	mirror, _, store := newTestMirror()
	ctx := context.Background()

	res, err := mirror.RegisterScheme(ctx, "Bridges", decimal.NewFromInt(1000), "")
	require.NoError(t, err)

	store.setDown(true)
	usage, err := mirror.ApplyFundUsage(ctx, res.SchemeID, decimal.NewFromInt(100), "pwd", "p")
	require.NoError(t, err)
	assert.True(t, usage.AppliedToLedger)
	assert.False(t, usage.AppliedToFallback)
	assert.True(t, usage.SettlementID.OnChain())
}

func TestApplyFundUsageCatchesUpMissingFallbackScheme(t *testing.T) {
	// Scheme exists on chain but the fallback store never saw it. A
	// successful on-chain usage pulls the chain snapshot into the
	// store without re-applying the increment.
	chain := &fakeChain{}
	store := newFakeStore()
	mirror := NewMirror(chain, store, nil, testLogger())
	ctx := context.Background()

	_, err := chain.AddScheme(ctx, "Ghost Scheme", big.NewInt(1000))
	require.NoError(t, err)

	usage, err := mirror.ApplyFundUsage(ctx, 1, decimal.NewFromInt(300), "agency", "p")
	require.NoError(t, err)
	assert.True(t, usage.AppliedToLedger)

	sc, err := store.GetScheme(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, sc)
	assert.Equal(t, "Ghost Scheme", sc.Name)
	// Snapshot already includes the usage; no local double count.
	assert.True(t, sc.UsedFunds.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, models.SyncLedgerAuthoritative, sc.SyncState)
}

func TestSynthesizeSettlementIDShape(t *testing.T) {
	id := SynthesizeSettlementID()
	assert.True(t, strings.HasPrefix(id, "db_"))
	assert.Equal(t, models.SourceFallback, models.SourceOf(id))
	assert.Equal(t, models.SourceLedger, models.SourceOf("0xdeadbeef"))
}

func TestLedgerUnitsFloorsFractions(t *testing.T) {
	d := decimal.RequireFromString("123.99")
	assert.Equal(t, int64(123), ledgerUnits(d).Int64())
	assert.True(t, fromLedgerUnits(big.NewInt(500)).Equal(decimal.NewFromInt(500)))
	assert.True(t, fromLedgerUnits(nil).IsZero())
}
