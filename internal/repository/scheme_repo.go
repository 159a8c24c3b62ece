package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/models"
)

// SchemeRepository is the fallback store for schemes and settlements.
// It backs the ledger mirror and the read-side API.
type SchemeRepository struct {
	db *sql.DB
}

// NewSchemeRepository creates a new scheme repository.
func NewSchemeRepository(db *sql.DB) *SchemeRepository {
	return &SchemeRepository{db: db}
}

const schemeColumns = `scheme_id, name, total_funds, used_funds, eligibility_criteria, sync_state, created_at, updated_at`

func scanScheme(row interface{ Scan(...interface{}) error }) (*models.Scheme, error) {
	var s models.Scheme
	err := row.Scan(&s.SchemeID, &s.Name, &s.TotalFunds, &s.UsedFunds,
		&s.EligibilityCriteria, &s.SyncState, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetScheme retrieves a scheme by id. Returns (nil, nil) when absent.
func (r *SchemeRepository) GetScheme(ctx context.Context, schemeID int64) (*models.Scheme, error) {
	s, err := scanScheme(r.db.QueryRowContext(ctx,
		`SELECT `+schemeColumns+` FROM schemes WHERE scheme_id = $1`, schemeID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheme: %w", err)
	}
	return s, nil
}

// MaxSchemeID returns the highest assigned scheme id, 0 when none.
func (r *SchemeRepository) MaxSchemeID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(scheme_id) FROM schemes`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to get max scheme id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// UpsertScheme inserts the scheme or refreshes an existing row in
// place.
func (r *SchemeRepository) UpsertScheme(ctx context.Context, s *models.Scheme) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schemes (scheme_id, name, total_funds, used_funds, eligibility_criteria, sync_state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (scheme_id) DO UPDATE SET
			name = EXCLUDED.name,
			total_funds = EXCLUDED.total_funds,
			used_funds = EXCLUDED.used_funds,
			eligibility_criteria = EXCLUDED.eligibility_criteria,
			sync_state = EXCLUDED.sync_state,
			updated_at = EXCLUDED.updated_at`,
		s.SchemeID, s.Name, s.TotalFunds, s.UsedFunds,
		s.EligibilityCriteria, s.SyncState, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert scheme: %w", err)
	}
	return nil
}

// SetSyncState updates the scheme's sync state.
func (r *SchemeRepository) SetSyncState(ctx context.Context, schemeID int64, state models.SyncState) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE schemes SET sync_state = $1, updated_at = $2 WHERE scheme_id = $3`,
		state, time.Now(), schemeID,
	)
	if err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrSchemeNotFound
	}
	return nil
}

// RecordSettlement inserts the settlement and, when applyIncrement is
// set, applies the conditional usedFunds increment in the same
// transaction. The settlement id is the dedup key: a duplicate id
// returns (false, nil) and never re-applies the increment. The
// increment is guarded in SQL so concurrent settlements can never
// push usedFunds past totalFunds.
func (r *SchemeRepository) RecordSettlement(ctx context.Context, s *models.Settlement, applyIncrement bool) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO settlements (settlement_id, source, scheme_id, amount, purpose, executor, reconciled_tx_hash, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (settlement_id) DO NOTHING`,
		s.SettlementID, s.Source, s.SchemeID, s.Amount, s.Purpose,
		s.Executor, s.ReconciledTxHash, s.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert settlement: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if applyIncrement {
		res, err := tx.ExecContext(ctx,
			`UPDATE schemes
			 SET used_funds = used_funds + $1, updated_at = $2
			 WHERE scheme_id = $3 AND used_funds + $1 <= total_funds`,
			s.Amount, time.Now(), s.SchemeID,
		)
		if err != nil {
			return false, fmt.Errorf("failed to apply fund usage: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var total, used decimal.Decimal
			err := tx.QueryRowContext(ctx,
				`SELECT total_funds, used_funds FROM schemes WHERE scheme_id = $1`,
				s.SchemeID,
			).Scan(&total, &used)
			if err == sql.ErrNoRows {
				return false, apperr.ErrSchemeNotFound
			}
			if err != nil {
				return false, fmt.Errorf("failed to read scheme balance: %w", err)
			}
			return false, &apperr.InsufficientFundsError{
				SchemeID:  s.SchemeID,
				Available: total.Sub(used),
				Requested: s.Amount,
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return true, nil
}

// ListSchemes returns every scheme in ascending id order.
func (r *SchemeRepository) ListSchemes(ctx context.Context) ([]models.Scheme, error) {
	return r.querySchemes(ctx, `SELECT `+schemeColumns+` FROM schemes ORDER BY scheme_id`)
}

// ListSchemesBySyncState returns schemes in the given state in
// ascending id order.
func (r *SchemeRepository) ListSchemesBySyncState(ctx context.Context, state models.SyncState) ([]models.Scheme, error) {
	return r.querySchemes(ctx,
		`SELECT `+schemeColumns+` FROM schemes WHERE sync_state = $1 ORDER BY scheme_id`, state)
}

func (r *SchemeRepository) querySchemes(ctx context.Context, query string, args ...interface{}) ([]models.Scheme, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schemes: %w", err)
	}
	defer rows.Close()

	var schemes []models.Scheme
	for rows.Next() {
		s, err := scanScheme(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheme: %w", err)
		}
		schemes = append(schemes, *s)
	}
	return schemes, rows.Err()
}

const settlementColumns = `settlement_id, source, scheme_id, amount, purpose, executor, reconciled_tx_hash, recorded_at`

func scanSettlement(row interface{ Scan(...interface{}) error }) (*models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(&s.SettlementID, &s.Source, &s.SchemeID, &s.Amount,
		&s.Purpose, &s.Executor, &s.ReconciledTxHash, &s.RecordedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSettlement retrieves a settlement by id. Returns (nil, nil) when
// absent.
func (r *SchemeRepository) GetSettlement(ctx context.Context, settlementID string) (*models.Settlement, error) {
	s, err := scanSettlement(r.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE settlement_id = $1`, settlementID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}

// ListSettlements returns settlements matching the filter, newest
// first.
func (r *SchemeRepository) ListSettlements(ctx context.Context, f models.SettlementFilter) ([]models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE 1=1`
	var args []interface{}

	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if f.SchemeID != nil {
		add("scheme_id =", *f.SchemeID)
	}
	if f.FromDate != nil {
		add("recorded_at >=", *f.FromDate)
	}
	if f.ToDate != nil {
		add("recorded_at <=", *f.ToDate)
	}
	if f.MinAmount != nil {
		add("amount >=", *f.MinAmount)
	}
	if f.MaxAmount != nil {
		add("amount <=", *f.MaxAmount)
	}
	if f.Search != "" {
		args = append(args, f.Search)
		n := len(args)
		query += fmt.Sprintf(" AND (purpose ILIKE '%%' || $%d || '%%' OR executor ILIKE '%%' || $%d || '%%')", n, n)
	}

	query += " ORDER BY recorded_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListFallbackSettlements returns a scheme's fallback settlements that
// have not been replayed onto the ledger, oldest first.
func (r *SchemeRepository) ListFallbackSettlements(ctx context.Context, schemeID int64) ([]models.Settlement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements
		 WHERE scheme_id = $1 AND source = $2 AND reconciled_tx_hash IS NULL
		 ORDER BY recorded_at`,
		schemeID, models.SourceFallback,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fallback settlements: %w", err)
	}
	defer rows.Close()

	var out []models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// MarkSettlementReconciled stamps the replay transaction hash onto a
// fallback settlement.
func (r *SchemeRepository) MarkSettlementReconciled(ctx context.Context, settlementID, txHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE settlements SET reconciled_tx_hash = $1 WHERE settlement_id = $2`,
		txHash, settlementID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark settlement reconciled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// SchemeStats is the aggregate view used by the admin dashboard.
type SchemeStats struct {
	TotalSchemes    int             `json:"totalSchemes"`
	TotalAllocated  decimal.Decimal `json:"totalAllocated"`
	TotalUsed       decimal.Decimal `json:"totalUsed"`
	FallbackSchemes int             `json:"fallbackSchemes"`
	Settlements     int             `json:"settlements"`
}

// Stats aggregates scheme and settlement counts.
func (r *SchemeRepository) Stats(ctx context.Context) (*SchemeStats, error) {
	var st SchemeStats
	var allocated, used sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(total_funds), SUM(used_funds),
			COUNT(*) FILTER (WHERE sync_state = 'fallback_only')
		 FROM schemes`,
	).Scan(&st.TotalSchemes, &allocated, &used, &st.FallbackSchemes)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate schemes: %w", err)
	}

	st.TotalAllocated, st.TotalUsed = decimal.Zero, decimal.Zero
	if allocated.Valid {
		if st.TotalAllocated, err = decimal.NewFromString(allocated.String); err != nil {
			return nil, fmt.Errorf("failed to parse allocated total: %w", err)
		}
	}
	if used.Valid {
		if st.TotalUsed, err = decimal.NewFromString(used.String); err != nil {
			return nil, fmt.Errorf("failed to parse used total: %w", err)
		}
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlements`).Scan(&st.Settlements); err != nil {
		return nil, fmt.Errorf("failed to count settlements: %w", err)
	}
	return &st, nil
}
