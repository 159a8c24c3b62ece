package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/civicstack/fundtrace/internal/apperr"
	"github.com/civicstack/fundtrace/internal/models"
)

// UtilizationRepository handles utilization requests, expenditures,
// proofs of work and certificates.
type UtilizationRepository struct {
	db *sql.DB
}

// NewUtilizationRepository creates a new utilization repository.
func NewUtilizationRepository(db *sql.DB) *UtilizationRepository {
	return &UtilizationRepository{db: db}
}

func docsToJSON(docs []models.Document) ([]byte, error) {
	if docs == nil {
		docs = []models.Document{}
	}
	return json.Marshal(docs)
}

const requestColumns = `request_id, scheme_id, requesting_agency, amount, purpose, description, supporting_documents, status, executor, approved_by, approved_at, rejection_reason, total_expenditure, settlement_id, completion_date, created_at, updated_at`

func scanRequest(row interface{ Scan(...interface{}) error }) (*models.UtilizationRequest, error) {
	var r models.UtilizationRequest
	var docs []byte
	err := row.Scan(&r.RequestID, &r.SchemeID, &r.RequestingAgency, &r.Amount,
		&r.Purpose, &r.Description, &docs, &r.Status, &r.Executor,
		&r.ApprovedBy, &r.ApprovedAt, &r.RejectionReason, &r.TotalExpenditure,
		&r.SettlementID, &r.CompletionDate, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(docs, &r.SupportingDocuments); err != nil {
		return nil, fmt.Errorf("failed to decode supporting documents: %w", err)
	}
	return &r, nil
}

// CreateRequest inserts a new utilization request.
func (r *UtilizationRepository) CreateRequest(ctx context.Context, req *models.UtilizationRequest) error {
	docs, err := docsToJSON(req.SupportingDocuments)
	if err != nil {
		return fmt.Errorf("failed to encode supporting documents: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO utilization_requests (request_id, scheme_id, requesting_agency, amount, purpose, description, supporting_documents, status, executor, total_expenditure, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		req.RequestID, req.SchemeID, req.RequestingAgency, req.Amount,
		req.Purpose, req.Description, docs, req.Status, req.Executor,
		req.TotalExpenditure, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

// GetRequest retrieves a request by id. Returns (nil, nil) when absent.
func (r *UtilizationRepository) GetRequest(ctx context.Context, requestID string) (*models.UtilizationRequest, error) {
	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM utilization_requests WHERE request_id = $1`, requestID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// RequestFilter narrows request list queries.
type RequestFilter struct {
	Agency   string
	Status   models.RequestStatus
	SchemeID *int64
	Limit    int
}

// ListRequests returns requests matching the filter, newest first.
func (r *UtilizationRepository) ListRequests(ctx context.Context, f RequestFilter) ([]models.UtilizationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM utilization_requests WHERE 1=1`
	var args []interface{}

	if f.Agency != "" {
		args = append(args, f.Agency)
		query += fmt.Sprintf(" AND requesting_agency = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.SchemeID != nil {
		args = append(args, *f.SchemeID)
		query += fmt.Sprintf(" AND scheme_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []models.UtilizationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

// UpdateRequestStatus transitions a request's status together with the
// decision metadata. The expected current status guards against
// concurrent double-decisions.
func (r *UtilizationRepository) UpdateRequestStatus(ctx context.Context, requestID string, from, to models.RequestStatus, set func(*RequestUpdate)) error {
	upd := &RequestUpdate{}
	if set != nil {
		set(upd)
	}

	query := `UPDATE utilization_requests SET status = $1, updated_at = $2`
	args := []interface{}{to, time.Now()}

	appendSet := func(col string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(", %s = $%d", col, len(args))
	}
	if upd.ApprovedBy != nil {
		appendSet("approved_by", *upd.ApprovedBy)
		appendSet("approved_at", time.Now())
	}
	if upd.RejectionReason != nil {
		appendSet("rejection_reason", *upd.RejectionReason)
	}
	if upd.SettlementID != nil {
		appendSet("settlement_id", *upd.SettlementID)
	}
	if upd.CompletionDate != nil {
		appendSet("completion_date", *upd.CompletionDate)
	}

	args = append(args, requestID, from)
	query += fmt.Sprintf(" WHERE request_id = $%d AND status = $%d", len(args)-1, len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the request vanished or it is no longer in the
		// expected state.
		req, gerr := r.GetRequest(ctx, requestID)
		if gerr != nil {
			return gerr
		}
		if req == nil {
			return apperr.ErrNotFound
		}
		return fmt.Errorf("%w: request %s is %s, expected %s",
			apperr.ErrInvalidTransition, requestID, req.Status, from)
	}
	return nil
}

// RequestUpdate carries the optional columns a status transition sets.
type RequestUpdate struct {
	ApprovedBy      *string
	RejectionReason *string
	SettlementID    *string
	CompletionDate  *time.Time
}

// WithApprover records the approving admin.
func (u *RequestUpdate) WithApprover(email string) { u.ApprovedBy = &email }

// WithRejectionReason records the rejection reason.
func (u *RequestUpdate) WithRejectionReason(reason string) { u.RejectionReason = &reason }

// WithSettlementID links the settlement created on approval.
func (u *RequestUpdate) WithSettlementID(id string) { u.SettlementID = &id }

// WithCompletionDate stamps the completion time.
func (u *RequestUpdate) WithCompletionDate(t time.Time) { u.CompletionDate = &t }

// AddExpenditure inserts the expenditure and bumps the request's
// running total in one transaction. First expenditure on an approved
// request moves it to in-progress. The status and spending-cap checks
// ride in the UPDATE's WHERE clause so concurrent expenditures cannot
// push the total past the approved amount.
func (r *UtilizationRepository) AddExpenditure(ctx context.Context, e *models.ExpenditureRecord) error {
	var billDoc []byte
	if e.BillDocument != nil {
		var err error
		billDoc, err = json.Marshal(e.BillDocument)
		if err != nil {
			return fmt.Errorf("failed to encode bill document: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO expenditures (id, request_id, activity, description, amount, category, vendor, bill_number, bill_document, recorded_by, expenditure_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.RequestID, e.Activity, e.Description, e.Amount, e.Category,
		e.Vendor, e.BillNumber, billDoc, e.RecordedBy, e.ExpenditureDate, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert expenditure: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE utilization_requests
		 SET total_expenditure = total_expenditure + $1,
			 status = CASE WHEN status = $2 THEN $3 ELSE status END,
			 updated_at = $4
		 WHERE request_id = $5
		   AND status IN ($2, $3)
		   AND total_expenditure + $1 <= amount`,
		e.Amount, models.StatusApproved, models.StatusInProgress, time.Now(), e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("failed to update request totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Rolling back discards the inserted expenditure row.
		req, gerr := r.GetRequest(ctx, e.RequestID)
		if gerr != nil {
			return gerr
		}
		if req == nil {
			return apperr.ErrNotFound
		}
		if !req.CanRecordExpenditure() {
			return fmt.Errorf("%w: request %s is %s", apperr.ErrInvalidTransition, e.RequestID, req.Status)
		}
		return apperr.Validationf("expenditure %s would exceed approved amount %s (spent %s)",
			e.Amount.String(), req.Amount.String(), req.TotalExpenditure.String())
	}

	return tx.Commit()
}

// ListExpenditures returns a request's expenditures, oldest first.
func (r *UtilizationRepository) ListExpenditures(ctx context.Context, requestID string) ([]models.ExpenditureRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, activity, description, amount, category, vendor, bill_number, bill_document, recorded_by, expenditure_date, created_at
		 FROM expenditures WHERE request_id = $1 ORDER BY expenditure_date`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query expenditures: %w", err)
	}
	defer rows.Close()

	var out []models.ExpenditureRecord
	for rows.Next() {
		var e models.ExpenditureRecord
		var billDoc []byte
		err := rows.Scan(&e.ID, &e.RequestID, &e.Activity, &e.Description,
			&e.Amount, &e.Category, &e.Vendor, &e.BillNumber, &billDoc,
			&e.RecordedBy, &e.ExpenditureDate, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expenditure: %w", err)
		}
		if len(billDoc) > 0 {
			e.BillDocument = &models.Document{}
			if err := json.Unmarshal(billDoc, e.BillDocument); err != nil {
				return nil, fmt.Errorf("failed to decode bill document: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddProof inserts a proof-of-work record.
func (r *UtilizationRepository) AddProof(ctx context.Context, p *models.ProofOfWork) error {
	file, err := json.Marshal(p.File)
	if err != nil {
		return fmt.Errorf("failed to encode proof file: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO proofs_of_work (id, request_id, proof_type, title, description, file, uploaded_by, work_completion_date, location, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.RequestID, p.ProofType, p.Title, p.Description, file,
		p.UploadedBy, p.WorkCompletionDate, p.Location, p.CreatedAt,
	)
	return err
}

// ListProofs returns a request's proofs of work, oldest first.
func (r *UtilizationRepository) ListProofs(ctx context.Context, requestID string) ([]models.ProofOfWork, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, proof_type, title, description, file, uploaded_by, work_completion_date, location, created_at
		 FROM proofs_of_work WHERE request_id = $1 ORDER BY created_at`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query proofs: %w", err)
	}
	defer rows.Close()

	var out []models.ProofOfWork
	for rows.Next() {
		var p models.ProofOfWork
		var file []byte
		err := rows.Scan(&p.ID, &p.RequestID, &p.ProofType, &p.Title,
			&p.Description, &file, &p.UploadedBy, &p.WorkCompletionDate,
			&p.Location, &p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proof: %w", err)
		}
		if err := json.Unmarshal(file, &p.File); err != nil {
			return nil, fmt.Errorf("failed to decode proof file: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateCertificate inserts the certificate for a completed request.
// A second insert for the same request is a no-op.
func (r *UtilizationRepository) CreateCertificate(ctx context.Context, c *models.UtilizationCertificate) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO certificates (request_id, certificate_number, scheme_id, scheme_name, requesting_agency, approved_amount, total_expenditure, remaining_balance, period_start, period_end, generated_by, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (request_id) DO NOTHING`,
		c.RequestID, c.CertificateNumber, c.SchemeID, c.SchemeName,
		c.RequestingAgency, c.ApprovedAmount, c.TotalExpenditure,
		c.RemainingBalance, c.PeriodStart, c.PeriodEnd, c.GeneratedBy, c.GeneratedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert certificate: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetCertificate retrieves the certificate for a request. Returns
// (nil, nil) when absent.
func (r *UtilizationRepository) GetCertificate(ctx context.Context, requestID string) (*models.UtilizationCertificate, error) {
	var c models.UtilizationCertificate
	err := r.db.QueryRowContext(ctx,
		`SELECT request_id, certificate_number, scheme_id, scheme_name, requesting_agency, approved_amount, total_expenditure, remaining_balance, period_start, period_end, generated_by, generated_at
		 FROM certificates WHERE request_id = $1`,
		requestID,
	).Scan(&c.RequestID, &c.CertificateNumber, &c.SchemeID, &c.SchemeName,
		&c.RequestingAgency, &c.ApprovedAmount, &c.TotalExpenditure,
		&c.RemainingBalance, &c.PeriodStart, &c.PeriodEnd, &c.GeneratedBy, &c.GeneratedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	return &c, nil
}
