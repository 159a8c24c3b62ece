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

// GrievanceRepository handles citizen grievance records.
type GrievanceRepository struct {
	db *sql.DB
}

// NewGrievanceRepository creates a new grievance repository.
func NewGrievanceRepository(db *sql.DB) *GrievanceRepository {
	return &GrievanceRepository{db: db}
}

const grievanceColumns = `grievance_id, scheme_id, scheme_name, category, title, description, location, beneficiary_name, contact_email, contact_phone, status, submitted_by, reviewed_by, review_notes, reviewed_at, supporting_documents, created_at, updated_at`

func scanGrievance(row interface{ Scan(...interface{}) error }) (*models.Grievance, error) {
	var g models.Grievance
	var docs []byte
	err := row.Scan(&g.GrievanceID, &g.SchemeID, &g.SchemeName, &g.Category,
		&g.Title, &g.Description, &g.Location, &g.BeneficiaryName,
		&g.ContactEmail, &g.ContactPhone, &g.Status, &g.SubmittedBy,
		&g.ReviewedBy, &g.ReviewNotes, &g.ReviewedAt, &docs,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(docs, &g.SupportingDocuments); err != nil {
		return nil, fmt.Errorf("failed to decode supporting documents: %w", err)
	}
	return &g, nil
}

// Create inserts a new grievance.
func (r *GrievanceRepository) Create(ctx context.Context, g *models.Grievance) error {
	docs, err := docsToJSON(g.SupportingDocuments)
	if err != nil {
		return fmt.Errorf("failed to encode supporting documents: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO grievances (grievance_id, scheme_id, scheme_name, category, title, description, location, beneficiary_name, contact_email, contact_phone, status, submitted_by, supporting_documents, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		g.GrievanceID, g.SchemeID, g.SchemeName, g.Category, g.Title,
		g.Description, g.Location, g.BeneficiaryName, g.ContactEmail,
		g.ContactPhone, g.Status, g.SubmittedBy, docs, g.CreatedAt, g.UpdatedAt,
	)
	return err
}

// GetByID retrieves a grievance by id. Returns (nil, nil) when absent.
func (r *GrievanceRepository) GetByID(ctx context.Context, grievanceID string) (*models.Grievance, error) {
	g, err := scanGrievance(r.db.QueryRowContext(ctx,
		`SELECT `+grievanceColumns+` FROM grievances WHERE grievance_id = $1`, grievanceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grievance: %w", err)
	}
	return g, nil
}

// List returns grievances matching the filter, newest first.
func (r *GrievanceRepository) List(ctx context.Context, f models.GrievanceFilter) ([]models.Grievance, error) {
	query := `SELECT ` + grievanceColumns + ` FROM grievances WHERE 1=1`
	var args []interface{}

	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.SubmittedBy != "" {
		args = append(args, f.SubmittedBy)
		query += fmt.Sprintf(" AND submitted_by = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, f.Search)
		n := len(args)
		query += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", n, n)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grievances: %w", err)
	}
	defer rows.Close()

	var out []models.Grievance
	for rows.Next() {
		g, err := scanGrievance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grievance: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// UpdateStatus records a review decision on a grievance.
func (r *GrievanceRepository) UpdateStatus(ctx context.Context, grievanceID string, status models.GrievanceStatus, reviewer, notes string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE grievances SET status = $1, reviewed_by = $2, review_notes = $3, reviewed_at = $4, updated_at = $4
		 WHERE grievance_id = $5`,
		status, reviewer, notes, time.Now(), grievanceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update grievance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
