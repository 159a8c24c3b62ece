// Package repository implements the Postgres fallback store.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/civicstack/fundtrace/internal/config"
)

// Open connects to Postgres and configures the connection pool.
func Open(cfg *config.Config) (*sql.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Migrate creates the schema when it does not already exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			organization TEXT NOT NULL DEFAULT '',
			designation TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'public',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_login_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS schemes (
			scheme_id BIGINT PRIMARY KEY,
			name TEXT NOT NULL,
			total_funds NUMERIC(20,2) NOT NULL,
			used_funds NUMERIC(20,2) NOT NULL DEFAULT 0,
			eligibility_criteria TEXT NOT NULL DEFAULT '',
			sync_state TEXT NOT NULL DEFAULT 'ledger_authoritative',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			settlement_id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			scheme_id BIGINT NOT NULL REFERENCES schemes(scheme_id),
			amount NUMERIC(20,2) NOT NULL,
			purpose TEXT NOT NULL DEFAULT '',
			executor TEXT NOT NULL DEFAULT '',
			reconciled_tx_hash TEXT,
			recorded_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_settlements_scheme ON settlements(scheme_id, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS utilization_requests (
			request_id TEXT PRIMARY KEY,
			scheme_id BIGINT NOT NULL,
			requesting_agency TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL,
			purpose TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			supporting_documents JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			executor TEXT NOT NULL DEFAULT '',
			approved_by TEXT,
			approved_at TIMESTAMPTZ,
			rejection_reason TEXT,
			total_expenditure NUMERIC(20,2) NOT NULL DEFAULT 0,
			settlement_id TEXT,
			completion_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_agency ON utilization_requests(requesting_agency, created_at)`,
		`CREATE TABLE IF NOT EXISTS expenditures (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES utilization_requests(request_id),
			activity TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			amount NUMERIC(20,2) NOT NULL,
			category TEXT NOT NULL DEFAULT 'other',
			vendor TEXT NOT NULL DEFAULT '',
			bill_number TEXT NOT NULL DEFAULT '',
			bill_document JSONB,
			recorded_by TEXT NOT NULL DEFAULT '',
			expenditure_date TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proofs_of_work (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL REFERENCES utilization_requests(request_id),
			proof_type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			file JSONB NOT NULL,
			uploaded_by TEXT NOT NULL DEFAULT '',
			work_completion_date TIMESTAMPTZ NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS certificates (
			request_id TEXT PRIMARY KEY REFERENCES utilization_requests(request_id),
			certificate_number TEXT UNIQUE NOT NULL,
			scheme_id BIGINT NOT NULL,
			scheme_name TEXT NOT NULL DEFAULT '',
			requesting_agency TEXT NOT NULL,
			approved_amount NUMERIC(20,2) NOT NULL,
			total_expenditure NUMERIC(20,2) NOT NULL,
			remaining_balance NUMERIC(20,2) NOT NULL,
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			generated_by TEXT NOT NULL DEFAULT '',
			generated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS grievances (
			grievance_id TEXT PRIMARY KEY,
			scheme_id BIGINT,
			scheme_name TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			beneficiary_name TEXT NOT NULL DEFAULT '',
			contact_email TEXT NOT NULL DEFAULT '',
			contact_phone TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			submitted_by TEXT NOT NULL DEFAULT '',
			reviewed_by TEXT,
			review_notes TEXT,
			reviewed_at TIMESTAMPTZ,
			supporting_documents JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
