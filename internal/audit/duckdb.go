package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
)

// DuckDBStore persists outcome records in a local DuckDB database.
// An empty path opens an in-memory database.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore opens the database at path and creates the audit
// tables if they do not exist.
func NewDuckDBStore(path string) (*DuckDBStore, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	store := &DuckDBStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit tables: %w", err)
	}

	return store, nil
}

func (s *DuckDBStore) createTables() error {
	outcomes := `
		CREATE TABLE IF NOT EXISTS wallet_outcomes (
			correlation_id VARCHAR PRIMARY KEY,
			wallet_address VARCHAR,
			status VARCHAR NOT NULL,
			reason VARCHAR,
			score DOUBLE,
			breakdown VARCHAR,
			transaction_count INTEGER,
			processing_ms BIGINT,
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`
	if _, err := s.db.Exec(outcomes); err != nil {
		return fmt.Errorf("failed to create wallet_outcomes table: %w", err)
	}

	deadLetters := `
		CREATE TABLE IF NOT EXISTS dead_letters (
			correlation_id VARCHAR NOT NULL,
			reason VARCHAR NOT NULL,
			attempts INTEGER NOT NULL,
			payload BLOB,
			recorded_at TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`
	if _, err := s.db.Exec(deadLetters); err != nil {
		return fmt.Errorf("failed to create dead_letters table: %w", err)
	}

	return nil
}

// RecordOutcome stores a single outcome record. A redelivered
// correlation ID overwrites the previous row.
func (s *DuckDBStore) RecordOutcome(ctx context.Context, rec Record) error {
	query := `
		INSERT OR REPLACE INTO wallet_outcomes (
			correlation_id, wallet_address, status, reason,
			score, breakdown, transaction_count, processing_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.CorrelationID, rec.WalletAddress, rec.Status, rec.Reason,
		rec.Score, rec.Breakdown, rec.TransactionCount, rec.ProcessingMs, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store outcome %s: %w", rec.CorrelationID, err)
	}

	return nil
}

// RecordOutcomeBatch stores multiple outcome records in one transaction.
func (s *DuckDBStore) RecordOutcomeBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO wallet_outcomes (
			correlation_id, wallet_address, status, reason,
			score, breakdown, transaction_count, processing_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx,
			rec.CorrelationID, rec.WalletAddress, rec.Status, rec.Reason,
			rec.Score, rec.Breakdown, rec.TransactionCount, rec.ProcessingMs, rec.RecordedAt,
		); err != nil {
			return fmt.Errorf("failed to store outcome %s: %w", rec.CorrelationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// ArchiveDeadLetter stores a dead-lettered message.
func (s *DuckDBStore) ArchiveDeadLetter(ctx context.Context, dl DeadLetter) error {
	query := `
		INSERT INTO dead_letters (correlation_id, reason, attempts, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		dl.CorrelationID, dl.Reason, dl.Attempts, dl.Payload, dl.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store dead letter %s: %w", dl.CorrelationID, err)
	}

	return nil
}

// OutcomeCount returns the number of stored outcome records.
func (s *DuckDBStore) OutcomeCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM wallet_outcomes").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return n, nil
}

// RecentOutcomes returns the most recently recorded outcomes, newest
// first.
func (s *DuckDBStore) RecentOutcomes(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT correlation_id, wallet_address, status, reason,
		       score, breakdown, transaction_count, processing_ms, recorded_at
		FROM wallet_outcomes
		ORDER BY recorded_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var reason, breakdown sql.NullString
		if err := rows.Scan(
			&rec.CorrelationID, &rec.WalletAddress, &rec.Status, &reason,
			&rec.Score, &breakdown, &rec.TransactionCount, &rec.ProcessingMs, &rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		rec.Reason = reason.String
		rec.Breakdown = breakdown.String
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outcome rows: %w", err)
	}

	return recs, nil
}

// Close closes the underlying database.
func (s *DuckDBStore) Close() error {
	return s.db.Close()
}
