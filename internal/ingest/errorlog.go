package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

// ErrEntryNotFound is returned when no error log entry matches
var ErrEntryNotFound = errors.New("error log entry not found")

// ErrorEntry is one record that failed to ingest
type ErrorEntry struct {
	ID       uuid.UUID       `json:"id"`
	Doctype  string          `json:"document_type"`
	Instance string          `json:"books_instance"`
	Data     document.Record `json:"data"`
	Error    string          `json:"error"`
	// Batch is the integration log batch the record came from, nil after a manual push
	Batch     *uuid.UUID `json:"books_integration_log,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ErrorLog is the books_error_log table
type ErrorLog struct {
	db db.PgxIface
}

// NewErrorLog creates an error log on conn
func NewErrorLog(conn db.PgxIface) *ErrorLog {
	return &ErrorLog{db: conn}
}

// Record stores e and returns its id
func (l *ErrorLog) Record(ctx context.Context, e ErrorEntry) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = l.db.Exec(ctx, `INSERT INTO books_error_log
		(id, document_type, books_instance, data, error, books_integration_log)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Doctype, e.Instance, data, e.Error, e.Batch)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to record ingest error: %w", err)
	}
	return e.ID, nil
}

const errorColumns = `id, document_type, books_instance, data, error, books_integration_log, created_at`

func scanEntry(row pgx.Row) (*ErrorEntry, error) {
	var (
		e    ErrorEntry
		data []byte
	)
	if err := row.Scan(&e.ID, &e.Doctype, &e.Instance, &data, &e.Error, &e.Batch, &e.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &e.Data); err != nil {
		return nil, fmt.Errorf("failed to decode payload of %s: %w", e.ID, err)
	}
	return &e, nil
}

// Get returns one entry
func (l *ErrorLog) Get(ctx context.Context, id uuid.UUID) (*ErrorEntry, error) {
	e, err := scanEntry(l.db.QueryRow(ctx, `SELECT `+errorColumns+` FROM books_error_log WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get error log entry %s: %w", id, err)
	}
	return e, nil
}

// List returns the newest entries for instance, or for every instance when it is empty
func (l *ErrorLog) List(ctx context.Context, instance string, limit int) ([]ErrorEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.Query(ctx, `SELECT `+errorColumns+` FROM books_error_log
		WHERE $1 = '' OR books_instance = $1
		ORDER BY created_at DESC LIMIT $2`, instance, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list error log: %w", err)
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error log entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// UpdateError replaces the stored error text after a failed retry
func (l *ErrorLog) UpdateError(ctx context.Context, id uuid.UUID, detail string) error {
	tag, err := l.db.Exec(ctx, `UPDATE books_error_log SET error = $2 WHERE id = $1`, id, detail)
	if err != nil {
		return fmt.Errorf("failed to update error log entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}

// Delete removes an entry
func (l *ErrorLog) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := l.db.Exec(ctx, `DELETE FROM books_error_log WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete error log entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return nil
}
