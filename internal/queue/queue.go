// Package queue records local document changes that Books instances still have to pull.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/settings"
)

// ErrEntryNotFound is returned when no queue entry has the requested id
var ErrEntryNotFound = errors.New("sync queue entry not found")

// Entry is one pending outbound document for one instance
type Entry struct {
	ID        int64
	Doctype   string
	Name      string
	Instance  string
	CreatedAt time.Time
}

// Queue is the books_sync_queue table
type Queue struct {
	db        db.PgxIface
	settings  settings.Source
	instances *Instances
}

// New creates a queue. Change notifications fan out to the instances registered in instances.
func New(conn db.PgxIface, source settings.Source, instances *Instances) *Queue {
	return &Queue{db: conn, settings: source, instances: instances}
}

// Enqueue adds rec for instance. It reports false when the document is filtered out
// or already waiting.
func (q *Queue) Enqueue(ctx context.Context, rec document.Record, instance string) (bool, error) {
	dt, name := rec.Doctype(), rec.Name()
	logger := logrus.WithFields(logrus.Fields{
		"doctype":  dt,
		"name":     name,
		"instance": instance,
	})

	if doctype.IsSubmittable(dt) && rec.DocStatus() == document.Draft {
		logger.Debug("Skipping draft document")
		return false, nil
	}
	if !q.settings.Current().ShouldSync(dt) {
		logger.Debug("Sync disabled for document type")
		return false, nil
	}

	var exists bool
	if err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM books_sync_queue
		WHERE document_type = $1 AND document_name = $2 AND books_instance = $3)`,
		dt, name, instance).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check sync queue: %w", err)
	}
	if exists {
		return false, nil
	}

	tag, err := q.db.Exec(ctx,
		`INSERT INTO books_sync_queue (document_type, document_name, books_instance)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_type, document_name, books_instance) DO NOTHING`,
		dt, name, instance)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s %q: %w", dt, name, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	logger.Debug("Document queued")
	return true, nil
}

// DocumentChanged queues rec for every enabled instance. Writes made while
// ingesting from Books are ignored so they do not echo back.
func (q *Queue) DocumentChanged(ctx context.Context, rec document.Record) error {
	if document.OriginFrom(ctx) == document.OriginRemote {
		return nil
	}
	if doctype.IsSubmittable(rec.Doctype()) && rec.DocStatus() == document.Draft {
		return nil
	}
	instances, err := q.instances.Enabled(ctx)
	if err != nil {
		return err
	}
	for _, instance := range instances {
		if _, err := q.Enqueue(ctx, rec, instance); err != nil {
			return err
		}
	}
	return nil
}

// Pending lists the queued documents of instance, oldest first
func (q *Queue) Pending(ctx context.Context, instance string) ([]Entry, error) {
	rows, err := q.db.Query(ctx,
		`SELECT id, document_type, document_name, books_instance, created_at
		FROM books_sync_queue
		WHERE books_instance = $1
		ORDER BY created_at, id`,
		instance)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Doctype, &e.Name, &e.Instance, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning sync queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return entries, nil
}

// Get returns one queue entry
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	var e Entry
	err := q.db.QueryRow(ctx,
		`SELECT id, document_type, document_name, books_instance, created_at
		FROM books_sync_queue WHERE id = $1`, id).
		Scan(&e.ID, &e.Doctype, &e.Name, &e.Instance, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync queue entry %d: %w", id, err)
	}
	return &e, nil
}

// Remove deletes one queue entry
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM books_sync_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove sync queue entry %d: %w", id, err)
	}
	return nil
}

// RemoveDocument deletes the entry of a document for instance, if any
func (q *Queue) RemoveDocument(ctx context.Context, dt, name, instance string) error {
	if _, err := q.db.Exec(ctx,
		`DELETE FROM books_sync_queue WHERE document_type = $1 AND document_name = $2 AND books_instance = $3`,
		dt, name, instance); err != nil {
		return fmt.Errorf("failed to remove %s %q from sync queue: %w", dt, name, err)
	}
	return nil
}
