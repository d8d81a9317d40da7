// Package ingest stores inbound Books batches and replays them into the local store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

// BatchSize is the number of records stored per integration log batch
const BatchSize = 15

// ErrBatchNotFound is returned when no integration log batch matches
var ErrBatchNotFound = errors.New("integration log batch not found")

// Batch is one integration log row
type Batch struct {
	ID        uuid.UUID
	Instance  string
	Doctype   string
	Records   []document.Record
	Processed bool
	CreatedAt time.Time
}

// LogRepository is the books_integration_log table
type LogRepository struct {
	db db.PgxIface
}

// NewLogRepository creates a repository on conn
func NewLogRepository(conn db.PgxIface) *LogRepository {
	return &LogRepository{db: conn}
}

// Split cuts records into consecutive chunks of at most size records
func Split(records []document.Record, size int) [][]document.Record {
	if size <= 0 {
		size = BatchSize
	}
	chunks := make([][]document.Record, 0, (len(records)+size-1)/size)
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		chunks = append(chunks, records[start:end])
	}
	return chunks
}

// CreateBatches stores records as unprocessed batches of size. All batches are
// written in one round trip so a failure leaves none behind.
func (r *LogRepository) CreateBatches(ctx context.Context, instance, dt string, records []document.Record, size int) ([]uuid.UUID, error) {
	chunks := Split(records, size)
	if len(chunks) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	ids := make([]uuid.UUID, 0, len(chunks))
	for _, chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch: %w", err)
		}
		id := uuid.New()
		ids = append(ids, id)
		batch.Queue(`INSERT INTO books_integration_log (id, books_instance, document_type, data)
			VALUES ($1, $2, $3, $4)`, id, instance, dt, data)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to store integration log: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"instance": instance,
		"doctype":  dt,
		"records":  len(records),
		"batches":  len(ids),
	}).Info("Stored inbound batches")

	return ids, nil
}

// ClaimNext marks the oldest unprocessed batch as processed and returns it.
// The flag flips before any record is handled, so a batch is never handed out
// twice. It returns nil when nothing is waiting.
func (r *LogRepository) ClaimNext(ctx context.Context) (*Batch, error) {
	var (
		b    Batch
		data []byte
	)
	err := r.db.QueryRow(ctx, `UPDATE books_integration_log SET processed = true
		WHERE id = (SELECT id FROM books_integration_log WHERE NOT processed
			ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED)
		RETURNING id, books_instance, document_type, data, processed, created_at`).
		Scan(&b.ID, &b.Instance, &b.Doctype, &data, &b.Processed, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim integration log batch: %w", err)
	}
	if err := json.Unmarshal(data, &b.Records); err != nil {
		// the batch is already flipped, its records are lost like any crashed batch
		return &b, fmt.Errorf("failed to decode batch %s: %w", b.ID, err)
	}
	return &b, nil
}

// Get returns a batch by id
func (r *LogRepository) Get(ctx context.Context, id uuid.UUID) (*Batch, error) {
	var (
		b    Batch
		data []byte
	)
	err := r.db.QueryRow(ctx, `SELECT id, books_instance, document_type, data, processed, created_at
		FROM books_integration_log WHERE id = $1`, id).
		Scan(&b.ID, &b.Instance, &b.Doctype, &data, &b.Processed, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &b.Records); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", id, err)
	}
	return &b, nil
}

// Pending counts the batches not yet claimed
func (r *LogRepository) Pending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM books_integration_log WHERE NOT processed`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending batches: %w", err)
	}
	return n, nil
}
