package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/testutil"
)

func records(n int) []document.Record {
	recs := make([]document.Record, n)
	for i := range recs {
		recs[i] = document.Record{"doctype": "SalesInvoice", "name": fmt.Sprintf("SINV-%d", i)}
	}
	return recs
}

func TestSplit(t *testing.T) {
	tests := []struct {
		n    int
		size int
		want []int
	}{
		{0, BatchSize, nil},
		{1, BatchSize, []int{1}},
		{15, BatchSize, []int{15}},
		{16, BatchSize, []int{15, 1}},
		{31, BatchSize, []int{15, 15, 1}},
		{5, 0, []int{5}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d by %d", tt.n, tt.size), func(t *testing.T) {
			var sizes []int
			for _, chunk := range Split(records(tt.n), tt.size) {
				sizes = append(sizes, len(chunk))
			}
			assert.Equal(t, tt.want, sizes)
		})
	}
}

func TestCreateBatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	b := mock.ExpectBatch()
	b.ExpectExec("INSERT INTO books_integration_log").
		WithArgs(pgxmock.AnyArg(), "books-1", "SalesInvoice", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	b.ExpectExec("INSERT INTO books_integration_log").
		WithArgs(pgxmock.AnyArg(), "books-1", "SalesInvoice", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ids, err := NewLogRepository(mock).CreateBatches(context.Background(), "books-1", "SalesInvoice", records(20), BatchSize)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchesEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	ids, err := NewLogRepository(mock).CreateBatches(context.Background(), "books-1", "SalesInvoice", nil, BatchSize)
	require.NoError(t, err)
	assert.Empty(t, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

var batchColumns = []string{"id", "books_instance", "document_type", "data", "processed", "created_at"}

func TestClaimNext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewLogRepository(mock)
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery("UPDATE books_integration_log SET processed = true").
		WillReturnRows(pgxmock.NewRows(batchColumns).
			AddRow(id, "books-1", "Party", []byte(`[{"doctype":"Party","role":"Customer","name":"ACME"}]`), true, now))
	mock.ExpectQuery("UPDATE books_integration_log SET processed = true").
		WillReturnError(pgx.ErrNoRows)

	b, err := repo.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, id, b.ID)
	assert.True(t, b.Processed)
	require.Len(t, b.Records, 1)
	assert.Equal(t, "ACME", b.Records[0].Name())

	b, err = repo.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextUndecodable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	id := uuid.New()

	mock.ExpectQuery("UPDATE books_integration_log").
		WillReturnRows(pgxmock.NewRows(batchColumns).AddRow(id, "books-1", "Party", []byte(`{`), true, time.Now()))

	b, err := NewLogRepository(mock).ClaimNext(context.Background())
	require.Error(t, err)
	require.NotNil(t, b)
	assert.Equal(t, id, b.ID)
}

func TestGetBatchNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	id := uuid.New()

	mock.ExpectQuery("SELECT id, books_instance").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err = NewLogRepository(mock).Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

var entryColumns = []string{"id", "document_type", "books_instance", "data", "error", "books_integration_log", "created_at"}

func TestErrorLog(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	log := NewErrorLog(mock)
	ctx := context.Background()
	batch := uuid.New()

	mock.ExpectExec("INSERT INTO books_error_log").
		WithArgs(pgxmock.AnyArg(), "Customer", "books-1", pgxmock.AnyArg(), "boom", &batch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := log.Record(ctx, ErrorEntry{
		Doctype:  "Customer",
		Instance: "books-1",
		Data:     document.Record{"doctype": "Party", "name": "ACME"},
		Error:    "boom",
		Batch:    &batch,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	mock.ExpectQuery("SELECT id, document_type").WithArgs(id).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow(id, "Customer", "books-1", []byte(`{"doctype":"Party","name":"ACME"}`), "boom", &batch, time.Now()))

	e, err := log.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ACME", e.Data.Name())
	assert.Equal(t, batch, *e.Batch)

	mock.ExpectQuery("SELECT id, document_type").WithArgs("books-1", 10).
		WillReturnRows(pgxmock.NewRows(entryColumns).
			AddRow(id, "Customer", "books-1", []byte(`{"name":"ACME"}`), "boom", (*uuid.UUID)(nil), time.Now()))

	entries, err := log.List(ctx, "books-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Batch)

	mock.ExpectExec("UPDATE books_error_log SET error").WithArgs(id, "still failing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM books_error_log").WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM books_error_log").WithArgs(id).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, log.UpdateError(ctx, id, "still failing"))
	require.NoError(t, log.Delete(ctx, id))
	assert.ErrorIs(t, log.Delete(ctx, id), ErrEntryNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorEntryJSON(t *testing.T) {
	batch := uuid.New()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := ErrorEntry{
		ID:        uuid.New(),
		Doctype:   "Customer",
		Instance:  "books-1",
		Data:      document.Record{"name": "ACME"},
		Error:     "boom",
		Batch:     &batch,
		CreatedAt: created,
	}

	raw, err := json.Marshal(e)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, map[string]any{
		"id":                    e.ID.String(),
		"document_type":         "Customer",
		"books_instance":        "books-1",
		"data":                  map[string]any{"name": "ACME"},
		"error":                 "boom",
		"books_integration_log": batch.String(),
		"created_at":            "2024-03-01T12:00:00Z",
	}, got)

	e.Batch = nil
	raw, err = json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "books_integration_log")
}

func TestRepositoriesAgainstPostgres(t *testing.T) {
	pool := testutil.PostgresPool(t)
	ctx := context.Background()
	repo := NewLogRepository(pool)
	errs := NewErrorLog(pool)

	ids, err := repo.CreateBatches(ctx, "books-1", "SalesInvoice", records(16), BatchSize)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	n, err := repo.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Len(t, first.Records, 15)
	second, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	none, err := repo.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	id, err := errs.Record(ctx, ErrorEntry{
		Doctype:  "Sales Invoice",
		Instance: "books-1",
		Data:     first.Records[0],
		Error:    "boom",
		Batch:    &first.ID,
	})
	require.NoError(t, err)
	e, err := errs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Records[0].Name(), e.Data.Name())
	require.NoError(t, errs.Delete(ctx, id))
}
