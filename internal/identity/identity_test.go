package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/books_bridge/internal/testutil"
)

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, New(mock)
}

var link = Link{Doctype: "Sales Invoice", Local: "SINV-0001", Remote: "SINV-1001", Instance: "books-1"}

func TestLocalName(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT document_name FROM books_reference").
		WithArgs("Sales Invoice", "SINV-1001", "books-1").
		WillReturnRows(pgxmock.NewRows([]string{"document_name"}).AddRow("SINV-0001"))

	name, ok, err := s.LocalName(context.Background(), "Sales Invoice", "SINV-1001", "books-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SINV-0001", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoteNameMissing(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT books_name FROM books_reference").
		WithArgs("Item", "WIDGET", "books-1").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.RemoteName(context.Background(), "Item", "WIDGET", "books-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupError(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT document_name").
		WithArgs("Item", "WIDGET", "books-1").
		WillReturnError(errors.New("relation does not exist"))

	_, _, err := s.LocalName(context.Background(), "Item", "WIDGET", "books-1")
	assert.Error(t, err)
}

func TestUpsertInserts(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO books_reference").
		WithArgs(link.Doctype, link.Local, link.Remote, link.Instance).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := s.Upsert(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertIsIdempotent(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnRows(pgxmock.NewRows([]string{"id", "books_name"}).AddRow(int64(7), link.Remote))

	res, err := s.Upsert(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
	// no write expected
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertUpdatesChangedRemoteName(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnRows(pgxmock.NewRows([]string{"id", "books_name"}).AddRow(int64(7), "SINV-OLD"))
	mock.ExpectExec("UPDATE books_reference SET books_name").
		WithArgs(int64(7), link.Remote, link.Doctype, link.Instance).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	res, err := s.Upsert(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	assert.Equal(t, "updated", res.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMovesLinkedRemoteName(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnRows(pgxmock.NewRows([]string{"id", "books_name"}).AddRow(int64(7), "SINV-OLD"))
	mock.ExpectExec("UPDATE books_reference SET books_name").
		WithArgs(int64(7), link.Remote, link.Doctype, link.Instance).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("INSERT INTO books_reference").
		WithArgs(link.Doctype, link.Local, link.Remote, link.Instance).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := s.Upsert(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRetriesTransientErrors(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO books_reference").
		WithArgs(link.Doctype, link.Local, link.Remote, link.Instance).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	res, err := s.Upsert(context.Background(), link)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStopsOnPermanentErrors(t *testing.T) {
	mock, s := newMock(t)

	mock.ExpectQuery("SELECT id, books_name FROM books_reference").
		WithArgs(link.Doctype, link.Local, link.Instance).
		WillReturnError(&pgconn.PgError{Code: "42P01"})

	_, err := s.Upsert(context.Background(), link)
	require.Error(t, err)
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAgainstPostgres(t *testing.T) {
	pool := testutil.PostgresPool(t)
	s := New(pool)
	ctx := context.Background()

	res, err := s.Upsert(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, Inserted, res)

	res, err = s.Upsert(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM books_reference`).Scan(&count))
	assert.Equal(t, 1, count)

	moved := link
	moved.Remote = "SINV-2002"
	res, err = s.Upsert(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	local, ok, err := s.LocalName(ctx, link.Doctype, "SINV-2002", link.Instance)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, link.Local, local)

	other := Link{Doctype: link.Doctype, Local: "SINV-0002", Remote: "SINV-3003", Instance: link.Instance}
	_, err = s.Upsert(ctx, other)
	require.NoError(t, err)
	taken := moved
	taken.Remote = other.Remote
	res, err = s.Upsert(ctx, taken)
	require.NoError(t, err)
	assert.Equal(t, Updated, res)

	local, ok, err = s.LocalName(ctx, link.Doctype, other.Remote, link.Instance)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, link.Local, local)
	remote, ok, err := s.RemoteName(ctx, link.Doctype, link.Local, link.Instance)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, other.Remote, remote)
}
