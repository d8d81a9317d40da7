// Package identity links local document names to the names Books instances use for them.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
)

// Link says that a local and a Books name denote the same document for one instance
type Link struct {
	Doctype  string
	Local    string
	Remote   string
	Instance string
}

// UpsertResult tells what Upsert did
type UpsertResult int

const (
	Unchanged UpsertResult = iota
	Updated
	Inserted
)

func (r UpsertResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case Inserted:
		return "inserted"
	}
	return "unchanged"
}

// Store keeps identity links in the books_reference table
type Store struct {
	db db.PgxIface
}

// New creates an identity store
func New(conn db.PgxIface) *Store {
	return &Store{db: conn}
}

// LocalName returns the local name linked to a Books name
func (s *Store) LocalName(ctx context.Context, doctype, remote, instance string) (string, bool, error) {
	return s.lookup(ctx,
		`SELECT document_name FROM books_reference
		WHERE document_type = $1 AND books_name = $2 AND books_instance = $3`,
		doctype, remote, instance)
}

// RemoteName returns the Books name linked to a local name
func (s *Store) RemoteName(ctx context.Context, doctype, local, instance string) (string, bool, error) {
	return s.lookup(ctx,
		`SELECT books_name FROM books_reference
		WHERE document_type = $1 AND document_name = $2 AND books_instance = $3
		ORDER BY modified DESC LIMIT 1`,
		doctype, local, instance)
}

func (s *Store) lookup(ctx context.Context, query, doctype, name, instance string) (string, bool, error) {
	var result string
	err := db.RetryTransient(ctx, func() error {
		return s.db.QueryRow(ctx, query, doctype, name, instance).Scan(&result)
	}, "identity lookup")
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up identity of %s %q: %w", doctype, name, err)
	}
	return result, true, nil
}

// Upsert records a link. Calling it again with the same link performs no write.
// A changed Books name for the same local document is updated in place unless
// that Books name is linked already, then the existing link is moved over.
func (s *Store) Upsert(ctx context.Context, l Link) (res UpsertResult, err error) {
	err = db.RetryTransient(ctx, func() error {
		res, err = s.upsert(ctx, l)
		return err
	}, "identity upsert")
	return res, err
}

func (s *Store) upsert(ctx context.Context, l Link) (UpsertResult, error) {
	var (
		id     int64
		remote string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, books_name FROM books_reference
		WHERE document_type = $1 AND document_name = $2 AND books_instance = $3
		ORDER BY modified DESC LIMIT 1`,
		l.Doctype, l.Local, l.Instance).Scan(&id, &remote)

	switch {
	case err == nil && remote == l.Remote:
		return Unchanged, nil
	case err == nil:
		tag, err := s.db.Exec(ctx,
			`UPDATE books_reference SET books_name = $2, modified = now()
			WHERE id = $1 AND NOT EXISTS (
				SELECT 1 FROM books_reference
				WHERE document_type = $3 AND books_name = $2 AND books_instance = $4)`,
			id, l.Remote, l.Doctype, l.Instance)
		if err != nil {
			return Unchanged, fmt.Errorf("failed to update identity of %s %q: %w", l.Doctype, l.Local, err)
		}
		if tag.RowsAffected() > 0 {
			s.log(l).WithField("previous", remote).Info("Identity link updated")
			return Updated, nil
		}
		// the Books name belongs to another local document
		if err := s.insert(ctx, l); err != nil {
			return Unchanged, err
		}
		s.log(l).WithField("previous", remote).Info("Identity link moved")
		return Updated, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Unchanged, fmt.Errorf("failed to read identity of %s %q: %w", l.Doctype, l.Local, err)
	}

	if err := s.insert(ctx, l); err != nil {
		return Unchanged, err
	}
	s.log(l).Debug("Identity link inserted")
	return Inserted, nil
}

// insert adds the link. A row holding the Books name already is pointed at l.Local.
func (s *Store) insert(ctx context.Context, l Link) error {
	if _, err := s.db.Exec(ctx,
		`INSERT INTO books_reference (document_type, document_name, books_name, books_instance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_type, books_name, books_instance)
		DO UPDATE SET document_name = EXCLUDED.document_name, modified = now()`,
		l.Doctype, l.Local, l.Remote, l.Instance); err != nil {
		return fmt.Errorf("failed to insert identity of %s %q: %w", l.Doctype, l.Local, err)
	}
	return nil
}

func (s *Store) log(l Link) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"doctype":  l.Doctype,
		"name":     l.Local,
		"remote":   l.Remote,
		"instance": l.Instance,
	})
}
