// Package store keeps local documents in PostgreSQL and enforces their submit/cancel lifecycle.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/db"
	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

var (
	ErrNotFound          = errors.New("document not found")
	ErrDuplicate         = errors.New("document already exists")
	ErrNotSubmittable    = errors.New("document type is not submittable")
	ErrInvalidTransition = errors.New("invalid docstatus transition")
)

// Observer is told about every successful write. The context carries the write origin.
type Observer interface {
	DocumentChanged(ctx context.Context, rec document.Record) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, rec document.Record) error

// DocumentChanged calls f
func (f ObserverFunc) DocumentChanged(ctx context.Context, rec document.Record) error {
	return f(ctx, rec)
}

// Store is the persistent local document store
type Store interface {
	Exists(ctx context.Context, doctype, name string) (bool, error)
	Get(ctx context.Context, doctype, name string) (document.Record, error)
	GetValue(ctx context.Context, doctype string, criteria map[string]any, fields ...string) ([]any, error)
	Insert(ctx context.Context, rec document.Record) (document.Record, error)
	Update(ctx context.Context, rec document.Record) (document.Record, error)
	Submit(ctx context.Context, doctype, name string) (document.Record, error)
	Cancel(ctx context.Context, doctype, name string) (document.Record, error)
}

// childTable locates the rows of a child document type inside its parent
type childTable struct {
	parent string
	field  string
}

var childTables = map[string]childTable{
	doctype.SalesInvoiceItem:      {parent: doctype.SalesInvoice, field: "items"},
	doctype.PaymentEntryReference: {parent: doctype.PaymentEntry, field: "references"},
	doctype.UOMConversionDetail:   {parent: doctype.Item, field: "uoms"},
	"Delivery Note Item":          {parent: doctype.DeliveryNote, field: "items"},
	"Stock Entry Detail":          {parent: doctype.StockEntry, field: "items"},
}

// Postgres is a Store on the documents table
type Postgres struct {
	db       db.PgxIface
	observer Observer
}

// NewPostgres creates a store. observer may be nil.
func NewPostgres(conn db.PgxIface, observer Observer) *Postgres {
	return &Postgres{db: conn, observer: observer}
}

// Exists reports whether a document is stored
func (s *Postgres) Exists(ctx context.Context, dt, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE doctype = $1 AND name = $2)`,
		dt, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check %s %q: %w", dt, name, err)
	}
	return exists, nil
}

// Get loads a document, ErrNotFound if absent
func (s *Postgres) Get(ctx context.Context, dt, name string) (document.Record, error) {
	var data []byte
	var status int16
	err := s.db.QueryRow(ctx,
		`SELECT data, docstatus FROM documents WHERE doctype = $1 AND name = $2`,
		dt, name).Scan(&data, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, dt, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %q: %w", dt, name, err)
	}
	rec, err := document.Decode(data)
	if err != nil {
		return nil, err
	}
	rec["doctype"] = dt
	rec["name"] = name
	rec["docstatus"] = int(status)
	return rec, nil
}

// GetValue returns fields of the first document matching criteria, nil when none matches.
// For child document types the criterion "parent" selects the parent document.
func (s *Postgres) GetValue(ctx context.Context, dt string, criteria map[string]any, fields ...string) ([]any, error) {
	var (
		query string
		args  []any
	)
	match := make(map[string]any, len(criteria))
	for k, v := range criteria {
		match[k] = v
	}

	if child, ok := childTables[dt]; ok {
		parent, hasParent := match["parent"]
		delete(match, "parent")
		filter, err := json.Marshal(match)
		if err != nil {
			return nil, fmt.Errorf("failed to encode criteria: %w", err)
		}
		query = `SELECT r.value FROM documents d, jsonb_array_elements(d.data->$2) r
			WHERE d.doctype = $1 AND r.value @> $3::jsonb`
		args = []any{child.parent, child.field, filter}
		if hasParent {
			query += ` AND d.name = $4`
			args = append(args, document.ToString(parent))
		}
	} else {
		filter, err := json.Marshal(match)
		if err != nil {
			return nil, fmt.Errorf("failed to encode criteria: %w", err)
		}
		query = `SELECT d.data FROM documents d WHERE d.doctype = $1 AND d.data @> $2::jsonb`
		args = []any{dt, filter}
	}
	query += ` LIMIT 1`

	var data []byte
	err := s.db.QueryRow(ctx, query, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", dt, err)
	}
	rec, err := document.Decode(data)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(fields))
	for i, f := range fields {
		values[i] = rec[f]
	}
	return values, nil
}

// Insert stores a new draft document. A missing name is generated.
func (s *Postgres) Insert(ctx context.Context, rec document.Record) (document.Record, error) {
	name := rec.Name()
	if name == "" {
		name = uuid.NewString()
	}
	out := prepare(rec, name)
	out["docstatus"] = int(document.Draft)

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", out.Doctype(), err)
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO documents (doctype, name, docstatus, data) VALUES ($1, $2, 0, $3)
		ON CONFLICT (doctype, name) DO NOTHING`,
		out.Doctype(), out.Name(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s %q: %w", out.Doctype(), out.Name(), err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrDuplicate, out.Doctype(), out.Name())
	}

	s.notify(ctx, out)
	return out, nil
}

// Update replaces the body of a stored document. Its docstatus is kept.
// Cancelled documents are immutable.
func (s *Postgres) Update(ctx context.Context, rec document.Record) (document.Record, error) {
	cur, err := s.Get(ctx, rec.Doctype(), rec.Name())
	if err != nil {
		return nil, err
	}
	if cur.DocStatus() == document.Cancelled {
		return nil, fmt.Errorf("%w: %s %q is cancelled", ErrInvalidTransition, rec.Doctype(), rec.Name())
	}

	out := prepare(rec, rec.Name())
	out["docstatus"] = int(cur.DocStatus())
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", out.Doctype(), err)
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE documents SET data = $3, modified = now() WHERE doctype = $1 AND name = $2 AND docstatus <> 2`,
		out.Doctype(), out.Name(), data)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %q: %w", out.Doctype(), out.Name(), err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrNotFound, out.Doctype(), out.Name())
	}

	s.notify(ctx, out)
	return out, nil
}

// Submit moves a draft to submitted
func (s *Postgres) Submit(ctx context.Context, dt, name string) (document.Record, error) {
	return s.transition(ctx, dt, name, document.Draft, document.Submitted)
}

// Cancel moves a submitted document to cancelled
func (s *Postgres) Cancel(ctx context.Context, dt, name string) (document.Record, error) {
	return s.transition(ctx, dt, name, document.Submitted, document.Cancelled)
}

func (s *Postgres) transition(ctx context.Context, dt, name string, from, to document.DocStatus) (document.Record, error) {
	if !doctype.IsSubmittable(dt) {
		return nil, fmt.Errorf("%w: %s", ErrNotSubmittable, dt)
	}

	var data []byte
	err := s.db.QueryRow(ctx,
		`UPDATE documents
		SET docstatus = $4, data = jsonb_set(data, '{docstatus}', to_jsonb($4::int)), modified = now()
		WHERE doctype = $1 AND name = $2 AND docstatus = $3
		RETURNING data`,
		dt, name, int(from), int(to)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, existsErr := s.Exists(ctx, dt, name)
		if existsErr != nil {
			return nil, existsErr
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s %q", ErrNotFound, dt, name)
		}
		return nil, fmt.Errorf("%w: %s %q is not %s", ErrInvalidTransition, dt, name, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set %s %q to %s: %w", dt, name, to, err)
	}

	rec, err := document.Decode(data)
	if err != nil {
		return nil, err
	}
	rec["doctype"] = dt
	rec["name"] = name
	rec["docstatus"] = int(to)

	logrus.WithFields(logrus.Fields{
		"doctype": dt,
		"name":    name,
		"status":  to.String(),
	}).Debug("Document status changed")

	s.notify(ctx, rec)
	return rec, nil
}

func (s *Postgres) notify(ctx context.Context, rec document.Record) {
	if s.observer == nil {
		return
	}
	if err := s.observer.DocumentChanged(ctx, rec); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"doctype": rec.Doctype(),
			"name":    rec.Name(),
		}).Error("Document change observer failed")
	}
}

// prepare copies rec under name and names child rows that have no name yet
func prepare(rec document.Record, name string) document.Record {
	out := rec.Clone()
	out["name"] = name
	for _, v := range out {
		rows, ok := v.([]document.Record)
		if !ok {
			continue
		}
		for i, row := range rows {
			if row.Name() == "" {
				row["name"] = strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
			}
			row["parent"] = name
			row["idx"] = i + 1
		}
	}
	return out
}
