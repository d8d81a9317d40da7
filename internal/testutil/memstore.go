// Package testutil provides in-memory stand-ins and containers for tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/store"
)

type docKey struct {
	doctype, name string
}

// MemStore is an in-memory store.Store
type MemStore struct {
	mu       sync.Mutex
	docs     map[docKey]document.Record
	Observer store.Observer
	// FailInsert makes Insert fail for the named document types
	FailInsert map[string]error
	// ObserverErr is the result of the last observer call
	ObserverErr error
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore returns an empty store seeded with recs
func NewMemStore(recs ...document.Record) *MemStore {
	s := &MemStore{docs: map[docKey]document.Record{}, FailInsert: map[string]error{}}
	for _, r := range recs {
		s.Put(r)
	}
	return s
}

// Put stores rec as is without notifying the observer
func (s *MemStore) Put(rec document.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docKey{rec.Doctype(), rec.Name()}] = rec.Clone()
}

// Len returns the number of stored documents
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Names lists stored document names of a type in order
func (s *MemStore) Names(dt string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for k := range s.docs {
		if k.doctype == dt {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *MemStore) Exists(_ context.Context, dt, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[docKey{dt, name}]
	return ok, nil
}

func (s *MemStore) Get(_ context.Context, dt, name string) (document.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.docs[docKey{dt, name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, dt, name)
	}
	return rec.Clone(), nil
}

// childTables mirrors the parent lookup of the Postgres store
var childTables = map[string][2]string{
	doctype.SalesInvoiceItem:      {doctype.SalesInvoice, "items"},
	doctype.PaymentEntryReference: {doctype.PaymentEntry, "references"},
	doctype.UOMConversionDetail:   {doctype.Item, "uoms"},
}

func (s *MemStore) GetValue(_ context.Context, dt string, criteria map[string]any, fields ...string) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []document.Record
	if child, ok := childTables[dt]; ok {
		for k, rec := range s.docs {
			if k.doctype != child[0] {
				continue
			}
			if parent, ok := criteria["parent"]; ok && document.ToString(parent) != k.name {
				continue
			}
			candidates = append(candidates, rec.Rows(child[1])...)
		}
	} else {
		for k, rec := range s.docs {
			if k.doctype == dt {
				candidates = append(candidates, rec)
			}
		}
	}

	for _, rec := range candidates {
		if !matches(rec, criteria) {
			continue
		}
		values := make([]any, len(fields))
		for i, f := range fields {
			values[i] = rec[f]
		}
		return values, nil
	}
	return nil, nil
}

func matches(rec document.Record, criteria map[string]any) bool {
	for k, v := range criteria {
		if k == "parent" {
			continue
		}
		if document.ToString(rec[k]) != document.ToString(v) {
			return false
		}
	}
	return true
}

func (s *MemStore) Insert(ctx context.Context, rec document.Record) (document.Record, error) {
	if err := s.FailInsert[rec.Doctype()]; err != nil {
		return nil, err
	}
	out := rec.Clone()
	if out.Name() == "" {
		out["name"] = uuid.NewString()
	}
	out["docstatus"] = int(document.Draft)

	s.mu.Lock()
	k := docKey{out.Doctype(), out.Name()}
	if _, ok := s.docs[k]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %q", store.ErrDuplicate, k.doctype, k.name)
	}
	s.docs[k] = out.Clone()
	s.mu.Unlock()

	return out, s.notify(ctx, out)
}

func (s *MemStore) Update(ctx context.Context, rec document.Record) (document.Record, error) {
	s.mu.Lock()
	k := docKey{rec.Doctype(), rec.Name()}
	cur, ok := s.docs[k]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, k.doctype, k.name)
	}
	if cur.DocStatus() == document.Cancelled {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %q is cancelled", store.ErrInvalidTransition, k.doctype, k.name)
	}
	out := rec.Clone()
	out["docstatus"] = int(cur.DocStatus())
	s.docs[k] = out.Clone()
	s.mu.Unlock()

	return out, s.notify(ctx, out)
}

func (s *MemStore) Submit(ctx context.Context, dt, name string) (document.Record, error) {
	return s.transition(ctx, dt, name, document.Draft, document.Submitted)
}

func (s *MemStore) Cancel(ctx context.Context, dt, name string) (document.Record, error) {
	return s.transition(ctx, dt, name, document.Submitted, document.Cancelled)
}

func (s *MemStore) transition(ctx context.Context, dt, name string, from, to document.DocStatus) (document.Record, error) {
	if !doctype.IsSubmittable(dt) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotSubmittable, dt)
	}
	s.mu.Lock()
	k := docKey{dt, name}
	cur, ok := s.docs[k]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %q", store.ErrNotFound, dt, name)
	}
	if cur.DocStatus() != from {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %q is not %s", store.ErrInvalidTransition, dt, name, from)
	}
	cur["docstatus"] = int(to)
	out := cur.Clone()
	s.mu.Unlock()

	return out, s.notify(ctx, out)
}

// notify mirrors the Postgres store, observer failures never fail the write
func (s *MemStore) notify(ctx context.Context, rec document.Record) error {
	if s.Observer != nil {
		s.ObserverErr = s.Observer.DocumentChanged(ctx, rec)
	}
	return nil
}
