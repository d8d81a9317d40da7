package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/books_bridge/internal/convert"
	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/identity"
	"github.com/cybertec-postgresql/books_bridge/internal/jobs"
	"github.com/cybertec-postgresql/books_bridge/internal/settings"
	"github.com/cybertec-postgresql/books_bridge/internal/store"
	"github.com/cybertec-postgresql/books_bridge/internal/testutil"
)

const instance = "books-1"

type linker struct {
	*testutil.Identities
	upserts int
}

func (l *linker) Upsert(_ context.Context, link identity.Link) (identity.UpsertResult, error) {
	l.upserts++
	if remote, ok, _ := l.RemoteName(context.Background(), link.Doctype, link.Local, link.Instance); ok {
		if remote == link.Remote {
			return identity.Unchanged, nil
		}
		l.Link(link.Doctype, link.Local, link.Remote, link.Instance)
		return identity.Updated, nil
	}
	l.Link(link.Doctype, link.Local, link.Remote, link.Instance)
	return identity.Inserted, nil
}

type memBatches struct {
	mu      sync.Mutex
	batches []*Batch
}

func (m *memBatches) add(records ...document.Record) *Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &Batch{ID: uuid.New(), Instance: instance, Doctype: "Party", Records: records}
	m.batches = append(m.batches, b)
	return b
}

func (m *memBatches) ClaimNext(context.Context) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if !b.Processed {
			b.Processed = true
			return b, nil
		}
	}
	return nil, nil
}

type memErrors struct {
	entries map[uuid.UUID]*ErrorEntry
	err     error
}

func (m *memErrors) Record(_ context.Context, e ErrorEntry) (uuid.UUID, error) {
	if m.err != nil {
		return uuid.Nil, m.err
	}
	e.ID = uuid.New()
	m.entries[e.ID] = &e
	return e.ID, nil
}

func (m *memErrors) Get(_ context.Context, id uuid.UUID) (*ErrorEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

func (m *memErrors) UpdateError(_ context.Context, id uuid.UUID, detail string) error {
	m.entries[id].Error = detail
	return nil
}

func (m *memErrors) Delete(_ context.Context, id uuid.UUID) error {
	delete(m.entries, id)
	return nil
}

type removals []string

func (r *removals) RemoveDocument(_ context.Context, dt, name, inst string) error {
	*r = append(*r, dt+"/"+name+"@"+inst)
	return nil
}

type fixture struct {
	p       *Pipeline
	store   *testutil.MemStore
	ids     *linker
	batches *memBatches
	errors  *memErrors
	removed *removals
}

func newFixture() *fixture {
	st := testutil.NewMemStore()
	ids := &linker{Identities: testutil.NewIdentities()}
	f := &fixture{
		store:   st,
		ids:     ids,
		batches: &memBatches{},
		errors:  &memErrors{entries: map[uuid.UUID]*ErrorEntry{}},
		removed: &removals{},
	}
	f.p = NewPipeline(Deps{
		Converter:  convert.NewConverter(nil, ids, st, settings.NewHolder(settings.Default())),
		Store:      st,
		Identities: ids,
		Queue:      f.removed,
		Batches:    f.batches,
		Errors:     f.errors,
	})
	return f
}

func party(name, role string) document.Record {
	return document.Record{"doctype": doctype.Party, "role": role, "name": name}
}

func TestBatchIsolation(t *testing.T) {
	f := newFixture()
	bad := party("Globex", "Customer")
	bad["address"] = "ADDR-404"
	b := f.batches.add(party("ACME", "Customer"), bad, party("Initech", "Customer"))

	report, err := f.p.ProcessNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, b.Processed)
	assert.Equal(t, 2, report.Created)
	require.Len(t, report.Failed, 1)
	assert.ElementsMatch(t, []string{"ACME", "Initech"}, f.store.Names(doctype.Customer))

	entry := f.errors.entries[report.Failed[0]]
	require.NotNil(t, entry)
	assert.Equal(t, doctype.Customer, entry.Doctype)
	assert.Equal(t, instance, entry.Instance)
	assert.Equal(t, bad, entry.Data)
	require.NotNil(t, entry.Batch)
	assert.Equal(t, b.ID, *entry.Batch)
	assert.Contains(t, entry.Error, "ADDR-404")
	assert.Contains(t, entry.Error, "retryable: true")

	report, err = f.p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestBatchWithUnwritableErrorLog(t *testing.T) {
	f := newFixture()
	f.errors.err = errors.New("disk full")
	bad := party("Globex", "Customer")
	bad["address"] = "ADDR-404"
	b := f.batches.add(party("ACME", "Customer"), bad)

	report, err := f.p.ProcessNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, b.Processed)
	assert.Equal(t, 1, report.Created)
	assert.Empty(t, report.Failed)
	assert.NotContains(t, report.Failed, uuid.Nil)
	assert.Equal(t, 1, report.Unlogged)
	assert.Empty(t, f.errors.entries)
}

func TestProcessRecordCreateThenUpdate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res, err := f.p.ProcessRecord(ctx, instance, document.Record{
		"doctype": doctype.Party, "role": "Supplier", "name": "Globex", "gstin": "29ABCDE1234F1Z5",
	})
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	assert.Equal(t, doctype.Supplier, res.Doctype)
	assert.Equal(t, "Globex", res.Name)

	res, err = f.p.ProcessRecord(ctx, instance, document.Record{
		"doctype": doctype.Party, "role": "Supplier", "name": "Globex", "gstin": "29ABCDE1234F1Z6",
	})
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)

	doc, err := f.store.Get(ctx, doctype.Supplier, "Globex")
	require.NoError(t, err)
	assert.Equal(t, "29ABCDE1234F1Z6", doc["gstin"])
	assert.Equal(t, "Globex", doc["supplier_name"])

	// the second push found the link, nothing new was linked
	assert.Equal(t, 1, f.ids.Len())
	assert.Equal(t, 2, f.ids.upserts)
	assert.Equal(t, []string{"Supplier/Globex@books-1", "Supplier/Globex@books-1"}, []string(*f.removed))
}

func TestProcessRecordLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	invoice := func(flags document.Record) document.Record {
		rec := document.Record{"doctype": "SalesInvoice", "name": "SINV-1001", "party": "ACME", "date": "2024-01-15"}
		for k, v := range flags {
			rec[k] = v
		}
		return rec
	}

	res, err := f.p.ProcessRecord(ctx, instance, invoice(document.Record{"submitted": true}))
	require.NoError(t, err)
	require.Equal(t, Created, res.Outcome)
	doc, err := f.store.Get(ctx, doctype.SalesInvoice, res.Name)
	require.NoError(t, err)
	assert.Equal(t, document.Submitted, doc.DocStatus())

	local, ok, _ := f.ids.LocalName(ctx, doctype.SalesInvoice, "SINV-1001", instance)
	require.True(t, ok)
	assert.Equal(t, res.Name, local)

	res, err = f.p.ProcessRecord(ctx, instance, invoice(document.Record{"submitted": true, "cancelled": true}))
	require.NoError(t, err)
	assert.Equal(t, Updated, res.Outcome)
	doc, err = f.store.Get(ctx, doctype.SalesInvoice, local)
	require.NoError(t, err)
	assert.Equal(t, document.Cancelled, doc.DocStatus())

	// cancelled documents are final
	res, err = f.p.ProcessRecord(ctx, instance, invoice(document.Record{"submitted": true}))
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
}

func TestProcessRecordSubmitOnlySubmittable(t *testing.T) {
	f := newFixture()

	res, err := f.p.ProcessRecord(context.Background(), instance, document.Record{
		"doctype": "Address", "name": "ADDR-B", "city": "Kochi", "submitted": true,
	})
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	doc, err := f.store.Get(context.Background(), doctype.Address, "ADDR-B")
	require.NoError(t, err)
	assert.Equal(t, document.Draft, doc.DocStatus())
}

func TestProcessRecordSkipsUnmapped(t *testing.T) {
	f := newFixture()

	for _, rec := range []document.Record{
		{"doctype": "JournalEntry", "name": "JV-1"},
		{"doctype": doctype.Party, "name": "Nobody"},
	} {
		res, err := f.p.ProcessRecord(context.Background(), instance, rec)
		require.NoError(t, err)
		assert.Equal(t, Skipped, res.Outcome)
	}
	assert.Zero(t, f.store.Len())
}

func TestProcessRecordMarksWritesAsRemote(t *testing.T) {
	f := newFixture()
	var origins []document.Origin
	f.store.Observer = store.ObserverFunc(func(ctx context.Context, _ document.Record) error {
		origins = append(origins, document.OriginFrom(ctx))
		return nil
	})

	_, err := f.p.ProcessRecord(context.Background(), instance, party("ACME", "Customer"))
	require.NoError(t, err)
	require.NotEmpty(t, origins)
	for _, o := range origins {
		assert.Equal(t, document.OriginRemote, o)
	}
}

func TestProcessRecordRecreatesStaleLink(t *testing.T) {
	f := newFixture()
	f.ids.Link(doctype.Customer, "ACME-OLD", "ACME", instance)

	res, err := f.p.ProcessRecord(context.Background(), instance, party("ACME", "Customer"))
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)

	local, ok, _ := f.ids.LocalName(context.Background(), doctype.Customer, "ACME", instance)
	require.True(t, ok)
	assert.Equal(t, "ACME", local)
}

func TestProcessRecordHookFailure(t *testing.T) {
	f := newFixture()
	f.ids.Link(doctype.SalesInvoice, "SINV-0001", "SINV-1001", instance)
	f.store.Put(document.Record{"doctype": doctype.SalesInvoice, "name": "SINV-0001", "docstatus": 0})

	res, err := f.p.ProcessRecord(context.Background(), instance, document.Record{
		"doctype":       "Shipment",
		"name":          "SHP-1",
		"party":         "ACME",
		"backReference": "SINV-1001",
		"items":         []any{map[string]any{"item": "WIDGET", "quantity": 1.0}},
	})
	require.ErrorIs(t, err, convert.ErrReferenceNotSubmitted)
	require.Len(t, res.Hooks, 1)
	assert.False(t, res.Hooks[0].OK())
	assert.Empty(t, f.store.Names(doctype.DeliveryNote))

	detail := Detail(err, res.Hooks)
	assert.Contains(t, detail, "before_save")
	assert.NotContains(t, detail, "retryable")
}

func TestRetry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	bad := party("Globex", "Customer")
	bad["address"] = "ADDR-B"
	f.batches.add(bad)

	report, err := f.p.ProcessNext(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failed, 1)
	id := report.Failed[0]

	// still unresolved, the entry stays
	_, err = f.p.Retry(ctx, id)
	require.Error(t, err)
	assert.True(t, convert.IsRetryable(err))
	assert.Contains(t, f.errors.entries, id)

	f.ids.Link(doctype.Address, "ADDR-0001", "ADDR-B", instance)
	res, err := f.p.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	assert.NotContains(t, f.errors.entries, id)

	doc, err := f.store.Get(ctx, doctype.Customer, "Globex")
	require.NoError(t, err)
	assert.Equal(t, "ADDR-0001", doc["customer_primary_address"])

	_, err = f.p.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestJobDrainsEveryBatch(t *testing.T) {
	f := newFixture()
	for _, name := range []string{"A", "B", "C"} {
		f.batches.add(party(name, "Customer"))
	}

	s := jobs.NewScheduler(context.Background(), nil)
	require.True(t, s.Enqueue(JobKey, f.p.Job(s)))
	s.Wait()

	assert.ElementsMatch(t, []string{"A", "B", "C"}, f.store.Names(doctype.Customer))
	for _, b := range f.batches.batches {
		assert.True(t, b.Processed)
	}
}

func TestDrain(t *testing.T) {
	f := newFixture()
	f.batches.add(party("A", "Customer"))
	f.batches.add(party("B", "Customer"), party("B", "Customer"))

	n, err := f.p.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.store.Len())
	assert.Empty(t, f.errors.entries)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "updated", Updated.String())
	assert.Equal(t, "skipped", Skipped.String())
}
