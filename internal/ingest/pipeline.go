package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/convert"
	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/identity"
	"github.com/cybertec-postgresql/books_bridge/internal/jobs"
	"github.com/cybertec-postgresql/books_bridge/internal/store"
)

// JobKey deduplicates the drain job
const JobKey = "BOOKS_SYNC_TRANSACTION_JOB"

// Outcome is what ingesting one record did to the local store
type Outcome int

const (
	Skipped Outcome = iota
	Created
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "skipped"
	}
}

// Identities reads and writes identity links
type Identities interface {
	convert.IdentityReader
	Upsert(ctx context.Context, l identity.Link) (identity.UpsertResult, error)
}

// QueueRemover drops outbound queue entries that an inbound write made obsolete
type QueueRemover interface {
	RemoveDocument(ctx context.Context, dt, name, instance string) error
}

// Batches hands out integration log batches
type Batches interface {
	ClaimNext(ctx context.Context) (*Batch, error)
}

// Errors stores failed records for manual retry
type Errors interface {
	Record(ctx context.Context, e ErrorEntry) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (*ErrorEntry, error)
	UpdateError(ctx context.Context, id uuid.UUID, detail string) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Pipeline replays inbound Books records into the local store
type Pipeline struct {
	converter  *convert.Converter
	store      store.Store
	identities Identities
	queue      QueueRemover
	batches    Batches
	errors     Errors
}

// Deps are the collaborators of a Pipeline. Queue may be nil.
type Deps struct {
	Converter  *convert.Converter
	Store      store.Store
	Identities Identities
	Queue      QueueRemover
	Batches    Batches
	Errors     Errors
}

// NewPipeline creates a pipeline
func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		converter:  d.Converter,
		store:      d.Store,
		identities: d.Identities,
		queue:      d.Queue,
		batches:    d.Batches,
		errors:     d.Errors,
	}
}

// Result describes one processed record
type Result struct {
	Outcome Outcome
	// Doctype and Name identify the local document, Name is empty when skipped
	Doctype    string
	Name       string
	RemoteName string
	Hooks      []convert.HookResult
}

// BatchReport summarises one processed batch
type BatchReport struct {
	Batch    uuid.UUID
	Instance string
	Created  int
	Updated  int
	Skipped  int
	// Failed lists the error log entries of failed records
	Failed []uuid.UUID
	// Unlogged counts failed records the error log could not store
	Unlogged int
}

// ProcessRecord ingests one Books record for instance. Records without a field
// map are skipped without error. On failure the returned Result still carries
// the hook outcomes gathered so far.
func (p *Pipeline) ProcessRecord(ctx context.Context, instance string, rec document.Record) (*Result, error) {
	ctx = document.WithOrigin(ctx, document.OriginRemote)
	res := &Result{RemoteName: rec.Name()}
	logger := logrus.WithFields(logrus.Fields{
		"component": "ingest",
		"instance":  instance,
		"doctype":   rec.Doctype(),
		"name":      rec.Name(),
	})

	local, ok := doctype.Resolve("", doctype.ToLocal, rec)
	if !ok {
		logger.Debug("Skipping unmapped document type")
		return res, nil
	}
	res.Doctype = local

	conv, err := p.converter.Convert(ctx, rec, doctype.ToLocal, instance)
	if errors.Is(err, convert.ErrNotMapped) {
		logger.Debug("Skipping document without field map")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to convert %s %q: %w", local, rec.Name(), err)
	}
	if res.RemoteName == "" {
		return res, fmt.Errorf("%s record has no name", rec.Doctype())
	}

	existing, found, err := p.identities.LocalName(ctx, local, res.RemoteName, instance)
	if err != nil {
		return res, fmt.Errorf("failed to look up %s %q: %w", local, res.RemoteName, err)
	}

	var saved document.Record
	if found {
		saved, err = p.update(ctx, conv, res, existing)
		if errors.Is(err, store.ErrNotFound) {
			logger.WithField("local", existing).Warn("Linked document is gone, creating it again")
			found = false
		} else if err != nil {
			return res, err
		}
	}
	if !found {
		if saved, err = p.create(ctx, conv, res); err != nil {
			return res, err
		}
	}
	if saved == nil {
		return res, nil
	}
	res.Name = saved.Name()

	// link before the lifecycle transitions so a retry after a failed submit updates
	if _, err := p.identities.Upsert(ctx, identity.Link{
		Doctype:  local,
		Local:    saved.Name(),
		Remote:   res.RemoteName,
		Instance: instance,
	}); err != nil {
		return res, fmt.Errorf("failed to link %s %q: %w", local, saved.Name(), err)
	}

	if _, err := p.transition(ctx, rec, saved); err != nil {
		return res, err
	}

	if p.queue != nil {
		if err := p.queue.RemoveDocument(ctx, local, saved.Name(), instance); err != nil {
			logger.WithError(err).Warn("Failed to clear outbound queue entry")
		}
	}

	logger.WithFields(logrus.Fields{
		"local":   saved.Name(),
		"outcome": res.Outcome.String(),
	}).Debug("Ingested document")
	return res, nil
}

func (p *Pipeline) hook(ctx context.Context, conv *convert.Conversion, res *Result, stage convert.Lifecycle) error {
	r := p.converter.RunLifecycle(ctx, conv, stage)
	res.Hooks = append(res.Hooks, r)
	return r.Err
}

func (p *Pipeline) create(ctx context.Context, conv *convert.Conversion, res *Result) (document.Record, error) {
	if err := p.hook(ctx, conv, res, convert.BeforeSave); err != nil {
		return nil, err
	}
	saved, err := p.store.Insert(ctx, conv.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to insert %s: %w", conv.Doctype, err)
	}
	conv.Record = saved
	if err := p.hook(ctx, conv, res, convert.AfterSave); err != nil {
		return nil, err
	}
	res.Outcome = Created
	return saved, nil
}

// update applies the converted fields onto the linked document. A cancelled
// document is left alone.
func (p *Pipeline) update(ctx context.Context, conv *convert.Conversion, res *Result, name string) (document.Record, error) {
	current, err := p.store.Get(ctx, conv.Doctype, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %q: %w", conv.Doctype, name, err)
	}
	if current.DocStatus() == document.Cancelled {
		res.Outcome = Skipped
		return nil, nil
	}

	merged := current.Clone()
	for k, v := range conv.Patch() {
		merged[k] = v
	}
	merged["doctype"] = conv.Doctype
	merged["name"] = name
	conv.Record = merged

	if err := p.hook(ctx, conv, res, convert.BeforeSave); err != nil {
		return nil, err
	}
	saved, err := p.store.Update(ctx, conv.Record)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %q: %w", conv.Doctype, name, err)
	}
	conv.Record = saved
	if err := p.hook(ctx, conv, res, convert.AfterSave); err != nil {
		return nil, err
	}
	res.Outcome = Updated
	return saved, nil
}

// transition follows the submitted and cancelled flags of the Books record.
// Only drafts of submittable types are submitted and only submitted documents cancelled.
func (p *Pipeline) transition(ctx context.Context, src, doc document.Record) (document.Record, error) {
	dt, name := doc.Doctype(), doc.Name()
	var err error
	if src.Bool("submitted") && doctype.IsSubmittable(dt) && doc.DocStatus() == document.Draft {
		if doc, err = p.store.Submit(ctx, dt, name); err != nil {
			return nil, fmt.Errorf("failed to submit %s %q: %w", dt, name, err)
		}
	}
	if src.Bool("cancelled") && doc.DocStatus() == document.Submitted {
		if doc, err = p.store.Cancel(ctx, dt, name); err != nil {
			return nil, fmt.Errorf("failed to cancel %s %q: %w", dt, name, err)
		}
	}
	return doc, nil
}

// ProcessBatch ingests every record of b. A failing record is written to the
// error log and the next one runs.
func (p *Pipeline) ProcessBatch(ctx context.Context, b *Batch) *BatchReport {
	report := &BatchReport{Batch: b.ID, Instance: b.Instance}
	logger := logrus.WithFields(logrus.Fields{
		"component": "ingest",
		"batch":     b.ID,
		"instance":  b.Instance,
	})

	for _, rec := range b.Records {
		res, err := p.ProcessRecord(ctx, b.Instance, rec)
		if err != nil {
			batch := b.ID
			dt := res.Doctype
			if dt == "" {
				dt = b.Doctype
			}
			id, logErr := p.errors.Record(ctx, ErrorEntry{
				Doctype:  dt,
				Instance: b.Instance,
				Data:     rec,
				Error:    Detail(err, res.Hooks),
				Batch:    &batch,
			})
			logger.WithError(err).WithField("doctype", dt).Warn("Record failed to ingest")
			if logErr != nil {
				logger.WithError(logErr).WithField("cause", err).Error("Failed to record ingest error")
				report.Unlogged++
				continue
			}
			report.Failed = append(report.Failed, id)
			continue
		}
		switch res.Outcome {
		case Created:
			report.Created++
		case Updated:
			report.Updated++
		default:
			report.Skipped++
		}
	}

	logger.WithFields(logrus.Fields{
		"created":  report.Created,
		"updated":  report.Updated,
		"skipped":  report.Skipped,
		"failed":   len(report.Failed),
		"unlogged": report.Unlogged,
	}).Info("Processed batch")
	return report
}

// ProcessNext claims and processes the oldest waiting batch. It returns nil
// when no batch is waiting.
func (p *Pipeline) ProcessNext(ctx context.Context) (*BatchReport, error) {
	b, err := p.batches.ClaimNext(ctx)
	if err != nil {
		if b != nil {
			// claimed but unreadable, nothing left to replay
			return &BatchReport{Batch: b.ID, Instance: b.Instance}, err
		}
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	return p.ProcessBatch(ctx, b), nil
}

// Drain processes batches until none is waiting
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		report, err := p.ProcessNext(ctx)
		if report != nil {
			n++
		}
		if err != nil {
			return n, err
		}
		if report == nil {
			return n, nil
		}
	}
	return n, ctx.Err()
}

// Enqueuer starts deduplicated background jobs
type Enqueuer interface {
	Enqueue(key string, task jobs.Task) bool
}

// Job returns the drain task. After each batch it enqueues itself under
// JobKey again until the log is empty.
func (p *Pipeline) Job(s Enqueuer) jobs.Task {
	var task jobs.Task
	task = func(ctx context.Context) error {
		report, err := p.ProcessNext(ctx)
		if report != nil {
			s.Enqueue(JobKey, task)
		}
		return err
	}
	return task
}

// Retry replays a stored failure. The entry is deleted on success and keeps
// the new error text on failure.
func (p *Pipeline) Retry(ctx context.Context, id uuid.UUID) (*Result, error) {
	entry, err := p.errors.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	res, err := p.ProcessRecord(ctx, entry.Instance, entry.Data)
	if err != nil {
		if uerr := p.errors.UpdateError(ctx, id, Detail(err, res.Hooks)); uerr != nil {
			logrus.WithError(uerr).WithField("entry", id).Warn("Failed to update error log entry")
		}
		return res, err
	}

	if err := p.errors.Delete(ctx, id); err != nil {
		return res, err
	}
	logrus.WithFields(logrus.Fields{
		"entry":    id,
		"doctype":  res.Doctype,
		"instance": entry.Instance,
		"outcome":  res.Outcome.String(),
	}).Info("Retried failed record")
	return res, nil
}

// Detail renders err with its retry class and the hook outcomes for the error log
func Detail(err error, hooks []convert.HookResult) string {
	var b strings.Builder
	b.WriteString(err.Error())
	if convert.IsRetryable(err) {
		b.WriteString("\nretryable: true")
	}
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&b, "\ncaused by %T: %v", cause, cause)
	}
	for _, h := range hooks {
		b.WriteString("\n")
		b.WriteString(h.String())
	}
	return b.String()
}
