// Package api implements the operations Books instances call, each answering with an Envelope.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/convert"
	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/identity"
	"github.com/cybertec-postgresql/books_bridge/internal/ingest"
	"github.com/cybertec-postgresql/books_bridge/internal/queue"
	"github.com/cybertec-postgresql/books_bridge/internal/settings"
	"github.com/cybertec-postgresql/books_bridge/internal/store"
)

// Envelope is the answer of every operation. Failures carry a message, never a raw error.
type Envelope struct {
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
	Data       any       `json:"data,omitempty"`
	SuccessLog []LogLine `json:"success_log,omitempty"`
	FailedLog  []LogLine `json:"failed_log,omitempty"`
}

// LogLine names one document in a success or failure log
type LogLine struct {
	DocumentName string `json:"document_name"`
	DoctypeName  string `json:"doctype_name"`
	Error        string `json:"error,omitempty"`
}

func fail(message string) Envelope {
	return Envelope{Success: false, Message: message}
}

// Queue is the outbound sync queue
type Queue interface {
	Enqueue(ctx context.Context, rec document.Record, instance string) (bool, error)
	Pending(ctx context.Context, instance string) ([]queue.Entry, error)
	Get(ctx context.Context, id int64) (*queue.Entry, error)
	Remove(ctx context.Context, id int64) error
}

// Instances is the Books instance registry
type Instances interface {
	Register(ctx context.Context, name string) (bool, error)
	IsEnabled(ctx context.Context, name string) (bool, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
}

// Batches stores inbound records for the drain job
type Batches interface {
	CreateBatches(ctx context.Context, instance, dt string, records []document.Record, size int) ([]uuid.UUID, error)
	Pending(ctx context.Context) (int, error)
}

// Publisher replaces the sync settings of every bridge process
type Publisher interface {
	PublishSettings(ctx context.Context, s *settings.Settings) error
}

// Errors gives access to records that failed to ingest
type Errors interface {
	List(ctx context.Context, instance string, limit int) ([]ingest.ErrorEntry, error)
}

// Replayer retries a failed record
type Replayer interface {
	Retry(ctx context.Context, id uuid.UUID) (*ingest.Result, error)
}

// Deps are the collaborators of a Service
type Deps struct {
	Settings   settings.Source
	Converter  *convert.Converter
	Store      store.Store
	Identities ingest.Identities
	Queue      Queue
	Instances  Instances
	Batches    Batches
	Errors     Errors
	Replayer   Replayer
	Publisher  Publisher
	// Trigger starts the drain job, it must not block
	Trigger func()
	// Draining reports whether the drain job is queued or running
	Draining  func() bool
	BatchSize int
}

// Service implements the API operations
type Service struct {
	deps Deps
}

// NewService creates a service
func NewService(d Deps) *Service {
	if d.BatchSize <= 0 {
		d.BatchSize = ingest.BatchSize
	}
	if d.Trigger == nil {
		d.Trigger = func() {}
	}
	if d.Draining == nil {
		d.Draining = func() bool { return false }
	}
	return &Service{deps: d}
}

func (s *Service) instanceOK(ctx context.Context, instance string) (bool, error) {
	if instance == "" {
		return false, nil
	}
	return s.deps.Instances.IsEnabled(ctx, instance)
}

// Settings returns the flattened sync settings and the application version
func (s *Service) Settings(context.Context) Envelope {
	cfg := s.deps.Settings.Current()
	return Envelope{Success: true, AppVersion: cfg.AppVersion, Data: cfg.SyncParams()}
}

// PendingDocs converts every document queued for instance to the Books schema.
// Each carries its queue id as syncId, its local name as nameInERPNext and,
// when linked, its Books name as fbooksDocName.
func (s *Service) PendingDocs(ctx context.Context, instance string) Envelope {
	logger := logrus.WithFields(logrus.Fields{"component": "api", "instance": instance})
	if ok, err := s.instanceOK(ctx, instance); err != nil || !ok {
		if err != nil {
			logger.WithError(err).Error("Failed to check instance")
		}
		return fail("Books instance not found")
	}

	entries, err := s.deps.Queue.Pending(ctx, instance)
	if err != nil {
		logger.WithError(err).Error("Failed to read sync queue")
		return fail("Failed to read pending documents")
	}

	env := Envelope{Success: true}
	docs := make([]document.Record, 0, len(entries))
	for _, e := range entries {
		doc, err := s.pendingDoc(ctx, e)
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{"doctype": e.Doctype, "name": e.Name}).
				Warn("Failed to prepare pending document")
			env.FailedLog = append(env.FailedLog, LogLine{DocumentName: e.Name, DoctypeName: e.Doctype, Error: reason(err)})
			continue
		}
		docs = append(docs, doc)
	}
	env.Data = docs
	return env
}

func (s *Service) pendingDoc(ctx context.Context, e queue.Entry) (document.Record, error) {
	local, err := s.deps.Store.Get(ctx, e.Doctype, e.Name)
	if errors.Is(err, store.ErrNotFound) {
		// the document was deleted after it was queued
		if rerr := s.deps.Queue.Remove(ctx, e.ID); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	conv, err := s.deps.Converter.Convert(ctx, local, doctype.ToRemote, e.Instance)
	if errors.Is(err, convert.ErrNotMapped) {
		// nothing Books could store, the entry would fail on every pull
		if rerr := s.deps.Queue.Remove(ctx, e.ID); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	out := conv.Record
	if remote, ok, err := s.deps.Identities.RemoteName(ctx, e.Doctype, e.Name, e.Instance); err != nil {
		return nil, err
	} else if ok {
		out["fbooksDocName"] = remote
	}
	out["syncId"] = e.ID
	out["nameInERPNext"] = e.Name
	return out, nil
}

// reason turns an error into a caller-safe description
func reason(err error) string {
	switch {
	case errors.Is(err, convert.ErrNotMapped):
		return "document type is not synced"
	case errors.Is(err, store.ErrNotFound):
		return "document not found"
	case convert.IsRetryable(err):
		return "references a document that is not synced yet"
	default:
		return "conversion failed"
	}
}

// MasterRef names a local master document Books asks for
type MasterRef struct {
	ReferenceType string `json:"referenceType"`
	DocumentName  string `json:"documentName"`
}

// InitiateMasterSync queues the requested master documents for instance
func (s *Service) InitiateMasterSync(ctx context.Context, instance string, refs []MasterRef) Envelope {
	if len(refs) == 0 {
		return fail("No records found")
	}
	if ok, err := s.instanceOK(ctx, instance); err != nil || !ok {
		return fail("Books instance not found")
	}

	env := Envelope{Success: true, SuccessLog: []LogLine{}, FailedLog: []LogLine{}}
	for _, ref := range refs {
		line := LogLine{DocumentName: ref.DocumentName, DoctypeName: ref.ReferenceType}
		if err := s.enqueueMaster(ctx, instance, ref); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"component": "api",
				"instance":  instance,
				"doctype":   ref.ReferenceType,
				"name":      ref.DocumentName,
			}).Warn("Failed to queue master document")
			line.Error = reason(err)
			env.FailedLog = append(env.FailedLog, line)
			continue
		}
		env.SuccessLog = append(env.SuccessLog, line)
	}
	return env
}

func (s *Service) enqueueMaster(ctx context.Context, instance string, ref MasterRef) error {
	local := doctype.Local(ref.ReferenceType)
	if local == "" {
		return fmt.Errorf("%w: %q", convert.ErrNotMapped, ref.ReferenceType)
	}
	rec, err := s.deps.Store.Get(ctx, local, ref.DocumentName)
	if err != nil {
		return err
	}
	_, err = s.deps.Queue.Enqueue(ctx, rec, instance)
	return err
}

// SyncTransactions stores pushed Books records in integration log batches and
// starts the drain job. Either every batch is stored or none.
func (s *Service) SyncTransactions(ctx context.Context, instance, transactionType string, records []document.Record) Envelope {
	if ok, err := s.instanceOK(ctx, instance); err != nil || !ok {
		return fail("Books instance not found")
	}
	for _, rec := range records {
		if rec == nil || rec.Doctype() == "" {
			return fail("Every record needs a doctype")
		}
	}

	ids, err := s.deps.Batches.CreateBatches(ctx, instance, transactionType, records, s.deps.BatchSize)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"component": "api",
			"instance":  instance,
			"doctype":   transactionType,
		}).Error("Failed to store inbound records")
		return fail("Failed to store records")
	}
	s.deps.Trigger()
	return Envelope{
		Success: true,
		Message: "Books Integration Log created successfully",
		Data:    map[string]any{"batches": ids},
	}
}

// StatusUpdate acknowledges that Books stored a pulled document
type StatusUpdate struct {
	SyncID        int64  `json:"sync_id"`
	Doctype       string `json:"doctype"`
	NameInERPNext string `json:"nameInERPNext"`
	NameInFBooks  string `json:"nameInFBooks"`
}

// UpdateStatus links the local document to its Books name and drops its queue entry
func (s *Service) UpdateStatus(ctx context.Context, instance string, u StatusUpdate) Envelope {
	logger := logrus.WithFields(logrus.Fields{"component": "api", "instance": instance, "sync_id": u.SyncID})
	if u.NameInERPNext == "" || u.NameInFBooks == "" {
		return fail("nameInERPNext and nameInFBooks are required")
	}

	local := localDoctype(u.Doctype)
	if u.SyncID != 0 {
		entry, err := s.deps.Queue.Get(ctx, u.SyncID)
		switch {
		case err == nil:
			local = entry.Doctype
		case errors.Is(err, queue.ErrEntryNotFound):
			// acknowledged twice
		default:
			logger.WithError(err).Error("Failed to read sync queue entry")
			return fail("Failed to update status")
		}
	}
	if local == "" {
		return fail("Unknown document type")
	}

	if _, err := s.deps.Identities.Upsert(ctx, identity.Link{
		Doctype:  local,
		Local:    u.NameInERPNext,
		Remote:   u.NameInFBooks,
		Instance: instance,
	}); err != nil {
		logger.WithError(err).Error("Failed to link document")
		return fail("Failed to update status")
	}
	if u.SyncID != 0 {
		if err := s.deps.Queue.Remove(ctx, u.SyncID); err != nil {
			logger.WithError(err).Error("Failed to remove sync queue entry")
			return fail("Failed to update status")
		}
	}
	return Envelope{Success: true}
}

// localDoctype accepts a document type name of either schema
func localDoctype(name string) string {
	if local := doctype.Local(name); local != "" {
		return local
	}
	if doctype.Remote(name) != "" {
		return name
	}
	return ""
}

// RegisterInstance adds a Books instance
func (s *Service) RegisterInstance(ctx context.Context, name string) Envelope {
	if name == "" {
		return fail("Instance name is required")
	}
	created, err := s.deps.Instances.Register(ctx, name)
	if err != nil {
		logrus.WithError(err).WithField("instance", name).Error("Failed to register instance")
		return fail("Failed to register instance")
	}
	msg := "Instance registered"
	if !created {
		msg = "Instance already registered"
	}
	return Envelope{Success: true, Message: msg}
}

// SetInstanceEnabled switches pulling and pushing for a registered instance
func (s *Service) SetInstanceEnabled(ctx context.Context, name string, enabled bool) Envelope {
	if name == "" {
		return fail("Instance name is required")
	}
	if err := s.deps.Instances.SetEnabled(ctx, name, enabled); err != nil {
		if errors.Is(err, queue.ErrInstanceNotFound) {
			return fail("Books instance not found")
		}
		logrus.WithError(err).WithField("instance", name).Error("Failed to switch instance")
		return fail("Failed to update instance")
	}
	msg := "Instance disabled"
	if enabled {
		msg = "Instance enabled"
	}
	return Envelope{Success: true, Message: msg}
}

// UpdateSettings validates and publishes a new settings snapshot
func (s *Service) UpdateSettings(ctx context.Context, cfg *settings.Settings) Envelope {
	if s.deps.Publisher == nil {
		return fail("Settings are read only")
	}
	if cfg == nil {
		return fail("Settings are required")
	}
	if cfg.Doctypes == nil {
		cfg.Doctypes = map[string]settings.Toggle{}
	}
	if err := cfg.Validate(); err != nil {
		return fail(err.Error())
	}
	if err := s.deps.Publisher.PublishSettings(ctx, cfg); err != nil {
		logrus.WithError(err).WithField("component", "api").Error("Failed to publish settings")
		return fail("Failed to save settings")
	}
	return Envelope{Success: true, Message: "Settings updated", AppVersion: cfg.AppVersion, Data: cfg.SyncParams()}
}

// DrainStatus reports the drain job and the number of batches waiting for it
func (s *Service) DrainStatus(ctx context.Context) Envelope {
	pending, err := s.deps.Batches.Pending(ctx)
	if err != nil {
		logrus.WithError(err).WithField("component", "api").Error("Failed to count pending batches")
		return fail("Failed to read integration log")
	}
	return Envelope{Success: true, Data: map[string]any{
		"running":         s.deps.Draining(),
		"pending_batches": pending,
	}}
}

// StartDrain triggers the drain job
func (s *Service) StartDrain(context.Context) Envelope {
	s.deps.Trigger()
	return Envelope{Success: true, Message: "Drain started"}
}

// ListErrors returns the latest ingest failures of instance
func (s *Service) ListErrors(ctx context.Context, instance string, limit int) Envelope {
	entries, err := s.deps.Errors.List(ctx, instance, limit)
	if err != nil {
		logrus.WithError(err).Error("Failed to list error log")
		return fail("Failed to read error log")
	}
	if entries == nil {
		entries = []ingest.ErrorEntry{}
	}
	return Envelope{Success: true, Data: entries}
}

// RetryError replays one failed record
func (s *Service) RetryError(ctx context.Context, id uuid.UUID) Envelope {
	res, err := s.deps.Replayer.Retry(ctx, id)
	if errors.Is(err, ingest.ErrEntryNotFound) {
		return fail("Error log entry not found")
	}
	if err != nil {
		logrus.WithError(err).WithField("entry", id).Warn("Retry failed")
		return Envelope{
			Success: false,
			Message: "Retry failed",
			Data:    map[string]any{"retryable": convert.IsRetryable(err)},
		}
	}
	return Envelope{
		Success: true,
		Data: map[string]any{
			"outcome":  res.Outcome.String(),
			"doctype":  res.Doctype,
			"name":     res.Name,
			"booksDoc": res.RemoteName,
		},
	}
}

// SaveDocument inserts or updates a local document. The change is queued for
// every enabled instance through the store observer.
func (s *Service) SaveDocument(ctx context.Context, rec document.Record) Envelope {
	dt := rec.Doctype()
	if dt == "" || doctype.Remote(dt) == "" {
		return fail("Unknown document type")
	}
	ctx = document.WithOrigin(ctx, document.OriginLocal)

	var (
		saved document.Record
		err   error
	)
	exists := false
	if rec.Name() != "" {
		if exists, err = s.deps.Store.Exists(ctx, dt, rec.Name()); err != nil {
			return s.storeFailure(err, dt, rec.Name())
		}
	}
	if exists {
		saved, err = s.deps.Store.Update(ctx, rec)
	} else {
		saved, err = s.deps.Store.Insert(ctx, rec)
	}
	if err != nil {
		return s.storeFailure(err, dt, rec.Name())
	}
	return Envelope{Success: true, Data: saved}
}

// SubmitDocument submits a local draft
func (s *Service) SubmitDocument(ctx context.Context, dt, name string) Envelope {
	saved, err := s.deps.Store.Submit(document.WithOrigin(ctx, document.OriginLocal), dt, name)
	if err != nil {
		return s.storeFailure(err, dt, name)
	}
	return Envelope{Success: true, Data: saved}
}

// CancelDocument cancels a submitted local document
func (s *Service) CancelDocument(ctx context.Context, dt, name string) Envelope {
	saved, err := s.deps.Store.Cancel(document.WithOrigin(ctx, document.OriginLocal), dt, name)
	if err != nil {
		return s.storeFailure(err, dt, name)
	}
	return Envelope{Success: true, Data: saved}
}

func (s *Service) storeFailure(err error, dt, name string) Envelope {
	logger := logrus.WithError(err).WithFields(logrus.Fields{"component": "api", "doctype": dt, "name": name})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail("Document not found")
	case errors.Is(err, store.ErrNotSubmittable):
		return fail("Document type is not submittable")
	case errors.Is(err, store.ErrInvalidTransition):
		return fail("Document is not in a state that allows this")
	case errors.Is(err, store.ErrDuplicate):
		return fail("Document already exists")
	}
	logger.Error("Failed to write document")
	return fail("Failed to write document")
}
