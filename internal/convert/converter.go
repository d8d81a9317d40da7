package convert

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
	"github.com/cybertec-postgresql/books_bridge/internal/settings"
)

// remoteNameField carries the Books name of an already linked document toward Books
const remoteNameField = "fbooksDocName"

// Lifecycle names a hook stage
type Lifecycle string

const (
	FillLocal  Lifecycle = "fill_missing_values_for_local"
	FillRemote Lifecycle = "fill_missing_values_for_remote"
	BeforeSave Lifecycle = "before_save"
	AfterSave  Lifecycle = "after_save"
)

// Hook computes what a field map cannot express, or gates a lifecycle stage
type Hook func(ctx context.Context, c *Conversion) error

// Spec binds a document type to its field map and hooks
type Spec struct {
	Local      string
	Remote     string
	Fields     *FieldMap
	FillLocal  Hook
	FillRemote Hook
	BeforeSave Hook
	AfterSave  Hook
}

func (s *Spec) hook(l Lifecycle) Hook {
	switch l {
	case FillLocal:
		return s.FillLocal
	case FillRemote:
		return s.FillRemote
	case BeforeSave:
		return s.BeforeSave
	case AfterSave:
		return s.AfterSave
	}
	return nil
}

// Registry indexes specs under both their local and Books names
type Registry struct {
	specs map[string]*Spec
}

// NewRegistry builds a registry from specs
func NewRegistry(specs ...*Spec) *Registry {
	r := &Registry{specs: make(map[string]*Spec, len(specs)*2)}
	for _, s := range specs {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a spec
func (r *Registry) Register(s *Spec) {
	r.specs[s.Local] = s
	if s.Remote != "" {
		r.specs[s.Remote] = s
	}
}

// Lookup finds the spec for a local or Books document type name
func (r *Registry) Lookup(name string) (*Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// IdentityReader resolves names through the identity store
type IdentityReader interface {
	LocalName(ctx context.Context, doctype, remoteName, instance string) (string, bool, error)
	RemoteName(ctx context.Context, doctype, localName, instance string) (string, bool, error)
}

// StoreReader is the read side of the local document store
type StoreReader interface {
	Exists(ctx context.Context, doctype, name string) (bool, error)
	Get(ctx context.Context, doctype, name string) (document.Record, error)
	GetValue(ctx context.Context, doctype string, criteria map[string]any, fields ...string) ([]any, error)
}

// Converter turns records of one schema into the other
type Converter struct {
	registry *Registry
	identity IdentityReader
	store    StoreReader
	settings settings.Source
}

// NewConverter creates a converter. A nil registry selects the built-in one.
func NewConverter(registry *Registry, identity IdentityReader, store StoreReader, source settings.Source) *Converter {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Converter{
		registry: registry,
		identity: identity,
		store:    store,
		settings: source,
	}
}

// Conversion is the outcome of converting one record
type Conversion struct {
	Spec      *Spec
	Direction doctype.Direction
	Instance  string
	// Source is the input record, hooks must not modify it
	Source document.Record
	// Doctype is the target document type
	Doctype string
	Record  document.Record

	conv *Converter
}

// Convert projects rec toward dir and runs the document type's fill hook.
// ErrNotMapped is returned for document types without a field map.
func (c *Converter) Convert(ctx context.Context, rec document.Record, dir doctype.Direction, instance string) (*Conversion, error) {
	spec, target, ok := c.resolve(rec, dir)
	if !ok {
		return nil, fmt.Errorf("%w: %q toward %s", ErrNotMapped, rec.Doctype(), dir)
	}

	out := spec.Fields.Project(rec, dir)
	out["doctype"] = target

	conv := &Conversion{
		Spec:      spec,
		Direction: dir,
		Instance:  instance,
		Source:    rec,
		Doctype:   target,
		Record:    out,
		conv:      c,
	}

	stage := FillRemote
	if dir == doctype.ToLocal {
		stage = FillLocal
	}
	if res := c.RunLifecycle(ctx, conv, stage); res.Err != nil {
		return nil, res.Err
	}

	logrus.WithFields(logrus.Fields{
		"doctype":   rec.Doctype(),
		"target":    target,
		"direction": dir.String(),
		"instance":  instance,
	}).Debug("Converted document")

	return conv, nil
}

func (c *Converter) resolve(rec document.Record, dir doctype.Direction) (*Spec, string, bool) {
	target, ok := doctype.Resolve("", dir, rec)
	if !ok {
		return nil, "", false
	}
	spec, ok := c.registry.Lookup(rec.Doctype())
	if !ok && dir == doctype.ToLocal {
		spec, ok = c.registry.Lookup(target)
	}
	if !ok || spec.Fields == nil {
		return nil, "", false
	}
	return spec, target, true
}

// HookResult reports the outcome of one lifecycle hook
type HookResult struct {
	Hook Lifecycle
	Err  error
}

// OK reports whether the hook succeeded or was absent
func (r HookResult) OK() bool {
	return r.Err == nil
}

func (r HookResult) String() string {
	if r.Err == nil {
		return string(r.Hook) + ": ok"
	}
	return string(r.Hook) + ": " + r.Err.Error()
}

// RunLifecycle runs the hook registered for stage. A failing hook is reported,
// wrapped in a HookError, never swallowed.
func (c *Converter) RunLifecycle(ctx context.Context, conv *Conversion, stage Lifecycle) HookResult {
	hook := conv.Spec.hook(stage)
	if hook == nil {
		return HookResult{Hook: stage}
	}
	if err := hook(ctx, conv); err != nil {
		return HookResult{Hook: stage, Err: &HookError{Hook: stage, Doctype: conv.Spec.Local, Err: err}}
	}
	return HookResult{Hook: stage}
}

// RemoteName returns the Books name of the source record, if it came from Books
func (c *Conversion) RemoteName() string {
	return c.Source.Name()
}

// Patch returns the converted fields without the doctype marker
func (c *Conversion) Patch() document.Record {
	patch := make(document.Record, len(c.Record))
	for k, v := range c.Record {
		if k == "doctype" {
			continue
		}
		patch[k] = v
	}
	return patch
}

// Settings returns the active settings snapshot
func (c *Conversion) Settings() *settings.Settings {
	if c.conv.settings == nil {
		return settings.Default()
	}
	return c.conv.settings.Current()
}

// Store returns the read side of the local document store
func (c *Conversion) Store() StoreReader {
	return c.conv.store
}

// LocalFor resolves the local name of a linked Books document
func (c *Conversion) LocalFor(ctx context.Context, local, remoteName string) (string, bool, error) {
	if remoteName == "" {
		return "", false, nil
	}
	if c.conv.identity == nil {
		return "", false, ErrNoIdentityStore
	}
	return c.conv.identity.LocalName(ctx, local, remoteName, c.Instance)
}

// RemoteFor resolves the Books name of a linked local document
func (c *Conversion) RemoteFor(ctx context.Context, local, localName string) (string, bool, error) {
	if localName == "" {
		return "", false, nil
	}
	if c.conv.identity == nil {
		return "", false, ErrNoIdentityStore
	}
	return c.conv.identity.RemoteName(ctx, local, localName, c.Instance)
}

// mustResolve is LocalFor that turns a missing link into an UnresolvedReferenceError
func (c *Conversion) mustResolve(ctx context.Context, local, remoteName string) (string, error) {
	name, ok, err := c.LocalFor(ctx, local, remoteName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s %q: %w", local, remoteName, err)
	}
	if !ok {
		return "", &UnresolvedReferenceError{Doctype: local, Name: remoteName, Instance: c.Instance}
	}
	return name, nil
}
