package testutil

import (
	"context"
	"sync"
)

type linkKey struct {
	doctype, name, instance string
}

// Identities is an in-memory identity map keyed both ways
type Identities struct {
	mu       sync.Mutex
	byRemote map[linkKey]string
	byLocal  map[linkKey]string
}

// NewIdentities returns an empty identity map
func NewIdentities() *Identities {
	return &Identities{byRemote: map[linkKey]string{}, byLocal: map[linkKey]string{}}
}

// Link records that local and remote name the same document for instance
func (m *Identities) Link(doctype, local, remote, instance string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byLocal[linkKey{doctype, local, instance}]; ok {
		delete(m.byRemote, linkKey{doctype, old, instance})
	}
	m.byRemote[linkKey{doctype, remote, instance}] = local
	m.byLocal[linkKey{doctype, local, instance}] = remote
}

// Len returns the number of links
func (m *Identities) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byLocal)
}

func (m *Identities) LocalName(_ context.Context, doctype, remote, instance string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byRemote[linkKey{doctype, remote, instance}]
	return name, ok, nil
}

func (m *Identities) RemoteName(_ context.Context, doctype, local, instance string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byLocal[linkKey{doctype, local, instance}]
	return name, ok, nil
}
