// Package convert translates documents between the local and the Books schema.
package convert

import (
	"github.com/cybertec-postgresql/books_bridge/internal/doctype"
	"github.com/cybertec-postgresql/books_bridge/internal/document"
)

// Pair declares that a local field corresponds to a Books field
type Pair struct {
	Local  string
	Remote string
}

// ChildTableMap describes how a nested row sequence is translated.
// An empty field name on either side disables the table toward that side.
type ChildTableMap struct {
	LocalField    string
	RemoteField   string
	LocalDoctype  string
	RemoteDoctype string
	Fields        *FieldMap
}

type step struct {
	from, to string
}

// FieldMap is a declarative per document type projection. Both directions are
// compiled when the map is built.
type FieldMap struct {
	pairs       []Pair
	toRemote    []step
	toLocal     []step
	ChildTables []ChildTableMap
}

// NewFieldMap compiles pairs into one step table per direction. When several
// local fields name the same Books field, all of them are filled toward the
// local side and the last declared one wins toward Books.
func NewFieldMap(pairs []Pair, children ...ChildTableMap) *FieldMap {
	m := &FieldMap{
		pairs:       pairs,
		toRemote:    make([]step, 0, len(pairs)),
		toLocal:     make([]step, 0, len(pairs)),
		ChildTables: children,
	}
	for _, p := range pairs {
		m.toRemote = append(m.toRemote, step{from: p.Local, to: p.Remote})
		m.toLocal = append(m.toLocal, step{from: p.Remote, to: p.Local})
	}
	return m
}

// Fields builds pairs from alternating local and Books field names
func Fields(localRemote ...string) []Pair {
	if len(localRemote)%2 != 0 {
		panic("convert: odd number of field names")
	}
	pairs := make([]Pair, 0, len(localRemote)/2)
	for i := 0; i < len(localRemote); i += 2 {
		pairs = append(pairs, Pair{Local: localRemote[i], Remote: localRemote[i+1]})
	}
	return pairs
}

// Pairs returns the declared field pairs
func (m *FieldMap) Pairs() []Pair {
	return m.pairs
}

// Project copies the mapped fields of src toward dir. Unmapped fields are dropped.
func (m *FieldMap) Project(src document.Record, dir doctype.Direction) document.Record {
	steps := m.toRemote
	if dir == doctype.ToLocal {
		steps = m.toLocal
	}

	out := make(document.Record, len(steps)+1)
	for _, s := range steps {
		if s.from == "doctype" || s.from == remoteNameField {
			continue
		}
		if v, ok := src[s.from]; ok {
			out[s.to] = v
		}
	}

	for _, child := range m.ChildTables {
		from, to := child.LocalField, child.RemoteField
		if dir == doctype.ToLocal {
			from, to = to, from
		}
		if to == "" || from == "" || child.Fields == nil {
			continue
		}
		rows := src.Rows(from)
		if len(rows) == 0 {
			continue
		}
		translated := make([]document.Record, len(rows))
		for i, row := range rows {
			translated[i] = child.Fields.Project(row, dir)
		}
		out[to] = translated
	}

	return out
}
