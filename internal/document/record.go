// Package document provides the generic record bag shared by both schemas.
package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DocStatus is the submission state of a local document
type DocStatus int

const (
	Draft     DocStatus = 0
	Submitted DocStatus = 1
	Cancelled DocStatus = 2
)

func (s DocStatus) String() string {
	switch s {
	case Draft:
		return "draft"
	case Submitted:
		return "submitted"
	case Cancelled:
		return "cancelled"
	}
	return "docstatus(" + strconv.Itoa(int(s)) + ")"
}

// Record is an opaque key/value business object in either schema.
// The "doctype" key names its schema.
type Record map[string]any

// Doctype returns the schema name of the record
func (r Record) Doctype() string {
	return r.String("doctype")
}

// Name returns the durable identifier of the record
func (r Record) Name() string {
	return r.String("name")
}

// Has reports whether the key is present with a non-nil value
func (r Record) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// String renders the value under key as text. Whole floats are rendered without a fraction.
func (r Record) String(key string) string {
	return ToString(r[key])
}

// Float returns the numeric value under key, 0 when missing or malformed
func (r Record) Float(key string) float64 {
	return ToFloat(r[key])
}

// Int returns the value under key truncated to an int
func (r Record) Int(key string) int {
	return int(r.Float(key))
}

// Bool treats 1, "1", "true" and true as set
func (r Record) Bool(key string) bool {
	switch v := r[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	case nil:
		return false
	}
	return r.Float(key) != 0
}

// DocStatus returns the submission state stored under "docstatus"
func (r Record) DocStatus() DocStatus {
	return DocStatus(r.Int("docstatus"))
}

// Rows returns the child table stored under key. Decoded JSON arrays of objects are accepted.
func (r Record) Rows(key string) []Record {
	switch v := r[key].(type) {
	case []Record:
		return v
	case []map[string]any:
		rows := make([]Record, len(v))
		for i, row := range v {
			rows[i] = row
		}
		return rows
	case []any:
		rows := make([]Record, 0, len(v))
		for _, item := range v {
			switch row := item.(type) {
			case Record:
				rows = append(rows, row)
			case map[string]any:
				rows = append(rows, row)
			}
		}
		return rows
	}
	return nil
}

// Clone returns a copy of the record with child tables copied row by row
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		switch list := v.(type) {
		case []Record, []map[string]any:
			out[k] = cloneRows(r.Rows(k))
		case []any:
			if isTable(list) {
				out[k] = cloneRows(r.Rows(k))
				continue
			}
			// plain lists keep their element types
			cloned := append([]any(nil), list...)
			for i, item := range cloned {
				switch row := item.(type) {
				case Record:
					cloned[i] = row.Clone()
				case map[string]any:
					cloned[i] = Record(row).Clone()
				}
			}
			out[k] = cloned
		default:
			out[k] = v
		}
	}
	return out
}

func cloneRows(rows []Record) []Record {
	cloned := make([]Record, len(rows))
	for i, row := range rows {
		cloned[i] = row.Clone()
	}
	return cloned
}

// isTable reports whether a non-empty list holds only objects
func isTable(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, item := range list {
		switch item.(type) {
		case Record, map[string]any:
		default:
			return false
		}
	}
	return true
}

// Decode parses a JSON object into a record, keeping numbers as float64
func Decode(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return rec, nil
}

// ToFloat coerces a loosely typed value to float64, 0 when malformed
func ToFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

// ToString renders a loosely typed value as text
func ToString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	}
	return fmt.Sprint(v)
}
