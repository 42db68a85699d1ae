// Package schema defines the column layouts of the appliance's delimited
// event logs and validates typed cells against them.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FieldType is the expected data type of an event column.
type FieldType int

const (
	FieldText FieldType = iota
	FieldInt
	FieldEnum
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldInt:
		return "int"
	case FieldEnum:
		return "enum"
	default:
		return "value"
	}
}

// FieldSpec describes one column of an event log.
type FieldSpec struct {
	Name       string              // JSON key of the column in typed output
	Type       FieldType           // Expected data type
	AllowEmpty bool                // Empty cells pass validation
	EnumValues []string            // Valid values for FieldEnum
	Normalizer func(string) string // Optional cleanup applied before validation
}

// Event is the column layout of one event log dialect.
type Event struct {
	Key    string
	Label  string
	Fields []FieldSpec
}

// Arity returns the number of columns.
func (e Event) Arity() int { return len(e.Fields) }

// Columns returns the column names in order.
func (e Event) Columns() []string {
	out := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		out[i] = f.Name
	}
	return out
}

// ValidationError is a typed cell that failed validation.
type ValidationError struct {
	Field   string
	Column  int
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("column %d (%s) %q: %s", e.Column, e.Field, e.Value, e.Message)
}

// Normalize applies each field's normalizer to row and returns a new row.
// Cells beyond the schema are copied unchanged.
func (e Event) Normalize(row []string) []string {
	out := make([]string, len(row))
	for i, cell := range row {
		cell = strings.TrimSpace(cell)
		if i < len(e.Fields) && e.Fields[i].Normalizer != nil && cell != "" {
			cell = e.Fields[i].Normalizer(cell)
		}
		out[i] = cell
	}
	return out
}

// Validate checks every typed cell of a normalized row and returns the
// first failure.
func (e Event) Validate(row []string) error {
	if len(row) != len(e.Fields) {
		return fmt.Errorf("expected %d fields, got %d", len(e.Fields), len(row))
	}
	for i, spec := range e.Fields {
		if err := ValidateCell(row[i], spec); err != nil {
			return ValidationError{Field: spec.Name, Column: i, Value: row[i], Message: err.Error()}
		}
	}
	return nil
}

// ValidateCell validates a single cell against spec.
func ValidateCell(value string, spec FieldSpec) error {
	if value == "" {
		if spec.AllowEmpty || spec.Type == FieldText {
			return nil
		}
		return fmt.Errorf("empty %s value", spec.Type)
	}

	switch spec.Type {
	case FieldInt:
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return fmt.Errorf("invalid integer")
		}
	case FieldEnum:
		for _, ev := range spec.EnumValues {
			if strings.EqualFold(ev, value) {
				return nil
			}
		}
		return fmt.Errorf("value must be one of: %s", strings.Join(spec.EnumValues, ", "))
	}
	return nil
}

var (
	events   = make(map[string]Event)
	eventsMu sync.RWMutex
)

// Register adds an event schema. It panics if the key is already taken.
func Register(e Event) {
	eventsMu.Lock()
	defer eventsMu.Unlock()

	if _, exists := events[e.Key]; exists {
		panic(fmt.Sprintf("event schema already registered: %s", e.Key))
	}
	events[e.Key] = e
}

// Get returns the event schema registered under key.
func Get(key string) (Event, bool) {
	eventsMu.RLock()
	defer eventsMu.RUnlock()

	e, ok := events[key]
	return e, ok
}

// All returns every registered schema sorted by key.
func All() []Event {
	eventsMu.RLock()
	defer eventsMu.RUnlock()

	out := make([]Event, 0, len(events))
	for _, e := range events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
