package model

import (
	"fmt"
	"strings"
	"time"
)

// LogicalType is a source and destination independent column type.
//
// Values held by a Table use a fixed Go representation per type:
// intN and uintN use the sized Go integer, floatN uses float32/float64,
// bool uses bool, string uses string, timestamp uses time.Time in UTC at microsecond precision
// and duration uses time.Duration.
// A nil value is a null.
type LogicalType string

const (
	TypeInt8      LogicalType = "int8"
	TypeInt16     LogicalType = "int16"
	TypeInt32     LogicalType = "int32"
	TypeInt64     LogicalType = "int64"
	TypeUint8     LogicalType = "uint8"
	TypeUint16    LogicalType = "uint16"
	TypeUint32    LogicalType = "uint32"
	TypeUint64    LogicalType = "uint64"
	TypeFloat32   LogicalType = "float32"
	TypeFloat64   LogicalType = "float64"
	TypeBool      LogicalType = "bool"
	TypeString    LogicalType = "string"
	TypeTimestamp LogicalType = "timestamp"
	TypeDuration  LogicalType = "duration"
)

// LogicalTypeOf returns the logical type of a Go value, and false when the value has no such representation.
func LogicalTypeOf(v any) (LogicalType, bool) {
	switch v.(type) {
	case int8:
		return TypeInt8, true
	case int16:
		return TypeInt16, true
	case int32:
		return TypeInt32, true
	case int64, int:
		return TypeInt64, true
	case uint8:
		return TypeUint8, true
	case uint16:
		return TypeUint16, true
	case uint32:
		return TypeUint32, true
	case uint64, uint:
		return TypeUint64, true
	case float32:
		return TypeFloat32, true
	case float64:
		return TypeFloat64, true
	case bool:
		return TypeBool, true
	case string, []byte:
		return TypeString, true
	case time.Time:
		return TypeTimestamp, true
	case time.Duration:
		return TypeDuration, true
	default:
		return "", false
	}
}

type ColumnSchema struct {
	Name     string      `json:"name"`
	Type     LogicalType `json:"type"`
	Nullable bool        `json:"nullable"`
	// SourceType is the declared type on the source, if known.
	SourceType string `json:"source_type,omitempty"`
}

type Schema []ColumnSchema

func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = fmt.Sprintf("%s:%s", c.Name, c.Type)
		if c.Nullable {
			parts[i] += "?"
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Table is an in-memory columnar table.
type Table struct {
	Schema  Schema
	Columns [][]any
	rows    int
}

func NewTable(schema Schema) *Table {
	if schema == nil {
		schema = Schema{}
	}
	return &Table{
		Schema:  schema,
		Columns: make([][]any, len(schema)),
	}
}

// AppendRow appends one value per column, in schema order.
func (t *Table) AppendRow(values ...any) error {
	if len(values) != len(t.Schema) {
		return fmt.Errorf("row has %d values, table has %d columns", len(values), len(t.Schema))
	}
	for i, v := range values {
		t.Columns[i] = append(t.Columns[i], v)
	}
	t.rows++
	return nil
}

func (t *Table) NumRows() int {
	return t.rows
}

// Row returns the values of row i in schema order.
func (t *Table) Row(i int) []any {
	row := make([]any, len(t.Columns))
	for c := range t.Columns {
		row[c] = t.Columns[c][i]
	}
	return row
}

// HasNulls reports whether column c holds at least one null.
func (t *Table) HasNulls(c int) bool {
	for _, v := range t.Columns[c] {
		if v == nil {
			return true
		}
	}
	return false
}
