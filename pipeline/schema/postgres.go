package schema

import (
	"strings"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

// postgresTypes covers both information_schema data_type names and driver type names.
var postgresTypes = map[string]model.LogicalType{
	"smallint":         model.TypeInt16,
	"int2":             model.TypeInt16,
	"integer":          model.TypeInt32,
	"int":              model.TypeInt32,
	"int4":             model.TypeInt32,
	"bigint":           model.TypeInt64,
	"int8":             model.TypeInt64,
	"real":             model.TypeFloat32,
	"float4":           model.TypeFloat32,
	"double precision": model.TypeFloat64,
	"float8":           model.TypeFloat64,
	"boolean":          model.TypeBool,
	"bool":             model.TypeBool,

	"timestamp":                   model.TypeTimestamp,
	"timestamptz":                 model.TypeTimestamp,
	"timestamp without time zone": model.TypeTimestamp,
	"timestamp with time zone":    model.TypeTimestamp,
	"date":                        model.TypeTimestamp,
	"interval":                    model.TypeDuration,
}

// FromPostgres maps a declared PostgreSQL type to a logical type. Anything unmapped, numeric included, is a string.
func FromPostgres(declared string) model.LogicalType {
	if t, ok := postgresTypes[strings.ToLower(strings.TrimSpace(declared))]; ok {
		return t
	}
	return model.TypeString
}

// Widen returns the type values of t are materialized as after extraction.
// Integers become int64 and floats become float64.
func Widen(t model.LogicalType) model.LogicalType {
	switch t {
	case model.TypeInt8, model.TypeInt16, model.TypeInt32:
		return model.TypeInt64
	case model.TypeFloat32:
		return model.TypeFloat64
	default:
		return t
	}
}
