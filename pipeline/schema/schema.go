// Package schema maps logical column types to ClickHouse column types and renders destination DDL.
package schema

import (
	"fmt"
	"strings"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

const tableEngine = "MergeTree() ORDER BY tuple()"

var clickhouseTypes = map[model.LogicalType]string{
	model.TypeInt8:      "Int8",
	model.TypeInt16:     "Int16",
	model.TypeInt32:     "Int32",
	model.TypeInt64:     "Int64",
	model.TypeUint8:     "UInt8",
	model.TypeUint16:    "UInt16",
	model.TypeUint32:    "UInt32",
	model.TypeUint64:    "UInt64",
	model.TypeFloat32:   "Float32",
	model.TypeFloat64:   "Float64",
	model.TypeBool:      "UInt8",
	model.TypeString:    "String",
	model.TypeTimestamp: "DateTime",
	model.TypeDuration:  "Int64",
}

// Column is a destination column definition.
type Column struct {
	Name string
	Type string
}

// ClickHouseType returns the destination type for a logical type. Unknown types map to String.
func ClickHouseType(t model.LogicalType, nullable bool) string {
	chType, ok := clickhouseTypes[t]
	if !ok {
		chType = "String"
	}
	if nullable {
		return "Nullable(" + chType + ")"
	}
	return chType
}

var columnNameReplacer = strings.NewReplacer(" ", "_", "-", "_")

func SanitizeColumnName(name string) string {
	return columnNameReplacer.Replace(name)
}

// InferColumns derives destination columns from the table's types.
// A column is nullable only if the data contains a null.
// Source columns that sanitize to the same name are a ConfigError.
func InferColumns(table *model.Table) ([]Column, error) {
	columns := make([]Column, len(table.Schema))
	seen := make(map[string]string, len(table.Schema))
	for i, c := range table.Schema {
		name := SanitizeColumnName(c.Name)
		if other, ok := seen[name]; ok {
			return nil, model.ConfigError("inferring columns",
				fmt.Errorf("columns %q and %q both map to %q", other, c.Name, name),
			)
		}
		seen[name] = c.Name
		columns[i] = Column{
			Name: name,
			Type: ClickHouseType(c.Type, table.HasNulls(i)),
		}
	}
	return columns, nil
}

// CreateTableSQL renders the CREATE TABLE statement with columns in the given order.
func CreateTableSQL(tableName string, columns []Column) string {
	definitions := make([]string, len(columns))
	for i, c := range columns {
		definitions[i] = fmt.Sprintf("%q %s", c.Name, c.Type)
	}
	return fmt.Sprintf("CREATE TABLE %q (%s) ENGINE = %s",
		tableName,
		strings.Join(definitions, ", "),
		tableEngine,
	)
}

// InferSchema is CreateTableSQL over InferColumns.
func InferSchema(tableName string, table *model.Table) (string, error) {
	columns, err := InferColumns(table)
	if err != nil {
		return "", err
	}
	return CreateTableSQL(tableName, columns), nil
}
