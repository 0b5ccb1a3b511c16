package schema_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/schema"
)

func TestClickHouseType(t *testing.T) {
	testCases := []struct {
		logicalType model.LogicalType
		nullable    bool
		want        string
	}{
		{logicalType: model.TypeInt8, want: "Int8"},
		{logicalType: model.TypeInt64, want: "Int64"},
		{logicalType: model.TypeUint16, want: "UInt16"},
		{logicalType: model.TypeFloat64, want: "Float64"},
		{logicalType: model.TypeBool, want: "UInt8"},
		{logicalType: model.TypeString, want: "String"},
		{logicalType: model.TypeTimestamp, want: "DateTime"},
		{logicalType: model.TypeDuration, want: "Int64"},
		{logicalType: model.TypeString, nullable: true, want: "Nullable(String)"},
		{logicalType: model.TypeInt32, nullable: true, want: "Nullable(Int32)"},
		{logicalType: "geometry", want: "String"},
		{logicalType: "geometry", nullable: true, want: "Nullable(String)"},
	}

	for _, tc := range testCases {
		t.Run(string(tc.logicalType), func(t *testing.T) {
			require.Equal(t, tc.want, schema.ClickHouseType(tc.logicalType, tc.nullable))
		})
	}
}

func TestSanitizeColumnName(t *testing.T) {
	require.Equal(t, "first_name", schema.SanitizeColumnName("first name"))
	require.Equal(t, "user_id", schema.SanitizeColumnName("user-id"))
	require.Equal(t, "a_b_c", schema.SanitizeColumnName("a b-c"))
	require.Equal(t, "plain", schema.SanitizeColumnName("plain"))
}

func TestInferSchema(t *testing.T) {
	tbl := model.NewTable(model.Schema{
		{Name: "id", Type: model.TypeInt64},
		{Name: "full name", Type: model.TypeString},
		{Name: "score", Type: model.TypeFloat64},
	})
	require.NoError(t, tbl.AppendRow(int64(1), "a", nil))
	require.NoError(t, tbl.AppendRow(int64(2), "b", 2.5))

	columns, err := schema.InferColumns(tbl)
	require.NoError(t, err)
	require.Equal(t, []schema.Column{
		{Name: "id", Type: "Int64"},
		{Name: "full_name", Type: "String"},
		{Name: "score", Type: "Nullable(Float64)"},
	}, columns)

	ddl, err := schema.InferSchema("d_1", tbl)
	require.NoError(t, err)
	require.Equal(t,
		`CREATE TABLE "d_1" ("id" Int64, "full_name" String, "score" Nullable(Float64)) ENGINE = MergeTree() ORDER BY tuple()`,
		ddl,
	)
}

func TestInferColumnsNameCollision(t *testing.T) {
	tbl := model.NewTable(model.Schema{
		{Name: "a b", Type: model.TypeInt64},
		{Name: "a-b", Type: model.TypeString},
	})
	require.NoError(t, tbl.AppendRow(int64(1), "x"))

	_, err := schema.InferColumns(tbl)
	require.Error(t, err)
	require.True(t, model.IsKind(err, model.ErrorKindConfig))
	require.False(t, model.Retryable(err))
	require.ErrorContains(t, err, `columns "a b" and "a-b" both map to "a_b"`)

	_, err = schema.InferSchema("d_1", tbl)
	require.True(t, model.IsKind(err, model.ErrorKindConfig))
}

func TestFromPostgres(t *testing.T) {
	require.Equal(t, model.TypeInt32, schema.FromPostgres("integer"))
	require.Equal(t, model.TypeInt32, schema.FromPostgres("INT4"))
	require.Equal(t, model.TypeInt64, schema.FromPostgres("bigint"))
	require.Equal(t, model.TypeFloat64, schema.FromPostgres("double precision"))
	require.Equal(t, model.TypeBool, schema.FromPostgres("BOOL"))
	require.Equal(t, model.TypeTimestamp, schema.FromPostgres("timestamp with time zone"))
	require.Equal(t, model.TypeDuration, schema.FromPostgres("interval"))
	require.Equal(t, model.TypeString, schema.FromPostgres("numeric"))
	require.Equal(t, model.TypeString, schema.FromPostgres("TEXT"))

	require.Equal(t, model.TypeInt64, schema.Widen(model.TypeInt32))
	require.Equal(t, model.TypeFloat64, schema.Widen(model.TypeFloat32))
	require.Equal(t, model.TypeBool, schema.Widen(model.TypeBool))
}
