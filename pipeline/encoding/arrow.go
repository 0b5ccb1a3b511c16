// Package encoding moves tables across the queue as Arrow IPC streams.
package encoding

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/model"
)

const (
	sourceTypeKey = "source_type"
	numRowsKey    = "num_rows"
)

// endOfStream is the marker ipc.Writer.Close appends.
var endOfStream = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 0}

var (
	timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	durationType  = &arrow.DurationType{Unit: arrow.Nanosecond}
)

func arrowType(t model.LogicalType) (arrow.DataType, error) {
	switch t {
	case model.TypeInt8:
		return arrow.PrimitiveTypes.Int8, nil
	case model.TypeInt16:
		return arrow.PrimitiveTypes.Int16, nil
	case model.TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case model.TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case model.TypeUint8:
		return arrow.PrimitiveTypes.Uint8, nil
	case model.TypeUint16:
		return arrow.PrimitiveTypes.Uint16, nil
	case model.TypeUint32:
		return arrow.PrimitiveTypes.Uint32, nil
	case model.TypeUint64:
		return arrow.PrimitiveTypes.Uint64, nil
	case model.TypeFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case model.TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case model.TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case model.TypeString:
		return arrow.BinaryTypes.String, nil
	case model.TypeTimestamp:
		return timestampType, nil
	case model.TypeDuration:
		return durationType, nil
	default:
		return nil, fmt.Errorf("unsupported logical type %q", t)
	}
}

func logicalType(dt arrow.DataType) (model.LogicalType, error) {
	switch dt.ID() {
	case arrow.INT8:
		return model.TypeInt8, nil
	case arrow.INT16:
		return model.TypeInt16, nil
	case arrow.INT32:
		return model.TypeInt32, nil
	case arrow.INT64:
		return model.TypeInt64, nil
	case arrow.UINT8:
		return model.TypeUint8, nil
	case arrow.UINT16:
		return model.TypeUint16, nil
	case arrow.UINT32:
		return model.TypeUint32, nil
	case arrow.UINT64:
		return model.TypeUint64, nil
	case arrow.FLOAT32:
		return model.TypeFloat32, nil
	case arrow.FLOAT64:
		return model.TypeFloat64, nil
	case arrow.BOOL:
		return model.TypeBool, nil
	case arrow.STRING:
		return model.TypeString, nil
	case arrow.TIMESTAMP:
		return model.TypeTimestamp, nil
	case arrow.DURATION:
		return model.TypeDuration, nil
	default:
		return "", fmt.Errorf("unsupported arrow type %s", dt)
	}
}

func arrowSchema(s model.Schema, numRows int) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(s))
	for i, c := range s {
		dt, err := arrowType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: c.Nullable}
		if c.SourceType != "" {
			fields[i].Metadata = arrow.NewMetadata([]string{sourceTypeKey}, []string{c.SourceType})
		}
	}
	metadata := arrow.NewMetadata([]string{numRowsKey}, []string{strconv.Itoa(numRows)})
	return arrow.NewSchema(fields, &metadata), nil
}

// Encode serializes the table as a single record Arrow IPC stream.
// The stream carries the schema and the row count, so Decode needs no hint.
func Encode(table *model.Table) ([]byte, error) {
	schema, err := arrowSchema(table.Schema, table.NumRows())
	if err != nil {
		return nil, model.CodecError("encoding schema", err)
	}

	mem := memory.DefaultAllocator
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, column := range table.Columns {
		for row, v := range column {
			if err := appendValue(b.Field(i), v); err != nil {
				return nil, model.CodecError("encoding values", fmt.Errorf("column %q row %d: %w", table.Schema[i].Name, row, err))
			}
		}
	}

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		return nil, model.CodecError("writing record", err)
	}
	if err := w.Close(); err != nil {
		return nil, model.CodecError("closing writer", err)
	}
	return buf.Bytes(), nil
}

func appendValue(b array.Builder, v any) (err error) {
	if v == nil {
		b.AppendNull()
		return nil
	}

	mismatch := func() error {
		return fmt.Errorf("value of type %T does not fit %s", v, b.Type())
	}

	switch b := b.(type) {
	case *array.Int8Builder:
		x, ok := v.(int8)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Int16Builder:
		x, ok := v.(int16)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Int32Builder:
		x, ok := v.(int32)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Int64Builder:
		switch x := v.(type) {
		case int64:
			b.Append(x)
		case int:
			b.Append(int64(x))
		default:
			return mismatch()
		}
	case *array.Uint8Builder:
		x, ok := v.(uint8)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Uint16Builder:
		x, ok := v.(uint16)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Uint32Builder:
		x, ok := v.(uint32)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Uint64Builder:
		switch x := v.(type) {
		case uint64:
			b.Append(x)
		case uint:
			b.Append(uint64(x))
		default:
			return mismatch()
		}
	case *array.Float32Builder:
		x, ok := v.(float32)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.Float64Builder:
		x, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		b.Append(x)
	case *array.StringBuilder:
		switch x := v.(type) {
		case string:
			b.Append(x)
		case []byte:
			b.Append(string(x))
		default:
			return mismatch()
		}
	case *array.TimestampBuilder:
		x, ok := v.(time.Time)
		if !ok {
			return mismatch()
		}
		if x.Nanosecond()%int(time.Microsecond) != 0 {
			return fmt.Errorf("timestamp %s is finer than microsecond precision", x.Format(time.RFC3339Nano))
		}
		b.Append(arrow.Timestamp(x.UnixMicro()))
	case *array.DurationBuilder:
		x, ok := v.(time.Duration)
		if !ok {
			return mismatch()
		}
		b.Append(arrow.Duration(x))
	default:
		return mismatch()
	}
	return nil
}

// Decode parses an Arrow IPC stream produced by Encode. Malformed input is a CodecError.
func Decode(data []byte) (table *model.Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			table, err = nil, model.CodecError("decoding", fmt.Errorf("malformed stream: %v", r))
		}
	}()

	if !bytes.HasSuffix(data, endOfStream) {
		return nil, model.CodecError("decoding", fmt.Errorf("stream of %d bytes has no end of stream marker", len(data)))
	}

	mem := memory.DefaultAllocator
	br := bytes.NewReader(data)
	r, err := ipc.NewReader(br, ipc.WithAllocator(mem))
	if err != nil {
		return nil, model.CodecError("opening reader", err)
	}
	defer r.Release()

	fields := r.Schema().Fields()
	s := make(model.Schema, len(fields))
	for i, f := range fields {
		t, err := logicalType(f.Type)
		if err != nil {
			return nil, model.CodecError("decoding schema", fmt.Errorf("field %q: %w", f.Name, err))
		}
		s[i] = model.ColumnSchema{Name: f.Name, Type: t, Nullable: f.Nullable}
		if idx := f.Metadata.FindKey(sourceTypeKey); idx >= 0 {
			s[i].SourceType = f.Metadata.Values()[idx]
		}
	}

	md := r.Schema().Metadata()
	idx := md.FindKey(numRowsKey)
	if idx < 0 {
		return nil, model.CodecError("decoding schema", fmt.Errorf("missing %s metadata", numRowsKey))
	}
	numRows, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return nil, model.CodecError("decoding schema", fmt.Errorf("invalid %s metadata: %w", numRowsKey, err))
	}

	table = model.NewTable(s)
	var records int
	for r.Next() {
		if records++; records > 1 {
			return nil, model.CodecError("reading records", errors.New("expected a single record"))
		}
		rec := r.Record()
		for row := 0; row < int(rec.NumRows()); row++ {
			values := make([]any, len(fields))
			for c := range fields {
				if values[c], err = valueAt(rec.Column(c), row); err != nil {
					return nil, model.CodecError("decoding values", err)
				}
			}
			if err := table.AppendRow(values...); err != nil {
				return nil, model.CodecError("decoding values", err)
			}
		}
	}
	if err := r.Err(); err != nil {
		return nil, model.CodecError("reading records", err)
	}
	if records == 0 {
		return nil, model.CodecError("reading records", errors.New("stream has no record"))
	}
	if table.NumRows() != numRows {
		return nil, model.CodecError("reading records", fmt.Errorf("decoded %d rows, expected %d", table.NumRows(), numRows))
	}
	if br.Len() > 0 {
		return nil, model.CodecError("reading records", fmt.Errorf("%d trailing bytes after end of stream", br.Len()))
	}
	return table, nil
}

func valueAt(arr arrow.Array, i int) (any, error) {
	if arr.IsNull(i) {
		return nil, nil
	}
	switch a := arr.(type) {
	case *array.Int8:
		return a.Value(i), nil
	case *array.Int16:
		return a.Value(i), nil
	case *array.Int32:
		return a.Value(i), nil
	case *array.Int64:
		return a.Value(i), nil
	case *array.Uint8:
		return a.Value(i), nil
	case *array.Uint16:
		return a.Value(i), nil
	case *array.Uint32:
		return a.Value(i), nil
	case *array.Uint64:
		return a.Value(i), nil
	case *array.Float32:
		return a.Value(i), nil
	case *array.Float64:
		return a.Value(i), nil
	case *array.Boolean:
		return a.Value(i), nil
	case *array.String:
		return a.Value(i), nil
	case *array.Timestamp:
		return time.UnixMicro(int64(a.Value(i))).UTC(), nil
	case *array.Duration:
		return time.Duration(a.Value(i)), nil
	default:
		return nil, fmt.Errorf("unsupported array %s", arr.DataType())
	}
}
