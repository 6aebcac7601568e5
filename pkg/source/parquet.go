package source

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

const parquetParallelism = 4

// ReadParquetFile decodes a flat Parquet file into a dataset.
func ReadParquetFile(path string) (*Dataset, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, nil, parquetParallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet footer: %w", err)
	}
	defer pr.ReadStop()

	type field struct {
		inName string
		column Column
	}

	elements := pr.SchemaHandler.SchemaElements
	fields := make([]field, 0, len(elements))
	for i := 1; i < len(elements); i++ {
		el := elements[i]
		if el.GetNumChildren() > 0 {
			return nil, fmt.Errorf("nested parquet column %q is not supported", el.GetName())
		}
		info := pr.SchemaHandler.Infos[i]
		fields = append(fields, field{
			inName: info.InName,
			column: Column{Name: SanitizeColumnName(info.ExName), Type: parquetColumnType(el.GetType())},
		})
	}

	ds := &Dataset{Columns: make([]Column, len(fields))}
	for i, f := range fields {
		ds.Columns[i] = f.column
	}
	if err := checkDuplicateColumns(ds.Columns); err != nil {
		return nil, err
	}

	num := int(pr.GetNumRows())
	if num == 0 {
		return ds, nil
	}
	records, err := pr.ReadByNumber(num)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet rows: %w", err)
	}

	ds.Rows = make([][]interface{}, 0, len(records))
	for _, rec := range records {
		v := reflect.ValueOf(rec)
		for v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("unexpected parquet record type %T", rec)
		}
		row := make([]interface{}, len(fields))
		for i, f := range fields {
			row[i] = parquetValue(v.FieldByName(f.inName), f.column.Type)
		}
		ds.Rows = append(ds.Rows, row)
	}
	return ds, nil
}

func parquetColumnType(t parquet.Type) ColumnType {
	switch t {
	case parquet.Type_BOOLEAN:
		return TypeBoolean
	case parquet.Type_INT32, parquet.Type_INT64:
		return TypeInt64
	case parquet.Type_FLOAT, parquet.Type_DOUBLE:
		return TypeDouble
	default:
		return TypeString
	}
}

func parquetValue(v reflect.Value, typ ColumnType) interface{} {
	if !v.IsValid() {
		return nil
	}
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch typ {
	case TypeBoolean:
		return v.Bool()
	case TypeInt64:
		return v.Int()
	case TypeDouble:
		return v.Float()
	default:
		if v.Kind() == reflect.String {
			return v.String()
		}
		return fmt.Sprint(v.Interface())
	}
}

// WriteParquet encodes ds as a Snappy-compressed Parquet file.
func WriteParquet(w io.Writer, ds *Dataset) error {
	pfw := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(parquetSchema(ds.Columns), pfw, parquetParallelism)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, row := range ds.Rows {
		rec := make(map[string]interface{}, len(ds.Columns))
		for c, col := range ds.Columns {
			if c < len(row) && row[c] != nil {
				rec[col.Name] = row[c]
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("row %d: %w", i, err)
		}
		if err := pw.Write(string(data)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finish parquet file: %w", err)
	}
	return pfw.Close()
}

func parquetSchema(cols []Column) string {
	fields := make([]map[string]string, 0, len(cols))
	for _, c := range cols {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, parquetPhysicalType(c.Type)),
		})
	}
	out := map[string]interface{}{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetPhysicalType(t ColumnType) string {
	switch t {
	case TypeBoolean:
		return "type=BOOLEAN"
	case TypeInt64:
		return "type=INT64"
	case TypeDouble:
		return "type=DOUBLE"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}
