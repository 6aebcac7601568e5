package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// FlattenSeparator joins the keys of nested objects into column names.
const FlattenSeparator = "_"

// ReadJSON decodes a JSON array of objects (or a single object) into a dataset.
func ReadJSON(r io.Reader) (*Dataset, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}

	var records []map[string]interface{}
	switch v := raw.(type) {
	case []interface{}:
		for i, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("element %d is not an object", i)
			}
			records = append(records, obj)
		}
	case map[string]interface{}:
		records = append(records, v)
	default:
		return nil, fmt.Errorf("expected an array of objects, got %T", raw)
	}

	return buildDataset(records)
}

// ReadJSONL decodes newline-delimited JSON objects into a dataset.
func ReadJSONL(r io.Reader) (*Dataset, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var records []map[string]interface{}
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.UseNumber()
		var obj map[string]interface{}
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, obj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jsonl: %w", err)
	}

	return buildDataset(records)
}

// Flatten flattens nested objects into a single level, joining keys with
// FlattenSeparator. Arrays are kept as JSON text.
func Flatten(record map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(record))
	flattenInto(out, "", record)
	return out
}

func flattenInto(out map[string]interface{}, prefix string, record map[string]interface{}) {
	for k, v := range record {
		key := k
		if prefix != "" {
			key = prefix + FlattenSeparator + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			if len(val) == 0 {
				out[key] = nil
				continue
			}
			flattenInto(out, key, val)
		case []interface{}:
			data, err := json.Marshal(val)
			if err != nil {
				out[key] = fmt.Sprint(val)
				continue
			}
			out[key] = string(data)
		default:
			out[key] = val
		}
	}
}

// buildDataset flattens records, infers column types and converts values.
// Columns are ordered by first appearance; keys within a record are sorted.
func buildDataset(records []map[string]interface{}) (*Dataset, error) {
	flat := make([]map[string]interface{}, len(records))
	var names []string
	seen := make(map[string]bool)
	for i, rec := range records {
		flat[i] = Flatten(rec)
		for _, k := range sortedRecordKeys(flat[i]) {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}

	ds := &Dataset{Columns: make([]Column, len(names))}
	for i, name := range names {
		col := SanitizeColumnName(name)
		ds.Columns[i] = Column{Name: col, Type: inferType(flat, name)}
	}
	if err := checkDuplicateColumns(ds.Columns); err != nil {
		return nil, err
	}

	ds.Rows = make([][]interface{}, len(flat))
	for r, rec := range flat {
		row := make([]interface{}, len(names))
		for c, name := range names {
			v, err := convertValue(rec[name], ds.Columns[c].Type)
			if err != nil {
				return nil, fmt.Errorf("row %d, column %s: %w", r, ds.Columns[c].Name, err)
			}
			row[c] = v
		}
		ds.Rows[r] = row
	}
	return ds, nil
}

// inferType picks the narrowest type that holds every non-null value.
func inferType(records []map[string]interface{}, name string) ColumnType {
	var ints, floats, bools, strs int
	for _, rec := range records {
		switch v := rec[name].(type) {
		case nil:
		case json.Number:
			if _, err := v.Int64(); err == nil {
				ints++
			} else {
				floats++
			}
		case bool:
			bools++
		default:
			strs++
		}
	}
	switch {
	case strs > 0, bools > 0 && ints+floats > 0:
		return TypeString
	case bools > 0:
		return TypeBoolean
	case floats > 0:
		return TypeDouble
	case ints > 0:
		return TypeInt64
	default:
		return TypeString
	}
}

func convertValue(v interface{}, typ ColumnType) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeInt64:
		return v.(json.Number).Int64()
	case TypeDouble:
		return v.(json.Number).Float64()
	case TypeBoolean:
		return v.(bool), nil
	default:
		switch val := v.(type) {
		case string:
			return val, nil
		case json.Number:
			return val.String(), nil
		case bool:
			return strconv.FormatBool(val), nil
		default:
			return fmt.Sprint(val), nil
		}
	}
}

// SanitizeColumnName makes name usable as a SQL column: characters outside
// [A-Za-z0-9_] become underscores and a leading digit gets an underscore prefix.
func SanitizeColumnName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func checkDuplicateColumns(cols []Column) error {
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		key := strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("duplicate column %q after flattening", c.Name)
		}
		seen[key] = true
	}
	return nil
}

func sortedRecordKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
