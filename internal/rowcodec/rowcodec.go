// Package rowcodec converts table rows to and from the JSON array-of-arrays
// format of dump files: a header row of field names followed by one array per row.
package rowcodec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"sitevault/internal/schema"
)

// DatetimeLayout is how time values are written
const DatetimeLayout = "2006-01-02 15:04:05"

type valueKind int

const (
	kindText valueKind = iota
	kindInteger
	kindFloat
	kindDecimal
	kindBinary
)

func kindOf(f *schema.Field) valueKind {
	if f == nil {
		return kindText
	}
	switch f.Type {
	case schema.FieldTypeInteger:
		return kindInteger
	case schema.FieldTypeFloat:
		return kindFloat
	case schema.FieldTypeNumber:
		return kindDecimal
	case schema.FieldTypeBinary:
		return kindBinary
	}
	return kindText
}

func kinds(t *schema.Table, fields []string) []valueKind {
	out := make([]valueKind, len(fields))
	for i, name := range fields {
		var f *schema.Field
		if t != nil {
			f, _ = t.Field(name)
		}
		out[i] = kindOf(f)
	}
	return out
}

// Encode writes fields and rows of table t. Values are whatever database/sql
// scanned into an interface{}.
func Encode(t *schema.Table, fields []string, rows [][]interface{}) ([]byte, error) {
	k := kinds(t, fields)

	var buf bytes.Buffer
	header, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	buf.WriteByte('[')
	buf.Write(header)
	for r, row := range rows {
		if len(row) != len(fields) {
			return nil, fmt.Errorf("row %d has %d values, expected %d", r, len(row), len(fields))
		}
		buf.WriteString(",\n[")
		for i, v := range row {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(&buf, k[i], v); err != nil {
				return nil, fmt.Errorf("row %d field %s: %w", r, fields[i], err)
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, kind valueKind, v interface{}) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	if kind == kindBinary {
		var raw []byte
		switch x := v.(type) {
		case []byte:
			raw = x
		case string:
			raw = []byte(x)
		default:
			raw = []byte(fmt.Sprint(x))
		}
		return writeJSON(buf, base64.StdEncoding.EncodeToString(raw))
	}

	switch x := v.(type) {
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
		return nil
	case float64:
		return writeJSON(buf, x)
	case bool:
		if x {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
		return nil
	case time.Time:
		return writeJSON(buf, x.Format(DatetimeLayout))
	case []byte:
		return encodeText(buf, kind, string(x))
	case string:
		return encodeText(buf, kind, x)
	}
	return writeJSON(buf, fmt.Sprint(v))
}

// encodeText writes numbers that arrive as text as JSON numbers when they are
// valid literals, so text protocol drivers produce the same dump as binary ones
func encodeText(buf *bytes.Buffer, kind valueKind, s string) error {
	switch kind {
	case kindInteger:
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			buf.WriteString(s)
			return nil
		}
	case kindFloat, kindDecimal:
		if json.Valid([]byte(s)) {
			if _, err := strconv.ParseFloat(s, 64); err == nil {
				buf.WriteString(s)
				return nil
			}
		}
	}
	return writeJSON(buf, s)
}

func writeJSON(buf *bytes.Buffer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}

// Decode reads a dump file of table t back into field names and insertable rows
func Decode(t *schema.Table, data []byte) ([]string, [][]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw [][]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("failed to decode dump: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("dump has no header row")
	}

	fields := make([]string, len(raw[0]))
	for i, v := range raw[0] {
		name, ok := v.(string)
		if !ok {
			return nil, nil, fmt.Errorf("header column %d is not a field name", i)
		}
		fields[i] = name
	}
	k := kinds(t, fields)

	rows := make([][]interface{}, 0, len(raw)-1)
	for r, row := range raw[1:] {
		if len(row) != len(fields) {
			return nil, nil, fmt.Errorf("row %d has %d values, expected %d", r, len(row), len(fields))
		}
		out := make([]interface{}, len(row))
		for i, v := range row {
			val, err := decodeValue(k[i], v)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d field %s: %w", r, fields[i], err)
			}
			out[i] = val
		}
		rows = append(rows, out)
	}
	return fields, rows, nil
}

func decodeValue(kind valueKind, v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		switch kind {
		case kindInteger:
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
		case kindFloat:
			if f, err := x.Float64(); err == nil {
				return f, nil
			}
		}
		return x.String(), nil
	case string:
		if kind == kindBinary {
			return base64.StdEncoding.DecodeString(x)
		}
		return x, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}
