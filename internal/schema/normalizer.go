package schema

import (
	"database/sql"
	"regexp"
	"strconv"
	"strings"

	"sitevault/internal/database"
)

// RawColumn is a column exactly as an engine's catalog reports it
type RawColumn struct {
	Name          string
	NativeType    string // lower case engine type name, e.g. "mediumint", "int8", "varchar"
	Length        int    // character length or numeric precision
	Scale         int
	Nullable      bool
	Default       sql.NullString
	AutoIncrement bool
}

// Normalizer turns introspected columns into canonical fields
type Normalizer struct {
	gen *Generator
}

// NewNormalizer creates a normalizer whose canonical SQL follows gen
func NewNormalizer(gen *Generator) *Normalizer {
	return &Normalizer{gen: gen}
}

var (
	pgCastSuffix = regexp.MustCompile(`::[a-z ]+(\[\])?$`)
	sqliteParams = regexp.MustCompile(`^([a-z ]+?)\s*\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)$`)
)

// Normalize converts raw into a canonical field. ref is the matching definition
// field, or nil when the column has no definition.
func (n *Normalizer) Normalize(raw RawColumn, ref *Field) *Field {
	f := &Field{
		Name:     strings.ToLower(raw.Name),
		NotNull:  !raw.Nullable,
		Sequence: raw.AutoIncrement,
	}
	n.mapType(raw, f)

	if def, ok := n.parseDefault(raw); ok && !f.Sequence {
		f.Default = &def
	}
	if f.Default != nil && strings.HasPrefix(strings.ToLower(*f.Default), "nextval(") {
		f.Sequence = true
		f.Default = nil
	}

	if ref != nil {
		reconcileNumericDefault(f, ref)
	}
	clearEmptyCharDefault(f)

	if ref != nil && n.gen.FieldSQL(f) == n.gen.FieldSQL(ref) {
		f.Length = ref.Length
		f.Decimals = ref.Decimals
		f.Default = nil
		if ref.Default != nil {
			f.Default = StringPtr(*ref.Default)
		}
		clearEmptyCharDefault(f)
	}
	return f
}

func (n *Normalizer) mapType(raw RawColumn, f *Field) {
	native := strings.ToLower(strings.TrimSpace(raw.NativeType))
	length, scale := raw.Length, raw.Scale

	if n.gen.Family() == database.FamilySQLite {
		if m := sqliteParams.FindStringSubmatch(native); m != nil {
			native = strings.TrimSpace(m[1])
			length, _ = strconv.Atoi(m[2])
			if m[3] != "" {
				scale, _ = strconv.Atoi(m[3])
			}
		}
	}
	native = strings.TrimSuffix(native, " unsigned")

	switch native {
	case "tinyint", "bool", "boolean":
		f.Type, f.Length = FieldTypeInteger, 2
	case "smallint", "int2", "smallserial":
		f.Type, f.Length = FieldTypeInteger, 4
	case "mediumint":
		f.Type, f.Length = FieldTypeInteger, 6
	case "int", "int4", "serial":
		f.Type, f.Length = FieldTypeInteger, 9
	case "bigint", "int8", "bigserial":
		f.Type, f.Length = FieldTypeInteger, 18
	case "integer":
		if n.gen.Family() == database.FamilyPostgres {
			f.Type, f.Length = FieldTypeInteger, 9
		} else {
			f.Type, f.Length = FieldTypeInteger, 18
		}
	case "decimal", "numeric":
		f.Type, f.Length, f.Decimals = FieldTypeNumber, length, scale
	case "float", "double", "real", "float4", "float8", "double precision":
		f.Type, f.Decimals = FieldTypeFloat, scale
		f.Length = length
		if f.Length > MaxFloatLength {
			f.Length = MaxFloatLength
		}
	case "varchar", "char", "character varying", "character", "bpchar", "nvarchar":
		f.Type, f.Length = FieldTypeChar, length
	case "tinytext", "text", "mediumtext", "longtext", "json", "jsonb", "clob":
		f.Type = FieldTypeText
	case "tinyblob", "blob", "mediumblob", "longblob", "bytea", "binary", "varbinary":
		f.Type = FieldTypeBinary
	case "datetime", "date":
		f.Type = FieldTypeDatetime
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		f.Type = FieldTypeTimestamp
	default:
		f.Type = FieldType(native)
	}

	if n.gen.Family() == database.FamilySQLite && f.Type == FieldTypeChar && length == 0 {
		f.Length = MaxCharLength
	}
}

func (n *Normalizer) parseDefault(raw RawColumn) (string, bool) {
	if !raw.Default.Valid {
		return "", false
	}
	def := strings.TrimSpace(raw.Default.String)

	switch n.gen.Family() {
	case database.FamilyPostgres:
		if strings.HasPrefix(def, "(") && strings.HasSuffix(def, ")") && !strings.Contains(def, "nextval") {
			def = strings.TrimSuffix(strings.TrimPrefix(def, "("), ")")
		}
		def = pgCastSuffix.ReplaceAllString(def, "")
		if strings.EqualFold(def, "null") {
			return "", false
		}
		return unquoteLiteral(def), true
	case database.FamilySQLite:
		if strings.EqualFold(def, "null") {
			return "", false
		}
		return unquoteLiteral(def), true
	default:
		// MariaDB reports a NULL default as the literal NULL and quotes string defaults
		if def == "NULL" {
			return "", false
		}
		return unquoteLiteral(raw.Default.String), true
	}
}

func unquoteLiteral(s string) string {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// reconcileNumericDefault treats "0.0000" and "0" as the same default
func reconcileNumericDefault(f, ref *Field) {
	if f.Default == nil || ref.Default == nil || *f.Default == *ref.Default {
		return
	}
	switch f.Type {
	case FieldTypeInteger, FieldTypeNumber, FieldTypeFloat:
	default:
		return
	}
	a, errA := strconv.ParseFloat(*f.Default, 64)
	b, errB := strconv.ParseFloat(*ref.Default, 64)
	if errA == nil && errB == nil && a == b {
		f.Default = StringPtr(*ref.Default)
	}
}

func clearEmptyCharDefault(f *Field) {
	if f.Type == FieldTypeChar && f.NotNull && f.Default != nil && *f.Default == "" {
		f.Default = nil
	}
}
