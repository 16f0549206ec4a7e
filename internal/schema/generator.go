package schema

import (
	"fmt"
	"strings"

	"sitevault/internal/database"
)

// Generator renders canonical tables as DDL for one SQL engine
type Generator struct {
	family database.Family
	prefix string
}

// NewGenerator creates a generator for the family. prefix is prepended to every table name.
func NewGenerator(family database.Family, prefix string) *Generator {
	return &Generator{family: family, prefix: prefix}
}

// Family returns the engine family
func (g *Generator) Family() database.Family {
	return g.family
}

// Prefix returns the table prefix
func (g *Generator) Prefix() string {
	return g.prefix
}

// TableName returns the quoted, prefixed table name
func (g *Generator) TableName(name string) string {
	return database.QuoteIdent(g.family, g.prefix+name)
}

func (g *Generator) quote(name string) string {
	return database.QuoteIdent(g.family, name)
}

// TypeSQL returns the engine column type for a field
func (g *Generator) TypeSQL(f *Field) string {
	switch g.family {
	case database.FamilyPostgres:
		return g.postgresType(f)
	case database.FamilySQLite:
		return g.sqliteType(f)
	default:
		return g.mysqlType(f)
	}
}

func (g *Generator) mysqlType(f *Field) string {
	switch f.Type {
	case FieldTypeInteger:
		switch {
		case f.Length > 9:
			return "BIGINT"
		case f.Length > 6:
			return "INT"
		case f.Length > 4:
			return "MEDIUMINT"
		case f.Length > 2:
			return "SMALLINT"
		default:
			return "TINYINT"
		}
	case FieldTypeNumber:
		return fmt.Sprintf("DECIMAL(%d,%d)", f.Length, f.Decimals)
	case FieldTypeFloat:
		if f.Length > 0 {
			return fmt.Sprintf("DOUBLE(%d,%d)", f.Length, f.Decimals)
		}
		return "DOUBLE"
	case FieldTypeChar:
		return fmt.Sprintf("VARCHAR(%d)", f.Length)
	case FieldTypeText:
		return "LONGTEXT"
	case FieldTypeBinary:
		return "LONGBLOB"
	case FieldTypeDatetime:
		return "DATETIME"
	case FieldTypeTimestamp:
		return "TIMESTAMP"
	}
	return "UNKNOWN(" + string(f.Type) + ")"
}

func (g *Generator) postgresType(f *Field) string {
	switch f.Type {
	case FieldTypeInteger:
		switch {
		case f.Sequence && f.Length > 9:
			return "BIGSERIAL"
		case f.Sequence:
			return "SERIAL"
		case f.Length > 9:
			return "BIGINT"
		case f.Length > 4:
			return "INTEGER"
		default:
			return "SMALLINT"
		}
	case FieldTypeNumber:
		return fmt.Sprintf("NUMERIC(%d,%d)", f.Length, f.Decimals)
	case FieldTypeFloat:
		if f.Length > 0 && f.Length <= 6 {
			return "REAL"
		}
		return "DOUBLE PRECISION"
	case FieldTypeChar:
		return fmt.Sprintf("VARCHAR(%d)", f.Length)
	case FieldTypeText:
		return "TEXT"
	case FieldTypeBinary:
		return "BYTEA"
	case FieldTypeDatetime, FieldTypeTimestamp:
		return "TIMESTAMP"
	}
	return "UNKNOWN(" + string(f.Type) + ")"
}

func (g *Generator) sqliteType(f *Field) string {
	switch f.Type {
	case FieldTypeInteger:
		return "INTEGER"
	case FieldTypeNumber:
		return fmt.Sprintf("NUMERIC(%d,%d)", f.Length, f.Decimals)
	case FieldTypeFloat:
		return "REAL"
	case FieldTypeChar:
		return fmt.Sprintf("VARCHAR(%d)", f.Length)
	case FieldTypeText:
		return "TEXT"
	case FieldTypeBinary:
		return "BLOB"
	case FieldTypeDatetime, FieldTypeTimestamp:
		return "DATETIME"
	}
	return "UNKNOWN(" + string(f.Type) + ")"
}

// DefaultSQL returns the literal used in a DEFAULT clause, or "" when none applies
func (g *Generator) DefaultSQL(f *Field) string {
	if f.Default == nil || f.Sequence {
		return ""
	}
	switch f.Type {
	case FieldTypeText, FieldTypeBinary:
		if g.family == database.FamilyMySQL {
			return ""
		}
		return quoteLiteral(*f.Default)
	case FieldTypeChar:
		return quoteLiteral(*f.Default)
	case FieldTypeDatetime, FieldTypeTimestamp:
		return quoteLiteral(*f.Default)
	}
	return *f.Default
}

// FieldSQL returns the canonical column specification. Two fields are considered
// identical for comparison purposes iff their FieldSQL texts are equal.
func (g *Generator) FieldSQL(f *Field) string {
	var sb strings.Builder
	sb.WriteString(g.quote(f.Name))
	sb.WriteString(" ")

	if g.family == database.FamilySQLite && f.Sequence {
		sb.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		return sb.String()
	}

	sb.WriteString(g.TypeSQL(f))
	if f.NotNull {
		sb.WriteString(" NOT NULL")
	}
	if def := g.DefaultSQL(f); def != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(def)
	}
	if f.Sequence && g.family == database.FamilyMySQL {
		sb.WriteString(" AUTO_INCREMENT")
	}
	return sb.String()
}

// CreateTableSQL returns the statements creating the table with its keys and indexes
func (g *Generator) CreateTableSQL(t *Table) ([]string, error) {
	if problems := t.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("cannot create table %s: %v", t.Name, problems[0])
	}

	lines := make([]string, 0, len(t.Fields)+len(t.Keys))
	for _, f := range t.Fields {
		lines = append(lines, "    "+g.FieldSQL(f))
	}

	var after []string
	for _, k := range t.Keys {
		if clause, ok := g.inlineKeySQL(t, k); ok {
			if clause != "" {
				lines = append(lines, "    "+clause)
			}
			continue
		}
		stmts, err := g.AddKeySQL(t, k)
		if err != nil {
			return nil, err
		}
		after = append(after, stmts...)
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (\n%s\n)", g.TableName(t.Name), strings.Join(lines, ",\n"))}
	stmts = append(stmts, after...)
	for _, idx := range t.Indexes {
		s, err := g.AddIndexSQL(t, idx)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s...)
	}
	return stmts, nil
}

// inlineKeySQL renders keys that belong inside CREATE TABLE. Foreign keys carry no
// referential semantics, they are created as plain or unique indexes.
func (g *Generator) inlineKeySQL(t *Table, k *Key) (string, bool) {
	if k.Type != KeyTypePrimary {
		return "", false
	}
	if g.family == database.FamilySQLite && len(k.Fields) == 1 {
		if f, ok := t.Field(k.Fields[0]); ok && f.Sequence {
			return "", true
		}
	}
	if len(k.Fields) == 0 {
		return "", false
	}
	return "PRIMARY KEY (" + g.fieldList(k.Fields) + ")", true
}

// DropTableSQL returns the statement dropping the table
func (g *Generator) DropTableSQL(t *Table) []string {
	return []string{"DROP TABLE " + g.TableName(t.Name)}
}

// AddFieldSQL returns the statement adding one column
func (g *Generator) AddFieldSQL(t *Table, f *Field) ([]string, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Sequence && g.family == database.FamilySQLite {
		return nil, fmt.Errorf("cannot add sequence field %s to existing sqlite table %s", f.Name, t.Name)
	}
	return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", g.TableName(t.Name), g.FieldSQL(f))}, nil
}

// AddKeySQL returns the statement adding one key
func (g *Generator) AddKeySQL(t *Table, k *Key) ([]string, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	switch k.Type {
	case KeyTypePrimary:
		if g.family == database.FamilySQLite {
			return nil, fmt.Errorf("cannot add primary key to existing sqlite table %s", t.Name)
		}
		return []string{fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", g.TableName(t.Name), g.fieldList(k.Fields))}, nil
	default:
		return g.AddIndexSQL(t, &Index{Name: k.Name, Unique: k.IsUnique(), Fields: k.Fields})
	}
}

// AddIndexSQL returns the statement adding one index
func (g *Generator) AddIndexSQL(t *Table, idx *Index) ([]string, error) {
	if err := idx.Validate(); err != nil {
		return nil, err
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return []string{fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, g.quote(g.IndexName(t, idx.Fields, idx.Unique)), g.TableName(t.Name), g.fieldList(idx.Fields))}, nil
}

// IndexName derives a deterministic engine-side index name
func (g *Generator) IndexName(t *Table, fields []string, unique bool) string {
	suffix := "ix"
	if unique {
		suffix = "uix"
	}
	name := g.prefix + t.Name + "_" + strings.Join(fields, "_") + "_" + suffix
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-len(suffix)-1] + "_" + suffix
	}
	return name
}

// TruncateSQL empties a table
func (g *Generator) TruncateSQL(t *Table) string {
	if g.family == database.FamilySQLite {
		return "DELETE FROM " + g.TableName(t.Name)
	}
	return "TRUNCATE TABLE " + g.TableName(t.Name)
}

// ResetSequenceSQL moves the sequence of the table so the next generated value is next
func (g *Generator) ResetSequenceSQL(t *Table, next int64) []string {
	f := t.SequenceField()
	if f == nil {
		return nil
	}
	name := g.prefix + t.Name
	switch g.family {
	case database.FamilyPostgres:
		return []string{fmt.Sprintf("SELECT setval(pg_get_serial_sequence('%s', '%s'), %d, false)", name, f.Name, next)}
	case database.FamilySQLite:
		return []string{
			fmt.Sprintf("DELETE FROM sqlite_sequence WHERE name = '%s'", name),
			fmt.Sprintf("INSERT INTO sqlite_sequence (name, seq) VALUES ('%s', %d)", name, next-1),
		}
	default:
		return []string{fmt.Sprintf("ALTER TABLE %s AUTO_INCREMENT = %d", g.TableName(t.Name), next)}
	}
}

func (g *Generator) fieldList(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = g.quote(f)
	}
	return strings.Join(quoted, ", ")
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
