package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldType is the canonical column type, independent of the SQL engine
type FieldType string

const (
	FieldTypeInteger   FieldType = "int"
	FieldTypeNumber    FieldType = "number"
	FieldTypeFloat     FieldType = "float"
	FieldTypeChar      FieldType = "char"
	FieldTypeText      FieldType = "text"
	FieldTypeBinary    FieldType = "binary"
	FieldTypeDatetime  FieldType = "datetime"
	FieldTypeTimestamp FieldType = "timestamp"
)

// Limits of the canonical model
const (
	MaxNameLength    = 63
	MaxIntegerLength = 20
	MaxNumberLength  = 38
	MaxFloatLength   = 20
	MaxCharLength    = 1333
)

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// KeyType is the kind of a declared key
type KeyType string

const (
	KeyTypePrimary       KeyType = "primary"
	KeyTypeUnique        KeyType = "unique"
	KeyTypeForeign       KeyType = "foreign"
	KeyTypeForeignUnique KeyType = "foreign-unique"
)

// Field is one column of a table
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Length   int       `json:"length,omitempty"`
	Decimals int       `json:"decimals,omitempty"`
	NotNull  bool      `json:"notnull"`
	Sequence bool      `json:"sequence"`
	Default  *string   `json:"default,omitempty"`
	Comment  string    `json:"comment,omitempty"`
}

// Key is a primary, unique or foreign key
type Key struct {
	Name      string   `json:"name"`
	Type      KeyType  `json:"type"`
	Fields    []string `json:"fields"`
	RefTable  string   `json:"reftable,omitempty"`
	RefFields []string `json:"reffields,omitempty"`
	Comment   string   `json:"comment,omitempty"`
}

// Index is a plain or unique index
type Index struct {
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Fields  []string `json:"fields"`
	Comment string   `json:"comment,omitempty"`
}

// Table is the canonical definition of one table. Name never carries the table prefix.
type Table struct {
	Name      string   `json:"name"`
	Comment   string   `json:"comment,omitempty"`
	Component string   `json:"component,omitempty"`
	Fields    []*Field `json:"fields"`
	Keys      []*Key   `json:"keys"`
	Indexes   []*Index `json:"indexes"`
}

// NewTable creates an empty table
func NewTable(name string) *Table {
	return &Table{
		Name:    name,
		Fields:  make([]*Field, 0),
		Keys:    make([]*Key, 0),
		Indexes: make([]*Index, 0),
	}
}

// StringPtr is a helper for building defaults
func StringPtr(s string) *string {
	return &s
}

// Clone returns a deep copy of the field
func (f *Field) Clone() *Field {
	c := *f
	if f.Default != nil {
		d := *f.Default
		c.Default = &d
	}
	return &c
}

// IsUnique reports whether the key enforces uniqueness
func (k *Key) IsUnique() bool {
	return k.Type != KeyTypeForeign
}

// Clone returns a deep copy of the key
func (k *Key) Clone() *Key {
	c := *k
	c.Fields = append([]string(nil), k.Fields...)
	c.RefFields = append([]string(nil), k.RefFields...)
	return &c
}

// Clone returns a deep copy of the index
func (i *Index) Clone() *Index {
	c := *i
	c.Fields = append([]string(nil), i.Fields...)
	return &c
}

// Clone returns a deep copy of the table
func (t *Table) Clone() *Table {
	c := &Table{
		Name:      t.Name,
		Comment:   t.Comment,
		Component: t.Component,
		Fields:    make([]*Field, 0, len(t.Fields)),
		Keys:      make([]*Key, 0, len(t.Keys)),
		Indexes:   make([]*Index, 0, len(t.Indexes)),
	}
	for _, f := range t.Fields {
		c.Fields = append(c.Fields, f.Clone())
	}
	for _, k := range t.Keys {
		c.Keys = append(c.Keys, k.Clone())
	}
	for _, i := range t.Indexes {
		c.Indexes = append(c.Indexes, i.Clone())
	}
	return c
}

// Field retrieves a field by name
func (t *Table) Field(name string) (*Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// FieldNames returns the field names in declared order
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// PrimaryKey returns the primary key if the table declares one
func (t *Table) PrimaryKey() *Key {
	for _, k := range t.Keys {
		if k.Type == KeyTypePrimary {
			return k
		}
	}
	return nil
}

// SequenceField returns the auto-increment field, if any
func (t *Table) SequenceField() *Field {
	for _, f := range t.Fields {
		if f.Sequence {
			return f
		}
	}
	return nil
}

// ClearComments drops descriptive comments; they never take part in comparison
func (t *Table) ClearComments() {
	t.Comment = ""
	for _, f := range t.Fields {
		f.Comment = ""
	}
	for _, k := range t.Keys {
		k.Comment = ""
	}
	for _, i := range t.Indexes {
		i.Comment = ""
	}
}

// Validate checks the field against the canonical model rules
func (f *Field) Validate() error {
	if err := validateName(f.Name); err != nil {
		return fmt.Errorf("field: %w", err)
	}

	switch f.Type {
	case FieldTypeInteger:
		if f.Length < 1 || f.Length > MaxIntegerLength {
			return fmt.Errorf("field %s: invalid integer length %d", f.Name, f.Length)
		}
	case FieldTypeNumber:
		if f.Length < 1 || f.Length > MaxNumberLength {
			return fmt.Errorf("field %s: invalid number length %d", f.Name, f.Length)
		}
		if f.Decimals < 0 || f.Decimals > f.Length {
			return fmt.Errorf("field %s: invalid decimals %d", f.Name, f.Decimals)
		}
	case FieldTypeFloat:
		if f.Length < 0 || f.Length > MaxFloatLength {
			return fmt.Errorf("field %s: invalid float length %d", f.Name, f.Length)
		}
	case FieldTypeChar:
		if f.Length < 1 || f.Length > MaxCharLength {
			return fmt.Errorf("field %s: invalid char length %d", f.Name, f.Length)
		}
		if f.NotNull && f.Default != nil && *f.Default == "" {
			return fmt.Errorf("field %s: not null char field cannot default to empty string", f.Name)
		}
	case FieldTypeText, FieldTypeBinary, FieldTypeDatetime, FieldTypeTimestamp:
	default:
		return fmt.Errorf("field %s: unknown type %q", f.Name, f.Type)
	}

	if f.Sequence {
		if f.Type != FieldTypeInteger {
			return fmt.Errorf("field %s: only integer fields can be sequences", f.Name)
		}
		if !f.NotNull {
			return fmt.Errorf("field %s: sequence must be not null", f.Name)
		}
		if f.Default != nil {
			return fmt.Errorf("field %s: sequence cannot have a default", f.Name)
		}
	}
	return nil
}

// Validate checks the key refers to at least one field and is well formed
func (k *Key) Validate() error {
	if err := validateName(k.Name); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if len(k.Fields) == 0 {
		return fmt.Errorf("key %s: no fields", k.Name)
	}
	switch k.Type {
	case KeyTypePrimary, KeyTypeUnique:
	case KeyTypeForeign, KeyTypeForeignUnique:
		if k.RefTable == "" || len(k.RefFields) != len(k.Fields) {
			return fmt.Errorf("key %s: foreign key must reference the same number of fields", k.Name)
		}
	default:
		return fmt.Errorf("key %s: unknown type %q", k.Name, k.Type)
	}
	return nil
}

// Validate checks the index refers to at least one field
func (i *Index) Validate() error {
	if err := validateName(i.Name); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if len(i.Fields) == 0 {
		return fmt.Errorf("index %s: no fields", i.Name)
	}
	return nil
}

// Validate checks the whole table and returns every problem found
func (t *Table) Validate() []error {
	var problems []error
	if err := validateName(t.Name); err != nil {
		problems = append(problems, fmt.Errorf("table: %w", err))
	}
	if len(t.Fields) == 0 {
		problems = append(problems, fmt.Errorf("table %s: no fields", t.Name))
	}

	seen := make(map[string]bool, len(t.Fields))
	for _, f := range t.Fields {
		if seen[f.Name] {
			problems = append(problems, fmt.Errorf("table %s: duplicate field %s", t.Name, f.Name))
		}
		seen[f.Name] = true
		if err := f.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("table %s: %w", t.Name, err))
		}
	}

	checkFields := func(kind, name string, fields []string) {
		for _, fn := range fields {
			if !seen[fn] {
				problems = append(problems, fmt.Errorf("table %s: %s %s references unknown field %s", t.Name, kind, name, fn))
			}
		}
	}
	for _, k := range t.Keys {
		if err := k.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("table %s: %w", t.Name, err))
		}
		checkFields("key", k.Name, k.Fields)
	}
	for _, i := range t.Indexes {
		if err := i.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("table %s: %w", t.Name, err))
		}
		checkFields("index", i.Name, i.Fields)
	}
	return problems
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name %s is longer than %d characters", name, MaxNameLength)
	}
	if !identifierPattern.MatchString(strings.ToLower(name)) {
		return fmt.Errorf("name %s contains invalid characters", name)
	}
	return nil
}
