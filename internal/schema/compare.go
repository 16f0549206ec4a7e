package schema

import (
	"sort"

	"sitevault/internal/logging"
)

// Diff categories, as reported by Diff.AsMap
const (
	DiffExtraTables    = "extratables"
	DiffExtraColumns   = "extracolumns"
	DiffMissingColumns = "missingcolumns"
	DiffChangedColumns = "changedcolumns"
	DiffExtraIndexes   = "extraindexes"
	DiffMissingIndexes = "missingindexes"
)

// Constraint is either a key or an index. Engines surface the same constraint
// as a key in one place and an index in another, so both are compared together.
type Constraint struct {
	Key   *Key   `json:"key,omitempty"`
	Index *Index `json:"index,omitempty"`
}

// Name returns the declared name
func (c Constraint) Name() string {
	if c.Key != nil {
		return c.Key.Name
	}
	return c.Index.Name
}

// Fields returns the ordered field list
func (c Constraint) Fields() []string {
	if c.Key != nil {
		return c.Key.Fields
	}
	return c.Index.Fields
}

// IsUnique reports whether the constraint enforces uniqueness
func (c Constraint) IsUnique() bool {
	if c.Key != nil {
		return c.Key.IsUnique()
	}
	return c.Index.Unique
}

// IsPrimary reports whether the constraint is the primary key
func (c Constraint) IsPrimary() bool {
	return c.Key != nil && c.Key.Type == KeyTypePrimary
}

// Equivalent compares ordered fields, uniqueness and primary-ness. Names and
// foreign references are ignored.
func (c Constraint) Equivalent(o Constraint) bool {
	if c.IsUnique() != o.IsUnique() || c.IsPrimary() != o.IsPrimary() {
		return false
	}
	a, b := c.Fields(), o.Fields()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ChangedField is a field present on both sides whose canonical SQL differs
type ChangedField struct {
	Name         string `json:"name"`
	ActualSQL    string `json:"actual"`
	ReferenceSQL string `json:"reference"`
}

// Diff is the structural difference of an actual table against its reference.
// Extra means present only in the actual table, missing only in the reference.
type Diff struct {
	Table          string         `json:"table"`
	ExtraTable     bool           `json:"extratable,omitempty"`
	ExtraColumns   []*Field       `json:"extracolumns,omitempty"`
	MissingColumns []*Field       `json:"missingcolumns,omitempty"`
	ChangedColumns []ChangedField `json:"changedcolumns,omitempty"`
	ExtraIndexes   []Constraint   `json:"extraindexes,omitempty"`
	MissingIndexes []Constraint   `json:"missingindexes,omitempty"`
}

// IsEmpty reports whether the tables are structurally identical
func (d *Diff) IsEmpty() bool {
	return len(d.AsMap()) == 0
}

// OnlyAdditive reports whether the actual table is a strict superset of the reference
func (d *Diff) OnlyAdditive() bool {
	return !d.ExtraTable && len(d.MissingColumns) == 0 && len(d.ChangedColumns) == 0 &&
		len(d.MissingIndexes) == 0 && (len(d.ExtraColumns) > 0 || len(d.ExtraIndexes) > 0)
}

// AsMap returns a sparse map holding only the non-empty categories, each with the
// names of the affected objects
func (d *Diff) AsMap() map[string][]string {
	m := make(map[string][]string)
	if d.ExtraTable {
		m[DiffExtraTables] = []string{d.Table}
	}
	if len(d.ExtraColumns) > 0 {
		m[DiffExtraColumns] = fieldNames(d.ExtraColumns)
	}
	if len(d.MissingColumns) > 0 {
		m[DiffMissingColumns] = fieldNames(d.MissingColumns)
	}
	if len(d.ChangedColumns) > 0 {
		names := make([]string, len(d.ChangedColumns))
		for i, c := range d.ChangedColumns {
			names[i] = c.Name
		}
		m[DiffChangedColumns] = names
	}
	if len(d.ExtraIndexes) > 0 {
		m[DiffExtraIndexes] = constraintNames(d.ExtraIndexes)
	}
	if len(d.MissingIndexes) > 0 {
		m[DiffMissingIndexes] = constraintNames(d.MissingIndexes)
	}
	return m
}

func fieldNames(fields []*Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func constraintNames(cs []Constraint) []string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.Name()
	}
	return names
}

// Comparer aligns tables and plans the statements reconciling them
type Comparer struct {
	gen    *Generator
	logger *logging.Logger
}

// NewComparer creates a comparer using gen for canonical field SQL
func NewComparer(gen *Generator, logger *logging.Logger) *Comparer {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Comparer{gen: gen, logger: logger}
}

// Generator returns the generator used by the comparer
func (c *Comparer) Generator() *Generator {
	return c.gen
}

// Align compares actual against reference and returns an aligned copy of actual
// along with the diff. Neither input is modified. With autofix, fields whose SQL
// matches are replaced by the reference object and everything is reordered to
// follow the reference, leftovers last. A nil reference reports an extra table.
func (c *Comparer) Align(actual, reference *Table, autofix bool) (*Table, *Diff) {
	aligned := actual.Clone()
	diff := &Diff{Table: actual.Name}

	if reference == nil {
		diff.ExtraTable = true
		return aligned, diff
	}
	c.warnInvalid(actual)

	c.alignFields(aligned, reference, diff, autofix)
	c.alignConstraints(aligned, reference, diff, autofix)
	return aligned, diff
}

// CompareWithOtherTable returns only the diff of actual against reference
func (c *Comparer) CompareWithOtherTable(actual, reference *Table, autofix bool) *Diff {
	_, diff := c.Align(actual, reference, autofix)
	return diff
}

func (c *Comparer) alignFields(aligned, reference *Table, diff *Diff, autofix bool) {
	remaining := make([]*Field, len(aligned.Fields))
	copy(remaining, aligned.Fields)

	matched := make([]*Field, 0, len(reference.Fields))
	for _, ref := range reference.Fields {
		pos := -1
		for i, f := range remaining {
			if f.Name == ref.Name {
				pos = i
				break
			}
		}
		if pos < 0 {
			diff.MissingColumns = append(diff.MissingColumns, ref.Clone())
			continue
		}

		act := remaining[pos]
		remaining = append(remaining[:pos], remaining[pos+1:]...)

		actualSQL, referenceSQL := c.gen.FieldSQL(act), c.gen.FieldSQL(ref)
		switch {
		case actualSQL != referenceSQL:
			diff.ChangedColumns = append(diff.ChangedColumns, ChangedField{
				Name:         act.Name,
				ActualSQL:    actualSQL,
				ReferenceSQL: referenceSQL,
			})
			matched = append(matched, act)
		case autofix:
			matched = append(matched, ref.Clone())
		default:
			matched = append(matched, act)
		}
	}
	diff.ExtraColumns = append(diff.ExtraColumns, remaining...)

	if autofix {
		aligned.Fields = append(matched, remaining...)
	}
}

func (c *Comparer) alignConstraints(aligned, reference *Table, diff *Diff, autofix bool) {
	actualPool := constraintsOf(aligned)
	refPool := constraintsOf(reference)

	var matched []Constraint
	used := make([]bool, len(actualPool))
	refLeft := make([]Constraint, 0)
	for _, ref := range refPool {
		found := false
		for i, act := range actualPool {
			if !used[i] && ref.Equivalent(act) {
				used[i] = true
				found = true
				matched = append(matched, ref)
				break
			}
		}
		if !found {
			refLeft = append(refLeft, ref)
		}
	}

	actualLeft := make([]Constraint, 0)
	for i, act := range actualPool {
		if !used[i] {
			actualLeft = append(actualLeft, act)
		}
	}

	actualLeft = dropDuplicates(actualLeft, matched)
	refLeft = dropDuplicates(refLeft, matched)

	diff.ExtraIndexes = append(diff.ExtraIndexes, actualLeft...)
	for _, ref := range refLeft {
		diff.MissingIndexes = append(diff.MissingIndexes, cloneConstraint(ref))
	}

	if autofix {
		aligned.Keys = make([]*Key, 0, len(matched))
		aligned.Indexes = make([]*Index, 0, len(matched))
		for _, m := range append(matched, actualLeft...) {
			m = cloneConstraint(m)
			if m.Key != nil {
				aligned.Keys = append(aligned.Keys, m.Key)
			} else {
				aligned.Indexes = append(aligned.Indexes, m.Index)
			}
		}
	}
}

// dropDuplicates removes objects equivalent to something already matched, as well
// as repeated leftovers that are equivalent to each other
func dropDuplicates(left, matched []Constraint) []Constraint {
	out := make([]Constraint, 0, len(left))
	for _, c := range left {
		dup := false
		for _, m := range matched {
			if c.Equivalent(m) {
				dup = true
				break
			}
		}
		for _, o := range out {
			if !dup && c.Equivalent(o) {
				dup = true
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

func constraintsOf(t *Table) []Constraint {
	pool := make([]Constraint, 0, len(t.Keys)+len(t.Indexes))
	for _, k := range t.Keys {
		pool = append(pool, Constraint{Key: k})
	}
	for _, i := range t.Indexes {
		pool = append(pool, Constraint{Index: i})
	}
	return pool
}

func cloneConstraint(c Constraint) Constraint {
	if c.Key != nil {
		return Constraint{Key: c.Key.Clone()}
	}
	return Constraint{Index: c.Index.Clone()}
}

func (c *Comparer) warnInvalid(t *Table) {
	for _, problem := range t.Validate() {
		c.logger.WithField("table", t.Name).Warn(problem.Error())
	}
}

// SortedTableNames returns the keys of a table map in lexical order
func SortedTableNames(tables map[string]*Table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
