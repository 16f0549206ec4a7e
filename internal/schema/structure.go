package schema

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"sitevault/internal/logging"
)

// DefinitionFileName is the declarative schema file every component ships
const DefinitionFileName = "install.xml"

// Universe selects the definition or the actual side of a Structure
type Universe string

const (
	UniverseDefinition Universe = "definition"
	UniverseActual     Universe = "actual"
)

// Structure holds the definition and actual tables of one deployment, keyed by
// lower case unprefixed table name
type Structure struct {
	extractor   Extractor
	normalizer  *Normalizer
	comparer    *Comparer
	logger      *logging.Logger
	definitions map[string]*Table
	actual      map[string]*Table
	pkCache     map[string]RawIndex
}

// NewStructure creates an empty structure. extractor may be nil when only
// definitions are needed.
func NewStructure(extractor Extractor, gen *Generator, logger *logging.Logger) *Structure {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Structure{
		extractor:   extractor,
		normalizer:  NewNormalizer(gen),
		comparer:    NewComparer(gen, logger),
		logger:      logger,
		definitions: make(map[string]*Table),
		actual:      make(map[string]*Table),
	}
}

// Comparer returns the comparer bound to the structure's generator
func (s *Structure) Comparer() *Comparer {
	return s.comparer
}

// Load reads every definition under fsys, then introspects the live database
func (s *Structure) Load(ctx context.Context, fsys fs.FS) error {
	if err := s.LoadDefinitions(fsys); err != nil {
		return err
	}
	return s.LoadActual(ctx)
}

// LoadDefinitions reads every install.xml below fsys. The directory holding the
// file names the owning component. Comments are dropped.
func (s *Structure) LoadDefinitions(fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != DefinitionFileName {
			return nil
		}

		f, err := fsys.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", p, err)
		}
		defer f.Close()

		component := strings.TrimSuffix(path.Dir(p), "/db")
		tables, err := ParseDocument(f, component)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", p, err)
		}
		for _, t := range tables {
			t.ClearComments()
			if prev, ok := s.definitions[t.Name]; ok {
				s.logger.WithFields(map[string]interface{}{
					"table":     t.Name,
					"component": t.Component,
					"previous":  prev.Component,
				}).Warn("Table defined by more than one component")
			}
			s.comparer.warnInvalid(t)
			s.definitions[t.Name] = t
		}
		return nil
	})
}

// LoadActual introspects every live table
func (s *Structure) LoadActual(ctx context.Context) error {
	if s.extractor == nil {
		return fmt.Errorf("structure has no database extractor")
	}
	names, err := s.extractor.TableNames(ctx)
	if err != nil {
		return err
	}

	actual := make(map[string]*Table, len(names))
	for _, name := range names {
		t, err := s.introspect(ctx, name)
		if err != nil {
			return err
		}
		actual[name] = t
	}
	s.actual = actual
	return nil
}

// RefreshTable re-introspects one live table, returning false when it does not exist
func (s *Structure) RefreshTable(ctx context.Context, name string) (*Table, bool, error) {
	names, err := s.extractor.TableNames(ctx)
	if err != nil {
		return nil, false, err
	}
	i := sort.SearchStrings(names, name)
	if i >= len(names) || names[i] != name {
		delete(s.actual, name)
		return nil, false, nil
	}
	// the primary key may have changed along with the table
	s.pkCache = nil
	t, err := s.introspect(ctx, name)
	if err != nil {
		return nil, false, err
	}
	s.actual[name] = t
	return t, true, nil
}

func (s *Structure) introspect(ctx context.Context, name string) (*Table, error) {
	def := s.definitions[name]

	columns, err := s.extractor.Columns(ctx, name)
	if err != nil {
		return nil, err
	}
	t := NewTable(name)
	if def != nil {
		t.Component = def.Component
	}
	for _, raw := range columns {
		var ref *Field
		if def != nil {
			ref, _ = def.Field(strings.ToLower(raw.Name))
		}
		t.Fields = append(t.Fields, s.normalizer.Normalize(raw, ref))
	}

	indexes, err := s.extractor.Indexes(ctx, name)
	if err != nil {
		return nil, err
	}
	if pk, ok, err := s.primaryKey(ctx, name); err != nil {
		return nil, err
	} else if ok {
		indexes = append([]RawIndex{pk}, indexes...)
	}

	for _, idx := range indexes {
		switch {
		case idx.Primary:
			t.Keys = append(t.Keys, &Key{Name: "primary", Type: KeyTypePrimary, Fields: idx.Fields})
		default:
			t.Indexes = append(t.Indexes, &Index{Name: idx.Name, Unique: idx.Unique, Fields: idx.Fields})
		}
	}
	return t, nil
}

// primaryKey consults the per-structure cache, loading every primary key at once
// for engines that do not list them among the indexes
func (s *Structure) primaryKey(ctx context.Context, name string) (RawIndex, bool, error) {
	if s.pkCache == nil {
		keys, err := s.extractor.PrimaryKeys(ctx)
		if err != nil {
			return RawIndex{}, false, err
		}
		if keys == nil {
			keys = make(map[string]RawIndex)
		}
		s.pkCache = keys
	}
	pk, ok := s.pkCache[name]
	return pk, ok, nil
}

// FindDefinition looks up a definition table by unprefixed name
func (s *Structure) FindDefinition(name string) (*Table, bool) {
	t, ok := s.definitions[strings.ToLower(name)]
	return t, ok
}

// FindActual looks up a live table by unprefixed name
func (s *Structure) FindActual(name string) (*Table, bool) {
	t, ok := s.actual[strings.ToLower(name)]
	return t, ok
}

// Tables returns the tables of a universe sorted by name
func (s *Structure) Tables(u Universe) []*Table {
	src := s.actual
	if u == UniverseDefinition {
		src = s.definitions
	}
	tables := make([]*Table, 0, len(src))
	for _, name := range SortedTableNames(src) {
		tables = append(tables, src[name])
	}
	return tables
}

// Render writes one universe as a single declarative document
func (s *Structure) Render(w io.Writer, u Universe) error {
	return RenderDocument(w, fmt.Sprintf("%s structure", u), s.Tables(u))
}

// Reconciliation is the outcome of checking the live schema against definitions
type Reconciliation struct {
	Diffs         map[string]*Diff `json:"diffs"`
	MissingTables []string         `json:"missingtables,omitempty"`
}

// HasChanges reports whether anything differs
func (r *Reconciliation) HasChanges() bool {
	return len(r.Diffs) > 0 || len(r.MissingTables) > 0
}

// Reconcile aligns every live table against its definition. Only tables with
// differences are reported.
func (s *Structure) Reconcile() *Reconciliation {
	start := time.Now()
	result := &Reconciliation{Diffs: make(map[string]*Diff)}

	for _, name := range SortedTableNames(s.actual) {
		def, _ := s.FindDefinition(name)
		diff := s.comparer.CompareWithOtherTable(s.actual[name], def, true)
		if !diff.IsEmpty() {
			result.Diffs[name] = diff
		}
	}
	for _, name := range SortedTableNames(s.definitions) {
		if _, ok := s.actual[name]; !ok {
			result.MissingTables = append(result.MissingTables, name)
		}
	}

	s.logger.LogSchemaComparison(string(UniverseActual), len(s.actual), len(result.Diffs)+len(result.MissingTables), time.Since(start))
	return result
}
