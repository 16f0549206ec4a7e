package schema

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"sitevault/internal/database"
)

var autoIncrementPattern = regexp.MustCompile(`(?i)\bAUTOINCREMENT\b`)

// RawIndex is an index or constraint as the engine lists it
type RawIndex struct {
	Name    string
	Unique  bool
	Primary bool
	Fields  []string
}

// Extractor reads live table structure from one engine. Table names passed in and
// returned never carry the prefix.
type Extractor interface {
	TableNames(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]RawColumn, error)
	// Indexes lists the table's indexes. Engines that report primary keys through
	// the same listing include them here.
	Indexes(ctx context.Context, table string) ([]RawIndex, error)
	// PrimaryKeys returns every primary key of the schema keyed by table name, or
	// nil when Indexes already includes them.
	PrimaryKeys(ctx context.Context) (map[string]RawIndex, error)
	// NextSequenceValue reports the value the table's sequence would hand out next
	NextSequenceValue(ctx context.Context, table, field string) (int64, error)
}

// NewExtractor creates the extractor for the family
func NewExtractor(family database.Family, db database.Executor, prefix string) (Extractor, error) {
	base := extractor{db: db, prefix: prefix, queryTimeout: 30 * time.Second}
	switch family {
	case database.FamilyMySQL:
		return &mysqlExtractor{base}, nil
	case database.FamilyPostgres:
		return &postgresExtractor{base}, nil
	case database.FamilySQLite:
		return &sqliteExtractor{base}, nil
	}
	return nil, fmt.Errorf("unsupported database family %q", family)
}

type extractor struct {
	db           database.Executor
	prefix       string
	queryTimeout time.Duration
}

func (e *extractor) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

// stripPrefix returns the unprefixed name, or false when the table is not ours
func (e *extractor) stripPrefix(name string) (string, bool) {
	name = strings.ToLower(name)
	if e.prefix == "" {
		return name, true
	}
	if !strings.HasPrefix(name, strings.ToLower(e.prefix)) {
		return "", false
	}
	return name[len(e.prefix):], true
}

func (e *extractor) scanTableNames(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, cancel, err := e.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer cancel()
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if stripped, ok := e.stripPrefix(name); ok {
			names = append(names, stripped)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table rows: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// indexBuilder groups per-column index rows
type indexBuilder struct {
	order   []string
	indexes map[string]*RawIndex
}

func newIndexBuilder() *indexBuilder {
	return &indexBuilder{indexes: make(map[string]*RawIndex)}
}

func (b *indexBuilder) add(name, column string, unique, primary bool) {
	idx, ok := b.indexes[name]
	if !ok {
		idx = &RawIndex{Name: strings.ToLower(name), Unique: unique, Primary: primary}
		b.indexes[name] = idx
		b.order = append(b.order, name)
	}
	idx.Fields = append(idx.Fields, strings.ToLower(column))
}

func (b *indexBuilder) build() []RawIndex {
	out := make([]RawIndex, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, *b.indexes[name])
	}
	return out
}

type mysqlExtractor struct {
	extractor
}

func (e *mysqlExtractor) TableNames(ctx context.Context) ([]string, error) {
	return e.scanTableNames(ctx, `
		SELECT TABLE_NAME
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`)
}

func (e *mysqlExtractor) Columns(ctx context.Context, table string) ([]RawColumn, error) {
	rows, cancel, err := e.query(ctx, `
		SELECT
			COLUMN_NAME,
			DATA_TYPE,
			IS_NULLABLE,
			COLUMN_DEFAULT,
			EXTRA,
			COALESCE(CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION, 0),
			COALESCE(NUMERIC_SCALE, 0)
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, e.prefix+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for table %s: %w", table, err)
	}
	defer cancel()
	defer rows.Close()

	var columns []RawColumn
	for rows.Next() {
		var (
			c          RawColumn
			isNullable string
			extra      string
		)
		if err := rows.Scan(&c.Name, &c.NativeType, &isNullable, &c.Default, &extra, &c.Length, &c.Scale); err != nil {
			return nil, fmt.Errorf("failed to scan column data: %w", err)
		}
		c.Nullable = isNullable == "YES"
		c.AutoIncrement = strings.Contains(strings.ToLower(extra), "auto_increment")
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	return columns, nil
}

func (e *mysqlExtractor) Indexes(ctx context.Context, table string) ([]RawIndex, error) {
	rows, cancel, err := e.query(ctx, `
		SELECT
			INDEX_NAME,
			COLUMN_NAME,
			NON_UNIQUE
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, e.prefix+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes for table %s: %w", table, err)
	}
	defer cancel()
	defer rows.Close()

	builder := newIndexBuilder()
	for rows.Next() {
		var name, column string
		var nonUnique int
		if err := rows.Scan(&name, &column, &nonUnique); err != nil {
			return nil, fmt.Errorf("failed to scan index data: %w", err)
		}
		builder.add(name, column, nonUnique == 0, name == "PRIMARY")
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index rows: %w", err)
	}
	return builder.build(), nil
}

func (e *mysqlExtractor) PrimaryKeys(ctx context.Context) (map[string]RawIndex, error) {
	return nil, nil
}

func (e *mysqlExtractor) NextSequenceValue(ctx context.Context, table, field string) (int64, error) {
	var next sql.NullInt64
	err := e.db.QueryRowContext(ctx, `
		SELECT AUTO_INCREMENT
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, e.prefix+table).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for table %s: %w", table, err)
	}
	if !next.Valid {
		return 1, nil
	}
	return next.Int64, nil
}

type postgresExtractor struct {
	extractor
}

func (e *postgresExtractor) TableNames(ctx context.Context) ([]string, error) {
	return e.scanTableNames(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
}

func (e *postgresExtractor) Columns(ctx context.Context, table string) ([]RawColumn, error) {
	rows, cancel, err := e.query(ctx, `
		SELECT
			column_name,
			data_type,
			is_nullable,
			column_default,
			COALESCE(character_maximum_length, numeric_precision, 0),
			COALESCE(numeric_scale, 0)
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, e.prefix+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for table %s: %w", table, err)
	}
	defer cancel()
	defer rows.Close()

	var columns []RawColumn
	for rows.Next() {
		var c RawColumn
		var isNullable string
		if err := rows.Scan(&c.Name, &c.NativeType, &isNullable, &c.Default, &c.Length, &c.Scale); err != nil {
			return nil, fmt.Errorf("failed to scan column data: %w", err)
		}
		c.Nullable = isNullable == "YES"
		if c.Default.Valid && strings.HasPrefix(c.Default.String, "nextval(") {
			c.AutoIncrement = true
			c.Default = sql.NullString{}
		}
		// numeric_precision reports bits for floats
		if c.NativeType == "double precision" {
			c.Length, c.Scale = 0, 0
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}
	return columns, nil
}

func (e *postgresExtractor) Indexes(ctx context.Context, table string) ([]RawIndex, error) {
	rows, cancel, err := e.query(ctx, `
		SELECT
			ic.relname,
			a.attname,
			i.indisunique
		FROM pg_index i
		JOIN pg_class tc ON tc.oid = i.indrelid
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = tc.oid AND a.attnum = k.attnum
		WHERE n.nspname = current_schema() AND tc.relname = $1 AND NOT i.indisprimary
		ORDER BY ic.relname, k.ord`, e.prefix+table)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes for table %s: %w", table, err)
	}
	defer cancel()
	defer rows.Close()

	builder := newIndexBuilder()
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &column, &unique); err != nil {
			return nil, fmt.Errorf("failed to scan index data: %w", err)
		}
		builder.add(name, column, unique, false)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index rows: %w", err)
	}
	return builder.build(), nil
}

// PrimaryKeys reads every primary key in one catalog query; pg_index listings
// above exclude them.
func (e *postgresExtractor) PrimaryKeys(ctx context.Context) (map[string]RawIndex, error) {
	rows, cancel, err := e.query(ctx, `
		SELECT
			tc.table_name,
			kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = tc.constraint_name AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = current_schema() AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY tc.table_name, kcu.ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query primary keys: %w", err)
	}
	defer cancel()
	defer rows.Close()

	keys := make(map[string]RawIndex)
	for rows.Next() {
		var tableName, column string
		if err := rows.Scan(&tableName, &column); err != nil {
			return nil, fmt.Errorf("failed to scan primary key: %w", err)
		}
		name, ok := e.stripPrefix(tableName)
		if !ok {
			continue
		}
		pk := keys[name]
		pk.Name, pk.Unique, pk.Primary = "primary", true, true
		pk.Fields = append(pk.Fields, strings.ToLower(column))
		keys[name] = pk
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating primary key rows: %w", err)
	}
	return keys, nil
}

func (e *postgresExtractor) NextSequenceValue(ctx context.Context, table, field string) (int64, error) {
	var next int64
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s",
		database.QuoteIdent(database.FamilyPostgres, field),
		database.QuoteIdent(database.FamilyPostgres, e.prefix+table))
	if err := e.db.QueryRowContext(ctx, query).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read sequence for table %s: %w", table, err)
	}
	return next, nil
}

type sqliteExtractor struct {
	extractor
}

func (e *sqliteExtractor) TableNames(ctx context.Context) ([]string, error) {
	return e.scanTableNames(ctx, `
		SELECT name
		FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
}

func (e *sqliteExtractor) Columns(ctx context.Context, table string) ([]RawColumn, error) {
	rows, cancel, err := e.query(ctx, fmt.Sprintf("PRAGMA table_info(%s)",
		database.QuoteIdent(database.FamilySQLite, e.prefix+table)))
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for table %s: %w", table, err)
	}
	defer cancel()
	defer rows.Close()

	var (
		columns []RawColumn
		pkCols  []int
	)
	for rows.Next() {
		var (
			cid     int
			c       RawColumn
			notNull int
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.NativeType, &notNull, &c.Default, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column data: %w", err)
		}
		c.Nullable = notNull == 0 && pk == 0
		if pk > 0 {
			pkCols = append(pkCols, len(columns))
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column rows: %w", err)
	}

	// AUTOINCREMENT is only accepted on a lone INTEGER PRIMARY KEY column
	if len(pkCols) != 1 || !strings.EqualFold(columns[pkCols[0]].NativeType, "INTEGER") {
		return columns, nil
	}
	auto, err := e.hasAutoIncrement(ctx, table)
	if err != nil {
		return nil, err
	}
	if auto {
		columns[pkCols[0]].AutoIncrement = true
		columns[pkCols[0]].Nullable = false
	}
	return columns, nil
}

// hasAutoIncrement reports whether the table DDL declares an AUTOINCREMENT column
func (e *sqliteExtractor) hasAutoIncrement(ctx context.Context, table string) (bool, error) {
	var ddl sql.NullString
	err := e.db.QueryRowContext(ctx, "SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", e.prefix+table).Scan(&ddl)
	if err != nil {
		return false, fmt.Errorf("failed to read definition of table %s: %w", table, err)
	}
	return autoIncrementPattern.MatchString(ddl.String), nil
}

func (e *sqliteExtractor) Indexes(ctx context.Context, table string) ([]RawIndex, error) {
	quoted := database.QuoteIdent(database.FamilySQLite, e.prefix+table)
	rows, cancel, err := e.query(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes for table %s: %w", table, err)
	}

	type entry struct {
		name   string
		unique bool
		origin string
	}
	var entries []entry
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			cancel()
			return nil, fmt.Errorf("failed to scan index data: %w", err)
		}
		entries = append(entries, entry{name: name, unique: unique == 1, origin: origin})
	}
	rows.Close()
	cancel()

	builder := newIndexBuilder()

	// primary key from table_info covers INTEGER PRIMARY KEY, which has no index entry
	cols, err := e.primaryColumns(ctx, quoted)
	if err != nil {
		return nil, err
	}
	for _, c := range cols {
		builder.add("primary", c, true, true)
	}

	for _, en := range entries {
		if en.origin == "pk" {
			continue
		}
		infoRows, infoCancel, err := e.query(ctx, fmt.Sprintf("PRAGMA index_info(%s)",
			database.QuoteIdent(database.FamilySQLite, en.name)))
		if err != nil {
			return nil, fmt.Errorf("failed to query index %s: %w", en.name, err)
		}
		for infoRows.Next() {
			var seqno, cid int
			var column string
			if err := infoRows.Scan(&seqno, &cid, &column); err != nil {
				infoRows.Close()
				infoCancel()
				return nil, fmt.Errorf("failed to scan index column: %w", err)
			}
			builder.add(en.name, column, en.unique, false)
		}
		infoRows.Close()
		infoCancel()
	}
	return builder.build(), nil
}

func (e *sqliteExtractor) primaryColumns(ctx context.Context, quoted string) ([]string, error) {
	rows, cancel, err := e.query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoted))
	if err != nil {
		return nil, fmt.Errorf("failed to query primary key: %w", err)
	}
	defer cancel()
	defer rows.Close()

	byOrdinal := make(map[int]string)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			def              sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		if pk > 0 {
			byOrdinal[pk] = name
		}
	}
	cols := make([]string, 0, len(byOrdinal))
	for i := 1; i <= len(byOrdinal); i++ {
		cols = append(cols, byOrdinal[i])
	}
	return cols, rows.Err()
}

func (e *sqliteExtractor) PrimaryKeys(ctx context.Context) (map[string]RawIndex, error) {
	return nil, nil
}

func (e *sqliteExtractor) NextSequenceValue(ctx context.Context, table, field string) (int64, error) {
	var next int64
	err := e.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s",
		database.QuoteIdent(database.FamilySQLite, field),
		database.QuoteIdent(database.FamilySQLite, e.prefix+table))).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence for table %s: %w", table, err)
	}
	var seq sql.NullInt64
	// sqlite_sequence only exists once an AUTOINCREMENT table was written to
	if err := e.db.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", e.prefix+table).Scan(&seq); err == nil && seq.Valid && seq.Int64+1 > next {
		next = seq.Int64 + 1
	}
	return next, nil
}
