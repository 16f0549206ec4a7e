package schema

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"sitevault/internal/database"
	"sitevault/internal/logging"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const logInstallXML = `<?xml version="1.0" encoding="UTF-8" ?>
<XMLDB PATH="lib/db">
  <TABLES>
    <TABLE NAME="log">
      <FIELDS>
        <FIELD NAME="id" TYPE="int" LENGTH="10" NOTNULL="true" SEQUENCE="true"/>
        <FIELD NAME="info" TYPE="char" LENGTH="255" NOTNULL="false" SEQUENCE="false"/>
      </FIELDS>
      <KEYS>
        <KEY NAME="primary" TYPE="primary" FIELDS="id"/>
      </KEYS>
    </TABLE>
  </TABLES>
</XMLDB>`

func definitionsFS() fstest.MapFS {
	return fstest.MapFS{
		"mod/forum/db/install.xml": {Data: []byte(forumInstallXML)},
		"lib/db/install.xml":       {Data: []byte(logInstallXML)},
		"lib/db/upgrade.php":       {Data: []byte("ignored")},
	}
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStructure_LoadDefinitions(t *testing.T) {
	s := NewStructure(nil, NewGenerator(database.FamilyMySQL, "mdl_"), logging.NewNullLogger())
	require.NoError(t, s.LoadDefinitions(definitionsFS()))

	forum, ok := s.FindDefinition("FORUM_POSTS")
	require.True(t, ok)
	assert.Equal(t, "mod/forum", forum.Component)
	assert.Empty(t, forum.Comment)

	_, ok = s.FindDefinition("missing")
	assert.False(t, ok)
	assert.Len(t, s.Tables(UniverseDefinition), 2)

	assert.Error(t, s.LoadActual(context.Background()))
}

func TestStructure_SQLiteReconcile(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	gen := NewGenerator(database.FamilySQLite, "mdl_")

	stmts, err := gen.CreateTableSQL(forumTable())
	require.NoError(t, err)
	extra := &Table{
		Name:   "local_notes",
		Fields: []*Field{{Name: "id", Type: FieldTypeInteger, Length: 10, NotNull: true, Sequence: true}},
		Keys:   []*Key{{Name: "primary", Type: KeyTypePrimary, Fields: []string{"id"}}},
	}
	extraStmts, err := gen.CreateTableSQL(extra)
	require.NoError(t, err)
	stmts = append(stmts, extraStmts...)
	stmts = append(stmts, "CREATE TABLE unrelated (a INTEGER)")
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	extractor, err := NewExtractor(database.FamilySQLite, db, "mdl_")
	require.NoError(t, err)
	s := NewStructure(extractor, gen, logging.NewNullLogger())
	require.NoError(t, s.Load(ctx, definitionsFS()))

	_, ok := s.FindActual("unrelated")
	assert.False(t, ok, "tables without the prefix are not part of the site")

	live, ok := s.FindActual("forum_posts")
	require.True(t, ok)
	assert.Equal(t, "mod/forum", live.Component)
	assert.Equal(t, 10, live.SequenceField().Length)

	result := s.Reconcile()
	assert.Equal(t, []string{"log"}, result.MissingTables)
	require.Len(t, result.Diffs, 1)
	assert.True(t, result.Diffs["local_notes"].ExtraTable)

	_, err = db.ExecContext(ctx, `INSERT INTO "mdl_forum_posts" ("discussion", "subject") VALUES (1, 'a'), (1, 'b')`)
	require.NoError(t, err)
	next, err := extractor.NextSequenceValue(ctx, "forum_posts", "id")
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)

	var buf bytes.Buffer
	require.NoError(t, s.Render(&buf, UniverseActual))
	rendered, err := ParseDocument(&buf, "")
	require.NoError(t, err)
	assert.Len(t, rendered, 2)
}

func TestStructure_SQLiteRefreshTable(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	gen := NewGenerator(database.FamilySQLite, "")

	extractor, _ := NewExtractor(database.FamilySQLite, db, "")
	s := NewStructure(extractor, gen, logging.NewNullLogger())
	require.NoError(t, s.LoadActual(ctx))

	_, ok, err := s.RefreshTable(ctx, "forum_posts")
	require.NoError(t, err)
	assert.False(t, ok)

	stmts, _ := gen.CreateTableSQL(forumTable())
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	table, ok, err := s.RefreshTable(ctx, "forum_posts")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, table.Fields, 5)
}

func TestStructure_MySQLIntrospection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("mdl_log").AddRow("wp_posts"))
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.COLUMNS").
		WithArgs("mdl_log").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "EXTRA", "LEN", "SCALE"}).
			AddRow("id", "bigint", "NO", nil, "auto_increment", 19, 0).
			AddRow("info", "varchar", "YES", nil, "", 255, 0))
	mock.ExpectQuery("FROM INFORMATION_SCHEMA.STATISTICS").
		WithArgs("mdl_log").
		WillReturnRows(sqlmock.NewRows([]string{"INDEX_NAME", "COLUMN_NAME", "NON_UNIQUE"}).
			AddRow("PRIMARY", "id", 0).
			AddRow("mdl_log_inf_ix", "info", 1))

	extractor, err := NewExtractor(database.FamilyMySQL, db, "mdl_")
	require.NoError(t, err)
	s := NewStructure(extractor, NewGenerator(database.FamilyMySQL, "mdl_"), logging.NewNullLogger())
	require.NoError(t, s.Load(context.Background(), fstest.MapFS{"lib/db/install.xml": {Data: []byte(logInstallXML)}}))
	require.NoError(t, mock.ExpectationsWereMet())

	table, ok := s.FindActual("log")
	require.True(t, ok)
	assert.Equal(t, "lib", table.Component)
	assert.Equal(t, 10, table.Fields[0].Length, "precision is taken from the definition")
	require.NotNil(t, table.PrimaryKey())

	diff := s.Comparer().CompareWithOtherTable(table, mustFind(t, s, "log"), true)
	assert.Equal(t, map[string][]string{DiffExtraIndexes: {"mdl_log_inf_ix"}}, diff.AsMap())
}

func mustFind(t *testing.T, s *Structure, name string) *Table {
	t.Helper()
	table, ok := s.FindDefinition(name)
	require.True(t, ok)
	return table
}

func TestStructure_PostgresPrimaryKeysAreCached(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	columns := []string{"column_name", "data_type", "is_nullable", "column_default", "len", "scale"}
	indexColumns := []string{"relname", "attname", "indisunique"}

	mock.ExpectQuery("FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("mdl_a").AddRow("mdl_b"))
	mock.ExpectQuery("FROM information_schema.columns").WithArgs("mdl_a").
		WillReturnRows(sqlmock.NewRows(columns).AddRow("id", "bigint", "NO", "nextval('mdl_a_id_seq'::regclass)", 64, 0))
	mock.ExpectQuery("FROM pg_index").WithArgs("mdl_a").
		WillReturnRows(sqlmock.NewRows(indexColumns))
	mock.ExpectQuery("PRIMARY KEY").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name"}).
			AddRow("mdl_a", "id").
			AddRow("mdl_b", "x").
			AddRow("mdl_b", "y"))
	mock.ExpectQuery("FROM information_schema.columns").WithArgs("mdl_b").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("x", "integer", "NO", nil, 32, 0).
			AddRow("y", "character varying", "NO", "'n'::character varying", 10, 0))
	mock.ExpectQuery("FROM pg_index").WithArgs("mdl_b").
		WillReturnRows(sqlmock.NewRows(indexColumns).AddRow("mdl_b_y_ix", "y", false))

	extractor, err := NewExtractor(database.FamilyPostgres, db, "mdl_")
	require.NoError(t, err)
	s := NewStructure(extractor, NewGenerator(database.FamilyPostgres, "mdl_"), logging.NewNullLogger())
	require.NoError(t, s.LoadActual(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	a, _ := s.FindActual("a")
	assert.True(t, a.Fields[0].Sequence)
	assert.Equal(t, []string{"id"}, a.PrimaryKey().Fields)

	b, _ := s.FindActual("b")
	assert.Equal(t, []string{"x", "y"}, b.PrimaryKey().Fields)
	assert.Equal(t, "n", *b.Fields[1].Default)
	require.Len(t, b.Indexes, 1)
}

func TestStructure_SQLiteSequenceFromSingleLineDDL(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	for _, stmt := range []string{
		`CREATE TABLE mdl_user (id INTEGER PRIMARY KEY AUTOINCREMENT, username VARCHAR(100) NOT NULL DEFAULT '')`,
		`CREATE TABLE mdl_plain (id INTEGER PRIMARY KEY, note TEXT)`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	extractor, err := NewExtractor(database.FamilySQLite, db, "mdl_")
	require.NoError(t, err)
	s := NewStructure(extractor, NewGenerator(database.FamilySQLite, "mdl_"), logging.NewNullLogger())
	require.NoError(t, s.LoadActual(ctx))

	user, ok := s.FindActual("user")
	require.True(t, ok)
	require.NotNil(t, user.SequenceField())
	assert.Equal(t, "id", user.SequenceField().Name)

	plain, ok := s.FindActual("plain")
	require.True(t, ok)
	assert.Nil(t, plain.SequenceField())
}

func TestStructure_SQLiteCreatedTableExecutes(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	gen := NewGenerator(database.FamilySQLite, "mdl_")
	table := &Table{
		Name: "t",
		Fields: []*Field{
			{Name: "id", Type: FieldTypeInteger, Length: 10, NotNull: true, Sequence: true},
			{Name: "name", Type: FieldTypeChar, Length: 10},
		},
		Keys: []*Key{{Name: "primary", Type: KeyTypePrimary, Fields: []string{"id"}}},
	}
	stmts, err := gen.CreateTableSQL(table)
	require.NoError(t, err)
	assert.NotContains(t, stmts[0], ",\n)")
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}
}
