package check

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"sitevault/internal/database"
	"sitevault/internal/errors"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/schema"
	"sitevault/internal/store"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forumXML = `<?xml version="1.0" encoding="UTF-8" ?>
<XMLDB PATH="mod/forum/db">
  <TABLES>
    <TABLE NAME="forum">
      <FIELDS>
        <FIELD NAME="id" TYPE="int" LENGTH="10" NOTNULL="true" SEQUENCE="true"/>
        <FIELD NAME="name" TYPE="char" LENGTH="255" NOTNULL="true" SEQUENCE="false"/>
      </FIELDS>
      <KEYS>
        <KEY NAME="primary" TYPE="primary" FIELDS="id"/>
      </KEYS>
    </TABLE>
    <TABLE NAME="forum_read">
      <FIELDS>
        <FIELD NAME="id" TYPE="int" LENGTH="10" NOTNULL="true" SEQUENCE="true"/>
      </FIELDS>
      <KEYS>
        <KEY NAME="primary" TYPE="primary" FIELDS="id"/>
      </KEYS>
    </TABLE>
  </TABLES>
</XMLDB>`

type fixture struct {
	db    *sql.DB
	store *store.Store
	mgr   *operation.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "site.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := store.Open(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &fixture{db: db, store: s, mgr: operation.NewManager(s, logging.NewNullLogger())}
}

func (f *fixture) job(t *testing.T) *operation.Job {
	ctx := context.Background()
	op, err := f.mgr.Schedule(ctx, operation.KindCheck, "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(ctx, op, 1))
	return operation.NewJob(f.mgr, op)
}

func (f *fixture) createFromDefinition(t *testing.T, name string) {
	t.Helper()
	tables, err := schema.ParseDocument(strings.NewReader(forumXML), "mod/forum")
	require.NoError(t, err)
	for _, table := range tables {
		if table.Name != name {
			continue
		}
		stmts, err := schema.NewGenerator(database.FamilySQLite, "mdl_").CreateTableSQL(table)
		require.NoError(t, err)
		for _, stmt := range stmts {
			_, err := f.db.Exec(stmt)
			require.NoError(t, err)
		}
	}
}

func source(db *sql.DB) Source {
	return Source{
		DB:          db,
		Family:      database.FamilySQLite,
		Prefix:      "mdl_",
		Definitions: fstest.MapFS{"mod/forum/db/install.xml": {Data: []byte(forumXML)}},
	}
}

func TestRunner_RecordsDifferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createFromDefinition(t, "forum")
	_, err := f.db.Exec("CREATE TABLE mdl_legacy (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	job := f.job(t)
	require.NoError(t, NewRunner(source(f.db)).Run(ctx, job))

	var result schema.Reconciliation
	ok, err := job.Detail(DetailReconciliation, &result)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"forum_read"}, result.MissingTables)
	require.Contains(t, result.Diffs, "legacy")
	assert.True(t, result.Diffs["legacy"].ExtraTable)
	assert.NotContains(t, result.Diffs, "forum")

	var summary string
	_, err = job.Detail(DetailSummary, &summary)
	require.NoError(t, err)
	assert.Equal(t, "2 table changes", summary)

	logs, err := f.store.Logs(ctx, job.Op.ID)
	require.NoError(t, err)
	var warned []string
	for _, e := range logs {
		if e.Level == "warning" {
			warned = append(warned, e.Message)
		}
	}
	assert.Contains(t, strings.Join(warned, "\n"), "forum_read")
	assert.Contains(t, warned, "2 table changes")
}

func TestRunner_Clean(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createFromDefinition(t, "forum")
	f.createFromDefinition(t, "forum_read")

	job := f.job(t)
	require.NoError(t, NewRunner(source(f.db)).Run(ctx, job))

	var result schema.Reconciliation
	_, err := job.Detail(DetailReconciliation, &result)
	require.NoError(t, err)
	assert.False(t, result.HasChanges())

	logs, err := f.store.Logs(ctx, job.Op.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "No changes detected", logs[len(logs)-1].Message)
}

func TestRunner_NeedsDefinitions(t *testing.T) {
	f := newFixture(t)
	src := source(f.db)
	src.Definitions = nil

	err := NewRunner(src).Run(context.Background(), f.job(t))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))
}
