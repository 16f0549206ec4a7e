package schema

import (
	"strings"
	"testing"

	"sitevault/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_MySQLIntegerWidths(t *testing.T) {
	gen := NewGenerator(database.FamilyMySQL, "")
	widths := map[int]string{
		1: "TINYINT", 2: "TINYINT", 3: "SMALLINT", 4: "SMALLINT",
		5: "MEDIUMINT", 6: "MEDIUMINT", 7: "INT", 9: "INT", 10: "BIGINT", 18: "BIGINT",
	}
	for length, want := range widths {
		assert.Equal(t, want, gen.TypeSQL(&Field{Type: FieldTypeInteger, Length: length}), "length %d", length)
	}
}

func TestGenerator_FieldSQL(t *testing.T) {
	tests := []struct {
		family database.Family
		field  *Field
		want   string
	}{
		{database.FamilyMySQL, &Field{Name: "id", Type: FieldTypeInteger, Length: 10, NotNull: true, Sequence: true}, "`id` BIGINT NOT NULL AUTO_INCREMENT"},
		{database.FamilyMySQL, &Field{Name: "name", Type: FieldTypeChar, Length: 100, NotNull: true, Default: StringPtr("it's")}, "`name` VARCHAR(100) NOT NULL DEFAULT 'it''s'"},
		{database.FamilyMySQL, &Field{Name: "body", Type: FieldTypeText, Default: StringPtr("x")}, "`body` LONGTEXT"},
		{database.FamilyPostgres, &Field{Name: "id", Type: FieldTypeInteger, Length: 10, NotNull: true, Sequence: true}, `"id" BIGSERIAL NOT NULL`},
		{database.FamilyPostgres, &Field{Name: "grade", Type: FieldTypeNumber, Length: 10, Decimals: 5, Default: StringPtr("0")}, `"grade" NUMERIC(10,5) DEFAULT 0`},
		{database.FamilySQLite, &Field{Name: "id", Type: FieldTypeInteger, Length: 10, NotNull: true, Sequence: true}, `"id" INTEGER PRIMARY KEY AUTOINCREMENT`},
		{database.FamilySQLite, &Field{Name: "data", Type: FieldTypeBinary}, `"data" BLOB`},
	}
	for _, tt := range tests {
		t.Run(string(tt.family)+"/"+tt.field.Name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewGenerator(tt.family, "").FieldSQL(tt.field))
		})
	}
}

func TestGenerator_CreateTableSQL(t *testing.T) {
	gen := NewGenerator(database.FamilyMySQL, "mdl_")
	stmts, err := gen.CreateTableSQL(forumTable())
	require.NoError(t, err)
	require.Len(t, stmts, 4)

	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE `mdl_forum_posts` ("))
	assert.Contains(t, stmts[0], "PRIMARY KEY (`id`)")
	assert.Equal(t, "CREATE INDEX `mdl_forum_posts_discussion_ix` ON `mdl_forum_posts` (`discussion`)", stmts[1])
	assert.Contains(t, stmts[3], "CREATE UNIQUE INDEX")
}

func TestGenerator_CreateTableSQLSQLiteSkipsSequencePrimary(t *testing.T) {
	gen := NewGenerator(database.FamilySQLite, "")
	stmts, err := gen.CreateTableSQL(forumTable())
	require.NoError(t, err)
	assert.NotContains(t, stmts[0], "PRIMARY KEY (")
	assert.Contains(t, stmts[0], "AUTOINCREMENT")
}

func TestGenerator_CreateTableSQLRejectsInvalid(t *testing.T) {
	table := forumTable()
	table.Fields[2].Length = 0
	_, err := NewGenerator(database.FamilyMySQL, "").CreateTableSQL(table)
	assert.Error(t, err)
}

func TestGenerator_ResetSequenceSQL(t *testing.T) {
	table := forumTable()
	assert.Equal(t, []string{"ALTER TABLE `mdl_forum_posts` AUTO_INCREMENT = 42"},
		NewGenerator(database.FamilyMySQL, "mdl_").ResetSequenceSQL(table, 42))
	assert.Equal(t, []string{"SELECT setval(pg_get_serial_sequence('mdl_forum_posts', 'id'), 42, false)"},
		NewGenerator(database.FamilyPostgres, "mdl_").ResetSequenceSQL(table, 42))
	assert.Len(t, NewGenerator(database.FamilySQLite, "").ResetSequenceSQL(table, 42), 2)
	assert.Nil(t, NewGenerator(database.FamilyMySQL, "").ResetSequenceSQL(&Table{Name: "x"}, 1))
}

func TestGenerator_IndexNameIsBounded(t *testing.T) {
	gen := NewGenerator(database.FamilyMySQL, "mdl_")
	name := gen.IndexName(&Table{Name: strings.Repeat("t", 40)}, []string{"aaaaaaaaaa", "bbbbbbbbbbbb"}, true)
	assert.LessOrEqual(t, len(name), MaxNameLength)
	assert.True(t, strings.HasSuffix(name, "_uix"))
}
