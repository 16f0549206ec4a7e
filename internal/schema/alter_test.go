package schema

import (
	"strings"
	"testing"

	"sitevault/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlterSQL_Create(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	plan, err := c.AlterSQL(forumTable(), nil)
	require.NoError(t, err)
	assert.Equal(t, AlterCreate, plan.Kind)
	assert.True(t, strings.HasPrefix(plan.Statements[0], "CREATE TABLE"))
}

func TestAlterSQL_NoChange(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	plan, err := c.AlterSQL(forumTable(), forumTable())
	require.NoError(t, err)
	assert.Equal(t, AlterNone, plan.Kind)
	assert.Empty(t, plan.Statements)
}

func TestAlterSQL_Additive(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	wanted := forumTable()
	wanted.Fields = append(wanted.Fields, &Field{Name: "attachment", Type: FieldTypeChar, Length: 100})
	wanted.Indexes = append(wanted.Indexes, &Index{Name: "attachment", Fields: []string{"attachment"}})

	plan, err := c.AlterSQL(wanted, forumTable())
	require.NoError(t, err)
	assert.Equal(t, AlterAdditive, plan.Kind)
	assert.Equal(t, []string{
		"ALTER TABLE `mdl_forum_posts` ADD COLUMN `attachment` VARCHAR(100)",
		"CREATE INDEX `mdl_forum_posts_attachment_ix` ON `mdl_forum_posts` (`attachment`)",
	}, plan.Statements)
}

func TestAlterSQL_RecreateOnRetype(t *testing.T) {
	c := newTestComparer(database.FamilyPostgres)
	wanted := forumTable()
	wanted.Fields[4].Type = FieldTypeFloat

	plan, err := c.AlterSQL(wanted, forumTable())
	require.NoError(t, err)
	assert.Equal(t, AlterRecreate, plan.Kind)
	assert.Equal(t, `DROP TABLE "mdl_forum_posts"`, plan.Statements[0])
	assert.True(t, strings.HasPrefix(plan.Statements[1], `CREATE TABLE "mdl_forum_posts"`))
}

func TestAlterSQL_RecreateOnRename(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	wanted := forumTable()
	wanted.Fields[3].Name = "body"

	plan, err := c.AlterSQL(wanted, forumTable())
	require.NoError(t, err)
	assert.Equal(t, AlterRecreate, plan.Kind)
	assert.Contains(t, plan.Diff.AsMap(), DiffMissingColumns)
}

func TestAlterSQL_RecreateOnMissingIndex(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	wanted := forumTable()
	wanted.Indexes = wanted.Indexes[:1]

	plan, err := c.AlterSQL(wanted, forumTable())
	require.NoError(t, err)
	assert.Equal(t, AlterRecreate, plan.Kind)
}

func TestAlterSQL_MalformedDefinitionFails(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	wanted := forumTable()
	wanted.Fields = append(wanted.Fields, &Field{Name: "broken", Type: FieldTypeChar})

	_, err := c.AlterSQL(wanted, forumTable())
	assert.Error(t, err)
}
