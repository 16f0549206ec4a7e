package schema

import (
	"testing"

	"sitevault/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign_NoReference(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	aligned, diff := c.Align(forumTable(), nil, true)

	assert.True(t, diff.ExtraTable)
	assert.Equal(t, map[string][]string{DiffExtraTables: {"forum_posts"}}, diff.AsMap())
	assert.Equal(t, render(t, forumTable()), render(t, aligned))
}

func TestAlign_ReorderedIsIdentical(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	reference := forumTable()

	actual := forumTable()
	actual.Fields[0], actual.Fields[3] = actual.Fields[3], actual.Fields[0]
	actual.Indexes[0], actual.Indexes[1] = actual.Indexes[1], actual.Indexes[0]
	actual.Indexes[0].Name = "mdl_forupost_dissub_uix"

	aligned, diff := c.Align(actual, reference, true)
	assert.True(t, diff.IsEmpty(), "unexpected diff %v", diff.AsMap())
	assert.Equal(t, render(t, reference), render(t, aligned))

	// inputs are untouched
	assert.Equal(t, "message", actual.Fields[0].Name)
	assert.Equal(t, "mdl_forupost_dissub_uix", actual.Indexes[0].Name)
}

func TestAlign_WithoutAutofixKeepsActualOrder(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	actual := forumTable()
	actual.Fields[0], actual.Fields[1] = actual.Fields[1], actual.Fields[0]

	aligned, diff := c.Align(actual, forumTable(), false)
	assert.True(t, diff.IsEmpty())
	assert.Equal(t, "discussion", aligned.Fields[0].Name)
}

func TestAlign_ColumnCategories(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	actual := forumTable()
	actual.Fields[2].Length = 100
	actual.Fields = append(actual.Fields[:3], actual.Fields[4:]...)
	actual.Fields = append(actual.Fields, &Field{Name: "extra", Type: FieldTypeText})

	aligned, diff := c.Align(actual, forumTable(), true)
	assert.Equal(t, map[string][]string{
		DiffChangedColumns: {"subject"},
		DiffMissingColumns: {"message"},
		DiffExtraColumns:   {"extra"},
	}, diff.AsMap())

	require.Len(t, diff.ChangedColumns, 1)
	assert.Equal(t, "`subject` VARCHAR(100) NOT NULL", diff.ChangedColumns[0].ActualSQL)
	assert.Equal(t, "`subject` VARCHAR(255) NOT NULL", diff.ChangedColumns[0].ReferenceSQL)

	// changed fields keep the actual definition, leftovers go last
	assert.Equal(t, []string{"id", "discussion", "subject", "rating", "extra"}, aligned.FieldNames())
	assert.Equal(t, 100, aligned.Fields[2].Length)
}

func TestAlign_KeyAndIndexPoolsAreMerged(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	reference := forumTable()

	// the engine reports the unique index as a unique key and the foreign key as an index
	actual := forumTable()
	actual.Keys = []*Key{
		{Name: "PRIMARY", Type: KeyTypePrimary, Fields: []string{"id"}},
		{Name: "dissub", Type: KeyTypeUnique, Fields: []string{"discussion", "subject"}},
	}
	actual.Indexes = []*Index{
		{Name: "mdl_fp_dis_ix", Fields: []string{"discussion"}},
		{Name: "mdl_fp_sub_ix", Fields: []string{"subject"}},
	}

	aligned, diff := c.Align(actual, reference, true)
	assert.True(t, diff.IsEmpty(), "unexpected diff %v", diff.AsMap())
	assert.Equal(t, render(t, reference), render(t, aligned))
}

func TestAlign_EquivalenceIsOrderAndUniquenessSensitive(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	actual := forumTable()
	actual.Indexes[1] = &Index{Name: "discussion_subject", Unique: true, Fields: []string{"subject", "discussion"}}
	actual.Indexes[0] = &Index{Name: "subject", Unique: true, Fields: []string{"subject"}}

	diff := c.CompareWithOtherTable(actual, forumTable(), true)
	assert.ElementsMatch(t, []string{"subject", "discussion_subject"}, diff.AsMap()[DiffExtraIndexes])
	assert.ElementsMatch(t, []string{"subject", "discussion_subject"}, diff.AsMap()[DiffMissingIndexes])
}

func TestAlign_DuplicateIndexesAreDropped(t *testing.T) {
	c := newTestComparer(database.FamilyMySQL)
	actual := forumTable()
	actual.Indexes = append(actual.Indexes,
		&Index{Name: "subject_dup", Fields: []string{"subject"}},
		&Index{Name: "extra_a", Fields: []string{"message"}},
		&Index{Name: "extra_b", Fields: []string{"message"}},
	)

	aligned, diff := c.Align(actual, forumTable(), true)
	assert.Equal(t, map[string][]string{DiffExtraIndexes: {"extra_a"}}, diff.AsMap())
	assert.Len(t, aligned.Indexes, 3)
}

func TestAlign_IsStable(t *testing.T) {
	c := newTestComparer(database.FamilyPostgres)
	actual := forumTable()
	actual.Fields[0], actual.Fields[4] = actual.Fields[4], actual.Fields[0]
	actual.Keys[0], actual.Keys[1] = actual.Keys[1], actual.Keys[0]

	first, diff := c.Align(actual, forumTable(), true)
	require.True(t, diff.IsEmpty())
	_, second := c.Align(first, forumTable(), true)
	assert.Empty(t, second.AsMap())
}

func TestDiff_OnlyAdditive(t *testing.T) {
	assert.False(t, (&Diff{}).OnlyAdditive())
	assert.True(t, (&Diff{ExtraColumns: []*Field{{Name: "a"}}}).OnlyAdditive())
	assert.False(t, (&Diff{ExtraColumns: []*Field{{Name: "a"}}, MissingColumns: []*Field{{Name: "b"}}}).OnlyAdditive())
	assert.False(t, (&Diff{ExtraTable: true}).OnlyAdditive())
}
