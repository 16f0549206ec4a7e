package schema

import (
	"bytes"
	"testing"

	"sitevault/internal/database"
	"sitevault/internal/logging"
)

func forumTable() *Table {
	return &Table{
		Name:      "forum_posts",
		Component: "mod/forum",
		Fields: []*Field{
			{Name: "id", Type: FieldTypeInteger, Length: 10, NotNull: true, Sequence: true},
			{Name: "discussion", Type: FieldTypeInteger, Length: 10, NotNull: true, Default: StringPtr("0")},
			{Name: "subject", Type: FieldTypeChar, Length: 255, NotNull: true},
			{Name: "message", Type: FieldTypeText},
			{Name: "rating", Type: FieldTypeNumber, Length: 10, Decimals: 5, Default: StringPtr("0")},
		},
		Keys: []*Key{
			{Name: "primary", Type: KeyTypePrimary, Fields: []string{"id"}},
			{Name: "discussion", Type: KeyTypeForeign, Fields: []string{"discussion"}, RefTable: "forum_discussions", RefFields: []string{"id"}},
		},
		Indexes: []*Index{
			{Name: "subject", Unique: false, Fields: []string{"subject"}},
			{Name: "discussion_subject", Unique: true, Fields: []string{"discussion", "subject"}},
		},
	}
}

func newTestComparer(family database.Family) *Comparer {
	return NewComparer(NewGenerator(family, "mdl_"), logging.NewNullLogger())
}

func render(t *testing.T, tables ...*Table) string {
	t.Helper()
	var buf bytes.Buffer
	if err := RenderDocument(&buf, "", tables); err != nil {
		t.Fatalf("render: %v", err)
	}
	return buf.String()
}
