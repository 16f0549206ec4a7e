package schema

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const forumInstallXML = `<?xml version="1.0" encoding="UTF-8" ?>
<XMLDB PATH="mod/forum/db" VERSION="20240101" COMMENT="Forum tables">
  <TABLES>
    <TABLE NAME="forum_posts" COMMENT="All posts">
      <FIELDS>
        <FIELD NAME="id" TYPE="int" LENGTH="10" NOTNULL="true" SEQUENCE="true"/>
        <FIELD NAME="discussion" TYPE="int" LENGTH="10" NOTNULL="true" DEFAULT="0" SEQUENCE="false"/>
        <FIELD NAME="subject" TYPE="char" LENGTH="255" NOTNULL="true" DEFAULT="" SEQUENCE="false" COMMENT="Title"/>
        <FIELD NAME="message" TYPE="text" NOTNULL="false" SEQUENCE="false"/>
        <FIELD NAME="rating" TYPE="number" LENGTH="10" DECIMALS="5" NOTNULL="false" DEFAULT="0" SEQUENCE="false"/>
      </FIELDS>
      <KEYS>
        <KEY NAME="primary" TYPE="primary" FIELDS="id"/>
        <KEY NAME="discussion" TYPE="foreign" FIELDS="discussion" REFTABLE="forum_discussions" REFFIELDS="id"/>
      </KEYS>
      <INDEXES>
        <INDEX NAME="subject" UNIQUE="false" FIELDS="subject"/>
        <INDEX NAME="discussion_subject" UNIQUE="true" FIELDS="discussion, subject"/>
      </INDEXES>
    </TABLE>
  </TABLES>
</XMLDB>`

func TestParseDocument(t *testing.T) {
	tables, err := ParseDocument(strings.NewReader(forumInstallXML), "")
	require.NoError(t, err)
	require.Len(t, tables, 1)

	table := tables[0]
	assert.Equal(t, "mod/forum/db", table.Component)
	assert.Equal(t, "All posts", table.Comment)
	require.Len(t, table.Fields, 5)

	subject, ok := table.Field("subject")
	require.True(t, ok)
	assert.Nil(t, subject.Default, "not null char must not keep an empty default")
	assert.Equal(t, "Title", subject.Comment)

	message, _ := table.Field("message")
	assert.Nil(t, message.Default)

	rating, _ := table.Field("rating")
	assert.Equal(t, 5, rating.Decimals)
	assert.Equal(t, []string{"discussion", "subject"}, table.Indexes[1].Fields)
	assert.Equal(t, []string{"id"}, table.Keys[1].RefFields)

	table.ClearComments()
	assert.Equal(t, render(t, forumTable()), render(t, withComponent(table, "mod/forum")))
}

func withComponent(t *Table, component string) *Table {
	t.Component = component
	return t
}

func TestParseDocument_Errors(t *testing.T) {
	_, err := ParseDocument(strings.NewReader("<XMLDB><TABLES>"), "x")
	assert.Error(t, err)

	_, err = ParseDocument(strings.NewReader(`<XMLDB><TABLES><TABLE NAME="a"><FIELDS><FIELD NAME="b" TYPE="char" LENGTH="abc"/></FIELDS></TABLE></TABLES></XMLDB>`), "x")
	assert.Error(t, err)
}

func TestRenderDocument_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderDocument(&buf, "backup", []*Table{forumTable()}))
	assert.Contains(t, buf.String(), `COMPONENT="mod/forum"`)

	tables, err := ParseDocument(&buf, "")
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, forumTable(), tables[0])
}
