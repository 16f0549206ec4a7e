package display

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"sitevault/internal/operation"
	"sitevault/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newTestService(format OutputFormat) (*Service, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(&Config{Format: format, Writer: &buf, MaxWidth: 80}), &buf
}

func TestService_StatusLines(t *testing.T) {
	s, buf := newTestService(FormatTable)
	s.Success("done")
	s.Warning("careful")
	s.Error("broken")
	s.Info("fyi")

	assert.Equal(t, "[SUCCESS] done\n[WARNING] careful\n[ERROR] broken\n[INFO] fyi\n", buf.String())
}

func TestService_QuietSuppressesInfo(t *testing.T) {
	var buf bytes.Buffer
	s := New(&Config{Writer: &buf, Quiet: true})
	s.Header("Backup")
	s.Info("fyi")
	s.Error("broken")
	assert.Equal(t, "[ERROR] broken\n", buf.String())
}

func TestService_Table(t *testing.T) {
	s, buf := newTestService(FormatTable)
	s.Table([]string{"Table", "Rows"}, [][]string{{"user", "3"}, {"config", "12"}})

	expected := "+--------+------+\n" +
		"| Table  | Rows |\n" +
		"+--------+------+\n" +
		"| user   | 3    |\n" +
		"| config | 12   |\n" +
		"+--------+------+\n"
	assert.Equal(t, expected, buf.String())
}

func TestTable_NarrowsWidestColumn(t *testing.T) {
	long := strings.Repeat("x", 100)
	tbl := newTable([]string{"a", "b"}, [][]string{{"short", long}}, 40)
	widths := tbl.widths()
	assert.Equal(t, 5, widths[0])
	assert.LessOrEqual(t, 1+widths[0]+3+widths[1]+3, 40)

	var buf bytes.Buffer
	tbl.render(&buf, nil)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.LessOrEqual(t, len(line), 40)
	}
	assert.Contains(t, buf.String(), "...")
}

func TestService_TableAsJSON(t *testing.T) {
	s, buf := newTestService(FormatJSON)
	s.Table([]string{"Table", "Rows"}, [][]string{{"user", "3"}})

	var out []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, []map[string]string{{"table": "user", "rows": "3"}}, out)
}

func TestService_SQL(t *testing.T) {
	s, buf := newTestService(FormatTable)
	s.SQL([]string{"CREATE TABLE mdl_a (id BIGINT)", "DROP TABLE mdl_b;"})
	assert.Equal(t, "CREATE TABLE mdl_a (id BIGINT);\nDROP TABLE mdl_b;\n", buf.String())
}

func TestService_Reconciliation(t *testing.T) {
	s, buf := newTestService(FormatTable)
	s.Reconciliation(&schema.Reconciliation{Diffs: map[string]*schema.Diff{}})
	assert.Contains(t, buf.String(), "Live schema matches the definitions")

	buf.Reset()
	s.Reconciliation(&schema.Reconciliation{
		Diffs: map[string]*schema.Diff{
			"user": {Table: "user", ExtraColumns: []*schema.Field{{Name: "legacy"}}},
		},
		MissingTables: []string{"log"},
	})
	out := buf.String()
	assert.Contains(t, out, "[WARNING] 1 tables differ, 1 missing")
	assert.Contains(t, out, "| user  | extracolumns | legacy  |")
	assert.Contains(t, out, "| log   | missingtable |")
}

func TestService_OperationAsYAML(t *testing.T) {
	s, buf := newTestService(FormatYAML)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Operation(&operation.Operation{
		ID:       7,
		Kind:     operation.KindBackup,
		Status:   operation.StatusFinished,
		Created:  created,
		Modified: created,
		Details:  map[string]json.RawMessage{"tables": json.RawMessage(`12`)},
	}, []operation.LogEntry{{Time: created, Level: "info", Message: "started"}})

	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, 7, out["id"])
	assert.Equal(t, "finished", out["status"])
	assert.Equal(t, map[string]interface{}{"tables": 12}, out["details"])
}

func TestService_OperationAsTable(t *testing.T) {
	s, buf := newTestService(FormatTable)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	s.Operation(&operation.Operation{
		ID:       7,
		Kind:     operation.KindRestore,
		Status:   operation.StatusFailed,
		Created:  created,
		Modified: created,
		Error:    &operation.ErrorDetail{Message: "precheck failed"},
	}, []operation.LogEntry{{Time: created, Level: "warning", Message: "family mismatch"}})

	out := buf.String()
	assert.Contains(t, out, "| Status   | failed")
	assert.Contains(t, out, "[ERROR] precheck failed")
	assert.Contains(t, out, "10:00:00 WARNING family mismatch")
}

func TestThemeByName(t *testing.T) {
	assert.Equal(t, LightColorTheme(), ThemeByName("light"))
	assert.Equal(t, DarkColorTheme(), ThemeByName("anything"))
}

func TestDetectColorSupport_NoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.False(t, DetectColorSupport())
}
