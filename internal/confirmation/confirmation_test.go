package confirmation

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/display"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest() *archive.Manifest {
	return &archive.Manifest{
		ID:      "20240301T100000Z-4f1c",
		Created: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Release: "4.3.1",
		Family:  "mysql",
		Version: "8.0.36",
		Tables: []archive.TableInfo{
			{Name: "user", Stream: archive.StreamTables, Rows: 3},
			{Name: "course", Stream: archive.StreamTables, Rows: 2},
		},
		Streams: []archive.StreamInfo{
			{Name: archive.StreamStructure, Kind: archive.KindStructure, Segments: []archive.Segment{{Seq: 0, Size: 900}}},
			{Name: archive.StreamTables, Kind: archive.KindTables, Segments: []archive.Segment{{Seq: 0, Size: 2048}, {Seq: 1, Size: 1024}}},
		},
	}
}

var target = Target{Family: "mysql", Database: "site", Prefix: "mdl_", DataRoot: "/var/sitedata"}

func newTestService(input string) (ConfirmationService, *bytes.Buffer) {
	var buf bytes.Buffer
	d := display.New(&display.Config{Format: display.FormatTable, Writer: &buf, MaxWidth: 100})
	return NewConfirmationService(d, strings.NewReader(input)), &buf
}

func TestConfirmRestore_Answers(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{"yes", "y\n", true},
		{"yes word", "YES\n", true},
		{"no", "n\n", false},
		{"empty defaults to no", "\n", false},
		{"no trailing newline", "yes", true},
		{"invalid then yes", "maybe\ny\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, _ := newTestService(tt.input)
			ok, err := cs.ConfirmRestore(testManifest(), target, false)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestConfirmRestore_DetailsThenNo(t *testing.T) {
	cs, buf := newTestService("d\nn\n")
	ok, err := cs.ConfirmRestore(testManifest(), target, false)
	require.NoError(t, err)
	assert.False(t, ok)

	out := buf.String()
	assert.Contains(t, out, "| dbdump    | tables    | 2        | 3.0 KB |")
	assert.Equal(t, 2, strings.Count(out, "[y/N/d]"))
}

func TestConfirmRestore_AutoApprove(t *testing.T) {
	cs, buf := newTestService("")
	ok, err := cs.ConfirmRestore(testManifest(), target, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, buf.String(), "[INFO] Auto-approving restore")
	assert.NotContains(t, buf.String(), "[y/N/d]")
}

func TestConfirmRestore_ClosedInput(t *testing.T) {
	cs, _ := newTestService("")
	_, err := cs.ConfirmRestore(testManifest(), target, false)
	assert.Error(t, err)
}

func TestDisplayRestoreSummary(t *testing.T) {
	cs, buf := newTestService("")
	cs.DisplayRestoreSummary(testManifest(), target)

	out := buf.String()
	assert.Contains(t, out, "| Tables           | 2 (5 rows)")
	assert.Contains(t, out, "| Segments         | 3")
	assert.Contains(t, out, "| Source database  | mysql 8.0.36")
	assert.Contains(t, out, "[WARNING] Every mdl_* table in the target database and the files under /var/sitedata will be replaced")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2*1024*1024))
}
