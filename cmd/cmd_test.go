package cmd

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns what it printed
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeWithInput(t, "", args...)
}

func executeWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	cfgFile, envFile, storePath = "", "", ""
	outputFormat, theme = "table", "dark"
	noColor, verbose, quiet = true, false, false
	scheduleOnly, autoApprove, showSQL, exportActual, forceInit = false, false, false, false, false
	exportOutput = ""
	listLimit = 20
	cfg, out = nil, nil

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs(append(args, "--no-color", "--env-file", ""))
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeSiteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sitePath := filepath.Join(dir, "site.db")

	db, err := sql.Open("sqlite3", sitePath)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE mdl_course (id INTEGER PRIMARY KEY AUTOINCREMENT, fullname VARCHAR(255) NOT NULL)`,
		`INSERT INTO mdl_course (fullname) VALUES ('Site home'), ('Algebra')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	dataRoot := filepath.Join(dir, "data")
	require.NoError(t, os.MkdirAll(dataRoot, 0o755))

	path := filepath.Join(dir, "sitevault.yaml")
	content := fmt.Sprintf(`database:
  family: sqlite
  path: %s
  prefix: mdl_
platform:
  data_root: %s
  release: "4.3"
archive:
  work_dir: %s
storage:
  provider: local
  local:
    base_path: %s
operations:
  store_path: %s
logging:
  level: quiet
`, sitePath, dataRoot, filepath.Join(dir, "work"), filepath.Join(dir, "archive"), filepath.Join(dir, "state", "ops.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "today", "abc123", "go1.22")
	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "sitevault version 1.2.3")
	assert.Contains(t, output, "Commit: abc123")
}

func TestConfigInitShowAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sitevault.yaml")

	output, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, output, "Configuration template written to "+path)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)

	t.Setenv("SITEVAULT_DATABASE_PASSWORD", "hunter2")
	output, err = execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "family: mysql")
	assert.NotContains(t, output, "hunter2")

	output, err = execute(t, "config", "env")
	require.NoError(t, err)
	assert.Contains(t, output, "SITEVAULT_DATABASE_HOST\n")
	assert.Contains(t, output, "SITEVAULT_STORAGE_PASSPHRASE\n")
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "version", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output format")
}

func TestBackupListAndStatus(t *testing.T) {
	path := writeSiteConfig(t)

	output, err := execute(t, "backup", "--config", path)
	require.NoError(t, err, output)
	assert.Contains(t, output, "[SUCCESS] backup operation 1 finished")

	output, err = execute(t, "list", "--config", path, "--format", "json")
	require.NoError(t, err, output)
	var ops []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(output), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "backup", ops[0]["type"])
	assert.Equal(t, "finished", ops[0]["status"])

	output, err = execute(t, "status", "nope", "--config", path)
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, output, "unknown access key")
}

func TestCheckScheduleOnlyThenCron(t *testing.T) {
	path := writeSiteConfig(t)

	output, err := execute(t, "check", "--schedule-only", "--config", path)
	require.NoError(t, err, output)
	assert.Contains(t, output, "[SUCCESS] Scheduled check operation 1")

	// no schema_dir is configured, so the check fails when it runs
	output, err = execute(t, "cron", "--config", path)
	require.NoError(t, err, output)
	assert.Contains(t, output, "| 1         | failed  |")

	output, err = execute(t, "cron", "--config", path)
	require.NoError(t, err, output)
	assert.Contains(t, output, "[INFO] Nothing to do")
}

func TestRestoreDeclined(t *testing.T) {
	path := writeSiteConfig(t)

	output, err := execute(t, "backup", "--config", path)
	require.NoError(t, err, output)

	output, err = execute(t, "list", "--config", path, "--format", "json")
	require.NoError(t, err)
	var ops []struct {
		Details struct {
			Manifest string `json:"manifest"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &ops))
	require.Len(t, ops, 1)
	manifest := ops[0].Details.Manifest
	require.NotEmpty(t, manifest)

	output, err = executeWithInput(t, "n\n", "restore", manifest, "--config", path)
	require.ErrorIs(t, err, errReported)
	assert.Contains(t, output, "Do you want to restore this backup? [y/N/d]")
	assert.Contains(t, output, "restore cancelled")

	output, err = execute(t, "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "failedtostart")
}
