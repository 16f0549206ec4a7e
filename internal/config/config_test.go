package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/backup"
	"sitevault/internal/database"
	"sitevault/internal/operation"
	"sitevault/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sqliteConfig = `database:
  family: sqlite
  path: /var/lib/site/site.db
  prefix: mdl_
platform:
  data_root: /var/sitedata
  release: "4.3"
archive:
  rows_per_file: 100
  compression: lz4
storage:
  provider: local
  local:
    base_path: /srv/archive
operations:
  stuck_timeout: 30m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sitevault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := NewLoader("", nil).Load(writeConfig(t, sqliteConfig))
	require.NoError(t, err)

	assert.Equal(t, database.FamilySQLite, cfg.Database.Family)
	assert.Equal(t, "/var/lib/site/site.db", cfg.Database.Path)
	assert.Equal(t, "mdl_", cfg.Database.Prefix)
	assert.Equal(t, 30*time.Second, cfg.Database.Timeout)
	assert.Equal(t, "/var/sitedata", cfg.Platform.DataRoot)
	assert.Equal(t, backup.DefaultExcluded, cfg.Platform.Excluded)
	assert.Equal(t, 100, cfg.Archive.RowsPerFile)
	assert.Equal(t, int64(512*1024*1024), cfg.Archive.SegmentThreshold)
	assert.Equal(t, archive.CompressionLZ4, cfg.Archive.Compression)
	assert.Equal(t, transport.ProviderLocal, cfg.Storage.Provider)
	require.NotNil(t, cfg.Storage.Local)
	assert.Equal(t, "/srv/archive", cfg.Storage.Local.BasePath)
	assert.Equal(t, 3, cfg.Storage.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Operations.StuckTimeout)
	assert.Equal(t, 2, cfg.Operations.MaxAttempts)
	assert.Equal(t, "./sitevault.db", cfg.Operations.StorePath)
	assert.Equal(t, "normal", cfg.Logging.Level)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	t.Setenv("SITEVAULT_ARCHIVE_COMPRESSION", "zstd")
	t.Setenv("SITEVAULT_DATABASE_PATH", "/tmp/other.db")
	t.Setenv("SITEVAULT_STORAGE_PASSPHRASE", "secret")
	t.Setenv("SITEVAULT_OPERATIONS_MAX_ATTEMPTS", "5")

	cfg, err := NewLoader("", nil).Load(writeConfig(t, sqliteConfig))
	require.NoError(t, err)
	assert.Equal(t, archive.CompressionZstd, cfg.Archive.Compression)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, "secret", cfg.Storage.Passphrase)
	assert.Equal(t, 5, cfg.Operations.MaxAttempts)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SITEVAULT_PLATFORM_RELEASE=4.4.2\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("SITEVAULT_PLATFORM_RELEASE") })

	cfg, err := NewLoader(envFile, nil).Load(writeConfig(t, sqliteConfig))
	require.NoError(t, err)
	assert.Equal(t, "4.4.2", cfg.Platform.Release)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		errorContains string
	}{
		{
			name:          "valid",
			content:       sqliteConfig + "logging:\n  level: debug\n  format: json\n",
			errorContains: "",
		},
		{
			name: "bad compression",
			content: `database:
  family: sqlite
  path: site.db
archive:
  compression: brotli
`,
			errorContains: `unsupported compression "brotli"`,
		},
		{
			name: "missing mysql credentials",
			content: `database:
  family: mysql
`,
			errorContains: "username is required",
		},
		{
			name: "unknown provider",
			content: `database:
  family: sqlite
  path: site.db
storage:
  provider: ftp
`,
			errorContains: "unsupported storage provider: ftp",
		},
		{
			name: "bad log level",
			content: `database:
  family: sqlite
  path: site.db
logging:
  level: loud
`,
			errorContains: `unknown level "loud"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader("", nil).Load(writeConfig(t, tt.content))
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	_, err := NewLoader("", nil).Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestTemplate_LoadsCleanly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sitevault.yaml")
	require.NoError(t, WriteTemplate(path, false))

	cfg, err := NewLoader("", nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, database.FamilyMySQL, cfg.Database.Family)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "mdl_", cfg.Database.Prefix)
	assert.Equal(t, os.FileMode(0o755), cfg.Storage.Local.Permissions)
	assert.Equal(t, operation.DefaultStuckTimeout, cfg.Operations.StuckTimeout)
	assert.Equal(t, time.Minute, cfg.Operations.Interval)
	assert.Equal(t, ":8470", cfg.Progress.Listen)
}

func TestWriteTemplate_Overwrite(t *testing.T) {
	path := writeConfig(t, "old: true\n")

	err := WriteTemplate(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, WriteTemplate(path, true))
	backupData, err := os.ReadFile(path + ".backup")
	require.NoError(t, err)
	assert.Equal(t, "old: true\n", string(backupData))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Template(), string(data))
}

func TestMarshal_MasksSecrets(t *testing.T) {
	cfg := &Config{
		Database: database.DatabaseConfig{Family: database.FamilyMySQL, Password: "hunter2"},
		Storage: transport.Config{
			Provider:   transport.ProviderS3,
			S3:         &transport.S3Config{Bucket: "b", SecretKey: "aws-secret"},
			Passphrase: "phrase",
		},
	}

	data, err := Marshal(cfg)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "aws-secret")
	assert.NotContains(t, out, "phrase")
	assert.Contains(t, out, "bucket: b")
	assert.Equal(t, "aws-secret", cfg.Storage.S3.SecretKey)
}

func TestEnvironmentVariables(t *testing.T) {
	vars := EnvironmentVariables()
	assert.Contains(t, vars, "SITEVAULT_DATABASE_PASSWORD")
	assert.Contains(t, vars, "SITEVAULT_STORAGE_S3_BUCKET")
	assert.Contains(t, vars, "SITEVAULT_OPERATIONS_STUCK_TIMEOUT")
	assert.IsIncreasing(t, vars)
}

func TestConfig_Conversions(t *testing.T) {
	cfg, err := NewLoader("", nil).Load(writeConfig(t, sqliteConfig))
	require.NoError(t, err)

	b := cfg.BackupConfig()
	assert.Equal(t, "mdl_", b.Prefix)
	assert.Equal(t, "4.3", b.Release)
	assert.Equal(t, 100, b.RowsPerFile)

	r := cfg.RestoreConfig()
	assert.Equal(t, "/var/sitedata", r.DataRoot)

	s := cfg.SchedulerConfig()
	assert.Equal(t, 2, s.MaxAttempts)
	assert.Equal(t, os.Getpid(), s.PID)
}
