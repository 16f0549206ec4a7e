// Package config loads sitevault settings from a YAML file, a .env file and
// SITEVAULT_* environment variables, in that order of increasing priority.
package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/backup"
	"sitevault/internal/database"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/restore"
	"sitevault/internal/scheduler"
	"sitevault/internal/transport"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "SITEVAULT"

// Config is the complete sitevault configuration
type Config struct {
	Database   database.DatabaseConfig `mapstructure:"database" yaml:"database"`
	Platform   PlatformConfig          `mapstructure:"platform" yaml:"platform"`
	Archive    ArchiveConfig           `mapstructure:"archive" yaml:"archive"`
	Storage    transport.Config        `mapstructure:"storage" yaml:"storage"`
	Operations OperationsConfig        `mapstructure:"operations" yaml:"operations"`
	Logging    LoggingConfig           `mapstructure:"logging" yaml:"logging"`
	Progress   ProgressConfig          `mapstructure:"progress" yaml:"progress"`
}

// PlatformConfig describes the site being backed up
type PlatformConfig struct {
	DataRoot  string   `mapstructure:"data_root" yaml:"data_root"`
	SchemaDir string   `mapstructure:"schema_dir" yaml:"schema_dir"`
	Release   string   `mapstructure:"release" yaml:"release"`
	Excluded  []string `mapstructure:"excluded" yaml:"excluded"`
}

// ArchiveConfig controls how segments are produced
type ArchiveConfig struct {
	WorkDir          string              `mapstructure:"work_dir" yaml:"work_dir"`
	SegmentThreshold int64               `mapstructure:"segment_threshold" yaml:"segment_threshold"`
	RowsPerFile      int                 `mapstructure:"rows_per_file" yaml:"rows_per_file"`
	LargeTableRows   int64               `mapstructure:"large_table_rows" yaml:"large_table_rows"`
	Compression      archive.Compression `mapstructure:"compression" yaml:"compression"`
}

// OperationsConfig controls the operation store and the scheduler
type OperationsConfig struct {
	StorePath    string        `mapstructure:"store_path" yaml:"store_path"`
	StuckTimeout time.Duration `mapstructure:"stuck_timeout" yaml:"stuck_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LoggingConfig mirrors logging.Config for files
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	ShowCaller bool   `mapstructure:"show_caller" yaml:"show_caller"`
}

// ProgressConfig for the progress endpoint
type ProgressConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Loader reads configuration through its own viper instance
type Loader struct {
	viper   *viper.Viper
	logger  *logging.Logger
	envFile string
}

// NewLoader creates a loader. envFile may be empty to skip .env loading.
func NewLoader(envFile string, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Loader{viper: viper.New(), logger: logger, envFile: envFile}
}

// Load reads the configuration. An explicit path must exist, otherwise the
// usual locations are searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	return NewLoader(".env", nil).Load(path)
}

// Viper exposes the underlying instance so flags can be bound to it
func (l *Loader) Viper() *viper.Viper {
	return l.viper
}

// Load reads the configuration file at path
func (l *Loader) Load(path string) (*Config, error) {
	l.loadEnvFile()
	l.setupViper(path)
	setDefaults(l.viper)

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !stderrors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		l.logger.Debug("No config file found, using defaults and environment")
	} else {
		l.logger.Debugf("Using config file: %s", l.viper.ConfigFileUsed())
	}

	var cfg Config
	if err := l.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadEnvFile() {
	if l.envFile == "" {
		return
	}
	if _, err := os.Stat(l.envFile); err != nil {
		l.logger.Debugf("No %s file found, using existing environment variables", l.envFile)
		return
	}
	if err := godotenv.Load(l.envFile); err != nil {
		l.logger.Warnf("Error loading %s file: %v", l.envFile, err)
		return
	}
	l.logger.Debugf("Loaded environment variables from %s", l.envFile)
}

func (l *Loader) setupViper(path string) {
	if path != "" {
		l.viper.SetConfigFile(path)
	} else {
		l.viper.SetConfigName("sitevault")
		l.viper.SetConfigType("yaml")
		l.viper.AddConfigPath(".")
		l.viper.AddConfigPath("$HOME/.config/sitevault")
		l.viper.AddConfigPath("/etc/sitevault")
	}

	l.viper.SetEnvPrefix(EnvPrefix)
	l.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.viper.AutomaticEnv()
}

// keys lists every setting viper should know about. AutomaticEnv only
// resolves keys that are known, so each one gets a default here.
var keys = map[string]interface{}{
	"database.family":   string(database.FamilyMySQL),
	"database.host":     "localhost",
	"database.port":     0,
	"database.username": "",
	"database.password": "",
	"database.database": "",
	"database.path":     "",
	"database.prefix":   "",
	"database.timeout":  "30s",

	"platform.data_root":  "",
	"platform.schema_dir": "",
	"platform.release":    "",
	"platform.excluded":   backup.DefaultExcluded,

	"archive.work_dir":          "",
	"archive.segment_threshold": 512 * 1024 * 1024,
	"archive.rows_per_file":     5000,
	"archive.large_table_rows":  0,
	"archive.compression":       string(archive.CompressionDeflate),

	"storage.provider":             string(transport.ProviderLocal),
	"storage.prefix":               "",
	"storage.passphrase":           "",
	"storage.local.base_path":      "./archive",
	"storage.local.permissions":    0o755,
	"storage.s3.bucket":            "",
	"storage.s3.region":            "",
	"storage.s3.access_key":        "",
	"storage.s3.secret_key":        "",
	"storage.s3.endpoint":          "",
	"storage.azure.account_name":   "",
	"storage.azure.account_key":    "",
	"storage.azure.container_name": "",
	"storage.gcs.bucket":           "",
	"storage.gcs.credentials_path": "",
	"storage.gcs.project_id":       "",
	"storage.retry.max_attempts":   3,
	"storage.retry.base_delay":     "1s",
	"storage.retry.max_delay":      "30s",

	"operations.store_path":    "./sitevault.db",
	"operations.stuck_timeout": operation.DefaultStuckTimeout.String(),
	"operations.max_attempts":  scheduler.DefaultMaxAttempts,
	"operations.interval":      "1m",

	"logging.level":       string(logging.LogLevelNormal),
	"logging.format":      "text",
	"logging.file":        "",
	"logging.show_caller": false,

	"progress.listen": ":8470",
}

func setDefaults(v *viper.Viper) {
	for k, val := range keys {
		v.SetDefault(k, val)
	}
}

// EnvironmentVariables lists the environment overrides that are honoured
func EnvironmentVariables() []string {
	replacer := strings.NewReplacer(".", "_")
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, EnvPrefix+"_"+strings.ToUpper(replacer.Replace(k)))
	}
	sort.Strings(out)
	return out
}

// SetDefaults fills values a file or the environment left empty
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Storage.SetDefaults()

	if c.Archive.WorkDir == "" {
		c.Archive.WorkDir = filepath.Join(os.TempDir(), "sitevault")
	}
	if c.Archive.Compression == "" {
		c.Archive.Compression = archive.CompressionDeflate
	}
	if c.Platform.Excluded == nil {
		c.Platform.Excluded = backup.DefaultExcluded
	}
	if c.Operations.StuckTimeout <= 0 {
		c.Operations.StuckTimeout = operation.DefaultStuckTimeout
	}
	if c.Operations.MaxAttempts <= 0 {
		c.Operations.MaxAttempts = scheduler.DefaultMaxAttempts
	}
	if c.Operations.Interval <= 0 {
		c.Operations.Interval = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = string(logging.LogLevelNormal)
	}
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if !c.Archive.Compression.IsValid() {
		errs = append(errs, fmt.Errorf("archive: unsupported compression %q", c.Archive.Compression))
	}
	if c.Archive.SegmentThreshold < 0 {
		errs = append(errs, stderrors.New("archive: segment_threshold cannot be negative"))
	}
	if c.Archive.RowsPerFile < 0 {
		errs = append(errs, stderrors.New("archive: rows_per_file cannot be negative"))
	}
	if c.Operations.StorePath == "" {
		errs = append(errs, stderrors.New("operations: store_path is required"))
	}
	switch logging.LogLevel(c.Logging.Level) {
	case logging.LogLevelQuiet, logging.LogLevelNormal, logging.LogLevelVerbose, logging.LogLevelDebug:
	default:
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", stderrors.Join(errs...))
	}
	return nil
}

// LoggerConfig converts the logging section for logging.NewLogger
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      logging.LogLevel(c.Logging.Level),
		Format:     c.Logging.Format,
		LogFile:    c.Logging.File,
		ShowCaller: c.Logging.ShowCaller,
	}
}

// BackupConfig converts the archive and platform sections for backup runs
func (c *Config) BackupConfig() backup.Config {
	return backup.Config{
		WorkDir:        c.Archive.WorkDir,
		Threshold:      c.Archive.SegmentThreshold,
		RowsPerFile:    c.Archive.RowsPerFile,
		LargeTableRows: c.Archive.LargeTableRows,
		Compression:    c.Archive.Compression,
		DataRoot:       c.Platform.DataRoot,
		Excluded:       c.Platform.Excluded,
		Release:        c.Platform.Release,
		Prefix:         c.Database.Prefix,
	}
}

// RestoreConfig converts the archive and platform sections for restore runs
func (c *Config) RestoreConfig() restore.Config {
	return restore.Config{
		WorkDir:  c.Archive.WorkDir,
		DataRoot: c.Platform.DataRoot,
		Prefix:   c.Database.Prefix,
	}
}

// SchedulerConfig converts the operations section
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{MaxAttempts: c.Operations.MaxAttempts, PID: os.Getpid()}
}
