package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const redacted = "********"

// WriteTemplate writes the commented configuration template to path. An
// existing file is only replaced when force is set, and is first copied to
// path.backup.
func WriteTemplate(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return fmt.Errorf("configuration file %s already exists", path)
		}
		if err := copyConfig(path, path+".backup"); err != nil {
			return fmt.Errorf("failed to create backup of configuration file: %w", err)
		}
	}
	return writeFile(path, []byte(Template()))
}

// Marshal renders cfg as YAML with secrets masked
func Marshal(cfg *Config) ([]byte, error) {
	c := *cfg
	if c.Database.Password != "" {
		c.Database.Password = redacted
	}
	if c.Storage.S3 != nil {
		s3 := *c.Storage.S3
		if s3.SecretKey != "" {
			s3.SecretKey = redacted
		}
		c.Storage.S3 = &s3
	}
	if c.Storage.Azure != nil {
		az := *c.Storage.Azure
		if az.AccountKey != "" {
			az.AccountKey = redacted
		}
		c.Storage.Azure = &az
	}

	data, err := yaml.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}
	return data, nil
}

func copyConfig(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// Template returns a complete configuration file with every setting at its
// default
func Template() string {
	return `# sitevault configuration

# Site database
database:
  family: mysql            # mysql, postgres or sqlite
  host: localhost
  port: 3306
  username: root
  password: ""             # prefer SITEVAULT_DATABASE_PASSWORD
  database: site
  path: ""                 # database file, sqlite only
  prefix: mdl_             # table prefix
  timeout: 30s

# Site installation
platform:
  data_root: /var/sitedata # data directory that holds filedir/
  schema_dir: ""           # directory of component schema definitions
  release: ""              # recorded in backups and failure reports
  excluded:                # data tree paths never archived
    - cache
    - localcache
    - temp
    - sessions
    - trashdir
    - lock

# Archive segments
archive:
  work_dir: ""                  # scratch space, defaults to the system temp dir
  segment_threshold: 536870912  # bytes before a segment is closed
  rows_per_file: 5000           # rows per table chunk
  large_table_rows: 0           # tables with more rows get their own stream, 0 disables
  compression: deflate          # deflate, zstd, lz4 or store

# Remote archive
storage:
  provider: local          # local, s3, azure or gcs
  prefix: ""               # key prefix inside the bucket
  # passphrase enables client side encryption, set SITEVAULT_STORAGE_PASSPHRASE
  local:
    base_path: ./archive
    permissions: 0755
  # s3:
  #   bucket: site-backups
  #   region: us-east-1
  #   access_key: ""
  #   secret_key: ""
  #   endpoint: ""           # for S3 compatible services
  # azure:
  #   account_name: ""
  #   account_key: ""
  #   container_name: backups
  # gcs:
  #   bucket: site-backups
  #   credentials_path: ""
  #   project_id: ""
  retry:
    max_attempts: 3
    base_delay: 1s
    max_delay: 30s

# Operation queue
operations:
  store_path: ./sitevault.db
  stuck_timeout: 2h        # without a heartbeat an operation is considered dead
  max_attempts: 2          # runs allowed for a resumable operation
  interval: 1m             # cron loop period for "sitevault serve"

logging:
  level: normal            # quiet, normal, verbose or debug
  format: text             # text or json
  file: ""
  show_caller: false

# Progress endpoint served by "sitevault serve"
progress:
  listen: ":8470"

# Every setting can be overridden from the environment, for example
# SITEVAULT_DATABASE_HOST=db.internal
# SITEVAULT_STORAGE_PROVIDER=s3
# SITEVAULT_STORAGE_S3_BUCKET=site-backups
# A .env file in the working directory is loaded first.
`
}
