package database

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Family identifies the SQL engine behind a connection
type Family string

const (
	FamilyMySQL    Family = "mysql"
	FamilyPostgres Family = "postgres"
	FamilySQLite   Family = "sqlite"
)

// IsValid reports whether the family is supported
func (f Family) IsValid() bool {
	switch f {
	case FamilyMySQL, FamilyPostgres, FamilySQLite:
		return true
	}
	return false
}

// DatabaseConfig holds the configuration parameters for database connection
type DatabaseConfig struct {
	Family   Family        `mapstructure:"family" yaml:"family"`
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Database string        `mapstructure:"database" yaml:"database"`
	Path     string        `mapstructure:"path" yaml:"path"` // sqlite only
	Prefix   string        `mapstructure:"prefix" yaml:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SetDefaults fills in engine specific defaults
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Family == "" {
		dc.Family = FamilyMySQL
	}
	if dc.Port == 0 {
		switch dc.Family {
		case FamilyMySQL:
			dc.Port = 3306
		case FamilyPostgres:
			dc.Port = 5432
		}
	}
	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	if !dc.Family.IsValid() {
		errs = append(errs, fmt.Errorf("unsupported database family %q", dc.Family))
	}

	if dc.Family == FamilySQLite {
		if dc.Path == "" {
			errs = append(errs, errors.New("path is required for sqlite"))
		}
	} else {
		if dc.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if dc.Port <= 0 || dc.Port > 65535 {
			errs = append(errs, errors.New("port must be between 1 and 65535"))
		}
		if dc.Username == "" {
			errs = append(errs, errors.New("username is required"))
		}
		if dc.Database == "" {
			errs = append(errs, errors.New("database name is required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %v", errs)
	}
	return nil
}

// DriverName returns the database/sql driver registered for the family
func (dc *DatabaseConfig) DriverName() string {
	switch dc.Family {
	case FamilyPostgres:
		return "pgx"
	case FamilySQLite:
		return "sqlite3"
	default:
		return "mysql"
	}
}

// DSN returns the Data Source Name for the configured engine
func (dc *DatabaseConfig) DSN() string {
	switch dc.Family {
	case FamilyPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(dc.Username, dc.Password),
			Host:   fmt.Sprintf("%s:%d", dc.Host, dc.Port),
			Path:   "/" + dc.Database,
		}
		q := u.Query()
		q.Set("connect_timeout", fmt.Sprintf("%d", int(dc.Timeout.Seconds())))
		u.RawQuery = q.Encode()
		return u.String()
	case FamilySQLite:
		return dc.Path + "?_busy_timeout=5000&_foreign_keys=off"
	default:
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%s&parseTime=false&charset=utf8mb4",
			dc.Username, dc.Password, dc.Host, dc.Port, dc.Database, dc.Timeout)
	}
}
