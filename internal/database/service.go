package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sitevault/internal/errors"
	"sitevault/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
)

// Executor is the subset of *sql.DB and *sql.Tx used by the schema and data layers
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DatabaseService defines the interface for database operations
type DatabaseService interface {
	Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error)
	TestConnection(ctx context.Context, db *sql.DB) error
	Close(db *sql.DB) error
	GetVersion(ctx context.Context, family Family, db Executor) (string, error)
	ExecuteSQL(ctx context.Context, db *sql.DB, statements []string) error
}

// Service implements the DatabaseService interface
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return &Service{
		connectionTimeout: 30 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
	}
}

// NewServiceWithOptions creates a new database service with custom retry options
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, retry errors.RetryConfig) *Service {
	return &Service{
		connectionTimeout: timeout,
		logger:            logger,
		retryHandler:      errors.NewRetryHandler(retry),
	}
}

// Connect opens a pool for the configured engine and verifies it with retries
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	startTime := time.Now()
	s.logger.WithFields(map[string]interface{}{
		"family":   config.Family,
		"host":     config.Host,
		"database": config.Database,
	}).Info("Attempting database connection")

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = sql.Open(config.DriverName(), config.DSN())
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		if config.Family == FamilySQLite {
			db.SetMaxOpenConns(1)
		} else {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}

		if testErr := s.TestConnection(ctx, db); testErr != nil {
			db.Close()
			return testErr
		}
		return nil
	})

	fields := map[string]interface{}{
		"family":   config.Family,
		"duration": time.Since(startTime).String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("Database connection failed")
		return nil, err
	}

	s.logger.WithFields(fields).Info("Database connection established")
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return errors.NewErrorClassifier().ClassifyError(err)
	}

	s.logger.Debug("Database connection test successful")
	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}
	return nil
}

// GetVersion retrieves the server version string
func (s *Service) GetVersion(ctx context.Context, family Family, db Executor) (string, error) {
	if db == nil {
		return "", errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	query := VersionQuery(family)
	startTime := time.Now()

	var version string
	err := db.QueryRowContext(ctx, query).Scan(&version)
	s.logger.LogSQLExecution(query, time.Since(startTime), 1, err)
	if err != nil {
		return "", errors.WrapError(err, "failed to get database version")
	}
	return version, nil
}

// ExecuteSQL runs statements in order inside one transaction. Empty statements are skipped.
func (s *Service) ExecuteSQL(ctx context.Context, db *sql.DB, statements []string) (err error) {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	if len(statements) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapError(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.logger.WithField("error", rollbackErr.Error()).Error("Failed to rollback transaction")
			}
		}
	}()

	for i, stmt := range statements {
		if stmt == "" {
			continue
		}

		startTime := time.Now()
		result, execErr := tx.ExecContext(ctx, stmt)
		var rowsAffected int64
		if result != nil {
			rowsAffected, _ = result.RowsAffected()
		}
		s.logger.LogSQLExecution(stmt, time.Since(startTime), rowsAffected, execErr)

		if execErr != nil {
			return errors.NewErrorClassifier().ClassifyError(execErr).
				WithContext("statement", stmt).
				WithContext("statement_index", i)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapError(err, "failed to commit transaction")
	}
	return nil
}

// VersionQuery returns the statement that reports the server version
func VersionQuery(family Family) string {
	switch family {
	case FamilySQLite:
		return "SELECT sqlite_version()"
	case FamilyPostgres:
		return "SHOW server_version"
	default:
		return "SELECT VERSION()"
	}
}

// QuoteIdent quotes a table or column name for the family
func QuoteIdent(family Family, name string) string {
	if family == FamilyMySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

// Placeholder returns the n-th (1-based) bind parameter marker
func Placeholder(family Family, n int) string {
	if family == FamilyPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// MaxPlaceholders is the number of bind parameters a single statement may carry
func MaxPlaceholders(family Family) int {
	switch family {
	case FamilySQLite:
		return 32766
	default:
		return 65535
	}
}
