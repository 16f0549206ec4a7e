package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"sitevault/internal/operation"

	_ "github.com/mattn/go-sqlite3"
)

// Store implements operation.Repository on SQLite
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

var _ operation.Repository = (*Store)(nil)

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file
func (s *Store) Path() string {
	return s.path
}

const operationColumns = `id, kind, status, manifest, access_key, pid, attempts, details, error, created, modified`

// Create inserts op and assigns its id
func (s *Store) Create(ctx context.Context, op *operation.Operation) error {
	details, err := encodeDetails(op.Details)
	if err != nil {
		return err
	}
	errText, err := encodeError(op.Error)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (kind, status, manifest, access_key, pid, attempts, details, error, created, modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(op.Kind), string(op.Status), op.Manifest, op.AccessKey, op.PID, op.Attempts,
		details, errText, op.Created.UnixMilli(), op.Modified.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: failed to create operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: failed to read operation id: %w", err)
	}
	op.ID = id
	return nil
}

// Get loads operation id
func (s *Store) Get(ctx context.Context, id int64) (*operation.Operation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	return scanOne(row)
}

// GetByAccessKey loads the operation with the given access key
func (s *Store) GetByAccessKey(ctx context.Context, key string) (*operation.Operation, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE access_key = ?`, key)
	return scanOne(row)
}

// Transition is a compare-and-set on status and modified time
func (s *Store) Transition(ctx context.Context, op *operation.Operation, fromStatus operation.Status, fromModified time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, pid = ?, attempts = ?, modified = ?
		WHERE id = ? AND status = ? AND modified = ?`,
		string(op.Status), op.PID, op.Attempts, op.Modified.UnixMilli(),
		op.ID, string(fromStatus), fromModified.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("store: failed to transition operation %d: %w", op.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Touch updates the modified time of operation id
func (s *Store) Touch(ctx context.Context, id int64, modified time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE operations SET modified = ? WHERE id = ?`, modified.UnixMilli(), id); err != nil {
		return fmt.Errorf("store: failed to touch operation %d: %w", id, err)
	}
	return nil
}

// SaveDetails stores op.Details
func (s *Store) SaveDetails(ctx context.Context, op *operation.Operation) error {
	details, err := encodeDetails(op.Details)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE operations SET details = ? WHERE id = ?`, details, op.ID); err != nil {
		return fmt.Errorf("store: failed to save details of operation %d: %w", op.ID, err)
	}
	return nil
}

// SaveError stores op.Error
func (s *Store) SaveError(ctx context.Context, op *operation.Operation) error {
	errText, err := encodeError(op.Error)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `UPDATE operations SET error = ? WHERE id = ?`, errText, op.ID); err != nil {
		return fmt.Errorf("store: failed to save error of operation %d: %w", op.ID, err)
	}
	return nil
}

// ListActive returns scheduled and in-progress operations, oldest first
func (s *Store) ListActive(ctx context.Context) ([]*operation.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations
		WHERE status IN (?, ?) ORDER BY id`,
		string(operation.StatusScheduled), string(operation.StatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("store: failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// List returns the most recent operations, newest first
func (s *Store) List(ctx context.Context, limit int) ([]*operation.Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+operationColumns+` FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// AppendLog adds a line to an operation's log
func (s *Store) AppendLog(ctx context.Context, entry operation.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO operation_logs (operation_id, time, level, message) VALUES (?, ?, ?, ?)`,
		entry.OperationID, entry.Time.UnixMilli(), entry.Level, entry.Message)
	if err != nil {
		return fmt.Errorf("store: failed to append log of operation %d: %w", entry.OperationID, err)
	}
	return nil
}

// Logs returns the log of operation id in insertion order
func (s *Store) Logs(ctx context.Context, id int64) ([]operation.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT time, level, message FROM operation_logs WHERE operation_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("store: failed to read log of operation %d: %w", id, err)
	}
	defer rows.Close()

	var entries []operation.LogEntry
	for rows.Next() {
		var (
			at    int64
			entry = operation.LogEntry{OperationID: id}
		)
		if err := rows.Scan(&at, &entry.Level, &entry.Message); err != nil {
			return nil, err
		}
		entry.Time = time.UnixMilli(at)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOne(row *sql.Row) (*operation.Operation, bool, error) {
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return op, true, nil
}

func scanOperation(row scanner) (*operation.Operation, error) {
	var (
		op                operation.Operation
		kind, status      string
		details           string
		errText           sql.NullString
		created, modified int64
	)
	err := row.Scan(&op.ID, &kind, &status, &op.Manifest, &op.AccessKey, &op.PID, &op.Attempts,
		&details, &errText, &created, &modified)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("store: failed to scan operation: %w", err)
	}
	op.Kind = operation.Kind(kind)
	op.Status = operation.Status(status)
	op.Created = time.UnixMilli(created)
	op.Modified = time.UnixMilli(modified)

	op.Details = make(map[string]json.RawMessage)
	if strings.TrimSpace(details) != "" {
		if err := json.Unmarshal([]byte(details), &op.Details); err != nil {
			return nil, fmt.Errorf("store: corrupt details on operation %d: %w", op.ID, err)
		}
	}
	if errText.Valid && errText.String != "" {
		op.Error = &operation.ErrorDetail{}
		if err := json.Unmarshal([]byte(errText.String), op.Error); err != nil {
			return nil, fmt.Errorf("store: corrupt error on operation %d: %w", op.ID, err)
		}
	}
	return &op, nil
}

func encodeDetails(details map[string]json.RawMessage) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("store: failed to encode details: %w", err)
	}
	return string(data), nil
}

func encodeError(detail *operation.ErrorDetail) (interface{}, error) {
	if detail == nil {
		return nil, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode error: %w", err)
	}
	return string(data), nil
}
