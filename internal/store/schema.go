// Package store persists operations, their logs and restore checkpoints in a
// local SQLite database.
package store

// CreateOperationsTableSQL holds one row per scheduled job. Times are unix
// milliseconds.
const CreateOperationsTableSQL = `
CREATE TABLE IF NOT EXISTS operations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    manifest TEXT NOT NULL DEFAULT '',
    access_key TEXT NOT NULL UNIQUE,
    pid INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    details TEXT NOT NULL DEFAULT '{}',
    error TEXT,
    created INTEGER NOT NULL,
    modified INTEGER NOT NULL
)`

// CreateOperationLogsTableSQL is the append-only log of each operation
const CreateOperationLogsTableSQL = `
CREATE TABLE IF NOT EXISTS operation_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    operation_id INTEGER NOT NULL REFERENCES operations(id),
    time INTEGER NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL
)`

// CreateBackupFilesTableSQL tracks every archive segment an operation writes
// or reads
const CreateBackupFilesTableSQL = `
CREATE TABLE IF NOT EXISTS backup_files (
    operation_id INTEGER NOT NULL REFERENCES operations(id),
    stream TEXT NOT NULL,
    seq INTEGER NOT NULL,
    segment_id TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    PRIMARY KEY (operation_id, stream, seq)
)`

// CreateCursorsTableSQL keeps the last persisted read position per stream
const CreateCursorsTableSQL = `
CREATE TABLE IF NOT EXISTS cursors (
    operation_id INTEGER NOT NULL REFERENCES operations(id),
    stream TEXT NOT NULL,
    cursor TEXT NOT NULL,
    PRIMARY KEY (operation_id, stream)
)`

var createIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status)`,
	`CREATE INDEX IF NOT EXISTS idx_operation_logs_op ON operation_logs(operation_id, id)`,
}

// AllSchemaSQL returns the statements that initialize an empty store
func AllSchemaSQL() []string {
	stmts := []string{
		CreateOperationsTableSQL,
		CreateOperationLogsTableSQL,
		CreateBackupFilesTableSQL,
		CreateCursorsTableSQL,
	}
	return append(stmts, createIndexesSQL...)
}
