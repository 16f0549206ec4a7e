package store

import (
	"context"
	"encoding/json"
	"fmt"

	"sitevault/internal/archive"
)

// BackupFileStatus tracks whether a segment has been handled
type BackupFileStatus string

const (
	BackupFileScheduled BackupFileStatus = "scheduled"
	BackupFileFinished  BackupFileStatus = "finished"
)

// BackupFile is one archive segment known to an operation
type BackupFile struct {
	Stream    string
	Seq       int
	SegmentID string
	Size      int64
	Status    BackupFileStatus
}

// SaveBackupFiles records files for operation opID, replacing earlier rows
// for the same stream and sequence
func (s *Store) SaveBackupFiles(ctx context.Context, opID int64, files []BackupFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backup_files (operation_id, stream, seq, segment_id, size, status) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (operation_id, stream, seq) DO UPDATE SET segment_id = excluded.segment_id, size = excluded.size, status = excluded.status`)
	if err != nil {
		return fmt.Errorf("store: failed to prepare backup file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		status := f.Status
		if status == "" {
			status = BackupFileScheduled
		}
		if _, err := stmt.ExecContext(ctx, opID, f.Stream, f.Seq, f.SegmentID, f.Size, string(status)); err != nil {
			return fmt.Errorf("store: failed to save backup file %s#%d: %w", f.Stream, f.Seq, err)
		}
	}
	return tx.Commit()
}

// SetBackupFileStatus updates one file of operation opID
func (s *Store) SetBackupFileStatus(ctx context.Context, opID int64, stream string, seq int, status BackupFileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE backup_files SET status = ? WHERE operation_id = ? AND stream = ? AND seq = ?`,
		string(status), opID, stream, seq)
	if err != nil {
		return fmt.Errorf("store: failed to update backup file %s#%d: %w", stream, seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: operation %d has no backup file %s#%d", opID, stream, seq)
	}
	return nil
}

// BackupFiles lists the files of operation opID ordered by stream and sequence
func (s *Store) BackupFiles(ctx context.Context, opID int64) ([]BackupFile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, seq, segment_id, size, status FROM backup_files
		WHERE operation_id = ? ORDER BY stream, seq`, opID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list backup files: %w", err)
	}
	defer rows.Close()

	var files []BackupFile
	for rows.Next() {
		var (
			f      BackupFile
			status string
		)
		if err := rows.Scan(&f.Stream, &f.Seq, &f.SegmentID, &f.Size, &status); err != nil {
			return nil, err
		}
		f.Status = BackupFileStatus(status)
		files = append(files, f)
	}
	return files, rows.Err()
}

// SaveCursor upserts the read position of stream for operation opID
func (s *Store) SaveCursor(ctx context.Context, opID int64, stream string, c archive.Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cursors (operation_id, stream, cursor) VALUES (?, ?, ?)
		ON CONFLICT (operation_id, stream) DO UPDATE SET cursor = excluded.cursor`,
		opID, stream, string(data))
	if err != nil {
		return fmt.Errorf("store: failed to save cursor of %s: %w", stream, err)
	}
	return nil
}

// LoadCursors returns every saved cursor of operation opID keyed by stream
func (s *Store) LoadCursors(ctx context.Context, opID int64) (map[string]archive.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream, cursor FROM cursors WHERE operation_id = ?`, opID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]archive.Cursor)
	for rows.Next() {
		var stream, data string
		if err := rows.Scan(&stream, &data); err != nil {
			return nil, err
		}
		var c archive.Cursor
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("store: corrupt cursor of %s: %w", stream, err)
		}
		cursors[stream] = c
	}
	return cursors, rows.Err()
}

// Checkpoints adapts the store to archive.Checkpointer for operation opID
func (s *Store) Checkpoints(opID int64) archive.Checkpointer {
	return &checkpoints{store: s, opID: opID}
}

type checkpoints struct {
	store *Store
	opID  int64
}

func (c *checkpoints) SaveCursor(ctx context.Context, stream string, cur archive.Cursor) error {
	return c.store.SaveCursor(ctx, c.opID, stream, cur)
}

func (c *checkpoints) SegmentConsumed(ctx context.Context, stream string, seq int) error {
	return c.store.SetBackupFileStatus(ctx, c.opID, stream, seq, BackupFileFinished)
}

// Segments adapts the store to archive.SegmentRecorder for operation opID
func (s *Store) Segments(opID int64) archive.SegmentRecorder {
	return &segments{store: s, opID: opID}
}

type segments struct {
	store *Store
	opID  int64
}

func (r *segments) SegmentUploaded(ctx context.Context, seg archive.Segment) error {
	return r.store.SaveBackupFiles(ctx, r.opID, []BackupFile{{
		Stream:    seg.Stream,
		Seq:       seg.Seq,
		SegmentID: seg.ID,
		Size:      seg.Size,
		Status:    BackupFileFinished,
	}})
}
