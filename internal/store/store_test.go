package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/operation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "operations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newOp(kind operation.Kind, key string, at time.Time) *operation.Operation {
	return &operation.Operation{
		Kind:      kind,
		Status:    operation.StatusScheduled,
		AccessKey: key,
		Created:   at,
		Modified:  at,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.UnixMilli(1700000000123)

	op := newOp(operation.KindRestore, "key-1", at)
	op.Manifest = "backup-1/manifest.json"
	op.Details = map[string]json.RawMessage{"phase": json.RawMessage(`"db"`)}
	require.NoError(t, s.Create(ctx, op))
	assert.NotZero(t, op.ID)

	got, ok, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, operation.KindRestore, got.Kind)
	assert.Equal(t, operation.StatusScheduled, got.Status)
	assert.Equal(t, "backup-1/manifest.json", got.Manifest)
	assert.True(t, at.Equal(got.Modified))
	assert.JSONEq(t, `"db"`, string(got.Details["phase"]))
	assert.Nil(t, got.Error)

	byKey, ok, err := s.GetByAccessKey(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, op.ID, byKey.ID)

	_, ok, err = s.GetByAccessKey(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, 9999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_AccessKeyIsUnique(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.UnixMilli(1000)

	require.NoError(t, s.Create(ctx, newOp(operation.KindBackup, "same", now)))
	assert.Error(t, s.Create(ctx, newOp(operation.KindBackup, "same", now)))
}

func TestStore_TransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.UnixMilli(1000)

	op := newOp(operation.KindBackup, "k", created)
	require.NoError(t, s.Create(ctx, op))

	first := *op
	first.Status = operation.StatusInProgress
	first.PID = 42
	first.Attempts = 1
	first.Modified = time.UnixMilli(2000)
	ok, err := s.Transition(ctx, &first, operation.StatusScheduled, created)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second worker holding the stale record loses
	second := *op
	second.Status = operation.StatusInProgress
	second.PID = 43
	second.Modified = time.UnixMilli(2001)
	ok, err = s.Transition(ctx, &second, operation.StatusScheduled, created)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.PID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, int64(2000), got.Modified.UnixMilli())
}

func TestStore_ListActive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.UnixMilli(1000)

	a := newOp(operation.KindBackup, "a", now)
	b := newOp(operation.KindCheck, "b", now)
	c := newOp(operation.KindRestore, "c", now)
	for _, op := range []*operation.Operation{a, b, c} {
		require.NoError(t, s.Create(ctx, op))
	}

	done := *b
	done.Status = operation.StatusFinished
	ok, err := s.Transition(ctx, &done, operation.StatusScheduled, now)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, c.ID, active[1].ID)

	recent, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, c.ID, recent[0].ID)
}

func TestStore_DetailsErrorAndTouch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	op := newOp(operation.KindRestore, "k", time.UnixMilli(1000))
	require.NoError(t, s.Create(ctx, op))

	op.Details = map[string]json.RawMessage{"phases": json.RawMessage(`["precheck"]`)}
	require.NoError(t, s.SaveDetails(ctx, op))
	op.Error = &operation.ErrorDetail{Message: "boom", Fingerprint: operation.Fingerprint{DBFamily: "mysql"}}
	require.NoError(t, s.SaveError(ctx, op))
	require.NoError(t, s.Touch(ctx, op.ID, time.UnixMilli(5000)))

	got, _, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `["precheck"]`, string(got.Details["phases"]))
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Message)
	assert.Equal(t, "mysql", got.Error.Fingerprint.DBFamily)
	assert.Equal(t, int64(5000), got.Modified.UnixMilli())
}

func TestStore_Logs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	op := newOp(operation.KindBackup, "k", time.UnixMilli(1000))
	require.NoError(t, s.Create(ctx, op))

	for i, msg := range []string{"starting", "dumping tables", "done"} {
		require.NoError(t, s.AppendLog(ctx, operation.LogEntry{
			OperationID: op.ID,
			Time:        time.UnixMilli(int64(2000 + i)),
			Level:       "info",
			Message:     msg,
		}))
	}

	logs, err := s.Logs(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "starting", logs[0].Message)
	assert.Equal(t, "done", logs[2].Message)
	assert.Equal(t, int64(2001), logs[1].Time.UnixMilli())
}

func TestStore_BackupFilesAndCursors(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	op := newOp(operation.KindRestore, "k", time.UnixMilli(1000))
	require.NoError(t, s.Create(ctx, op))

	require.NoError(t, s.SaveBackupFiles(ctx, op.ID, []BackupFile{
		{Stream: "filedir", Seq: 0, SegmentID: "b1/filedir.zip"},
		{Stream: "filedir", Seq: 1, SegmentID: "b1/filedir-1.zip"},
		{Stream: "dbdump", Seq: 0, SegmentID: "b1/dbdump.zip"},
	}))

	cp := s.Checkpoints(op.ID)
	require.NoError(t, cp.SegmentConsumed(ctx, "filedir", 0))
	require.NoError(t, cp.SaveCursor(ctx, "filedir", archive.Cursor{Segment: 1, Offset: 3}))
	require.NoError(t, cp.SaveCursor(ctx, "filedir", archive.Cursor{Segment: 1, Offset: 4}))
	require.NoError(t, cp.SaveCursor(ctx, "dataroot", archive.Cursor{Segment: 0, Offset: 2, LastPath: "lang/en"}))
	assert.Error(t, cp.SegmentConsumed(ctx, "filedir", 7))

	files, err := s.BackupFiles(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "dbdump", files[0].Stream)
	assert.Equal(t, BackupFileScheduled, files[0].Status)
	assert.Equal(t, BackupFileFinished, files[1].Status)
	assert.Equal(t, BackupFileScheduled, files[2].Status)

	cursors, err := s.LoadCursors(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.Cursor{Segment: 1, Offset: 4}, cursors["filedir"])
	assert.Equal(t, "lang/en", cursors["dataroot"].LastPath)
}

func TestStore_SegmentRecorder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	op := newOp(operation.KindBackup, "k", time.UnixMilli(1000))
	require.NoError(t, s.Create(ctx, op))

	rec := s.Segments(op.ID)
	require.NoError(t, rec.SegmentUploaded(ctx, archive.Segment{Stream: "dbdump", Seq: 0, ID: "b/dbdump.zip", Size: 10}))
	require.NoError(t, rec.SegmentUploaded(ctx, archive.Segment{Stream: "dbdump", Seq: 1, ID: "b/dbdump-1.zip", Size: 12}))

	files, err := s.BackupFiles(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "b/dbdump-1.zip", files[1].SegmentID)
	assert.Equal(t, int64(12), files[1].Size)
	assert.Equal(t, BackupFileFinished, files[1].Status)
}
