package operation_test

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"sitevault/internal/errors"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManager(t *testing.T) (*operation.Manager, *store.Store, *fakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)}
	mgr := operation.NewManager(s, logging.NewNullLogger(),
		operation.WithClock(clock.Now),
		operation.WithStuckTimeout(time.Hour),
		operation.WithFingerprint(operation.Fingerprint{PlatformRelease: "4.3"}),
	)
	return mgr, s, clock
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	mgr, s, clock := newManager(t)

	op, err := mgr.Schedule(ctx, operation.KindBackup, "")
	require.NoError(t, err)
	assert.Equal(t, operation.StatusScheduled, op.Status)
	assert.NotEmpty(t, op.AccessKey)
	assert.Zero(t, op.Created.Nanosecond()%int(time.Millisecond))

	require.NoError(t, mgr.Start(ctx, op, 1234))
	assert.Equal(t, operation.StatusInProgress, op.Status)
	assert.Equal(t, 1, op.Attempts)

	clock.Advance(10 * time.Minute)
	require.NoError(t, mgr.Heartbeat(ctx, op))
	clock.Advance(time.Minute)
	require.NoError(t, mgr.Finish(ctx, op))

	got, ok, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, operation.StatusFinished, got.Status)
	assert.Equal(t, 1234, got.PID)
	assert.True(t, got.Modified.Equal(op.Modified))

	assert.ErrorIs(t, mgr.Finish(ctx, op), operation.ErrInvalidTransition)
	assert.ErrorIs(t, mgr.Start(ctx, op, 1), operation.ErrInvalidTransition)
}

func TestManager_ScheduleValidates(t *testing.T) {
	ctx := context.Background()
	mgr, _, _ := newManager(t)

	_, err := mgr.Schedule(ctx, operation.Kind("upgrade"), "")
	assert.Error(t, err)
	_, err = mgr.Schedule(ctx, operation.KindRestore, "")
	assert.Error(t, err)
	assert.Equal(t, errors.ErrorTypeValidation, errors.GetErrorType(err))

	op, err := mgr.Schedule(ctx, operation.KindRestore, "b1/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "b1/manifest.json", op.Manifest)
}

func TestManager_OnlyOneWorkerClaims(t *testing.T) {
	ctx := context.Background()
	mgr, s, _ := newManager(t)

	op, err := mgr.Schedule(ctx, operation.KindRestore, "m")
	require.NoError(t, err)

	stale, _, err := s.Get(ctx, op.ID)
	require.NoError(t, err)

	require.NoError(t, mgr.Start(ctx, op, 1))
	err = mgr.Start(ctx, stale, 2)
	assert.ErrorIs(t, err, operation.ErrInvalidTransition)

	got, _, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PID)
}

func TestManager_StuckDetectionAndRestart(t *testing.T) {
	ctx := context.Background()
	mgr, _, clock := newManager(t)

	op, err := mgr.Schedule(ctx, operation.KindRestore, "m")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, op, 1))

	clock.Advance(30 * time.Minute)
	assert.False(t, mgr.IsStuck(op))
	assert.ErrorIs(t, mgr.Start(ctx, op, 2), operation.ErrInvalidTransition)

	clock.Advance(31 * time.Minute)
	assert.True(t, mgr.IsStuck(op))
	require.NoError(t, mgr.Start(ctx, op, 2))
	assert.Equal(t, 2, op.Attempts)
	assert.Equal(t, 2, op.PID)
	assert.False(t, mgr.IsStuck(op))
}

func TestManager_MarkAsFailed(t *testing.T) {
	ctx := context.Background()
	mgr, s, _ := newManager(t)
	mgr.SetFingerprintDB("mysql", "8.0.36")

	running, err := mgr.Schedule(ctx, operation.KindBackup, "")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, running, 1))

	cause := &operation.DiagnosticError{
		Message: "precheck failed",
		Detail:  map[string]string{"mdl_user": "recreate"},
	}
	require.NoError(t, mgr.MarkAsFailed(ctx, running, cause, []byte("goroutine 1")))

	got, _, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "precheck failed", got.Error.Message)
	assert.Equal(t, "goroutine 1", got.Error.Stack)
	assert.Equal(t, "mysql", got.Error.Fingerprint.DBFamily)
	assert.Equal(t, "4.3", got.Error.Fingerprint.PlatformRelease)
	assert.NotEmpty(t, got.Error.Fingerprint.GoVersion)
	assert.JSONEq(t, `{"mdl_user":"recreate"}`, string(got.Error.Detail))

	scheduled, err := mgr.Schedule(ctx, operation.KindCheck, "")
	require.NoError(t, err)
	require.NoError(t, mgr.MarkAsFailed(ctx, scheduled, stderrors.New("no database"), nil))
	assert.Equal(t, operation.StatusFailedToStart, scheduled.Status)

	assert.ErrorIs(t, mgr.MarkAsFailed(ctx, scheduled, nil, nil), operation.ErrInvalidTransition)
}

func TestJob_DetailsAndLog(t *testing.T) {
	ctx := context.Background()
	mgr, s, clock := newManager(t)

	op, err := mgr.Schedule(ctx, operation.KindRestore, "m")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, op, 1))
	assert.False(t, operation.NewJob(mgr, op).Resumed())

	job := operation.NewJob(mgr, op)
	require.NoError(t, job.SetDetail(ctx, "phases", []string{"precheck", "database"}))

	var phases []string
	ok, err := job.Detail("phases", &phases)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"precheck", "database"}, phases)

	ok, err = job.Detail("missing", &phases)
	require.NoError(t, err)
	assert.False(t, ok)

	job.Logger.Info("restoring tables")
	job.Logger.Debug("not persisted")
	job.Logger.WithField("error", "disk full").Warn("skipping blob")
	job.Logger.WithField("error", stderrors.New("quota exceeded")).Error("upload failed")

	logs, err := s.Logs(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "restoring tables", logs[0].Message)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "skipping blob: disk full", logs[1].Message)
	assert.Equal(t, "warning", logs[1].Level)
	assert.Equal(t, "upload failed: quota exceeded", logs[2].Message)
	assert.Equal(t, "error", logs[2].Level)

	clock.Advance(5 * time.Second)
	require.NoError(t, job.Heartbeat(ctx))
	first := op.Modified
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, job.Heartbeat(ctx))
	assert.True(t, first.Equal(op.Modified))

	stored, _, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `["precheck","database"]`, string(stored.Details["phases"]))
	assert.True(t, stored.Modified.Equal(first))
}

func TestManager_AppErrorMessageWithoutType(t *testing.T) {
	ctx := context.Background()
	mgr, s, _ := newManager(t)

	op, err := mgr.Schedule(ctx, operation.KindDryRun, "m")
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, op, 1))
	require.NoError(t, mgr.MarkAsFailed(ctx, op, errors.NewAppError(errors.ErrorTypeTimeout, "timed out", nil), nil))

	got, _, err := s.Get(ctx, op.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "timed out", got.Error.Message)
	assert.Equal(t, string(errors.ErrorTypeTimeout), got.Error.Type)
}
