package scheduler

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	sched *Scheduler
	mgr   *operation.Manager
	store *store.Store
	now   time.Time
	ran   []int64
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &testEnv{store: s, now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	env.mgr = operation.NewManager(s, logging.NewNullLogger(),
		operation.WithClock(func() time.Time { return env.now }),
		operation.WithStuckTimeout(time.Hour))
	env.sched = New(env.mgr, Config{PID: 77}, nil)

	record := RunnerFunc(func(ctx context.Context, job *operation.Job) error {
		env.ran = append(env.ran, job.Op.ID)
		return nil
	})
	for _, kind := range []operation.Kind{operation.KindBackup, operation.KindRestore, operation.KindCheck, operation.KindDryRun} {
		env.sched.Register(kind, record)
	}
	return env
}

func (e *testEnv) schedule(t *testing.T, kind operation.Kind) *operation.Operation {
	manifest := ""
	if kind == operation.KindRestore || kind == operation.KindDryRun {
		manifest = "b1/manifest.json"
	}
	op, err := e.mgr.Schedule(context.Background(), kind, manifest)
	require.NoError(t, err)
	return op
}

func (e *testEnv) status(t *testing.T, id int64) operation.Status {
	op, ok, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return op.Status
}

func TestTick_DrainsOtherOperationsBeforeOneExclusive(t *testing.T) {
	env := newEnv(t)
	backup := env.schedule(t, operation.KindBackup)
	check1 := env.schedule(t, operation.KindCheck)
	restore := env.schedule(t, operation.KindRestore)
	check2 := env.schedule(t, operation.KindCheck)

	res, err := env.sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{check1.ID, check2.ID, backup.ID}, env.ran)
	assert.Equal(t, []int64{check1.ID, check2.ID, backup.ID}, res.Finished)
	assert.Equal(t, []int64{restore.ID}, res.Deferred)
	assert.Equal(t, operation.StatusScheduled, env.status(t, restore.ID))

	env.ran = nil
	_, err = env.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{restore.ID}, env.ran)
	assert.Equal(t, operation.StatusFinished, env.status(t, restore.ID))
}

func TestTick_NeverRunsSecondExclusiveWhileOneIsInProgress(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	running := env.schedule(t, operation.KindBackup)
	require.NoError(t, env.mgr.Start(ctx, running, 1))
	second := env.schedule(t, operation.KindBackup)
	check := env.schedule(t, operation.KindCheck)

	res, err := env.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{check.ID}, env.ran)
	assert.Equal(t, []int64{second.ID}, res.Deferred)
	assert.Equal(t, operation.StatusScheduled, env.status(t, second.ID))
}

func TestTick_StuckOperations(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	restore := env.schedule(t, operation.KindRestore)
	require.NoError(t, env.mgr.Start(ctx, restore, 1))
	dryrun := env.schedule(t, operation.KindDryRun)
	require.NoError(t, env.mgr.Start(ctx, dryrun, 1))

	env.now = env.now.Add(2 * time.Hour)
	res, err := env.sched.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{dryrun.ID}, res.TimedOut)
	assert.Equal(t, []int64{restore.ID}, env.ran)
	assert.Equal(t, operation.StatusFailed, env.status(t, dryrun.ID))
	assert.Equal(t, operation.StatusFinished, env.status(t, restore.ID))

	got, _, err := env.store.Get(ctx, restore.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, 77, got.PID)

	failed, _, err := env.store.Get(ctx, dryrun.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "timed out", failed.Error.Message)

	logs, err := env.store.Logs(ctx, dryrun.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[0].Message, "timed out")
}

func TestTick_StuckOperationResumesOnlyOnce(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	op := env.schedule(t, operation.KindBackup)
	require.NoError(t, env.mgr.Start(ctx, op, 1))
	env.now = env.now.Add(2 * time.Hour)
	require.NoError(t, env.mgr.Start(ctx, op, 2))
	assert.Equal(t, 2, op.Attempts)

	env.now = env.now.Add(2 * time.Hour)
	res, err := env.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, env.ran)
	assert.Equal(t, []int64{op.ID}, res.TimedOut)
	assert.Equal(t, operation.StatusFailed, env.status(t, op.ID))
}

func TestTick_RunnerFailures(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.sched.Register(operation.KindCheck, RunnerFunc(func(ctx context.Context, job *operation.Job) error {
		return stderrors.New("database unreachable")
	}))
	env.sched.Register(operation.KindDryRun, RunnerFunc(func(ctx context.Context, job *operation.Job) error {
		panic("nil structure")
	}))

	check := env.schedule(t, operation.KindCheck)
	dryrun := env.schedule(t, operation.KindDryRun)

	res, err := env.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{check.ID, dryrun.ID}, res.Failed)

	got, _, err := env.store.Get(ctx, check.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusFailed, got.Status)
	assert.Equal(t, "database unreachable", got.Error.Message)

	got, _, err = env.store.Get(ctx, dryrun.ID)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusFailed, got.Status)
	assert.Equal(t, "panic: nil structure", got.Error.Message)
	assert.Contains(t, got.Error.Stack, "runtime/debug.Stack")
}

func TestTick_UnregisteredKindFailsToStart(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	env.sched = New(env.mgr, Config{}, nil)

	op := env.schedule(t, operation.KindCheck)
	res, err := env.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{op.ID}, res.Failed)
	assert.Equal(t, operation.StatusFailedToStart, env.status(t, op.ID))
}

func TestEnqueue_Deduplicates(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)

	first, created, err := env.sched.Enqueue(ctx, operation.KindBackup, "")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := env.sched.Enqueue(ctx, operation.KindBackup, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = env.sched.Enqueue(ctx, operation.KindRestore, "b1/manifest.json")
	require.NoError(t, err)
	assert.True(t, created)
}
