// Package scheduler runs queued operations, one scheduler tick at a time.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"sitevault/internal/errors"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
)

// DefaultMaxAttempts allows a stuck operation one resume
const DefaultMaxAttempts = 2

// Runner executes one kind of operation
type Runner interface {
	Run(ctx context.Context, job *operation.Job) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, job *operation.Job) error

// Run implements Runner
func (f RunnerFunc) Run(ctx context.Context, job *operation.Job) error {
	return f(ctx, job)
}

// Queue is the durable job queue operations are submitted to
type Queue interface {
	Enqueue(ctx context.Context, kind operation.Kind, manifest string) (*operation.Operation, bool, error)
}

// Config holds scheduler settings
type Config struct {
	MaxAttempts int
	PID         int
}

// Scheduler partitions active operations and runs them under the
// one-exclusive-at-a-time rule
type Scheduler struct {
	mgr     *operation.Manager
	runners map[operation.Kind]Runner
	config  Config
	logger  *logging.Logger
}

var _ Queue = (*Scheduler)(nil)

// New creates a scheduler
func New(mgr *operation.Manager, config Config, logger *logging.Logger) *Scheduler {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.PID == 0 {
		config.PID = os.Getpid()
	}
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Scheduler{
		mgr:     mgr,
		runners: make(map[operation.Kind]Runner),
		config:  config,
		logger:  logger,
	}
}

// Register sets the runner for kind
func (s *Scheduler) Register(kind operation.Kind, runner Runner) {
	s.runners[kind] = runner
}

// Enqueue schedules an operation. An active operation of the same kind and
// manifest is returned instead of creating a duplicate; the bool reports
// whether a new record was created.
func (s *Scheduler) Enqueue(ctx context.Context, kind operation.Kind, manifest string) (*operation.Operation, bool, error) {
	active, err := s.mgr.Repository().ListActive(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, op := range active {
		if op.Kind == kind && op.Manifest == manifest {
			return op, false, nil
		}
	}
	op, err := s.mgr.Schedule(ctx, kind, manifest)
	if err != nil {
		return nil, false, err
	}
	return op, true, nil
}

// Queues is the partition of active operations seen by one tick
type Queues struct {
	Stuck    []*operation.Operation
	Running  []*operation.Operation
	Backups  []*operation.Operation
	Restores []*operation.Operation
	Other    []*operation.Operation
}

// Partition splits active operations into queues, preserving id order
func (s *Scheduler) Partition(ops []*operation.Operation) Queues {
	var q Queues
	for _, op := range ops {
		switch {
		case op.Status == operation.StatusInProgress && s.mgr.IsStuck(op):
			q.Stuck = append(q.Stuck, op)
		case op.Status == operation.StatusInProgress:
			q.Running = append(q.Running, op)
		case op.Status != operation.StatusScheduled:
			continue
		case op.Kind == operation.KindBackup:
			q.Backups = append(q.Backups, op)
		case op.Kind == operation.KindRestore:
			q.Restores = append(q.Restores, op)
		default:
			q.Other = append(q.Other, op)
		}
	}
	return q
}

// TickResult reports what one tick did
type TickResult struct {
	Finished []int64
	Failed   []int64
	TimedOut []int64
	Deferred []int64
}

// Tick runs one scheduling pass
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	ops, err := s.mgr.Repository().ListActive(ctx)
	if err != nil {
		return nil, err
	}
	q := s.Partition(ops)
	result := &TickResult{}

	var resumable []*operation.Operation
	for _, op := range q.Stuck {
		if op.Kind.Resumable() && op.Attempts < s.config.MaxAttempts {
			resumable = append(resumable, op)
			continue
		}
		s.timeout(ctx, op)
		result.TimedOut = append(result.TimedOut, op.ID)
	}

	for _, op := range q.Other {
		s.execute(ctx, op, result)
	}

	exclusiveRunning := false
	for _, op := range q.Running {
		if op.Kind.Exclusive() {
			exclusiveRunning = true
		}
	}

	candidates := mergeByID(resumable, mergeByID(q.Restores, q.Backups))
	for i, op := range candidates {
		if exclusiveRunning {
			for _, rest := range candidates[i:] {
				result.Deferred = append(result.Deferred, rest.ID)
			}
			break
		}
		s.execute(ctx, op, result)
		exclusiveRunning = true
	}
	return result, nil
}

func (s *Scheduler) timeout(ctx context.Context, op *operation.Operation) {
	logger := s.mgr.Logger(op)
	logger.Errorf("Operation %d timed out", op.ID)
	cause := errors.NewAppError(errors.ErrorTypeTimeout, "timed out", nil)
	if err := s.mgr.MarkAsFailed(ctx, op, cause, nil); err != nil {
		s.logger.WithField("operation_id", op.ID).Warnf("failed to mark stuck operation as failed: %v", err)
	}
}

func (s *Scheduler) execute(ctx context.Context, op *operation.Operation, result *TickResult) {
	runner, ok := s.runners[op.Kind]
	if !ok {
		cause := errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("no runner registered for %s", op.Kind), nil)
		if op.Status == operation.StatusScheduled {
			if err := s.mgr.MarkAsFailed(ctx, op, cause, nil); err != nil {
				s.logger.Warnf("failed to mark operation %d: %v", op.ID, err)
			}
			result.Failed = append(result.Failed, op.ID)
		}
		return
	}

	resumed := op.Status == operation.StatusInProgress
	if err := s.mgr.Start(ctx, op, s.config.PID); err != nil {
		// another worker claimed it first
		s.logger.WithField("operation_id", op.ID).Debugf("skipping operation: %v", err)
		return
	}

	job := operation.NewJob(s.mgr, op)
	if resumed {
		job.Logger.Warnf("Resuming operation %d, attempt %d", op.ID, op.Attempts)
	} else {
		job.Logger.Infof("Starting %s operation %d", op.Kind, op.ID)
	}

	stack, runErr := s.run(ctx, runner, job)
	if runErr != nil {
		job.Logger.WithField("error", runErr.Error()).Error("Operation failed")
		if err := s.mgr.MarkAsFailed(ctx, op, runErr, stack); err != nil {
			s.logger.Warnf("failed to mark operation %d: %v", op.ID, err)
		}
		result.Failed = append(result.Failed, op.ID)
		return
	}

	if err := s.mgr.Finish(ctx, op); err != nil {
		s.logger.Warnf("failed to finish operation %d: %v", op.ID, err)
		result.Failed = append(result.Failed, op.ID)
		return
	}
	job.Logger.Infof("Operation %d finished", op.ID)
	result.Finished = append(result.Finished, op.ID)
}

// run executes the runner, converting a panic into an error with its stack
func (s *Scheduler) run(ctx context.Context, runner Runner, job *operation.Job) (stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = debug.Stack()
		}
	}()
	return nil, runner.Run(ctx, job)
}

func mergeByID(a, b []*operation.Operation) []*operation.Operation {
	out := make([]*operation.Operation, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].ID <= b[j].ID {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
