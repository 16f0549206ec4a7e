package operation

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"sitevault/internal/errors"
	"sitevault/internal/logging"

	"github.com/google/uuid"
)

// DefaultStuckTimeout is how long an in-progress operation may go without a
// heartbeat before it is considered dead
const DefaultStuckTimeout = 2 * time.Hour

// ErrInvalidTransition is returned for transitions the lifecycle does not allow
var ErrInvalidTransition = errors.NewAppError(errors.ErrorTypeValidation, "invalid operation state transition", nil)

// Manager drives operations through their lifecycle
type Manager struct {
	repo         Repository
	logger       *logging.Logger
	stuckTimeout time.Duration
	fingerprint  Fingerprint
	now          func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithStuckTimeout overrides DefaultStuckTimeout
func WithStuckTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stuckTimeout = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFingerprint sets the environment recorded on failures
func WithFingerprint(f Fingerprint) Option {
	return func(m *Manager) { m.fingerprint = f }
}

// NewManager creates a manager over repo
func NewManager(repo Repository, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	m := &Manager{
		repo:         repo,
		logger:       logger,
		stuckTimeout: DefaultStuckTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fingerprint.GoVersion == "" {
		m.fingerprint.GoVersion = runtime.Version()
	}
	if m.fingerprint.Platform == "" {
		m.fingerprint.Platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	return m
}

// Repository returns the backing store
func (m *Manager) Repository() Repository {
	return m.repo
}

// StuckTimeout returns the heartbeat staleness limit
func (m *Manager) StuckTimeout() time.Duration {
	return m.stuckTimeout
}

// clock returns the current time at the millisecond precision the store keeps
func (m *Manager) clock() time.Time {
	return time.UnixMilli(m.now().UnixMilli())
}

// NewAccessKey returns an unguessable token for progress polling
func NewAccessKey() string {
	return uuid.NewString()
}

// Schedule creates an operation in the scheduled state
func (m *Manager) Schedule(ctx context.Context, kind Kind, manifest string) (*Operation, error) {
	if !kind.IsValid() {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("unknown operation type %q", kind), nil)
	}
	if (kind == KindRestore || kind == KindDryRun) && manifest == "" {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("%s requires a backup manifest", kind), nil)
	}

	now := m.clock()
	op := &Operation{
		Kind:      kind,
		Status:    StatusScheduled,
		Manifest:  manifest,
		AccessKey: NewAccessKey(),
		Created:   now,
		Modified:  now,
		Details:   make(map[string]json.RawMessage),
	}
	if err := m.repo.Create(ctx, op); err != nil {
		return nil, err
	}
	m.logger.LogOperationTransition(op.ID, string(kind), "", string(StatusScheduled))
	return op, nil
}

// IsStuck reports whether op is in progress with a stale heartbeat
func (m *Manager) IsStuck(op *Operation) bool {
	return op.Status == StatusInProgress && m.clock().Sub(op.Modified) > m.stuckTimeout
}

// Start claims op for process pid. Scheduled and stuck operations can be
// started. The claim fails if another worker changed the record first.
func (m *Manager) Start(ctx context.Context, op *Operation, pid int) error {
	if op.Status != StatusScheduled && !m.IsStuck(op) {
		return fmt.Errorf("%w: cannot start operation %d in status %s", ErrInvalidTransition, op.ID, op.Status)
	}
	return m.transition(ctx, op, StatusInProgress, func(o *Operation) {
		o.PID = pid
		o.Attempts++
	})
}

// Heartbeat records liveness of an in-progress operation
func (m *Manager) Heartbeat(ctx context.Context, op *Operation) error {
	if op.Status != StatusInProgress {
		return fmt.Errorf("%w: heartbeat on operation %d in status %s", ErrInvalidTransition, op.ID, op.Status)
	}
	now := m.clock()
	if err := m.repo.Touch(ctx, op.ID, now); err != nil {
		return err
	}
	op.Modified = now
	return nil
}

// Finish marks an in-progress operation as finished
func (m *Manager) Finish(ctx context.Context, op *Operation) error {
	if op.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot finish operation %d in status %s", ErrInvalidTransition, op.ID, op.Status)
	}
	return m.transition(ctx, op, StatusFinished, nil)
}

// MarkAsFailed records cause on op. Operations that never started end in
// failed-to-start, the others in failed.
func (m *Manager) MarkAsFailed(ctx context.Context, op *Operation, cause error, stack []byte) error {
	if op.Status.IsTerminal() {
		return fmt.Errorf("%w: operation %d already %s", ErrInvalidTransition, op.ID, op.Status)
	}
	to := StatusFailed
	if op.Status == StatusScheduled {
		to = StatusFailedToStart
	}

	op.Error = m.errorDetail(cause, stack)
	if err := m.transition(ctx, op, to, nil); err != nil {
		return err
	}
	return m.repo.SaveError(ctx, op)
}

// SetFingerprintDB records the database family and version seen by operations
func (m *Manager) SetFingerprintDB(family, version string) {
	m.fingerprint.DBFamily = family
	m.fingerprint.DBVersion = version
}

// SetPlatformRelease records the platform release seen by operations
func (m *Manager) SetPlatformRelease(release string) {
	m.fingerprint.PlatformRelease = release
}

// DiagnosticError carries structured detail to be stored with a failure
type DiagnosticError struct {
	Message string
	Detail  interface{}
}

func (e *DiagnosticError) Error() string {
	return e.Message
}

func (m *Manager) errorDetail(cause error, stack []byte) *ErrorDetail {
	detail := &ErrorDetail{
		Message:     "unknown error",
		Stack:       string(stack),
		Fingerprint: m.fingerprint,
	}
	if cause == nil {
		return detail
	}
	detail.Message = cause.Error()
	detail.Type = string(errors.GetErrorType(cause))
	if appErr, ok := cause.(*errors.AppError); ok {
		// the type is stored on its own
		detail.Message = strings.TrimPrefix(detail.Message, string(appErr.Type)+": ")
	}

	var diag *DiagnosticError
	if stderrors.As(cause, &diag) && diag.Detail != nil {
		if raw, err := json.Marshal(diag.Detail); err == nil {
			detail.Detail = raw
		}
	}
	return detail
}

func (m *Manager) transition(ctx context.Context, op *Operation, to Status, mutate func(*Operation)) error {
	from, fromModified := op.Status, op.Modified

	next := *op
	next.Status = to
	next.Modified = m.clock()
	if mutate != nil {
		mutate(&next)
	}

	ok, err := m.repo.Transition(ctx, &next, from, fromModified)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: operation %d was changed by another worker", ErrInvalidTransition, op.ID)
	}
	*op = next
	m.logger.LogOperationTransition(op.ID, string(op.Kind), string(from), string(to))
	return nil
}

// SetDetail stores v under key in the operation details
func (m *Manager) SetDetail(ctx context.Context, op *Operation, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode detail %s: %w", key, err)
	}
	if op.Details == nil {
		op.Details = make(map[string]json.RawMessage)
	}
	op.Details[key] = raw
	return m.repo.SaveDetails(ctx, op)
}

// Detail decodes the detail stored under key into v, reporting whether it existed
func (m *Manager) Detail(op *Operation, key string, v interface{}) (bool, error) {
	raw, ok := op.Details[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode detail %s: %w", key, err)
	}
	return true, nil
}

// Logger returns a logger whose entries are also appended to the operation log
func (m *Manager) Logger(op *Operation) *logging.Logger {
	child := m.logger.Child()
	child.AddHook(NewLogHook(m.repo, op.ID))
	return child
}
