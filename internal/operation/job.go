package operation

import (
	"context"
	"sync"
	"time"

	"sitevault/internal/logging"
)

// Job is the handle a runner gets for the operation it executes
type Job struct {
	Op     *Operation
	Logger *logging.Logger

	mgr           *Manager
	mu            sync.Mutex
	lastHeartbeat time.Time
}

// NewJob wraps op for execution
func NewJob(mgr *Manager, op *Operation) *Job {
	return &Job{
		Op:     op,
		Logger: mgr.Logger(op),
		mgr:    mgr,
	}
}

// Manager returns the manager the job belongs to
func (j *Job) Manager() *Manager {
	return j.mgr
}

// Resumed reports whether an earlier attempt already ran this operation
func (j *Job) Resumed() bool {
	return j.Op.Attempts > 1
}

// Heartbeat refreshes the operation's modified time. Calls more frequent than
// once a second are coalesced.
func (j *Job) Heartbeat(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.mgr.clock()
	if !j.lastHeartbeat.IsZero() && now.Sub(j.lastHeartbeat) < time.Second {
		return nil
	}
	if err := j.mgr.Heartbeat(ctx, j.Op); err != nil {
		return err
	}
	j.lastHeartbeat = now
	return nil
}

// SetDetail stores v under key on the operation
func (j *Job) SetDetail(ctx context.Context, key string, v interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mgr.SetDetail(ctx, j.Op, key, v)
}

// Detail decodes the detail stored under key
func (j *Job) Detail(key string, v interface{}) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.mgr.Detail(j.Op, key, v)
}
