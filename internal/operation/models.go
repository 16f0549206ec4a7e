// Package operation persists long running jobs and drives their lifecycle.
package operation

import (
	"context"
	"encoding/json"
	"time"
)

// Kind is the type of work an operation performs
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
	KindDryRun  Kind = "dryrun"
	KindCheck   Kind = "check"
)

// IsValid reports whether k is a known kind
func (k Kind) IsValid() bool {
	switch k {
	case KindBackup, KindRestore, KindDryRun, KindCheck:
		return true
	}
	return false
}

// Exclusive kinds never run alongside another exclusive operation
func (k Kind) Exclusive() bool {
	return k == KindBackup || k == KindRestore
}

// Resumable kinds are restarted against the same record when found stuck.
// Restores continue from their checkpoints, backups start over.
func (k Kind) Resumable() bool {
	return k == KindBackup || k == KindRestore
}

// Status is the lifecycle state of an operation
type Status string

const (
	StatusScheduled     Status = "scheduled"
	StatusInProgress    Status = "inprogress"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusFailedToStart Status = "failedtostart"
)

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusFailedToStart
}

// Fingerprint identifies the environment an operation failed in
type Fingerprint struct {
	GoVersion       string `json:"goversion"`
	Platform        string `json:"platform"`
	PlatformRelease string `json:"release"`
	DBFamily        string `json:"dbfamily"`
	DBVersion       string `json:"dbversion"`
}

// ErrorDetail is stored on a failed operation
type ErrorDetail struct {
	Message     string          `json:"message"`
	Type        string          `json:"type,omitempty"`
	Stack       string          `json:"stack,omitempty"`
	Fingerprint Fingerprint     `json:"fingerprint"`
	Detail      json.RawMessage `json:"detail,omitempty"`
}

// Operation is one persisted job
type Operation struct {
	ID        int64                      `json:"id"`
	Kind      Kind                       `json:"type"`
	Status    Status                     `json:"status"`
	Manifest  string                     `json:"manifest,omitempty"`
	AccessKey string                     `json:"-"`
	PID       int                        `json:"pid"`
	Attempts  int                        `json:"attempts"`
	Created   time.Time                  `json:"timecreated"`
	Modified  time.Time                  `json:"timemodified"`
	Details   map[string]json.RawMessage `json:"details,omitempty"`
	Error     *ErrorDetail               `json:"error,omitempty"`
}

// LogEntry is one line of an operation's append-only log
type LogEntry struct {
	OperationID int64     `json:"-"`
	Time        time.Time `json:"time"`
	Level       string    `json:"level"`
	Message     string    `json:"message"`
}

// Repository persists operations and their logs
type Repository interface {
	Create(ctx context.Context, op *Operation) error
	Get(ctx context.Context, id int64) (*Operation, bool, error)
	GetByAccessKey(ctx context.Context, key string) (*Operation, bool, error)
	// Transition updates status, pid, attempts and modified only if the stored
	// record still has the given status and modified time
	Transition(ctx context.Context, op *Operation, fromStatus Status, fromModified time.Time) (bool, error)
	Touch(ctx context.Context, id int64, modified time.Time) error
	SaveDetails(ctx context.Context, op *Operation) error
	SaveError(ctx context.Context, op *Operation) error
	ListActive(ctx context.Context) ([]*Operation, error)
	AppendLog(ctx context.Context, entry LogEntry) error
	Logs(ctx context.Context, id int64) ([]LogEntry, error)
}
