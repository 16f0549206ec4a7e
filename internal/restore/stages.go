package restore

import (
	"context"
	"fmt"

	"sitevault/internal/archive"
	"sitevault/internal/database"
	"sitevault/internal/logging"
	"sitevault/internal/schema"
)

// Stage is a point in the restore where handlers run
type Stage string

const (
	StageBeforeRestore  Stage = "before_restore"
	StageAfterDBRestore Stage = "after_db_restore"
	StageAfterRestore   Stage = "after_restore"
)

// Stages lists every stage in execution order
var Stages = []Stage{StageBeforeRestore, StageAfterDBRestore, StageAfterRestore}

// Env is what a handler may touch
type Env struct {
	DB        database.Executor
	Generator *schema.Generator
	Manifest  *archive.Manifest
	// Tables are the restored tables keyed by name
	Tables   map[string]*schema.Table
	DataRoot string
	Logger   *logging.Logger
}

// Handler is one unit of restore housekeeping
type Handler interface {
	Name() string
	AppliesTo(stage Stage) bool
	Execute(ctx context.Context, env *Env, stage Stage) error
}

// ErrorReporter receives handler failures that did not stop the restore
type ErrorReporter interface {
	Report(ctx context.Context, err error, tags map[string]string)
}

// LogReporter reports to a logger
type LogReporter struct {
	Logger *logging.Logger
}

// Report implements ErrorReporter
func (r LogReporter) Report(ctx context.Context, err error, tags map[string]string) {
	if r.Logger == nil {
		return
	}
	fields := make(map[string]interface{}, len(tags))
	for k, v := range tags {
		fields[k] = v
	}
	r.Logger.WithFields(fields).Errorf("Restore handler error: %v", err)
}

// Registry maps each stage to its handlers in registration order
type Registry struct {
	handlers map[Stage][]Handler
}

// NewRegistry places every handler under the stages it applies to
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[Stage][]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// DefaultRegistry holds the built-in handlers
func DefaultRegistry() *Registry {
	return NewRegistry(
		MaintenanceHandler{},
		SequenceHandler{},
		CachePurgeHandler{},
	)
}

// Register adds h to every stage it applies to
func (r *Registry) Register(h Handler) {
	for _, stage := range Stages {
		if h.AppliesTo(stage) {
			r.handlers[stage] = append(r.handlers[stage], h)
		}
	}
}

// Handlers returns the handlers of stage
func (r *Registry) Handlers(stage Stage) []Handler {
	return r.handlers[stage]
}

// Run executes the handlers of stage. A failing handler is logged as a
// warning and reported; the remaining handlers still run.
func (r *Registry) Run(ctx context.Context, stage Stage, env *Env, reporter ErrorReporter) int {
	failed := 0
	for _, h := range r.handlers[stage] {
		err := r.execute(ctx, h, env, stage)
		if err == nil {
			continue
		}
		failed++
		env.Logger.WithFields(map[string]interface{}{
			"stage":   string(stage),
			"handler": h.Name(),
		}).Warnf("Restore handler failed: %v", err)
		if reporter != nil {
			reporter.Report(ctx, err, map[string]string{"stage": string(stage), "handler": h.Name()})
		}
	}
	return failed
}

func (r *Registry) execute(ctx context.Context, h Handler, env *Env, stage Stage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", h.Name(), p)
		}
	}()
	return h.Execute(ctx, env, stage)
}
