// Package application wires configuration, storage, transport and the
// operation runners together for the command line.
package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"sitevault/internal/backup"
	"sitevault/internal/check"
	"sitevault/internal/config"
	"sitevault/internal/database"
	"sitevault/internal/display"
	appErrors "sitevault/internal/errors"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/progress"
	"sitevault/internal/restore"
	"sitevault/internal/scheduler"
	"sitevault/internal/schema"
	"sitevault/internal/store"
	"sitevault/internal/transport"
)

// Application holds the long-lived services of one sitevault process.
// Database, store and transport are opened on first use so commands that
// only read the operation store never touch the site.
type Application struct {
	cfg       *config.Config
	logger    *logging.Logger
	display   *display.Service
	dbService *database.Service

	db        *sql.DB
	ownsDB    bool
	version   string
	store     *store.Store
	mgr       *operation.Manager
	transport transport.Transport
	restore   *restore.Runner
}

// Option customizes an Application
type Option func(*Application)

// WithLogger replaces the logger built from the logging section
func WithLogger(logger *logging.Logger) Option {
	return func(app *Application) { app.logger = logger }
}

// WithDisplay sets the output service
func WithDisplay(d *display.Service) Option {
	return func(app *Application) { app.display = d }
}

// WithDB uses an already open site database
func WithDB(db *sql.DB) Option {
	return func(app *Application) { app.db = db }
}

// New creates an application for cfg
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	app := &Application{cfg: cfg}
	for _, opt := range opts {
		opt(app)
	}

	if app.logger == nil {
		logCfg := cfg.LoggerConfig()
		logCfg.Output = os.Stderr
		logger, err := logging.NewLogger(logCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		app.logger = logger
	}
	if app.display == nil {
		app.display = display.New(display.DefaultConfig())
	}
	timeout := cfg.Database.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	app.dbService = database.NewServiceWithOptions(app.logger, timeout, appErrors.DefaultRetryConfig())
	return app, nil
}

// Config returns the loaded configuration
func (app *Application) Config() *config.Config {
	return app.cfg
}

// Logger returns the application logger
func (app *Application) Logger() *logging.Logger {
	return app.logger
}

// Display returns the output service
func (app *Application) Display() *display.Service {
	return app.display
}

// Store opens the operation store
func (app *Application) Store() (*store.Store, error) {
	if app.store != nil {
		return app.store, nil
	}
	path := app.cfg.Operations.StorePath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, appErrors.NewAppError(appErrors.ErrorTypePermission, "failed to create store directory", err)
	}
	s, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	app.store = s
	return s, nil
}

// Manager returns the operation manager backed by the store
func (app *Application) Manager() (*operation.Manager, error) {
	if app.mgr != nil {
		return app.mgr, nil
	}
	s, err := app.Store()
	if err != nil {
		return nil, err
	}
	app.mgr = operation.NewManager(s, app.logger, operation.WithStuckTimeout(app.cfg.Operations.StuckTimeout))
	app.mgr.SetPlatformRelease(app.cfg.Platform.Release)
	return app.mgr, nil
}

// DB connects to the site database
func (app *Application) DB(ctx context.Context) (*sql.DB, error) {
	if app.db != nil && app.version != "" {
		return app.db, nil
	}
	if app.db == nil {
		db, err := app.dbService.Connect(ctx, app.cfg.Database)
		if err != nil {
			return nil, err
		}
		app.db = db
		app.ownsDB = true
	}

	version, err := app.dbService.GetVersion(ctx, app.cfg.Database.Family, app.db)
	if err != nil {
		app.logger.WithField("error", err.Error()).Warn("Could not determine database version")
		version = "unknown"
	}
	app.version = version

	mgr, err := app.Manager()
	if err != nil {
		return nil, err
	}
	mgr.SetFingerprintDB(string(app.cfg.Database.Family), version)
	return app.db, nil
}

// Transport connects to the configured backup storage
func (app *Application) Transport(ctx context.Context) (transport.Transport, error) {
	if app.transport != nil {
		return app.transport, nil
	}
	t, err := transport.New(ctx, app.cfg.Storage, app.logger)
	if err != nil {
		return nil, err
	}
	app.transport = t
	return t, nil
}

// Definitions returns the schema definition tree, nil when none is configured
func (app *Application) Definitions() fs.FS {
	if app.cfg.Platform.SchemaDir == "" {
		return nil
	}
	return os.DirFS(app.cfg.Platform.SchemaDir)
}

// Structure builds a schema structure over the live site database
func (app *Application) Structure(ctx context.Context) (*schema.Structure, check.Source, error) {
	db, err := app.DB(ctx)
	if err != nil {
		return nil, check.Source{}, err
	}
	src := check.Source{
		DB:          db,
		Family:      app.cfg.Database.Family,
		Prefix:      app.cfg.Database.Prefix,
		Definitions: app.Definitions(),
	}
	ext, err := schema.NewExtractor(src.Family, db, src.Prefix)
	if err != nil {
		return nil, src, err
	}
	return schema.NewStructure(ext, schema.NewGenerator(src.Family, src.Prefix), app.logger), src, nil
}

func (app *Application) restoreRunner(ctx context.Context) (*restore.Runner, error) {
	if app.restore != nil {
		return app.restore, nil
	}
	db, err := app.DB(ctx)
	if err != nil {
		return nil, err
	}
	t, err := app.Transport(ctx)
	if err != nil {
		return nil, err
	}
	s, err := app.Store()
	if err != nil {
		return nil, err
	}
	app.restore = restore.NewRunner(restore.Target{
		DB:          db,
		Family:      app.cfg.Database.Family,
		Definitions: app.Definitions(),
	}, t, s, app.cfg.RestoreConfig(), restore.WithReporter(restore.LogReporter{Logger: app.logger}))
	return app.restore, nil
}

// Scheduler builds a scheduler with a runner for every operation kind
func (app *Application) Scheduler(ctx context.Context) (*scheduler.Scheduler, error) {
	mgr, err := app.Manager()
	if err != nil {
		return nil, err
	}
	db, err := app.DB(ctx)
	if err != nil {
		return nil, err
	}
	t, err := app.Transport(ctx)
	if err != nil {
		return nil, err
	}
	s, err := app.Store()
	if err != nil {
		return nil, err
	}
	restorer, err := app.restoreRunner(ctx)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(mgr, app.cfg.SchedulerConfig(), app.logger)
	sched.Register(operation.KindBackup, backup.NewRunner(backup.Source{
		DB:          db,
		Family:      app.cfg.Database.Family,
		Version:     app.version,
		Definitions: app.Definitions(),
	}, t, s, app.cfg.BackupConfig()))
	sched.Register(operation.KindRestore, restorer)
	sched.Register(operation.KindDryRun, restorer)
	sched.Register(operation.KindCheck, check.NewRunner(check.Source{
		DB:          db,
		Family:      app.cfg.Database.Family,
		Prefix:      app.cfg.Database.Prefix,
		Definitions: app.Definitions(),
	}))
	return sched, nil
}

// Enqueue schedules an operation. Restores and dry-runs fetch their manifest
// up front; a manifest that cannot be read fails the operation before it
// starts.
func (app *Application) Enqueue(ctx context.Context, kind operation.Kind, manifest string) (*operation.Operation, error) {
	if (kind == operation.KindRestore || kind == operation.KindDryRun) && manifest == "" {
		return nil, appErrors.NewAppError(appErrors.ErrorTypeValidation, fmt.Sprintf("%s needs a manifest id", kind), nil)
	}
	sched, err := app.Scheduler(ctx)
	if err != nil {
		return nil, err
	}
	op, created, err := sched.Enqueue(ctx, kind, manifest)
	if err != nil {
		return nil, err
	}
	if !created {
		app.logger.WithField("operation", op.ID).Info("Operation already scheduled")
		return op, nil
	}
	app.logger.WithField("operation", op.ID).Infof("Scheduled %s", kind)

	if kind != operation.KindRestore && kind != operation.KindDryRun {
		return op, nil
	}
	restorer, err := app.restoreRunner(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := restorer.Prepare(ctx, app.mgr, op); err != nil {
		if markErr := app.mgr.MarkAsFailed(ctx, op, err, nil); markErr != nil {
			app.logger.WithField("error", markErr.Error()).Warn("Failed to record preparation failure")
		}
		return op, err
	}
	return op, nil
}

// Tick runs one scheduling pass
func (app *Application) Tick(ctx context.Context) (*scheduler.TickResult, error) {
	sched, err := app.Scheduler(ctx)
	if err != nil {
		return nil, err
	}
	return sched.Tick(ctx)
}

// Operation reloads op with its log
func (app *Application) Operation(ctx context.Context, accessKey string) (*operation.Operation, []operation.LogEntry, error) {
	s, err := app.Store()
	if err != nil {
		return nil, nil, err
	}
	op, ok, err := s.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, appErrors.NewAppError(appErrors.ErrorTypeValidation, "unknown access key", nil)
	}
	logs, err := s.Logs(ctx, op.ID)
	if err != nil {
		return nil, nil, err
	}
	return op, logs, nil
}

// Serve runs the progress server and ticks the scheduler every interval until
// ctx is cancelled or the process receives SIGINT or SIGTERM
func (app *Application) Serve(ctx context.Context) error {
	s, err := app.Store()
	if err != nil {
		return err
	}
	sched, err := app.Scheduler(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := appErrors.NewGracefulShutdownHandler()
	shutdown.RegisterShutdownFunc(func() error {
		app.logger.Info("Received shutdown signal")
		cancel()
		return nil
	})
	shutdown.Start()
	defer shutdown.Stop()

	server := progress.NewServer(s, app.logger)
	if app.cfg.Progress.Listen != "" {
		server.Start(app.cfg.Progress.Listen)
	}

	interval := app.cfg.Operations.Interval
	app.logger.WithField("interval", interval.String()).Info("Scheduler started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		app.tick(ctx, sched)
		select {
		case <-ctx.Done():
			shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if app.cfg.Progress.Listen != "" {
				if err := server.Shutdown(shutdownCtx); err != nil {
					app.logger.WithField("error", err.Error()).Warn("Progress server shutdown failed")
				}
			}
			app.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (app *Application) tick(ctx context.Context, sched *scheduler.Scheduler) {
	if ctx.Err() != nil {
		return
	}
	result, err := sched.Tick(ctx)
	if err != nil {
		app.logger.WithField("error", err.Error()).Error("Scheduler tick failed")
		return
	}
	if n := len(result.Finished) + len(result.Failed) + len(result.TimedOut); n > 0 {
		app.logger.WithFields(map[string]interface{}{
			"finished":  len(result.Finished),
			"failed":    len(result.Failed),
			"timed_out": len(result.TimedOut),
			"deferred":  len(result.Deferred),
		}).Info("Scheduler tick complete")
	}
}

// HandleError prints err with troubleshooting hints for its type
func (app *Application) HandleError(err error) {
	if err == nil {
		return
	}
	app.display.Error(err.Error())

	var appErr *appErrors.AppError
	if !errors.As(err, &appErr) {
		return
	}
	app.logger.WithFields(map[string]interface{}{
		"error_type":  string(appErr.Type),
		"recoverable": appErr.IsRecoverable(),
	}).Debug("Command failed")

	if hints := Hints(appErr.Type); len(hints) > 0 {
		app.display.Section("Troubleshooting hints")
		for _, h := range hints {
			app.display.Info(h)
		}
	}
}

// Hints returns troubleshooting suggestions for an error type
func Hints(t appErrors.ErrorType) []string {
	switch t {
	case appErrors.ErrorTypeConnection:
		return []string{
			"Check that the database server is running",
			"Verify the host and port are correct",
			"Check firewall settings",
		}
	case appErrors.ErrorTypePermission:
		return []string{
			"Verify the database username and password",
			"Check that the data root and work directory are writable",
		}
	case appErrors.ErrorTypeValidation:
		return []string{
			"Review the configuration with 'sitevault config show'",
			"Check the manifest id and command arguments",
		}
	case appErrors.ErrorTypeTimeout:
		return []string{
			"The operation may be taking longer than expected",
			"Try increasing database.timeout",
		}
	case appErrors.ErrorTypeTransport:
		return []string{
			"Check the storage provider credentials",
			"Verify the bucket or container exists",
		}
	case appErrors.ErrorTypeSQL:
		return []string{
			"Review the SQL statements being executed",
			"Verify database permissions for schema modifications",
		}
	}
	return nil
}

// Close releases the store and any database connection opened by New
func (app *Application) Close() error {
	var errs []error
	if app.store != nil {
		errs = append(errs, app.store.Close())
	}
	if app.db != nil && app.ownsDB {
		errs = append(errs, app.dbService.Close(app.db))
	}
	return errors.Join(errs...)
}
