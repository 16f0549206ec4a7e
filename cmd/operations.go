package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"sitevault/internal/application"
	"sitevault/internal/archive"
	"sitevault/internal/confirmation"
	appErrors "sitevault/internal/errors"
	"sitevault/internal/operation"
	"sitevault/internal/restore"

	"github.com/spf13/cobra"
)

var (
	scheduleOnly bool
	autoApprove  bool
	listLimit    int
)

// backupCmd schedules and runs a backup
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the site database and data root",
	Long: `Back up the site database and data root into chunked archive segments.

The structure of every prefixed table, its rows, the content-addressed file
store and the rest of the data root are written as separate streams. Segments
are uploaded to the configured storage as soon as they are complete and a
manifest listing them is uploaded last; its id is what restore expects.

Examples:
  # Back up now and show the result
  sitevault backup

  # Only schedule it for the next 'sitevault cron' or 'sitevault serve' tick
  sitevault backup --schedule-only`,
	Args: cobra.NoArgs,
	RunE: runWithApp(func(ctx context.Context, app *application.Application, args []string) error {
		return enqueueAndRun(ctx, app, operation.KindBackup, "")
	}),
}

// restoreCmd restores a backup over the configured site
var restoreCmd = &cobra.Command{
	Use:   "restore <manifest-id>",
	Short: "Restore a backup into the configured site",
	Long: `Restore a backup into the configured site.

The manifest is downloaded and every segment it lists is recorded before the
operation starts. The restore then runs its precheck, recreates table
structures, imports rows and files and runs the post-restore handlers. Each
completed phase and every consumed segment is checkpointed so an interrupted
restore continues where it stopped.

The backup and the site it replaces are shown and confirmation is asked
unless --yes is given. Declining fails the operation before it starts.

Examples:
  sitevault restore 20240301T100000Z-4f1c/manifest.json
  sitevault restore 20240301T100000Z-4f1c/manifest.json --yes --schedule-only`,
	Args: cobra.ExactArgs(1),
	RunE: runWithApp(func(ctx context.Context, app *application.Application, args []string) error {
		return enqueueAndRun(ctx, app, operation.KindRestore, args[0])
	}),
}

// dryrunCmd runs only the restore precheck
var dryrunCmd = &cobra.Command{
	Use:   "dryrun <manifest-id>",
	Short: "Check a backup can be restored without changing the site",
	Long: `Run the restore precheck for a backup without changing the site.

The precheck compares the database family, the installed components and the
existing tables of the site with what the backup contains.`,
	Args: cobra.ExactArgs(1),
	RunE: runWithApp(func(ctx context.Context, app *application.Application, args []string) error {
		return enqueueAndRun(ctx, app, operation.KindDryRun, args[0])
	}),
}

// checkCmd records a database status check as an operation
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the live database with the schema definitions",
	Long: `Compare the live database with the components' schema definitions and
record the differences on a check operation.

Differences are reported, they do not fail the operation. Use 'sitevault
schema check' for the same comparison without recording an operation.`,
	Args: cobra.NoArgs,
	RunE: runWithApp(func(ctx context.Context, app *application.Application, args []string) error {
		return enqueueAndRun(ctx, app, operation.KindCheck, "")
	}),
}

// cronCmd runs one scheduler pass
var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Run one scheduling pass",
	Long: `Run one scheduling pass: time out or resume stuck operations, run every
queued check, then at most one backup, restore or dry-run.

Meant to be called periodically by the system scheduler when 'sitevault serve'
is not used.`,
	Args: cobra.NoArgs,
	RunE: runWithApp(runCron),
}

// statusCmd shows one operation
var statusCmd = &cobra.Command{
	Use:   "status <access-key>",
	Short: "Show an operation and its log",
	Args:  cobra.ExactArgs(1),
	RunE: runWithApp(func(ctx context.Context, app *application.Application, args []string) error {
		op, logs, err := app.Operation(ctx, args[0])
		if err != nil {
			return err
		}
		app.Display().Operation(op, logs)
		return nil
	}),
}

// listCmd lists recent operations
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operations",
	Args:  cobra.NoArgs,
	RunE:  runWithApp(runList),
}

// serveCmd runs the scheduler loop and the progress endpoint
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the progress endpoint",
	Long: `Run a scheduling pass every operations.interval and serve operation progress
over HTTP until interrupted.

  GET /progress/<access-key>[?since=<unix ms>]   operation state and log
  GET /health                                     liveness`,
	Args: cobra.NoArgs,
	RunE: runWithApp(func(ctx context.Context, app *application.Application, args []string) error {
		return app.Serve(ctx)
	}),
}

func init() {
	for _, c := range []*cobra.Command{backupCmd, restoreCmd, dryrunCmd, checkCmd} {
		c.Flags().BoolVar(&scheduleOnly, "schedule-only", false, "schedule the operation without running it")
	}
	restoreCmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "restore without asking for confirmation")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "number of operations to show")
	serveCmd.Flags().String("listen", "", "progress endpoint address (overrides progress.listen)")
	serveCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if f := cmd.Flags().Lookup("listen"); f.Changed {
			cfg.Progress.Listen = f.Value.String()
		}
		return nil
	}

	rootCmd.AddCommand(backupCmd, restoreCmd, dryrunCmd, checkCmd, cronCmd, statusCmd, listCmd, serveCmd)
}

// enqueueAndRun schedules an operation and, unless --schedule-only is set,
// runs a scheduling pass and shows the outcome
func enqueueAndRun(ctx context.Context, app *application.Application, kind operation.Kind, manifest string) error {
	op, err := app.Enqueue(ctx, kind, manifest)
	if err != nil {
		return err
	}
	d := app.Display()
	d.Info(fmt.Sprintf("Access key: %s", op.AccessKey))

	if kind == operation.KindRestore {
		if err := confirmRestore(ctx, app, op); err != nil {
			return err
		}
	}

	if scheduleOnly {
		d.Success(fmt.Sprintf("Scheduled %s operation %d", kind, op.ID))
		return nil
	}

	if _, err := app.Tick(ctx); err != nil {
		return err
	}
	op, logs, err := app.Operation(ctx, op.AccessKey)
	if err != nil {
		return err
	}
	d.Operation(op, logs)

	switch op.Status {
	case operation.StatusFinished:
		d.Success(fmt.Sprintf("%s operation %d finished", kind, op.ID))
	case operation.StatusFailed, operation.StatusFailedToStart:
		return fmt.Errorf("%s operation %d %s", kind, op.ID, op.Status)
	default:
		d.Warning(fmt.Sprintf("%s operation %d is %s; another operation ran first, it will run on a later tick", kind, op.ID, op.Status))
	}
	return nil
}

// confirmRestore asks before a prepared restore may run. A declined restore
// fails before it starts.
func confirmRestore(ctx context.Context, app *application.Application, op *operation.Operation) error {
	if op.Status != operation.StatusScheduled {
		return nil
	}
	mgr, err := app.Manager()
	if err != nil {
		return err
	}
	var m archive.Manifest
	if _, err := mgr.Detail(op, restore.DetailManifest, &m); err != nil {
		return err
	}

	c := app.Config()
	target := confirmation.Target{
		Family:   string(c.Database.Family),
		Database: c.Database.Database,
		Prefix:   c.Database.Prefix,
		DataRoot: c.Platform.DataRoot,
	}
	if target.Database == "" {
		target.Database = c.Database.Path
	}

	ok, err := confirmation.NewConfirmationService(app.Display(), stdin).ConfirmRestore(&m, target, autoApprove)
	if err == nil && !ok {
		err = appErrors.NewAppError(appErrors.ErrorTypeInterruption, "restore cancelled", nil)
	}
	if err != nil {
		if markErr := mgr.MarkAsFailed(ctx, op, err, nil); markErr != nil {
			app.Logger().WithField("error", markErr.Error()).Warn("Failed to record cancelled restore")
		}
		return err
	}
	return nil
}

func runCron(ctx context.Context, app *application.Application, args []string) error {
	result, err := app.Tick(ctx)
	if err != nil {
		return err
	}
	d := app.Display()
	if d.Structured() {
		d.Value(result)
		return nil
	}

	var rows [][]string
	add := func(outcome string, ids []int64) {
		for _, id := range ids {
			rows = append(rows, []string{strconv.FormatInt(id, 10), outcome})
		}
	}
	add("finished", result.Finished)
	add("failed", result.Failed)
	add("timed out", result.TimedOut)
	add("deferred", result.Deferred)
	if len(rows) == 0 {
		d.Info("Nothing to do")
		return nil
	}
	d.Table([]string{"Operation", "Outcome"}, rows)
	return nil
}

func runList(ctx context.Context, app *application.Application, args []string) error {
	s, err := app.Store()
	if err != nil {
		return err
	}
	ops, err := s.List(ctx, listLimit)
	if err != nil {
		return err
	}
	d := app.Display()
	if d.Structured() {
		d.Value(ops)
		return nil
	}
	if len(ops) == 0 {
		d.Info("No operations recorded")
		return nil
	}
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []string{
			strconv.FormatInt(op.ID, 10),
			string(op.Kind),
			string(op.Status),
			op.Manifest,
			op.Created.Local().Format(time.DateTime),
			op.Modified.Local().Format(time.DateTime),
		})
	}
	d.Table([]string{"ID", "Type", "Status", "Manifest", "Created", "Modified"}, rows)
	return nil
}
