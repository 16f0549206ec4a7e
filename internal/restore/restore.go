// Package restore applies a backup to a site: it prechecks the target
// structure, reconciles it, re-imports every table and puts the content store
// and data tree back in place. Completed phases are checkpointed on the
// operation so an interrupted restore continues where it stopped.
package restore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/backup"
	"sitevault/internal/database"
	"sitevault/internal/errors"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/rowcodec"
	"sitevault/internal/rowwriter"
	"sitevault/internal/schema"
	"sitevault/internal/store"
	"sitevault/internal/transport"
)

// Detail keys stored on restore and dry-run operations
const (
	DetailManifest = "manifest"
	DetailPhases   = "phases"
	DetailPrecheck = "precheck"
)

// Phase is a checkpointed step of a restore
type Phase string

const (
	PhaseBeforeRestore  Phase = "before_restore"
	PhaseStructure      Phase = "structure"
	PhaseDatabase       Phase = "database"
	PhaseAfterDBRestore Phase = "after_db_restore"
	PhaseContentStore   Phase = "filedir"
	PhaseDataTree       Phase = "dataroot"
	PhaseAfterRestore   Phase = "after_restore"
)

// CheckpointStore persists the segment list and stream cursors of an operation
type CheckpointStore interface {
	SaveBackupFiles(ctx context.Context, opID int64, files []store.BackupFile) error
	BackupFiles(ctx context.Context, opID int64) ([]store.BackupFile, error)
	LoadCursors(ctx context.Context, opID int64) (map[string]archive.Cursor, error)
	Checkpoints(opID int64) archive.Checkpointer
}

// Target is the site being restored into
type Target struct {
	DB     database.Executor
	Family database.Family
	// Definitions holds the components' declarative schema files shipped by
	// the target; nil skips the component check
	Definitions fs.FS
}

// Config holds restore settings
type Config struct {
	WorkDir  string
	DataRoot string
	Prefix   string
}

// Runner executes restore and dry-run operations
type Runner struct {
	target      Target
	transport   transport.Transport
	checkpoints CheckpointStore
	registry    *Registry
	reporter    ErrorReporter
	limit       *rowwriter.PacketLimit
	cfg         Config
}

// Option configures a Runner
type Option func(*Runner)

// WithReporter sets where handler failures are reported
func WithReporter(rep ErrorReporter) Option {
	return func(r *Runner) { r.reporter = rep }
}

// NewRunner creates a restore runner
func NewRunner(target Target, t transport.Transport, checkpoints CheckpointStore, cfg Config, opts ...Option) *Runner {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	r := &Runner{
		target:      target,
		transport:   t,
		checkpoints: checkpoints,
		registry:    DefaultRegistry(),
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.limit == nil {
		r.limit = rowwriter.NewPacketLimit(target.DB, target.Family)
	}
	return r
}

// Prepare downloads the manifest of op and records every segment it lists
// as a scheduled backup file. Calling it again returns the stored manifest.
func (r *Runner) Prepare(ctx context.Context, mgr *operation.Manager, op *operation.Operation) (*archive.Manifest, error) {
	var m archive.Manifest
	ok, err := mgr.Detail(op, DetailManifest, &m)
	if err != nil {
		return nil, err
	}
	if ok {
		return &m, nil
	}

	workDir := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("op%d", op.ID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}
	local := filepath.Join(workDir, archive.ManifestName)
	defer os.Remove(local)

	if err := r.transport.Download(ctx, op.Manifest, local); err != nil {
		return nil, fmt.Errorf("failed to download manifest %s: %w", op.Manifest, err)
	}
	f, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	manifest, err := archive.ReadManifest(f)
	f.Close()
	if err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid backup manifest", err)
	}

	var files []store.BackupFile
	for _, s := range manifest.Streams {
		for _, seg := range s.Segments {
			files = append(files, store.BackupFile{
				Stream:    s.Name,
				Seq:       seg.Seq,
				SegmentID: seg.ID,
				Size:      seg.Size,
				Status:    store.BackupFileScheduled,
			})
		}
	}
	if err := r.checkpoints.SaveBackupFiles(ctx, op.ID, files); err != nil {
		return nil, err
	}
	if err := mgr.SetDetail(ctx, op, DetailManifest, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Run performs a restore, or only its precheck for dry-runs
func (r *Runner) Run(ctx context.Context, job *operation.Job) error {
	manifest, err := r.Prepare(ctx, job.Manager(), job.Op)
	if err != nil {
		return err
	}

	workDir := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("op%d", job.Op.ID))
	defer os.RemoveAll(workDir)

	gen := schema.NewGenerator(r.target.Family, r.cfg.Prefix)
	x := &run{
		Runner:   r,
		job:      job,
		log:      job.Logger,
		workDir:  workDir,
		manifest: manifest,
		gen:      gen,
		done:     make(map[Phase]bool),
	}
	var phases []Phase
	if _, err := job.Detail(DetailPhases, &phases); err != nil {
		return err
	}
	for _, p := range phases {
		x.done[p] = true
	}
	x.phases = phases
	if job.Resumed() && len(phases) > 0 {
		x.log.Warnf("Resuming restore of %s after %s", manifest.ID, phases[len(phases)-1])
	}

	if err := x.loadCursors(ctx); err != nil {
		return err
	}
	if err := x.loadBackupStructure(ctx); err != nil {
		return err
	}
	x.env = &Env{
		DB:        r.target.DB,
		Generator: gen,
		Manifest:  manifest,
		Tables:    x.tables,
		DataRoot:  r.cfg.DataRoot,
		Logger:    x.log,
	}

	if !x.done[PhaseStructure] {
		if err := x.precheck(ctx); err != nil {
			return err
		}
	}
	if job.Op.Kind == operation.KindDryRun {
		x.log.Infof("Dry run of %s finished", manifest.ID)
		return nil
	}

	steps := []struct {
		phase Phase
		fn    func(context.Context) error
	}{
		{PhaseBeforeRestore, x.stage(StageBeforeRestore)},
		{PhaseStructure, x.applyStructure},
		{PhaseDatabase, x.restoreTables},
		{PhaseAfterDBRestore, x.stage(StageAfterDBRestore)},
		{PhaseContentStore, x.restoreContentStore},
		{PhaseDataTree, x.restoreTree},
		{PhaseAfterRestore, x.stage(StageAfterRestore)},
	}
	for _, step := range steps {
		if x.done[step.phase] {
			x.log.Debugf("Phase %s already completed", step.phase)
			continue
		}
		done := x.log.LogOperationStart("restore_"+string(step.phase), map[string]interface{}{"backup_id": manifest.ID})
		err := step.fn(ctx)
		done(err)
		if err != nil {
			return fmt.Errorf("restore phase %s failed: %w", step.phase, err)
		}
		if err := x.complete(ctx, step.phase); err != nil {
			return err
		}
	}
	x.log.Infof("Restore of %s finished", manifest.ID)
	return nil
}

type run struct {
	*Runner
	job      *operation.Job
	log      *logging.Logger
	workDir  string
	manifest *archive.Manifest
	gen      *schema.Generator
	env      *Env
	tables   map[string]*schema.Table
	plans    []*schema.AlterPlan
	cursors  map[string]archive.Cursor
	phases   []Phase
	done     map[Phase]bool
}

func (x *run) complete(ctx context.Context, p Phase) error {
	x.phases = append(x.phases, p)
	x.done[p] = true
	if err := x.job.SetDetail(ctx, DetailPhases, x.phases); err != nil {
		return err
	}
	return x.job.Heartbeat(ctx)
}

func (x *run) stage(s Stage) func(context.Context) error {
	return func(ctx context.Context) error {
		if failed := x.registry.Run(ctx, s, x.env, x.reporter); failed > 0 {
			x.log.Warnf("%d handlers failed in stage %s", failed, s)
		}
		return nil
	}
}

func (x *run) loadCursors(ctx context.Context) error {
	cursors, err := x.checkpoints.LoadCursors(ctx, x.job.Op.ID)
	if err != nil {
		return err
	}
	if cursors == nil {
		cursors = make(map[string]archive.Cursor)
	}
	x.cursors = cursors
	return nil
}

// segmentIDs returns the remote ids of stream in sequence order as recorded
// when the operation was prepared
func (x *run) segmentIDs(ctx context.Context, stream string) ([]string, error) {
	files, err := x.checkpoints.BackupFiles(ctx, x.job.Op.ID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range files {
		if f.Stream != stream {
			continue
		}
		if f.Seq != len(ids) {
			return nil, fmt.Errorf("segment %d of stream %s is not recorded", len(ids), stream)
		}
		ids = append(ids, f.SegmentID)
	}
	return ids, nil
}

func (x *run) sequencer(ctx context.Context, stream string, checkpointed bool) (*archive.Sequencer, error) {
	ids, err := x.segmentIDs(ctx, stream)
	if err != nil {
		return nil, err
	}
	opts := archive.SequencerOptions{WorkDir: x.workDir, Logger: x.log}
	cursor := archive.Cursor{}
	if checkpointed {
		opts.Checkpointer = x.checkpoints.Checkpoints(x.job.Op.ID)
		cursor = x.cursors[stream]
	}
	return archive.NewSequencer(stream, ids, cursor, x.transport, opts), nil
}

// loadBackupStructure reads the table definitions captured by the backup
func (x *run) loadBackupStructure(ctx context.Context) error {
	seq, err := x.sequencer(ctx, archive.StreamStructure, false)
	if err != nil {
		return err
	}
	defer seq.Close()

	for {
		e, ok, err := seq.NextFile(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewAppError(errors.ErrorTypeStructure,
				fmt.Sprintf("backup %s has no %s", x.manifest.ID, archive.StructureEntry), nil)
		}
		if e.Name != archive.StructureEntry {
			continue
		}
		data, err := e.ReadAll()
		if err != nil {
			return err
		}
		tables, err := schema.ParseDocument(bytes.NewReader(data), "")
		if err != nil {
			return errors.NewAppError(errors.ErrorTypeStructure, "failed to parse backup structure", err)
		}
		x.tables = make(map[string]*schema.Table, len(tables))
		for _, t := range tables {
			x.tables[strings.ToLower(t.Name)] = t
		}
		return nil
	}
}

func (x *run) targetStructure(ctx context.Context) (*schema.Structure, error) {
	ext, err := schema.NewExtractor(x.target.Family, x.target.DB, x.cfg.Prefix)
	if err != nil {
		return nil, err
	}
	s := schema.NewStructure(ext, x.gen, x.log)
	if x.target.Definitions != nil {
		err = s.Load(ctx, x.target.Definitions)
	} else {
		err = s.LoadActual(ctx)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (x *run) precheck(ctx context.Context) error {
	target, err := x.targetStructure(ctx)
	if err != nil {
		return err
	}
	p := RunPrecheck(x.manifest, x.tables, target)
	if err := x.job.SetDetail(ctx, DetailPrecheck, p); err != nil {
		return err
	}
	for _, w := range p.Warnings {
		x.log.Warn(w)
	}

	formatter := schema.NewDisplayFormatter(x.job.Op.Kind == operation.KindDryRun, false)
	for _, plan := range p.Plans {
		x.log.Info(strings.TrimSpace(formatter.FormatAlterPlan(plan)))
	}
	if len(p.ExtraTables) > 0 {
		x.log.Infof("Tables not in the backup are kept: %s", strings.Join(p.ExtraTables, ", "))
	}
	x.log.Infof("Precheck: %s", p.Summary())

	if !p.Passed() {
		return &operation.DiagnosticError{Message: p.Error(), Detail: p}
	}
	x.plans = p.Plans
	return nil
}

func (x *run) applyStructure(ctx context.Context) error {
	for _, plan := range x.plans {
		x.log.Infof("Applying %s plan to %s", plan.Kind, plan.Table)
		for _, stmt := range plan.Statements {
			start := time.Now()
			res, err := x.target.DB.ExecContext(ctx, stmt)
			var affected int64
			if err == nil {
				affected, _ = res.RowsAffected()
			}
			x.log.LogSQLExecution(stmt, time.Since(start), affected, err)
			if err != nil {
				return errors.WrapError(err, fmt.Sprintf("failed to alter %s", plan.Table))
			}
		}
		if err := x.job.Heartbeat(ctx); err != nil {
			return err
		}
	}
	return nil
}

// restoreTables re-imports every table stream. A table is emptied before its
// rows are inserted, so one left half imported by an earlier attempt is
// imported again from scratch.
func (x *run) restoreTables(ctx context.Context) error {
	writer := rowwriter.NewWriter(x.target.DB, x.gen, x.limit, x.log)
	for _, stream := range x.manifest.StreamsOfKind(archive.KindTables) {
		if err := x.restoreTableStream(ctx, writer, stream.Name); err != nil {
			return fmt.Errorf("stream %s: %w", stream.Name, err)
		}
	}
	return nil
}

func (x *run) restoreTableStream(ctx context.Context, writer *rowwriter.Writer, stream string) error {
	seq, err := x.sequencer(ctx, stream, true)
	if err != nil {
		return err
	}
	defer seq.Close()

	for {
		name, chunks, ok, err := seq.NextTable(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return seq.Commit(ctx)
		}
		t, ok := x.tables[strings.ToLower(name)]
		if !ok {
			return errors.NewAppError(errors.ErrorTypeStructure, fmt.Sprintf("table %s is not part of the backup structure", name), nil)
		}
		if _, err := x.target.DB.ExecContext(ctx, x.gen.TruncateSQL(t)); err != nil {
			return errors.WrapError(err, fmt.Sprintf("failed to empty %s", name))
		}

		var inserted int
		for _, c := range chunks {
			fields, rows, err := rowcodec.Decode(t, c.Data)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			n, err := writer.Insert(ctx, t.Name, fields, rows)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			inserted += n
			if err := x.job.Heartbeat(ctx); err != nil {
				return err
			}
		}
		if err := seq.Commit(ctx); err != nil {
			return err
		}
		x.log.WithFields(map[string]interface{}{
			"table":  name,
			"rows":   inserted,
			"stream": stream,
		}).Debug("Table restored")
	}
}

// restoreContentStore puts every blob back under its hash path. A blob whose
// content does not match its name is reported and skipped.
func (x *run) restoreContentStore(ctx context.Context) error {
	if x.cfg.DataRoot == "" {
		x.log.Warn("No data root configured, skipping content store")
		return nil
	}
	if _, ok := x.manifest.Stream(archive.StreamBlobs); !ok {
		return nil
	}
	seq, err := x.sequencer(ctx, archive.StreamBlobs, true)
	if err != nil {
		return err
	}
	defer seq.Close()

	root := filepath.Join(x.cfg.DataRoot, backup.ContentStoreDir)
	var restored, skipped int
	for {
		e, ok, err := seq.NextFile(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if e.Dir {
			if err := seq.Commit(ctx); err != nil {
				return err
			}
			continue
		}
		if err := x.restoreBlob(root, e); err != nil {
			if errors.GetErrorType(err) != errors.ErrorTypeValidation {
				return err
			}
			skipped++
			x.log.Warnf("Skipping content file %s: %v", e.Name, err)
			if x.reporter != nil {
				x.reporter.Report(ctx, err, map[string]string{"phase": string(PhaseContentStore), "file": e.Name})
			}
		} else {
			restored++
		}
		if err := seq.Commit(ctx); err != nil {
			return err
		}
		if err := x.job.Heartbeat(ctx); err != nil {
			return err
		}
	}
	if err := seq.Commit(ctx); err != nil {
		return err
	}
	x.log.Infof("Content store restored: %d files, %d skipped", restored, skipped)
	return nil
}

func (x *run) restoreBlob(root string, e *archive.Entry) error {
	hash := path.Base(e.Name)
	dst := filepath.Join(root, filepath.FromSlash(e.Name))
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	rc, err := e.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return err
	}
	h := sha1.New()
	_, err = io.Copy(io.MultiWriter(tmp, h), rc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != hash {
		os.Remove(tmp.Name())
		return errors.NewAppError(errors.ErrorTypeValidation,
			fmt.Sprintf("content hash mismatch: expected %s, got %s", hash, sum), nil)
	}
	return os.Rename(tmp.Name(), dst)
}

// restoreTree recreates the data tree outside the content store
func (x *run) restoreTree(ctx context.Context) error {
	if x.cfg.DataRoot == "" {
		x.log.Warn("No data root configured, skipping data tree")
		return nil
	}
	if _, ok := x.manifest.Stream(archive.StreamTree); !ok {
		return nil
	}
	seq, err := x.sequencer(ctx, archive.StreamTree, true)
	if err != nil {
		return err
	}
	defer seq.Close()

	var files int
	for {
		e, ok, err := seq.NextTreeEntry(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		dst := filepath.Join(x.cfg.DataRoot, filepath.FromSlash(e.Name))
		if !strings.HasPrefix(dst, filepath.Clean(x.cfg.DataRoot)+string(filepath.Separator)) {
			return errors.NewAppError(errors.ErrorTypeValidation, fmt.Sprintf("path %s escapes the data root", e.Name), nil)
		}
		if e.Dir {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			if err := seq.Commit(ctx); err != nil {
				return err
			}
			continue
		}
		if err := writeEntry(e, dst); err != nil {
			return err
		}
		if err := seq.Commit(ctx); err != nil {
			return err
		}
		files++
		if err := x.job.Heartbeat(ctx); err != nil {
			return err
		}
	}
	if err := seq.Commit(ctx); err != nil {
		return err
	}
	x.log.Infof("Data tree restored: %d files", files)
	return nil
}

func writeEntry(e *archive.Entry, dst string) error {
	rc, err := e.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
