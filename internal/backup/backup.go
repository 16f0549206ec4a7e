// Package backup exports a running site into archive streams: the schema
// structure, the table rows, the content store and the data tree.
package backup

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"sitevault/internal/archive"
	"sitevault/internal/database"
	"sitevault/internal/logging"
	"sitevault/internal/operation"
	"sitevault/internal/rowcodec"
	"sitevault/internal/schema"
	"sitevault/internal/transport"
)

// Detail keys stored on backup operations
const (
	DetailBackupID = "backupid"
	DetailManifest = "manifest"
	DetailTables   = "tables"
)

// ContentStoreDir is the data tree directory holding the content store
const ContentStoreDir = "filedir"

// DefaultExcluded are data tree paths that are never archived
var DefaultExcluded = []string{"cache", "localcache", "temp", "sessions", "trashdir", "lock"}

var contentHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Config holds backup settings
type Config struct {
	WorkDir        string
	Threshold      int64
	RowsPerFile    int
	LargeTableRows int64
	Compression    archive.Compression
	DataRoot       string
	Excluded       []string
	Release        string
	Prefix         string
}

// SetDefaults fills unset values
func (c *Config) SetDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.Threshold <= 0 {
		c.Threshold = 512 * 1024 * 1024
	}
	if c.RowsPerFile <= 0 {
		c.RowsPerFile = 5000
	}
	if c.Compression == "" {
		c.Compression = archive.CompressionDeflate
	}
	if c.Excluded == nil {
		c.Excluded = DefaultExcluded
	}
}

// Source is the live site being backed up
type Source struct {
	DB      database.Executor
	Family  database.Family
	Version string
	// Definitions holds the components' declarative schema files; nil skips
	// reconciliation against definitions
	Definitions fs.FS
}

// SegmentRecorders hands out a segment recorder per operation
type SegmentRecorders interface {
	Segments(opID int64) archive.SegmentRecorder
}

// Runner executes backup operations
type Runner struct {
	src       Source
	transport transport.Transport
	recorders SegmentRecorders
	cfg       Config
}

// NewRunner creates a backup runner
func NewRunner(src Source, t transport.Transport, recorders SegmentRecorders, cfg Config) *Runner {
	cfg.SetDefaults()
	return &Runner{src: src, transport: t, recorders: recorders, cfg: cfg}
}

// Run performs one backup. A resumed backup starts over under a new id.
func (r *Runner) Run(ctx context.Context, job *operation.Job) error {
	backupID := transport.NewBackupID()
	if err := job.SetDetail(ctx, DetailBackupID, backupID); err != nil {
		return err
	}
	if job.Resumed() {
		job.Logger.Warnf("Previous attempt did not complete, starting backup %s from scratch", backupID)
	}

	workDir := filepath.Join(r.cfg.WorkDir, backupID)
	defer os.RemoveAll(workDir)

	b := &run{
		Runner:   r,
		job:      job,
		log:      job.Logger,
		workDir:  workDir,
		uploader: &remote{transport: r.transport, backupID: backupID},
		manifest: &archive.Manifest{
			ID:      backupID,
			Created: time.Now().UTC(),
			Release: r.cfg.Release,
			Family:  string(r.src.Family),
			Version: r.src.Version,
			Prefix:  r.cfg.Prefix,
		},
	}
	if r.recorders != nil {
		b.recorder = r.recorders.Segments(job.Op.ID)
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"structure", b.exportStructure},
		{"tables", b.exportTables},
		{"content store", b.exportContentStore},
		{"data tree", b.exportTree},
		{"manifest", b.uploadManifest},
	}
	for _, step := range steps {
		done := b.log.LogOperationStart("backup_"+strings.ReplaceAll(step.name, " ", "_"), map[string]interface{}{"backup_id": backupID})
		b.log.Infof("Exporting %s", step.name)
		err := step.fn(ctx)
		done(err)
		if err != nil {
			return fmt.Errorf("failed to export %s: %w", step.name, err)
		}
		if err := job.Heartbeat(ctx); err != nil {
			return err
		}
	}
	b.log.Infof("Backup %s finished with %d tables in %d streams", backupID, len(b.manifest.Tables), len(b.manifest.Streams))
	return nil
}

// remote namespaces segment names under one backup id
type remote struct {
	transport transport.Transport
	backupID  string
}

func (u *remote) Upload(ctx context.Context, localPath, name string) (string, error) {
	return u.transport.Upload(ctx, localPath, transport.ObjectKey(u.backupID, name))
}

type run struct {
	*Runner
	job       *operation.Job
	log       *logging.Logger
	workDir   string
	uploader  archive.Uploader
	recorder  archive.SegmentRecorder
	manifest  *archive.Manifest
	structure *schema.Structure
	extractor schema.Extractor
}

func (b *run) writer(stream string) (*archive.Writer, error) {
	return archive.NewWriter(stream, b.uploader, archive.WriterOptions{
		WorkDir:     b.workDir,
		Threshold:   b.cfg.Threshold,
		Compression: b.cfg.Compression,
		Recorder:    b.recorder,
		Logger:      b.log,
	})
}

func (b *run) finish(ctx context.Context, w *archive.Writer, kind archive.StreamKind) error {
	segments, err := w.Finish(ctx)
	if err != nil {
		return err
	}
	b.manifest.Streams = append(b.manifest.Streams, archive.StreamInfo{Name: w.Stream(), Kind: kind, Segments: segments})
	return nil
}

func (b *run) exportStructure(ctx context.Context) error {
	gen := schema.NewGenerator(b.src.Family, b.cfg.Prefix)
	ext, err := schema.NewExtractor(b.src.Family, b.src.DB, b.cfg.Prefix)
	if err != nil {
		return err
	}
	b.extractor = ext
	b.structure = schema.NewStructure(ext, gen, b.log)

	if b.src.Definitions != nil {
		if err := b.structure.Load(ctx, b.src.Definitions); err != nil {
			return err
		}
		if rec := b.structure.Reconcile(); rec.HasChanges() {
			b.log.Warnf("Live schema differs from definitions in %d tables, %d tables missing",
				len(rec.Diffs), len(rec.MissingTables))
		}
	} else if err := b.structure.LoadActual(ctx); err != nil {
		return err
	}

	components := make(map[string]bool)
	for _, t := range b.structure.Tables(schema.UniverseDefinition) {
		if t.Component != "" {
			components[t.Component] = true
		}
	}
	for c := range components {
		b.manifest.Components = append(b.manifest.Components, c)
	}
	sort.Strings(b.manifest.Components)

	var buf bytes.Buffer
	if err := b.structure.Render(&buf, schema.UniverseActual); err != nil {
		return err
	}
	w, err := b.writer(archive.StreamStructure)
	if err != nil {
		return err
	}
	if err := w.AddBytes(ctx, archive.StructureEntry, buf.Bytes()); err != nil {
		w.Abort()
		return err
	}
	return b.finish(ctx, w, archive.KindStructure)
}

func (b *run) exportTables(ctx context.Context) error {
	shared, err := b.writer(archive.StreamTables)
	if err != nil {
		return err
	}

	for _, t := range b.structure.Tables(schema.UniverseActual) {
		count, err := b.countRows(ctx, t)
		if err != nil {
			shared.Abort()
			return err
		}

		w := shared
		if b.cfg.LargeTableRows > 0 && count >= b.cfg.LargeTableRows {
			if w, err = b.writer(archive.LargeTableStream(t.Name)); err != nil {
				shared.Abort()
				return err
			}
		}

		info, err := b.exportTable(ctx, w, t)
		if err != nil {
			w.Abort()
			shared.Abort()
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		if w != shared {
			if err := b.finish(ctx, w, archive.KindTables); err != nil {
				shared.Abort()
				return err
			}
		}
		b.manifest.Tables = append(b.manifest.Tables, *info)
	}

	if err := b.finish(ctx, shared, archive.KindTables); err != nil {
		return err
	}
	b.manifest.SortTables()
	return b.job.SetDetail(ctx, DetailTables, len(b.manifest.Tables))
}

func (b *run) countRows(ctx context.Context, t *schema.Table) (int64, error) {
	var n int64
	gen := b.structure.Comparer().Generator()
	if err := b.src.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+gen.TableName(t.Name)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", t.Name, err)
	}
	return n, nil
}

func (b *run) selectSQL(t *schema.Table) string {
	quoted := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		quoted[i] = database.QuoteIdent(b.src.Family, f.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), b.structure.Comparer().Generator().TableName(t.Name))
	if pk := t.PrimaryKey(); pk != nil {
		order := make([]string, len(pk.Fields))
		for i, f := range pk.Fields {
			order[i] = database.QuoteIdent(b.src.Family, f)
		}
		query += " ORDER BY " + strings.Join(order, ", ")
	}
	return query
}

// exportTable writes the rows of t as numbered chunk files. Every table gets
// at least one chunk so empty tables are still restored.
func (b *run) exportTable(ctx context.Context, w *archive.Writer, t *schema.Table) (*archive.TableInfo, error) {
	info := &archive.TableInfo{Name: t.Name, Stream: w.Stream()}
	if def, ok := b.structure.FindDefinition(t.Name); ok {
		info.Component = def.Component
	}
	fields := t.FieldNames()

	rows, err := b.src.DB.QueryContext(ctx, b.selectSQL(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := make([][]interface{}, 0, b.cfg.RowsPerFile)
	chunk := 0
	flush := func() error {
		data, err := rowcodec.Encode(t, fields, batch)
		if err != nil {
			return err
		}
		if err := w.AddBytes(ctx, archive.TableChunkName(t.Name, chunk), data); err != nil {
			return err
		}
		chunk++
		batch = batch[:0]
		return b.job.Heartbeat(ctx)
	}

	for rows.Next() {
		values := make([]interface{}, len(fields))
		ptrs := make([]interface{}, len(fields))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		batch = append(batch, values)
		info.Rows++
		if len(batch) >= b.cfg.RowsPerFile {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) > 0 || chunk == 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}

	if seq := t.SequenceField(); seq != nil {
		next, err := b.extractor.NextSequenceValue(ctx, t.Name, seq.Name)
		if err != nil {
			return nil, err
		}
		info.Sequence = seq.Name
		info.NextSequence = next
	}
	b.log.WithFields(map[string]interface{}{
		"table":  t.Name,
		"rows":   info.Rows,
		"stream": info.Stream,
	}).Debug("Table exported")
	return info, nil
}

// exportContentStore archives every blob of the content store under its
// relative path. Blobs are never split across segments.
func (b *run) exportContentStore(ctx context.Context) error {
	w, err := b.writer(archive.StreamBlobs)
	if err != nil {
		return err
	}
	root := filepath.Join(b.cfg.DataRoot, ContentStoreDir)
	if b.cfg.DataRoot != "" {
		if err := b.walkContentStore(ctx, w, root); err != nil {
			w.Abort()
			return err
		}
	}
	return b.finish(ctx, w, archive.KindBlobs)
}

func (b *run) walkContentStore(ctx context.Context, w *archive.Writer, root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		b.log.Warnf("Content store %s does not exist", root)
		return nil
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() || !contentHashPattern.MatchString(d.Name()) {
			b.log.Debugf("Skipping %s in content store", p)
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if err := w.AddFile(ctx, filepath.ToSlash(rel), p); err != nil {
			return err
		}
		return b.job.Heartbeat(ctx)
	})
}

func (b *run) excluded(rel string) bool {
	if rel == ContentStoreDir {
		return true
	}
	for _, ex := range b.cfg.Excluded {
		if rel == archive.NormalizeTreePath(ex) {
			return true
		}
	}
	return false
}

// exportTree archives the data tree outside the content store, parents
// before children
func (b *run) exportTree(ctx context.Context) error {
	w, err := b.writer(archive.StreamTree)
	if err != nil {
		return err
	}

	var paths []string
	dirs := make(map[string]bool)
	if b.cfg.DataRoot != "" {
		err = filepath.WalkDir(b.cfg.DataRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(b.cfg.DataRoot, p)
			if err != nil || rel == "." {
				return err
			}
			rel = filepath.ToSlash(rel)
			if b.excluded(rel) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				b.log.Warnf("Skipping symbolic link %s", rel)
				return nil
			}
			paths = append(paths, rel)
			dirs[rel] = d.IsDir()
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			w.Abort()
			return err
		}
	}

	archive.SortTreePaths(paths)
	for _, rel := range paths {
		if dirs[rel] {
			err = w.AddDir(ctx, rel)
		} else {
			err = w.AddFile(ctx, rel, filepath.Join(b.cfg.DataRoot, filepath.FromSlash(rel)))
		}
		if err != nil {
			w.Abort()
			return err
		}
		if err := b.job.Heartbeat(ctx); err != nil {
			w.Abort()
			return err
		}
	}
	return b.finish(ctx, w, archive.KindTree)
}

func (b *run) uploadManifest(ctx context.Context) error {
	if err := b.manifest.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return err
	}
	local := filepath.Join(b.workDir, archive.ManifestName)
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	if err := archive.WriteManifest(f, b.manifest); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	id, err := b.uploader.Upload(ctx, local, archive.ManifestName)
	if err != nil {
		return err
	}
	b.log.Infof("Manifest uploaded as %s", id)
	return b.job.SetDetail(ctx, DetailManifest, id)
}
