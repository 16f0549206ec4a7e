package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sitevault/internal/logging"

	"github.com/klauspost/compress/zip"
)

// Fetcher downloads a remote segment to a local path
type Fetcher interface {
	Download(ctx context.Context, id, localPath string) error
}

// Checkpointer persists sequencer progress
type Checkpointer interface {
	SaveCursor(ctx context.Context, stream string, c Cursor) error
	SegmentConsumed(ctx context.Context, stream string, seq int) error
}

// Cursor is the persisted read position of a stream. LastPath is only used by
// tree streams.
type Cursor struct {
	Segment  int    `json:"segment"`
	Offset   int    `json:"offset"`
	LastPath string `json:"lastpath,omitempty"`
}

// Entry is one unit read from a segment. Open is only valid until the
// sequencer moves to another segment.
type Entry struct {
	Name string
	Size int64
	Dir  bool
	file *zip.File
}

// Open returns the entry contents. Directories read as empty.
func (e *Entry) Open() (io.ReadCloser, error) {
	if e.file == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return e.file.Open()
}

// ReadAll returns the entry contents
func (e *Entry) ReadAll() ([]byte, error) {
	rc, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Chunk is one row file of a table
type Chunk struct {
	Name string
	Data []byte
}

// SequencerOptions configures a Sequencer
type SequencerOptions struct {
	WorkDir      string
	Checkpointer Checkpointer
	Logger       *logging.Logger
}

// Sequencer reads a stream's segments in ascending order, hiding segment
// boundaries from callers
type Sequencer struct {
	stream   string
	segments []string
	fetcher  Fetcher
	opts     SequencerOptions
	logger   *logging.Logger

	cursor   Cursor
	consumed []int
	loaded   int
	reader   *zip.ReadCloser
	local    string
	entries  []*zip.File
}

// NewSequencer creates a sequencer over the remote segment ids of stream,
// resuming at cursor
func NewSequencer(stream string, segments []string, cursor Cursor, fetcher Fetcher, opts SequencerOptions) *Sequencer {
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	return &Sequencer{
		stream:   stream,
		segments: segments,
		fetcher:  fetcher,
		opts:     opts,
		logger:   opts.Logger,
		cursor:   cursor,
		loaded:   -1,
	}
}

// Cursor returns the current read position
func (s *Sequencer) Cursor() Cursor {
	return s.cursor
}

// Close releases the open segment
func (s *Sequencer) Close() error {
	return s.unload()
}

// peek returns the entry at the cursor, crossing into later segments as needed.
// A nil entry means the stream is exhausted.
func (s *Sequencer) peek(ctx context.Context) (*zip.File, error) {
	for s.cursor.Segment < len(s.segments) {
		if err := s.load(ctx, s.cursor.Segment); err != nil {
			return nil, err
		}
		if s.cursor.Offset < len(s.entries) {
			return s.entries[s.cursor.Offset], nil
		}
		if err := s.finishSegment(ctx, true); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// step moves past the current entry. The segment stays open until the next read
// so the returned entry remains usable.
func (s *Sequencer) step(ctx context.Context) error {
	s.cursor.Offset++
	if s.loaded == s.cursor.Segment && s.cursor.Offset >= len(s.entries) {
		return s.finishSegment(ctx, false)
	}
	return nil
}

func (s *Sequencer) finishSegment(ctx context.Context, release bool) error {
	done := s.cursor.Segment
	if release {
		if err := s.unload(); err != nil {
			return err
		}
	}
	s.cursor.Segment++
	s.cursor.Offset = 0
	s.consumed = append(s.consumed, done)
	return nil
}

func (s *Sequencer) load(ctx context.Context, seq int) error {
	if s.loaded == seq {
		return nil
	}
	if err := s.unload(); err != nil {
		return err
	}

	if err := os.MkdirAll(s.opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	local := filepath.Join(s.opts.WorkDir, SegmentName(s.stream, seq))

	start := time.Now()
	err := s.fetcher.Download(ctx, s.segments[seq], local)
	var size int64
	if info, statErr := os.Stat(local); statErr == nil {
		size = info.Size()
	}
	s.logger.LogSegment("download", s.stream, SegmentName(s.stream, seq), size, time.Since(start), err)
	if err != nil {
		return err
	}

	r, err := zip.OpenReader(local)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", SegmentName(s.stream, seq), err)
	}
	registerDecompressors(&r.Reader)

	s.reader = r
	s.local = local
	s.entries = r.File
	s.loaded = seq
	return nil
}

func (s *Sequencer) unload() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	os.Remove(s.local)
	s.reader, s.entries, s.local = nil, nil, ""
	s.loaded = -1
	return err
}

func toEntry(f *zip.File) *Entry {
	dir := strings.HasSuffix(f.Name, "/")
	e := &Entry{Name: strings.TrimSuffix(f.Name, "/"), Size: int64(f.UncompressedSize64), Dir: dir}
	if !dir {
		e.file = f
	}
	return e
}

// NextFile returns the next unit of the stream. ok is false once every segment
// has been consumed. Like every Next method it only moves the position in
// memory; Commit once the unit has been applied.
func (s *Sequencer) NextFile(ctx context.Context) (*Entry, bool, error) {
	f, err := s.peek(ctx)
	if err != nil || f == nil {
		return nil, false, err
	}
	e := toEntry(f)
	if err := s.step(ctx); err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// NextTable returns every row file of the next table, in order, even when the
// table continues into later segments. A table that was handed out but never
// committed is read again after a restart.
func (s *Sequencer) NextTable(ctx context.Context) (string, []Chunk, bool, error) {
	f, err := s.peek(ctx)
	if err != nil || f == nil {
		return "", nil, false, err
	}
	table, ok := TableOfChunk(f.Name)
	if !ok {
		return "", nil, false, fmt.Errorf("unexpected entry %s in stream %s", f.Name, s.stream)
	}

	var chunks []Chunk
	for f != nil {
		name, ok := TableOfChunk(f.Name)
		if !ok || name != table {
			break
		}
		data, err := toEntry(f).ReadAll()
		if err != nil {
			return "", nil, false, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		chunks = append(chunks, Chunk{Name: f.Name, Data: data})

		if err := s.step(ctx); err != nil {
			return "", nil, false, err
		}
		if f, err = s.peek(ctx); err != nil {
			return "", nil, false, err
		}
	}
	return table, chunks, true, nil
}

// Commit persists the current position, then marks the segments left behind
// since the last commit as consumed
func (s *Sequencer) Commit(ctx context.Context) error {
	if s.opts.Checkpointer == nil {
		s.consumed = nil
		return nil
	}
	if err := s.opts.Checkpointer.SaveCursor(ctx, s.stream, s.cursor); err != nil {
		return err
	}
	for len(s.consumed) > 0 {
		if err := s.opts.Checkpointer.SegmentConsumed(ctx, s.stream, s.consumed[0]); err != nil {
			return err
		}
		s.consumed = s.consumed[1:]
	}
	return nil
}

// NextTreeEntry returns the next path of a tree stream. Parent directories are
// always returned before their children, including directories that have no
// entry of their own in the archive.
func (s *Sequencer) NextTreeEntry(ctx context.Context) (*Entry, bool, error) {
	f, err := s.peek(ctx)
	if err != nil || f == nil {
		return nil, false, err
	}
	e := toEntry(f)
	e.Name = NormalizeTreePath(e.Name)

	for _, dir := range parentDirs(e.Name) {
		if !covers(s.cursor.LastPath, dir) {
			s.cursor.LastPath = dir
			return &Entry{Name: dir, Dir: true}, true, nil
		}
	}

	s.cursor.LastPath = e.Name
	if err := s.step(ctx); err != nil {
		return nil, false, err
	}
	return e, true, nil
}
