package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"sitevault/internal/logging"

	"github.com/klauspost/compress/zip"
)

// Uploader hands a closed segment to the remote archive and returns its id
type Uploader interface {
	Upload(ctx context.Context, localPath, name string) (string, error)
}

// SegmentRecorder is told about every uploaded segment
type SegmentRecorder interface {
	SegmentUploaded(ctx context.Context, seg Segment) error
}

// Segment describes one uploaded slice of a stream
type Segment struct {
	Stream  string `json:"stream"`
	Seq     int    `json:"seq"`
	Name    string `json:"name"`
	ID      string `json:"id"`
	Size    int64  `json:"size"`
	Entries int    `json:"entries"`
}

// WriterOptions configures a Writer
type WriterOptions struct {
	WorkDir     string
	Threshold   int64
	Compression Compression
	Recorder    SegmentRecorder
	Logger      *logging.Logger
}

// Writer appends units to one logical stream, rolling over to a new segment
// whenever the uncompressed size of the current one crosses the threshold
type Writer struct {
	stream   string
	opts     WriterOptions
	method   uint16
	uploader Uploader
	logger   *logging.Logger

	seq      int
	file     *os.File
	zw       *zip.Writer
	size     int64
	entries  int
	opened   time.Time
	segments []Segment
	finished bool
}

// NewWriter creates a writer for stream. Nothing is created on disk until the
// first unit is added.
func NewWriter(stream string, uploader Uploader, opts WriterOptions) (*Writer, error) {
	method, err := opts.Compression.Method()
	if err != nil {
		return nil, err
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNullLogger()
	}
	return &Writer{
		stream:   stream,
		opts:     opts,
		method:   method,
		uploader: uploader,
		logger:   opts.Logger,
	}, nil
}

// Stream returns the stream name
func (w *Writer) Stream() string {
	return w.stream
}

// Seq returns the sequence number of the segment currently being written
func (w *Writer) Seq() int {
	return w.seq
}

// Segments returns the uploaded segments in order
func (w *Writer) Segments() []Segment {
	out := make([]Segment, len(w.segments))
	copy(out, w.segments)
	return out
}

// AddBytes stores data as entry name
func (w *Writer) AddBytes(ctx context.Context, name string, data []byte) error {
	return w.add(ctx, name, int64(len(data)), time.Now(), func(dst io.Writer) error {
		_, err := dst.Write(data)
		return err
	})
}

// AddFile stores the local file at localPath as entry name
func (w *Writer) AddFile(ctx context.Context, name, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return w.AddDir(ctx, name)
	}
	return w.add(ctx, name, info.Size(), info.ModTime(), func(dst io.Writer) error {
		src, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(dst, src)
		return err
	})
}

// AddDir stores an empty directory entry
func (w *Writer) AddDir(ctx context.Context, name string) error {
	if err := w.ensureOpen(); err != nil {
		return err
	}
	_, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     NormalizeTreePath(name) + "/",
		Method:   zip.Store,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to add directory %s: %w", name, err)
	}
	w.entries++
	return nil
}

func (w *Writer) add(ctx context.Context, name string, size int64, modified time.Time, copyFn func(io.Writer) error) error {
	if w.finished {
		return fmt.Errorf("stream %s is already finished", w.stream)
	}
	if err := w.ensureOpen(); err != nil {
		return err
	}

	dst, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   w.method,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", name, SegmentName(w.stream, w.seq), err)
	}
	if err := copyFn(dst); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	w.size += size
	w.entries++

	if w.opts.Threshold > 0 && w.size >= w.opts.Threshold {
		return w.rotate(ctx)
	}
	return nil
}

func (w *Writer) ensureOpen() error {
	if w.zw != nil {
		return nil
	}
	if err := os.MkdirAll(w.opts.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	f, err := os.Create(filepath.Join(w.opts.WorkDir, SegmentName(w.stream, w.seq)))
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	w.file = f
	w.zw = zip.NewWriter(f)
	registerCompressors(w.zw)
	w.size = 0
	w.entries = 0
	w.opened = time.Now()
	return nil
}

// rotate closes and uploads the current segment. The next unit opens a new one.
func (w *Writer) rotate(ctx context.Context) error {
	if w.zw == nil {
		return nil
	}
	name := SegmentName(w.stream, w.seq)
	localPath := w.file.Name()

	if err := w.zw.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to finalize %s: %w", name, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	w.zw, w.file = nil, nil

	start := time.Now()
	id, err := w.uploader.Upload(ctx, localPath, name)
	w.logger.LogSegment("upload", w.stream, name, w.size, time.Since(start), err)
	if err != nil {
		return err
	}
	os.Remove(localPath)

	seg := Segment{Stream: w.stream, Seq: w.seq, Name: name, ID: id, Size: w.size, Entries: w.entries}
	w.segments = append(w.segments, seg)
	w.seq++
	if w.opts.Recorder != nil {
		if err := w.opts.Recorder.SegmentUploaded(ctx, seg); err != nil {
			return err
		}
	}
	return nil
}

// Finish closes and uploads the last segment. A stream that never received a
// unit still produces one empty segment.
func (w *Writer) Finish(ctx context.Context) ([]Segment, error) {
	if w.finished {
		return w.Segments(), nil
	}
	if w.zw == nil && len(w.segments) == 0 {
		if err := w.ensureOpen(); err != nil {
			return nil, err
		}
	}
	if err := w.rotate(ctx); err != nil {
		return nil, err
	}
	w.finished = true
	return w.Segments(), nil
}

// Abort discards the segment in progress without uploading it
func (w *Writer) Abort() {
	if w.zw != nil {
		w.zw.Close()
		w.file.Close()
		os.Remove(w.file.Name())
		w.zw, w.file = nil, nil
	}
	w.finished = true
}
