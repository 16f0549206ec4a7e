package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// ManifestName is the file every backup finishes with
const ManifestName = "manifest.json"

// StreamKind identifies what a stream carries
type StreamKind string

const (
	KindStructure StreamKind = "structure"
	KindTables    StreamKind = "tables"
	KindBlobs     StreamKind = "blobs"
	KindTree      StreamKind = "tree"
)

// Well known stream names
const (
	StreamStructure = "structure"
	StreamTables    = "dbdump"
	StreamBlobs     = "filedir"
	StreamTree      = "dataroot"
)

// StructureEntry is the single entry of the structure stream
const StructureEntry = "structure.xml"

// LargeTableStream is the dedicated stream of a table too big to share dbdump
func LargeTableStream(table string) string {
	return StreamTables + "_" + table
}

// StreamInfo lists the segments of one stream in order
type StreamInfo struct {
	Name     string     `json:"name"`
	Kind     StreamKind `json:"kind"`
	Segments []Segment  `json:"segments"`
}

// SegmentIDs returns the remote ids of the stream's segments in order
func (si *StreamInfo) SegmentIDs() []string {
	ids := make([]string, len(si.Segments))
	for i, s := range si.Segments {
		ids[i] = s.ID
	}
	return ids
}

// TableInfo records where a table's rows live and its next sequence value
type TableInfo struct {
	Name         string `json:"name"`
	Component    string `json:"component,omitempty"`
	Stream       string `json:"stream"`
	Rows         int64  `json:"rows"`
	Sequence     string `json:"sequence,omitempty"`
	NextSequence int64  `json:"nextsequence,omitempty"`
}

// Manifest describes a complete backup
type Manifest struct {
	ID         string       `json:"id"`
	Created    time.Time    `json:"created"`
	Release    string       `json:"release"`
	Family     string       `json:"family"`
	Version    string       `json:"version"`
	Prefix     string       `json:"prefix"`
	Components []string     `json:"components"`
	Streams    []StreamInfo `json:"streams"`
	Tables     []TableInfo  `json:"tables"`
}

// Stream looks up a stream by name
func (m *Manifest) Stream(name string) (*StreamInfo, bool) {
	for i := range m.Streams {
		if m.Streams[i].Name == name {
			return &m.Streams[i], true
		}
	}
	return nil, false
}

// StreamsOfKind returns every stream of kind, in manifest order
func (m *Manifest) StreamsOfKind(kind StreamKind) []*StreamInfo {
	var out []*StreamInfo
	for i := range m.Streams {
		if m.Streams[i].Kind == kind {
			out = append(out, &m.Streams[i])
		}
	}
	return out
}

// Table looks up a table by name
func (m *Manifest) Table(name string) (*TableInfo, bool) {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i], true
		}
	}
	return nil, false
}

// Validate checks the manifest is usable for a restore
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("manifest has no id")
	}
	if m.Family == "" {
		return fmt.Errorf("manifest %s has no database family", m.ID)
	}
	if _, ok := m.Stream(StreamStructure); !ok {
		return fmt.Errorf("manifest %s has no structure stream", m.ID)
	}
	seen := make(map[string]bool, len(m.Streams))
	for _, s := range m.Streams {
		if seen[s.Name] {
			return fmt.Errorf("manifest %s lists stream %s twice", m.ID, s.Name)
		}
		seen[s.Name] = true
		for i, seg := range s.Segments {
			if seg.Seq != i {
				return fmt.Errorf("stream %s segment %d is out of sequence", s.Name, i)
			}
		}
	}
	for _, t := range m.Tables {
		if !seen[t.Stream] {
			return fmt.Errorf("table %s refers to unknown stream %s", t.Name, t.Stream)
		}
	}
	return nil
}

// SortTables orders the table list by name
func (m *Manifest) SortTables() {
	sort.Slice(m.Tables, func(i, j int) bool { return m.Tables[i].Name < m.Tables[j].Name })
}

// WriteManifest encodes m as indented JSON
func WriteManifest(w io.Writer, m *Manifest) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ReadManifest decodes and validates a manifest
func ReadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
