// Package archive writes logical streams into size-bounded zip segments and
// reads them back in order.
package archive

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".zip"

// SegmentName returns the file name of segment seq of stream. Segment 0 carries
// no sequence suffix.
func SegmentName(stream string, seq int) string {
	if seq == 0 {
		return stream + segmentExt
	}
	return fmt.Sprintf("%s-%d%s", stream, seq, segmentExt)
}

// ParseSegmentName splits a segment file name into stream and sequence
func ParseSegmentName(name string) (string, int, bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, segmentExt) {
		return "", 0, false
	}
	base = strings.TrimSuffix(base, segmentExt)
	if base == "" {
		return "", 0, false
	}

	i := strings.LastIndex(base, "-")
	if i <= 0 {
		return base, 0, true
	}
	seq, err := strconv.Atoi(base[i+1:])
	if err != nil || seq <= 0 {
		return base, 0, true
	}
	return base[:i], seq, true
}

// TableChunkName is the entry name of the n-th row file of a table
func TableChunkName(table string, n int) string {
	return fmt.Sprintf("%s/%06d.json", table, n)
}

// TableOfChunk returns the table a row file entry belongs to
func TableOfChunk(name string) (string, bool) {
	i := strings.Index(name, "/")
	if i <= 0 || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	return name[:i], true
}

// NormalizeTreePath converts a relative path to the slash separated form used
// inside tree segments
func NormalizeTreePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// CompareTreePaths orders paths component by component so every directory is
// immediately followed by its own subtree
func CompareTreePaths(a, b string) int {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := strings.Compare(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

// SortTreePaths sorts normalized paths in tree order
func SortTreePaths(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		return CompareTreePaths(paths[i], paths[j]) < 0
	})
}

// parentDirs lists the ancestors of p, outermost first
func parentDirs(p string) []string {
	parts := strings.Split(p, "/")
	dirs := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		dirs = append(dirs, strings.Join(parts[:i], "/"))
	}
	return dirs
}

// covers reports whether dir is last or one of its ancestors
func covers(last, dir string) bool {
	return last == dir || strings.HasPrefix(last, dir+"/")
}
