package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the zip method used for segment entries
type Compression string

const (
	CompressionDeflate Compression = "deflate"
	CompressionZstd    Compression = "zstd"
	CompressionLZ4     Compression = "lz4"
	CompressionStore   Compression = "store"
)

// MethodLZ4 has no registered zip method id; segments that use it can only be
// read back by this package
const MethodLZ4 uint16 = 0x4c34

// IsValid reports whether c is a known compression
func (c Compression) IsValid() bool {
	switch c {
	case CompressionDeflate, CompressionZstd, CompressionLZ4, CompressionStore:
		return true
	}
	return false
}

// Method returns the zip method id for c
func (c Compression) Method() (uint16, error) {
	switch c {
	case CompressionDeflate, "":
		return zip.Deflate, nil
	case CompressionZstd:
		return zstd.ZipMethodWinZip, nil
	case CompressionLZ4:
		return MethodLZ4, nil
	case CompressionStore:
		return zip.Store, nil
	default:
		return 0, fmt.Errorf("unsupported compression: %s", c)
	}
}

// registerCompressors makes the non-standard methods available to a writer
func registerCompressors(w *zip.Writer) {
	w.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedDefault)))
	w.RegisterCompressor(MethodLZ4, func(out io.Writer) (io.WriteCloser, error) {
		return lz4.NewWriter(out), nil
	})
}

// registerDecompressors makes the non-standard methods available to a reader
func registerDecompressors(r *zip.Reader) {
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	r.RegisterDecompressor(MethodLZ4, func(in io.Reader) io.ReadCloser {
		return io.NopCloser(lz4.NewReader(in))
	})
}
