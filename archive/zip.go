// Package archive extracts configuration files from bundles.
package archive

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/houzhh15/tunnel-registry/logging"
	"github.com/houzhh15/tunnel-registry/protocol"
)

// DefaultMaxEntrySize bounds a single extracted file.
const DefaultMaxEntrySize = 1 << 20

// Entry is one extracted file. Name is the path inside the archive.
type Entry struct {
	Name string
	Data []byte
}

// Reader extracts the entries whose names end in one of the allowed
// extensions, in archive order.
type Reader interface {
	Read(data []byte, allowedExtensions []string) ([]Entry, error)
}

// Config holds ZipReader configuration
type Config struct {
	MaxEntrySize int64
	Logger       logging.Logger
}

// ZipReader reads zip archives, including entries stored with the zstd
// method (93).
type ZipReader struct {
	maxEntrySize int64
	logger       logging.Logger
}

var _ Reader = (*ZipReader)(nil)

// NewZipReader creates a zip archive reader
func NewZipReader(cfg *Config) *ZipReader {
	if cfg == nil {
		cfg = &Config{}
	}
	limit := cfg.MaxEntrySize
	if limit <= 0 {
		limit = DefaultMaxEntrySize
	}
	return &ZipReader{
		maxEntrySize: limit,
		logger:       logging.OrNop(cfg.Logger),
	}
}

// Read implements Reader.
func (z *ZipReader) Read(data []byte, allowedExtensions []string) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, protocol.ErrArchiveUnreadable.With(err)
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	var entries []Entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || isMetadata(f.Name) {
			continue
		}
		if !MatchesExtension(f.Name, allowedExtensions) {
			continue
		}
		if f.UncompressedSize64 > uint64(z.maxEntrySize) {
			z.logger.Warn("Skipping oversized archive entry", "entry", f.Name, "size", f.UncompressedSize64, "limit", z.maxEntrySize)
			continue
		}

		content, err := z.readEntry(f)
		if err != nil {
			return nil, protocol.ErrArchiveCorrupt.With(err).WithDetails("entry", f.Name)
		}
		if content == nil {
			z.logger.Warn("Skipping oversized archive entry", "entry", f.Name, "limit", z.maxEntrySize)
			continue
		}
		entries = append(entries, Entry{Name: f.Name, Data: content})
	}

	z.logger.Debug("Archive read", "files", len(zr.File), "entries", len(entries))
	return entries, nil
}

// readEntry returns nil content when the entry turns out larger than the
// header claimed and exceeds the limit.
func (z *ZipReader) readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(io.LimitReader(rc, z.maxEntrySize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > z.maxEntrySize {
		return nil, nil
	}
	return content, nil
}

// MatchesExtension reports whether name ends in one of exts, compared
// case-insensitively. Extensions may be given with or without the dot.
// An empty list matches everything.
func MatchesExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return false
	}
	for _, want := range exts {
		want = strings.ToLower(strings.TrimPrefix(want, "."))
		if want != "" && ext[1:] == want {
			return true
		}
	}
	return false
}

// isMetadata matches resource-fork entries added by macOS archivers.
func isMetadata(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._")
}
