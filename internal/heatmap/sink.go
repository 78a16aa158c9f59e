package heatmap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Output formats.
const (
	FormatJSON     = "json"
	FormatJSONZstd = "json.zst"
	FormatTileDB   = "tiledb"
)

// ErrUnsupported indicates this binary was built without TileDB support.
var ErrUnsupported = errors.New("tiledb output is not enabled in this build (build with: go build -tags tiledb)")

// Sink persists a finished result. Write failures wrap ErrSinkWrite and
// leave the result untouched so the write can be retried.
type Sink interface {
	Write(ctx context.Context, res *Result) error
}

// NewSink returns the sink for format writing to path.
func NewSink(format, path string, precision int) (Sink, error) {
	switch format {
	case "", FormatJSON, FormatJSONZstd:
		return &FileSink{Path: path, Precision: precision}, nil
	case FormatTileDB:
		s, err := NewTileDBSink(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown output format %q: %w", format, ErrConfiguration)
	}
}

// Extension returns the file suffix for format.
func Extension(format string) string {
	switch format {
	case FormatJSONZstd:
		return ".json.zst"
	case FormatTileDB:
		return ".tdb"
	default:
		return ".json"
	}
}

// FileSink writes the map as JSON. Paths ending in ".zst" are zstd
// compressed. The file is replaced atomically.
type FileSink struct {
	Path      string
	Precision int
}

func (s *FileSink) Write(ctx context.Context, res *Result) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrSinkWrite)
	}
	if err := writeFileAtomic(s.Path, func(w io.Writer) error {
		return Encode(w, res.Map, s.Precision)
	}); err != nil {
		return fmt.Errorf("failed to write %s: %v: %w", s.Path, err, ErrSinkWrite)
	}
	return nil
}

func writeFileAtomic(path string, encode func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	var w io.Writer = bw
	var zw *zstd.Encoder
	if strings.HasSuffix(path, ".zst") {
		zw, err = zstd.NewWriter(bw)
		if err != nil {
			tmp.Close()
			return err
		}
		w = zw
	}

	if err := encode(w); err != nil {
		tmp.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadFile loads a map written by FileSink or TileDBSink.
func ReadFile(path string) (Map, error) {
	if strings.HasSuffix(path, Extension(FormatTileDB)) {
		return ReadTileDB(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Decode(r)
}
