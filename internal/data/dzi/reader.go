// Package dzi provides a reader for Deep Zoom Image (.dzi) pyramids on disk.
package dzi

import (
	"context"
	"encoding/xml"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/slidemap/server/internal/pyramid"
)

// Descriptor is the parsed .dzi XML document.
type Descriptor struct {
	XMLName  xml.Name `xml:"Image"`
	Format   string   `xml:"Format,attr"`
	Overlap  int      `xml:"Overlap,attr"`
	TileSize int      `xml:"TileSize,attr"`
	Size     struct {
		Width  int `xml:"Width,attr"`
		Height int `xml:"Height,attr"`
	} `xml:"Size"`
}

// Reader provides tile access to one Deep Zoom pyramid.
type Reader struct {
	path     string
	tilesDir string
	meta     Descriptor
	grid     *pyramid.Grid
}

// Provider opens .dzi pyramids.
type Provider struct{}

// Open implements pyramid.Provider.
func (Provider) Open(path string) (pyramid.Handle, error) {
	return NewReader(path)
}

// NewReader opens the descriptor at path. Tiles are expected under
// "<name>_files/<level>/<col>_<row>.<format>" next to the descriptor.
func NewReader(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor %s: %v: %w", path, err, pyramid.ErrUnreadableSource)
	}

	var meta Descriptor
	if err := xml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor %s: %v: %w", path, err, pyramid.ErrUnreadableSource)
	}
	if meta.Overlap != 0 {
		return nil, fmt.Errorf("descriptor %s has overlap %d, only 0 is supported: %w", path, meta.Overlap, pyramid.ErrUnreadableSource)
	}
	if meta.Format == "" {
		meta.Format = "jpeg"
	}

	grid, err := pyramid.NewGrid(meta.Size.Width, meta.Size.Height, meta.TileSize)
	if err != nil {
		return nil, fmt.Errorf("descriptor %s: %v: %w", path, err, pyramid.ErrUnreadableSource)
	}

	base := strings.TrimSuffix(path, filepath.Ext(path))
	tilesDir := base + "_files"
	if st, err := os.Stat(tilesDir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("tile directory %s not found: %w", tilesDir, pyramid.ErrUnreadableSource)
	}

	return &Reader{
		path:     path,
		tilesDir: tilesDir,
		meta:     meta,
		grid:     grid,
	}, nil
}

// Descriptor returns the parsed descriptor.
func (r *Reader) Descriptor() Descriptor {
	return r.meta
}

// Path returns the descriptor path.
func (r *Reader) Path() string {
	return r.path
}

// Grid implements pyramid.TileReader.
func (r *Reader) Grid() *pyramid.Grid {
	return r.grid
}

// TilePath returns the file backing a tile.
func (r *Reader) TilePath(addr pyramid.TileAddress) string {
	name := strconv.Itoa(addr.Column) + "_" + strconv.Itoa(addr.Row) + "." + r.meta.Format
	return filepath.Join(r.tilesDir, strconv.Itoa(addr.Level), name)
}

// ReadTile implements pyramid.TileReader.
func (r *Reader) ReadTile(ctx context.Context, addr pyramid.TileAddress) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := r.grid.Address(addr.Level, addr.Column, addr.Row); err != nil {
		return nil, err
	}

	img, err := imaging.Open(r.TilePath(addr))
	if err != nil {
		return nil, fmt.Errorf("tile %s: %v: %w", addr, err, pyramid.ErrTileRead)
	}
	return img, nil
}

// ConcurrentReads implements pyramid.ConcurrentReader. Every tile is an
// independent file, so reads never share state.
func (r *Reader) ConcurrentReads() bool {
	return true
}

// Close implements pyramid.Handle.
func (r *Reader) Close() error {
	return nil
}
