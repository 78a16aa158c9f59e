// Package pyramid provides tile-grid addressing for Deep Zoom image pyramids.
//
// Levels follow the Deep Zoom numbering consumed by the viewer: level 0 is a
// single 1x1 pixel tile and the highest level is full resolution. All pixel
// coordinates returned by this package are in base-image ("level-0" in slide
// reader terms) pixel space, regardless of the level being addressed.
package pyramid

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrOutOfRange indicates a level, column or row outside the pyramid grid.
	ErrOutOfRange = errors.New("out of range")
	// ErrUnreadableSource indicates the pyramid could not be opened.
	ErrUnreadableSource = errors.New("unreadable pyramid source")
	// ErrTileRead indicates a single tile could not be read or decoded.
	ErrTileRead = errors.New("tile read failed")
)

// levelInfo holds the pixel extent of one level.
type levelInfo struct {
	width  int
	height int
}

// Grid maps tile addresses to base-image pixel coordinates. A Grid is
// immutable after construction and safe for concurrent use.
type Grid struct {
	width    int
	height   int
	tileSize int
	levels   []levelInfo // index = level, last = full resolution
}

// NewGrid builds the Deep Zoom level layout for a base image of the given
// size, with square tiles of tileSize pixels and no overlap.
func NewGrid(width, height, tileSize int) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if tileSize < 2 {
		return nil, fmt.Errorf("invalid tile size %d (must be >= 2)", tileSize)
	}

	// Halve (rounding up) until both axes reach a single pixel, then reverse
	// so the smallest level comes first.
	dims := []levelInfo{{width: width, height: height}}
	w, h := width, height
	for w > 1 || h > 1 {
		w = maxInt(1, ceilDiv(w, 2))
		h = maxInt(1, ceilDiv(h, 2))
		dims = append(dims, levelInfo{width: w, height: h})
	}
	levels := make([]levelInfo, len(dims))
	for i, d := range dims {
		levels[len(dims)-1-i] = d
	}

	return &Grid{
		width:    width,
		height:   height,
		tileSize: tileSize,
		levels:   levels,
	}, nil
}

// Size returns the full-resolution image size in pixels.
func (g *Grid) Size() (width, height int) {
	return g.width, g.height
}

// TileSize returns the tile edge length in level pixels.
func (g *Grid) TileSize() int {
	return g.tileSize
}

// LevelCount returns the number of levels in the pyramid.
func (g *Grid) LevelCount() int {
	return len(g.levels)
}

// MaxLevel returns the full-resolution level.
func (g *Grid) MaxLevel() int {
	return len(g.levels) - 1
}

func (g *Grid) checkLevel(level int) error {
	if level < 0 || level > g.MaxLevel() {
		return fmt.Errorf("level %d (max %d): %w", level, g.MaxLevel(), ErrOutOfRange)
	}
	return nil
}

// Dimensions returns the pixel size of a level.
func (g *Grid) Dimensions(level int) (width, height int, err error) {
	if err := g.checkLevel(level); err != nil {
		return 0, 0, err
	}
	l := g.levels[level]
	return l.width, l.height, nil
}

// Downsample returns the scale factor between a level and the base image.
func (g *Grid) Downsample(level int) (int, error) {
	if err := g.checkLevel(level); err != nil {
		return 0, err
	}
	return 1 << (g.MaxLevel() - level), nil
}

// TileCount returns the tile grid extent (columns, rows) of a level.
func (g *Grid) TileCount(level int) (columns, rows int, err error) {
	if err := g.checkLevel(level); err != nil {
		return 0, 0, err
	}
	l := g.levels[level]
	return ceilDiv(l.width, g.tileSize), ceilDiv(l.height, g.tileSize), nil
}

// Address validates and returns the address of a tile.
func (g *Grid) Address(level, column, row int) (TileAddress, error) {
	cols, rows, err := g.TileCount(level)
	if err != nil {
		return TileAddress{}, err
	}
	if column < 0 || column >= cols || row < 0 || row >= rows {
		return TileAddress{}, fmt.Errorf("tile %d/%d at level %d (grid %dx%d): %w",
			column, row, level, cols, rows, ErrOutOfRange)
	}
	return TileAddress{Level: level, Column: column, Row: row}, nil
}

// TileOrigin returns the top-left corner of a tile in base-image pixels.
func (g *Grid) TileOrigin(addr TileAddress) (image.Point, error) {
	if _, err := g.Address(addr.Level, addr.Column, addr.Row); err != nil {
		return image.Point{}, err
	}
	ds := 1 << (g.MaxLevel() - addr.Level)
	return image.Pt(addr.Column*g.tileSize*ds, addr.Row*g.tileSize*ds), nil
}

// TileCenter returns the representative point used for region tests:
// the origin offset by half a tile, truncated to whole pixels.
func (g *Grid) TileCenter(addr TileAddress) (image.Point, error) {
	origin, err := g.TileOrigin(addr)
	if err != nil {
		return image.Point{}, err
	}
	half := g.tileSize / 2
	return origin.Add(image.Pt(half, half)), nil
}

// TileRect returns the nominal footprint of a tile in base-image pixels.
// Edge tiles are not clipped to the image bounds.
func (g *Grid) TileRect(addr TileAddress) (image.Rectangle, error) {
	origin, err := g.TileOrigin(addr)
	if err != nil {
		return image.Rectangle{}, err
	}
	side := g.tileSize << (g.MaxLevel() - addr.Level)
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(side, side))}, nil
}

// TileBounds returns the pixel size of a tile as stored at its level,
// which is smaller than TileSize for the last column and row.
func (g *Grid) TileBounds(addr TileAddress) (width, height int, err error) {
	if _, err := g.Address(addr.Level, addr.Column, addr.Row); err != nil {
		return 0, 0, err
	}
	l := g.levels[addr.Level]
	width = minInt(g.tileSize, l.width-addr.Column*g.tileSize)
	height = minInt(g.tileSize, l.height-addr.Row*g.tileSize)
	return width, height, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
