// Package render draws heatmap overlays using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/slidemap/server/internal/heatmap"
	"github.com/slidemap/server/internal/pyramid"
	"github.com/slidemap/server/pkg/colormap"
)

// MaxImageSide caps the overlay width and height in pixels. Larger grids
// get smaller cells.
const MaxImageSide = 8192

// ErrUnknownColormap is returned for colormap names that are not registered.
var ErrUnknownColormap = errors.New("unknown colormap")

// Config contains renderer configuration.
type Config struct {
	CellSize      int     // pixels per tile
	MaxOpacity    float64 // opacity at full confidence
	MinConfidence float64 // tiles below are not drawn
	Colormap      string
}

// Options override the configured cell size and colormap for one image.
type Options struct {
	CellSize int
	Colormap string
}

// OverlayRenderer turns result maps into transparent PNG overlays with one
// cell per tile.
type OverlayRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewOverlayRenderer creates a new overlay renderer.
func NewOverlayRenderer(cfg Config) *OverlayRenderer {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 4
	}
	if cfg.Colormap == "" {
		cfg.Colormap = "redgreen"
	}
	return &OverlayRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Confidence maps a tumor probability to the distance from the decision
// boundary, 0 at 0.5 and 1 at either end.
func Confidence(v float64) float64 {
	return math.Abs(v-0.5) * 2
}

// Render draws the tiles of hm that belong to level on a columns x rows
// grid. Keys of other levels or outside the grid are ignored.
func (r *OverlayRenderer) Render(hm heatmap.Map, level, columns, rows int, opts Options) ([]byte, error) {
	if columns <= 0 || rows <= 0 {
		return nil, fmt.Errorf("invalid grid %dx%d", columns, rows)
	}
	if columns > MaxImageSide || rows > MaxImageSide {
		return nil, fmt.Errorf("grid %dx%d exceeds %d cells per side", columns, rows, MaxImageSide)
	}

	name := opts.Colormap
	if name == "" {
		name = r.config.Colormap
	}
	cmap, ok := colormap.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColormap, name)
	}

	cell := opts.CellSize
	if cell <= 0 {
		cell = r.config.CellSize
	}
	cell = max(1, min(cell, MaxImageSide/max(columns, rows)))

	// New contexts start fully transparent.
	dc := gg.NewContext(columns*cell, rows*cell)
	size := float64(cell)

	for key, v := range hm {
		addr, err := pyramid.ParseKey(key)
		if err != nil || addr.Level != level || addr.Column >= columns || addr.Row >= rows {
			continue
		}
		conf := Confidence(v)
		if conf < r.config.MinConfidence {
			continue
		}

		c := color.NRGBAModel.Convert(cmap.At(v)).(color.NRGBA)
		c.A = uint8(math.Round(255 * min(1, conf*r.config.MaxOpacity)))
		dc.SetColor(c)
		dc.DrawRectangle(float64(addr.Column)*size, float64(addr.Row)*size, size, size)
		dc.Fill()
	}

	return r.encodeContext(dc)
}

func (r *OverlayRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
