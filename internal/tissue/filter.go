// Package tissue separates tissue-bearing tiles from background glass.
package tissue

import (
	"image"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultMaxMean   = 215.0
	DefaultMinStdDev = 20.0
)

// Filter holds the luminance thresholds. A tile has tissue when its mean
// luminance is below MaxMean and its standard deviation above MinStdDev.
type Filter struct {
	MaxMean   float64
	MinStdDev float64
}

// DefaultFilter returns the thresholds tuned for H&E slides.
func DefaultFilter() Filter {
	return Filter{MaxMean: DefaultMaxMean, MinStdDev: DefaultMinStdDev}
}

// Stats holds the luminance statistics of one tile.
type Stats struct {
	Mean   float64
	StdDev float64
}

// Measure converts img to luminance (ITU-R BT.601 weights) and returns the
// mean and population standard deviation of its pixel intensities.
func Measure(img image.Image) Stats {
	gray := imaging.Grayscale(img)
	b := gray.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return Stats{}
	}

	values := make([]float64, 0, n)
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			values = append(values, float64(row[x]))
		}
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	return Stats{Mean: mean, StdDev: std}
}

// HasTissue reports whether img passes both thresholds. Empty images have
// no tissue.
func (f Filter) HasTissue(img image.Image) bool {
	if img == nil || img.Bounds().Empty() {
		return false
	}
	return f.Accept(Measure(img))
}

// Accept applies the thresholds to precomputed statistics.
func (f Filter) Accept(s Stats) bool {
	return s.Mean < f.MaxMean && s.StdDev > f.MinStdDev
}
