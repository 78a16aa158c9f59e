// Package colormap provides color schemes for heatmap overlays.
package colormap

import (
	"image/color"
	"sort"

	"github.com/lucasb-eyer/go-colorful"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.colors)-1)
	return interpolate(c.colors[lower], c.colors[upper], idx-float64(lower))
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Diverging blends from Low through Mid to High in CIE L*a*b* space.
type Diverging struct {
	Low, Mid, High colorful.Color
}

// At returns the color at position t (0-1).
func (d Diverging) At(t float64) color.Color {
	t = clamp01(t)
	var c colorful.Color
	if t < 0.5 {
		c = d.Low.BlendLab(d.Mid, t*2)
	} else {
		c = d.Mid.BlendLab(d.High, (t-0.5)*2)
	}
	r, g, b := c.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Binary paints values above 0.5 with High and the rest with Low.
type Binary struct {
	Low, High color.RGBA
}

// At returns Low or High.
func (b Binary) At(t float64) color.Color {
	if t > 0.5 {
		return b.High
	}
	return b.Low
}

func clamp01(t float64) float64 {
	return max(0, min(1, t))
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Tumor runs from healthy green through pale yellow to tumor red.
var Tumor = Diverging{
	Low:  mustHex("#1a9850"),
	Mid:  mustHex("#ffffbf"),
	High: mustHex("#d73027"),
}

// RedGreen paints healthy tiles green and tumor tiles red.
var RedGreen = Binary{
	Low:  color.RGBA{0, 255, 0, 255},
	High: color.RGBA{255, 0, 0, 255},
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

var byName = map[string]Colormap{
	"tumor":    Tumor,
	"redgreen": RedGreen,
	"viridis":  Viridis,
	"inferno":  Inferno,
}

// Lookup returns the colormap registered under name.
func Lookup(name string) (Colormap, bool) {
	c, ok := byName[name]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
