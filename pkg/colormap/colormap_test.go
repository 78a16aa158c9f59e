package colormap

import (
	"image/color"
	"testing"
)

func rgba(t *testing.T, c color.Color) color.RGBA {
	t.Helper()
	v, ok := c.(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA, got %T", c)
	}
	return v
}

func TestTumorColormapEndpoints(t *testing.T) {
	t.Parallel()

	if c := rgba(t, Tumor.At(0)); c != (color.RGBA{R: 0x1a, G: 0x98, B: 0x50, A: 255}) {
		t.Fatalf("unexpected Tumor.At(0): %#v", c)
	}
	if c := rgba(t, Tumor.At(1)); c != (color.RGBA{R: 0xd7, G: 0x30, B: 0x27, A: 255}) {
		t.Fatalf("unexpected Tumor.At(1): %#v", c)
	}
	if c := rgba(t, Tumor.At(0.5)); c != (color.RGBA{R: 0xff, G: 0xff, B: 0xbf, A: 255}) {
		t.Fatalf("unexpected Tumor.At(0.5): %#v", c)
	}
	if Tumor.At(-3) != Tumor.At(0) || Tumor.At(7) != Tumor.At(1) {
		t.Fatal("values outside [0,1] must clamp")
	}
}

func TestRedGreen(t *testing.T) {
	t.Parallel()

	if c := rgba(t, RedGreen.At(0.5)); c.G != 255 || c.R != 0 {
		t.Fatalf("expected green up to 0.5, got %#v", c)
	}
	if c := rgba(t, RedGreen.At(0.51)); c.R != 255 || c.G != 0 {
		t.Fatalf("expected red above 0.5, got %#v", c)
	}
}

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	if c := rgba(t, Viridis.At(0)); c != (color.RGBA{68, 1, 84, 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c)
	}
	if c := rgba(t, Viridis.At(1)); c != (color.RGBA{253, 231, 37, 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := Lookup(name); !ok {
			t.Errorf("listed colormap %q not found", name)
		}
	}
	if _, ok := Lookup("jet"); ok {
		t.Error("unexpected colormap jet")
	}
}
