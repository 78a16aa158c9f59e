package classifier

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/slidemap/server/internal/annotation"
	"github.com/slidemap/server/internal/pyramid"
)

// stainedTile draws a noisy mix of hematoxylin-like and eosin-like pixels
// on a little background.
func stainedTile(size int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	jitter := func(v int) uint8 {
		v += rng.Intn(31) - 15
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return uint8(v)
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var c color.NRGBA
			switch r := rng.Intn(10); {
			case r < 4:
				c = color.NRGBA{jitter(70), jitter(40), jitter(130), 255}
			case r < 9:
				c = color.NRGBA{jitter(150), jitter(70), jitter(150), 255}
			default:
				c = color.NRGBA{245, 245, 245, 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestInput_Prepare(t *testing.T) {
	cases := []struct {
		w, h int
	}{
		{256, 256},
		{300, 400},
		{512, 256},
		{90, 60},
	}
	for _, c := range cases {
		out := DefaultInput().Prepare(imaging.New(c.w, c.h, color.White))
		if b := out.Bounds(); b.Dx() != 224 || b.Dy() != 224 {
			t.Errorf("%dx%d: expected 224x224, got %v", c.w, c.h, b)
		}
	}

	same := Input{}.Prepare(imaging.New(10, 20, color.White))
	if b := same.Bounds(); b.Dx() != 10 || b.Dy() != 20 {
		t.Errorf("zero input must not resize, got %v", b)
	}
}

func TestMacenko_Normalize(t *testing.T) {
	tile := stainedTile(64, 1)
	out, err := DefaultMacenko().Normalize(tile)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if out.Bounds().Dx() != 64 || out.Bounds().Dy() != 64 {
		t.Fatalf("unexpected bounds %v", out.Bounds())
	}

	seen := map[color.NRGBA]bool{}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			c := out.At(x, y).(color.NRGBA)
			if c.A != 255 {
				t.Fatalf("pixel %d,%d not opaque", x, y)
			}
			seen[c] = true
		}
	}
	if len(seen) < 10 {
		t.Errorf("normalized tile collapsed to %d colors", len(seen))
	}
}

// unstainedTissue alternates cyan and magenta pixels. It passes the tissue
// filter but has no pixel dense enough in all three channels to estimate
// stain vectors.
func unstainedTissue(size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBA{R: 0, G: 255, B: 255, A: 255}
			if (x+y)%2 == 1 {
				c = color.NRGBA{R: 255, G: 0, B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestMacenko_UnstainedTilePassesThrough(t *testing.T) {
	for name, tile := range map[string]*image.NRGBA{
		"blank":     imaging.New(32, 32, color.White),
		"unstained": unstainedTissue(64),
	} {
		t.Run(name, func(t *testing.T) {
			got, err := DefaultMacenko().Normalize(tile)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if got != image.Image(tile) {
				t.Error("expected the tile to be returned unchanged")
			}
		})
	}
}

func TestPipeline_UnstainedTileIsClassified(t *testing.T) {
	p := Pipeline{
		Classifier: Func(func(context.Context, image.Image) (float64, error) { return 0.25, nil }),
		Normalizer: DefaultMacenko(),
		Input:      DefaultInput(),
	}
	addr := pyramid.TileAddress{Level: 16, Column: 1, Row: 1}
	v, err := p.LabelFunc()(context.Background(), addr, annotation.Healthy, unstainedTissue(64))
	if err != nil || v != 0.25 {
		t.Fatalf("expected 0.25, got %v %v", v, err)
	}
}

type failingNormalizer struct{}

func (failingNormalizer) Normalize(image.Image) (image.Image, error) {
	return nil, errors.New("eigen decomposition failed")
}

func TestNewNormalizer(t *testing.T) {
	if n, err := NewNormalizer("none"); err != nil || n != (Identity{}) {
		t.Errorf("expected identity, got %v %v", n, err)
	}
	if _, err := NewNormalizer("vahadane"); err == nil {
		t.Error("expected unknown normalizer error")
	}
}

func TestPipeline_LabelFunc(t *testing.T) {
	addr := pyramid.TileAddress{Level: 16, Column: 3, Row: 3}
	var gotSize image.Rectangle
	p := Pipeline{
		Classifier: Func(func(ctx context.Context, tile image.Image) (float64, error) {
			gotSize = tile.Bounds()
			return 0.9, nil
		}),
		Normalizer: Identity{},
		Input:      DefaultInput(),
	}
	fn := p.LabelFunc()

	v, err := fn(context.Background(), addr, annotation.Tumor, stainedTile(256, 2))
	if err != nil || v != 0.9 {
		t.Fatalf("expected 0.9, got %v %v", v, err)
	}
	if gotSize.Dx() != 224 || gotSize.Dy() != 224 {
		t.Errorf("classifier saw %v, want 224x224", gotSize)
	}

	if _, err := fn(context.Background(), addr, annotation.Tumor, nil); !errors.Is(err, ErrClassifier) {
		t.Errorf("expected ErrClassifier without pixels, got %v", err)
	}
}

func TestPipeline_Failures(t *testing.T) {
	addr := pyramid.TileAddress{Level: 16, Column: 3, Row: 3}
	tile := stainedTile(32, 3)

	cases := []struct {
		name string
		p    Pipeline
		tile image.Image
	}{
		{"predict error", Pipeline{Classifier: Func(func(context.Context, image.Image) (float64, error) {
			return 0, errors.New("model not loaded")
		})}, tile},
		{"out of range", Pipeline{Classifier: Func(func(context.Context, image.Image) (float64, error) {
			return 1.2, nil
		})}, tile},
		{"normalize error", Pipeline{
			Classifier: Func(func(context.Context, image.Image) (float64, error) { return 0.5, nil }),
			Normalizer: failingNormalizer{},
		}, tile},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := c.p.LabelFunc()(context.Background(), addr, annotation.Tumor, c.tile)
			if !errors.Is(err, ErrClassifier) {
				t.Fatalf("expected ErrClassifier, got %v", err)
			}
		})
	}
}
