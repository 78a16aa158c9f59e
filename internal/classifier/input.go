package classifier

import (
	"image"

	"github.com/disintegration/imaging"
)

const (
	DefaultInputSize  = 224
	DefaultResizeSize = 256
)

// Input describes the tile geometry the model expects: the short side is
// resized to ResizeSize, then the center InputSize square is kept.
type Input struct {
	ResizeSize int
	InputSize  int
}

// DefaultInput matches the MobileNet training transform.
func DefaultInput() Input {
	return Input{ResizeSize: DefaultResizeSize, InputSize: DefaultInputSize}
}

// Prepare resizes and crops img. Zero sizes skip the matching step.
func (in Input) Prepare(img image.Image) image.Image {
	out := img
	if in.ResizeSize > 0 {
		b := out.Bounds()
		if b.Dx() <= b.Dy() {
			out = imaging.Resize(out, in.ResizeSize, 0, imaging.Linear)
		} else {
			out = imaging.Resize(out, 0, in.ResizeSize, imaging.Linear)
		}
	}
	if in.InputSize > 0 {
		out = imaging.CropCenter(out, in.InputSize, in.InputSize)
	}
	return out
}
