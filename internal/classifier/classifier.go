// Package classifier scores tiles with a tumor classifier. The model itself
// runs outside this process; this package prepares tiles, calls it and
// turns its answer into a heatmap value.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/slidemap/server/internal/annotation"
	"github.com/slidemap/server/internal/heatmap"
	"github.com/slidemap/server/internal/pyramid"
)

// ErrClassifier indicates a failed prediction for one tile.
var ErrClassifier = errors.New("classifier error")

// Classifier returns the tumor probability of a prepared tile.
type Classifier interface {
	Predict(ctx context.Context, tile image.Image) (float64, error)
}

// Func adapts a function to Classifier.
type Func func(ctx context.Context, tile image.Image) (float64, error)

func (f Func) Predict(ctx context.Context, tile image.Image) (float64, error) {
	return f(ctx, tile)
}

// Pipeline is the classifier-mode labeling chain: stain normalization,
// resize and crop, prediction.
type Pipeline struct {
	Classifier Classifier
	Normalizer Normalizer
	Input      Input
}

// LabelFunc returns the heatmap label function for p. Every failure is
// wrapped in ErrClassifier so the scan records it as a skipped tile.
func (p Pipeline) LabelFunc() heatmap.LabelFunc {
	norm := p.Normalizer
	if norm == nil {
		norm = Identity{}
	}
	return func(ctx context.Context, addr pyramid.TileAddress, _ annotation.Label, tile image.Image) (float64, error) {
		if tile == nil {
			return 0, fmt.Errorf("tile %s: no pixels: %w", addr.Key(), ErrClassifier)
		}
		normalized, err := norm.Normalize(tile)
		if err != nil {
			return 0, fmt.Errorf("tile %s: normalize: %v: %w", addr.Key(), err, ErrClassifier)
		}
		prob, err := p.Classifier.Predict(ctx, p.Input.Prepare(normalized))
		if err != nil {
			if errors.Is(err, ErrClassifier) {
				return 0, fmt.Errorf("tile %s: %w", addr.Key(), err)
			}
			return 0, fmt.Errorf("tile %s: predict: %v: %w", addr.Key(), err, ErrClassifier)
		}
		if !heatmap.ValidValue(prob) {
			return 0, fmt.Errorf("tile %s: probability %v outside [0,1]: %w", addr.Key(), prob, ErrClassifier)
		}
		return prob, nil
	}
}
