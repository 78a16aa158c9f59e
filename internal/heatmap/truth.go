package heatmap

import (
	"context"
	"fmt"
	"image"

	"github.com/slidemap/server/internal/annotation"
	"github.com/slidemap/server/internal/pyramid"
)

// GroundTruth labels a tile with the numeric encoding of its region:
// 1 for tumor, 0 for healthy. It never needs pixels.
func GroundTruth(_ context.Context, addr pyramid.TileAddress, label annotation.Label, _ image.Image) (float64, error) {
	v, ok := label.Value()
	if !ok {
		return 0, fmt.Errorf("tile %s: label %s has no value", addr.Key(), label)
	}
	return v, nil
}
