//go:build !tiledb

package heatmap

import (
	"context"
	"fmt"
)

// TileDBSink is a stub when built without "-tags tiledb".
type TileDBSink struct {
	URI string
}

func NewTileDBSink(uri string) (*TileDBSink, error) {
	return nil, fmt.Errorf("%w: %w", ErrUnsupported, ErrConfiguration)
}

func (s *TileDBSink) Write(ctx context.Context, res *Result) error {
	return fmt.Errorf("%w: %w", ErrUnsupported, ErrSinkWrite)
}

// ReadTileDB is unavailable without TileDB support.
func ReadTileDB(uri string) (Map, error) {
	return nil, ErrUnsupported
}
