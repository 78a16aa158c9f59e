//go:build !tiledb

package heatmap

import (
	"errors"
	"testing"
)

func TestTileDBSink_Unsupported(t *testing.T) {
	if _, err := NewSink(FormatTileDB, "out.tdb", 4); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
	if _, err := ReadFile("out.tdb"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
