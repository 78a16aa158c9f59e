package pyramid

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"
)

// stallingReader blocks every read until release is closed.
type stallingReader struct {
	grid    *Grid
	entered chan struct{}
	release chan struct{}
}

func (r *stallingReader) Grid() *Grid { return r.grid }

func (r *stallingReader) ReadTile(ctx context.Context, addr TileAddress) (image.Image, error) {
	r.entered <- struct{}{}
	<-r.release
	return image.NewNRGBA(image.Rect(0, 0, 1, 1)), nil
}

func TestSerialized_WaitersHonorContext(t *testing.T) {
	grid, err := NewGrid(512, 512, 256)
	if err != nil {
		t.Fatal(err)
	}
	inner := &stallingReader{grid: grid, entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := Serialized(inner)

	first := make(chan error, 1)
	go func() {
		_, err := r.ReadTile(context.Background(), TileAddress{Level: 9})
		first <- err
	}()
	<-inner.entered

	// The stalled read holds the reader; a second caller must give up at
	// its deadline instead of queueing forever.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := r.ReadTile(ctx, TileAddress{Level: 9, Column: 1})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting read did not return after its deadline")
	}

	close(inner.release)
	if err := <-first; err != nil {
		t.Fatalf("stalled read: %v", err)
	}

	// The turn is handed back once the stalled read finishes.
	if _, err := r.ReadTile(context.Background(), TileAddress{Level: 9, Row: 1}); err != nil {
		t.Fatalf("read after release: %v", err)
	}
}

func TestSerialized_ConcurrentReaderUnchanged(t *testing.T) {
	grid, _ := NewGrid(256, 256, 256)
	inner := &stallingReader{grid: grid}
	if r := Serialized(inner); r == TileReader(inner) {
		t.Fatal("expected a wrapper for a reader without concurrent reads")
	}
	wrapped := Serialized(inner)
	if Serialized(wrapped) != wrapped {
		t.Error("wrapping twice must return the same reader")
	}
}
