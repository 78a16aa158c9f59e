package pyramid

import (
	"context"
	"image"
)

// Provider opens image pyramids. Open fails with ErrUnreadableSource.
type Provider interface {
	Open(path string) (Handle, error)
}

// TileReader reads decoded tiles. ReadTile fails with ErrTileRead.
type TileReader interface {
	Grid() *Grid
	ReadTile(ctx context.Context, addr TileAddress) (image.Image, error)
}

// Handle is an open pyramid.
type Handle interface {
	TileReader
	Close() error
}

// ConcurrentReader is implemented by readers that allow overlapping
// ReadTile calls. Readers that do not implement it are serialized.
type ConcurrentReader interface {
	ConcurrentReads() bool
}

// SupportsConcurrentReads reports whether r may be read from many
// goroutines at once.
func SupportsConcurrentReads(r TileReader) bool {
	if cr, ok := r.(ConcurrentReader); ok {
		return cr.ConcurrentReads()
	}
	return false
}

type serializedReader struct {
	sem chan struct{} // holds one token while a read is in flight
	r   TileReader
}

// Serialized wraps r so that at most one ReadTile runs at a time. Callers
// waiting for their turn give up when their context ends. A read that
// stalls inside r keeps its turn until r returns. Readers that already
// support concurrent reads are returned unchanged.
func Serialized(r TileReader) TileReader {
	if SupportsConcurrentReads(r) {
		return r
	}
	return &serializedReader{sem: make(chan struct{}, 1), r: r}
}

func (s *serializedReader) Grid() *Grid {
	return s.r.Grid()
}

func (s *serializedReader) ReadTile(ctx context.Context, addr TileAddress) (image.Image, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.r.ReadTile(ctx, addr)
}

func (s *serializedReader) ConcurrentReads() bool {
	return true
}
