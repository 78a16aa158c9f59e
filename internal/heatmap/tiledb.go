//go:build tiledb

package heatmap

import (
	"context"
	"fmt"
	"math"
	"os"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	"github.com/slidemap/server/internal/pyramid"
)

const (
	dimColumn = "column"
	dimRow    = "row"
	attrValue = "value"
	metaLevel = "level"
)

// TileDBSink stores a heatmap as a 2-D sparse array (column, row) with one
// float64 attribute. The level is kept in array metadata.
type TileDBSink struct {
	URI string
	ctx *tiledb.Context
}

func NewTileDBSink(uri string) (*TileDBSink, error) {
	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	return &TileDBSink{URI: uri, ctx: ctx}, nil
}

func (s *TileDBSink) Write(ctx context.Context, res *Result) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrSinkWrite)
	}
	if err := s.write(res); err != nil {
		return fmt.Errorf("failed to write %s: %v: %w", s.URI, err, ErrSinkWrite)
	}
	return nil
}

func (s *TileDBSink) write(res *Result) error {
	if err := os.RemoveAll(s.URI); err != nil {
		return err
	}
	if err := s.create(res.Columns, res.Rows); err != nil {
		return err
	}

	arr, err := tiledb.NewArray(s.ctx, s.URI)
	if err != nil {
		return fmt.Errorf("failed to open array: %w", err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_WRITE); err != nil {
		return fmt.Errorf("failed to open array for write: %w", err)
	}
	defer arr.Close()

	if err := arr.PutMetadata(metaLevel, int64(res.Level)); err != nil {
		return fmt.Errorf("failed to write level metadata: %w", err)
	}
	if len(res.Map) == 0 {
		return nil
	}

	cols := make([]int64, 0, len(res.Map))
	rows := make([]int64, 0, len(res.Map))
	vals := make([]float64, 0, len(res.Map))
	for k, v := range res.Map {
		addr, err := parseKeyAt(k, res.Level)
		if err != nil {
			return err
		}
		cols = append(cols, int64(addr.Column))
		rows = append(rows, int64(addr.Row))
		vals = append(vals, v)
	}

	q, err := tiledb.NewQuery(s.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return fmt.Errorf("failed to set layout: %w", err)
	}
	if _, err := q.SetDataBuffer(dimColumn, cols); err != nil {
		return fmt.Errorf("failed to set buffer %s: %w", dimColumn, err)
	}
	if _, err := q.SetDataBuffer(dimRow, rows); err != nil {
		return fmt.Errorf("failed to set buffer %s: %w", dimRow, err)
	}
	if _, err := q.SetDataBuffer(attrValue, vals); err != nil {
		return fmt.Errorf("failed to set buffer %s: %w", attrValue, err)
	}
	if err := q.Submit(); err != nil {
		return fmt.Errorf("query submit failed: %w", err)
	}
	return q.Finalize()
}

func (s *TileDBSink) create(columns, rows int) error {
	domain, err := tiledb.NewDomain(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to create domain: %w", err)
	}
	defer domain.Free()

	colDim, err := tiledb.NewDimension(s.ctx, dimColumn, tiledb.TILEDB_INT64, []int64{0, int64(max(columns, 1) - 1)}, int64(min(max(columns, 1), 256)))
	if err != nil {
		return fmt.Errorf("failed to create %s dimension: %w", dimColumn, err)
	}
	defer colDim.Free()
	rowDim, err := tiledb.NewDimension(s.ctx, dimRow, tiledb.TILEDB_INT64, []int64{0, int64(max(rows, 1) - 1)}, int64(min(max(rows, 1), 256)))
	if err != nil {
		return fmt.Errorf("failed to create %s dimension: %w", dimRow, err)
	}
	defer rowDim.Free()
	if err := domain.AddDimensions(colDim, rowDim); err != nil {
		return fmt.Errorf("failed to add dimensions: %w", err)
	}

	schema, err := tiledb.NewArraySchema(s.ctx, tiledb.TILEDB_SPARSE)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	defer schema.Free()
	if err := schema.SetDomain(domain); err != nil {
		return fmt.Errorf("failed to set domain: %w", err)
	}
	attr, err := tiledb.NewAttribute(s.ctx, attrValue, tiledb.TILEDB_FLOAT64)
	if err != nil {
		return fmt.Errorf("failed to create attribute: %w", err)
	}
	defer attr.Free()
	if err := schema.AddAttributes(attr); err != nil {
		return fmt.Errorf("failed to add attribute: %w", err)
	}

	arr, err := tiledb.NewArray(s.ctx, s.URI)
	if err != nil {
		return fmt.Errorf("failed to create array: %w", err)
	}
	defer arr.Free()
	return arr.Create(schema)
}

func parseKeyAt(key string, level int) (pyramid.TileAddress, error) {
	addr, err := pyramid.ParseKey(key)
	if err != nil {
		return addr, err
	}
	if addr.Level != level {
		return addr, fmt.Errorf("tile %s is not on level %d", key, level)
	}
	return addr, nil
}

// ReadTileDB loads a heatmap written by TileDBSink.
func ReadTileDB(uri string) (Map, error) {
	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}
	defer ctx.Free()

	arr, err := tiledb.NewArray(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array: %w", err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open array for read: %w", err)
	}
	defer arr.Close()

	_, _, raw, err := arr.GetMetadata(metaLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to read level metadata: %w", err)
	}
	level, ok := raw.(int64)
	if !ok || level < 0 || level > math.MaxInt32 {
		return nil, fmt.Errorf("unexpected level metadata %v", raw)
	}

	m := make(Map)
	ned, isEmpty, err := arr.NonEmptyDomainFromName(dimColumn)
	if err != nil {
		return nil, fmt.Errorf("failed to get non-empty domain: %w", err)
	}
	if isEmpty || ned == nil {
		return m, nil
	}

	q, err := tiledb.NewQuery(ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetLayout(tiledb.TILEDB_UNORDERED); err != nil {
		return nil, fmt.Errorf("failed to set layout: %w", err)
	}

	const chunk = 65536
	cols := make([]int64, chunk)
	rows := make([]int64, chunk)
	vals := make([]float64, chunk)
	for {
		if _, err := q.SetDataBuffer(dimColumn, cols); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", dimColumn, err)
		}
		if _, err := q.SetDataBuffer(dimRow, rows); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", dimRow, err)
		}
		if _, err := q.SetDataBuffer(attrValue, vals); err != nil {
			return nil, fmt.Errorf("failed to set buffer %s: %w", attrValue, err)
		}
		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("failed to get result buffer elements: %w", err)
		}
		got := int(elems[attrValue][1])
		if got > len(vals) {
			got = len(vals)
		}
		for i := 0; i < got; i++ {
			m[fmt.Sprintf("%d_%d_%d", level, cols[i], rows[i])] = vals[i]
		}
		if status == tiledb.TILEDB_COMPLETED {
			return m, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected query status: %v", status)
		}
	}
}
