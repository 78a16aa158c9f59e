package heatmap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slidemap/server/internal/annotation"
	"github.com/slidemap/server/internal/pyramid"
)

var (
	// ErrConfiguration indicates a scan that cannot start: a bad level, a
	// missing input or invalid limits.
	ErrConfiguration = errors.New("invalid heatmap configuration")
	// ErrSinkWrite indicates the finished result could not be persisted.
	ErrSinkWrite = errors.New("failed to write heatmap")
)

const (
	DefaultProgressEvery = 10
	DefaultMaxFailures   = 1000
	maxLoggedSkips       = 100
)

// LabelFunc turns one in-region tile into a value in [0,1]. tile is nil
// unless the scan reads pixels.
type LabelFunc func(ctx context.Context, addr pyramid.TileAddress, label annotation.Label, tile image.Image) (float64, error)

// TissueCheck decides whether a tile carries tissue.
type TissueCheck interface {
	HasTissue(img image.Image) bool
}

// Config controls one scan.
type Config struct {
	Level int
	// Workers is the number of rows processed concurrently; 0 means 1.
	Workers int
	// TileTimeout bounds every tile read and label call; 0 disables it.
	TileTimeout time.Duration
	// ProgressEvery is the number of completed rows between progress logs.
	ProgressEvery int
	// MaxFailures caps the failures kept in Stats.
	MaxFailures int
	// Tissue, when set, rejects background tiles before labeling. It
	// implies ReadPixels.
	Tissue TissueCheck
	// ReadPixels fetches tile pixels for the label function.
	ReadPixels bool
	// OnProgress is called after each completed row.
	OnProgress func(done, total int)
	// Name prefixes log lines; empty means "Scanner".
	Name string
}

// Result is the outcome of a scan.
type Result struct {
	Level   int
	Columns int
	Rows    int
	Map     Map
	Stats   *Stats
}

// Aggregator walks one level of a pyramid in row-major order.
type Aggregator struct {
	cfg     Config
	reader  pyramid.TileReader
	grid    *pyramid.Grid
	regions *annotation.Set
	label   LabelFunc
	cols    int
	rows    int

	logged atomic.Int64
}

// NewAggregator validates cfg against the pyramid and returns a ready
// aggregator. It fails with ErrConfiguration.
func NewAggregator(cfg Config, reader pyramid.TileReader, regions *annotation.Set, label LabelFunc) (*Aggregator, error) {
	if reader == nil || reader.Grid() == nil {
		return nil, fmt.Errorf("missing pyramid: %w", ErrConfiguration)
	}
	if regions == nil {
		return nil, fmt.Errorf("missing annotations: %w", ErrConfiguration)
	}
	if label == nil {
		return nil, fmt.Errorf("missing label function: %w", ErrConfiguration)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d: %w", cfg.Workers, ErrConfiguration)
	}
	if cfg.TileTimeout < 0 {
		return nil, fmt.Errorf("tile timeout must be >= 0, got %s: %w", cfg.TileTimeout, ErrConfiguration)
	}

	grid := reader.Grid()
	cols, rows, err := grid.TileCount(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("level %d: %v: %w", cfg.Level, err, ErrConfiguration)
	}

	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Workers > rows {
		cfg.Workers = rows
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Name == "" {
		cfg.Name = "Scanner"
	}
	if cfg.Tissue != nil {
		cfg.ReadPixels = true
	}
	if cfg.ReadPixels && cfg.Workers > 1 {
		reader = pyramid.Serialized(reader)
	}

	return &Aggregator{
		cfg:     cfg,
		reader:  reader,
		grid:    grid,
		regions: regions,
		label:   label,
		cols:    cols,
		rows:    rows,
	}, nil
}

// Grid returns the tile grid size of the scanned level.
func (a *Aggregator) Grid() (columns, rows int) {
	return a.cols, a.rows
}

type partial struct {
	values Map
	stats  *Stats
}

// Run scans the level. Per-tile failures become skips. When ctx is
// cancelled Run stops at the next row boundary and returns the partial
// result together with the context error.
func (a *Aggregator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	log.Printf("[%s] Scanning level %d: %dx%d tiles, %d regions, %d workers", a.cfg.Name, a.cfg.Level, a.cols, a.rows, a.regions.Len(), a.cfg.Workers)

	rowsCh := make(chan int)
	parts := make([]partial, a.cfg.Workers)
	var done atomic.Int64
	var wg sync.WaitGroup

	for w := 0; w < a.cfg.Workers; w++ {
		parts[w] = partial{values: make(Map), stats: newStats()}
		wg.Add(1)
		go func(p *partial) {
			defer wg.Done()
			for row := range rowsCh {
				if !a.scanRow(ctx, row, p) {
					continue
				}
				n := int(done.Add(1))
				a.progress(n)
			}
		}(&parts[w])
	}

dispatch:
	for row := 0; row < a.rows; row++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case rowsCh <- row:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(rowsCh)
	wg.Wait()

	res := &Result{
		Level:   a.cfg.Level,
		Columns: a.cols,
		Rows:    a.rows,
		Map:     make(Map),
		Stats:   newStats(),
	}
	res.Stats.Level = a.cfg.Level
	res.Stats.Columns = a.cols
	res.Stats.Rows = a.rows
	for _, p := range parts {
		res.Map.Merge(p.values)
		res.Stats.add(p.stats, a.cfg.MaxFailures)
	}
	res.Stats.finish(time.Since(start))

	if err := ctx.Err(); err != nil && res.Stats.RowsDone < a.rows {
		res.Stats.Cancelled = true
		log.Printf("[%s] Scan cancelled after %d/%d rows: %s", a.cfg.Name, res.Stats.RowsDone, a.rows, res.Stats.Summary())
		return res, err
	}
	log.Printf("[%s] Scan finished: %s", a.cfg.Name, res.Stats.Summary())
	return res, nil
}

func (a *Aggregator) progress(done int) {
	if done%a.cfg.ProgressEvery == 0 || done == a.rows {
		log.Printf("[%s] processed row %d/%d", a.cfg.Name, done, a.rows)
	}
	if a.cfg.OnProgress != nil {
		a.cfg.OnProgress(done, a.rows)
	}
}

// scanRow processes one row into row-local state and commits it to p. A
// row interrupted by cancellation is discarded and scanRow returns false.
func (a *Aggregator) scanRow(ctx context.Context, row int, p *partial) bool {
	if ctx.Err() != nil {
		return false
	}
	values := make(Map)
	st := newStats()
	for col := 0; col < a.cols; col++ {
		addr := pyramid.TileAddress{Level: a.cfg.Level, Column: col, Row: row}
		if !a.visit(ctx, addr, values, st) {
			return false
		}
	}
	st.RowsDone = 1
	p.values.Merge(values)
	p.stats.add(st, a.cfg.MaxFailures)
	return true
}

// visit handles one tile. It returns false only when ctx was cancelled
// while the tile was in flight.
func (a *Aggregator) visit(ctx context.Context, addr pyramid.TileAddress, out Map, st *Stats) bool {
	st.Visited++

	center, err := a.grid.TileCenter(addr)
	if err != nil {
		a.fail(st, addr, SkipReadError, err)
		return true
	}
	label := a.regions.Classify(annotation.Point{X: float64(center.X), Y: float64(center.Y)})
	if label == annotation.Ignore {
		return true
	}
	st.InRegion++

	tctx, cancel := a.tileContext(ctx)
	defer cancel()

	var tile image.Image
	if a.cfg.ReadPixels {
		tile, err = bounded(tctx, func() (image.Image, error) {
			return a.reader.ReadTile(tctx, addr)
		})
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			a.fail(st, addr, causeOf(err, SkipReadError), err)
			return true
		}
		if a.cfg.Tissue != nil && !a.cfg.Tissue.HasTissue(tile) {
			st.Skipped[SkipNoTissue]++
			return true
		}
	}
	st.TissuePassed++

	started := time.Now()
	v, err := bounded(tctx, func() (float64, error) {
		return a.label(tctx, addr, label, tile)
	})
	if err == nil && !ValidValue(v) {
		err = fmt.Errorf("value %v outside [0,1]", v)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		a.fail(st, addr, causeOf(err, SkipLabelError), err)
		return true
	}
	st.LabelTime += time.Since(started)
	st.Labeled++
	out.Set(addr, v)
	return true
}

func (a *Aggregator) tileContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.TileTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.TileTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *Aggregator) fail(st *Stats, addr pyramid.TileAddress, cause SkipCause, err error) {
	st.Skipped[cause]++
	if len(st.Failures) < a.cfg.MaxFailures {
		st.Failures = append(st.Failures, Failure{
			Key:    addr.Key(),
			Column: addr.Column,
			Row:    addr.Row,
			Cause:  cause,
			Error:  err.Error(),
		})
	}
	if n := a.logged.Add(1); n <= maxLoggedSkips {
		log.Printf("[%s] skip tile %s: %s: %v", a.cfg.Name, addr.Key(), cause, err)
		if n == maxLoggedSkips {
			log.Printf("[%s] further skips are counted but not logged", a.cfg.Name)
		}
	}
}

func causeOf(err error, fallback SkipCause) SkipCause {
	if errors.Is(err, context.DeadlineExceeded) {
		return SkipTimeout
	}
	return fallback
}

// bounded runs fn and gives up once ctx is done, so a collaborator that
// ignores its context cannot stall the scan.
func bounded[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
