// Package rescale synthesizes placeholder tiles for a new zoom level from
// tiles already cached at the previous one.
package rescale

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"tilecache/internal/bufpool"
	"tilecache/internal/cache"
	"tilecache/internal/grid"
	"tilecache/internal/metrics"
	"tilecache/internal/tile"
)

// MaxZoomOutDiff is the zoom-out distance at which synthesis is no longer
// attempted: 4 levels would need 256 source tiles per placeholder.
const MaxZoomOutDiff = 4

// DefaultMaxTiles bounds the grid a single pass may walk.
const DefaultMaxTiles = 4096

var (
	ErrBusy         = errors.New("rescale already in progress")
	ErrTooManyTiles = errors.New("rescale viewport covers too many tiles")
)

// DefaultBackground fills zoom-out cells whose source tile is missing.
var DefaultBackground = color.RGBA{R: 0xcc, G: 0xcc, B: 0xcc, A: 0xff}

type State int32

const (
	Idle State = iota
	Looping
	Committing
)

func (s State) String() string {
	switch s {
	case Looping:
		return "looping"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

// Resolver reports whether a tile is already available, queueing a real
// fetch when it is not.
type Resolver interface {
	GetTile(id tile.ID) *cache.Handle
}

type Options struct {
	Scaler     xdraw.Scaler
	Background color.Color
	// MaxTiles caps the tiles visited per pass. Zero means DefaultMaxTiles.
	MaxTiles int
}

// Stats summarizes one rescale pass.
type Stats struct {
	Direction   string        `json:"direction"`
	FromZoom    int           `json:"from_zoom"`
	ToZoom      int           `json:"to_zoom"`
	Visited     int           `json:"visited"`
	Synthesized int           `json:"synthesized"`
	Committed   int           `json:"committed"`
	Skipped     int           `json:"skipped"`
	Evicted     int           `json:"evicted"`
	Duration    time.Duration `json:"duration_ns"`
}

type Engine struct {
	cache      cache.Cache
	pool       *bufpool.Pool
	scaler     xdraw.Scaler
	background *image.Uniform
	maxTiles   int
	logger     *zap.Logger
	state      atomic.Int32
}

func New(c cache.Cache, pool *bufpool.Pool, opts Options, logger *zap.Logger) *Engine {
	if opts.Scaler == nil {
		opts.Scaler = xdraw.ApproxBiLinear
	}
	if opts.Background == nil {
		opts.Background = DefaultBackground
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = DefaultMaxTiles
	}
	if pool == nil {
		pool = bufpool.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:      c,
		pool:       pool,
		scaler:     opts.Scaler,
		background: image.NewUniform(opts.Background),
		maxTiles:   opts.MaxTiles,
		logger:     logger,
	}
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Rescale walks the tile grid covering viewport at newZoom and inserts an
// expired placeholder for every tile the resolver cannot serve yet. Tiles
// are collected during the loop and committed afterwards, so placeholders
// from one pass never evict each other or their own sources.
func (e *Engine) Rescale(r Resolver, newZoom, oldZoom float64, tileSize int, viewport image.Rectangle) (Stats, error) {
	newZ, oldZ := tile.FloorZoom(newZoom), tile.FloorZoom(oldZoom)
	stats := Stats{FromZoom: oldZ, ToZoom: newZ}
	if newZ == oldZ || tileSize <= 0 {
		return stats, nil
	}

	var strat strategy
	if newZ > oldZ {
		stats.Direction = "in"
		strat = zoomIn{}
	} else {
		stats.Direction = "out"
		if oldZ-newZ >= MaxZoomOutDiff {
			return stats, nil
		}
		strat = zoomOut{}
	}

	if n := grid.Count(newZoom, tileSize, viewport); n > e.maxTiles {
		return stats, fmt.Errorf("%w: %d > %d", ErrTooManyTiles, n, e.maxTiles)
	}

	if !e.state.CompareAndSwap(int32(Idle), int32(Looping)) {
		return stats, ErrBusy
	}
	defer e.state.Store(int32(Idle))

	start := time.Now()
	p := &pass{
		engine:   e,
		resolver: r,
		strategy: strat,
		oldZoom:  oldZ,
		stats:    &stats,
	}
	grid.Loop(newZoom, tileSize, viewport, p)

	stats.Duration = time.Since(start)
	metrics.RescaleDuration.WithLabelValues(stats.Direction).Observe(stats.Duration.Seconds())
	e.logger.Info("Finished rescale",
		zap.Int("from", oldZ),
		zap.Int("to", newZ),
		zap.Int("visited", stats.Visited),
		zap.Int("committed", stats.Committed),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("duration_ms", stats.Duration.Milliseconds()),
	)
	return stats, nil
}

// MaxTiles reports the per-pass tile limit.
func (e *Engine) MaxTiles() int {
	return e.maxTiles
}

type synthesized struct {
	id       tile.ID
	img      *image.RGBA
	consumed []tile.ID
}

// strategy holds the direction-specific part of a pass. synthesize returns
// nil when there is nothing to build the tile from.
type strategy interface {
	synthesize(p *pass, id tile.ID) (*image.RGBA, []tile.ID)
}

type pass struct {
	engine   *Engine
	resolver Resolver
	strategy strategy
	oldZoom  int
	diff     int
	tileSize int
	stats    *Stats
	newTiles []synthesized

	// scratch is the buffer of the tile being synthesized, released if
	// synthesis panics.
	scratch *image.RGBA
}

func (p *pass) Initialize(zoom int, tileSize int, upperLeft, lowerRight tile.ID) {
	p.diff = zoom - p.oldZoom
	if p.diff < 0 {
		p.diff = -p.diff
	}
	p.tileSize = tileSize
}

// edge returns the pixel offset of cell i when a tile is split into
// 2^diff cells per side. Cells differ by at most one pixel when the tile
// size is not a multiple of the cell count.
func (p *pass) edge(i int) int {
	return i * p.tileSize / (1 << p.diff)
}

func (p *pass) buffer() *image.RGBA {
	p.scratch = p.engine.pool.ObtainOrNew(p.tileSize, p.tileSize)
	return p.scratch
}

func (p *pass) HandleTile(id tile.ID, gridX, gridY int) {
	p.stats.Visited++

	// A hit means the tile is resolvable as is. A miss has queued the
	// real fetch; the placeholder covers the wait.
	if p.resolver.GetTile(id) != nil {
		return
	}

	img, consumed, err := p.synthesize(id)
	if err != nil {
		p.stats.Skipped++
		metrics.RescaleTiles.WithLabelValues("failed").Inc()
		p.engine.logger.Warn("Skipping rescaled tile",
			zap.Int("z", id.Z), zap.Int("x", id.X), zap.Int("y", id.Y), zap.Error(err))
		return
	}
	if img == nil {
		return
	}

	p.stats.Synthesized++
	p.newTiles = append(p.newTiles, synthesized{id: id, img: img, consumed: consumed})
}

func (p *pass) synthesize(id tile.ID) (img *image.RGBA, consumed []tile.ID, err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.scratch != nil {
				p.engine.pool.Release(p.scratch)
			}
			img, consumed = nil, nil
			err = fmt.Errorf("synthesize tile %s: %v", id, r)
		}
		p.scratch = nil
	}()
	img, consumed = p.strategy.synthesize(p, id)
	return img, consumed, nil
}

func (p *pass) Finalize() {
	p.engine.state.Store(int32(Committing))

	for _, nt := range p.newTiles {
		if _, ok := p.engine.cache.PutUnlessFresh(nt.id, nt.img, tile.Expired); !ok {
			p.engine.pool.Release(nt.img)
			metrics.RescaleTiles.WithLabelValues("superseded").Inc()
			continue
		}
		p.stats.Committed++
		metrics.RescaleTiles.WithLabelValues("committed").Inc()

		for _, src := range nt.consumed {
			if p.engine.cache.Remove(src) {
				p.stats.Evicted++
			}
		}
	}
	p.newTiles = nil
}

// zoomIn crops the matching part of the parent tile and scales it up.
type zoomIn struct{}

func (zoomIn) synthesize(p *pass, id tile.ID) (*image.RGBA, []tile.ID) {
	parent := tile.ID{Z: p.oldZoom, X: id.X >> p.diff, Y: id.Y >> p.diff}
	src := p.engine.cache.Get(parent)
	if src == nil {
		return nil, nil
	}

	mask := 1<<p.diff - 1
	cx, cy := id.X&mask, id.Y&mask
	cell := image.Rect(p.edge(cx), p.edge(cy), p.edge(cx+1), p.edge(cy+1))
	if cell.Empty() {
		return nil, nil
	}

	dst := p.buffer()
	drawn := false
	src.With(func(img *image.RGBA) {
		sr := cell.Add(img.Rect.Min)
		if !sr.In(img.Rect) {
			return
		}
		p.engine.scaler.Scale(dst, dst.Rect, img, sr, xdraw.Src, nil)
		drawn = true
	})
	if !drawn {
		p.engine.pool.Release(dst)
		return nil, nil
	}
	return dst, nil
}

// zoomOut shrinks the grid of child tiles into one parent tile.
type zoomOut struct{}

func (zoomOut) synthesize(p *pass, id tile.ID) (*image.RGBA, []tile.ID) {
	numTiles := 1 << p.diff

	var dst *image.RGBA
	var consumed []tile.ID
	for i := 0; i < numTiles; i++ {
		for j := 0; j < numTiles; j++ {
			dr := image.Rect(p.edge(i), p.edge(j), p.edge(i+1), p.edge(j+1))
			if dr.Empty() {
				continue
			}
			child := tile.ID{Z: p.oldZoom, X: id.X*numTiles + i, Y: id.Y*numTiles + j}
			src := p.engine.cache.Get(child)
			if src == nil {
				continue
			}
			src.With(func(img *image.RGBA) {
				if dst == nil {
					dst = p.buffer()
					xdraw.Draw(dst, dst.Rect, p.engine.background, image.Point{}, xdraw.Src)
				}
				p.engine.scaler.Scale(dst, dr, img, img.Rect, xdraw.Src, nil)
				consumed = append(consumed, child)
			})
		}
	}
	return dst, consumed
}
