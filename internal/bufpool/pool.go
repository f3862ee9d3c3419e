// Package bufpool keeps released tile-sized RGBA buffers for reuse so that
// rescale passes during zoom gestures do not churn the allocator.
package bufpool

import (
	"image"
	"sync"

	"tilecache/internal/metrics"
)

// DefaultMaxPerSize bounds how many idle buffers are kept per dimension.
const DefaultMaxPerSize = 64

type size struct {
	w, h int
}

// Pool is safe for concurrent use. One instance is created at startup and
// handed to every component that allocates tile buffers.
type Pool struct {
	mu         sync.Mutex
	maxPerSize int
	free       map[size][]*image.RGBA
}

func New(maxPerSize int) *Pool {
	if maxPerSize <= 0 {
		maxPerSize = DefaultMaxPerSize
	}
	return &Pool{
		maxPerSize: maxPerSize,
		free:       make(map[size][]*image.RGBA),
	}
}

// Obtain returns an idle buffer of exactly width x height, or nil when the
// pool has none and the caller must allocate.
func (p *Pool) Obtain(width, height int) *image.RGBA {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := size{width, height}
	list := p.free[key]
	if len(list) == 0 {
		metrics.PoolObtains.WithLabelValues("miss").Inc()
		return nil
	}

	img := list[len(list)-1]
	list[len(list)-1] = nil
	p.free[key] = list[:len(list)-1]
	metrics.PoolObtains.WithLabelValues("hit").Inc()
	return img
}

// ObtainOrNew is Obtain falling back to a fresh allocation.
func (p *Pool) ObtainOrNew(width, height int) *image.RGBA {
	if img := p.Obtain(width, height); img != nil {
		return img
	}
	return image.NewRGBA(image.Rect(0, 0, width, height))
}

// Release hands a buffer back. The caller guarantees nobody reads it any
// more. Buffers that are not anchored at the origin are dropped.
func (p *Pool) Release(img *image.RGBA) {
	if img == nil || img.Rect.Min != (image.Point{}) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := size{img.Rect.Dx(), img.Rect.Dy()}
	if len(p.free[key]) >= p.maxPerSize {
		return
	}
	p.free[key] = append(p.free[key], img)
}

// Len returns the number of idle buffers of the given size.
func (p *Pool) Len(width, height int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[size{width, height}])
}
