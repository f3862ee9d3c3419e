package cache

import (
	"image"
	"sync/atomic"

	"tilecache/internal/bufpool"
	"tilecache/internal/tile"
)

const reclaimed = -1

// Handle wraps one pooled tile buffer shared between the cache and any
// reader. The buffer goes back to the pool only when no reader holds it and
// no cache entry references it.
//
// Readers bracket every access to Image with BeginUse/EndUse, or use With.
type Handle struct {
	img       *image.RGBA
	freshness tile.Freshness
	pool      *bufpool.Pool

	// uses is the number of open use regions, or reclaimed once the buffer
	// has been handed back to the pool.
	uses atomic.Int64
	refs atomic.Int32
}

func newHandle(img *image.RGBA, freshness tile.Freshness, pool *bufpool.Pool) *Handle {
	return &Handle{img: img, freshness: freshness, pool: pool}
}

// BeginUse opens a use region. It returns false if the buffer has already
// been reclaimed, in which case EndUse must not be called.
func (h *Handle) BeginUse() bool {
	for {
		n := h.uses.Load()
		if n == reclaimed {
			return false
		}
		if h.uses.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// EndUse closes a region opened by a successful BeginUse.
func (h *Handle) EndUse() {
	n := h.uses.Add(-1)
	if n < 0 {
		panic("cache: EndUse without matching BeginUse")
	}
	if n == 0 && h.refs.Load() == 0 {
		h.tryReclaim()
	}
}

// With runs fn inside a use region and reports whether fn ran. The region
// is closed even if fn panics.
func (h *Handle) With(fn func(img *image.RGBA)) bool {
	if !h.BeginUse() {
		return false
	}
	defer h.EndUse()
	fn(h.img)
	return true
}

// Image returns the buffer. Only valid inside a use region.
func (h *Handle) Image() *image.RGBA {
	return h.img
}

func (h *Handle) IsValid() bool {
	return h.uses.Load() != reclaimed
}

func (h *Handle) InUse() bool {
	return h.uses.Load() > 0
}

func (h *Handle) Freshness() tile.Freshness {
	return h.freshness
}

func (h *Handle) IsExpired() bool {
	return h.freshness == tile.Expired
}

func (h *Handle) attach() {
	h.refs.Add(1)
}

func (h *Handle) detach() {
	if h.refs.Add(-1) == 0 {
		h.tryReclaim()
	}
}

func (h *Handle) tryReclaim() {
	if h.refs.Load() != 0 {
		return
	}
	if !h.uses.CompareAndSwap(0, reclaimed) {
		return
	}
	if h.pool != nil {
		h.pool.Release(h.img)
	}
}
