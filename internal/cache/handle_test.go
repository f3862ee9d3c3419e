package cache

import (
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/bufpool"
	"tilecache/internal/tile"
)

func TestHandleReclaimOnlyWhenIdleAndDetached(t *testing.T) {
	pool := bufpool.New(4)
	h := newHandle(newImg(), tile.Fresh, pool)
	h.attach()

	require.True(t, h.BeginUse())
	h.detach()
	assert.True(t, h.IsValid())
	assert.True(t, h.InUse())

	h.EndUse()
	assert.False(t, h.IsValid())
	assert.False(t, h.BeginUse())
	assert.Equal(t, 1, pool.Len(4, 4))
}

func TestHandleStaysValidWhileCached(t *testing.T) {
	h := newHandle(newImg(), tile.Fresh, nil)
	h.attach()

	require.True(t, h.BeginUse())
	h.EndUse()
	assert.True(t, h.IsValid())
}

func TestHandleWithClosesRegionOnPanic(t *testing.T) {
	h := newHandle(newImg(), tile.Fresh, nil)
	h.attach()

	assert.Panics(t, func() {
		h.With(func(*image.RGBA) { panic("boom") })
	})
	assert.False(t, h.InUse())
}

func TestHandleEndUseUnbalancedPanics(t *testing.T) {
	h := newHandle(newImg(), tile.Fresh, nil)
	h.attach()
	assert.Panics(t, h.EndUse)
}

// Readers must never see a buffer after it has gone back to the pool. The
// pool recycles the buffer into a writer that paints it red; any reader that
// observes red inside a use region saw reclaimed content.
func TestHandleConcurrentUseAndDetach(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}

	for round := 0; round < 200; round++ {
		pool := bufpool.New(4)
		h := newHandle(newImg(), tile.Fresh, pool)
		h.attach()

		var wg sync.WaitGroup
		var mu sync.Mutex
		observedReclaimed := false

		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					h.With(func(img *image.RGBA) {
						if img.RGBAAt(0, 0) == red {
							mu.Lock()
							observedReclaimed = true
							mu.Unlock()
						}
					})
				}
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.detach()
			for i := 0; i < 50; i++ {
				if img := pool.Obtain(4, 4); img != nil {
					img.SetRGBA(0, 0, red)
				}
			}
		}()

		wg.Wait()
		assert.False(t, observedReclaimed)
		assert.False(t, h.IsValid())
	}
}
