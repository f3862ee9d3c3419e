package cache

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/bufpool"
	"tilecache/internal/tile"
)

func newImg() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 4, 4))
}

func TestGetPutContains(t *testing.T) {
	c := NewMemoryCache(4, nil, nil)
	key := tile.ID{Z: 3, X: 1, Y: 2}

	assert.Nil(t, c.Get(key))
	assert.False(t, c.Contains(key))

	img := newImg()
	h := c.Put(key, img, tile.Fresh)
	require.NotNil(t, h)

	assert.True(t, c.Contains(key))
	got := c.Get(key)
	require.Same(t, h, got)
	assert.Same(t, img, got.Image())
	assert.Equal(t, tile.Fresh, got.Freshness())
}

func TestPutReplacesAndReclaimsOld(t *testing.T) {
	pool := bufpool.New(4)
	c := NewMemoryCache(4, pool, nil)
	key := tile.ID{Z: 1}

	old := c.Put(key, newImg(), tile.Expired)
	c.Put(key, newImg(), tile.Fresh)

	assert.Equal(t, 1, c.Len())
	assert.False(t, old.IsValid())
	assert.Equal(t, 1, pool.Len(4, 4))
	assert.False(t, c.Get(key).IsExpired())
}

func TestPutIfAbsent(t *testing.T) {
	c := NewMemoryCache(4, nil, nil)
	key := tile.ID{Z: 2, X: 1}

	first, ok := c.PutIfAbsent(key, newImg(), tile.Fresh)
	require.True(t, ok)

	got, ok := c.PutIfAbsent(key, newImg(), tile.Expired)
	assert.False(t, ok)
	assert.Same(t, first, got)
	assert.Equal(t, tile.Fresh, c.Get(key).Freshness())
}

func TestPutUnlessFresh(t *testing.T) {
	c := NewMemoryCache(4, nil, nil)
	fresh := tile.ID{Z: 2, X: 0}
	expired := tile.ID{Z: 2, X: 1}
	absent := tile.ID{Z: 2, X: 2}

	c.Put(fresh, newImg(), tile.Fresh)
	c.Put(expired, newImg(), tile.Expired)

	_, ok := c.PutUnlessFresh(fresh, newImg(), tile.Expired)
	assert.False(t, ok)
	assert.Equal(t, tile.Fresh, c.Get(fresh).Freshness())

	_, ok = c.PutUnlessFresh(expired, newImg(), tile.Expired)
	assert.True(t, ok)

	_, ok = c.PutUnlessFresh(absent, newImg(), tile.Expired)
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, nil, nil)
	a, b, d := tile.ID{X: 1}, tile.ID{X: 2}, tile.ID{X: 3}

	c.Put(a, newImg(), tile.Fresh)
	c.Put(b, newImg(), tile.Fresh)
	c.Get(a)
	c.Put(d, newImg(), tile.Fresh)

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains(a))
	assert.False(t, c.Contains(b))
	assert.True(t, c.Contains(d))
}

func TestEvictionSkipsHandlesInUse(t *testing.T) {
	c := NewMemoryCache(2, nil, nil)
	a, b, d := tile.ID{X: 1}, tile.ID{X: 2}, tile.ID{X: 3}

	ha := c.Put(a, newImg(), tile.Fresh)
	c.Put(b, newImg(), tile.Fresh)

	require.True(t, ha.BeginUse())
	c.Put(d, newImg(), tile.Fresh)

	assert.True(t, c.Contains(a), "in-use entry must survive eviction")
	assert.False(t, c.Contains(b))
	assert.True(t, ha.IsValid())
	ha.EndUse()
}

func TestEvictionNeverDropsBelowCapacity(t *testing.T) {
	c := NewMemoryCache(3, nil, nil)
	for i := 0; i < 10; i++ {
		c.Put(tile.ID{Z: 5, X: i}, newImg(), tile.Fresh)
		expected := i + 1
		if expected > 3 {
			expected = 3
		}
		assert.Equal(t, expected, c.Len())
	}
}

func TestInsertSucceedsWhenEverythingInUse(t *testing.T) {
	c := NewMemoryCache(1, nil, nil)
	h := c.Put(tile.ID{X: 1}, newImg(), tile.Fresh)
	require.True(t, h.BeginUse())
	defer h.EndUse()

	c.Put(tile.ID{X: 2}, newImg(), tile.Fresh)
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains(tile.ID{X: 2}))
}

func TestEnsureCapacity(t *testing.T) {
	c := NewMemoryCache(2, nil, nil)
	c.EnsureCapacity(10)
	assert.Equal(t, 10, c.Capacity())
	c.EnsureCapacity(5)
	assert.Equal(t, 10, c.Capacity(), "capacity never shrinks")

	for i := 0; i < 10; i++ {
		c.Put(tile.ID{X: i}, newImg(), tile.Fresh)
	}
	assert.Equal(t, 10, c.Len())
}

func TestRemove(t *testing.T) {
	pool := bufpool.New(4)
	c := NewMemoryCache(4, pool, nil)
	key := tile.ID{Z: 1, X: 1}

	h := c.Put(key, newImg(), tile.Fresh)
	require.True(t, h.BeginUse())

	assert.True(t, c.Remove(key))
	assert.False(t, c.Remove(key))
	assert.True(t, h.IsValid(), "reader still holds the buffer")
	assert.Equal(t, 0, pool.Len(4, 4))

	h.EndUse()
	assert.False(t, h.IsValid())
	assert.Equal(t, 1, pool.Len(4, 4))
}

func TestClearReleasesBuffers(t *testing.T) {
	pool := bufpool.New(8)
	c := NewMemoryCache(8, pool, nil)
	for i := 0; i < 3; i++ {
		c.Put(tile.ID{X: i}, newImg(), tile.Fresh)
	}
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 3, pool.Len(4, 4))
}

func TestSetCacheKeyKeepsEntries(t *testing.T) {
	c := NewMemoryCache(4, nil, nil)
	c.Put(tile.ID{X: 1}, newImg(), tile.Fresh)
	c.SetCacheKey("osm")
	assert.Equal(t, "osm", c.CacheKey())
	assert.Equal(t, 1, c.Len())
}
