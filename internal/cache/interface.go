package cache

import (
	"image"

	"tilecache/internal/tile"
)

// Cache maps tile identities to reusable image handles. Every method is safe
// for concurrent use by the render actor and fetch workers.
//
// Put* methods take ownership of img when they insert it. When they decline
// (the bool result is false) ownership stays with the caller.
type Cache interface {
	Get(key tile.ID) *Handle
	Put(key tile.ID, img *image.RGBA, freshness tile.Freshness) *Handle
	// PutIfAbsent inserts only when key has no entry.
	PutIfAbsent(key tile.ID, img *image.RGBA, freshness tile.Freshness) (*Handle, bool)
	// PutUnlessFresh inserts when key has no entry or its entry is expired.
	PutUnlessFresh(key tile.ID, img *image.RGBA, freshness tile.Freshness) (*Handle, bool)
	Contains(key tile.ID) bool
	Remove(key tile.ID) bool
	EnsureCapacity(n int)
	Capacity() int
	Len() int
	Clear()
	SetCacheKey(key string)
	CacheKey() string
}
