// Package tile holds the identity and source types shared by the cache,
// the provider and the rescale engine.
package tile

import (
	"fmt"
	"math"
)

// ID addresses one tile in the XYZ scheme. It is comparable and used
// directly as a map key.
type ID struct {
	Z int
	X int
	Y int
}

func (id ID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Z, id.X, id.Y)
}

// Freshness marks whether cached content came from a real fetch or is an
// approximation that better data may silently replace.
type Freshness int

const (
	Fresh Freshness = iota
	Expired
)

func (f Freshness) String() string {
	if f == Expired {
		return "expired"
	}
	return "fresh"
}

// Source describes the active tile source. TileSize is constant for the
// lifetime of a cache; switching sources invalidates the cache.
type Source struct {
	Name     string `json:"name"`
	TileSize int    `json:"tile_size"`
	MinZoom  int    `json:"min_zoom"`
	MaxZoom  int    `json:"max_zoom"`
	CacheKey string `json:"cache_key"`
}

// FloorZoom returns the integer tile zoom for a fractional view zoom.
func FloorZoom(zoom float64) int {
	return int(math.Floor(zoom))
}
