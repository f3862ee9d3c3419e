// Package grid walks the rectangle of tiles covering a viewport.
package grid

import (
	"image"
	"math"

	"tilecache/internal/tile"
)

// Visitor receives one loop over a tile grid. Initialize is called once with
// the inclusive corner tiles, HandleTile once per tile in row-major order,
// Finalize once at the end.
type Visitor interface {
	Initialize(zoom int, tileSize int, upperLeft, lowerRight tile.ID)
	HandleTile(id tile.ID, gridX, gridY int)
	Finalize()
}

// Bounds returns the inclusive corner tiles covering viewport, given in
// map pixels at the fractional zoom. ok is false for an empty viewport.
func Bounds(zoom float64, tileSize int, viewport image.Rectangle) (upperLeft, lowerRight tile.ID, ok bool) {
	z := tile.FloorZoom(zoom)
	if viewport.Empty() || tileSize <= 0 {
		return tile.ID{Z: z}, tile.ID{Z: z}, false
	}

	scaled := float64(tileSize) * math.Pow(2, zoom-float64(z))
	upperLeft = tile.ID{
		Z: z,
		X: int(math.Floor(float64(viewport.Min.X) / scaled)),
		Y: int(math.Floor(float64(viewport.Min.Y) / scaled)),
	}
	lowerRight = tile.ID{
		Z: z,
		X: int(math.Floor(float64(viewport.Max.X-1) / scaled)),
		Y: int(math.Floor(float64(viewport.Max.Y-1) / scaled)),
	}
	return upperLeft, lowerRight, true
}

// Loop drives v over every tile covering viewport. It returns the number of
// tiles visited.
func Loop(zoom float64, tileSize int, viewport image.Rectangle, v Visitor) int {
	upperLeft, lowerRight, ok := Bounds(zoom, tileSize, viewport)
	v.Initialize(upperLeft.Z, tileSize, upperLeft, lowerRight)
	defer v.Finalize()

	if !ok {
		return 0
	}

	visited := 0
	for y := upperLeft.Y; y <= lowerRight.Y; y++ {
		for x := upperLeft.X; x <= lowerRight.X; x++ {
			v.HandleTile(tile.ID{Z: upperLeft.Z, X: x, Y: y}, x-upperLeft.X, y-upperLeft.Y)
			visited++
		}
	}
	return visited
}

// Count returns how many tiles Loop would visit.
func Count(zoom float64, tileSize int, viewport image.Rectangle) int {
	upperLeft, lowerRight, ok := Bounds(zoom, tileSize, viewport)
	if !ok {
		return 0
	}
	return (lowerRight.X - upperLeft.X + 1) * (lowerRight.Y - upperLeft.Y + 1)
}
