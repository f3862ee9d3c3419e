package rescale

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// ParseScaler maps a kernel name to an x/image scaler.
func ParseScaler(name string) (xdraw.Scaler, error) {
	switch strings.ToLower(name) {
	case "nearest":
		return xdraw.NearestNeighbor, nil
	case "", "bilinear":
		return xdraw.ApproxBiLinear, nil
	case "catmullrom":
		return xdraw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown rescale kernel: %s (supported: nearest, bilinear, catmullrom)", name)
	}
}

// ParseColor parses #rgb or #rrggbb into an opaque colour.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
