package fetch

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"tilecache/internal/bufpool"
	"tilecache/internal/provider"
	"tilecache/internal/tile"
)

var tileExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".tif", ".tiff"}

// DiskModule reads tiles from a local tree. Structure:
// {root}/{cacheKey}/{z}/{x}/{y}.{ext}
// Files older than maxAge are returned as stale.
type DiskModule struct {
	root   string
	maxAge time.Duration
	pool   *bufpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

var _ Module = (*DiskModule)(nil)

func NewDiskModule(root string, maxAge time.Duration, pool *bufpool.Pool, logger *zap.Logger) *DiskModule {
	if pool == nil {
		pool = bufpool.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskModule{
		root:   root,
		maxAge: maxAge,
		pool:   pool,
		logger: logger,
		now:    time.Now,
	}
}

func (m *DiskModule) Name() string      { return "disk" }
func (m *DiskModule) UsesNetwork() bool { return false }

func (m *DiskModule) Load(ctx context.Context, req *provider.Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	path, info, err := m.find(req.CacheKey, req.Tile)
	if err != nil {
		return Result{}, err
	}

	img, err := m.decode(path, req.TileSize)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	stale := m.maxAge > 0 && m.now().Sub(info.ModTime()) > m.maxAge
	m.logger.Debug("Tile loaded from disk",
		zap.String("request_id", req.ID),
		zap.String("path", path),
		zap.Bool("stale", stale))
	return Result{Image: img, Stale: stale}, nil
}

// buildDirPath returns the directory holding the y files of one column.
func (m *DiskModule) buildDirPath(cacheKey string, id tile.ID) string {
	return filepath.Join(m.root, cacheKey, strconv.Itoa(id.Z), strconv.Itoa(id.X))
}

func (m *DiskModule) find(cacheKey string, id tile.ID) (string, os.FileInfo, error) {
	if cacheKey == "" || strings.ContainsAny(cacheKey, `/\`) || cacheKey == ".." {
		return "", nil, fmt.Errorf("invalid cache key %q", cacheKey)
	}

	dir := m.buildDirPath(cacheKey, id)
	for _, ext := range tileExtensions {
		path := filepath.Join(dir, strconv.Itoa(id.Y)+ext)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, info, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s/%s", ErrNotFound, cacheKey, id)
}

// decode loads the file with libvips, fits it to tileSize x tileSize and
// copies the pixels into a pooled RGBA buffer.
func (m *DiskModule) decode(path string, tileSize int) (*image.RGBA, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer img.Close()

	w, h := img.Width(), img.Height()
	if w != tileSize || h != tileSize {
		scale := float64(tileSize) / float64(max(w, h))

		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(scale, resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}

		// Anchor at top-left to keep the tile aligned.
		if img.Width() < tileSize || img.Height() < tileSize {
			embedOpts := vips.DefaultEmbedOptions()
			embedOpts.Extend = vips.ExtendBackground
			embedOpts.Background = []float64{204, 204, 204}
			if err := img.Embed(0, 0, tileSize, tileSize, embedOpts); err != nil {
				return nil, fmt.Errorf("failed to pad: %w", err)
			}
		}
	}

	buf, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to read pixels: %w", err)
	}

	dst := m.pool.ObtainOrNew(tileSize, tileSize)
	xdraw.Draw(dst, dst.Rect, decoded, decoded.Bounds().Min, xdraw.Src)
	return dst, nil
}

func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	// Tiles are read once, front to back.
	access := vips.AccessSequential

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
