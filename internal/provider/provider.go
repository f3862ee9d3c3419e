// Package provider answers tile lookups from the cache and keeps it filled
// through an asynchronous fetch collaborator.
package provider

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/bufpool"
	"tilecache/internal/cache"
	"tilecache/internal/metrics"
	"tilecache/internal/rescale"
	"tilecache/internal/tile"
)

type Provider struct {
	cache   cache.Cache
	pool    *bufpool.Pool
	engine  *rescale.Engine
	fetcher Fetcher
	signal  *Signal
	logger  *zap.Logger

	mu      sync.Mutex
	source  *tile.Source
	pending map[tile.ID]*Request

	useNetwork atomic.Bool
}

var _ Callback = (*Provider)(nil)
var _ rescale.Resolver = (*Provider)(nil)

// New creates a provider over c. Buffers the cache declines go back to
// pool, which may be nil.
func New(c cache.Cache, pool *bufpool.Pool, engine *rescale.Engine, fetcher Fetcher, source *tile.Source, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pool == nil {
		pool = bufpool.New(0)
	}
	p := &Provider{
		cache:   c,
		pool:    pool,
		engine:  engine,
		fetcher: fetcher,
		signal:  NewSignal(),
		logger:  logger,
		source:  source,
		pending: make(map[tile.ID]*Request),
	}
	p.useNetwork.Store(true)
	if source != nil {
		c.SetCacheKey(source.CacheKey)
	}
	return p
}

// GetTile returns the cached handle for id without blocking. On a miss it
// queues one fetch and returns nil. An expired hit is returned as is and
// also queues a fetch for better data.
func (p *Provider) GetTile(id tile.ID) *cache.Handle {
	if h := p.cache.Get(id); h != nil {
		if h.IsExpired() {
			p.request(id, h)
		}
		return h
	}
	p.request(id, nil)
	return nil
}

func (p *Provider) request(id tile.ID, prior *cache.Handle) {
	if p.fetcher == nil || !p.useNetwork.Load() {
		return
	}

	p.mu.Lock()
	if _, ok := p.pending[id]; ok || p.source == nil {
		p.mu.Unlock()
		return
	}
	req := &Request{
		ID:           uuid.NewString(),
		Tile:         id,
		CacheKey:     p.source.CacheKey,
		TileSize:     p.source.TileSize,
		AllowNetwork: p.useNetwork.Load(),
		network:      &p.useNetwork,
		Prior:        prior,
		Created:      time.Now(),
	}
	p.pending[id] = req
	p.mu.Unlock()

	metrics.FetchRequests.Inc()
	if err := p.fetcher.Fetch(req, p); err != nil {
		p.complete(req)
		p.logger.Warn("Failed to queue tile request",
			zap.String("request_id", req.ID),
			zap.Int("z", id.Z), zap.Int("x", id.X), zap.Int("y", id.Y),
			zap.Error(err))
	}
}

// complete removes req from the pending table if it is still the
// outstanding request for its tile.
func (p *Provider) complete(req *Request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[req.Tile] != req {
		return false
	}
	delete(p.pending, req.Tile)
	return true
}

// Outcomes of a request that is no longer pending, because the source
// changed or the provider was detached, never reach the cache.

// OnResolved stores a successful result as fresh.
func (p *Provider) OnResolved(req *Request, img *image.RGBA) {
	if !p.complete(req) {
		p.drop(req, img)
		return
	}
	id := req.Tile
	metrics.FetchOutcomes.WithLabelValues("resolved").Inc()
	if img != nil {
		p.cache.Put(id, img, tile.Fresh)
	}
	p.signal.Notify(TilesChanged)
	p.logger.Debug("Tile resolved", zap.Int("z", id.Z), zap.Int("x", id.X), zap.Int("y", id.Y))
}

// OnFailed leaves the cache alone and tells the render side the attempt is over.
func (p *Provider) OnFailed(req *Request) {
	if !p.complete(req) {
		p.drop(req, nil)
		return
	}
	id := req.Tile
	metrics.FetchOutcomes.WithLabelValues("failed").Inc()
	p.signal.Notify(RequestFailed)
	p.logger.Debug("Tile request failed", zap.Int("z", id.Z), zap.Int("x", id.X), zap.Int("y", id.Y))
}

// OnExpiredButUsable stores a stale result only if nothing is cached for the
// tile, so a fresh tile is never downgraded.
func (p *Provider) OnExpiredButUsable(req *Request, img *image.RGBA) {
	if !p.complete(req) {
		p.drop(req, img)
		return
	}
	id := req.Tile
	metrics.FetchOutcomes.WithLabelValues("expired").Inc()
	if img != nil {
		if _, ok := p.cache.PutIfAbsent(id, img, tile.Expired); !ok {
			p.pool.Release(img)
		}
	}
	p.signal.Notify(TilesChanged)
	p.logger.Debug("Tile resolved with expired data", zap.Int("z", id.Z), zap.Int("x", id.X), zap.Int("y", id.Y))
}

func (p *Provider) drop(req *Request, img *image.RGBA) {
	p.pool.Release(img)
	metrics.FetchOutcomes.WithLabelValues("dropped").Inc()
	p.logger.Debug("Dropped outcome of abandoned request",
		zap.String("request_id", req.ID),
		zap.String("cache_key", req.CacheKey),
		zap.Int("z", req.Tile.Z), zap.Int("x", req.Tile.X), zap.Int("y", req.Tile.Y))
}

// SetTileSource switches sources, dropping every cached tile and re-keying
// the persistent tier. Outstanding requests are canceled and their late
// outcomes are dropped.
func (p *Provider) SetTileSource(source *tile.Source) {
	p.mu.Lock()
	p.source = source
	p.abandonLocked()
	p.mu.Unlock()

	p.cache.Clear()
	if source != nil {
		p.cache.SetCacheKey(source.CacheKey)
		p.logger.Info("Tile source set",
			zap.String("name", source.Name),
			zap.String("cache_key", source.CacheKey),
			zap.Int("tile_size", source.TileSize))
	}
}

func (p *Provider) TileSource() *tile.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// RescaleCache fills the cache with placeholders for newZoom built from
// tiles cached at oldZoom. viewport is in map pixels at newZoom.
func (p *Provider) RescaleCache(newZoom, oldZoom float64, viewport image.Rectangle) rescale.Stats {
	source := p.TileSource()
	if source == nil || p.engine == nil || tile.FloorZoom(newZoom) == tile.FloorZoom(oldZoom) {
		return rescale.Stats{}
	}

	p.logger.Info("Rescaling tile cache", zap.Float64("from", oldZoom), zap.Float64("to", newZoom))
	stats, err := p.engine.Rescale(p, newZoom, oldZoom, source.TileSize, viewport)
	if err != nil {
		p.logger.Warn("Rescale skipped", zap.Error(err))
		return stats
	}
	if stats.Committed > 0 {
		p.signal.Notify(TilesChanged)
	}
	return stats
}

// RescaleLimit reports the most tiles a single RescaleCache pass may cover.
func (p *Provider) RescaleLimit() int {
	if p.engine == nil {
		return 0
	}
	return p.engine.MaxTiles()
}

// UseNetwork toggles fetching. While disabled, misses stay unresolved.
func (p *Provider) UseNetwork(enabled bool) {
	p.useNetwork.Store(enabled)
}

func (p *Provider) UsesNetwork() bool {
	return p.useNetwork.Load()
}

func (p *Provider) EnsureCapacity(n int) {
	p.cache.EnsureCapacity(n)
}

func (p *Provider) ClearTileCache() {
	p.cache.Clear()
}

// Detach drops cached tiles and forgets outstanding requests.
func (p *Provider) Detach() {
	p.mu.Lock()
	p.abandonLocked()
	p.mu.Unlock()
	p.cache.Clear()
}

func (p *Provider) abandonLocked() {
	for _, req := range p.pending {
		req.Cancel()
	}
	p.pending = make(map[tile.ID]*Request)
}

// Pending returns the number of outstanding requests.
func (p *Provider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Signal delivers coalesced change notifications to the render side.
func (p *Provider) Signal() *Signal {
	return p.signal
}

// CacheInfo is a point-in-time view of the cache for diagnostics.
type CacheInfo struct {
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
	Pending  int    `json:"pending"`
	CacheKey string `json:"cache_key"`
	Network  bool   `json:"network"`
}

func (p *Provider) CacheInfo() CacheInfo {
	return CacheInfo{
		Entries:  p.cache.Len(),
		Capacity: p.cache.Capacity(),
		Pending:  p.Pending(),
		CacheKey: p.cache.CacheKey(),
		Network:  p.useNetwork.Load(),
	}
}
