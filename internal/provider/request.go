package provider

import (
	"image"
	"sync"
	"sync/atomic"
	"time"

	"tilecache/internal/cache"
	"tilecache/internal/tile"
)

// Request is the state of one outstanding tile resolution. It lives from the
// cache miss that created it until a completion callback for its tile.
type Request struct {
	ID   string
	Tile tile.ID

	// CacheKey and TileSize describe the source active when the request was
	// made.
	CacheKey string
	TileSize int

	// AllowNetwork is the network flag at creation. NetworkAllowed also
	// follows later toggles made on the provider.
	AllowNetwork bool
	network      *atomic.Bool

	// Prior is the expired entry shown while waiting, if any. Readers must
	// bracket access with BeginUse/EndUse.
	Prior   *cache.Handle
	Created time.Time

	canceled atomic.Bool

	mu      sync.Mutex
	modules map[string]struct{}
}

// NetworkAllowed reports whether modules that need the network may still
// work on the request.
func (r *Request) NetworkAllowed() bool {
	if !r.AllowNetwork {
		return false
	}
	return r.network == nil || r.network.Load()
}

// Cancel marks the request as abandoned, for example after a source
// switch. Its outcome, if any, is dropped by the provider.
func (r *Request) Cancel() {
	r.canceled.Store(true)
}

// Canceled reports whether fetchers can stop working on the request.
func (r *Request) Canceled() bool {
	return r.canceled.Load()
}

// Begin records that module is working on the request.
func (r *Request) Begin(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modules == nil {
		r.modules = make(map[string]struct{})
	}
	r.modules[module] = struct{}{}
}

// Finish records that module is done with the request.
func (r *Request) Finish(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, module)
}

// Modules returns the modules currently working on the request.
func (r *Request) Modules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// Callback receives exactly one terminal outcome per request. The request
// identifies both the tile and the source it was made for.
type Callback interface {
	OnResolved(req *Request, img *image.RGBA)
	OnFailed(req *Request)
	OnExpiredButUsable(req *Request, img *image.RGBA)
}

// Fetcher resolves tiles asynchronously. Fetch must not block; an error
// means the request was not accepted and no callback will follow.
type Fetcher interface {
	Fetch(req *Request, cb Callback) error
}
