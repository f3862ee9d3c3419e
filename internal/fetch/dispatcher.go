// Package fetch is a fetch collaborator for the tile provider: a bounded
// queue drained by a fixed set of workers that ask each module in turn.
package fetch

import (
	"context"
	"errors"
	"image"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilecache/internal/provider"
)

var (
	ErrQueueFull = errors.New("fetch queue full")
	ErrClosed    = errors.New("fetch dispatcher closed")
	ErrNotFound  = errors.New("tile not found")
)

// Result is what a module produced. Stale results are usable but a later
// module may still have better data.
type Result struct {
	Image *image.RGBA
	Stale bool
}

type Module interface {
	Name() string
	UsesNetwork() bool
	Load(ctx context.Context, req *provider.Request) (Result, error)
}

type Config struct {
	Workers   int
	QueueSize int
}

type job struct {
	req *provider.Request
	cb  provider.Callback
}

type Dispatcher struct {
	modules []Module
	queue   chan job
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ provider.Fetcher = (*Dispatcher)(nil)

// NewDispatcher starts cfg.Workers workers. Call Close to stop them.
func NewDispatcher(cfg Config, modules []Module, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		modules: modules,
		queue:   make(chan job, cfg.QueueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Fetch queues req without blocking.
func (d *Dispatcher) Fetch(req *provider.Request, cb provider.Callback) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- job{req: req, cb: cb}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.resolve(j.req, j.cb)
	}
}

// resolve delivers exactly one outcome: the first fresh result, else the
// first stale one, else failure. A canceled request stops asking modules.
func (d *Dispatcher) resolve(req *provider.Request, cb provider.Callback) {
	var stale *image.RGBA

	for _, m := range d.modules {
		if req.Canceled() {
			break
		}
		if m.UsesNetwork() && !req.NetworkAllowed() {
			continue
		}

		req.Begin(m.Name())
		res, err := m.Load(d.ctx, req)
		req.Finish(m.Name())

		if err != nil {
			if !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled) {
				d.logger.Warn("Tile module failed",
					zap.String("module", m.Name()),
					zap.String("request_id", req.ID),
					zap.Int("z", req.Tile.Z), zap.Int("x", req.Tile.X), zap.Int("y", req.Tile.Y),
					zap.Error(err))
			}
			continue
		}
		if res.Image == nil {
			continue
		}
		if !res.Stale {
			cb.OnResolved(req, res.Image)
			return
		}
		if stale == nil {
			stale = res.Image
		}
	}

	if stale != nil {
		cb.OnExpiredButUsable(req, stale)
		return
	}
	cb.OnFailed(req)
}

// Close stops accepting requests, fails whatever is still queued and closes
// modules that implement io.Closer.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()

	var err error
	for _, m := range d.modules {
		if c, ok := m.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
