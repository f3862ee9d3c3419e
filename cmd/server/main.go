package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tilecache/internal/bufpool"
	"tilecache/internal/cache"
	"tilecache/internal/config"
	"tilecache/internal/fetch"
	httphandlers "tilecache/internal/http"
	"tilecache/internal/logger"
	"tilecache/internal/provider"
	"tilecache/internal/rescale"
	"tilecache/internal/sourcelist"
	"tilecache/internal/tile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	scaler, err := rescale.ParseScaler(cfg.RescaleKernel)
	if err != nil {
		log.Fatal("Invalid rescale kernel", zap.Error(err))
	}
	background, err := rescale.ParseColor(cfg.RescaleBackground)
	if err != nil {
		log.Fatal("Invalid rescale background", zap.Error(err))
	}

	log.Info("Starting tile cache server",
		zap.Int("port", cfg.Port),
		zap.String("tiles_dir", cfg.TilesDir),
		zap.Int("cache_capacity", cfg.CacheCapacity),
	)

	scanner := sourcelist.New(cfg.TilesDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	source := scanner.Default()
	if cfg.TileSource != "" {
		source = scanner.GetSourceByName(cfg.TileSource)
		if source == nil {
			log.Warn("Configured tile source not found", zap.String("name", cfg.TileSource))
		}
	}

	pool := bufpool.New(cfg.PoolMaxBuffers)
	tileCache := cache.NewMemoryCache(cfg.CacheCapacity, pool, log)
	engine := rescale.New(tileCache, pool, rescale.Options{
		Scaler:     scaler,
		Background: background,
		MaxTiles:   cfg.RescaleMaxTiles,
	}, log)

	disk := fetch.NewDiskModule(cfg.TilesDir, cfg.FetchMaxAge, pool, log)
	dispatcher := fetch.NewDispatcher(fetch.Config{
		Workers:   cfg.FetchWorkers,
		QueueSize: cfg.FetchQueueSize,
	}, []fetch.Module{disk}, log)

	tiles := provider.New(tileCache, pool, engine, dispatcher, source, log)
	tiles.UseNetwork(cfg.UseNetwork)

	handlers := httphandlers.New(cfg, log, scanner, tiles)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	if cfg.PrefetchLevels > 0 && source != nil {
		go prefetchTiles(cfg.PrefetchLevels, tiles, source, log)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Close(); err != nil {
		log.Error("Failed to close fetch modules", zap.Error(err))
	}
	tiles.Detach()

	log.Info("Server stopped")
}

// prefetchTiles requests every tile of the lowest zoom levels so the first
// views are served from cache. Requests are queued, not awaited.
func prefetchTiles(levels int, tiles *provider.Provider, source *tile.Source, log *zap.Logger) {
	maxZoom := min(source.MinZoom+levels, source.MaxZoom)

	need := 0
	for z := source.MinZoom; z <= maxZoom; z++ {
		need += 1 << (2 * z)
	}
	tiles.EnsureCapacity(need)

	log.Info("Starting tile prefetch",
		zap.String("source", source.Name),
		zap.Int("min_zoom", source.MinZoom),
		zap.Int("max_zoom", maxZoom),
		zap.Int("tiles", need))

	for z := source.MinZoom; z <= maxZoom; z++ {
		n := 1 << z
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				tiles.GetTile(tile.ID{Z: z, X: x, Y: y})
			}
		}
	}

	log.Info("Tile prefetch queued", zap.Int("pending", tiles.Pending()))
}
