package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	TilesDir   string `env:"TILES_DIR" envDefault:"/data/tiles"`
	TileSource string `env:"TILE_SOURCE"`

	CacheCapacity  int `env:"CACHE_CAPACITY" envDefault:"256"`
	PoolMaxBuffers int `env:"POOL_MAX_BUFFERS" envDefault:"64"`

	FetchWorkers   int           `env:"FETCH_WORKERS" envDefault:"4"`
	FetchQueueSize int           `env:"FETCH_QUEUE_SIZE" envDefault:"1024"`
	FetchMaxAge    time.Duration `env:"FETCH_MAX_AGE" envDefault:"168h"`
	UseNetwork     bool          `env:"USE_NETWORK" envDefault:"true"`

	RescaleKernel     string `env:"RESCALE_KERNEL" envDefault:"bilinear"`
	RescaleBackground string `env:"RESCALE_BACKGROUND" envDefault:"#cccccc"`
	RescaleMaxTiles   int    `env:"RESCALE_MAX_TILES" envDefault:"4096"`

	PrefetchLevels int `env:"PREFETCH_LEVELS" envDefault:"1"`

	VipsMaxCacheMB  int `env:"VIPS_MAX_CACHE_MB" envDefault:"64"`
	VipsConcurrency int `env:"VIPS_CONCURRENCY" envDefault:"1"`

	AllowedOrigin string `env:"ALLOWED_ORIGIN"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	// Missing .env is the normal case in containers.
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("CACHE_CAPACITY must be positive, got %d", c.CacheCapacity)
	}
	if c.FetchWorkers <= 0 {
		return fmt.Errorf("FETCH_WORKERS must be positive, got %d", c.FetchWorkers)
	}
	if c.RescaleMaxTiles <= 0 {
		return fmt.Errorf("RESCALE_MAX_TILES must be positive, got %d", c.RescaleMaxTiles)
	}
	if c.PrefetchLevels < 0 {
		return fmt.Errorf("PREFETCH_LEVELS must not be negative, got %d", c.PrefetchLevels)
	}
	c.RescaleKernel = strings.ToLower(strings.TrimSpace(c.RescaleKernel))
	return nil
}
