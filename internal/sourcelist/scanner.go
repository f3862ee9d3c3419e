package sourcelist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/tile"
)

const descriptorName = "source.json"

const (
	defaultTileSize = 256
	defaultMaxZoom  = 18
)

// Scanner keeps the catalog of tile sources found under rootDir. Every
// source lives in a directory named after its cache key.
type Scanner struct {
	rootDir string
	logger  *zap.Logger

	mu      sync.RWMutex
	sources []tile.Source
}

func New(rootDir string, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{
		rootDir: rootDir,
		logger:  logger,
	}
}

func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return fmt.Errorf("failed to read tiles directory: %w", err)
	}

	var sources []tile.Source
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dirPath := filepath.Join(s.rootDir, entry.Name())
		jsonPath := filepath.Join(dirPath, descriptorName)

		var src *tile.Source

		// Without a descriptor the directory is adopted: it gets a fresh
		// cache key as its new name and a default descriptor.
		if _, err := os.Stat(jsonPath); err != nil {
			src, err = s.adopt(dirPath)
			if err != nil {
				s.logger.Warn("Failed to adopt tile directory", zap.String("path", dirPath), zap.Error(err))
				continue
			}
		} else {
			src, err = s.loadDescriptor(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load descriptor, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			if src.CacheKey != entry.Name() {
				s.logger.Warn("Cache key mismatch in descriptor",
					zap.String("json_path", jsonPath),
					zap.String("dir_key", entry.Name()),
					zap.String("json_key", src.CacheKey))
				continue
			}
		}

		sources = append(sources, *src)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })

	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()

	s.logger.Info("Tile sources scanned", zap.Int("count", len(sources)))
	return nil
}

func (s *Scanner) adopt(dirPath string) (*tile.Source, error) {
	key := uuid.New().String()
	finalPath := filepath.Join(s.rootDir, key)
	if err := os.Rename(dirPath, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename directory: %w", err)
	}
	s.logger.Info("Migrated tile directory to cache key", zap.String("old_path", dirPath), zap.String("new_path", finalPath))

	src := &tile.Source{
		Name:     filepath.Base(dirPath),
		TileSize: defaultTileSize,
		MinZoom:  0,
		MaxZoom:  defaultMaxZoom,
		CacheKey: key,
	}
	if err := s.saveDescriptor(filepath.Join(finalPath, descriptorName), src); err != nil {
		return nil, err
	}
	return src, nil
}

func (s *Scanner) loadDescriptor(path string) (*tile.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var src tile.Source
	if err := json.Unmarshal(data, &src); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor: %w", err)
	}

	if src.TileSize == 0 {
		src.TileSize = defaultTileSize
	}
	if src.TileSize < 0 || src.MinZoom < 0 || src.MinZoom > src.MaxZoom {
		return nil, fmt.Errorf("invalid descriptor: tile_size=%d min_zoom=%d max_zoom=%d", src.TileSize, src.MinZoom, src.MaxZoom)
	}
	if src.Name == "" {
		src.Name = src.CacheKey
	}
	return &src, nil
}

func (s *Scanner) saveDescriptor(path string, src *tile.Source) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}

	return nil
}

func (s *Scanner) GetSources() []tile.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]tile.Source(nil), s.sources...)
}

func (s *Scanner) GetSourceByName(name string) *tile.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.Name == name || src.CacheKey == name {
			return &src
		}
	}
	return nil
}

// Default returns the first source in name order, or nil.
func (s *Scanner) Default() *tile.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sources) == 0 {
		return nil
	}
	src := s.sources[0]
	return &src
}
