package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilecache/internal/config"
	"tilecache/internal/grid"
	"tilecache/internal/provider"
	"tilecache/internal/sourcelist"
	"tilecache/internal/tile"
)

const (
	defaultEventTimeout = 25 * time.Second
	maxEventTimeout     = 60 * time.Second
)

type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *sourcelist.Scanner
	provider *provider.Provider
}

func New(config *config.Config, logger *zap.Logger, scanner *sourcelist.Scanner, provider *provider.Provider) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		config:   config,
		logger:   logger,
		scanner:  scanner,
		provider: provider,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/sources", h.HandleSources)
	mux.HandleFunc("/api/source", h.HandleSource)
	mux.HandleFunc("/api/tiles/", h.HandleTileRoutes)
	mux.HandleFunc("/api/rescale", h.HandleRescale)
	mux.HandleFunc("/api/network", h.HandleNetwork)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/api/events", h.HandleEvents)
	mux.HandleFunc("/healthz", h.HandleHealthz)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Tile polling is chatty.
		logFn := h.logger.Info
		if strings.HasPrefix(r.URL.Path, "/api/tiles/") || r.URL.Path == "/api/events" {
			logFn = h.logger.Debug
		}
		logFn("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config != nil && h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && (strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host)) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Tile-Freshness")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.scanner.GetSources())
}

// HandleSource reports the active source on GET and switches it on POST.
func (h *Handlers) HandleSource(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		src := h.provider.TileSource()
		if src == nil {
			http.Error(w, "No tile source set", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, src)
	case http.MethodPost:
		name := r.URL.Query().Get("name")
		if name == "" {
			http.Error(w, "Missing name", http.StatusBadRequest)
			return
		}
		src := h.scanner.GetSourceByName(name)
		if src == nil {
			http.Error(w, fmt.Sprintf("Tile source not found: %s", name), http.StatusNotFound)
			return
		}
		h.provider.SetTileSource(src)
		writeJSON(w, http.StatusOK, src)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleTileRoutes serves /api/tiles/{z}/{x}/{y}.png from the cache. A
// miss answers 202 while the provider fetches the tile.
func (h *Handlers) HandleTileRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/tiles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	id, err := parseTileID(parts)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.provider.TileSource() == nil {
		http.Error(w, "No tile source set", http.StatusServiceUnavailable)
		return
	}

	handle := h.provider.GetTile(id)
	if handle == nil {
		writePending(w)
		return
	}

	var (
		buf       bytes.Buffer
		encodeErr error
	)
	freshness := handle.Freshness()
	ok := handle.With(func(img *image.RGBA) {
		encodeErr = png.Encode(&buf, img)
	})
	if !ok {
		// Reclaimed between lookup and use.
		writePending(w)
		return
	}
	if encodeErr != nil {
		h.logger.Error("Failed to encode tile", zap.String("tile", id.String()), zap.Error(encodeErr))
		http.Error(w, "Failed to encode tile", http.StatusInternalServerError)
		return
	}

	etag := `"` + generateETag(buf.Bytes()) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Tile-Freshness", freshness.String())
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(buf.Bytes())
}

// HandleRescale runs one rescale pass. The viewport is in map pixels at
// the target zoom.
func (h *Handlers) HandleRescale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	from, err := strconv.ParseFloat(q.Get("from"), 64)
	if err != nil {
		http.Error(w, "Invalid from zoom", http.StatusBadRequest)
		return
	}
	to, err := strconv.ParseFloat(q.Get("to"), 64)
	if err != nil {
		http.Error(w, "Invalid to zoom", http.StatusBadRequest)
		return
	}

	var bounds [4]int
	for i, key := range []string{"left", "top", "right", "bottom"} {
		v, err := strconv.Atoi(q.Get(key))
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid %s", key), http.StatusBadRequest)
			return
		}
		bounds[i] = v
	}
	viewport := image.Rect(bounds[0], bounds[1], bounds[2], bounds[3])

	if src := h.provider.TileSource(); src != nil {
		n, limit := grid.Count(to, src.TileSize, viewport), h.provider.RescaleLimit()
		if n > limit {
			http.Error(w, fmt.Sprintf("Viewport covers %d tiles, limit is %d", n, limit), http.StatusBadRequest)
			return
		}
	}

	stats := h.provider.RescaleCache(to, from, viewport)
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(w, "Invalid enabled flag", http.StatusBadRequest)
			return
		}
		h.provider.UseNetwork(enabled)
		h.logger.Info("Network use changed", zap.Bool("enabled", enabled))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.provider.UsesNetwork()})
}

// HandleCache reports cache state on GET, grows it on POST ?capacity=n
// and empties it on DELETE.
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		n, err := strconv.Atoi(r.URL.Query().Get("capacity"))
		if err != nil || n <= 0 {
			http.Error(w, "Invalid capacity", http.StatusBadRequest)
			return
		}
		h.provider.EnsureCapacity(n)
	case http.MethodDelete:
		h.provider.ClearTileCache()
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.provider.CacheInfo())
}

type eventResponse struct {
	Changed bool `json:"changed"`
	Failed  bool `json:"failed"`
}

// HandleEvents long-polls the provider's change signal.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	timeout := defaultEventTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			http.Error(w, "Invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = min(d, maxEventTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	ev, err := h.provider.Signal().Wait(ctx)
	if err != nil && r.Context().Err() != nil {
		// Client went away.
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{Changed: ev.Changed(), Failed: ev.Failed()})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func parseTileID(parts []string) (tile.ID, error) {
	var id tile.ID
	var err error

	if id.Z, err = strconv.Atoi(parts[0]); err != nil {
		return id, fmt.Errorf("invalid zoom level")
	}
	if id.X, err = strconv.Atoi(parts[1]); err != nil {
		return id, fmt.Errorf("invalid x coordinate")
	}

	tileFile := parts[2]
	ext := filepath.Ext(tileFile)
	if ext != ".png" {
		return id, fmt.Errorf("invalid format")
	}
	if id.Y, err = strconv.Atoi(strings.TrimSuffix(tileFile, ext)); err != nil {
		return id, fmt.Errorf("invalid y coordinate")
	}

	if id.Z < 0 || id.X < 0 || id.Y < 0 {
		return id, fmt.Errorf("coordinates must be non-negative")
	}
	return id, nil
}

func generateETag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}

func writePending(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("pending"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing.
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
