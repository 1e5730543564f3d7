package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmind-project/offline-map-service/internal/apiclient"
	"github.com/dmind-project/offline-map-service/internal/domain"
	"github.com/dmind-project/offline-map-service/internal/downloader"
	"github.com/dmind-project/offline-map-service/internal/tilecache"
)

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Server exposes the tile, region, and client management HTTP API alongside
// health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger

	store        *tilecache.Store
	downloader   *downloader.Downloader
	client       *apiclient.Client
	tileTemplate string
	fetchClient  *http.Client
}

// NewServer wires all routes. tileTemplate is the upstream tile URL pattern
// used both for serving cache misses and for region downloads that don't
// specify their own.
func NewServer(addr string, store *tilecache.Store, dl *downloader.Downloader, client *apiclient.Client, tileTemplate string, fetchTimeout time.Duration, ready ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:       logger,
		store:        store,
		downloader:   dl,
		client:       client,
		tileTemplate: tileTemplate,
		fetchClient:  &http.Client{Timeout: fetchTimeout},
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(ready))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /tiles/{z}/{x}/{y}", s.handleGetTile)
	mux.HandleFunc("GET /regions", s.handleListRegions)
	mux.HandleFunc("POST /regions", s.handleDownloadRegion)
	mux.HandleFunc("DELETE /regions/{id}", s.handleDeleteRegion)
	mux.HandleFunc("GET /regions/progress", s.handleProgress)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("DELETE /cache", s.handleClearCache)
	mux.HandleFunc("POST /client/resume", s.handleResume)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleReady(checker ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.CheckReadiness(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handleGetTile serves a tile from the cache, fetching and storing it from
// the upstream tile server on a miss.
func (s *Server) handleGetTile(w http.ResponseWriter, r *http.Request) {
	coord, ok := parseTilePath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid tile coordinates")
		return
	}

	url := domain.TileURL(s.tileTemplate, coord)
	data := s.store.GetTile(url)
	if data == nil {
		fetched, err := s.fetchTile(r.Context(), url)
		if err != nil {
			s.logger.Warn("upstream tile fetch failed", "url", url, "error", err)
			writeError(w, http.StatusBadGateway, "upstream tile fetch failed")
			return
		}
		if err := s.store.PutTile(url, fetched); err != nil {
			s.logger.Warn("tile cache write failed", "url", url, "error", err)
		}
		data = fetched
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data) //nolint:errcheck // client disconnects are not actionable
}

func (s *Server) fetchTile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from tile server", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Server) handleListRegions(w http.ResponseWriter, _ *http.Request) {
	regions, err := s.store.Regions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": regions})
}

type downloadRegionRequest struct {
	Name        string        `json:"name"`
	Bounds      domain.Bounds `json:"bounds"`
	MinZoom     int           `json:"minZoom"`
	MaxZoom     int           `json:"maxZoom"`
	URLTemplate string        `json:"urlTemplate,omitempty"`
}

// handleDownloadRegion validates the request and starts the download in the
// background; progress is polled through /regions/progress.
func (s *Server) handleDownloadRegion(w http.ResponseWriter, r *http.Request) {
	var req downloadRegionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := req.Bounds.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MinZoom < 0 || req.MaxZoom > 22 || req.MinZoom > req.MaxZoom {
		writeError(w, http.StatusBadRequest, "invalid zoom range")
		return
	}
	if s.downloader.Progress().InProgress {
		writeError(w, http.StatusConflict, downloader.ErrDownloadInProgress.Error())
		return
	}

	template := req.URLTemplate
	if template == "" {
		template = s.tileTemplate
	}

	go func() {
		if _, err := s.downloader.DownloadRegion(context.Background(), req.Bounds, req.MinZoom, req.MaxZoom, req.Name, template); err != nil {
			s.logger.Error("region download failed", "name", req.Name, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDeleteRegion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteRegion(id); err != nil {
		if errors.Is(err, tilecache.ErrRegionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.downloader.Progress())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	tileCount, totalBytes := s.store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"cache": map[string]any{
			"tileCount": tileCount,
			"sizeBytes": totalBytes,
			"sizeHuman": domain.FormatSize(totalBytes),
		},
		"client": s.client.Status(),
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	if err := s.store.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.client.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.client.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func parseTilePath(r *http.Request) (domain.TileCoord, bool) {
	z, err := strconv.Atoi(r.PathValue("z"))
	if err != nil {
		return domain.TileCoord{}, false
	}
	x, err := strconv.Atoi(r.PathValue("x"))
	if err != nil {
		return domain.TileCoord{}, false
	}
	y, err := strconv.Atoi(r.PathValue("y"))
	if err != nil {
		return domain.TileCoord{}, false
	}
	if z < 0 || z > 22 {
		return domain.TileCoord{}, false
	}
	max := 1 << z
	if x < 0 || x >= max || y < 0 || y >= max {
		return domain.TileCoord{}, false
	}
	return domain.TileCoord{Z: z, X: x, Y: y}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
