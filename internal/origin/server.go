package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Server serves the playlists of an Origin, and optionally the media
// objects they reference.
type Server struct {
	origin     *Origin
	port       int
	logger     *slog.Logger
	httpServer *http.Server

	mu      sync.RWMutex
	objects map[string][]byte
	status  map[string]int
}

// NewServer creates a new HTTP server
func NewServer(origin *Origin, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		origin:  origin,
		port:    port,
		logger:  logger,
		objects: make(map[string][]byte),
		status:  make(map[string]int),
	}
}

// AddObject serves data at /media/{name}. Segments and keys of test
// streams live here.
func (s *Server) AddObject(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[strings.TrimPrefix(name, "/")] = data
}

// Fail makes requests for path answer with code. A zero code clears it.
func (s *Server) Fail(path string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == 0 {
		delete(s.status, path)
		return
	}
	s.status[path] = code
}

// Handler returns the HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/media/", s.handleMedia)
	mux.HandleFunc("/", s.handlePlaylist)

	return s.loggingMiddleware(s.failures(mux))
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist serves /playlist.m3u8, /variant{i}/playlist.m3u8 and
// /audio{i}/playlist.m3u8.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	var (
		content string
		err     error
	)

	path := strings.TrimPrefix(r.URL.Path, "/")
	dir, file, _ := strings.Cut(path, "/")
	switch {
	case path == "playlist.m3u8":
		if s.origin.IsMaster() {
			content, err = s.origin.GenerateMaster()
		} else {
			content, err = s.origin.GenerateVariant(0)
		}

	case file == "playlist.m3u8" && strings.HasPrefix(dir, "variant"):
		index, perr := strconv.Atoi(strings.TrimPrefix(dir, "variant"))
		if perr != nil {
			http.NotFound(w, r)
			return
		}
		content, err = s.origin.GenerateVariant(index)

	case file == "playlist.m3u8" && strings.HasPrefix(dir, "audio"):
		index, perr := strconv.Atoi(strings.TrimPrefix(dir, "audio"))
		if perr != nil {
			http.NotFound(w, r)
			return
		}
		content, err = s.origin.GenerateRendition(index)

	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		s.logger.Debug("playlist not available", "path", r.URL.Path, "error", err)
		http.NotFound(w, r)
		return
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// handleMedia serves objects added with AddObject. Range requests are
// honored by http.ServeContent.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/media/")

	s.mu.RLock()
	data, ok := s.objects[name]
	s.mu.RUnlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"stats":  s.origin.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// failures answers requests for failed paths with their status code.
func (s *Server) failures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		code, failed := s.status[r.URL.Path]
		s.mu.RUnlock()

		if failed {
			http.Error(w, http.StatusText(code), code)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
