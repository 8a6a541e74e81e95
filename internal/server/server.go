package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agleyzer/vodgrab/internal/apperr"
	"github.com/agleyzer/vodgrab/internal/metrics"
	"github.com/agleyzer/vodgrab/internal/pipeline"
)

const maxRequestBytes = 1 << 20

// Capturer runs captures and locates their artifacts.
type Capturer interface {
	Run(ctx context.Context, src pipeline.SourceReference) (*pipeline.Result, error)
	ArtifactPath(filename string) (string, error)
}

// Server exposes the capture pipeline over HTTP
type Server struct {
	capturer   Capturer
	port       int
	version    string
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(capturer Capturer, port int, version string, logger *slog.Logger) *Server {
	return &Server{
		capturer: capturer,
		port:     port,
		version:  version,
		logger:   logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, metricsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)
	api.HandleFunc("/download", s.handleDownload).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/downloads/{filename}", s.handleArtifact).Methods(http.MethodGet, http.MethodHead)

	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// downloadRequest is the body of POST /api/download.
type downloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type successResponse struct {
	Success bool `json:"success"`
	*pipeline.Result
	DownloadURL string `json:"downloadUrl"`
}

type errorResponse struct {
	Success     bool        `json:"success"`
	Error       string      `json:"error"`
	Kind        apperr.Kind `json:"kind,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	Causes      []string    `json:"possibleCauses,omitempty"`
	Suggestions []string    `json:"suggestions,omitempty"`
}

// handleDownload runs one capture. The run is detached from the request
// context, so a client disconnect does not abort it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req downloadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body must be JSON with a url field", Detail: err.Error()})
		return
	}
	if req.URL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}

	res, err := s.capturer.Run(context.WithoutCancel(r.Context()), pipeline.SourceReference{
		URL:      req.URL,
		BaseName: req.Filename,
	})
	if err != nil {
		var f *pipeline.Failure
		if !errors.As(err, &f) {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		resp := errorResponse{
			Error:       f.Message,
			Kind:        f.Kind,
			Causes:      f.Causes,
			Suggestions: f.Suggestions,
		}
		if f.Err != nil {
			resp.Detail = f.Err.Error()
		}
		writeJSON(w, statusFor(f.Kind), resp)
		return
	}

	writeJSON(w, http.StatusOK, successResponse{
		Success:     true,
		Result:      res,
		DownloadURL: "/downloads/" + res.Filename,
	})
}

// handleArtifact serves a finished artifact from the output directory.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]

	p, err := s.capturer.ArtifactPath(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "file not found", Kind: apperr.KindOf(err)})
		return
	}

	switch filepath.Ext(p) {
	case ".mp4":
		w.Header().Set("Content-Type", "video/mp4")
	case ".ts":
		w.Header().Set("Content-Type", "video/mp2t")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, p)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindResolution, apperr.KindParse:
		return http.StatusUnprocessableEntity
	case apperr.KindDownload:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
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
