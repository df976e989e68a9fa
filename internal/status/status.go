// Package status exposes a small read-only HTTP view of the running
// collector for scripts and health checks.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kmederer/pvcollect/internal/site"
)

type snapshotter interface {
	Snapshot() site.Info
}

type Server struct {
	site snapshotter
	addr string
	log  *zap.SugaredLogger
}

func NewServer(st snapshotter, addr string, log *zap.SugaredLogger) *Server {
	return &Server{site: st, addr: addr, log: log}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (srv *Server) Run(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(logMiddleware(srv.log))
	router.Get("/healthz", srv.HealthHandler)
	router.Get("/status", srv.StatusHandler)

	hs := &http.Server{Addr: srv.addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

func (srv *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(srv.site.Snapshot()); err != nil {
		srv.log.Errorf("encode status: %v", err)
	}
}

func logMiddleware(logger *zap.SugaredLogger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(lrw, r)

			logger.Infof("method=%s uri=%s status=%d size=%d duration=%s",
				r.Method, r.RequestURI, lrw.statusCode, lrw.size, time.Since(start))
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}
