// Package httpapi exposes an evstore.EventStore over HTTP.
//
//	GET  /aggregations                                      aggregation names
//	GET  /aggregations/{aggregation}/streams                stream ids
//	GET  /aggregations/{aggregation}/streams/{id}/events    events of a stream
//	POST /aggregations/{aggregation}/streams/{id}/events    append the JSON body
//	GET  /aggregations/{aggregation}/tail                   websocket of new messages
//	GET  /metrics                                           prometheus metrics
//	GET  /healthz
//
// List endpoints accept offset and limit query parameters.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/codewandler/evstore-go/core/evstore"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultTailBuffer   = 256
)

type ServerConfig struct {
	Store *evstore.EventStore
	Log   *slog.Logger
	// Metrics is served on /metrics when set, e.g. promhttp.Handler().
	Metrics http.Handler
	// MaxBodyBytes bounds an appended payload (default 1 MiB).
	MaxBodyBytes int64
	// TailBuffer is the number of messages a slow websocket client may lag
	// behind before messages are dropped (default 256).
	TailBuffer int
}

type Server struct {
	store        *evstore.EventStore
	log          *slog.Logger
	metrics      http.Handler
	maxBodyBytes int64
	tailBuffer   int
}

func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	tailBuffer := cfg.TailBuffer
	if tailBuffer <= 0 {
		tailBuffer = defaultTailBuffer
	}
	return &Server{
		store:        cfg.Store,
		log:          log.With(slog.String("component", "httpapi")),
		metrics:      cfg.Metrics,
		maxBodyBytes: maxBody,
		tailBuffer:   tailBuffer,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /aggregations", s.handleAggregations)
	mux.HandleFunc("GET /aggregations/{aggregation}/streams", s.handleStreams)
	mux.HandleFunc("GET /aggregations/{aggregation}/streams/{id}/events", s.handleGetEvents)
	mux.HandleFunc("POST /aggregations/{aggregation}/streams/{id}/events", s.handleAddEvent)
	mux.HandleFunc("GET /aggregations/{aggregation}/tail", s.handleTail)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
