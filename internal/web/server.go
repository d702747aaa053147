package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/cjeanneret/GoGuide/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	metrics  http.Handler
}

// NewServer creates a server configured for the given address and dependencies.
// metrics serves /metrics; nil leaves the route unregistered.
func NewServer(addr string, broadcaster *StatusBroadcaster, session Session, metrics http.Handler, formDefaults FormConfig) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	handlers := NewHandlers(broadcaster, session, formDefaults, subFS)

	return &Server{
		addr:     addr,
		handlers: handlers,
		metrics:  metrics,
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	h := s.handlers

	mux.HandleFunc("POST /calibrate", h.HandleCalibrate)
	mux.HandleFunc("POST /calibrate/continue", h.HandleCalibrateContinue)
	mux.HandleFunc("POST /calibrate/stop", h.HandleCalibrateStop)
	mux.HandleFunc("POST /guide/start", h.HandleGuideStart)
	mux.HandleFunc("POST /guide/stop", h.HandleGuideStop)
	mux.HandleFunc("POST /guide/suspend", h.HandleSuspend)
	mux.HandleFunc("POST /guide/resume", h.HandleResume)
	mux.HandleFunc("POST /dither", h.HandleDither)
	mux.HandleFunc("POST /options", h.HandleOptions)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /log", h.HandleLog)
	mux.HandleFunc("DELETE /log", h.HandleLog)
	mux.HandleFunc("GET /config", h.HandleConfig)
	mux.HandleFunc("GET /status/stream", h.HandleStatusStream)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	mux.HandleFunc("GET /{$}", h.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
// Session events are forwarded to the stream clients while it runs.
func (s *Server) Run(ctx context.Context) error {
	stop := s.handlers.Forward()
	defer stop()

	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
