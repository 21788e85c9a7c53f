// Package server - HTTP and WebSocket front end for motion analysis sessions.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/nvr-ai/go-motion/config"
	"github.com/nvr-ai/go-motion/session"
	"github.com/pkg/errors"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Usage is the help document served on / and /websocket.
type Usage struct {
	Help UsageHelp `json:"help"`
}

// UsageHelp lists the WebSocket endpoints.
type UsageHelp struct {
	URL  string   `json:"url"`
	Path []string `json:"path"`
}

// Server routes HTTP requests and owns the session registry.
type Server struct {
	cfg      *config.Config
	runner   session.Runner
	registry *session.Registry
	metrics  *session.Metrics
	verifier *Verifier
	upgrader websocket.Upgrader
	started  time.Time

	// base is the parent context of every session.
	base context.Context
}

// New creates a server that runs tasks with runner.
func New(cfg *config.Config, runner session.Runner) *Server {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		registry: session.NewRegistry(),
		metrics:  session.NewMetrics(),
		verifier: NewVerifier(cfg.AuthTokenHash),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		started: time.Now(),
		base:    context.Background(),
	}
	if !s.verifier.Enabled() {
		glog.Warningf("AUTH_TOKEN_HASH is empty, websocket authentication is disabled")
	}
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/websocket", s.handleHelper)
	mux.HandleFunc("/websocket/add", s.handleAdd)
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// cancels running sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.metrics.Stop()
	s.base = ctx

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		glog.Infof("listening on %s (tls=%v)", s.cfg.ListenAddr, s.cfg.TLS())
		var err error
		if s.cfg.TLS() {
			err = srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errc <- err
	}()

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	case <-ctx.Done():
	}

	glog.Infof("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func (s *Server) usage(r *http.Request) Usage {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return Usage{Help: UsageHelp{URL: scheme + "://" + r.Host + "/", Path: []string{"add"}}}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.usage(r))
}

// handleHelper answers a bare /websocket connection with the usage document.
func (s *Server) handleHelper(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("websocket upgrade failed: %v", err)
		return
	}
	ws := newWSConn(conn, 0)
	if err := ws.WriteJSON(s.usage(r)); err != nil {
		glog.Warningf("usage write failed: %v", err)
	}
	ws.Close(session.CloseNormal, "bye")
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("websocket upgrade failed: %v", err)
		return
	}
	ws := newWSConn(conn, s.cfg.PingInterval)

	if !s.verifier.Verify(r) {
		glog.Warningf("unauthorized websocket from %s", r.RemoteAddr)
		if err := ws.WriteJSON(session.ErrorEvent("", session.ErrCodeUnauthorized, "unauthorized")); err != nil {
			glog.Warningf("unauthorized reply failed: %v", err)
		}
		ws.Close(session.ClosePolicy, "unauthorized")
		return
	}

	glog.Infof("session connected from %s", r.RemoteAddr)
	sess := session.New(ws, s.registry, s.runner, session.Options{
		Defaults:     s.cfg.Defaults(),
		PingInterval: s.cfg.PingInterval,
		Metrics:      s.metrics,
	})
	if err := sess.Serve(s.base); err != nil {
		glog.Infof("session from %s ended: %v", r.RemoteAddr, err)
		return
	}
	glog.Infof("session from %s disconnected", r.RemoteAddr)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": s.registry.Len(),
		"active":   s.registry.Active(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"metrics":  s.metrics.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("response write failed: %v", err)
	}
}
