// Package transport owns the WebSocket listener: it upgrades connections and
// hands each one to a session.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"feedd/internal/config"
	"feedd/internal/feed"
	"feedd/internal/metrics"
	"feedd/internal/session"
	"feedd/internal/wire"
)

// Server handles HTTP listening and WebSocket upgrades.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	reg        *metrics.Registry
	sessionCfg session.Config
	upgrader   websocket.Upgrader

	run        atomic.Pointer[feed.Run]
	listener   net.Listener
	httpServer *http.Server
}

// NewServer builds a server from validated configuration.
func NewServer(cfg config.Config, log *zap.Logger, reg *metrics.Registry) (*Server, error) {
	format, err := wire.ParseFormat(cfg.Feed.WsFormat)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg: cfg,
		log: log,
		reg: reg,
		sessionCfg: session.Config{
			HistoryChunk: cfg.Feed.HistoryChunk,
			LiveBatch:    cfg.Feed.LiveBatch,
			Heartbeat:    cfg.Feed.HeartbeatInterval(),
			Flush:        cfg.Feed.FlushInterval(),
			Format:       format,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:     mux,
		ReadTimeout: 0, // sessions manage their own deadlines
		IdleTimeout: 120 * time.Second,
	}
	return s, nil
}

// SetRun installs the active run; sessions accepted afterwards serve it. A
// new run replaces any prior one atomically.
func (s *Server) SetRun(run *feed.Run) {
	s.run.Store(run)
}

// Addr returns the bound listen address (useful with port 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Server.Addr()
	}
	return s.listener.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.log.Info("transport listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("ws_format", s.cfg.Feed.WsFormat))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if ctx.Err() == nil {
				s.log.Error("http serve failed", zap.Error(err))
			}
		}
	}()
	return nil
}

// Stop shuts the listener down. Connections already upgraded to WebSocket are
// hijacked from the HTTP server and are not closed by it.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			_ = s.httpServer.Close()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s.reg.SessionsActive.Inc()
	defer s.reg.SessionsActive.Dec()

	sess := session.New(conn, s.run.Load(), s.sessionCfg, s.log, s.reg)
	sess.Handle(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if run := s.run.Load(); run != nil {
		ring := run.Ring()
		done, finalSeq := run.Done()
		payload["last_seq"] = ring.LastSeq()
		payload["min_seq"] = ring.MinSeq()
		payload["ring_size"] = ring.Len()
		payload["done"] = done
		if done {
			payload["final_seq"] = finalSeq
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
