// Package feed streams local note snapshots to websocket clients.
package feed

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

	"github.com/TheMichaelB/notesync/internal/config"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
)

// Source publishes note snapshots. sync.Repository and every
// storage.NoteStore satisfy it.
type Source interface {
	ObserveAll(ctx context.Context) <-chan []models.Note
}

// Snapshot is the message pushed for every change.
type Snapshot struct {
	Notes []models.Note `json:"notes"`
}

const writeTimeout = 10 * time.Second

// Server serves the note stream and a health endpoint.
type Server struct {
	source   Source
	config   *config.FeedConfig
	logger   *events.Logger
	upgrader websocket.Upgrader
	clients  atomic.Int64

	// Pong deadline on top of the ping interval
	pongTimeout time.Duration
}

// NewServer creates a feed server over source.
func NewServer(source Source, cfg *config.FeedConfig, logger *events.Logger) *Server {
	return &Server{
		source: source,
		config: cfg,
		logger: logger.WithField("component", "feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pongTimeout: 10 * time.Second,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /notes/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Clients returns the number of connected stream clients.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// ListenAndServe serves on the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Listen).Info("Feed listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("feed server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown feed server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("feed server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.Clients(),
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	s.clients.Add(1)
	defer s.clients.Add(-1)

	logger := s.logger.WithField("remote", r.RemoteAddr)
	logger.Debug("Stream client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.readLoop(conn, cancel)

	snapshots := s.source.ObserveAll(ctx)
	ping := time.NewTicker(s.pingInterval())
	defer ping.Stop()

	for {
		select {
		case notes, ok := <-snapshots:
			if !ok {
				s.closeConn(conn)
				return
			}
			if notes == nil {
				notes = []models.Note{}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(Snapshot{Notes: notes}); err != nil {
				logger.WithError(err).Debug("Stream write failed")
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.WithError(err).Debug("Ping failed")
				return
			}

		case <-ctx.Done():
			s.closeConn(conn)
			return
		}
	}
}

// readLoop consumes control frames and cancels the stream when the
// client goes away.
func (s *Server) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	timeout := s.pingInterval() + s.pongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.WithError(err).Debug("Stream read error")
			}
			return
		}
	}
}

func (s *Server) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (s *Server) pingInterval() time.Duration {
	if s.config.PingInterval <= 0 {
		return 30 * time.Second
	}
	return s.config.PingInterval
}
