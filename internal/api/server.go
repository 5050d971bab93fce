// Package api exposes a small, read-only WebSocket event stream over
// internal/events.Bus so a host process's dashboard or monitoring tool
// can observe lifecycle events without embedding the library directly.
// It carries no write path: every mutating operation (send, accept,
// decline, confirm) stays inside the embedding process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/tradeoffer/internal/events"
)

// writeTimeout bounds how long a single broadcast write may block a
// slow client before the server gives up on that connection.
const writeTimeout = 5 * time.Second

// wireEvent is the JSON shape broadcast to every connected client. Kind
// and Payload mirror events.Event; Payload is re-marshaled as a plain
// JSON object rather than left as `any` so clients get a stable shape
// without reaching into Go-specific type tags.
type wireEvent struct {
	Kind string          `json:"kind"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Server upgrades incoming HTTP connections to WebSocket and
// broadcasts every event published on the attached bus.
type Server struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	srv *http.Server
}

// New builds a Server over bus. addr is the listen address (host:port).
func New(bus *events.Bus, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from the same host/LAN as the bot
			// process; this stream carries no secrets or write path,
			// so cross-origin upgrades are accepted.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe starts the HTTP server and blocks until ctx is
// cancelled or the server fails. Shutdown is graceful.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: listen on %s: %w", s.srv.Addr, err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(32)
	defer s.bus.Unsubscribe(ch)

	// Detect client-initiated close: a reader goroutine discards any
	// inbound messages and closes `closed` on the first read error,
	// which notices disconnects and unblocks this handler so
	// Unsubscribe runs.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				s.logger.Debug("api: websocket write failed, dropping client", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	wire := wireEvent{Kind: string(ev.Kind), At: time.Now(), Data: data}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(wire)
}
