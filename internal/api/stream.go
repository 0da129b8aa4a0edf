package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qmoi/qmoi-ops/internal/monitoring"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingInterval = streamPongWait * 9 / 10
)

// StreamMessage is one websocket frame.
type StreamMessage struct {
	Type string              `json:"type"`
	Data monitoring.Snapshot `json:"data"`
}

// handleStream sends the latest snapshot of every monitor, then every new
// snapshot as it is taken.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	s.trackStream(conn, true)
	defer func() {
		s.trackStream(conn, false)
		conn.Close()
	}()

	s.logger.Debug("WebSocket client connected", zap.String("remote_addr", conn.RemoteAddr().String()))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	merged := make(chan monitoring.Snapshot, 16)
	for _, m := range s.deps.Monitors {
		ch, unsubscribe := m.Subscribe()
		defer unsubscribe()
		go func() {
			for snap := range ch {
				select {
				case merged <- snap:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// The read side only handles pongs and notices the client leaving.
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, m := range s.deps.Monitors {
		if snap, ok := m.Latest(); ok {
			if err := s.writeStream(conn, "latest", snap); err != nil {
				return
			}
		}
	}

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-merged:
			if err := s.writeStream(conn, "snapshot", snap); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStream(conn *websocket.Conn, typ string, snap monitoring.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(StreamMessage{Type: typ, Data: snap}); err != nil {
		s.logger.Debug("WebSocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) trackStream(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.streams[conn] = struct{}{}
	} else {
		delete(s.streams, conn)
	}
}

// Streams returns the number of connected websocket clients.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
