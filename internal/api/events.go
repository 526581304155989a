package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spiralogic/oracle/internal/notify"
)

// EventSource is the notification hub as seen by the push endpoints.
type EventSource interface {
	Subscribe(userID string) *notify.Channel
	Unsubscribe(c *notify.Channel)
	SubscriberCount(userID string) int
}

// WebSocket timing.
const (
	wsWriteWait = 10 * time.Second
	wsMaxRead   = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) subscriber(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "events not configured")
		return "", false
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}

// handleEventStream is the SSE push channel.
// GET /v1/events?user_id=u1
//
// Each event is written as "event: <type>" plus a JSON data line. An
// SSE comment is sent after every idle heartbeat interval. Missed
// events are not replayed; clients read GET /v1/turns/{id} after a
// reconnect.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Debug("event stream not flushable", "error", err)
		return
	}

	sub := s.events.Subscribe(userID)
	defer s.events.Unsubscribe(sub)
	log := s.logger.With("user_id", userID, "transport", "sse")
	log.Debug("event stream opened")

	idle := time.NewTimer(s.heartbeat)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client")
			return

		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.writeSSE(w, e); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}

		case <-idle.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				log.Debug("heartbeat write failed", "error", err)
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
		idle.Reset(s.heartbeat)
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, e notify.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return err
}

// handleEventSocket carries the same events over a WebSocket, one JSON
// text message per event, with ping frames as heartbeats. Incoming
// messages are discarded.
// GET /v1/events/ws?user_id=u1
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.subscriber(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(userID)
	defer s.events.Unsubscribe(sub)
	log := s.logger.With("user_id", userID, "transport", "websocket")
	log.Debug("event socket opened")

	// A peer must answer pings within two heartbeats.
	pongWait := 2 * s.heartbeat
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsMaxRead)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event socket read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("event socket closed by client")
			return

		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return

		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug("event socket write failed", "error", err)
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				log.Debug("event socket ping failed", "error", err)
				return
			}
		}
	}
}
