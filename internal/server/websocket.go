package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/keeper/internal/core/events/bus"
	"github.com/zeusync/keeper/internal/core/observability/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EventMessage is one frame of the /events feed.
type EventMessage struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// handleEvents streams bus events to a websocket client. ?type= narrows the
// feed to one event type. A client that falls behind loses events rather
// than slowing publishers down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "event feed disabled", http.StatusNotFound)
		return
	}
	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = bus.Wildcard
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", log.Error(err))
		return
	}
	if !s.trackFeed(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrackFeed(conn)

	queue := make(chan EventMessage, s.config.FeedBufferSize)
	sub, err := s.bus.Subscribe(eventType, func(e bus.Event) error {
		select {
		case queue <- EventMessage{Type: e.Type(), Source: e.Source(), Timestamp: e.Timestamp(), Data: e.Data()}:
		default:
			s.logger.Debug("Dropping event for slow feed", log.String("event", e.Type()))
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to subscribe feed", log.Error(err))
		_ = conn.Close()
		return
	}
	defer func() { _ = sub.Cancel() }()

	remote := conn.RemoteAddr().String()
	s.logger.Info("Event feed connected", log.String("remote_addr", remote), log.String("type", eventType))
	defer s.logger.Info("Event feed disconnected", log.String("remote_addr", remote))

	// The reader only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.FeedWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-gone:
			return
		case <-s.stopChan:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func (s *Server) trackFeed(conn *websocket.Conn) bool {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	if s.feeds == nil {
		return false
	}
	s.feeds[conn] = struct{}{}
	return true
}

func (s *Server) untrackFeed(conn *websocket.Conn) {
	s.feedsMu.Lock()
	if s.feeds != nil {
		delete(s.feeds, conn)
	}
	s.feedsMu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeFeeds() {
	s.feedsMu.Lock()
	feeds := s.feeds
	s.feeds = nil
	s.feedsMu.Unlock()

	for conn := range feeds {
		_ = conn.Close()
	}
}
