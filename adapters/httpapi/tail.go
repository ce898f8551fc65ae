package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codewandler/evstore-go/core/evstore"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleTail streams every message published for the aggregation to a
// websocket client as JSON text frames. Messages are dropped while the
// client lags more than TailBuffer messages behind.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	aggregation := r.PathValue("aggregation")

	messages := make(chan evstore.Message, s.tailBuffer)
	log := s.log.With(slog.String("aggregation", aggregation), slog.String("remote", r.RemoteAddr))

	sub, err := s.store.Subscribe(r.Context(), aggregation, func(msg evstore.Message) {
		select {
		case messages <- msg:
		default:
			log.Warn("tail client lagging, message dropped", msg.Stream.SlogAttr(), slog.Uint64("sequence", msg.Event.Sequence))
		}
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() {
		// the request context may already be canceled here
		if err := sub.Remove(context.WithoutCancel(r.Context())); err != nil {
			log.Error("failed to remove tail subscription", slog.Any("error", err))
		}
	}()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	log.Debug("tail started")

	// the read loop handles pongs and notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			log.Debug("tail client gone")
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait),
			)
			return
		case msg := <-messages:
			data, err := msg.Encode()
			if err != nil {
				log.Error("failed to encode message", slog.Any("error", err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("tail write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
