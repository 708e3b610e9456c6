package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sandwichfarm/livefeed/internal/feed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client control messages on a stream
const (
	streamMore      = "more"
	streamRefresh   = "refresh"
	streamHeartbeat = "h"
)

type streamRequest struct {
	Type string `json:"type"`
}

const writeWait = 10 * time.Second

// handleStream pushes every view of the feed over a WebSocket.
// Clients may send {"type":"more"} or {"type":"refresh"}.
func (s *Server) handleStream(c echo.Context) error {
	key, err := s.feedKey(c)
	if err != nil {
		return s.badRequest(c, err.Error())
	}
	engine, err := s.registry.Acquire(key)
	if err != nil {
		return s.internalError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return nil
	}
	defer ws.Close()

	release := s.registry.Hold(key)
	defer release()

	updates, cancel := engine.Updates()
	defer cancel()

	ctx := c.Request().Context()
	quit := make(chan struct{})

	go func() {
		defer close(quit)
		for {
			var req streamRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket closed", "key", key.String(), "error", err)
				}
				return
			}

			switch req.Type {
			case streamMore:
				engine.LoadMore()
			case streamRefresh:
				engine.Refresh()
			case streamHeartbeat:
			default:
				s.logger.Debug("unknown stream request", "type", req.Type)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return nil
		case <-ctx.Done():
			return nil
		case v, ok := <-updates:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(writeWait))
				return nil
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(feed.NewPayload(key.Feature, key.Viewer, key.Arg, v)); err != nil {
				s.logger.Debug("websocket write failed", "key", key.String(), "error", err)
				return nil
			}
		}
	}
}
