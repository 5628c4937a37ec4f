package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kumpul-app/kumpul-backend/internal/chat"
	"github.com/kumpul-app/kumpul-backend/internal/metrics"
	"github.com/kumpul-app/kumpul-backend/internal/realtime"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsInbound is the only frame clients send on the stream: a typing
// signal. Message sends go over REST.
type wsInbound struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"isTyping"`
}

// handleGroupStream upgrades to a websocket that forwards message inserts
// and typing broadcasts for one group. The two subscriptions are released
// when the connection closes.
func (h *httpHandler) handleGroupStream(c *gin.Context) {
	groupID := c.Param("id")
	userID := currentUserID(c)

	if err := h.groups.RequireMember(c.Request.Context(), groupID, userID); err != nil {
		h.respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.WsConnections.Inc()
	defer metrics.WsConnections.Dec()

	ctx := c.Request.Context()
	messageEvents, releaseMessages := h.dispatcher.Subscribe(ctx, realtime.MessagesTopic(groupID))
	defer releaseMessages()
	typingEvents, releaseTyping := h.dispatcher.Subscribe(ctx, realtime.TypingTopic(groupID))
	defer releaseTyping()

	broadcaster := chat.NewTypingBroadcaster(chat.TypingBroadcasterConfig{
		Publisher: h.dispatcher,
		GroupID:   groupID,
		UserID:    userID,
	})
	defer broadcaster.Stop()

	done := make(chan struct{})
	go h.streamWritePump(conn, messageEvents, typingEvents, done)
	h.streamReadPump(conn, broadcaster)
	close(done)
}

func (h *httpHandler) streamReadPump(conn *websocket.Conn, broadcaster *chat.TypingBroadcaster) {
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type != "typing" {
			continue
		}
		if in.IsTyping {
			broadcaster.Keystroke()
		} else {
			broadcaster.Stop()
		}
	}
}

func (h *httpHandler) streamWritePump(conn *websocket.Conn, messageEvents, typingEvents <-chan realtime.Event, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		var event realtime.Event
		select {
		case event = <-messageEvents:
		case event = <-typingEvents:
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case <-done:
			return
		}

		metrics.RealtimeEventsTotal.WithLabelValues(string(event.Kind)).Inc()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
