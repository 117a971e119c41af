package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/slipway-sh/slipway/internal/core/domain"
	"github.com/slipway-sh/slipway/internal/shell/telemetry"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access control is the bearer token; origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamLogs upgrades to a websocket and pushes log events: the retained
// backlog first, then live events as they arrive. Filters mirror the
// snapshot endpoint. The connection closes when the client goes away or the
// deployment is untracked.
func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opts := telemetry.SubscribeOptions{
		Tail:     queryInt(r, "tail", 100),
		Since:    queryTime(r, "since"),
		MinLevel: domain.LogLevel(r.URL.Query().Get("level")),
		Follow:   true,
	}

	sub, err := h.streamer.Subscribe(id, opts)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.streamer.Unsubscribe(id, sub)
		return
	}

	defer func() {
		h.streamer.Unsubscribe(id, sub)
		conn.Close()
	}()

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces the close frame.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
