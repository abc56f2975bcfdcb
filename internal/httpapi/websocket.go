package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// handleWS streams one execution's events over a WebSocket.
// GET /v1/stream/ws?execution_id=<id>
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	execID := r.URL.Query().Get("execution_id")
	if execID == "" {
		writeError(w, http.StatusBadRequest, "execution_id required")
		return
	}
	typeFilter := parseTypeFilter(r)
	lastSeq := parseLastSeq(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := a.bus.Subscribe(execID, 256)
	defer a.bus.Unsubscribe(execID, ch)

	for _, ev := range a.bus.ReplaySince(execID, lastSeq) {
		if skipEvent(typeFilter, ev.Type) {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump discards client frames but keeps pong handling alive.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}
