package v1

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/agencyenterprise/AE-Scientist-sub002/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamMessage is one websocket frame sent to a viewer.
type streamMessage struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id"`
	Seq   int64           `json:"seq,omitempty"`
	Ts    time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StreamRun upgrades the connection and streams the run's frames. The viewer
// first receives a full state snapshot, then every broadcast frame with
// seq > ?offset (0 replays the whole log) followed by live frames in order.
// GET /v1/runs/:run_id/stream
func (h *Handler) StreamRun(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	var afterSeq int64
	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
		}
		afterSeq = n
	}

	state, err := h.service.GetState(ctx, runID)
	if err != nil {
		return jsonError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	// Subscribe before sending the snapshot so frames published while the
	// snapshot is in flight are queued, not lost.
	sub, err := h.service.Hub().Subscribe(ctx, runID, afterSeq)
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(time.Second))
		return nil
	}
	defer sub.Close()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	snapshot := streamMessage{
		Type:  "snapshot",
		RunID: runID,
		Ts:    time.Now().UTC(),
		Data:  stateJSON,
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(snapshot); err != nil {
		return nil
	}

	done := make(chan struct{})
	go readPump(ws, done)
	h.writePump(ws, runID, sub.Frames(), done)
	return nil
}

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
)

// readPump discards inbound messages; the stream is one-way. It exists to
// service pong frames and to detect the viewer closing the socket.
func readPump(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards frames to the viewer with periodic pings.
func (h *Handler) writePump(ws *websocket.Conn, runID string, frames <-chan domain.BroadcastFrame, done <-chan struct{}) {
	ticker := time.NewTicker(h.stream.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-frames:
			msg := streamMessage{
				Type:  frame.Kind,
				RunID: frame.RunID,
				Seq:   frame.Seq,
				Ts:    frame.Ts,
				Data:  frame.Data,
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
