package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	ws "github.com/daybook/calsync/internal/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxInbound = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// same-origin UI and reverse proxies rewrite Origin
		return true
	},
}

// WebSocketUpgrade upgrades the connection and streams sync notifications
// to it until either side closes.
func WebSocketUpgrade(hub *ws.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := ws.NewClient()
		if !hub.Register(client) {
			conn.Close()
			return
		}

		replies := make(chan []byte, 4)
		go writePump(conn, client, replies)
		go readPump(conn, client, hub, replies)
	}
}

// writePump forwards hub messages and ping replies to the connection.
func writePump(conn *websocket.Conn, client *ws.Client, replies <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	write := func(kind int, data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(kind, data)
	}

	for {
		select {
		case msg, ok := <-client.Send():
			if !ok {
				write(websocket.CloseMessage, []byte{})
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case msg := <-replies:
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump answers client pings and unregisters the client on disconnect.
func readPump(conn *websocket.Conn, client *ws.Client, hub *ws.Hub, replies chan<- []byte) {
	defer func() {
		hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxInbound)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read failed", "error", err)
			}
			return
		}

		reply, err := replyTo(data).JSON()
		if err != nil {
			continue
		}
		select {
		case replies <- reply:
		default:
		}
	}
}

func replyTo(data []byte) ws.Message {
	var in struct {
		Type ws.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "bad_message", Message: "message is not valid JSON"})
	}
	if in.Type == ws.TypePing {
		return ws.NewMessage(ws.TypePong, nil)
	}
	return ws.NewMessage(ws.TypeError, ws.ErrorPayload{Code: "unknown_type", Message: "unsupported message type"})
}
