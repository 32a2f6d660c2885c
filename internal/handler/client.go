package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"robotrelay/internal/config"
	"robotrelay/internal/logger"
	"robotrelay/internal/protocol"
	"robotrelay/internal/relay"
	"robotrelay/internal/session"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 64 << 10,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientWebsocketHandler attaches a robot client to the hub. The connection's
// write side runs in WritePump; this goroutine reads telemetry until the
// connection drops, then releases the session.
func ClientWebsocketHandler(hub *relay.Hub, cfg config.RelayConfig, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := mux.Vars(r)["id"]
		if clientID == "" {
			http.Error(w, "missing client id", http.StatusBadRequest)
			return
		}

		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		transport := relay.NewWSTransport(connection, cfg.SendQueueSize)
		entry, err := hub.Connect(clientID, transport)
		if err != nil {
			code := websocket.CloseInternalServerErr
			if errors.Is(err, session.ErrDuplicateClient) {
				code = websocket.ClosePolicyViolation
			}
			connection.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
			connection.Close()
			return
		}
		go transport.WritePump()
		defer hub.Release(entry)

		if cfg.MaxMessageBytes > 0 {
			connection.SetReadLimit(cfg.MaxMessageBytes)
		}
		extend := func() {
			if cfg.ReadTimeout > 0 {
				connection.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
			}
		}
		extend()
		connection.SetPongHandler(func(string) error {
			extend()
			return nil
		})

		for {
			_, message, err := connection.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("Client %s disconnected normally", clientID)
				} else {
					logger.Warning("Client %s disconnected with error: %v", clientID, err)
				}
				return
			}
			extend()

			if err := hub.IngestFrom(entry, message); err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					return
				}
				if !errors.Is(err, protocol.ErrMalformed) && !errors.Is(err, protocol.ErrUnknownMessage) {
					logger.Debug("Message from %s rejected: %v", clientID, err)
				}
			}
		}
	}
}
