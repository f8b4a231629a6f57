package httpserver

import (
	"log/slog"

	"nhooyr.io/websocket"
)

func closeWebsocket(logger *slog.Logger, conn *websocket.Conn, status websocket.StatusCode, reason string) {
	if conn == nil {
		return
	}
	if err := conn.Close(status, reason); err != nil && logger != nil && websocket.CloseStatus(err) == -1 {
		logger.Debug("websocket close failed", "status", status, "err", err)
	}
}
