package main

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kaamlink/chat-service/pkg/auth"
	"github.com/kaamlink/chat-service/pkg/rooms"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The platform edge enforces origins; this service sits behind it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// serveWS authenticates the participant and hands the upgraded
// connection to a hub session. Room membership is not granted here:
// the session authorizes each join command individually.
func serveWS(hub *rooms.Hub, authSvc *auth.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			http.Error(w, "missing auth token", http.StatusUnauthorized)
			return
		}
		claims, err := authSvc.ValidateToken(token)
		if err != nil {
			logger.Debug("ws auth rejected", "error", err)
			http.Error(w, "invalid auth token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			logger.Debug("ws upgrade failed", "user", claims.UserID, "error", err)
			return
		}
		rooms.NewSession(hub, conn, claims.UserID).Start()
	}
}
