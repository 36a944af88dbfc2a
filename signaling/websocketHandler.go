package signaling

import (
	"encoding/json"
	"net/http"

	"psxnetplay/auth"
	"psxnetplay/models"
	"psxnetplay/signaling/connection"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandleConnections はトークンを検証してからWebSocket接続へアップグレードする
func (g *Gateway) HandleConnections(c *gin.Context) {
	claims, err := auth.VerifyToken(c.Query("token"))
	if err != nil {
		g.logger.Warn("Rejecting websocket connection", zap.String("clientIP", c.ClientIP()), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgradeが失敗時のレスポンスを書き込む
		g.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := connection.NewClient(conn, claims, g.logger)
	go client.WritePump()

	if !g.Post(func() { g.register(client) }) {
		client.Close()
		return
	}
	client.ReadPump(func(raw []byte) {
		g.Post(func() { g.handleMessage(client, raw) })
	})
	g.Post(func() { g.handleClose(client) })
}

// handleMessage はコマンドをtypeごとの処理に振り分ける
func (g *Gateway) handleMessage(c *connection.Client, raw []byte) {
	if !g.isCurrent(c) {
		return
	}

	var msg models.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, models.ErrCodeBadMessage, "Invalid JSON")
		return
	}

	switch msg.Type {
	case "list-rooms":
		g.handleListRooms(c, msg)
	case "create-room":
		g.handleCreateRoom(c, msg)
	case "join-room":
		g.handleJoinRoom(c, msg)
	case "leave-room":
		// 自分から退出した場合は予約せずに恒久的に外す
		g.leaveRoom(c)
	case "rejoin-room":
		g.handleRejoinRoom(c, msg)
	case "ready":
		g.handleReady(c, msg)
	case "start-game":
		g.handleStartGame(c)
	case "room-save-state":
		g.handleSaveState(c, msg)
	case "emulator-ready":
		g.handleEmulatorReady(c)
	case "signal":
		g.handleSignal(c, msg)
	case "ice":
		g.handleICE(c, msg)
	case "chat":
		g.handleChatMessage(c, msg)
	default:
		g.sendError(c, models.ErrCodeBadMessage, "Unknown message type")
	}
}
