package signaling

import (
	"strings"

	"psxnetplay/models"
	"psxnetplay/signaling/broadcast"
	"psxnetplay/signaling/connection"

	"go.uber.org/zap"
)

const maxChatLength = 500

// チャットメッセージを処理する関数。保存はせずにルーム内へ中継する
func (g *Gateway) handleChatMessage(c *connection.Client, msg models.ClientMessage) {
	if c.RoomID == "" {
		g.sendError(c, models.ErrCodeNotInRoom, "Not in a room")
		return
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return
	}
	if r := []rune(text); len(r) > maxChatLength {
		text = string(r[:maxChatLength])
	}

	timestamp := g.clock.Now().UnixMilli()
	g.logger.Debug("Received chat message",
		zap.String("roomID", c.RoomID),
		zap.String("from", c.UserID),
		zap.Int64("timestamp", timestamp),
	)
	g.toRoom(c.RoomID, broadcast.Chat(c.UserID, c.DisplayName, text, timestamp))
}
