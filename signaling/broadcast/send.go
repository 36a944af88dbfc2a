package broadcast

import (
	"encoding/json"

	"psxnetplay/models"
	"psxnetplay/signaling/connection"

	"go.uber.org/zap"
)

// Lookup はユーザーIDから現在の接続を引く
type Lookup func(userID string) *connection.Client

// Send は1つの接続にイベントを送る
func Send(c *connection.Client, msg map[string]interface{}, logger *zap.Logger) {
	if c == nil {
		return
	}
	messageJSON, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal message", zap.Any("type", msg["type"]), zap.Error(err))
		return
	}
	c.Enqueue(messageJSON)
}

// ToRoom はルームのアクティブなプレイヤー全員にイベントを送る。
// JSONはここで一度だけ作るので、呼び出し後にroomを変更しても送信内容は変わらない
func ToRoom(room *models.Room, lookup Lookup, msg map[string]interface{}, logger *zap.Logger) {
	if room == nil {
		return
	}
	messageJSON, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal message", zap.Any("type", msg["type"]), zap.Error(err))
		return
	}
	for _, p := range room.Players {
		if c := lookup(p.UserID); c != nil {
			c.Enqueue(messageJSON)
		}
	}
}
