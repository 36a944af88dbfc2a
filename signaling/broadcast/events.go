package broadcast

import (
	"encoding/json"

	"psxnetplay/models"
)

// クライアントへ送るイベントのエンベロープ。全てtypeで判別する

func RoomUpdated(room *models.Room) map[string]interface{} {
	return map[string]interface{}{"type": "room-updated", "room": room}
}

func RoomList(rooms []*models.Room) map[string]interface{} {
	masked := make([]*models.Room, 0, len(rooms))
	for _, room := range rooms {
		masked = append(masked, room.Masked())
	}
	return map[string]interface{}{"type": "room-list", "rooms": masked}
}

func GameStarting(room *models.Room) map[string]interface{} {
	return map[string]interface{}{"type": "game-starting", "room": room}
}

func Signal(fromID string, sdp json.RawMessage) map[string]interface{} {
	return map[string]interface{}{"type": "signal", "fromId": fromID, "sdp": sdp}
}

func ICE(fromID string, candidate json.RawMessage) map[string]interface{} {
	return map[string]interface{}{"type": "ice", "fromId": fromID, "candidate": candidate}
}

func Chat(fromID, displayName, message string, timestamp int64) map[string]interface{} {
	return map[string]interface{}{
		"type":        "chat",
		"fromId":      fromID,
		"displayName": displayName,
		"message":     message,
		"timestamp":   timestamp,
	}
}

func PlayerDisconnected(userID, displayName string, temporary bool) map[string]interface{} {
	return map[string]interface{}{
		"type":        "player-disconnected",
		"userId":      userID,
		"displayName": displayName,
		"temporary":   temporary,
	}
}

func PlayerReconnected(userID, displayName string) map[string]interface{} {
	return map[string]interface{}{"type": "player-reconnected", "userId": userID, "displayName": displayName}
}

func ReconnectState(stateData string) map[string]interface{} {
	return map[string]interface{}{"type": "reconnect-state", "stateData": stateData}
}

func PlayerLoaded(userID, displayName string) map[string]interface{} {
	return map[string]interface{}{"type": "player-loaded", "userId": userID, "displayName": displayName}
}

func GameSynced() map[string]interface{} {
	return map[string]interface{}{"type": "game-synced"}
}

func Error(code, message string) map[string]interface{} {
	return map[string]interface{}{"type": "error", "code": code, "message": message}
}
