package signaling

import "encoding/json"

// CreateRoom のパラメータ。MaxPlayersが0ならサーバーの既定値
type CreateRoom struct {
	GameID     string
	RoomName   string
	MaxPlayers int
	IsPrivate  bool
}

func (c *Client) ListRooms(gameID string) error {
	return c.Send(map[string]interface{}{"type": "list-rooms", "gameId": gameID})
}

func (c *Client) CreateRoom(p CreateRoom) error {
	msg := map[string]interface{}{
		"type":      "create-room",
		"gameId":    p.GameID,
		"roomName":  p.RoomName,
		"isPrivate": p.IsPrivate,
	}
	if p.MaxPlayers > 0 {
		msg["maxPlayers"] = p.MaxPlayers
	}
	return c.Send(msg)
}

func (c *Client) JoinRoom(roomID, roomCode string) error {
	msg := map[string]interface{}{"type": "join-room", "roomId": roomID}
	if roomCode != "" {
		msg["roomCode"] = roomCode
	}
	return c.Send(msg)
}

func (c *Client) LeaveRoom() error {
	return c.Send(map[string]interface{}{"type": "leave-room"})
}

func (c *Client) SetReady(ready bool) error {
	return c.Send(map[string]interface{}{"type": "ready", "ready": ready})
}

func (c *Client) StartGame() error {
	return c.Send(map[string]interface{}{"type": "start-game"})
}

func (c *Client) RejoinRoom(roomID string) error {
	return c.Send(map[string]interface{}{"type": "rejoin-room", "roomId": roomID})
}

// SaveState は再接続するプレイヤーに渡すセーブステート(base64)を預ける
func (c *Client) SaveState(stateData string) error {
	return c.Send(map[string]interface{}{"type": "room-save-state", "stateData": stateData})
}

func (c *Client) EmulatorReady() error {
	return c.Send(map[string]interface{}{"type": "emulator-ready"})
}

func (c *Client) Signal(targetID string, sdp json.RawMessage) error {
	return c.Send(map[string]interface{}{"type": "signal", "targetId": targetID, "sdp": sdp})
}

func (c *Client) ICE(targetID string, candidate json.RawMessage) error {
	return c.Send(map[string]interface{}{"type": "ice", "targetId": targetID, "candidate": candidate})
}

func (c *Client) Chat(message string) error {
	return c.Send(map[string]interface{}{"type": "chat", "message": message})
}
