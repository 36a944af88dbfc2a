package signaling

import (
	"psxnetplay/models"
	"psxnetplay/signaling/broadcast"
	"psxnetplay/signaling/connection"

	"go.uber.org/zap"
)

func (g *Gateway) handleListRooms(c *connection.Client, msg models.ClientMessage) {
	g.send(c, broadcast.RoomList(g.registry.ListWaitingByGame(msg.GameID)))
}

// ルームを作成してホストとしてポート0に参加する。参加中のルームがあれば先に退出する
func (g *Gateway) handleCreateRoom(c *connection.Client, msg models.ClientMessage) {
	if msg.GameID == "" {
		g.sendError(c, models.ErrCodeBadMessage, "gameId is required")
		return
	}
	g.leaveRoom(c)

	room := g.registry.Create(c.UserID, msg.GameID, msg.RoomName, msg.MaxPlayers, msg.IsPrivate)
	g.registry.AddPlayer(room.ID, c.UserID, c.DisplayName, 0)
	c.RoomID = room.ID

	g.send(c, broadcast.RoomUpdated(room))
	g.history.RoomCreated(room.Snapshot())
}

func (g *Gateway) handleJoinRoom(c *connection.Client, msg models.ClientMessage) {
	room := g.registry.Get(msg.RoomID)
	if room == nil {
		g.sendError(c, models.ErrCodeNotFound, "Room not found")
		return
	}
	if room.Status != models.RoomWaiting {
		g.sendError(c, models.ErrCodeStarted, "Game already started")
		return
	}

	// 前の接続で参加済みなら関連付けだけ更新する
	if room.FindPlayer(c.UserID) != nil {
		g.switchRoom(c, room.ID)
		g.broadcastRoom(room.ID)
		return
	}

	if len(room.Players) >= room.MaxPlayers {
		g.sendError(c, models.ErrCodeFull, "Room is full")
		return
	}
	if room.IsPrivate && msg.RoomCode != room.RoomCode {
		g.sendError(c, models.ErrCodeBadCode, "Invalid room code")
		return
	}
	port := g.registry.NextFreePort(room.ID)
	if port < 0 {
		g.sendError(c, models.ErrCodeFull, "Room is full")
		return
	}

	g.switchRoom(c, room.ID)
	g.registry.AddPlayer(room.ID, c.UserID, c.DisplayName, port)
	g.broadcastRoom(room.ID)
	g.logger.Info("Player joined", zap.String("roomID", room.ID), zap.String("userID", c.UserID), zap.Int("port", port))
}

// switchRoom は別のルームに関連付いていればそこを退出してから関連付けを移す
func (g *Gateway) switchRoom(c *connection.Client, roomID string) {
	if c.RoomID != "" && c.RoomID != roomID {
		g.leaveRoom(c)
	}
	c.RoomID = roomID
}

// leaveRoom は恒久的な退出。ルームが空になれば削除する
func (g *Gateway) leaveRoom(c *connection.Client) {
	if c.RoomID == "" {
		return
	}
	roomID := c.RoomID
	c.RoomID = ""

	room := g.registry.Get(roomID)
	if room == nil {
		return
	}
	wasPlaying := room.Status == models.RoomPlaying
	g.registry.RemovePlayer(roomID, c.UserID)
	g.logger.Info("Player left", zap.String("roomID", roomID), zap.String("userID", c.UserID))

	if !g.registry.HasOccupants(roomID) {
		g.closeRoom(roomID)
		return
	}
	g.toRoom(roomID, broadcast.PlayerDisconnected(c.UserID, c.DisplayName, false))
	g.broadcastRoom(roomID)
	if wasPlaying {
		g.checkSynced(roomID)
	}
}

func (g *Gateway) handleReady(c *connection.Client, msg models.ClientMessage) {
	if c.RoomID == "" {
		g.sendError(c, models.ErrCodeNotInRoom, "Not in a room")
		return
	}
	if !g.registry.SetReady(c.RoomID, c.UserID, msg.Ready) {
		g.sendError(c, models.ErrCodeNotInRoom, "Not in this room")
		return
	}
	g.broadcastRoom(c.RoomID)
}

// handleStartGame はホストだけが実行でき、ホスト以外の全員がreadyである必要がある
func (g *Gateway) handleStartGame(c *connection.Client) {
	if c.RoomID == "" {
		g.sendError(c, models.ErrCodeNotInRoom, "Not in a room")
		return
	}
	room := g.registry.Get(c.RoomID)
	if room == nil {
		g.sendError(c, models.ErrCodeNotFound, "Room not found")
		return
	}
	if room.HostID != c.UserID {
		g.sendError(c, models.ErrCodeNotHost, "Only the host can start the game")
		return
	}
	if room.Status != models.RoomWaiting {
		g.sendError(c, models.ErrCodeStarted, "Game already started")
		return
	}
	for _, p := range room.Players {
		if p.UserID != room.HostID && !p.IsReady {
			g.sendError(c, models.ErrCodeNotReady, "Not all players are ready")
			return
		}
	}

	g.registry.SetStatus(room.ID, models.RoomPlaying)
	g.registry.ClearEmulatorReady(room.ID)
	g.toRoom(room.ID, broadcast.GameStarting(room))
	g.history.RoomStarted(room.Snapshot())
	g.logger.Info("Game starting", zap.String("roomID", room.ID), zap.Int("players", len(room.Players)))
}
