package signaling

import (
	"errors"

	"psxnetplay/models"
	"psxnetplay/signaling/broadcast"
	"psxnetplay/signaling/connection"
	"psxnetplay/signaling/registry"

	"go.uber.org/zap"
)

// disconnectFromRoom はプレイ中の切断。席を予約して猶予時間内の再参加を待つ
func (g *Gateway) disconnectFromRoom(c *connection.Client) {
	roomID, userID, displayName := c.RoomID, c.UserID, c.DisplayName
	c.RoomID = ""

	err := g.registry.Reserve(roomID, userID, g.grace, func() {
		g.expireReservation(roomID, userID, displayName)
	})
	if err != nil {
		g.logger.Error("Failed to reserve slot", zap.String("roomID", roomID), zap.String("userID", userID), zap.Error(err))
		return
	}

	g.toRoom(roomID, broadcast.PlayerDisconnected(userID, displayName, true))
	g.broadcastRoom(roomID)
	g.checkSynced(roomID)
}

// expireReservation は猶予時間切れ。ホストを引き継ぎ、誰もいなければルームを削除する
func (g *Gateway) expireReservation(roomID, userID, displayName string) {
	if _, ok := g.registry.ExpireReservation(roomID, userID); !ok {
		return
	}
	g.logger.Info("Reservation expired", zap.String("roomID", roomID), zap.String("userID", userID))

	g.toRoom(roomID, broadcast.PlayerDisconnected(userID, displayName, false))
	if !g.registry.HasOccupants(roomID) {
		g.closeRoom(roomID)
		return
	}
	g.broadcastRoom(roomID)
	g.checkSynced(roomID)
}

func (g *Gateway) handleRejoinRoom(c *connection.Client, msg models.ClientMessage) {
	// 期限切れでまだ発火していない予約はここで確定させる
	g.registry.FlushExpired(msg.RoomID)

	room := g.registry.Get(msg.RoomID)
	if room == nil {
		g.sendError(c, models.ErrCodeNotFound, "Room not found")
		return
	}

	switch room.Status {
	case models.RoomWaiting:
		if room.FindPlayer(c.UserID) == nil {
			g.sendError(c, models.ErrCodeNotInRoom, "Not in this room")
			return
		}
		g.switchRoom(c, room.ID)
		g.broadcastRoom(room.ID)
		return
	case models.RoomPlaying:
	default:
		g.sendError(c, models.ErrCodeRoomClosed, "Room is closed")
		return
	}

	if !g.registry.IsReserved(room.ID, c.UserID) {
		g.sendError(c, models.ErrCodeNoReservation, "No reservation found")
		return
	}
	if _, err := g.registry.Restore(room.ID, c.UserID); err != nil {
		if !errors.Is(err, registry.ErrNoFreePort) {
			g.logger.Error("Failed to restore player", zap.String("roomID", room.ID), zap.Error(err))
		}
		g.sendError(c, models.ErrCodeRestoreFailed, "Failed to restore player")
		return
	}
	g.switchRoom(c, room.ID)

	g.toRoom(room.ID, broadcast.PlayerReconnected(c.UserID, c.DisplayName))
	if state, ok := g.registry.ReconnectState(room.ID); ok {
		g.send(c, broadcast.ReconnectState(state))
		g.registry.ClearReconnectState(room.ID)
	}
	g.broadcastRoom(room.ID)
}

// handleSaveState はプレイ中のセーブステートを再接続用に1つだけ保持する
func (g *Gateway) handleSaveState(c *connection.Client, msg models.ClientMessage) {
	room := g.registry.Get(c.RoomID)
	if room == nil || room.Status != models.RoomPlaying {
		g.sendError(c, models.ErrCodeNotPlaying, "Room is not playing")
		return
	}
	g.registry.SetReconnectState(room.ID, msg.StateData)
}

func (g *Gateway) handleEmulatorReady(c *connection.Client) {
	room := g.registry.Get(c.RoomID)
	if room == nil || room.Status != models.RoomPlaying {
		g.sendError(c, models.ErrCodeNotPlaying, "Room is not playing")
		return
	}
	allReady := g.registry.MarkEmulatorReady(room.ID, c.UserID)
	g.toRoom(room.ID, broadcast.PlayerLoaded(c.UserID, c.DisplayName))
	if allReady {
		g.registry.ClearEmulatorReady(room.ID)
		g.toRoom(room.ID, broadcast.GameSynced())
	}
}

// checkSynced はメンバーが減ったあとに読み込み待ちが揃ったかを再評価する
func (g *Gateway) checkSynced(roomID string) {
	room := g.registry.Get(roomID)
	if room == nil || room.Status != models.RoomPlaying {
		return
	}
	if g.registry.AllEmulatorReady(roomID) {
		g.registry.ClearEmulatorReady(roomID)
		g.toRoom(roomID, broadcast.GameSynced())
	}
}
