package signaling

import "psxnetplay/models"

// RoomHistory はルームの作成・開始・終了を外部に記録する。
// イベントループから呼ばれるのでブロックしてはいけない
type RoomHistory interface {
	RoomCreated(room *models.Room)
	RoomStarted(room *models.Room)
	RoomClosed(roomID string)
}

// NopHistory は履歴を記録しない
type NopHistory struct{}

func (NopHistory) RoomCreated(*models.Room) {}
func (NopHistory) RoomStarted(*models.Room) {}
func (NopHistory) RoomClosed(string)        {}
