package models

import (
	"time"

	"gorm.io/gorm"
)

// RoomLog はルームの履歴をPostgreSQLに残すためのモデル
type RoomLog struct {
	gorm.Model
	RoomID     string     `gorm:"uniqueIndex;not null"`
	HostUserID string     `gorm:"not null"`
	GameID     string     `gorm:"index;not null"`
	RoomName   string     `gorm:"not null"`
	MaxPlayers int        `gorm:"not null"`
	IsPrivate  bool       `gorm:"not null"`
	Players    string     `gorm:"type:text"` // プレイヤー一覧のJSON
	Status     string     `gorm:"not null"`  // waiting, playing, closed
	StartedAt  *time.Time
	ClosedAt   *time.Time `gorm:"index"`
}
