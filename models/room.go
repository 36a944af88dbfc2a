package models

import "time"

// RoomStatus はルームのライフサイクル状態を表す
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomPlaying RoomStatus = "playing"
	RoomClosed  RoomStatus = "closed"
)

// 1ルームあたりの最大プレイヤー数（コントローラポート数）
const MaxPlayersLimit = 8

// Room はシグナリングサーバーがメモリ上で管理するマルチプレイのルーム
type Room struct {
	ID         string     `json:"id"`
	HostID     string     `json:"hostId"`
	GameID     string     `json:"gameId"`
	RoomName   string     `json:"roomName"`
	MaxPlayers int        `json:"maxPlayers"`
	IsPrivate  bool       `json:"isPrivate"`
	RoomCode   string     `json:"roomCode"` // プライベートルームのみ
	Players    []*Player  `json:"players"`  // 参加順
	Status     RoomStatus `json:"status"`
	CreatedAt  int64      `json:"createdAt"` // Unixミリ秒
}

// Player はルームに参加しているユーザー
type Player struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	ControllerPort int    `json:"controllerPort"`
	IsReady        bool   `json:"isReady"`
}

// Reservation はプレイ中に切断したプレイヤーの席を一時的に確保する
type Reservation struct {
	Player    Player
	ExpiresAt time.Time
}

// FindPlayer はユーザーIDに一致するプレイヤーを返す。いなければnil
func (r *Room) FindPlayer(userID string) *Player {
	for _, p := range r.Players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// Snapshot はブロードキャスト用のコピーを作成する。
// イベントループ外のwriterゴルーチンにRoomを直接渡さないため
func (r *Room) Snapshot() *Room {
	c := *r
	c.Players = make([]*Player, len(r.Players))
	for i, p := range r.Players {
		cp := *p
		c.Players[i] = &cp
	}
	return &c
}

// Masked はルーム一覧向けに参加コードを隠したコピーを返す
func (r *Room) Masked() *Room {
	c := r.Snapshot()
	if c.IsPrivate {
		c.RoomCode = "******"
	} else {
		c.RoomCode = ""
	}
	return c
}
