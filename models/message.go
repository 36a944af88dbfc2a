package models

import "encoding/json"

// ClientMessage はクライアントから届くコマンドの共通エンベロープ。
// typeごとに使うフィールドだけが埋まる
type ClientMessage struct {
	Type string `json:"type"`

	// list-rooms, create-room
	GameID     string `json:"gameId,omitempty"`
	RoomName   string `json:"roomName,omitempty"`
	MaxPlayers int    `json:"maxPlayers,omitempty"`
	IsPrivate  bool   `json:"isPrivate,omitempty"`

	// join-room, rejoin-room
	RoomID   string `json:"roomId,omitempty"`
	RoomCode string `json:"roomCode,omitempty"`

	// ready
	Ready bool `json:"ready,omitempty"`

	// room-save-state
	StateData string `json:"stateData,omitempty"`

	// signal, ice
	TargetID  string          `json:"targetId,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// chat
	Message string `json:"message,omitempty"`
}

// エラーコード
const (
	ErrCodeBadMessage    = "BAD_MSG"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeStarted       = "STARTED"
	ErrCodeFull          = "FULL"
	ErrCodeBadCode       = "BAD_CODE"
	ErrCodeNotInRoom     = "NOT_IN_ROOM"
	ErrCodeRoomClosed    = "ROOM_CLOSED"
	ErrCodeNoReservation = "NO_RESERVATION"
	ErrCodeRestoreFailed = "RESTORE_FAILED"
	ErrCodeNotHost       = "NOT_HOST"
	ErrCodeNotReady      = "NOT_READY"
	ErrCodeNotPlaying    = "NOT_PLAYING"
)
