package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	activeRoomsKey = "rooms:active"
	// 異常終了したプロセスが残したルームをRedis側で消すための保険
	roomTTL = 2 * time.Hour

	defaultRelayMaxPlayers = 4
)

func roomKey(sessionID string) string    { return "room:" + sessionID }
func playersKey(sessionID string) string { return "room:" + sessionID + ":players" }

// RoomRecord は room:<id> ハッシュの内容
type RoomRecord struct {
	Owner      string // オーナーのソケットID
	RoomName   string
	GameID     string
	Domain     string
	Password   string
	MaxPlayers int
}

func (r *RoomRecord) HasPassword() bool {
	return r.Password != "" && r.Password != "null"
}

// PlayerRecord はクライアントから届いたプレイヤー情報にsocketIdを加えたもの
type PlayerRecord map[string]interface{}

func (p PlayerRecord) SocketID() string {
	s, _ := p["socketId"].(string)
	return s
}

func (p PlayerRecord) Name() string {
	if s, ok := p["player_name"].(string); ok && s != "" {
		return s
	}
	return "Unknown"
}

// Store はルームの状態をRedisに保存する
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) CreateRoom(ctx context.Context, sessionID string, room RoomRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(sessionID), map[string]interface{}{
			"owner":      room.Owner,
			"roomName":   room.RoomName,
			"gameId":     room.GameID,
			"domain":     room.Domain,
			"password":   room.Password,
			"maxPlayers": room.MaxPlayers,
		})
		pipe.Expire(ctx, roomKey(sessionID), roomTTL)
		pipe.SAdd(ctx, activeRoomsKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", sessionID, err)
	}
	return nil
}

// GetRoom はルームを返す。存在しなければnil
func (s *Store) GetRoom(ctx context.Context, sessionID string) (*RoomRecord, error) {
	data, err := s.rdb.HGetAll(ctx, roomKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", sessionID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	maxPlayers, err := strconv.Atoi(data["maxPlayers"])
	if err != nil || maxPlayers <= 0 {
		maxPlayers = defaultRelayMaxPlayers
	}
	return &RoomRecord{
		Owner:      data["owner"],
		RoomName:   data["roomName"],
		GameID:     data["gameId"],
		Domain:     data["domain"],
		Password:   data["password"],
		MaxPlayers: maxPlayers,
	}, nil
}

func (s *Store) DeleteRoom(ctx context.Context, sessionID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(sessionID), playersKey(sessionID))
		pipe.SRem(ctx, activeRoomsKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", sessionID, err)
	}
	return nil
}

// SetPlayer はプレイヤー情報を書き込み、両方のキーのTTLを延長する
func (s *Store) SetPlayer(ctx context.Context, sessionID, playerID string, player PlayerRecord) error {
	raw, err := json.Marshal(player)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, playersKey(sessionID), playerID, raw)
		pipe.Expire(ctx, playersKey(sessionID), roomTTL)
		pipe.Expire(ctx, roomKey(sessionID), roomTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set player %s/%s: %w", sessionID, playerID, err)
	}
	return nil
}

// RemovePlayer はプレイヤーを外し、両方のキーのTTLを延長する
func (s *Store) RemovePlayer(ctx context.Context, sessionID, playerID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, playersKey(sessionID), playerID)
		pipe.Expire(ctx, playersKey(sessionID), roomTTL)
		pipe.Expire(ctx, roomKey(sessionID), roomTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove player %s/%s: %w", sessionID, playerID, err)
	}
	return nil
}

func (s *Store) Players(ctx context.Context, sessionID string) (map[string]PlayerRecord, error) {
	raw, err := s.rdb.HGetAll(ctx, playersKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get players %s: %w", sessionID, err)
	}
	players := make(map[string]PlayerRecord, len(raw))
	for id, v := range raw {
		var p PlayerRecord
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		players[id] = p
	}
	return players, nil
}

func (s *Store) PlayerCount(ctx context.Context, sessionID string) (int64, error) {
	return s.rdb.HLen(ctx, playersKey(sessionID)).Result()
}

func (s *Store) SetOwner(ctx context.Context, sessionID, socketID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(sessionID), "owner", socketID)
		pipe.Expire(ctx, roomKey(sessionID), roomTTL)
		pipe.Expire(ctx, playersKey(sessionID), roomTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set owner %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) ActiveRooms(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, activeRoomsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// sortedPlayerIDs はオーナー引き継ぎ先を決めるための順序を返す
func sortedPlayerIDs(players map[string]PlayerRecord) []string {
	ids := make([]string, 0, len(players))
	for id := range players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
