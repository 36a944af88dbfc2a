package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"psxnetplay/models"
	"psxnetplay/signaling/connection"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	opTimeout  = 5 * time.Second
	lockExpiry = 5 * time.Second
)

var (
	errRoomExists   = errors.New("Room already exists")
	errRoomNotFound = errors.New("Room not found")
	errBadPassword  = errors.New("Incorrect password")
	errRoomFull     = errors.New("Room full")
	errInvalidData  = errors.New("Invalid data: sessionId and playerId required")
)

// inbound はソケットから届くメッセージ
type inbound struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"` // ack用のリクエストID
	Extra      map[string]interface{} `json:"extra,omitempty"`
	Password   string                 `json:"password,omitempty"`
	MaxPlayers int                    `json:"maxPlayers,omitempty"`

	Target             string          `json:"target,omitempty"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`
	Offer              json.RawMessage `json:"offer,omitempty"`
	Answer             json.RawMessage `json:"answer,omitempty"`
	RequestRenegotiate bool            `json:"requestRenegotiate,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// socket はこのプロセスに接続しているリレークライアント
type socket struct {
	id     string
	client *connection.Client

	mu        sync.Mutex
	sessionID string
	playerID  string
}

func (s *socket) session() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID, s.playerID
}

func (s *socket) setSession(sessionID, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID, s.playerID = sessionID, playerID
}

// Server は複数プロセスで水平分割できるルームリレー。
// ルームの状態はRedisに置き、プロセス間の配送はPub/Subで行う
type Server struct {
	store *Store
	bus   *Bus
	rs    *redsync.Redsync

	mu      sync.RWMutex
	sockets map[string]*socket

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewServer(rdb *redis.Client, logger *zap.Logger) *Server {
	return &Server{
		store:   NewStore(rdb),
		bus:     NewBus(rdb, logger),
		rs:      redsync.New(goredis.NewPool(rdb)),
		sockets: make(map[string]*socket),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Subscribe はPub/Subの購読を確立する。Runより前に呼ぶ
func (s *Server) Subscribe(ctx context.Context) error {
	return s.bus.Subscribe(ctx)
}

// Run は他プロセスからのイベントをローカルのソケットに配送する
func (s *Server) Run(ctx context.Context) error {
	return s.bus.Run(ctx, s.deliver)
}

func (s *Server) deliver(env Envelope) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if env.Target != "" {
		if sock := s.sockets[env.Target]; sock != nil {
			sock.client.Enqueue(env.Payload)
		}
		return
	}
	for id, sock := range s.sockets {
		if id == env.Exclude {
			continue
		}
		if sessionID, _ := sock.session(); sessionID == env.Room {
			sock.client.Enqueue(env.Payload)
		}
	}
}

// HandleConnections は GET /relay/ws
func (s *Server) HandleConnections(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	id := uuid.NewString()
	sock := &socket{
		id:     id,
		client: connection.NewClient(conn, &models.Claims{ID: id}, s.logger),
	}
	s.mu.Lock()
	s.sockets[id] = sock
	s.mu.Unlock()
	s.logger.Info("[connect]", zap.String("socket", id), zap.String("ip", c.ClientIP()))

	go sock.client.WritePump()
	s.sendJSON(sock, map[string]interface{}{"type": "connected", "socketId": id})

	sock.client.ReadPump(func(raw []byte) { s.handleMessage(sock, raw) })

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.leave(ctx, sock); err != nil {
		s.logger.Error("leave on disconnect failed", zap.String("socket", id), zap.Error(err))
	}
	s.mu.Lock()
	delete(s.sockets, id)
	s.mu.Unlock()
	s.logger.Info("[disconnect]", zap.String("socket", id))
}

func (s *Server) handleMessage(sock *socket, raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendJSON(sock, map[string]interface{}{"type": "error", "error": "Invalid JSON"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch msg.Type {
	case "open-room":
		s.ack(sock, msg.ID, nil, s.openRoom(ctx, sock, msg))
	case "join-room":
		players, err := s.joinRoom(ctx, sock, msg)
		s.ack(sock, msg.ID, players, err)
	case "leave-room":
		if err := s.leave(ctx, sock); err != nil {
			s.logger.Error("leave-room failed", zap.String("socket", sock.id), zap.Error(err))
		}
	case "webrtc-signal":
		s.relaySignal(ctx, sock, msg)
	case "data-message", "snapshot", "input":
		s.relayToRoom(ctx, sock, msg.Type, msg.Data)
	default:
		s.logger.Debug("Unknown relay message", zap.String("type", msg.Type))
	}
}

// withRoomLock はルーム単位の分散ロックを取ってfnを実行する
func (s *Server) withRoomLock(ctx context.Context, sessionID string, fn func() error) error {
	mutex := s.rs.NewMutex("lock:"+roomKey(sessionID), redsync.WithExpiry(lockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("lock room %s: %w", sessionID, err)
	}
	defer func() {
		if _, err := mutex.Unlock(); err != nil {
			s.logger.Warn("Failed to unlock room", zap.String("sessionID", sessionID), zap.Error(err))
		}
	}()
	return fn()
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (s *Server) openRoom(ctx context.Context, sock *socket, msg inbound) error {
	sessionID := stringField(msg.Extra, "sessionid")
	playerID := stringField(msg.Extra, "userid", "playerId")
	if sessionID == "" || playerID == "" {
		return errInvalidData
	}
	if current, _ := sock.session(); current != "" {
		if err := s.leave(ctx, sock); err != nil {
			return err
		}
	}

	maxPlayers := msg.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = defaultRelayMaxPlayers
	}
	if maxPlayers > models.MaxPlayersLimit {
		maxPlayers = models.MaxPlayersLimit
	}
	room := RoomRecord{
		Owner:      sock.id,
		RoomName:   stringField(msg.Extra, "room_name"),
		GameID:     stringField(msg.Extra, "game_id"),
		Domain:     stringField(msg.Extra, "domain"),
		Password:   msg.Password,
		MaxPlayers: maxPlayers,
	}
	if room.RoomName == "" {
		room.RoomName = "Room " + sessionID
	}
	if room.GameID == "" {
		room.GameID = "default"
	}
	if room.Domain == "" {
		room.Domain = "unknown"
	}

	var players map[string]PlayerRecord
	err := s.withRoomLock(ctx, sessionID, func() error {
		existing, err := s.store.GetRoom(ctx, sessionID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errRoomExists
		}
		if err := s.store.CreateRoom(ctx, sessionID, room); err != nil {
			return err
		}
		if err := s.store.SetPlayer(ctx, sessionID, playerID, playerRecord(msg.Extra, sock.id)); err != nil {
			return err
		}
		players, err = s.store.Players(ctx, sessionID)
		return err
	})
	if err != nil {
		return err
	}

	sock.setSession(sessionID, playerID)
	s.logger.Info("[open-room]", zap.String("socket", sock.id), zap.String("sessionID", sessionID), zap.String("gameID", room.GameID))
	return s.publishUsers(ctx, sessionID, players)
}

// joinRoom は同じplayerIDの再参加なら人数チェックをせずにsocketIdだけ更新する
func (s *Server) joinRoom(ctx context.Context, sock *socket, msg inbound) (map[string]PlayerRecord, error) {
	sessionID := stringField(msg.Extra, "sessionid")
	playerID := stringField(msg.Extra, "userid", "playerId")
	if sessionID == "" || playerID == "" {
		return nil, errInvalidData
	}
	if current, _ := sock.session(); current != "" && current != sessionID {
		if err := s.leave(ctx, sock); err != nil {
			return nil, err
		}
	}

	var players map[string]PlayerRecord
	err := s.withRoomLock(ctx, sessionID, func() error {
		room, err := s.store.GetRoom(ctx, sessionID)
		if err != nil {
			return err
		}
		if room == nil {
			return errRoomNotFound
		}
		if room.HasPassword() && room.Password != msg.Password {
			return errBadPassword
		}
		current, err := s.store.Players(ctx, sessionID)
		if err != nil {
			return err
		}
		if _, rejoin := current[playerID]; !rejoin && len(current) >= room.MaxPlayers {
			return errRoomFull
		}
		if err := s.store.SetPlayer(ctx, sessionID, playerID, playerRecord(msg.Extra, sock.id)); err != nil {
			return err
		}
		players, err = s.store.Players(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	sock.setSession(sessionID, playerID)
	s.logger.Info("[join-room]", zap.String("socket", sock.id), zap.String("sessionID", sessionID), zap.String("playerID", playerID))
	return players, s.publishUsers(ctx, sessionID, players)
}

// leave はソケットをルームから外す。オーナーだった場合は残りのプレイヤーに引き継ぐ
func (s *Server) leave(ctx context.Context, sock *socket) error {
	sessionID, playerID := sock.session()
	if sessionID == "" || playerID == "" {
		return nil
	}

	var players map[string]PlayerRecord
	changed := false
	err := s.withRoomLock(ctx, sessionID, func() error {
		room, err := s.store.GetRoom(ctx, sessionID)
		if err != nil || room == nil {
			return err
		}
		current, err := s.store.Players(ctx, sessionID)
		if err != nil {
			return err
		}
		// 同じプレイヤーが別のソケットで入り直していれば何もしない
		if p, ok := current[playerID]; !ok || p.SocketID() != sock.id {
			return nil
		}
		if err := s.store.RemovePlayer(ctx, sessionID, playerID); err != nil {
			return err
		}
		delete(current, playerID)
		players, changed = current, true

		if len(current) == 0 {
			return s.store.DeleteRoom(ctx, sessionID)
		}
		if room.Owner == sock.id {
			newOwner := current[sortedPlayerIDs(current)[0]].SocketID()
			if err := s.store.SetOwner(ctx, sessionID, newOwner); err != nil {
				return err
			}
			s.logger.Info("Owner transferred", zap.String("sessionID", sessionID), zap.String("owner", newOwner))
		}
		return nil
	})
	if err != nil {
		// Redis側にプレイヤーが残っているので、ソケットもルームを覚えたままにする
		return err
	}
	sock.setSession("", "")
	if !changed {
		return nil
	}
	return s.publishUsers(ctx, sessionID, players)
}

func (s *Server) relaySignal(ctx context.Context, sock *socket, msg inbound) {
	if msg.Target == "" {
		s.logger.Debug("WebRTC signal without target", zap.String("socket", sock.id))
		return
	}
	payload := map[string]interface{}{"type": "webrtc-signal", "sender": sock.id}
	if msg.RequestRenegotiate {
		payload["requestRenegotiate"] = true
	} else {
		if len(msg.Candidate) > 0 {
			payload["candidate"] = msg.Candidate
		}
		if len(msg.Offer) > 0 {
			payload["offer"] = msg.Offer
		}
		if len(msg.Answer) > 0 {
			payload["answer"] = msg.Answer
		}
	}
	s.publish(ctx, Envelope{Target: msg.Target}, payload)
}

func (s *Server) relayToRoom(ctx context.Context, sock *socket, typ string, data json.RawMessage) {
	sessionID, _ := sock.session()
	if sessionID == "" {
		return
	}
	payload := map[string]interface{}{"type": typ, "data": data}
	if len(data) == 0 {
		payload["data"] = nil
	}
	s.publish(ctx, Envelope{Room: sessionID, Exclude: sock.id}, payload)
}

func (s *Server) publishUsers(ctx context.Context, sessionID string, players map[string]PlayerRecord) error {
	return s.publish(ctx, Envelope{Room: sessionID}, map[string]interface{}{"type": "users-updated", "players": players})
}

func (s *Server) publish(ctx context.Context, env Envelope, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env.Payload = raw
	if err := s.bus.Publish(ctx, env); err != nil {
		s.logger.Error("Failed to publish relay event", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) ack(sock *socket, id string, players map[string]PlayerRecord, err error) {
	msg := map[string]interface{}{"type": "ack", "id": id, "error": nil}
	if err != nil {
		switch {
		case errors.Is(err, errRoomExists), errors.Is(err, errRoomNotFound),
			errors.Is(err, errBadPassword), errors.Is(err, errRoomFull), errors.Is(err, errInvalidData):
			msg["error"] = err.Error()
		default:
			s.logger.Error("relay command failed", zap.String("socket", sock.id), zap.Error(err))
			msg["error"] = "Server error"
		}
	}
	if players != nil {
		msg["players"] = players
	}
	s.sendJSON(sock, msg)
}

func (s *Server) sendJSON(sock *socket, msg map[string]interface{}) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal relay message", zap.Error(err))
		return
	}
	sock.client.Enqueue(raw)
}

func playerRecord(extra map[string]interface{}, socketID string) PlayerRecord {
	p := make(PlayerRecord, len(extra)+1)
	for k, v := range extra {
		p[k] = v
	}
	p["socketId"] = socketID
	return p
}
