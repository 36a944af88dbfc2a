package registry

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sort"
	"time"

	"psxnetplay/models"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	roomIDLength   = 8
	roomCodeLength = 6
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultMaxPlayers       = 2
	DefaultReservationGrace = 60 * time.Second
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrPlayerNotFound = errors.New("player not found")
	ErrNotReserved    = errors.New("no reservation found")
	ErrNoFreePort     = errors.New("no free controller port")
)

// Registry はプロセス内のルーム一覧を管理する。
// 全ての操作はゲートウェイのイベントループから同期的に呼ばれる前提で、ロックは持たない
type Registry struct {
	rooms          map[string]*models.Room
	reservations   map[string]map[string]*models.Reservation
	reconnectState map[string]string
	emulatorReady  map[string]map[string]bool

	timers            *Timers
	clock             clock.Clock
	defaultMaxPlayers int
	logger            *zap.Logger
}

// Option はRegistryの設定を変更する
type Option func(*Registry)

// WithDefaultMaxPlayers はmaxPlayers未指定時の人数を変更する
func WithDefaultMaxPlayers(n int) Option {
	return func(r *Registry) {
		if n > 0 && n <= models.MaxPlayersLimit {
			r.defaultMaxPlayers = n
		}
	}
}

func New(clk clock.Clock, dispatch Dispatcher, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		rooms:             make(map[string]*models.Room),
		reservations:      make(map[string]map[string]*models.Reservation),
		reconnectState:    make(map[string]string),
		emulatorReady:     make(map[string]map[string]bool),
		timers:            NewTimers(clk, dispatch),
		clock:             clk,
		defaultMaxPlayers: DefaultMaxPlayers,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create は新しいルームを作成する。プレイヤーの追加は呼び出し側で行う
func (r *Registry) Create(hostID, gameID, roomName string, maxPlayers int, isPrivate bool) *models.Room {
	if maxPlayers <= 0 {
		maxPlayers = r.defaultMaxPlayers
	}
	if maxPlayers > models.MaxPlayersLimit {
		maxPlayers = models.MaxPlayersLimit
	}

	id := randomID(roomIDLength)
	for r.rooms[id] != nil {
		id = randomID(roomIDLength)
	}

	room := &models.Room{
		ID:         id,
		HostID:     hostID,
		GameID:     gameID,
		RoomName:   roomName,
		MaxPlayers: maxPlayers,
		IsPrivate:  isPrivate,
		Players:    []*models.Player{},
		Status:     models.RoomWaiting,
		CreatedAt:  r.clock.Now().UnixMilli(),
	}
	if isPrivate {
		room.RoomCode = randomCode(roomCodeLength)
	}
	r.rooms[id] = room
	r.logger.Info("Room created", zap.String("roomID", id), zap.String("hostID", hostID), zap.String("gameID", gameID))
	return room
}

func (r *Registry) Get(roomID string) *models.Room {
	return r.rooms[roomID]
}

// ListWaitingByGame は参加受付中のルームを作成順に返す
func (r *Registry) ListWaitingByGame(gameID string) []*models.Room {
	return r.list(func(room *models.Room) bool {
		return room.GameID == gameID && room.Status == models.RoomWaiting
	})
}

func (r *Registry) ListAllNonClosed() []*models.Room {
	return r.list(func(room *models.Room) bool {
		return room.Status != models.RoomClosed
	})
}

func (r *Registry) list(match func(*models.Room) bool) []*models.Room {
	rooms := []*models.Room{}
	for _, room := range r.rooms {
		if match(room) {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt != rooms[j].CreatedAt {
			return rooms[i].CreatedAt < rooms[j].CreatedAt
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

// AddPlayer はプレイヤーを末尾に追加する。既に参加中・予約中、
// ポートが範囲外または使用中の場合は何もせずfalseを返す
func (r *Registry) AddPlayer(roomID, userID, displayName string, port int) bool {
	room := r.rooms[roomID]
	if room == nil {
		return false
	}
	if room.FindPlayer(userID) != nil || r.IsReserved(roomID, userID) {
		return false
	}
	if port < 0 || port >= room.MaxPlayers || portInUse(room, port) {
		return false
	}
	room.Players = append(room.Players, &models.Player{
		UserID:         userID,
		DisplayName:    displayName,
		ControllerPort: port,
	})
	return true
}

// RemovePlayer はプレイヤーを恒久的に外し、ホストだった場合は先頭のプレイヤーに引き継ぐ
func (r *Registry) RemovePlayer(roomID, userID string) bool {
	room := r.rooms[roomID]
	if room == nil {
		return false
	}
	if !removeFromRoster(room, userID) {
		return false
	}
	delete(r.emulatorReady[roomID], userID)
	r.transferHost(room, userID)
	return true
}

func (r *Registry) transferHost(room *models.Room, departedID string) {
	if room.HostID != departedID || len(room.Players) == 0 {
		return
	}
	room.HostID = room.Players[0].UserID
	r.logger.Info("Host transferred", zap.String("roomID", room.ID), zap.String("from", departedID), zap.String("to", room.HostID))
}

func (r *Registry) SetReady(roomID, userID string, ready bool) bool {
	room := r.rooms[roomID]
	if room == nil {
		return false
	}
	p := room.FindPlayer(userID)
	if p == nil {
		return false
	}
	p.IsReady = ready
	return true
}

func (r *Registry) SetStatus(roomID string, status models.RoomStatus) error {
	room := r.rooms[roomID]
	if room == nil {
		return ErrRoomNotFound
	}
	room.Status = status
	return nil
}

// NextFreePort は [0, maxPlayers) で未使用の最小ポートを返す。満員なら-1
func (r *Registry) NextFreePort(roomID string) int {
	room := r.rooms[roomID]
	if room == nil {
		return -1
	}
	for port := 0; port < room.MaxPlayers; port++ {
		if !portInUse(room, port) {
			return port
		}
	}
	return -1
}

// Delete はルームと予約・タイマー・付随するバッファをまとめて破棄する
func (r *Registry) Delete(roomID string) {
	if _, ok := r.rooms[roomID]; !ok {
		return
	}
	cancelled := r.timers.CancelRoom(roomID)
	delete(r.rooms, roomID)
	delete(r.reservations, roomID)
	delete(r.reconnectState, roomID)
	delete(r.emulatorReady, roomID)
	r.logger.Info("Room deleted", zap.String("roomID", roomID), zap.Int("timersCancelled", cancelled))
}

// Reserve はプレイ中に切断したプレイヤーを予約に移し、猶予時間後にonExpireを実行する
func (r *Registry) Reserve(roomID, userID string, grace time.Duration, onExpire func()) error {
	room := r.rooms[roomID]
	if room == nil {
		return ErrRoomNotFound
	}
	p := room.FindPlayer(userID)
	if p == nil {
		return ErrPlayerNotFound
	}
	removeFromRoster(room, userID)
	delete(r.emulatorReady[roomID], userID)

	if r.reservations[roomID] == nil {
		r.reservations[roomID] = make(map[string]*models.Reservation)
	}
	r.reservations[roomID][userID] = &models.Reservation{
		Player:    *p,
		ExpiresAt: r.clock.Now().Add(grace),
	}
	r.timers.Schedule(roomID, userID, grace, onExpire)
	r.logger.Info("Player reserved", zap.String("roomID", roomID), zap.String("userID", userID), zap.Duration("grace", grace))
	return nil
}

// Restore は予約を取り消してプレイヤーをロスターに戻す。readyはfalseに戻し、
// 元のポートが空いていればそのまま使う
func (r *Registry) Restore(roomID, userID string) (*models.Player, error) {
	room := r.rooms[roomID]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	res := r.reservations[roomID][userID]
	if res == nil {
		return nil, ErrNotReserved
	}

	port := res.Player.ControllerPort
	if port >= room.MaxPlayers || portInUse(room, port) {
		port = r.NextFreePort(roomID)
		if port < 0 {
			return nil, ErrNoFreePort
		}
	}

	r.timers.Cancel(roomID, userID)
	r.dropReservation(roomID, userID)

	p := &models.Player{
		UserID:         userID,
		DisplayName:    res.Player.DisplayName,
		ControllerPort: port,
	}
	room.Players = append(room.Players, p)
	r.logger.Info("Player restored", zap.String("roomID", roomID), zap.String("userID", userID), zap.Int("port", port))
	return p, nil
}

// ExpireReservation は予約中のプレイヤーを恒久的に外す
func (r *Registry) ExpireReservation(roomID, userID string) (*models.Player, bool) {
	room := r.rooms[roomID]
	res := r.reservations[roomID][userID]
	if room == nil || res == nil {
		return nil, false
	}
	r.timers.Cancel(roomID, userID)
	r.dropReservation(roomID, userID)
	r.transferHost(room, userID)
	p := res.Player
	return &p, true
}

// FlushExpired は期限切れなのにまだ処理されていない予約のコールバックを即時実行する
func (r *Registry) FlushExpired(roomID string) {
	now := r.clock.Now()
	for userID, res := range r.reservations[roomID] {
		if !now.Before(res.ExpiresAt) {
			r.timers.Fire(roomID, userID)
		}
	}
}

func (r *Registry) dropReservation(roomID, userID string) {
	delete(r.reservations[roomID], userID)
	if len(r.reservations[roomID]) == 0 {
		delete(r.reservations, roomID)
	}
}

func (r *Registry) IsReserved(roomID, userID string) bool {
	_, ok := r.reservations[roomID][userID]
	return ok
}

func (r *Registry) ReservationCount(roomID string) int {
	return len(r.reservations[roomID])
}

// HasOccupants はアクティブまたは予約中のプレイヤーがいるか
func (r *Registry) HasOccupants(roomID string) bool {
	room := r.rooms[roomID]
	if room == nil {
		return false
	}
	return len(room.Players) > 0 || r.ReservationCount(roomID) > 0
}

// 再接続用のセーブステートはルームごとに1つだけ保持する
func (r *Registry) SetReconnectState(roomID, stateData string) {
	if r.rooms[roomID] == nil {
		return
	}
	r.reconnectState[roomID] = stateData
}

func (r *Registry) ReconnectState(roomID string) (string, bool) {
	s, ok := r.reconnectState[roomID]
	return s, ok
}

func (r *Registry) ClearReconnectState(roomID string) {
	delete(r.reconnectState, roomID)
}

// MarkEmulatorReady は読み込み完了を記録し、現在のアクティブプレイヤー全員が揃ったかを返す
func (r *Registry) MarkEmulatorReady(roomID, userID string) bool {
	room := r.rooms[roomID]
	if room == nil || room.FindPlayer(userID) == nil {
		return false
	}
	if r.emulatorReady[roomID] == nil {
		r.emulatorReady[roomID] = make(map[string]bool)
	}
	r.emulatorReady[roomID][userID] = true
	return r.AllEmulatorReady(roomID)
}

// AllEmulatorReady は1人以上が読み込み完了を通知済みで、かつアクティブ全員が揃っているか
func (r *Registry) AllEmulatorReady(roomID string) bool {
	room := r.rooms[roomID]
	ready := r.emulatorReady[roomID]
	if room == nil || len(ready) == 0 || len(room.Players) == 0 {
		return false
	}
	for _, p := range room.Players {
		if !ready[p.UserID] {
			return false
		}
	}
	return true
}

func (r *Registry) ClearEmulatorReady(roomID string) {
	delete(r.emulatorReady, roomID)
}

// Counts は統計用のルーム数・プレイヤー数・予約数
func (r *Registry) Counts() (rooms, players, reserved int) {
	for id, room := range r.rooms {
		if room.Status == models.RoomClosed {
			continue
		}
		rooms++
		players += len(room.Players)
		reserved += len(r.reservations[id])
	}
	return rooms, players, reserved
}

func portInUse(room *models.Room, port int) bool {
	for _, p := range room.Players {
		if p.ControllerPort == port {
			return true
		}
	}
	return false
}

func removeFromRoster(room *models.Room, userID string) bool {
	for i, p := range room.Players {
		if p.UserID == userID {
			room.Players = append(room.Players[:i], room.Players[i+1:]...)
			return true
		}
	}
	return false
}

func randomID(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

func randomCode(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	code := make([]byte, length)
	for i, v := range b {
		code[i] = roomCodeChars[int(v)%len(roomCodeChars)]
	}
	return string(code)
}
