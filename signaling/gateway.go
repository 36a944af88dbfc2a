package signaling

import (
	"context"
	"errors"
	"net/http"
	"time"

	"psxnetplay/models"
	"psxnetplay/signaling/broadcast"
	"psxnetplay/signaling/connection"
	"psxnetplay/signaling/registry"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const defaultInboxSize = 1024

var ErrGatewayStopped = errors.New("gateway stopped")

// Options はGatewayの設定
type Options struct {
	Clock             clock.Clock
	ReservationGrace  time.Duration
	DefaultMaxPlayers int
	History           RoomHistory
	AllowedOrigins    []string
	InboxSize         int
	// /api/ice でクライアントに渡すSTUN/TURN
	ICEServers []webrtc.ICEServer
}

// Gateway はWebSocket接続とRoom Registryをつなぐ。
// registryとclientsは全てRunのイベントループからだけ触る
type Gateway struct {
	registry *registry.Registry
	clients  map[string]*connection.Client
	nextGen  uint64

	inbox    chan func()
	done     chan struct{}
	clock    clock.Clock
	grace    time.Duration
	history  RoomHistory
	ice      []webrtc.ICEServer
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewGateway(logger *zap.Logger, opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReservationGrace <= 0 {
		opts.ReservationGrace = registry.DefaultReservationGrace
	}
	if opts.History == nil {
		opts.History = NopHistory{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}

	g := &Gateway{
		clients: make(map[string]*connection.Client),
		inbox:   make(chan func(), opts.InboxSize),
		done:    make(chan struct{}),
		clock:   opts.Clock,
		grace:   opts.ReservationGrace,
		history: opts.History,
		ice:     opts.ICEServers,
		logger:  logger,
	}
	g.registry = registry.New(opts.Clock, func(fn func()) { g.Post(fn) }, logger,
		registry.WithDefaultMaxPlayers(opts.DefaultMaxPlayers))
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return g
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Run はイベントループ。ctxが終わると全接続を閉じて戻る
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.done)
	g.logger.Info("Gateway event loop started")
	for {
		select {
		case fn := <-g.inbox:
			fn()
		case <-ctx.Done():
			for _, c := range g.clients {
				c.CloseWith(websocket.CloseGoingAway, "Server shutting down")
			}
			g.logger.Info("Gateway event loop stopped", zap.Int("clients", len(g.clients)))
			return nil
		}
	}
}

// Post はイベントループで実行する処理を積む。ループ停止後はfalse
func (g *Gateway) Post(fn func()) bool {
	select {
	case g.inbox <- fn:
		return true
	case <-g.done:
		return false
	}
}

func (g *Gateway) lookup(userID string) *connection.Client {
	return g.clients[userID]
}

// isCurrent は接続がそのユーザーの最新の接続かを世代番号で確認する
func (g *Gateway) isCurrent(c *connection.Client) bool {
	cur, ok := g.clients[c.UserID]
	return ok && cur == c && cur.Generation == c.Generation
}

// register は新しい接続を登録する。同じユーザーの古い接続があれば
// ルームの関連付けを引き継いでから閉じる
func (g *Gateway) register(c *connection.Client) {
	g.nextGen++
	c.Generation = g.nextGen

	if old, ok := g.clients[c.UserID]; ok {
		c.RoomID = old.RoomID
		old.RoomID = ""
		old.CloseWith(websocket.CloseNormalClosure, "Replaced")
		g.logger.Info("Connection replaced", zap.String("userID", c.UserID),
			zap.Uint64("oldGeneration", old.Generation), zap.Uint64("generation", c.Generation))
	}
	g.clients[c.UserID] = c
	g.logger.Info("New client added", zap.String("userID", c.UserID), zap.Int("online", len(g.clients)))

	if c.RoomID == "" {
		return
	}
	room := g.registry.Get(c.RoomID)
	if room != nil && room.FindPlayer(c.UserID) != nil {
		g.send(c, broadcast.RoomUpdated(room))
		return
	}
	c.RoomID = ""
}

// handleClose は接続が切れたときの処理。置き換え済みの接続なら何もしない
func (g *Gateway) handleClose(c *connection.Client) {
	if !g.isCurrent(c) {
		g.logger.Debug("Superseded connection closed", zap.String("userID", c.UserID), zap.Uint64("generation", c.Generation))
		return
	}

	if c.RoomID != "" {
		room := g.registry.Get(c.RoomID)
		if room != nil && room.Status == models.RoomPlaying {
			g.disconnectFromRoom(c)
		} else {
			g.leaveRoom(c)
		}
	}
	delete(g.clients, c.UserID)
	g.logger.Info("Client removed", zap.String("userID", c.UserID), zap.Int("online", len(g.clients)))
}

func (g *Gateway) send(c *connection.Client, msg map[string]interface{}) {
	broadcast.Send(c, msg, g.logger)
}

func (g *Gateway) sendError(c *connection.Client, code, message string) {
	g.logger.Debug("Command rejected", zap.String("userID", c.UserID), zap.String("code", code))
	broadcast.Send(c, broadcast.Error(code, message), g.logger)
}

func (g *Gateway) toRoom(roomID string, msg map[string]interface{}) {
	broadcast.ToRoom(g.registry.Get(roomID), g.lookup, msg, g.logger)
}

func (g *Gateway) broadcastRoom(roomID string) {
	room := g.registry.Get(roomID)
	if room == nil {
		return
	}
	g.toRoom(roomID, broadcast.RoomUpdated(room))
}

// closeRoom は空になったルームを削除し、履歴に記録する
func (g *Gateway) closeRoom(roomID string) {
	if g.registry.Get(roomID) == nil {
		return
	}
	g.registry.SetStatus(roomID, models.RoomClosed)
	g.registry.Delete(roomID)
	g.history.RoomClosed(roomID)
}
