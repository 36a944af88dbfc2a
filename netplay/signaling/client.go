// Package signaling はゲートウェイのWebSocketプロトコルのクライアント側
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"psxnetplay/models"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 10
	defaultBaseDelay   = time.Second
	defaultMaxDelay    = 30 * time.Second
	defaultEventQueue  = 128
	writeWait          = 10 * time.Second
)

// サーバーからは来ない、接続状態を表すイベント
const (
	EventOpen            = "open"
	EventClose           = "close"
	EventReconnectFailed = "reconnect-failed"
)

var ErrNotConnected = errors.New("signaling: not connected")

// Event はゲートウェイから届いたイベント。typeごとに使うフィールドが違う
type Event struct {
	Type        string          `json:"type"`
	Room        *models.Room    `json:"room,omitempty"`
	Rooms       []*models.Room  `json:"rooms,omitempty"`
	FromID      string          `json:"fromId,omitempty"`
	SDP         json.RawMessage `json:"sdp,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Message     string          `json:"message,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Temporary   bool            `json:"temporary,omitempty"`
	StateData   string          `json:"stateData,omitempty"`
	Code        string          `json:"code,omitempty"`
}

type Options struct {
	// ゲートウェイのWebSocketエンドポイント (例: ws://host:8080/ws)
	URL         string
	Dialer      *websocket.Dialer
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	EventQueue  int
	// 再接続の待ち時間に使う。nilなら実時間
	Clock       clock.Clock
}

type Client struct {
	opts   Options
	events chan Event
	logger *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	token       string
	intentional bool
	closed      chan struct{}
	closeOnce   sync.Once

	writeMu sync.Mutex
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = defaultEventQueue
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Client{
		opts:   opts,
		events: make(chan Event, opts.EventQueue),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// backoffDelay は attempt 回目(0始まり)の再接続までの待ち時間
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (c *Client) Events() <-chan Event { return c.events }

// Connect は最初の接続を確立する。切断後の再接続はバックグラウンドで行う
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	c.token = token
	c.intentional = false
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.emit(Event{Type: EventOpen})
	go c.run(ctx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	c.mu.Lock()
	q := u.Query()
	q.Set("token", c.token)
	c.mu.Unlock()
	u.RawQuery = q.Encode()

	conn, _, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		c.readLoop(conn)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		intentional := c.intentional
		c.mu.Unlock()
		c.emit(Event{Type: EventClose})

		if intentional || ctx.Err() != nil {
			return
		}
		conn = c.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("Signaling connection closed", zap.Error(err))
			conn.Close()
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// 不正なJSONは無視
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		delay := backoffDelay(attempt, c.opts.BaseDelay, c.opts.MaxDelay)
		timer := c.opts.Clock.Timer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.closed:
			timer.Stop()
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Info("Reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		// 待機中にCloseされていたら捨てる
		c.mu.Lock()
		intentional := c.intentional
		c.mu.Unlock()
		if intentional {
			conn.Close()
			return nil
		}
		c.emit(Event{Type: EventOpen})
		return conn
	}
	c.logger.Warn("Giving up reconnecting", zap.Int("attempts", c.opts.MaxAttempts))
	c.emit(Event{Type: EventReconnectFailed})
	return nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("Signaling event queue full, dropping event", zap.String("type", ev.Type))
	}
}

// Send はコマンドを1つ送る。未接続ならErrNotConnected
func (c *Client) Send(msg map[string]interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// Close は再接続せずに切断する
func (c *Client) Close() {
	c.mu.Lock()
	c.intentional = true
	conn := c.conn
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closed) })
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	conn.Close()
}
