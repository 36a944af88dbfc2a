package connection

import (
	"sync"
	"time"

	"psxnetplay/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Pingの送信間隔
	pingPeriod = 10 * time.Second
	// Pongが来なければ切断とみなすまでの時間
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second

	maxMessageSize = 1 << 20 // セーブステートを含むので大きめ
	sendQueueSize  = 64
)

// Client はゲートウェイに接続中の1本のWebSocket接続
type Client struct {
	Conn        *websocket.Conn
	UserID      string
	DisplayName string
	Role        string

	// イベントループだけが読み書きする
	RoomID     string
	Generation uint64

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func NewClient(conn *websocket.Conn, claims *models.Claims, logger *zap.Logger) *Client {
	return &Client{
		Conn:        conn,
		UserID:      claims.ID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("userID", claims.ID)),
	}
}

// Enqueue は送信キューにメッセージを積む。キューが満杯なら破棄してfalse
func (c *Client) Enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	default:
		c.logger.Warn("Send queue full, dropping message", zap.Int("bytes", len(message)))
		return false
	}
}

// WritePump は送信キューを書き出し、定期的にPingを送る。接続ごとに1ゴルーチン
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Info("Write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Info("Error sending ping or connection is closed", zap.Error(err))
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadPump は受信メッセージをonMessageに渡す。接続が切れたら戻る
func (c *Client) ReadPump(onMessage func([]byte)) {
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	// Pongハンドラの設定
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed unexpectedly", zap.Error(err))
			}
			c.Close()
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		onMessage(message)
	}
}

// CloseWith はクローズフレームを送ってから接続を閉じる
func (c *Client) CloseWith(code int, text string) {
	c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.Close()
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

// Done は接続が閉じられたら閉じるチャネル
func (c *Client) Done() <-chan struct{} {
	return c.done
}
