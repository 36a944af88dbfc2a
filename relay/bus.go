package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 全プロセスが購読するPub/Subチャネル
const busChannel = "netplay:relay"

// Envelope はプロセス間で配送するイベント。
// Targetがあればそのソケットへ、なければRoomのソケット全員（Exclude以外）へ届ける
type Envelope struct {
	Room    string          `json:"room,omitempty"`
	Target  string          `json:"target,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Bus はRedis Pub/Subによるファンアウト
type Bus struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	logger *zap.Logger
}

func NewBus(rdb *redis.Client, logger *zap.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger}
}

func (b *Bus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, busChannel, raw).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe は購読が確立するまで待つ。Runの前に一度だけ呼ぶ
func (b *Bus) Subscribe(ctx context.Context) error {
	ps := b.rdb.Subscribe(ctx, busChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", busChannel, err)
	}
	b.pubsub = ps
	return nil
}

// Run は受信したEnvelopeをdeliverに渡す。ctxが終わると戻る
func (b *Bus) Run(ctx context.Context, deliver func(Envelope)) error {
	if b.pubsub == nil {
		return errors.New("bus is not subscribed")
	}
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("Invalid relay envelope", zap.Error(err))
				continue
			}
			deliver(env)
		}
	}
}
