package signaling

import (
	"context"

	"psxnetplay/models"
)

// Stats は /api/stats で返す統計
type Stats struct {
	Online      int `json:"online"`
	ActiveRooms int `json:"activeRooms"`
	Players     int `json:"players"`
	Reserved    int `json:"reserved"`
}

// query はイベントループ上でfnを実行して結果を受け取る
func query[T any](ctx context.Context, g *Gateway, fn func() T) (T, error) {
	var zero T
	reply := make(chan T, 1)
	posted := make(chan bool, 1)
	go func() { posted <- g.Post(func() { reply <- fn() }) }()

	select {
	case ok := <-posted:
		if !ok {
			return zero, ErrGatewayStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Rooms は参加受付中のルームを参加コードを隠して返す
func (g *Gateway) Rooms(ctx context.Context, gameID string) ([]*models.Room, error) {
	return query(ctx, g, func() []*models.Room {
		rooms := g.registry.ListWaitingByGame(gameID)
		masked := make([]*models.Room, 0, len(rooms))
		for _, room := range rooms {
			masked = append(masked, room.Masked())
		}
		return masked
	})
}

func (g *Gateway) Stats(ctx context.Context) (Stats, error) {
	return query(ctx, g, func() Stats {
		rooms, players, reserved := g.registry.Counts()
		return Stats{
			Online:      len(g.clients),
			ActiveRooms: rooms,
			Players:     players,
			Reserved:    reserved,
		}
	})
}
