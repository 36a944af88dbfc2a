package relay

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Listing は /list で返す1ルーム分の情報
type Listing struct {
	RoomName    string `json:"room_name"`
	Current     int    `json:"current"`
	Max         int    `json:"max"`
	PlayerName  string `json:"player_name"` // オーナーの名前
	HasPassword bool   `json:"hasPassword"`
}

// List はgameIDのルームのうち空きのあるものをsessionIDをキーにして返す
func (s *Server) List(ctx context.Context, gameID string) (map[string]Listing, error) {
	ids, err := s.store.ActiveRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Listing, len(ids))
	for _, id := range ids {
		room, err := s.store.GetRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if room == nil {
			continue
		}
		if room.GameID != gameID {
			continue
		}
		players, err := s.store.Players(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(players) >= room.MaxPlayers {
			continue
		}
		ownerName := "Unknown"
		for _, p := range players {
			if p.SocketID() == room.Owner {
				ownerName = p.Name()
				break
			}
		}
		out[id] = Listing{
			RoomName:    room.RoomName,
			Current:     len(players),
			Max:         room.MaxPlayers,
			PlayerName:  ownerName,
			HasPassword: room.HasPassword(),
		}
	}
	return out, nil
}

// ListHandler は GET /list?game_id=
func (s *Server) ListHandler(c *gin.Context) {
	gameID := c.Query("game_id")
	if gameID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "game_id is required"})
		return
	}
	rooms, err := s.List(c.Request.Context(), gameID)
	if err != nil {
		s.logger.Error("Failed to list relay rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, rooms)
}

// RegisterRoutes はリレーモードのルートを登録する
func (s *Server) RegisterRoutes(router gin.IRouter) {
	router.GET("/relay/ws", s.HandleConnections)
	router.GET("/list", s.ListHandler)
}
