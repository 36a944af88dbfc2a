package signaling

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ListRoomsHandler は GET /api/rooms?gameId=
func (g *Gateway) ListRoomsHandler(c *gin.Context) {
	gameID := c.Query("gameId")
	if gameID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gameId is required"})
		return
	}
	rooms, err := g.Rooms(c.Request.Context(), gameID)
	if err != nil {
		g.logger.Error("Failed to list rooms", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// StatsHandler は GET /api/stats
func (g *Gateway) StatsHandler(c *gin.Context) {
	stats, err := g.Stats(c.Request.Context())
	if err != nil {
		g.logger.Error("Failed to collect stats", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ICEHandler は GET /api/ice
func (g *Gateway) ICEHandler(c *gin.Context) {
	servers := g.ice
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	c.JSON(http.StatusOK, gin.H{"iceServers": servers})
}

// RegisterRoutes はゲートウェイのルートを登録する。/api配下は認証ミドルウェアの後ろに置く
func (g *Gateway) RegisterRoutes(router gin.IRouter, api gin.IRouter) {
	router.GET("/ws", g.HandleConnections)
	api.GET("/rooms", g.ListRoomsHandler)
	api.GET("/stats", g.StatsHandler)
	api.GET("/ice", g.ICEHandler)
}
