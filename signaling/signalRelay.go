package signaling

import (
	"psxnetplay/models"
	"psxnetplay/signaling/broadcast"
	"psxnetplay/signaling/connection"

	"go.uber.org/zap"
)

// WebRTCのシグナリングは中身を解釈せずに相手の現在の接続へ転送する。
// 相手がオフラインなら黙って捨てる

func (g *Gateway) handleSignal(c *connection.Client, msg models.ClientMessage) {
	if msg.TargetID == "" || len(msg.SDP) == 0 {
		g.sendError(c, models.ErrCodeBadMessage, "targetId and sdp are required")
		return
	}
	target := g.lookup(msg.TargetID)
	if target == nil {
		g.logger.Debug("Signal target offline", zap.String("from", c.UserID), zap.String("to", msg.TargetID))
		return
	}
	g.send(target, broadcast.Signal(c.UserID, msg.SDP))
}

func (g *Gateway) handleICE(c *connection.Client, msg models.ClientMessage) {
	if msg.TargetID == "" || len(msg.Candidate) == 0 {
		g.sendError(c, models.ErrCodeBadMessage, "targetId and candidate are required")
		return
	}
	target := g.lookup(msg.TargetID)
	if target == nil {
		g.logger.Debug("ICE target offline", zap.String("from", c.UserID), zap.String("to", msg.TargetID))
		return
	}
	g.send(target, broadcast.ICE(c.UserID, msg.Candidate))
}
