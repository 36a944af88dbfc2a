package relay

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"go.uber.org/zap"
)

// Sweep はプレイヤーのいないルームを削除する。戻り値は削除数。
// 使用中のロックが取れないルームは次回に回す
func (s *Server) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ActiveRooms(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		mutex := s.rs.NewMutex("lock:"+roomKey(id), redsync.WithExpiry(lockExpiry), redsync.WithTries(1))
		if err := mutex.LockContext(ctx); err != nil {
			s.logger.Debug("Room is locked, skipping sweep", zap.String("sessionID", id), zap.Error(err))
			continue
		}
		count, err := s.store.PlayerCount(ctx, id)
		if err == nil && count == 0 {
			err = s.store.DeleteRoom(ctx, id)
			if err == nil {
				removed++
				s.logger.Info("Swept empty relay room", zap.String("sessionID", id))
			}
		}
		if _, uerr := mutex.Unlock(); uerr != nil {
			s.logger.Warn("Failed to unlock room", zap.String("sessionID", id), zap.Error(uerr))
		}
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// SweepJob はcronから呼ぶためのラッパー
func (s *Server) SweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("Relay sweep failed", zap.Error(err))
	}
}
