package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"psxnetplay/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultLogQueueSize = 256

type roomLogJob struct {
	name string
	run  func(db *gorm.DB) error
}

// RoomLogWriter はルームの作成・開始・終了をroom_logsテーブルに書き込む。
// 呼び出し元（ゲートウェイのイベントループ）を止めないように、キューに積んで別ゴルーチンで処理する
type RoomLogWriter struct {
	db     *gorm.DB
	logger *zap.Logger
	queue  chan roomLogJob
	now    func() time.Time
}

func NewRoomLogWriter(db *gorm.DB, logger *zap.Logger, queueSize int) *RoomLogWriter {
	if queueSize <= 0 {
		queueSize = defaultLogQueueSize
	}
	return &RoomLogWriter{
		db:     db,
		logger: logger,
		queue:  make(chan roomLogJob, queueSize),
		now:    time.Now,
	}
}

// Run はctxが終わるまでキューを処理し、終了時に残りを書き切る
func (w *RoomLogWriter) Run(ctx context.Context) error {
	for {
		select {
		case job := <-w.queue:
			w.exec(ctx, job)
		case <-ctx.Done():
			for {
				select {
				case job := <-w.queue:
					w.exec(context.Background(), job)
				default:
					return nil
				}
			}
		}
	}
}

func (w *RoomLogWriter) exec(ctx context.Context, job roomLogJob) {
	if err := job.run(w.db.WithContext(ctx)); err != nil {
		w.logger.Error("ルーム履歴の書き込みに失敗しました", zap.String("job", job.name), zap.Error(err))
	}
}

func (w *RoomLogWriter) enqueue(job roomLogJob) {
	select {
	case w.queue <- job:
	default:
		w.logger.Warn("ルーム履歴キューが満杯のため破棄しました", zap.String("job", job.name))
	}
}

func (w *RoomLogWriter) RoomCreated(room *models.Room) {
	players, err := json.Marshal(room.Players)
	if err != nil {
		w.logger.Error("Failed to marshal players", zap.Error(err))
		return
	}
	entry := models.RoomLog{
		RoomID:     room.ID,
		HostUserID: room.HostID,
		GameID:     room.GameID,
		RoomName:   room.RoomName,
		MaxPlayers: room.MaxPlayers,
		IsPrivate:  room.IsPrivate,
		Players:    string(players),
		Status:     string(room.Status),
	}
	w.enqueue(roomLogJob{name: "created", run: func(db *gorm.DB) error {
		return db.Create(&entry).Error
	}})
}

func (w *RoomLogWriter) RoomStarted(room *models.Room) {
	players, err := json.Marshal(room.Players)
	if err != nil {
		w.logger.Error("Failed to marshal players", zap.Error(err))
		return
	}
	roomID := room.ID
	startedAt := w.now()
	updates := map[string]interface{}{
		"status":       string(models.RoomPlaying),
		"host_user_id": room.HostID,
		"players":      string(players),
		"started_at":   startedAt,
	}
	w.enqueue(roomLogJob{name: "started", run: func(db *gorm.DB) error {
		return db.Model(&models.RoomLog{}).Where("room_id = ?", roomID).Updates(updates).Error
	}})
}

func (w *RoomLogWriter) RoomClosed(roomID string) {
	closedAt := w.now()
	w.enqueue(roomLogJob{name: "closed", run: func(db *gorm.DB) error {
		return db.Model(&models.RoomLog{}).Where("room_id = ?", roomID).Updates(map[string]interface{}{
			"status":    string(models.RoomClosed),
			"closed_at": closedAt,
		}).Error
	}})
}

// PurgeClosed は終了から一定時間経ったルーム履歴を物理削除する
func PurgeClosed(db *gorm.DB, olderThan time.Duration, logger *zap.Logger) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := db.Unscoped().
		Where("closed_at IS NOT NULL AND closed_at <= ?", cutoff).
		Delete(&models.RoomLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("ルーム履歴の削除に失敗しました: %w", result.Error)
	}
	logger.Info("終了済みルーム履歴の削除完了", zap.Int64("rooms_deleted", result.RowsAffected))
	return result.RowsAffected, nil
}
