package database

import (
	"context"
	"fmt"
	"time"

	"psxnetplay/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const maxRetries = 3                  // 最大再試行回数
const retryInterval = 5 * time.Second // 再試行間の待機時間

// InitPostgreSQL はルーム履歴用のDBに接続し、テーブルをマイグレーションする
func InitPostgreSQL(ctx context.Context, config models.PostgresConfig, logger *zap.Logger) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s dbname=%s password=%s sslmode=%s",
		config.Host, config.User, config.Name, config.Password, config.SSLMode)

	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			if err := AutoMigrate(db); err != nil {
				return nil, err
			}
			logger.Info("Connected to PostgreSQL", zap.String("host", config.Host))
			return db, nil
		}
		lastErr = err
		logger.Error("データベース接続のリトライ", zap.Int("retry", i), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return nil, fmt.Errorf("データベース接続に失敗しました: %w", lastErr)
}

// マイグレーションを実行する関数
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.RoomLog{}); err != nil {
		return fmt.Errorf("room_logsテーブルのマイグレーションに失敗しました: %w", err)
	}
	return nil
}

func InitRedis(ctx context.Context, config models.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	// Redisへの接続テスト
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", zap.String("addr", config.Addr), zap.Error(err))
		rdb.Close()
		return nil, err
	}

	logger.Info("Connected to Redis", zap.String("addr", config.Addr))
	return rdb, nil
}
