// migrate はルーム履歴テーブルのマイグレーションと古い履歴の削除を手動で行う
package main

import (
	"context"
	"flag"
	"time"

	"psxnetplay/database"
	"psxnetplay/utils"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "config.json", "設定ファイル")
	purge := flag.Duration("purge", 0, "closedになってから指定時間以上経ったroom_logsを削除する (例: 24h)")
	flag.Parse()

	logger, err := utils.InitLogger(false)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	config, err := database.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("設定ファイルの読み込みに失敗しました", zap.Error(err))
	}
	if config.Postgres.Host == "" {
		logger.Fatal("postgres.host が設定されていません")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// InitPostgreSQLの中でAutoMigrateも実行される
	db, err := database.InitPostgreSQL(ctx, config.Postgres, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	logger.Info("room_logs table ready", zap.Bool("exists", tableExists(db, "room_logs")))

	if *purge > 0 {
		if _, err := database.PurgeClosed(db, *purge, logger); err != nil {
			logger.Fatal("Failed to purge room logs", zap.Error(err))
		}
	}
}

func tableExists(db *gorm.DB, table string) bool {
	var exists bool
	db.Raw("SELECT exists (SELECT 1 FROM information_schema.tables WHERE table_name = ?)", table).Scan(&exists)
	return exists
}
