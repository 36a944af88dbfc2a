package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"psxnetplay/auth"         //JWTの検証
	"psxnetplay/database"     //設定の読み込み、PostgreSQLとRedisの初期化
	"psxnetplay/middlewares"  //APIの認証ミドルウェア
	"psxnetplay/models"       //モデル定義
	"psxnetplay/netplay/peer" //STUN/TURN設定の変換
	"psxnetplay/relay"        //Redisでスケールするルームリレー
	"psxnetplay/signaling"    //ルーム管理とシグナリングのゲートウェイ
	"psxnetplay/utils"        //ロガーの初期化とCronジョブ

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger, err := utils.InitLogger(os.Getenv("NETPLAY_DEBUG") != "") // ロガーの初期化
	if err != nil {
		panic(err) // 失敗した場合はプログラム停止
	}
	defer logger.Sync() // ロガーのクリーンアップ

	config, err := database.LoadConfig("config.json")
	if err != nil {
		logger.Fatal("設定ファイルの読み込みに失敗しました", zap.Error(err))
	}
	if config.JWT.Secret != "" {
		auth.SetSecret(config.JWT.Secret)
	} else {
		logger.Warn("jwt.secret is not set, using the development key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	router := gin.New()
	//リクエストロガーを起動
	router.Use(gin.Recovery(), utils.RequestLogger(logger))

	//CORS（Cross-Origin Resource Sharing）ポリシーを設定
	router.Use(cors.New(cors.Config{
		AllowOrigins:     config.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "mode": config.Server.Mode})
	})

	var jobs []utils.CronJob
	switch config.Server.Mode {
	case "relay":
		jobs = append(jobs, startRelay(ctx, g, config, router, logger))
	default:
		jobs = append(jobs, startGateway(ctx, g, config, router, logger)...)
	}

	// クーロンスケジューラのセットアップと呼び出し
	scheduler, err := utils.StartCronJobs(logger, jobs...)
	if err != nil {
		logger.Fatal("Cronジョブの開始に失敗しました", zap.Error(err))
	}

	server := &http.Server{Addr: config.Server.Addr, Handler: router}
	g.Go(func() error {
		logger.Info("Listening", zap.String("addr", config.Server.Addr), zap.String("mode", config.Server.Mode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		<-scheduler.Stop().Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Server stopped")
}

// startGateway はゲートウェイモード。PostgreSQLが設定されていればルーム履歴を書き込む
func startGateway(ctx context.Context, g *errgroup.Group, config models.Config, router *gin.Engine, logger *zap.Logger) []utils.CronJob {
	var jobs []utils.CronJob
	var history signaling.RoomHistory = signaling.NopHistory{}

	if config.Postgres.Host != "" {
		db, err := database.InitPostgreSQL(ctx, config.Postgres, logger)
		if err != nil {
			logger.Fatal("PostgreSQLの初期化に失敗しました", zap.Error(err))
		}
		writer := database.NewRoomLogWriter(db, logger, 0)
		history = writer
		g.Go(func() error { return writer.Run(ctx) })
		jobs = append(jobs, utils.CronJob{
			Name: "room-log-purge",
			Spec: "@daily",
			Run: func() {
				if _, err := database.PurgeClosed(db, 24*time.Hour, logger); err != nil {
					logger.Error("Failed to purge room logs", zap.Error(err))
				}
			},
		})
	} else {
		logger.Info("postgres.host is empty, room history disabled")
	}

	gateway := signaling.NewGateway(logger, signaling.Options{
		ReservationGrace:  config.Netplay.ReservationGrace,
		DefaultMaxPlayers: config.Netplay.DefaultMaxPlayers,
		History:           history,
		AllowedOrigins:    config.Server.AllowedOrigins,
		ICEServers:        peer.ICEServers(config.ICE),
	})
	g.Go(func() error { return gateway.Run(ctx) })

	api := router.Group("/api", middlewares.AuthMiddleware(logger))
	gateway.RegisterRoutes(router, api)
	return jobs
}

// startRelay はリレーモード。状態は全てRedisに置く
func startRelay(ctx context.Context, g *errgroup.Group, config models.Config, router *gin.Engine, logger *zap.Logger) utils.CronJob {
	rdb, err := database.InitRedis(ctx, config.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	server := relay.NewServer(rdb, logger)
	if err := server.Subscribe(ctx); err != nil {
		logger.Fatal("Failed to subscribe relay bus", zap.Error(err))
	}
	g.Go(func() error {
		defer rdb.Close()
		return server.Run(ctx)
	})
	server.RegisterRoutes(router)

	return utils.CronJob{Name: "relay-sweep", Spec: "@every 60s", Run: server.SweepJob}
}
