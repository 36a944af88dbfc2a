package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"psxnetplay/models"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func TestLoadConfigDefaultsWithoutFile(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Server.Addr != ":8080" || config.Server.Mode != "gateway" {
		t.Fatalf("server = %+v", config.Server)
	}
	if config.Netplay.ReservationGrace != 60*time.Second || config.Netplay.DefaultMaxPlayers != 2 {
		t.Fatalf("netplay = %+v", config.Netplay)
	}
	if config.Postgres.Host != "" {
		t.Fatalf("history must be disabled by default")
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"addr": ":9000", "mode": "relay", "allowed_origins": ["https://play.example"]},
		"jwt": {"secret": "file-secret"},
		"redis": {"addr": "redis:6379", "db": 3},
		"netplay": {"reservation_grace": "90s"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("NETPLAY_JWT_SECRET", "env-secret")
	t.Setenv("NETPLAY_NETPLAY_DEFAULT_MAX_PLAYERS", "4")

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if config.Server.Addr != ":9000" || config.Server.Mode != "relay" {
		t.Fatalf("server = %+v", config.Server)
	}
	if len(config.Server.AllowedOrigins) != 1 || config.Server.AllowedOrigins[0] != "https://play.example" {
		t.Fatalf("origins = %v", config.Server.AllowedOrigins)
	}
	if config.JWT.Secret != "env-secret" {
		t.Fatalf("env must override file, got %q", config.JWT.Secret)
	}
	if config.Redis.Addr != "redis:6379" || config.Redis.DB != 3 {
		t.Fatalf("redis = %+v", config.Redis)
	}
	if config.Netplay.ReservationGrace != 90*time.Second || config.Netplay.DefaultMaxPlayers != 4 {
		t.Fatalf("netplay = %+v", config.Netplay)
	}
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	t.Setenv("NETPLAY_SERVER_MODE", "cluster")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

// DryRunのDBで発行されるSQLを拾う
func newDryRunDB(t *testing.T) (*gorm.DB, chan string) {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=test dbname=test sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	statements := make(chan string, 16)
	capture := func(tx *gorm.DB) { statements <- tx.Statement.SQL.String() }
	db.Callback().Create().After("gorm:create").Register("test:capture_create", capture)
	db.Callback().Update().After("gorm:update").Register("test:capture_update", capture)
	db.Callback().Delete().After("gorm:delete").Register("test:capture_delete", capture)
	return db, statements
}

func nextStatement(t *testing.T, statements chan string) string {
	t.Helper()
	select {
	case s := <-statements:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no statement executed")
		return ""
	}
}

func TestRoomLogWriterLifecycle(t *testing.T) {
	db, statements := newDryRunDB(t)
	w := NewRoomLogWriter(db, zap.NewNop(), 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	room := &models.Room{
		ID:         "abcd1234",
		HostID:     "u1",
		GameID:     "g1",
		RoomName:   "room",
		MaxPlayers: 2,
		Players:    []*models.Player{{UserID: "u1", DisplayName: "A"}},
		Status:     models.RoomWaiting,
	}
	w.RoomCreated(room)
	if s := nextStatement(t, statements); !strings.HasPrefix(s, `INSERT INTO "room_logs"`) {
		t.Fatalf("created statement = %s", s)
	}
	w.RoomStarted(room)
	if s := nextStatement(t, statements); !strings.HasPrefix(s, `UPDATE "room_logs"`) || !strings.Contains(s, "started_at") {
		t.Fatalf("started statement = %s", s)
	}
	w.RoomClosed(room.ID)
	if s := nextStatement(t, statements); !strings.Contains(s, "closed_at") {
		t.Fatalf("closed statement = %s", s)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRoomLogWriterDropsWhenQueueFull(t *testing.T) {
	db, statements := newDryRunDB(t)
	w := NewRoomLogWriter(db, zap.NewNop(), 1)
	w.RoomClosed("a")
	w.RoomClosed("b") // Runが動いていないので破棄される

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	nextStatement(t, statements)
	select {
	case s := <-statements:
		t.Fatalf("unexpected second statement %s", s)
	default:
	}
}

func TestPurgeClosedIsHardDelete(t *testing.T) {
	db, statements := newDryRunDB(t)
	if _, err := PurgeClosed(db, 24*time.Hour, zap.NewNop()); err != nil {
		t.Fatalf("purge: %v", err)
	}
	s := nextStatement(t, statements)
	if !strings.HasPrefix(s, `DELETE FROM "room_logs"`) || !strings.Contains(s, "closed_at") {
		t.Fatalf("purge statement = %s", s)
	}
}
