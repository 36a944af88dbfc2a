package models

import "time"

// Config 構造体はサーバー全体の設定情報を保持します。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Netplay  NetplayConfig  `mapstructure:"netplay"`
	ICE      ICEConfig      `mapstructure:"ice"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	Mode           string   `mapstructure:"mode"` // "gateway" または "relay"
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig はルーム履歴用DBの接続情報。Hostが空なら履歴は無効
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type NetplayConfig struct {
	ReservationGrace  time.Duration `mapstructure:"reservation_grace"`
	DefaultMaxPlayers int           `mapstructure:"default_max_players"`
}

type ICEConfig struct {
	StunURL      string `mapstructure:"stun_url"`
	TurnURL      string `mapstructure:"turn_url"`
	TurnUsername string `mapstructure:"turn_username"`
	TurnPassword string `mapstructure:"turn_password"`
}
