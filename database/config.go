package database

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"psxnetplay/models"

	"github.com/spf13/viper"
)

// 環境変数の接頭辞。NETPLAY_SERVER_ADDR のように指定する
const envPrefix = "NETPLAY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "gateway")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("jwt.secret", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.host", "")
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.name", "netplay")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("netplay.reservation_grace", "60s")
	v.SetDefault("netplay.default_max_players", 2)
	v.SetDefault("ice.stun_url", "stun:stun.l.google.com:19302")
	v.SetDefault("ice.turn_url", "")
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_password", "")
}

// LoadConfig loads the configuration from config.json.
// ファイルが無い場合はデフォルト値と環境変数だけで起動する
func LoadConfig(path string) (models.Config, error) {
	var config models.Config

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return config, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	switch config.Server.Mode {
	case "gateway", "relay":
	default:
		return config, fmt.Errorf("unknown server.mode %q", config.Server.Mode)
	}
	return config, nil
}
