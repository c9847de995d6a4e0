// Package config はアプリケーションの設定を管理します
// 環境変数（.envファイルがあればそれも）から設定を読み込み、デフォルト値を提供します
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/speedrace/speedrace-server/internal/hub"
	"github.com/speedrace/speedrace-server/internal/repo"
)

const (
	defaultAPIAddr     = ":8080"      // APIサーバーのデフォルトリッスンアドレス
	defaultKeyPrefix   = "speedrace:" // Redisのキーの接頭辞
	defaultRoomTTLSec  = 6 * 60 * 60  // ルームのデフォルトTTL（6時間）
	defaultMaxCapacity = 8            // 1ルームの最大参加人数
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
	"http://localhost:3002",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string   // APIサーバーのリッスンアドレス
	AllowedOrigin []string // CORSで許可するオリジン一覧
	LogLevel      string
	LogFormat     string // text または json

	StorageDriver string // auto, redis, sqlite, memory
	RedisAddr     string // Redisの接続先
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	SQLitePath    string
	RoomTTL       int // Redisのキーの有効期限（秒）。0なら期限なし

	MaxCapacity     int
	DisconnectGrace time.Duration // 切断から退出扱いにするまでの猶予。0なら即時退出

	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() Config {
	// .envは任意。既に設定済みの環境変数は上書きしない
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("failed to read .env")
	}

	hubDefaults := hub.DefaultOptions()
	return Config{
		APIAddr:       envOr("API_ADDR", defaultAPIAddr),
		AllowedOrigin: envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "text"),

		StorageDriver: strings.ToLower(envOr("STORAGE_DRIVER", repo.DriverAuto)),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		KeyPrefix:     envOr("REDIS_KEY_PREFIX", defaultKeyPrefix),
		SQLitePath:    os.Getenv("SQLITE_PATH"),
		RoomTTL:       envInt("ROOM_TTL_SEC", defaultRoomTTLSec),

		MaxCapacity:     envInt("ROOM_MAX_CAPACITY", defaultMaxCapacity),
		DisconnectGrace: envDuration("DISCONNECT_GRACE", 0),

		PingInterval:   envDuration("WS_PING_INTERVAL", hubDefaults.PingInterval),
		PongWait:       envDuration("WS_PONG_WAIT", hubDefaults.PongWait),
		WriteWait:      envDuration("WS_WRITE_WAIT", hubDefaults.WriteWait),
		SendBuffer:     envInt("WS_SEND_BUFFER", hubDefaults.SendBuffer),
		MaxMessageSize: int64(envInt("WS_MAX_MESSAGE_BYTES", int(hubDefaults.MaxMessageSize))),
	}
}

// Validate は設定値の組み合わせを確認します
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case repo.DriverAuto, repo.DriverRedis, repo.DriverSQLite, repo.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER: unknown driver %q", c.StorageDriver))
	}
	if c.StorageDriver == repo.DriverRedis && c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR: required when STORAGE_DRIVER=redis"))
	}
	if c.StorageDriver == repo.DriverSQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("SQLITE_PATH: required when STORAGE_DRIVER=sqlite"))
	}
	if c.MaxCapacity < 2 {
		errs = append(errs, fmt.Errorf("ROOM_MAX_CAPACITY: must be at least 2, got %d", c.MaxCapacity))
	}
	if c.RoomTTL < 0 {
		errs = append(errs, fmt.Errorf("ROOM_TTL_SEC: must not be negative, got %d", c.RoomTTL))
	}
	if c.DisconnectGrace < 0 {
		errs = append(errs, errors.New("DISCONNECT_GRACE: must not be negative"))
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL: must be positive and shorter than WS_PONG_WAIT (%s)", c.PongWait))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER: must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("WS_MAX_MESSAGE_BYTES: must be positive"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: must be text or json, got %q", c.LogFormat))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// RepoOptions はストレージの接続設定を返します
func (c Config) RepoOptions() repo.Options {
	return repo.Options{
		Driver:        c.StorageDriver,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		KeyPrefix:     c.KeyPrefix,
		TTLSec:        c.RoomTTL,
		SQLitePath:    c.SQLitePath,
	}
}

// HubOptions はWebSocketクライアントの設定を返します
func (c Config) HubOptions() hub.Options {
	return hub.Options{
		WriteWait:      c.WriteWait,
		PongWait:       c.PongWait,
		PingInterval:   c.PingInterval,
		MaxMessageSize: c.MaxMessageSize,
		SendBuffer:     c.SendBuffer,
	}
}

// ConfigureLogger はLOG_LEVELとLOG_FORMATをlogrusに反映します
// Validate済みの設定を渡すこと
func (c Config) ConfigureLogger() {
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			logrus.WithFields(logrus.Fields{"key": key, "value": v, "default": def}).Warn("invalid integer, using default")
			return def
		}
		return i
	}
	return def
}

// envDuration は "30s" のような期間を読み込みます。単位のない数値は秒として扱います
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{"key": key, "value": v, "default": def}).Warn("invalid duration, using default")
		return def
	}
	return d
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
