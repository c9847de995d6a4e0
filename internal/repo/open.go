package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ドライバー名
const (
	DriverAuto   = "auto"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Options はバックエンドの選択と接続設定です
type Options struct {
	Driver        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	TTLSec        int
	SQLitePath    string
}

// resolveDriver はautoを具体的なドライバー名に解決します
func (o Options) resolveDriver() string {
	if o.Driver != "" && o.Driver != DriverAuto {
		return o.Driver
	}
	switch {
	case o.RedisAddr != "":
		return DriverRedis
	case o.SQLitePath != "":
		return DriverSQLite
	default:
		return DriverMemory
	}
}

// Open は設定に従ってバックエンドを開きます
// 永続バックエンドに接続できない場合はエラーにせず、メモリバックエンドを返します
func Open(ctx context.Context, o Options) Backend {
	driver := o.resolveDriver()
	log := logrus.WithFields(logrus.Fields{"component": "repo", "driver": driver})

	var primary Backend
	var err error
	switch driver {
	case DriverRedis:
		primary, err = openRedis(ctx, o)
	case DriverSQLite:
		primary, err = OpenSQLiteRepo(ctx, o.SQLitePath)
	case DriverMemory:
		log.Info("using in-memory storage, rooms will not survive a restart")
		return NewMemoryRepo()
	default:
		err = fmt.Errorf("unknown storage driver %q", driver)
	}
	if err != nil {
		log.WithError(err).Warn("durable storage unreachable, falling back to in-memory storage")
		return NewMemoryRepo()
	}

	log.Info("connected to durable storage")
	return NewFailover(primary)
}

func openRedis(ctx context.Context, o Options) (*RedisRepo, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.RedisAddr,
		Password:     o.RedisPassword,
		DB:           o.RedisDB,
		PoolSize:     10,              // 接続プールサイズ
		MinIdleConns: 5,               // 最小アイドル接続数
		MaxRetries:   3,               // リトライ回数
		DialTimeout:  5 * time.Second, // 接続タイムアウト
		ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
		WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
	})

	rr := NewRedisRepo(rdb, o.KeyPrefix, o.TTLSec)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rr.Ping(pctx); err != nil {
		rdb.Close()
		return nil, err
	}
	return rr, nil
}
