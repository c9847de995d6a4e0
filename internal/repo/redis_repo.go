package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepo はRedisにJSONドキュメントを保存するバックエンドです
type RedisRepo struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration // 0なら有効期限なし
}

func NewRedisRepo(rdb *redis.Client, prefix string, ttlSec int) *RedisRepo {
	return &RedisRepo{rdb: rdb, prefix: prefix, ttl: sec(ttlSec)}
}

func (rr *RedisRepo) key(kind Kind, key string) string {
	return fmt.Sprintf("%s%s:%s", rr.prefix, kind, key)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

func (rr *RedisRepo) Create(ctx context.Context, kind Kind, key string, doc []byte) error {
	err := rr.rdb.SetArgs(ctx, rr.key(kind, key), doc, redis.SetArgs{Mode: "NX", TTL: rr.ttl}).Err()
	if errors.Is(err, redis.Nil) { // NXで既に存在
		return ErrConflict
	}
	if err != nil {
		return unavailable("redis create", err)
	}
	return nil
}

func (rr *RedisRepo) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	val, err := rr.rdb.Get(ctx, rr.key(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) { // データがない
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("redis get", err)
	}
	return val, nil
}

func (rr *RedisRepo) Put(ctx context.Context, kind Kind, key string, doc []byte) error {
	if err := rr.rdb.Set(ctx, rr.key(kind, key), doc, rr.ttl).Err(); err != nil {
		return unavailable("redis put", err)
	}
	return nil
}

// Update はWATCH/MULTIによる楽観ロックでfnを適用します
// 監視中のキーが他のクライアントに書き換えられた場合はやり直します
func (rr *RedisRepo) Update(ctx context.Context, kind Kind, key string, fn Mutator) error {
	k := rr.key(kind, key)

	var fnErr error
	txf := func(tx *redis.Tx) error {
		fnErr = nil
		cur, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			fnErr = ErrNotFound
			return fnErr
		}
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
				return nil
			}
			pipe.Set(ctx, k, next, rr.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := rr.rdb.Watch(ctx, txf, k)
		if fnErr != nil {
			return fnErr
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return unavailable("redis update", err)
	}
	return fmt.Errorf("redis update %s: %w", k, ErrContention)
}

func (rr *RedisRepo) Delete(ctx context.Context, kind Kind, key string) error {
	if err := rr.rdb.Del(ctx, rr.key(kind, key)).Err(); err != nil {
		return unavailable("redis delete", err)
	}
	return nil
}

func (rr *RedisRepo) Persistent() bool { return true }

func (rr *RedisRepo) Ping(ctx context.Context) error {
	if err := rr.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (rr *RedisRepo) Close() error { return rr.rdb.Close() }
