package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrace/speedrace-server/internal/repo"
)

func newDirectory(b repo.Backend, clock *time.Time) *Directory {
	d := NewDirectory(b)
	d.now = func() time.Time { return *clock }
	return d
}

func TestDirectory(t *testing.T) {
	factories := map[string]func(t *testing.T) repo.Backend{
		"memory": func(t *testing.T) repo.Backend { return repo.NewMemoryRepo() },
		"redis": func(t *testing.T) repo.Backend {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { rdb.Close() })
			return repo.NewRedisRepo(rdb, "s:", 60)
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("upsert keeps createdAt", func(t *testing.T) {
				clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
				d := newDirectory(factory(t), &clock)

				s, err := d.Upsert(ctx, "u1", "Alice", "c1", "")
				require.NoError(t, err)
				assert.Equal(t, clock, s.CreatedAt)
				assert.Equal(t, clock, s.LastActive)

				created := clock
				clock = clock.Add(time.Minute)
				s, err = d.Upsert(ctx, "u1", "Alice2", "c1", "ABC234")
				require.NoError(t, err)
				assert.Equal(t, created, s.CreatedAt)
				assert.Equal(t, clock, s.LastActive)
				assert.Equal(t, "Alice2", s.Username)
				assert.Equal(t, "ABC234", s.CurrentRoom)
			})

			t.Run("find by connection", func(t *testing.T) {
				clock := time.Now().UTC()
				d := newDirectory(factory(t), &clock)

				_, err := d.FindByConnection(ctx, "c1")
				assert.ErrorIs(t, err, ErrSessionNotFound)

				_, err = d.Upsert(ctx, "u1", "Alice", "c1", "")
				require.NoError(t, err)
				s, err := d.FindByConnection(ctx, "c1")
				require.NoError(t, err)
				assert.Equal(t, "u1", s.UserId)

				// 別の接続に引き継ぐと古い接続からは見えない
				_, err = d.Upsert(ctx, "u1", "Alice", "c2", "")
				require.NoError(t, err)
				_, err = d.FindByConnection(ctx, "c1")
				assert.ErrorIs(t, err, ErrSessionNotFound)
				s, err = d.FindByConnection(ctx, "c2")
				require.NoError(t, err)
				assert.Equal(t, "u1", s.UserId)
			})

			t.Run("assign room", func(t *testing.T) {
				clock := time.Now().UTC()
				d := newDirectory(factory(t), &clock)
				_, err := d.Upsert(ctx, "u1", "Alice", "c1", "")
				require.NoError(t, err)

				require.NoError(t, d.AssignRoom(ctx, "u1", "ABC234"))
				s, err := d.Get(ctx, "u1")
				require.NoError(t, err)
				assert.Equal(t, "ABC234", s.CurrentRoom)

				require.NoError(t, d.AssignRoom(ctx, "u1", ""))
				s, err = d.Get(ctx, "u1")
				require.NoError(t, err)
				assert.Empty(t, s.CurrentRoom)

				assert.ErrorIs(t, d.AssignRoom(ctx, "ghost", "ABC234"), ErrSessionNotFound)
			})

			t.Run("delete", func(t *testing.T) {
				clock := time.Now().UTC()
				d := newDirectory(factory(t), &clock)
				_, err := d.Upsert(ctx, "u1", "Alice", "c1", "ABC234")
				require.NoError(t, err)

				require.NoError(t, d.Delete(ctx, "u1"))
				_, err = d.Get(ctx, "u1")
				assert.ErrorIs(t, err, ErrSessionNotFound)
				_, err = d.FindByConnection(ctx, "c1")
				assert.ErrorIs(t, err, ErrSessionNotFound)

				assert.NoError(t, d.Delete(ctx, "u1"), "deleting twice is fine")
			})

			t.Run("connection reused by a new user", func(t *testing.T) {
				clock := time.Now().UTC()
				d := newDirectory(factory(t), &clock)
				_, err := d.Upsert(ctx, "u1", "Alice", "c1", "")
				require.NoError(t, err)
				_, err = d.Upsert(ctx, "u2", "Alice", "c1", "")
				require.NoError(t, err)

				// 古いユーザーを消しても新しい索引は残る
				require.NoError(t, d.Delete(ctx, "u1"))
				s, err := d.FindByConnection(ctx, "c1")
				require.NoError(t, err)
				assert.Equal(t, "u2", s.UserId)
			})
		})
	}
}
