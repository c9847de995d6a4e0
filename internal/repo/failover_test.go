package repo

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailoverSwitchesToMemoryOnUnavailable(t *testing.T) {
	rr, mr := newRedisRepo(t)
	f := NewFailover(rr)
	ctx := context.Background()

	require.NoError(t, f.Create(ctx, KindRoom, "ABC234", []byte(`1`)))
	assert.True(t, f.Persistent())

	var degradedWith error
	calls := 0
	f.OnDegrade(func(err error) {
		calls++
		degradedWith = err
	})

	mr.Close()

	// 切り替え後の操作はメモリで成功する
	require.NoError(t, f.Create(ctx, KindRoom, "DEF567", []byte(`2`)))
	assert.True(t, f.Degraded())
	assert.False(t, f.Persistent())
	assert.ErrorIs(t, degradedWith, ErrUnavailable)

	got, err := f.Get(ctx, KindRoom, "DEF567")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	// 永続側のデータはもう見えない
	_, err = f.Get(ctx, KindRoom, "ABC234")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.Put(ctx, KindSession, "u", []byte(`3`)))
	assert.Equal(t, 1, calls)
	assert.NoError(t, f.Ping(ctx))
}

func TestFailoverPassesDomainErrorsThrough(t *testing.T) {
	f := NewFailover(newSQLiteRepo(t))
	ctx := context.Background()
	require.NoError(t, f.Create(ctx, KindRoom, "r", []byte(`1`)))

	assert.ErrorIs(t, f.Create(ctx, KindRoom, "r", []byte(`1`)), ErrConflict)
	boom := errors.New("full")
	assert.ErrorIs(t, f.Update(ctx, KindRoom, "r", func([]byte) ([]byte, error) { return nil, boom }), boom)
	_, err := f.Get(ctx, KindRoom, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.False(t, f.Degraded())
	assert.True(t, f.Persistent())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory driver", func(t *testing.T) {
		b := Open(ctx, Options{Driver: DriverMemory})
		assert.IsType(t, &MemoryRepo{}, b)
		assert.False(t, b.Persistent())
	})

	t.Run("auto with nothing configured is memory", func(t *testing.T) {
		b := Open(ctx, Options{Driver: DriverAuto})
		assert.IsType(t, &MemoryRepo{}, b)
	})

	t.Run("auto prefers redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b := Open(ctx, Options{RedisAddr: mr.Addr(), SQLitePath: filepath.Join(t.TempDir(), "x.db")})
		t.Cleanup(func() { b.Close() })
		require.IsType(t, &Failover{}, b)
		assert.IsType(t, &RedisRepo{}, b.(*Failover).primary)
		assert.True(t, b.Persistent())
	})

	t.Run("sqlite driver", func(t *testing.T) {
		b := Open(ctx, Options{Driver: DriverSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")})
		t.Cleanup(func() { b.Close() })
		require.IsType(t, &Failover{}, b)
		assert.True(t, b.Persistent())
	})

	t.Run("unreachable redis falls back to memory", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		b := Open(ctx, Options{Driver: DriverRedis, RedisAddr: addr})
		assert.IsType(t, &MemoryRepo{}, b)
		assert.False(t, b.Persistent())
	})

	t.Run("unknown driver falls back to memory", func(t *testing.T) {
		b := Open(ctx, Options{Driver: "etcd"})
		assert.IsType(t, &MemoryRepo{}, b)
	})
}

func TestFailoverKeepsBackendOnContention(t *testing.T) {
	s := newSQLiteRepo(t)
	f := NewFailover(s)
	ctx := context.Background()
	require.NoError(t, f.Create(ctx, KindRoom, "HOT234", []byte(`0`)))

	fn, _ := interfering(t, s, KindRoom, "HOT234")
	assert.ErrorIs(t, f.Update(ctx, KindRoom, "HOT234", fn), ErrContention)
	assert.False(t, f.Degraded())
	assert.True(t, f.Persistent())

	_, err := f.Get(ctx, KindRoom, "HOT234")
	assert.NoError(t, err)
}
