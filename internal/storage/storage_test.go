package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "kv.json")
	kv, err := NewFileKV(path)
	require.NoError(t, err)

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, kv.Ping(ctx))

	require.NoError(t, kv.Set(ctx, "a", "1"))
	require.NoError(t, kv.Set(ctx, "b", "2"))
	require.NoError(t, kv.Set(ctx, "a", "3"))

	reopened, err := NewFileKV(path)
	require.NoError(t, err)
	v, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
	v, err = reopened.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileKVCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	kv, err := NewFileKV(path)
	require.NoError(t, err)

	_, err = kv.Get(context.Background(), "a")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisKV(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	kv := NewRedisKV(rdb, "w3a:")
	require.NoError(t, kv.Ping(ctx))

	_, err := kv.Get(ctx, "seed")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set(ctx, "seed", "[1,2,3]"))
	v, err := kv.Get(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", v)

	raw, err := mr.Get("w3a:seed")
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", raw)
	assert.Zero(t, mr.TTL("w3a:seed"))
}
