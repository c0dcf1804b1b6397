package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/It4innovations/HyperLoom-sub000/internal/common/config"
	"github.com/It4innovations/HyperLoom-sub000/internal/common/loomerrors"
	"github.com/It4innovations/HyperLoom-sub000/internal/server/configuration"
)

func TestFileStore_Lookup(t *testing.T) {
	dir := t.TempDir()
	written := filepath.Join(dir, "written")
	require.NoError(t, os.WriteFile(written, []byte("data"), 0o644))

	tests := map[string]struct {
		path     string
		expected bool
	}{
		"existing file":  {path: written, expected: true},
		"missing file":   {path: filepath.Join(dir, "missing"), expected: false},
		"directory":      {path: dir, expected: false},
		"missing parent": {path: filepath.Join(dir, "a", "b"), expected: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			found, err := FileStore{}.Lookup(tc.path)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, found)
		})
	}
	assert.NoError(t, FileStore{}.Record(written, 1, 1))
}

func TestRedisStore(t *testing.T) {
	withRedisStore(t, "loom", func(store *RedisStore, db *miniredis.Miniredis) {
		found, err := store.Lookup("/ckpt/a")
		require.NoError(t, err)
		assert.False(t, found)
		_, _, err = store.Get("/ckpt/a")
		assert.True(t, loomerrors.IsNotFound(err))

		require.NoError(t, store.Record("/ckpt/a", 100, 4))
		found, err = store.Lookup("/ckpt/a")
		require.NoError(t, err)
		assert.True(t, found)
		size, length, err := store.Get("/ckpt/a")
		require.NoError(t, err)
		assert.Equal(t, uint64(100), size)
		assert.Equal(t, uint64(4), length)
		assert.Equal(t, "100/4", db.HGet("loom:checkpoints", "/ckpt/a"))

		// A second write of the same path replaces the record.
		require.NoError(t, store.Record("/ckpt/a", 7, 0))
		size, length, err = store.Get("/ckpt/a")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), size)
		assert.Equal(t, uint64(0), length)
	})
}

func TestRedisStore_MalformedRecord(t *testing.T) {
	withRedisStore(t, "", func(store *RedisStore, db *miniredis.Miniredis) {
		db.HSet("checkpoints", "/ckpt/b", "garbage")
		_, _, err := store.Get("/ckpt/b")
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	tests := map[string]struct {
		config   configuration.CheckpointConfig
		expected Store
		wantErr  bool
	}{
		"default":      {config: configuration.CheckpointConfig{}, expected: NoStore{}},
		"none":         {config: configuration.CheckpointConfig{Backend: configuration.NoCheckpointBackend}, expected: NoStore{}},
		"file":         {config: configuration.CheckpointConfig{Backend: configuration.FileCheckpointBackend}, expected: FileStore{}},
		"redis":        {config: configuration.CheckpointConfig{Backend: configuration.RedisCheckpointBackend, Redis: &config.RedisConfig{Addrs: []string{db.Addr()}}}},
		"redis no url": {config: configuration.CheckpointConfig{Backend: configuration.RedisCheckpointBackend}, wantErr: true},
		"unknown":      {config: configuration.CheckpointConfig{Backend: "s3"}, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store, err := New(tc.config)
			if tc.wantErr {
				assert.True(t, loomerrors.IsInvalidArgument(err))
				return
			}
			require.NoError(t, err)
			if tc.expected != nil {
				assert.Equal(t, tc.expected, store)
				return
			}
			require.NoError(t, store.Record("/x", 1, 1))
			found, err := store.Lookup("/x")
			require.NoError(t, err)
			assert.True(t, found)
		})
	}
}

func withRedisStore(t *testing.T, prefix string, action func(store *RedisStore, db *miniredis.Miniredis)) {
	db, err := miniredis.Run()
	require.NoError(t, err)
	defer db.Close()

	client := redis.NewClient(&redis.Options{Addr: db.Addr()})
	defer client.Close()
	action(NewRedisStore(client, prefix), db)
}
