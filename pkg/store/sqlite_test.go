package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dir := t.TempDir()
	s, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(dir, "kv.db")}, zerolog.New(os.Stdout).Level(zerolog.Disabled))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	t.Run("should round trip values", func(t *testing.T) {
		s := setupSQLiteStore(t)

		require.NoError(t, s.Set(context.Background(), "k", []byte("v"), 0))

		value, ok, err := s.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("v"), value)
	})

	t.Run("should overwrite on repeated set", func(t *testing.T) {
		s := setupSQLiteStore(t)

		require.NoError(t, s.Set(context.Background(), "k", []byte("one"), 0))
		require.NoError(t, s.Set(context.Background(), "k", []byte("two"), time.Hour))

		value, ok, err := s.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []byte("two"), value)
	})

	t.Run("should hide expired rows", func(t *testing.T) {
		s := setupSQLiteStore(t)
		now := time.Unix(1_700_000_000, 0)
		s.now = func() time.Time { return now }

		require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Minute))
		now = now.Add(2 * time.Minute)

		_, ok, err := s.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("should report delete of a live key exactly once", func(t *testing.T) {
		s := setupSQLiteStore(t)

		require.NoError(t, s.Set(context.Background(), "k", []byte("v"), time.Hour))

		removed, err := s.Delete(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Delete(context.Background(), "k")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("should purge expired rows on sweep", func(t *testing.T) {
		s := setupSQLiteStore(t)
		now := time.Unix(1_700_000_000, 0)
		s.now = func() time.Time { return now }

		require.NoError(t, s.Set(context.Background(), "old", []byte("v"), time.Minute))
		require.NoError(t, s.Set(context.Background(), "keep", []byte("v"), time.Hour))
		now = now.Add(10 * time.Minute)

		s.sweep()

		var count int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&count))
		assert.Equal(t, 1, count)
	})
}
