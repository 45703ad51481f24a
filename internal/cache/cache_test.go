package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hillnz/yt-cast/resolver"
)

var _ resolver.Cache = (*Store)(nil)

func openTest(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestPutGet(t *testing.T) {
	s, now := openTest(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", []byte("v1"), now.Add(time.Hour)))
	require.NoError(t, s.Put(ctx, "k", []byte("v2"), now.Add(time.Hour)))

	got, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestEntriesExpire(t *testing.T) {
	s, now := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "old", []byte("a"), now.Add(24*time.Hour)))
	*now = now.Add(23 * time.Hour)
	require.NoError(t, s.Put(ctx, "new", []byte("b"), now.Add(24*time.Hour)))

	_, ok, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, ok, "still fresh")

	*now = now.Add(2 * time.Hour)

	_, ok, err = s.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok, "expired after its expiry")

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = s.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "resolve.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v"), time.Now().Add(time.Hour)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestPerEntryExpiry(t *testing.T) {
	s, now := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "short", []byte("a"), now.Add(10*time.Minute)))
	require.NoError(t, s.Put(ctx, "long", []byte("b"), now.Add(6*time.Hour)))

	*now = now.Add(time.Hour)

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	s, now := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v"), now.Add(time.Hour)))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "missing"))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
