package kvstore

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvcstack.local/facilitator/internal/ids"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Set(ctx, "b", []byte("2")))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	require.NoError(t, s.Remove(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Remove(ctx, "a"), "removing a missing key is fine")

	require.NoError(t, s.Clear(ctx))
	_, err = s.Get(ctx, "b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	exerciseStore(t, m)

	require.NoError(t, m.Set(context.Background(), "z", []byte("v")))
	require.NoError(t, m.Set(context.Background(), "y", []byte("v")))
	assert.Equal(t, []string{"y", "z"}, m.Keys())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	m := NewMemory()
	value := []byte("abc")
	require.NoError(t, m.Set(context.Background(), "k", value))
	value[0] = 'x'
	got, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

// Set NVC_TEST_REDIS_ADDR to run against a real server.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("NVC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("NVC_TEST_REDIS_ADDR not set")
	}
	r, err := DialRedis(context.Background(), addr, "", 0, WithPrefix("nvc:test:"+ids.New()+":"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	exerciseStore(t, r)
}
