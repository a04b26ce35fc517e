package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tunevault/harvester/internal/store"
)

func newTestStore(t *testing.T, processID string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s, err := NewWithClient(client, "test", processID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStoreGetSet(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "proc-a")
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "queue")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "queue", []byte(`["a"]`)))

	val, ok, err := s.Get(ctx, "queue")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `["a"]`, string(val))

	require.NoError(t, s.Delete(ctx, "queue"))
	_, ok, err = s.Get(ctx, "queue")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreKeysAreNamespaced(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t, "proc-a")
	require.NoError(t, s.Set(context.Background(), "leader", []byte("x")))
	require.True(t, mr.Exists("harvester:test:leader"))
}

func TestWatchMarksRemoteWrites(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	clientA := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	clientB := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	a, err := NewWithClient(clientA, "test", "proc-a")
	require.NoError(t, err)
	b, err := NewWithClient(clientB, "test", "proc-b")
	require.NoError(t, err)
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	changes, cancel, err := a.Watch(ctx, "buffer")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Set(ctx, "buffer", []byte("remote write")))
	requireChange(t, changes, store.Change{Key: "buffer", Remote: true})

	require.NoError(t, a.Set(ctx, "buffer", []byte("local write")))
	requireChange(t, changes, store.Change{Key: "buffer", Remote: false})
}

func requireChange(t *testing.T, ch <-chan store.Change, want store.Change) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestWatchCancelClosesChannel(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t, "proc-a")
	changes, cancel, err := s.Watch(context.Background(), "leader")
	require.NoError(t, err)
	cancel()
	select {
	case _, ok := <-changes:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}
