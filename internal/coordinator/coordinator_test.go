package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/store/memory"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type cluster struct {
	hub   *memory.Hub
	clock *mockClock
}

func newCluster() *cluster {
	return &cluster{hub: memory.NewHub(), clock: newMockClock()}
}

func (cl *cluster) process(id string) *Coordinator {
	return New(cl.hub.Client(id), id, DefaultConfig(), cl.clock, zap.NewNop())
}

func TestElectClaimsAbsentLease(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")

	require.NoError(t, a.Elect(context.Background()))
	require.True(t, a.IsLeader())
}

func TestElectRenewsOwnedLease(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	ctx := context.Background()

	require.NoError(t, a.Elect(ctx))
	cl.clock.Advance(5 * time.Second)
	require.NoError(t, a.Elect(ctx))
	require.True(t, a.IsLeader())
}

func TestFollowerDoesNotClaimLiveLease(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	b := cl.process("proc-b")
	ctx := context.Background()

	require.NoError(t, a.Elect(ctx))
	cl.clock.Advance(5 * time.Second)
	require.NoError(t, b.Elect(ctx))
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())
}

func TestFollowerReclaimsAfterOwnerInactivity(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	b := cl.process("proc-b")
	ctx := context.Background()

	require.NoError(t, a.Elect(ctx))
	require.NoError(t, b.Elect(ctx))
	require.False(t, b.IsLeader())

	// Owner goes silent for 31 seconds.
	cl.clock.Advance(31 * time.Second)
	require.NoError(t, b.Elect(ctx))
	require.True(t, b.IsLeader())

	// The old owner notices on its next check and steps down.
	require.NoError(t, a.Elect(ctx))
	require.False(t, a.IsLeader())
}

func TestReleaseClearsOwnedLease(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	b := cl.process("proc-b")
	ctx := context.Background()

	require.NoError(t, a.Elect(ctx))
	require.NoError(t, a.Release(ctx))
	require.False(t, a.IsLeader())

	require.NoError(t, b.Elect(ctx))
	require.True(t, b.IsLeader())
}

func TestReleaseLeavesForeignLeaseAlone(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	b := cl.process("proc-b")
	ctx := context.Background()

	require.NoError(t, a.Elect(ctx))
	require.NoError(t, b.Release(ctx))

	require.NoError(t, a.Elect(ctx))
	require.True(t, a.IsLeader())
}

func TestLeadershipCallbacks(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	b := cl.process("proc-b")
	ctx := context.Background()

	var elected, lost int
	a.OnElected = func() { elected++ }
	a.OnLost = func() { lost++ }

	require.NoError(t, a.Elect(ctx))
	require.Equal(t, 1, elected)

	cl.clock.Advance(31 * time.Second)
	require.NoError(t, b.Elect(ctx))
	require.NoError(t, a.Elect(ctx))
	require.Equal(t, 1, lost)
}

func TestAddToBufferDedupsIdenticalLinks(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	ctx := context.Background()

	urls := make([]string, 10)
	for i := range urls {
		urls[i] = "https://www.udio.com/songs/track-abc/"
	}
	require.NoError(t, a.AddToBuffer(ctx, urls, false, "Liked Songs"))

	buffer, err := a.readRefs(ctx, harvest.KeyBuffer)
	require.NoError(t, err)
	require.Len(t, buffer, 1)
	require.Equal(t, "https://www.udio.com/songs/track-abc", buffer[0].CanonicalURL)
	require.Equal(t, "Liked Songs", buffer[0].ContextLabel)
}

func TestAddToBufferDedupsAgainstQueue(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	ctx := context.Background()

	queued := []harvest.ItemRef{{CanonicalURL: "https://www.udio.com/songs/track-abc"}}
	data, err := harvest.EncodeRefs(queued)
	require.NoError(t, err)
	require.NoError(t, cl.hub.Client("seed").Set(ctx, harvest.KeyQueue, data))

	require.NoError(t, a.AddToBuffer(ctx, []string{
		"https://www.udio.com/songs/track-abc",
		"https://www.udio.com/songs/track-def",
	}, false, ""))

	buffer, err := a.readRefs(ctx, harvest.KeyBuffer)
	require.NoError(t, err)
	require.Len(t, buffer, 1)
	require.Equal(t, "https://www.udio.com/songs/track-def", buffer[0].CanonicalURL)
}

func TestAddToBufferDropsMalformedLinks(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	ctx := context.Background()

	require.NoError(t, a.AddToBuffer(ctx, []string{"", "   "}, false, ""))

	buffer, err := a.readRefs(ctx, harvest.KeyBuffer)
	require.NoError(t, err)
	require.Empty(t, buffer)
}

func TestAddToBufferNudgesLeader(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")
	ctx := context.Background()

	nudged := 0
	a.Nudge = func() { nudged++ }

	require.NoError(t, a.AddToBuffer(ctx, []string{"https://www.udio.com/songs/track-abc"}, true, ""))
	require.Zero(t, nudged)

	require.NoError(t, a.Elect(ctx))
	require.NoError(t, a.AddToBuffer(ctx, []string{"https://www.udio.com/songs/track-def"}, true, ""))
	require.Equal(t, 1, nudged)
}

func TestRunReleasesLeaseOnShutdown(t *testing.T) {
	t.Parallel()
	cl := newCluster()
	a := cl.process("proc-a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	require.Eventually(t, a.IsLeader, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	_, found, err := cl.hub.Client("probe").Get(context.Background(), harvest.KeyLeader)
	require.NoError(t, err)
	require.False(t, found)
}
