package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/capture"
	"github.com/tunevault/harvester/internal/store/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type stubScanner struct {
	scan PageScan
	err  error
}

func (s stubScanner) Scan(context.Context, string) (PageScan, error) {
	return s.scan, s.err
}

type recordingIngestor struct {
	mu      sync.Mutex
	batches [][]string
	manual  []bool
	labels  []string
}

func (r *recordingIngestor) AddToBuffer(_ context.Context, urls []string, isManual bool, label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), urls...))
	r.manual = append(r.manual, isManual)
	r.labels = append(r.labels, label)
	return nil
}

func newSeenStore() *capture.Store {
	return capture.New(memory.NewHub().Client("proc-a"), fixedClock{now: time.Now()}, zap.NewNop())
}

func TestScanOnceHandsOffFreshLinks(t *testing.T) {
	t.Parallel()
	scanner := stubScanner{scan: PageScan{
		Links: []string{
			"https://www.udio.com/songs/track-one",
			"https://www.udio.com/songs/track-two",
		},
		ContextLabel: "Liked Songs",
	}}
	ingestor := &recordingIngestor{}
	d := New(Config{LibraryURL: "https://www.udio.com/library"}, scanner, ingestor, newSeenStore(), zap.NewNop())

	require.NoError(t, d.ScanOnce(context.Background()))

	require.Len(t, ingestor.batches, 1)
	require.Equal(t, scanner.scan.Links, ingestor.batches[0])
	require.Equal(t, "Liked Songs", ingestor.labels[0])
	require.False(t, ingestor.manual[0])
}

func TestScanOnceFiltersAlreadyHandedOffLinks(t *testing.T) {
	t.Parallel()
	scanner := stubScanner{scan: PageScan{Links: []string{
		"https://www.udio.com/songs/track-one",
		"https://www.udio.com/songs/track-two",
	}}}
	ingestor := &recordingIngestor{}
	d := New(Config{LibraryURL: "https://www.udio.com/library"}, scanner, ingestor, newSeenStore(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.ScanOnce(ctx))
	// A second scan of the same page emits nothing new.
	require.NoError(t, d.ScanOnce(ctx))

	require.Len(t, ingestor.batches, 1)
}

func TestSubmitBypassesSeenGuard(t *testing.T) {
	t.Parallel()
	ingestor := &recordingIngestor{}
	seen := newSeenStore()
	d := New(Config{}, stubScanner{}, ingestor, seen, zap.NewNop())
	ctx := context.Background()

	url := "https://www.udio.com/songs/track-one"
	_, err := seen.RememberURL(ctx, url)
	require.NoError(t, err)

	require.NoError(t, d.Submit(ctx, url, "Now Playing"))

	require.Len(t, ingestor.batches, 1)
	require.Equal(t, []string{url}, ingestor.batches[0])
	require.True(t, ingestor.manual[0])
	require.Equal(t, "Now Playing", ingestor.labels[0])
}
