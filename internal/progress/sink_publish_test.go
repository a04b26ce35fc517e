package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunevault/harvester/internal/publisher/memory"
)

func TestPublishSinkForwardsEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "capture-events")

	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	batch := []Event{
		{
			ProcessID:    "proc-a",
			TS:           ts,
			Stage:        StageCaptureDone,
			URL:          "https://www.udio.com/songs/track-abc",
			ContextLabel: "Liked Songs",
			Outcome:      "created",
			Dur:          220 * time.Millisecond,
		},
		{
			ProcessID: "proc-a",
			TS:        ts,
			Stage:     StageLeaderElected,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "capture-events", msgs[0].Topic)

	first, ok := msgs[0].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "CAPTURE_DONE", first["stage"])
	require.Equal(t, "https://www.udio.com/songs/track-abc", first["url"])
	require.Equal(t, "created", first["outcome"])
	require.Equal(t, int64(220), first["duration_ms"])

	second, ok := msgs[1].Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "LEADER_ELECTED", second["stage"])
	require.NotContains(t, second, "url")
}

func TestPublishSinkWithoutTopicIsNoop(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "")
	require.NoError(t, sink.Consume(context.Background(), []Event{{ProcessID: "p", TS: time.Now(), Stage: StageReset}}))
	require.Empty(t, pub.Messages())
}
