package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *memorySink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memorySink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func validEvent(stage Stage) Event {
	evt := Event{ProcessID: "proc-a", TS: time.Now().UTC(), Stage: stage}
	switch stage {
	case StageCaptureStart, StageCaptureDone:
		evt.URL = "https://www.udio.com/songs/track-abc"
	case StageCaptureFailed, StageRequeued:
		evt.URL = "https://www.udio.com/songs/track-abc"
		evt.Reason = "transient"
	}
	return evt
}

func TestHubDeliversAllEventsOnClose(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	hub := NewHub(Config{MaxBatch: 4, MaxWait: 10 * time.Millisecond}, sink)

	for range 10 {
		hub.Emit(validEvent(StageCaptureDone))
	}
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, sink.snapshot(), 10)
	require.True(t, sink.closed)
}

func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	hub := NewHub(Config{MaxBatch: 1000, MaxWait: 10 * time.Millisecond}, sink)
	defer func() { _ = hub.Close(context.Background()) }()

	hub.Emit(validEvent(StageLeaderElected))
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	hub := NewHub(Config{}, sink)

	hub.Emit(Event{Stage: StageReset})                                   // missing process id
	hub.Emit(Event{ProcessID: "proc-a", TS: time.Now(), Stage: "BOGUS"}) // unknown stage
	require.NoError(t, hub.Close(context.Background()))

	require.Empty(t, sink.snapshot())
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	hub := NewHub(Config{}, sink)
	require.NoError(t, hub.Close(context.Background()))

	hub.Emit(validEvent(StageReset))
	require.Empty(t, sink.snapshot())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, validEvent(StageCaptureDone).Validate())

	missingURL := Event{ProcessID: "p", TS: time.Now(), Stage: StageCaptureStart}
	require.Error(t, missingURL.Validate())

	missingReason := Event{ProcessID: "p", TS: time.Now(), Stage: StageRequeued, URL: "u"}
	require.Error(t, missingReason.Validate())
}
