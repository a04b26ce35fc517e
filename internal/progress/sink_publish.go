package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/tunevault/harvester/internal/harvest"
)

// PublishSink forwards events to an external topic through a
// harvest.Publisher, one message per event.
type PublishSink struct {
	publisher harvest.Publisher
	topic     string
}

// NewPublishSink builds a PublishSink for the given topic.
func NewPublishSink(publisher harvest.Publisher, topic string) *PublishSink {
	return &PublishSink{publisher: publisher, topic: topic}
}

// Consume publishes each event as a JSON payload.
func (s *PublishSink) Consume(ctx context.Context, batch []Event) error {
	if s.publisher == nil || s.topic == "" {
		return nil
	}
	for _, evt := range batch {
		payload := map[string]any{
			"process_id": evt.ProcessID,
			"stage":      string(evt.Stage),
			"timestamp":  evt.TS.Format(time.RFC3339),
		}
		if evt.URL != "" {
			payload["url"] = evt.URL
		}
		if evt.ContextLabel != "" {
			payload["context"] = evt.ContextLabel
		}
		if evt.Outcome != "" {
			payload["outcome"] = evt.Outcome
		}
		if evt.Attempt > 0 {
			payload["attempt"] = evt.Attempt
		}
		if evt.Reason != "" {
			payload["reason"] = evt.Reason
		}
		if evt.Dur > 0 {
			payload["duration_ms"] = evt.Dur.Milliseconds()
		}
		if _, err := s.publisher.Publish(ctx, s.topic, payload); err != nil {
			return fmt.Errorf("publish progress event: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the publisher is owned by the caller.
func (s *PublishSink) Close(context.Context) error { return nil }
