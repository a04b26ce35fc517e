package harvest

import (
	"context"
	"time"
)

// Fetcher retrieves and normalizes one track's metadata. Failures are
// always *ClassifiedError values.
type Fetcher interface {
	Fetch(ctx context.Context, ref ItemRef) (Metadata, error)
}

// Ingestor accepts discovered track links; the coordinator implements it.
type Ingestor interface {
	AddToBuffer(ctx context.Context, urls []string, isManual bool, contextLabel string) error
}

// Publisher pushes capture lifecycle payloads to an external broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver durably exports merged records outside the coordination store.
type Archiver interface {
	Upsert(ctx context.Context, rec Metadata) error
}

// Clock returns the current time (swappable in tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces process and event identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
