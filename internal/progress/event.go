// Package progress defines the lifecycle events emitted by the harvesting
// pipeline and the hub that fans them out to sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the kind of milestone an Event represents.
type Stage string

// Supported pipeline stages.
const (
	StageCaptureStart  Stage = "CAPTURE_START"
	StageCaptureDone   Stage = "CAPTURE_DONE"
	StageCaptureFailed Stage = "CAPTURE_FAILED"
	StageRequeued      Stage = "REQUEUED"
	StageLeaderElected Stage = "LEADER_ELECTED"
	StageLeaderLost    Stage = "LEADER_LOST"
	StageReset         Stage = "RESET"
	StageDegraded      Stage = "DEGRADED_MODE"
)

// Event captures one pipeline milestone.
type Event struct {
	// ProcessID identifies the emitting process.
	ProcessID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the canonical item URL for capture-scoped events.
	URL string
	// ContextLabel carries the discovery context, when known.
	ContextLabel string
	// Attempt is the retry count at the time of the event.
	Attempt int
	// Outcome distinguishes created/merged/skipped captures, or carries the
	// classified error kind for failures.
	Outcome string
	// Reason carries low-volume error or decision text.
	Reason string
	// Dur captures fetch latency for capture completions.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ProcessID == "" {
		return errors.New("process id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageLeaderElected, StageLeaderLost, StageReset, StageDegraded:
	case StageCaptureStart, StageCaptureDone:
		if e.URL == "" {
			return fmt.Errorf("%s requires a url", e.Stage)
		}
	case StageCaptureFailed, StageRequeued:
		if e.URL == "" {
			return fmt.Errorf("%s requires a url", e.Stage)
		}
		if e.Reason == "" {
			return fmt.Errorf("%s requires a reason", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
