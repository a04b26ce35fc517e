package harvest

import (
	"time"
)

// ItemRef is a reference to a single library track awaiting capture.
type ItemRef struct {
	CanonicalURL string `json:"canonical_url"`
	ContextLabel string `json:"context_label,omitempty"`
	IsManual     bool   `json:"is_manual,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
}

// FailedItem is an ItemRef that exhausted its retry budget, plus the
// terminal reason. It stays visible for manual requeue.
type FailedItem struct {
	Ref      ItemRef   `json:"ref"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// Lease is the soft leadership claim recorded in the shared store.
type Lease struct {
	OwnerID   string    `json:"owner_id"`
	RenewedAt time.Time `json:"renewed_at"`
}

// Expired reports whether the lease is older than ttl at the given instant.
func (l Lease) Expired(now time.Time, ttl time.Duration) bool {
	return l.OwnerID == "" || now.Sub(l.RenewedAt) > ttl
}

// Metadata is a fully normalized capture of one track. Fixed fields cover
// everything the pipeline reasons about; Extensions preserves every API
// field that is not explicitly mapped, verbatim.
type Metadata struct {
	ID           string    `json:"id"`
	GenerationID string    `json:"generation_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Title        string    `json:"title,omitempty"`
	Artist       string    `json:"artist,omitempty"`
	Duration     float64   `json:"duration,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"`

	AudioURL       string `json:"audio_url,omitempty"`
	VideoURL       string `json:"video_url,omitempty"`
	AlbumArtURL    string `json:"album_art_url,omitempty"`
	ArtistImageURL string `json:"artist_image_url,omitempty"`

	Prompt      string   `json:"prompt,omitempty"`
	Description string   `json:"description,omitempty"`
	Lyrics      string   `json:"lyrics,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	UserTags    []string `json:"user_tags,omitempty"`

	ParentID      string   `json:"parent_id,omitempty"`
	ChildIDs      []string `json:"child_ids,omitempty"`
	StyleSourceID string   `json:"style_source_id,omitempty"`

	Plays int64 `json:"plays,omitempty"`
	Likes int64 `json:"likes,omitempty"`

	CaptureMethod string    `json:"capture_method,omitempty"`
	CapturedAt    time.Time `json:"captured_at,omitempty"`
	ContextLabel  string    `json:"context_label,omitempty"`

	Extensions map[string]any `json:"extensions,omitempty"`
}

// Clone returns a deep enough copy for merge operations: slices and the
// extension map are copied, scalar fields are value-copied.
func (m Metadata) Clone() Metadata {
	out := m
	out.Tags = append([]string(nil), m.Tags...)
	out.UserTags = append([]string(nil), m.UserTags...)
	out.ChildIDs = append([]string(nil), m.ChildIDs...)
	if m.Extensions != nil {
		out.Extensions = make(map[string]any, len(m.Extensions))
		for k, v := range m.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}
