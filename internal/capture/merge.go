// Package capture owns the captured-record store: URL-keyed merged metadata
// records, the completeness heuristic, and the processed-id/url guards.
package capture

import (
	"strings"

	"github.com/tunevault/harvester/internal/harvest"
)

// Placeholder values the library API returns for unpopulated core fields.
const (
	placeholderTitle  = "Untitled"
	placeholderArtist = "Unknown"
)

// IsComplete reports whether a record needs no recapture: every required
// core field is populated with a real value and at least half of the
// desirable set (prompt, album art, lyrics, duration) is present.
func IsComplete(rec harvest.Metadata) bool {
	if rec.ID == "" || rec.SourceURL == "" || rec.CreatedAt.IsZero() {
		return false
	}
	if rec.Title == "" || strings.EqualFold(rec.Title, placeholderTitle) {
		return false
	}
	if rec.Artist == "" || strings.EqualFold(rec.Artist, placeholderArtist) {
		return false
	}
	desirable := 0
	if rec.Prompt != "" {
		desirable++
	}
	if rec.AlbumArtURL != "" {
		desirable++
	}
	if rec.Lyrics != "" {
		desirable++
	}
	if rec.Duration > 0 {
		desirable++
	}
	return desirable >= 2
}

// ShouldSkip reports whether a recapture adds nothing: the stored record is
// already complete and the fresh data carries no different context label.
func ShouldSkip(existing, fresh harvest.Metadata) bool {
	if !IsComplete(existing) {
		return false
	}
	return fresh.ContextLabel == "" || fresh.ContextLabel == existing.ContextLabel
}

// Merge folds a freshly fetched record into the stored one. The fresh
// context label takes precedence, fresh fields fill gaps, stored-only
// fields (including user-added extensions) survive, engagement stats track
// the latest fetch, and the generation id always moves to the fresh value.
// No field from either side is discarded.
func Merge(existing, fresh harvest.Metadata) harvest.Metadata {
	out := existing.Clone()

	if fresh.ContextLabel != "" {
		out.ContextLabel = fresh.ContextLabel
	}
	out.GenerationID = pick(fresh.GenerationID, out.GenerationID)
	if !fresh.CapturedAt.IsZero() {
		out.CapturedAt = fresh.CapturedAt
	}
	if fresh.CaptureMethod != "" {
		out.CaptureMethod = fresh.CaptureMethod
	}

	out.ID = fillString(out.ID, fresh.ID)
	out.UserID = fillString(out.UserID, fresh.UserID)
	out.SourceURL = fillString(out.SourceURL, fresh.SourceURL)
	if fresh.Title != "" && (out.Title == "" || strings.EqualFold(out.Title, placeholderTitle)) {
		out.Title = fresh.Title
	}
	if fresh.Artist != "" && (out.Artist == "" || strings.EqualFold(out.Artist, placeholderArtist)) {
		out.Artist = fresh.Artist
	}
	if out.Duration <= 0 {
		out.Duration = fresh.Duration
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = fresh.CreatedAt
	}

	out.AudioURL = fillString(out.AudioURL, fresh.AudioURL)
	out.VideoURL = fillString(out.VideoURL, fresh.VideoURL)
	out.AlbumArtURL = fillString(out.AlbumArtURL, fresh.AlbumArtURL)
	out.ArtistImageURL = fillString(out.ArtistImageURL, fresh.ArtistImageURL)

	out.Prompt = fillString(out.Prompt, fresh.Prompt)
	out.Description = fillString(out.Description, fresh.Description)
	out.Lyrics = fillString(out.Lyrics, fresh.Lyrics)
	if len(out.Tags) == 0 {
		out.Tags = append([]string(nil), fresh.Tags...)
	}
	if len(out.UserTags) == 0 {
		out.UserTags = append([]string(nil), fresh.UserTags...)
	}

	out.ParentID = fillString(out.ParentID, fresh.ParentID)
	out.StyleSourceID = fillString(out.StyleSourceID, fresh.StyleSourceID)
	if len(out.ChildIDs) == 0 {
		out.ChildIDs = append([]string(nil), fresh.ChildIDs...)
	}

	// Engagement counters track the latest observation.
	if fresh.Plays > 0 {
		out.Plays = fresh.Plays
	}
	if fresh.Likes > 0 {
		out.Likes = fresh.Likes
	}

	// Extensions union: fresh values win per key, stored-only keys survive.
	if len(fresh.Extensions) > 0 {
		if out.Extensions == nil {
			out.Extensions = make(map[string]any, len(fresh.Extensions))
		}
		for k, v := range fresh.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

func pick(fresh, existing string) string {
	if fresh != "" {
		return fresh
	}
	return existing
}

func fillString(existing, fresh string) string {
	if existing != "" {
		return existing
	}
	return fresh
}
