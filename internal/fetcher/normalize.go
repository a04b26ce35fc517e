package fetcher

import (
	"encoding/json"
	"time"

	"github.com/tunevault/harvester/internal/harvest"
)

// normalize converts the raw API object into a Metadata record. Every key
// that is not explicitly mapped below is copied verbatim into Extensions;
// the normalization step never drops a field.
func normalize(raw map[string]any, sourceURL, contextLabel string, capturedAt time.Time) harvest.Metadata {
	rec := harvest.Metadata{
		SourceURL:     sourceURL,
		ContextLabel:  contextLabel,
		CaptureMethod: "api",
		CapturedAt:    capturedAt,
	}
	leftovers := make(map[string]any)

	for key, value := range raw {
		switch key {
		case "id":
			rec.ID = asString(value)
		case "generation_id":
			rec.GenerationID = asString(value)
		case "user_id":
			rec.UserID = asString(value)
		case "title":
			rec.Title = asString(value)
		case "artist":
			rec.Artist = asString(value)
		case "duration":
			rec.Duration = asFloat(value)
		case "created_at":
			rec.CreatedAt = asTime(value)
		case "song_path", "source_url":
			if rec.SourceURL == "" {
				rec.SourceURL = asString(value)
			} else {
				leftovers[key] = value
			}
		case "audio_url", "song_url":
			if rec.AudioURL == "" {
				rec.AudioURL = asString(value)
			} else {
				leftovers[key] = value
			}
		case "video_url":
			rec.VideoURL = asString(value)
		case "image_path", "album_art_url":
			if rec.AlbumArtURL == "" {
				rec.AlbumArtURL = asString(value)
			} else {
				leftovers[key] = value
			}
		case "artist_image_url":
			rec.ArtistImageURL = asString(value)
		case "prompt":
			rec.Prompt = asString(value)
		case "description":
			rec.Description = asString(value)
		case "lyrics":
			rec.Lyrics = asString(value)
		case "tags":
			rec.Tags = asStrings(value)
		case "user_tags":
			rec.UserTags = asStrings(value)
		case "parent_id":
			rec.ParentID = asString(value)
		case "child_ids":
			rec.ChildIDs = asStrings(value)
		case "style_source_id":
			rec.StyleSourceID = asString(value)
		case "plays":
			rec.Plays = asInt(value)
		case "likes":
			rec.Likes = asInt(value)
		default:
			leftovers[key] = value
		}
	}
	if len(leftovers) > 0 {
		rec.Extensions = leftovers
	}
	return rec
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case int:
		return float64(n)
	default:
		return 0
	}
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case int:
		return int64(n)
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func asStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
