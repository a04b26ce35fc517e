package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunevault/harvester/internal/harvest"
)

func completeRecord() harvest.Metadata {
	return harvest.Metadata{
		ID:           "track-1",
		Title:        "Neon Rain",
		Artist:       "somebody",
		CreatedAt:    time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		SourceURL:    "https://www.udio.com/songs/track-1",
		Prompt:       "a synthwave ballad",
		AlbumArtURL:  "https://cdn.example/art.png",
		Lyrics:       "verse one",
		Duration:     184.2,
		GenerationID: "gen-1",
		ContextLabel: "Liked Songs",
	}
}

func TestIsComplete(t *testing.T) {
	t.Parallel()
	require.True(t, IsComplete(completeRecord()))

	placeholderTitle := completeRecord()
	placeholderTitle.Title = "Untitled"
	require.False(t, IsComplete(placeholderTitle))

	missingDesirables := completeRecord()
	missingDesirables.Prompt = ""
	missingDesirables.AlbumArtURL = ""
	missingDesirables.Lyrics = ""
	// Only duration remains: 1 of 4 desirable fields is below half.
	require.False(t, IsComplete(missingDesirables))

	halfDesirables := completeRecord()
	halfDesirables.Prompt = ""
	halfDesirables.Lyrics = ""
	require.True(t, IsComplete(halfDesirables))
}

func TestShouldSkipCompleteRecordWithSameContext(t *testing.T) {
	t.Parallel()
	existing := completeRecord()

	fresh := completeRecord()
	fresh.ContextLabel = ""
	require.True(t, ShouldSkip(existing, fresh))

	fresh.ContextLabel = existing.ContextLabel
	require.True(t, ShouldSkip(existing, fresh))

	fresh.ContextLabel = "Playlist: Night Drive"
	require.False(t, ShouldSkip(existing, fresh))

	incomplete := existing
	incomplete.Artist = "Unknown"
	require.False(t, ShouldSkip(incomplete, fresh))
}

func TestMergeContextPrecedenceAndUnion(t *testing.T) {
	t.Parallel()
	existing := harvest.Metadata{
		ID:           "track-1",
		Title:        "Neon Rain",
		ContextLabel: "A",
		GenerationID: "gen-old",
		Extensions:   map[string]any{"user_note": "keep me"},
	}
	fresh := harvest.Metadata{
		ID:           "track-1",
		ContextLabel: "B",
		GenerationID: "gen-new",
		Prompt:       "a synthwave ballad",
		AlbumArtURL:  "https://cdn.example/art.png",
		Lyrics:       "verse one",
		Duration:     184.2,
		Extensions:   map[string]any{"api_version": "v2"},
	}

	merged := Merge(existing, fresh)

	require.Equal(t, "B", merged.ContextLabel)
	require.Equal(t, "gen-new", merged.GenerationID)
	require.Equal(t, "Neon Rain", merged.Title)
	require.Equal(t, "a synthwave ballad", merged.Prompt)
	require.Equal(t, "https://cdn.example/art.png", merged.AlbumArtURL)
	require.Equal(t, "verse one", merged.Lyrics)
	require.Equal(t, 184.2, merged.Duration)
	// Both extension bags survive.
	require.Equal(t, "keep me", merged.Extensions["user_note"])
	require.Equal(t, "v2", merged.Extensions["api_version"])
}

func TestMergePreservesStoredFieldsApiStoppedReturning(t *testing.T) {
	t.Parallel()
	existing := completeRecord()
	existing.Extensions = map[string]any{"custom_rating": 5}

	fresh := harvest.Metadata{ID: "track-1", GenerationID: "gen-2", ContextLabel: "New Context"}
	merged := Merge(existing, fresh)

	require.Equal(t, existing.Title, merged.Title)
	require.Equal(t, existing.Lyrics, merged.Lyrics)
	require.Equal(t, existing.Prompt, merged.Prompt)
	require.Equal(t, 5, merged.Extensions["custom_rating"])
	require.Equal(t, "gen-2", merged.GenerationID)
	require.Equal(t, "New Context", merged.ContextLabel)
}

func TestMergeReplacesPlaceholders(t *testing.T) {
	t.Parallel()
	existing := harvest.Metadata{ID: "t", Title: "Untitled", Artist: "Unknown"}
	fresh := harvest.Metadata{ID: "t", Title: "Real Title", Artist: "Real Artist", Plays: 12, Likes: 3}
	merged := Merge(existing, fresh)
	require.Equal(t, "Real Title", merged.Title)
	require.Equal(t, "Real Artist", merged.Artist)
	require.Equal(t, int64(12), merged.Plays)
	require.Equal(t, int64(3), merged.Likes)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	existing := completeRecord()
	fresh := harvest.Metadata{ID: "track-1", Extensions: map[string]any{"k": "v"}}
	_ = Merge(existing, fresh)
	require.NotContains(t, existing.Extensions, "k")
}
