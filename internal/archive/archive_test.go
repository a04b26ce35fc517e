package archive

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/tunevault/harvester/internal/harvest"
)

func TestUpsertWritesRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "captured_records")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := harvest.Metadata{
		ID:            "track-abc",
		GenerationID:  "gen-1",
		Title:         "Neon Rain",
		Artist:        "somebody",
		Duration:      184.2,
		CreatedAt:     now,
		SourceURL:     "https://www.udio.com/songs/track-abc",
		ContextLabel:  "Liked Songs",
		CaptureMethod: "api",
		CapturedAt:    now,
		Prompt:        "a synthwave ballad",
		Lyrics:        "verse one",
		Tags:          []string{"synthwave"},
		Plays:         10,
		Likes:         2,
		Extensions:    map[string]any{"conditioning_type": "style"},
	}

	mock.ExpectExec("INSERT INTO captured_records").
		WithArgs(
			rec.SourceURL,
			rec.ID,
			rec.GenerationID,
			rec.Title,
			rec.Artist,
			rec.Duration,
			rec.CreatedAt,
			rec.ContextLabel,
			rec.CaptureMethod,
			rec.CapturedAt,
			rec.Prompt,
			rec.Lyrics,
			[]byte(`["synthwave"]`),
			rec.Plays,
			rec.Likes,
			[]byte(`{"conditioning_type":"style"}`),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresSourceURL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock, "captured_records")
	require.NoError(t, err)

	err = store.Upsert(context.Background(), harvest.Metadata{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithPoolValidatesTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "captured; drop table users")
	require.Error(t, err)
}
