// Package archive provides optional Postgres persistence of captured
// records, one row per canonical URL.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tunevault/harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for archive rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes captured records into Postgres. It implements
// harvest.Archiver.
type Store struct {
	pool  execCloser
	table string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "captured_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "captured_records"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes one captured record, replacing any previous row for the
// same canonical URL.
func (s *Store) Upsert(ctx context.Context, rec harvest.Metadata) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("archive store is not configured")
	}
	if rec.SourceURL == "" {
		return fmt.Errorf("record source url is required")
	}
	extensionsJSON, err := json.Marshal(normalizeExtensions(rec.Extensions))
	if err != nil {
		return fmt.Errorf("marshal extensions: %w", err)
	}
	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	source_url,
	track_id,
	generation_id,
	title,
	artist,
	duration_seconds,
	created_at,
	context_label,
	capture_method,
	captured_at,
	prompt,
	lyrics,
	tags,
	plays,
	likes,
	extensions
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (source_url) DO UPDATE SET
	track_id = EXCLUDED.track_id,
	generation_id = EXCLUDED.generation_id,
	title = EXCLUDED.title,
	artist = EXCLUDED.artist,
	duration_seconds = EXCLUDED.duration_seconds,
	created_at = EXCLUDED.created_at,
	context_label = EXCLUDED.context_label,
	capture_method = EXCLUDED.capture_method,
	captured_at = EXCLUDED.captured_at,
	prompt = EXCLUDED.prompt,
	lyrics = EXCLUDED.lyrics,
	tags = EXCLUDED.tags,
	plays = EXCLUDED.plays,
	likes = EXCLUDED.likes,
	extensions = EXCLUDED.extensions`, s.table)

	args := []any{
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
		tagsJSON,
		rec.Plays,
		rec.Likes,
		extensionsJSON,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert captured record: %w", err)
	}
	return nil
}

func normalizeExtensions(ext map[string]any) map[string]any {
	if len(ext) == 0 {
		return map[string]any{}
	}
	return ext
}
