// Package postgres provides the PostgreSQL-backed speaker store.
//
// Embeddings live in a pgvector column sized to the speaker model's output
// dimension; similarity search runs server-side over an HNSW index. The
// pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migration is one versioned schema step. Applied versions are recorded in
// schema_migrations; steps run at most once per database.
type migration struct {
	version int
	ddl     string
}

func migrations(dim int) []migration {
	return []migration{
		{1, `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speaker_profiles (
    id                    UUID         PRIMARY KEY,
    display_name          TEXT         NOT NULL,
    color                 TEXT         NOT NULL DEFAULT '',
    notes                 TEXT         NOT NULL DEFAULT '',
    confidence_threshold  REAL         NOT NULL DEFAULT 0,
    total_speech_ns       BIGINT       NOT NULL DEFAULT 0,
    segment_count         INTEGER      NOT NULL DEFAULT 0,
    identification_count  INTEGER      NOT NULL DEFAULT 0,
    active                BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_speaker_profiles_active
    ON speaker_profiles (active);
`},
		{2, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS voice_embeddings (
    id          BIGSERIAL    PRIMARY KEY,
    profile_id  UUID         NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    embedding   vector(%d)   NOT NULL,
    quality     REAL         NOT NULL DEFAULT 0,
    duration_ns BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_embeddings_profile
    ON voice_embeddings (profile_id);

CREATE INDEX IF NOT EXISTS idx_voice_embeddings_vector
    ON voice_embeddings USING hnsw (embedding vector_cosine_ops);
`, dim)},
		{3, `
CREATE TABLE IF NOT EXISTS meeting_speakers (
    meeting_id   TEXT         NOT NULL,
    profile_id   UUID         NOT NULL REFERENCES speaker_profiles (id) ON DELETE CASCADE,
    speaking_ns  BIGINT       NOT NULL DEFAULT 0,
    segment_count INTEGER     NOT NULL DEFAULT 0,
    verified     BOOLEAN      NOT NULL DEFAULT FALSE,
    PRIMARY KEY (meeting_id, profile_id)
);

CREATE INDEX IF NOT EXISTS idx_meeting_speakers_meeting
    ON meeting_speakers (meeting_id);
`},
	}
}

const ddlMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INTEGER      PRIMARY KEY,
    applied_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate brings the schema to the current version. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDim int) error {
	if _, err := pool.Exec(ctx, ddlMigrationsTable); err != nil {
		return fmt.Errorf("speakerstore migrate: migrations table: %w", err)
	}

	for _, m := range migrations(embeddingDim) {
		var applied bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
			m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("speakerstore migrate: check version %d: %w", m.version, err)
		}
		if applied {
			continue
		}
		if _, err := pool.Exec(ctx, m.ddl); err != nil {
			return fmt.Errorf("speakerstore migrate: apply version %d: %w", m.version, err)
		}
		if _, err := pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`,
			m.version,
		); err != nil {
			return fmt.Errorf("speakerstore migrate: record version %d: %w", m.version, err)
		}
	}
	return nil
}
