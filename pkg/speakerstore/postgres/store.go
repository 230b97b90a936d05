package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/tessera-audio/tessera/pkg/speakerstore"
)

// Compile-time interface check.
var _ speakerstore.Store = (*Store)(nil)

// Store is the PostgreSQL speaker store. All operations are safe for
// concurrent use; writes touching a single profile are serialised through a
// transaction-scoped advisory lock keyed on the profile id.
type Store struct {
	pool       *pgxpool.Pool
	maxPerProf int
}

// NewStore connects to dsn, registers pgvector types on every connection,
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, maxEmbeddingsPerProfile int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("speakerstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool, speakerstore.EmbeddingDim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("speakerstore: migrate: %w", err)
	}

	if maxEmbeddingsPerProfile < 1 {
		maxEmbeddingsPerProfile = 20
	}
	return &Store{pool: pool, maxPerProf: maxEmbeddingsPerProfile}, nil
}

func (s *Store) CreateProfile(ctx context.Context, p speakerstore.Profile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO speaker_profiles
			(id, display_name, color, notes, confidence_threshold,
			 total_speech_ns, segment_count, identification_count, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.DisplayName, p.Color, p.Notes, p.ConfidenceThreshold,
		p.TotalSpeechTime.Nanoseconds(), p.SegmentCount, p.IdentificationCount, p.Active,
	)
	if err != nil {
		return fmt.Errorf("speakerstore: create profile: %w", err)
	}
	return nil
}

const profileColumns = `
	id, display_name, color, notes, confidence_threshold,
	total_speech_ns, segment_count, identification_count, active,
	created_at, updated_at`

func scanProfile(row pgx.Row) (speakerstore.Profile, error) {
	var p speakerstore.Profile
	var speechNs int64
	err := row.Scan(
		&p.ID, &p.DisplayName, &p.Color, &p.Notes, &p.ConfidenceThreshold,
		&speechNs, &p.SegmentCount, &p.IdentificationCount, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return speakerstore.Profile{}, err
	}
	p.TotalSpeechTime = time.Duration(speechNs)
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (speakerstore.Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM speaker_profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return speakerstore.Profile{}, speakerstore.ErrProfileNotFound
	}
	if err != nil {
		return speakerstore.Profile{}, fmt.Errorf("speakerstore: get profile: %w", err)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context) ([]speakerstore.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM speaker_profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: list profiles: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (speakerstore.Profile, error) {
		return scanProfile(row)
	})
	if err != nil {
		return nil, fmt.Errorf("speakerstore: scan profiles: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateProfile(ctx context.Context, id uuid.UUID, upd speakerstore.ProfileUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE speaker_profiles SET
			display_name         = COALESCE($2, display_name),
			color                = COALESCE($3, color),
			notes                = COALESCE($4, notes),
			confidence_threshold = COALESCE($5, confidence_threshold),
			updated_at           = now()
		WHERE id = $1`,
		id, upd.DisplayName, upd.Color, upd.Notes, upd.ConfidenceThreshold,
	)
	if err != nil {
		return fmt.Errorf("speakerstore: update profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return speakerstore.ErrProfileNotFound
	}
	return nil
}

func (s *Store) DeactivateProfile(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE speaker_profiles SET active = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("speakerstore: deactivate profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return speakerstore.ErrProfileNotFound
	}
	return nil
}

// AppendEmbedding inserts the embedding and trims the profile back to the
// cap, evicting lowest quality first. The advisory lock keeps concurrent
// appends to the same profile from racing the trim.
func (s *Store) AppendEmbedding(ctx context.Context, profileID uuid.UUID, e speakerstore.Embedding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("speakerstore: append embedding: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, profileID); err != nil {
		return fmt.Errorf("speakerstore: append embedding: lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM speaker_profiles WHERE id = $1)`, profileID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("speakerstore: append embedding: check profile: %w", err)
	}
	if !exists {
		return speakerstore.ErrProfileNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO voice_embeddings (profile_id, embedding, quality, duration_ns, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))`,
		profileID, pgvector.NewVector(e.Vector), e.Quality, e.Duration.Nanoseconds(),
		nullableTime(e.CreatedAt),
	); err != nil {
		return fmt.Errorf("speakerstore: append embedding: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM voice_embeddings
		WHERE id IN (
			SELECT id FROM voice_embeddings
			WHERE profile_id = $1
			ORDER BY quality ASC, created_at ASC
			LIMIT GREATEST(
				(SELECT count(*) FROM voice_embeddings WHERE profile_id = $1) - $2,
				0
			)
		)`,
		profileID, s.maxPerProf,
	); err != nil {
		return fmt.Errorf("speakerstore: append embedding: trim: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("speakerstore: append embedding: commit: %w", err)
	}
	return nil
}

func (s *Store) Embeddings(ctx context.Context, profileID uuid.UUID) ([]speakerstore.Embedding, error) {
	if _, err := s.GetProfile(ctx, profileID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT embedding, quality, duration_ns, created_at
		FROM voice_embeddings
		WHERE profile_id = $1
		ORDER BY created_at`, profileID)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: embeddings: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (speakerstore.Embedding, error) {
		var (
			e   speakerstore.Embedding
			vec pgvector.Vector
			ns  int64
		)
		if err := row.Scan(&vec, &e.Quality, &ns, &e.CreatedAt); err != nil {
			return speakerstore.Embedding{}, err
		}
		e.Vector = vec.Slice()
		e.Duration = time.Duration(ns)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("speakerstore: scan embeddings: %w", err)
	}
	return out, nil
}

func (s *Store) FindSimilar(ctx context.Context, vec []float32, topK int, threshold float32) ([]speakerstore.SimilarMatch, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.profile_id, 1 - MIN(e.embedding <=> $1) AS similarity
		FROM   voice_embeddings e
		JOIN   speaker_profiles p ON p.id = e.profile_id
		WHERE  p.active
		GROUP  BY e.profile_id
		HAVING 1 - MIN(e.embedding <=> $1) >= $2
		ORDER  BY similarity DESC
		LIMIT  $3`,
		pgvector.NewVector(vec), threshold, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: find similar: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (speakerstore.SimilarMatch, error) {
		var m speakerstore.SimilarMatch
		var sim float64
		if err := row.Scan(&m.ProfileID, &sim); err != nil {
			return speakerstore.SimilarMatch{}, err
		}
		m.Similarity = float32(sim)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("speakerstore: scan matches: %w", err)
	}
	return out, nil
}

func (s *Store) RecordSpeech(ctx context.Context, profileID uuid.UUID, speech time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE speaker_profiles SET
			total_speech_ns = total_speech_ns + $2,
			segment_count   = segment_count + 1,
			updated_at      = now()
		WHERE id = $1`,
		profileID, speech.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("speakerstore: record speech: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return speakerstore.ErrProfileNotFound
	}
	return nil
}

func (s *Store) UpsertMeetingSpeaker(ctx context.Context, ms speakerstore.MeetingSpeaker) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO meeting_speakers (meeting_id, profile_id, speaking_ns, segment_count, verified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meeting_id, profile_id) DO UPDATE SET
			speaking_ns   = EXCLUDED.speaking_ns,
			segment_count = EXCLUDED.segment_count,
			verified      = EXCLUDED.verified`,
		ms.MeetingID, ms.ProfileID, ms.SpeakingTime.Nanoseconds(), ms.SegmentCount, ms.Verified,
	)
	if err != nil {
		return fmt.Errorf("speakerstore: upsert meeting speaker: %w", err)
	}
	return nil
}

func (s *Store) MeetingStats(ctx context.Context, meetingID string) ([]speakerstore.MeetingSpeaker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT meeting_id, profile_id, speaking_ns, segment_count, verified
		FROM meeting_speakers
		WHERE meeting_id = $1
		ORDER BY profile_id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("speakerstore: meeting stats: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (speakerstore.MeetingSpeaker, error) {
		var ms speakerstore.MeetingSpeaker
		var ns int64
		if err := row.Scan(&ms.MeetingID, &ms.ProfileID, &ns, &ms.SegmentCount, &ms.Verified); err != nil {
			return speakerstore.MeetingSpeaker{}, err
		}
		ms.SpeakingTime = time.Duration(ns)
		return ms, nil
	})
	if err != nil {
		return nil, fmt.Errorf("speakerstore: scan meeting stats: %w", err)
	}
	return out, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
