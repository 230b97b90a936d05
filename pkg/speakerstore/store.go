// Package speakerstore persists speaker profiles and their voice embeddings
// across transcription sessions.
//
// A profile accumulates embeddings over time; similarity search against the
// stored embeddings lets a new session re-identify a returning speaker. The
// canonical implementation is Postgres with pgvector (see the postgres
// subpackage); an in-memory implementation backs tests and store-less runs.
package speakerstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrProfileNotFound is returned when a profile id does not exist.
var ErrProfileNotFound = errors.New("speakerstore: profile not found")

// EmbeddingDim is the expected vector dimensionality.
const EmbeddingDim = 512

// Profile is a persistent speaker identity.
type Profile struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	Notes       string    `json:"notes"`

	// ConfidenceThreshold overrides the global re-identification bar for
	// this speaker when positive.
	ConfidenceThreshold float32 `json:"confidence_threshold"`

	// Aggregate speaking statistics across all meetings.
	TotalSpeechTime     time.Duration `json:"total_speech_time"`
	SegmentCount        int           `json:"segment_count"`
	IdentificationCount int           `json:"identification_count"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Embedding is one stored voice fingerprint.
type Embedding struct {
	Vector   []float32     `json:"vector"`
	Quality  float32       `json:"quality"`
	Duration time.Duration `json:"duration"`
	CreatedAt time.Time    `json:"created_at"`
}

// ProfileUpdate carries the mutable profile fields. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	DisplayName         *string
	Color               *string
	Notes               *string
	ConfidenceThreshold *float32
}

// SimilarMatch is one result of a similarity search.
type SimilarMatch struct {
	ProfileID  uuid.UUID
	Similarity float32
}

// MeetingSpeaker links a profile to a meeting with per-meeting stats.
type MeetingSpeaker struct {
	MeetingID    string        `json:"meeting_id"`
	ProfileID    uuid.UUID     `json:"profile_id"`
	SpeakingTime time.Duration `json:"speaking_time"`
	SegmentCount int           `json:"segment_count"`

	// Verified is set once a human confirmed the identification.
	Verified bool `json:"verified"`
}

// Store is the speaker persistence interface.
//
// Writes to a single profile are serialised by the implementation; concurrent
// sessions may append embeddings to different profiles freely.
type Store interface {
	CreateProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, id uuid.UUID) (Profile, error)
	ListProfiles(ctx context.Context) ([]Profile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, upd ProfileUpdate) error

	// DeactivateProfile hides the profile from similarity search without
	// deleting its history.
	DeactivateProfile(ctx context.Context, id uuid.UUID) error

	// AppendEmbedding stores a fingerprint and evicts the lowest-quality
	// one when the per-profile cap is exceeded.
	AppendEmbedding(ctx context.Context, profileID uuid.UUID, e Embedding) error
	Embeddings(ctx context.Context, profileID uuid.UUID) ([]Embedding, error)

	// FindSimilar returns up to topK active profiles whose best stored
	// embedding has cosine similarity ≥ threshold with vec, most similar
	// first.
	FindSimilar(ctx context.Context, vec []float32, topK int, threshold float32) ([]SimilarMatch, error)

	// RecordSpeech folds one diarized segment into the profile's
	// aggregate statistics.
	RecordSpeech(ctx context.Context, profileID uuid.UUID, speech time.Duration) error

	UpsertMeetingSpeaker(ctx context.Context, ms MeetingSpeaker) error
	MeetingStats(ctx context.Context, meetingID string) ([]MeetingSpeaker, error)

	Close()
}
