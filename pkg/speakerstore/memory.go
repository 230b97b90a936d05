package speakerstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. It backs tests and runs without a
// configured database; nothing survives process exit.
type MemoryStore struct {
	mu         sync.RWMutex
	profiles   map[uuid.UUID]*Profile
	embeddings map[uuid.UUID][]Embedding
	meetings   map[string]map[uuid.UUID]MeetingSpeaker
	maxPerProf int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store with the given per-profile
// embedding cap.
func NewMemoryStore(maxEmbeddingsPerProfile int) *MemoryStore {
	if maxEmbeddingsPerProfile < 1 {
		maxEmbeddingsPerProfile = 20
	}
	return &MemoryStore{
		profiles:   make(map[uuid.UUID]*Profile),
		embeddings: make(map[uuid.UUID][]Embedding),
		meetings:   make(map[string]map[uuid.UUID]MeetingSpeaker),
		maxPerProf: maxEmbeddingsPerProfile,
	}
}

func (m *MemoryStore) CreateProfile(_ context.Context, p Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, id uuid.UUID) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, ErrProfileNotFound
	}
	return *p, nil
}

func (m *MemoryStore) ListProfiles(_ context.Context) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, id uuid.UUID, upd ProfileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	if upd.DisplayName != nil {
		p.DisplayName = *upd.DisplayName
	}
	if upd.Color != nil {
		p.Color = *upd.Color
	}
	if upd.Notes != nil {
		p.Notes = *upd.Notes
	}
	if upd.ConfidenceThreshold != nil {
		p.ConfidenceThreshold = *upd.ConfidenceThreshold
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeactivateProfile(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	p.Active = false
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendEmbedding(_ context.Context, profileID uuid.UUID, e Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[profileID]; !ok {
		return ErrProfileNotFound
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	list := append(m.embeddings[profileID], e)
	if len(list) > m.maxPerProf {
		// Evict the lowest-quality embedding, oldest first on ties.
		lowest := 0
		for i, cand := range list {
			if cand.Quality < list[lowest].Quality {
				lowest = i
			}
		}
		list = append(list[:lowest], list[lowest+1:]...)
	}
	m.embeddings[profileID] = list
	return nil
}

func (m *MemoryStore) Embeddings(_ context.Context, profileID uuid.UUID) ([]Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.profiles[profileID]; !ok {
		return nil, ErrProfileNotFound
	}
	return append([]Embedding(nil), m.embeddings[profileID]...), nil
}

func (m *MemoryStore) FindSimilar(_ context.Context, vec []float32, topK int, threshold float32) ([]SimilarMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []SimilarMatch
	for id, p := range m.profiles {
		if !p.Active {
			continue
		}
		best := float32(-1)
		for _, e := range m.embeddings[id] {
			if sim := cosine(vec, e.Vector); sim > best {
				best = sim
			}
		}
		if best >= threshold {
			out = append(out, SimilarMatch{ProfileID: id, Similarity: best})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryStore) RecordSpeech(_ context.Context, profileID uuid.UUID, speech time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[profileID]
	if !ok {
		return ErrProfileNotFound
	}
	p.TotalSpeechTime += speech
	p.SegmentCount++
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpsertMeetingSpeaker(_ context.Context, ms MeetingSpeaker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[ms.ProfileID]; !ok {
		return ErrProfileNotFound
	}
	byProfile, ok := m.meetings[ms.MeetingID]
	if !ok {
		byProfile = make(map[uuid.UUID]MeetingSpeaker)
		m.meetings[ms.MeetingID] = byProfile
	}
	byProfile[ms.ProfileID] = ms
	return nil
}

func (m *MemoryStore) MeetingStats(_ context.Context, meetingID string) ([]MeetingSpeaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byProfile := m.meetings[meetingID]
	out := make([]MeetingSpeaker, 0, len(byProfile))
	for _, ms := range byProfile {
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ProfileID.String() < out[j].ProfileID.String()
	})
	return out, nil
}

func (m *MemoryStore) Close() {}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
