package speakerstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newProfile(t *testing.T, s Store, name string, active bool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	p := Profile{ID: id, DisplayName: name, Color: "#336699", Active: active}
	if err := s.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("CreateProfile(%s): %v", name, err)
	}
	return id
}

func embedding(vec []float32, quality float32) Embedding {
	return Embedding{Vector: vec, Quality: quality, Duration: 2 * time.Second}
}

func TestMemoryStore_ProfileLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8)

	id := newProfile(t, s, "Alice", true)

	got, err := s.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.DisplayName != "Alice" || !got.Active {
		t.Errorf("got profile %+v, want Alice/active", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Errorf("timestamps not set: created=%v updated=%v", got.CreatedAt, got.UpdatedAt)
	}

	name := "Alice B."
	notes := "prefers headset mic"
	if err := s.UpdateProfile(ctx, id, ProfileUpdate{DisplayName: &name, Notes: &notes}); err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	got, _ = s.GetProfile(ctx, id)
	if got.DisplayName != name || got.Notes != notes {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Color != "#336699" {
		t.Errorf("nil field overwritten: color = %q", got.Color)
	}

	if err := s.DeactivateProfile(ctx, id); err != nil {
		t.Fatalf("DeactivateProfile: %v", err)
	}
	got, _ = s.GetProfile(ctx, id)
	if got.Active {
		t.Error("profile still active after deactivation")
	}

	if _, err := s.GetProfile(ctx, uuid.New()); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("GetProfile(unknown) = %v, want ErrProfileNotFound", err)
	}
	if err := s.UpdateProfile(ctx, uuid.New(), ProfileUpdate{}); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("UpdateProfile(unknown) = %v, want ErrProfileNotFound", err)
	}
}

func TestMemoryStore_AppendEmbedding_EvictsLowestQuality(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)
	id := newProfile(t, s, "Bob", true)

	for _, q := range []float32{0.9, 0.2, 0.8} {
		if err := s.AppendEmbedding(ctx, id, embedding([]float32{1, 0, 0, 0}, q)); err != nil {
			t.Fatalf("AppendEmbedding(q=%v): %v", q, err)
		}
	}
	// Over the cap: the 0.2 fingerprint should go, not the newest one.
	if err := s.AppendEmbedding(ctx, id, embedding([]float32{0, 1, 0, 0}, 0.7)); err != nil {
		t.Fatalf("AppendEmbedding(q=0.7): %v", err)
	}

	embs, err := s.Embeddings(ctx, id)
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if len(embs) != 3 {
		t.Fatalf("got %d embeddings, want 3", len(embs))
	}
	for _, e := range embs {
		if e.Quality == 0.2 {
			t.Error("lowest-quality embedding survived eviction")
		}
	}

	if err := s.AppendEmbedding(ctx, uuid.New(), embedding([]float32{1}, 0.5)); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("AppendEmbedding(unknown) = %v, want ErrProfileNotFound", err)
	}
}

func TestMemoryStore_FindSimilar(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8)

	alice := newProfile(t, s, "Alice", true)
	bob := newProfile(t, s, "Bob", true)
	ghost := newProfile(t, s, "Ghost", false)

	mustAppend := func(id uuid.UUID, vec []float32) {
		t.Helper()
		if err := s.AppendEmbedding(ctx, id, embedding(vec, 0.8)); err != nil {
			t.Fatalf("AppendEmbedding: %v", err)
		}
	}
	mustAppend(alice, []float32{1, 0, 0, 0})
	mustAppend(alice, []float32{0.9, 0.1, 0, 0})
	mustAppend(bob, []float32{0, 1, 0, 0})
	mustAppend(ghost, []float32{1, 0, 0, 0})

	query := []float32{1, 0.05, 0, 0}

	matches, err := s.FindSimilar(ctx, query, 5, 0.9)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1: %+v", len(matches), matches)
	}
	if matches[0].ProfileID != alice {
		t.Errorf("matched %s, want alice", matches[0].ProfileID)
	}
	if matches[0].Similarity < 0.9 {
		t.Errorf("similarity %v below requested threshold", matches[0].Similarity)
	}

	// Lowering the bar admits bob too, ordered by similarity.
	matches, err = s.FindSimilar(ctx, query, 5, 0.0)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2 (inactive profile must be excluded): %+v", len(matches), matches)
	}
	if matches[0].ProfileID != alice || matches[1].ProfileID != bob {
		t.Errorf("order = [%s %s], want [alice bob]", matches[0].ProfileID, matches[1].ProfileID)
	}

	matches, err = s.FindSimilar(ctx, query, 1, 0.0)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 1 || matches[0].ProfileID != alice {
		t.Errorf("topK=1: got %+v, want just alice", matches)
	}
}

func TestMemoryStore_RecordSpeech(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8)
	id := newProfile(t, s, "Alice", true)

	for _, d := range []time.Duration{3 * time.Second, 2 * time.Second} {
		if err := s.RecordSpeech(ctx, id, d); err != nil {
			t.Fatalf("RecordSpeech(%v): %v", d, err)
		}
	}

	p, _ := s.GetProfile(ctx, id)
	if p.TotalSpeechTime != 5*time.Second {
		t.Errorf("TotalSpeechTime = %v, want 5s", p.TotalSpeechTime)
	}
	if p.SegmentCount != 2 {
		t.Errorf("SegmentCount = %d, want 2", p.SegmentCount)
	}
}

func TestMemoryStore_MeetingStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(8)
	alice := newProfile(t, s, "Alice", true)
	bob := newProfile(t, s, "Bob", true)

	upsert := func(ms MeetingSpeaker) {
		t.Helper()
		if err := s.UpsertMeetingSpeaker(ctx, ms); err != nil {
			t.Fatalf("UpsertMeetingSpeaker: %v", err)
		}
	}
	upsert(MeetingSpeaker{MeetingID: "standup", ProfileID: alice, SpeakingTime: 30 * time.Second, SegmentCount: 4})
	upsert(MeetingSpeaker{MeetingID: "standup", ProfileID: bob, SpeakingTime: 10 * time.Second, SegmentCount: 2})
	// Second upsert for the same pair replaces the row.
	upsert(MeetingSpeaker{MeetingID: "standup", ProfileID: alice, SpeakingTime: 45 * time.Second, SegmentCount: 6, Verified: true})

	stats, err := s.MeetingStats(ctx, "standup")
	if err != nil {
		t.Fatalf("MeetingStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("got %d rows, want 2", len(stats))
	}
	for _, ms := range stats {
		if ms.ProfileID == alice {
			if ms.SpeakingTime != 45*time.Second || !ms.Verified {
				t.Errorf("alice row not replaced by upsert: %+v", ms)
			}
		}
	}

	stats, err = s.MeetingStats(ctx, "no-such-meeting")
	if err != nil {
		t.Fatalf("MeetingStats(empty): %v", err)
	}
	if len(stats) != 0 {
		t.Errorf("got %d rows for unknown meeting, want 0", len(stats))
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore(8)

	alice := newProfile(t, src, "Alice", true)
	bob := newProfile(t, src, "Bob", true)
	for i, vec := range [][]float32{{1, 0, 0, 0}, {0.9, 0.1, 0, 0}} {
		if err := src.AppendEmbedding(ctx, alice, embedding(vec, 0.5+float32(i)*0.1)); err != nil {
			t.Fatalf("AppendEmbedding: %v", err)
		}
	}
	if err := src.AppendEmbedding(ctx, bob, embedding([]float32{0, 1, 0, 0}, 0.7)); err != nil {
		t.Fatalf("AppendEmbedding: %v", err)
	}

	var buf bytes.Buffer
	if err := Export(ctx, src, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := NewMemoryStore(8)
	if err := Import(ctx, dst, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Import: %v", err)
	}

	srcProfiles, _ := src.ListProfiles(ctx)
	dstProfiles, err := dst.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(dstProfiles) != len(srcProfiles) {
		t.Fatalf("imported %d profiles, want %d", len(dstProfiles), len(srcProfiles))
	}
	for i := range srcProfiles {
		if dstProfiles[i].ID != srcProfiles[i].ID {
			t.Errorf("profile %d: id %s, want %s", i, dstProfiles[i].ID, srcProfiles[i].ID)
		}
		if dstProfiles[i].DisplayName != srcProfiles[i].DisplayName {
			t.Errorf("profile %d: name %q, want %q", i, dstProfiles[i].DisplayName, srcProfiles[i].DisplayName)
		}
	}

	for _, id := range []uuid.UUID{alice, bob} {
		want, _ := src.Embeddings(ctx, id)
		got, err := dst.Embeddings(ctx, id)
		if err != nil {
			t.Fatalf("Embeddings(%s): %v", id, err)
		}
		if len(got) != len(want) {
			t.Errorf("profile %s: %d embeddings, want %d", id, len(got), len(want))
		}
	}
}

func TestImport_Idempotent(t *testing.T) {
	ctx := context.Background()
	src := NewMemoryStore(8)
	id := newProfile(t, src, "Alice", true)
	if err := src.AppendEmbedding(ctx, id, embedding([]float32{1, 0, 0, 0}, 0.8)); err != nil {
		t.Fatalf("AppendEmbedding: %v", err)
	}

	var buf bytes.Buffer
	if err := Export(ctx, src, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	doc := buf.Bytes()

	dst := NewMemoryStore(8)
	for round := 1; round <= 2; round++ {
		if err := Import(ctx, dst, bytes.NewReader(doc)); err != nil {
			t.Fatalf("Import round %d: %v", round, err)
		}
	}

	profiles, _ := dst.ListProfiles(ctx)
	if len(profiles) != 1 {
		t.Fatalf("got %d profiles after double import, want 1", len(profiles))
	}
	embs, _ := dst.Embeddings(ctx, id)
	if len(embs) != 1 {
		t.Errorf("got %d embeddings after double import, want 1", len(embs))
	}
}

func TestImport_RejectsUnknownVersion(t *testing.T) {
	doc := `{"version": 99, "profiles": []}`
	err := Import(context.Background(), NewMemoryStore(8), bytes.NewReader([]byte(doc)))
	if err == nil {
		t.Fatal("Import accepted unsupported version")
	}
}
