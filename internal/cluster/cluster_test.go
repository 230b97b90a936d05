package cluster

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/tessera-audio/tessera/internal/embed"
)

// voice builds a distinctive unit vector for speaker index k with optional
// perturbation eps on a secondary axis.
func voice(k int, eps float32) embed.SpeakerEmbedding {
	v := make([]float32, embed.Dim)
	v[k] = 1
	v[(k+100)%embed.Dim] = eps
	// normalize
	norm := float32(math.Sqrt(float64(1 + eps*eps)))
	for i := range v {
		v[i] /= norm
	}
	return embed.SpeakerEmbedding{Vector: v, Quality: 0.8, ExtractedAt: time.Now()}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"dim mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0},
		{"both empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(float64(got-tt.want)) > 1e-5 {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestAssign_SameVoiceSameSpeaker(t *testing.T) {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})

	first, err := c.Assign(voice(0, 0), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !first.NewSpeaker || first.SpeakerID != "speaker_1" {
		t.Fatalf("first assignment = %+v, want new speaker_1", first)
	}

	second, err := c.Assign(voice(0, 0.1), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if second.NewSpeaker || second.SpeakerID != "speaker_1" {
		t.Fatalf("similar voice = %+v, want existing speaker_1", second)
	}
	if second.Confidence < 0.9 {
		t.Errorf("confidence %f unexpectedly low for near-identical voice", second.Confidence)
	}
}

func TestAssign_DistinctVoicesDistinctSpeakers(t *testing.T) {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})
	for i := 0; i < 3; i++ {
		a, err := c.Assign(voice(i, 0), time.Duration(i)*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !a.NewSpeaker {
			t.Errorf("orthogonal voice %d joined existing cluster %s", i, a.SpeakerID)
		}
	}
	if got := len(c.Speakers()); got != 3 {
		t.Fatalf("expected 3 clusters, got %d", got)
	}
}

func TestAssign_NSpeakersStable(t *testing.T) {
	// 4 distinct voices, 5 utterances each, interleaved. Every utterance of
	// voice k must land in the same cluster.
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})
	assigned := make(map[int]string)
	for round := 0; round < 5; round++ {
		for k := 0; k < 4; k++ {
			a, err := c.Assign(voice(k, float32(round)*0.05), time.Duration(round*4+k)*time.Second)
			if err != nil {
				t.Fatal(err)
			}
			if prev, ok := assigned[k]; ok && prev != a.SpeakerID {
				t.Fatalf("voice %d moved from %s to %s in round %d", k, prev, a.SpeakerID, round)
			}
			assigned[k] = a.SpeakerID
		}
	}
	if got := len(c.Speakers()); got != 4 {
		t.Fatalf("expected 4 clusters, got %d", got)
	}
}

func TestAssign_MaxSpeakersBound(t *testing.T) {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 2})

	if _, err := c.Assign(voice(0, 0), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Assign(voice(1, 0), time.Second); err != nil {
		t.Fatal(err)
	}
	// Third distinct voice: bound reached, forced nearest, low confidence.
	a, err := c.Assign(voice(2, 0), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if a.NewSpeaker {
		t.Error("speaker bound exceeded")
	}
	if !a.LowConfidence {
		t.Error("forced assignment should be flagged low confidence")
	}
	if len(c.Speakers()) != 2 {
		t.Errorf("cluster count = %d, want 2", len(c.Speakers()))
	}
}

func TestAssign_AdaptiveThreshold(t *testing.T) {
	// A borderline match (sim ≈ 0.72 against base threshold 0.7) should be
	// accepted for a high-quality embedding and rejected for a low-quality
	// one under adaptive clustering.
	base := voice(0, 0)

	borderline := func(quality float32) embed.SpeakerEmbedding {
		// Mix base direction with an orthogonal one to hit ~0.72 cosine.
		v := make([]float32, embed.Dim)
		const mix = 0.72
		other := float32(math.Sqrt(1 - mix*mix))
		v[0] = mix
		v[1] = other
		return embed.SpeakerEmbedding{Vector: v, Quality: quality}
	}

	high := New(Config{Threshold: 0.7, MaxSpeakers: 8, Adaptive: true})
	if _, err := high.Assign(base, 0); err != nil {
		t.Fatal(err)
	}
	a, err := high.Assign(borderline(1.0), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if a.NewSpeaker {
		t.Error("high-quality borderline embedding should join the cluster")
	}

	low := New(Config{Threshold: 0.7, MaxSpeakers: 8, Adaptive: true})
	if _, err := low.Assign(base, 0); err != nil {
		t.Fatal(err)
	}
	b, err := low.Assign(borderline(0.1), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !b.NewSpeaker {
		t.Error("low-quality borderline embedding should not join the cluster")
	}
}

func TestSeed_ReidentifiesKnownSpeaker(t *testing.T) {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})
	profile := voice(0, 0)
	if err := c.Seed("profile-abc", profile.Vector, 0.9); err != nil {
		t.Fatal(err)
	}

	a, err := c.Assign(voice(0, 0.05), 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.SpeakerID != "profile-abc" {
		t.Fatalf("assignment = %s, want seeded profile-abc", a.SpeakerID)
	}
	if a.NewSpeaker {
		t.Error("seeded cluster reported as new speaker")
	}
}

func TestSeed_DimMismatch(t *testing.T) {
	c := New(Config{})
	if err := c.Seed("p", make([]float32, 4), 0.9); err == nil {
		t.Fatal("expected error for wrong seed dimensionality")
	}
}

func TestAssign_DimMismatch(t *testing.T) {
	c := New(Config{})
	_, err := c.Assign(embed.SpeakerEmbedding{Vector: make([]float32, 3)}, 0)
	if err == nil {
		t.Fatal("expected error for wrong embedding dimensionality")
	}
}

func TestCentroidDriftsTowardRecentVoice(t *testing.T) {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})
	if _, err := c.Assign(voice(0, 0), 0); err != nil {
		t.Fatal(err)
	}
	before := c.Centroid("speaker_1")
	if _, err := c.Assign(voice(0, 0.3), time.Second); err != nil {
		t.Fatal(err)
	}
	after := c.Centroid("speaker_1")
	if after[100] <= before[100] {
		t.Error("centroid did not move toward the newer embedding")
	}
}

func TestLastSeen(t *testing.T) {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})
	if _, err := c.Assign(voice(0, 0), 5*time.Second); err != nil {
		t.Fatal(err)
	}
	at, ok := c.LastSeen("speaker_1")
	if !ok || at != 5*time.Second {
		t.Errorf("LastSeen = %v/%v, want 5s/true", at, ok)
	}
	if _, ok := c.LastSeen("speaker_99"); ok {
		t.Error("unknown speaker should not have a LastSeen entry")
	}
}

func ExampleClusterer_Assign() {
	c := New(Config{Threshold: 0.7, MaxSpeakers: 8})
	a, _ := c.Assign(voice(0, 0), 0)
	fmt.Println(a.SpeakerID, a.NewSpeaker)
	// Output: speaker_1 true
}
