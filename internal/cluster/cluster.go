// Package cluster assigns speaker embeddings to speaker identities using
// online centroid clustering.
//
// Embeddings arrive one at a time as segments close; there is no second pass
// over old assignments. A new embedding joins the most similar existing
// cluster when similarity clears the threshold, otherwise it founds a new
// cluster, up to the configured speaker bound.
package cluster

import (
	"fmt"
	"math"
	"time"

	"github.com/tessera-audio/tessera/internal/embed"
)

// Config holds clustering policy.
type Config struct {
	// Threshold is the base cosine similarity for joining a cluster.
	Threshold float32

	// MaxSpeakers bounds the cluster count. Once reached, embeddings are
	// assigned to the nearest cluster regardless of threshold, flagged low
	// confidence.
	MaxSpeakers int

	// Adaptive scales the effective threshold by embedding quality:
	// high-quality embeddings may join on slightly lower similarity,
	// low-quality ones need more.
	Adaptive bool
}

// Assignment is the clusterer's verdict for one embedding.
type Assignment struct {
	// SpeakerID identifies the cluster (e.g. "speaker_1") or, for
	// pre-seeded clusters, the persistent profile id.
	SpeakerID string

	// Confidence is the cosine similarity against the chosen centroid,
	// or 1.0 for the first embedding of a new cluster.
	Confidence float32

	// NewSpeaker is true when this embedding founded the cluster.
	NewSpeaker bool

	// LowConfidence marks forced nearest-cluster assignments made after
	// the speaker bound was reached, and assignments of low-quality
	// embeddings.
	LowConfidence bool
}

type centroid struct {
	id     string
	mean   []float32
	weight float32 // accumulated quality mass
	count  int
	seeded bool // loaded from the speaker store, not created this session
}

// Clusterer is the online speaker clusterer for one session.
// Not safe for concurrent use.
type Clusterer struct {
	cfg       Config
	centroids []*centroid
	nextID    int
	lastSeen  map[string]time.Duration
}

// New returns a clusterer with the given policy.
func New(cfg Config) *Clusterer {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.7
	}
	if cfg.MaxSpeakers <= 0 {
		cfg.MaxSpeakers = 8
	}
	return &Clusterer{cfg: cfg, lastSeen: make(map[string]time.Duration)}
}

// Seed installs a known speaker profile as a pre-existing cluster, typically
// re-identified from the speaker store at session start. The id is kept as-is
// so downstream events carry the persistent identity.
func (c *Clusterer) Seed(id string, vector []float32, quality float32) error {
	if len(vector) != embed.Dim {
		return fmt.Errorf("cluster: seed vector has %d dims, want %d", len(vector), embed.Dim)
	}
	c.centroids = append(c.centroids, &centroid{
		id:     id,
		mean:   append([]float32(nil), vector...),
		weight: quality,
		count:  1,
		seeded: true,
	})
	return nil
}

// Assign places emb into a cluster and returns the verdict. at is the stream
// offset of the segment the embedding came from.
func (c *Clusterer) Assign(emb embed.SpeakerEmbedding, at time.Duration) (Assignment, error) {
	if len(emb.Vector) != embed.Dim {
		return Assignment{}, fmt.Errorf("cluster: embedding has %d dims, want %d", len(emb.Vector), embed.Dim)
	}

	best, bestSim := c.nearest(emb.Vector)
	threshold := c.effectiveThreshold(emb.Quality)

	switch {
	case best != nil && bestSim >= threshold:
		c.update(best, emb)
		c.lastSeen[best.id] = at
		return Assignment{
			SpeakerID:     best.id,
			Confidence:    bestSim,
			LowConfidence: emb.LowQuality(),
		}, nil

	case len(c.centroids) < c.cfg.MaxSpeakers:
		c.nextID++
		id := fmt.Sprintf("speaker_%d", c.nextID)
		c.centroids = append(c.centroids, &centroid{
			id:     id,
			mean:   append([]float32(nil), emb.Vector...),
			weight: weightOf(emb),
			count:  1,
		})
		c.lastSeen[id] = at
		return Assignment{
			SpeakerID:     id,
			Confidence:    1,
			NewSpeaker:    true,
			LowConfidence: emb.LowQuality(),
		}, nil

	default:
		// Speaker bound reached: force the nearest cluster.
		if best == nil {
			return Assignment{}, fmt.Errorf("cluster: no clusters exist at speaker bound")
		}
		c.update(best, emb)
		c.lastSeen[best.id] = at
		return Assignment{
			SpeakerID:     best.id,
			Confidence:    bestSim,
			LowConfidence: true,
		}, nil
	}
}

// Speakers returns the ids of all clusters in creation order.
func (c *Clusterer) Speakers() []string {
	ids := make([]string, len(c.centroids))
	for i, ct := range c.centroids {
		ids[i] = ct.id
	}
	return ids
}

// LastSeen returns the stream offset of the most recent assignment for id.
func (c *Clusterer) LastSeen(id string) (time.Duration, bool) {
	at, ok := c.lastSeen[id]
	return at, ok
}

// Centroid returns the current mean vector for id, or nil when unknown.
// The returned slice is a copy.
func (c *Clusterer) Centroid(id string) []float32 {
	for _, ct := range c.centroids {
		if ct.id == id {
			return append([]float32(nil), ct.mean...)
		}
	}
	return nil
}

func (c *Clusterer) nearest(vec []float32) (*centroid, float32) {
	var best *centroid
	var bestSim float32 = -1
	for _, ct := range c.centroids {
		if sim := CosineSimilarity(vec, ct.mean); sim > bestSim {
			best, bestSim = ct, sim
		}
	}
	return best, bestSim
}

// effectiveThreshold shifts the base threshold by embedding quality when
// adaptive clustering is on. The shift is bounded to ±0.1.
func (c *Clusterer) effectiveThreshold(quality float32) float32 {
	if !c.cfg.Adaptive {
		return c.cfg.Threshold
	}
	// quality 1.0 → -0.1, quality 0.0 → +0.1
	shift := 0.1 - 0.2*quality
	t := c.cfg.Threshold + shift
	if t < 0.5 {
		t = 0.5
	}
	if t > 0.95 {
		t = 0.95
	}
	return t
}

// update folds emb into the centroid as a quality-weighted running mean.
func (c *Clusterer) update(ct *centroid, emb embed.SpeakerEmbedding) {
	w := weightOf(emb)
	total := ct.weight + w
	for i := range ct.mean {
		ct.mean[i] = (ct.mean[i]*ct.weight + emb.Vector[i]*w) / total
	}
	ct.weight = total
	ct.count++
}

// weightOf never lets an embedding carry zero mass.
func weightOf(emb embed.SpeakerEmbedding) float32 {
	if emb.Quality < 0.05 {
		return 0.05
	}
	return emb.Quality
}

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched dimensions or a zero-norm vector yield 0.
func CosineSimilarity(a, b []float32) float32 {
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
