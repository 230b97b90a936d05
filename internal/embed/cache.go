package embed

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// cache maps audio window content hashes to embeddings with FIFO eviction.
// Exact-content keying means any byte difference misses; that is intentional,
// the cache only exists to absorb re-processing of identical windows (second
// pass spans, merged segments).
type cache struct {
	max     int
	entries map[[32]byte]SpeakerEmbedding
	order   [][32]byte
	hits    uint64
	misses  uint64
}

func newCache(max int) *cache {
	return &cache{
		max:     max,
		entries: make(map[[32]byte]SpeakerEmbedding, max),
	}
}

func hashWindow(window []float32) [32]byte {
	h := sha256.New()
	var buf [4]byte
	for _, v := range window {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (c *cache) get(window []float32) (SpeakerEmbedding, bool) {
	emb, ok := c.entries[hashWindow(window)]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return emb, ok
}

func (c *cache) put(window []float32, emb SpeakerEmbedding) {
	key := hashWindow(window)
	if _, exists := c.entries[key]; exists {
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = emb
	c.order = append(c.order, key)
}

func (c *cache) hitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
