package latentcontext

import (
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// vectorFilter narrows a search to a subset of the cache.
type vectorFilter struct {
	SourceTypes   map[string]bool
	After         *time.Time
	Before        *time.Time
	MinConfidence float64
}

func (f vectorFilter) matches(v vectorRecord) bool {
	if len(f.SourceTypes) > 0 && !f.SourceTypes[v.SourceType] {
		return false
	}
	if f.After != nil && v.CreatedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && v.CreatedAt.After(*f.Before) {
		return false
	}
	if v.Confidence < f.MinConfidence {
		return false
	}
	return true
}

// vectorRecord is the deserialized, in-memory form of a vectors row.
type vectorRecord struct {
	ID             string
	SourceID       string
	SourceType     string
	ContentPreview string
	Embedding      []float32
	Confidence     float64
	CreatedAt      time.Time
	Metadata       string
	seq            int // insertion order, for stable tie-breaking
}

// scoredVector is one search hit.
type scoredVector struct {
	Record     vectorRecord
	Similarity float32
}

// vectorStore handles similarity search: writes pass straight through to the
// durable store and flip a staleness flag; reads rebuild an in-memory
// cache from the durable store on first use after that flag is set.
type vectorStore struct {
	store *durableStore
	emb   *embedder
	log   *zap.SugaredLogger

	mu      sync.RWMutex
	stale   bool
	cache   []vectorRecord
	nextSeq int
}

func newVectorStore(store *durableStore, emb *embedder, log *zap.SugaredLogger) *vectorStore {
	return &vectorStore{store: store, emb: emb, log: log, stale: true}
}

// add embeds and indexes a piece of content, returning the new vector id.
func (vs *vectorStore) add(sourceID, sourceType, content string, confidence float64, metadata string) string {
	vec := vs.emb.embed(content)
	id := uuid.NewString()
	preview := previewOf(content)

	row := &vectorRowData{
		ID:             id,
		SourceID:       sourceID,
		SourceType:     sourceType,
		ContentPreview: preview,
		Embedding:      vecToBytes(vec),
		Dimensions:     len(vec),
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
		Confidence:     confidence,
	}
	vs.store.insertVector(row)
	vs.markStale()
	return id
}

func (vs *vectorStore) delete(id string) {
	vs.store.deleteVector(id)
	vs.markStale()
}

func (vs *vectorStore) deleteBySource(sourceID string) int {
	n := vs.store.deleteVectorsBySource(sourceID)
	if n > 0 {
		vs.markStale()
	}
	return n
}

func (vs *vectorStore) markStale() {
	vs.mu.Lock()
	vs.stale = true
	vs.mu.Unlock()
}

// ensureFresh rebuilds the cache from the durable store if stale.
func (vs *vectorStore) ensureFresh() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if !vs.stale {
		return
	}
	rows := vs.store.allVectors()
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })

	cache := make([]vectorRecord, 0, len(rows))
	for i, r := range rows {
		cache = append(cache, vectorRecord{
			ID:             r.ID,
			SourceID:       r.SourceID,
			SourceType:     r.SourceType,
			ContentPreview: r.ContentPreview,
			Embedding:      bytesToVec(r.Embedding),
			Confidence:     r.Confidence,
			CreatedAt:      r.CreatedAt,
			Metadata:       r.Metadata,
			seq:            i,
		})
	}
	vs.cache = cache
	vs.nextSeq = len(cache)
	vs.stale = false
}

// searchByEmbedding returns the top-k cached records by cosine similarity
// to q, restricted to filter, ties broken by insertion order.
func (vs *vectorStore) searchByEmbedding(q []float32, k int, filter vectorFilter) []scoredVector {
	vs.ensureFresh()

	vs.mu.RLock()
	defer vs.mu.RUnlock()

	matches := make([]scoredVector, 0, len(vs.cache))
	for _, rec := range vs.cache {
		if !filter.matches(rec) {
			continue
		}
		matches = append(matches, scoredVector{Record: rec, Similarity: cosine(q, rec.Embedding)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Record.seq < matches[j].Record.seq
	})

	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// search embeds text and delegates to searchByEmbedding.
func (vs *vectorStore) search(text string, k int, filter vectorFilter) []scoredVector {
	return vs.searchByEmbedding(vs.emb.embed(text), k, filter)
}

func previewOf(content string) string {
	const maxPreview = 200
	r := []rune(content)
	if len(r) <= maxPreview {
		return content
	}
	return string(r[:maxPreview]) + "..."
}

// vecToBytes serializes a float32 vector to little-endian bytes, the
// on-disk layout.
func vecToBytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// bytesToVec is the inverse of vecToBytes.
func bytesToVec(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
