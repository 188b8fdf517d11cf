// Package rag defines the retrieval contract behind the internal RAG server:
// an embedder, a vector index, and a retriever that turns matches into source
// attributions for the chat stream.
package rag

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
)

// DefaultLimit is the number of chunks retrieved when the caller does not ask
// for a specific count.
const DefaultLimit = 5

// snippetMaxChars bounds the chunk text carried back to the model and the
// sources event.
const snippetMaxChars = 500

// Embedder turns text into a vector in the resource's embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one indexed chunk returned by a similarity search. Distance is
// cosine distance; lower is closer.
type Match struct {
	ChunkID      string
	ResourceID   string
	ResourceName string
	Content      string
	Distance     float64
}

// Index is a vector store scoped to a set of resources.
type Index interface {
	Search(ctx context.Context, resourceIDs []string, vector []float32, limit int) ([]Match, error)
}

// Source attributes a retrieved chunk to the resource it came from.
// Similarity is 1 minus cosine distance, clamped to [0, 1].
type Source struct {
	ResourceID   string  `json:"resource_id"`
	ResourceName string  `json:"resource_name"`
	Snippet      string  `json:"snippet"`
	Similarity   float64 `json:"similarity"`
}

// Retriever embeds a query and searches the index over the given resources.
type Retriever struct {
	embedder Embedder
	index    Index
	logger   *slog.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRetriever builds a retriever over the given embedder and index.
func NewRetriever(embedder Embedder, index Index, opts ...RetrieverOption) *Retriever {
	r := &Retriever{embedder: embedder, index: index, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "rag")
	return r
}

// Retrieve embeds the query and returns the closest chunks as sources,
// ordered by descending similarity.
func (r *Retriever) Retrieve(ctx context.Context, query string, resourceIDs []string, limit int) ([]Source, error) {
	if query == "" {
		return nil, errors.New("rag: query is empty")
	}
	if len(resourceIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	matches, err := r.index.Search(ctx, resourceIDs, vector, limit)
	if err != nil {
		return nil, err
	}

	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, Source{
			ResourceID:   m.ResourceID,
			ResourceName: m.ResourceName,
			Snippet:      truncate(m.Content, snippetMaxChars),
			Similarity:   similarity(m.Distance),
		})
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Similarity > sources[j].Similarity })
	r.logger.Debug("retrieved chunks", "resources", len(resourceIDs), "matches", len(sources))
	return sources, nil
}

// similarity converts a cosine distance into a [0, 1] score. The conversion
// assumes a cosine index; inner-product backends need their own mapping.
func similarity(distance float64) float64 {
	s := 1 - distance
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// CosineDistance is 1 minus the cosine of the angle between a and b. Vectors
// of mismatched or zero length are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

// Chunk is one embedded document fragment held by the in-memory index.
type Chunk struct {
	ID           string
	ResourceID   string
	ResourceName string
	Content      string
	Vector       []float32
}

// MemoryIndex is a brute-force in-memory Index for tests and dev mode.
type MemoryIndex struct {
	mu     sync.RWMutex
	chunks []Chunk
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Add appends chunks to the index.
func (x *MemoryIndex) Add(chunks ...Chunk) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.chunks = append(x.chunks, chunks...)
}

// RemoveResource drops every chunk belonging to the resource.
func (x *MemoryIndex) RemoveResource(resourceID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	kept := x.chunks[:0]
	for _, c := range x.chunks {
		if c.ResourceID != resourceID {
			kept = append(kept, c)
		}
	}
	x.chunks = kept
}

// Search scans the index and returns the limit closest chunks from the given
// resources, ordered by ascending cosine distance.
func (x *MemoryIndex) Search(ctx context.Context, resourceIDs []string, vector []float32, limit int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(resourceIDs))
	for _, id := range resourceIDs {
		allowed[id] = true
	}

	x.mu.RLock()
	var matches []Match
	for _, c := range x.chunks {
		if !allowed[c.ResourceID] {
			continue
		}
		matches = append(matches, Match{
			ChunkID:      c.ID,
			ResourceID:   c.ResourceID,
			ResourceName: c.ResourceName,
			Content:      c.Content,
			Distance:     CosineDistance(vector, c.Vector),
		})
	}
	x.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
