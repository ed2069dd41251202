package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Result is a retrieved chunk enriched with its document metadata.
type Result struct {
	ChunkID    string
	DocumentID string
	Title      string
	Filename   string
	Position   int
	Page       int
	Text       string
	Score      float64
}

// rrfOffset dampens the contribution of lower-ranked hits when fusing
// vector and keyword rankings.
const rrfOffset = 60

// Query embeds the text and returns the top k chunks by cosine
// similarity against the current generation, enriched with document
// metadata. Results are ordered by score descending with chunk id as
// the deterministic tie-break. An empty index yields an empty slice.
func (m *Manager) Query(ctx context.Context, text string, k int) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query text is empty: %w", ErrValidation)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, ErrValidation)
	}

	gen := m.current.Load()
	if gen.Len() == 0 {
		return []Result{}, nil
	}

	vectors, err := m.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	hits, err := gen.Search(vectors[0], k)
	if err != nil {
		return nil, err
	}
	return m.resolveHits(ctx, hits)
}

// HybridQuery fuses vector similarity with BM25 keyword relevance using
// reciprocal rank fusion. Falls back to Query when no keyword index is
// configured.
func (m *Manager) HybridQuery(ctx context.Context, text string, k int) ([]Result, error) {
	if m.keyword == nil {
		return m.Query(ctx, text, k)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query text is empty: %w", ErrValidation)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, ErrValidation)
	}

	gen := m.current.Load()
	if gen.Len() == 0 {
		return []Result{}, nil
	}

	vectors, err := m.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	// Pull a wider candidate set from each ranking before fusing.
	vecHits, err := gen.Search(vectors[0], k*2)
	if err != nil {
		return nil, err
	}
	kwHits, err := m.keyword.Search(text, k*2)
	if err != nil {
		// Keyword search is supplemental; degrade to the vector ranking.
		kwHits = nil
	}

	fused := make(map[string]float64)
	for rank, hit := range vecHits {
		fused[hit.ChunkID] += 1.0 / float64(rrfOffset+rank+1)
	}
	for rank, hit := range kwHits {
		// The keyword index can lag a mutation; only fuse chunks the
		// current generation actually holds.
		if !gen.Contains(hit.ChunkID) {
			continue
		}
		fused[hit.ChunkID] += 1.0 / float64(rrfOffset+rank+1)
	}

	hits := make([]Hit, 0, len(fused))
	for id, score := range fused {
		hits = append(hits, Hit{ChunkID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return m.resolveHits(ctx, hits)
}

// resolveHits joins index hits with chunk and document metadata,
// preserving the ranking order. Hits whose chunks vanished between the
// index read and the store read are dropped rather than surfaced as
// errors.
func (m *Manager) resolveHits(ctx context.Context, hits []Hit) ([]Result, error) {
	ids := make([]string, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ChunkID
	}

	chunks, err := m.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Chunk, len(chunks))
	for i := range chunks {
		byID[chunks[i].ChunkID] = &chunks[i]
	}

	docs := make(map[string]*Document)
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := byID[hit.ChunkID]
		if !ok {
			continue
		}
		doc, ok := docs[chunk.DocumentID]
		if !ok {
			doc, err = m.store.GetDocument(ctx, chunk.DocumentID)
			if err != nil {
				continue
			}
			docs[chunk.DocumentID] = doc
		}
		results = append(results, Result{
			ChunkID:    chunk.ChunkID,
			DocumentID: chunk.DocumentID,
			Title:      doc.Title,
			Filename:   doc.Filename,
			Position:   chunk.Position,
			Page:       chunk.Page,
			Text:       chunk.Text,
			Score:      hit.Score,
		})
	}
	return results, nil
}
