package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config configures the index manager. All knobs are explicit; nothing
// is read from process-global state.
type Config struct {
	// Dimension is the embedding dimension D, fixed for the index lifetime.
	Dimension int

	// Chunking controls document segmentation.
	Chunking ChunkingConfig

	// IndexPath is where the current generation is persisted. Empty
	// disables persistence; the index is rebuilt from the metadata store
	// on startup.
	IndexPath string
}

// Manager orchestrates mutations of the coupled stores: the metadata
// store and the vector index. It owns the atomic swap between index
// generations and enforces the consistency invariant between the two.
//
// Concurrency model: reads load the current generation through an atomic
// pointer and never block. Mutations (add/delete/rebuild/reset) are
// serialized through a single mutex; the expensive work (chunking,
// embedding, index build) runs while holding only that writer mutex,
// which readers never touch.
type Manager struct {
	cfg      Config
	store    *Store
	embedder Embedder
	keyword  *KeywordIndex // optional; nil disables hybrid retrieval

	mu      sync.Mutex // mutation queue: at most one mutation in flight
	current atomic.Pointer[Generation]
	halted  error // set on integrity violation, guarded by mu
}

// NewManager creates the index manager and brings the vector index in
// sync with the metadata store: a persisted generation matching the
// stored chunk set is adopted as-is, anything else triggers a full
// rebuild before the first query is served.
func NewManager(ctx context.Context, cfg Config, store *Store, embedder Embedder, keyword *KeywordIndex) (*Manager, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d: %w", cfg.Dimension, ErrValidation)
	}
	if cfg.Chunking == (ChunkingConfig{}) {
		cfg.Chunking = DefaultChunking
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return nil, err
	}
	if embedder.Dimension() != cfg.Dimension {
		return nil, fmt.Errorf("embedder dimension %d does not match index dimension %d: %w",
			embedder.Dimension(), cfg.Dimension, ErrValidation)
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		keyword:  keyword,
	}

	if err := m.restore(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// restore adopts the persisted generation when it matches the stored
// chunk set, otherwise rebuilds from scratch.
func (m *Manager) restore(ctx context.Context) error {
	meta, err := m.store.LoadIndexMeta(ctx)
	if err != nil {
		return err
	}

	if m.cfg.IndexPath != "" && meta != nil {
		gen, err := ReadGenerationFile(m.cfg.IndexPath)
		switch {
		case err == nil:
			checksum, cerr := m.store.ChunkChecksum(ctx)
			if cerr != nil {
				return cerr
			}
			if gen.Dim() == m.cfg.Dimension && gen.Number() == meta.Generation && gen.Checksum() == checksum {
				m.current.Store(gen)
				log.Printf("📦 Restored index generation %d (%d vectors)", gen.Number(), gen.Len())
				return nil
			}
			log.Printf("⚠️  Persisted generation %d does not match metadata store, rebuilding", gen.Number())
		case os.IsNotExist(err):
			log.Println("⚠️  Persisted generation missing, rebuilding")
		default:
			log.Printf("⚠️  Failed to read persisted generation: %v, rebuilding", err)
		}
	}

	next := uint64(1)
	if meta != nil {
		next = meta.Generation + 1
	}
	return m.rebuildLocked(ctx, next)
}

// CurrentGeneration returns the generation visible to queries. The
// returned generation is immutable; callers may search it at any time,
// even after it has been superseded.
func (m *Manager) CurrentGeneration() *Generation {
	return m.current.Load()
}

// Store returns the underlying metadata store for read access.
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) checkHalted() error {
	if m.halted != nil {
		return fmt.Errorf("mutation queue halted: %w", m.halted)
	}
	return nil
}

// halt records an integrity violation and stops further mutations until
// an operator resets the engine.
func (m *Manager) halt(err error) {
	log.Printf("🛑 Mutation queue halted: %v", err)
	m.halted = err
}

// AddDocument ingests a document: chunk, embed, persist metadata, then
// swap in a generation containing the new vectors. All-or-nothing per
// document: on embedding failure the document is recorded as failed and
// no chunks or vectors are added. Sibling documents are unaffected.
func (m *Manager) AddDocument(ctx context.Context, filename, title, text string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := &Document{
		Filename:  filename,
		Title:     title,
		SizeBytes: int64(len(text)),
	}
	if doc.Title == "" {
		doc.Title = TitleFromFilename(filename)
	}
	if err := m.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, ErrIntegrity) {
			m.halt(err)
		}
		return nil, err
	}

	segments := SplitText(text, m.cfg.Chunking)
	if len(segments) == 0 {
		// Nothing to index; the document itself is still tracked.
		if err := m.store.MarkProcessed(ctx, doc.ID); err != nil {
			return nil, err
		}
		doc.Status = StatusProcessed
		return doc, nil
	}

	vectors, err := m.embedder.EmbedBatch(ctx, segments)
	if err != nil {
		err = fmt.Errorf("embedding failed for %s: %w", filename, err)
		m.failDocument(ctx, doc, err)
		return doc, err
	}
	if len(vectors) != len(segments) {
		err = fmt.Errorf("embedder returned %d vectors for %d segments: %w", len(vectors), len(segments), ErrEmbeddingUnavailable)
		m.failDocument(ctx, doc, err)
		return doc, err
	}
	for i, vec := range vectors {
		if len(vec) != m.cfg.Dimension {
			err = fmt.Errorf("segment %d embedded with dimension %d, index expects %d: %w",
				i, len(vec), m.cfg.Dimension, ErrValidation)
			m.failDocument(ctx, doc, err)
			return doc, err
		}
	}

	chunks := make([]Chunk, len(segments))
	for i := range segments {
		chunks[i] = Chunk{
			DocumentID: doc.ID,
			Position:   i,
			Text:       segments[i],
			Vector:     vectors[i],
		}
	}

	ids, err := m.store.CreateChunks(ctx, doc.ID, chunks)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			m.halt(err)
			return nil, err
		}
		m.failDocument(ctx, doc, err)
		return doc, err
	}

	current := m.current.Load()
	entries := current.entries()
	for i := range chunks {
		entries = append(entries, VectorEntry{ChunkID: ids[i], Vector: chunks[i].Vector})
	}

	gen, err := m.buildAndPersist(ctx, current.Number()+1, entries)
	if err != nil {
		// Unwind the chunk writes so no vector-less chunks linger.
		if derr := m.store.DeleteChunksByDocument(ctx, doc.ID); derr != nil {
			log.Printf("⚠️  Failed to unwind chunks for %s: %v", doc.ID, derr)
		}
		m.failDocument(ctx, doc, err)
		return doc, err
	}

	m.current.Store(gen)

	if m.keyword != nil {
		for i := range chunks {
			chunks[i].ChunkID = ids[i]
		}
		if err := m.keyword.IndexChunks(chunks); err != nil {
			log.Printf("⚠️  Failed to index chunks for keyword search: %v", err)
		}
	}

	if err := m.store.MarkProcessed(ctx, doc.ID); err != nil {
		return doc, err
	}
	doc.Status = StatusProcessed

	log.Printf("✅ Indexed %s (%d chunks, generation %d)", filename, len(chunks), gen.Number())
	return doc, nil
}

func (m *Manager) failDocument(ctx context.Context, doc *Document, cause error) {
	doc.Status = StatusFailed
	doc.FailReason = cause.Error()
	if err := m.store.MarkFailed(ctx, doc.ID, cause.Error()); err != nil {
		log.Printf("⚠️  Failed to mark document %s as failed: %v", doc.ID, err)
	}
}

// DeleteDocument removes a document and its vectors. A new generation is
// built from the surviving chunk set and swapped in before the metadata
// is deleted, so a crash in between leaves the old, still-consistent
// state rather than a vector-less document.
func (m *Manager) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkHalted(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := m.store.GetDocument(ctx, docID); err != nil {
		return err
	}
	chunks, err := m.store.GetChunksByDocument(ctx, docID)
	if err != nil {
		return err
	}

	doomed := make(map[string]bool, len(chunks))
	chunkIDs := make([]string, len(chunks))
	for i := range chunks {
		doomed[chunks[i].ChunkID] = true
		chunkIDs[i] = chunks[i].ChunkID
	}

	current := m.current.Load()
	gen, err := m.buildAndPersist(ctx, current.Number()+1, current.exclude(doomed))
	if err != nil {
		return err
	}

	m.current.Store(gen)

	if err := m.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	if m.keyword != nil {
		if err := m.keyword.DeleteChunks(chunkIDs); err != nil {
			log.Printf("⚠️  Failed to delete chunks from keyword index: %v", err)
		}
	}

	log.Printf("🗑️  Deleted document %s (%d chunks, generation %d)", docID, len(chunks), gen.Number())
	return nil
}

// Rebuild unconditionally rebuilds the index from the entire stored
// chunk set. Used for recovery; a failure leaves the current generation
// untouched and is never retried here.
func (m *Manager) Rebuild(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkHalted(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	current := m.current.Load()
	return m.rebuildLocked(ctx, current.Number()+1)
}

// rebuildLocked builds a generation from the full metadata store chunk
// set and swaps it in. Callers hold the mutation mutex (or are the sole
// owner during construction).
func (m *Manager) rebuildLocked(ctx context.Context, number uint64) error {
	chunks, err := m.store.AllChunks(ctx)
	if err != nil {
		return err
	}

	entries := make([]VectorEntry, len(chunks))
	for i := range chunks {
		entries[i] = VectorEntry{ChunkID: chunks[i].ChunkID, Vector: chunks[i].Vector}
	}

	gen, err := m.buildAndPersist(ctx, number, entries)
	if err != nil {
		return err
	}

	m.current.Store(gen)

	if m.keyword != nil {
		if err := m.keyword.Rebuild(chunks); err != nil {
			log.Printf("⚠️  Failed to rebuild keyword index: %v", err)
		}
	}

	log.Printf("🔨 Rebuilt index: generation %d, %d vectors", gen.Number(), gen.Len())
	return nil
}

// Reset deletes all documents and chunks and swaps in an empty
// generation. Irreversible; confirmation belongs to the caller's
// boundary. Reset counts as operator intervention and clears a halted
// mutation queue.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.store.DeleteAll(ctx); err != nil {
		return err
	}

	current := m.current.Load()
	next := uint64(1)
	if current != nil {
		next = current.Number() + 1
	}
	gen, err := m.buildAndPersist(ctx, next, nil)
	if err != nil {
		return err
	}
	m.current.Store(gen)

	if m.keyword != nil {
		if err := m.keyword.Rebuild(nil); err != nil {
			log.Printf("⚠️  Failed to reset keyword index: %v", err)
		}
	}

	m.halted = nil
	log.Printf("♻️  Reset complete (generation %d)", gen.Number())
	return nil
}

// buildAndPersist constructs a candidate generation and persists it.
// Nothing becomes visible to readers until the caller swaps the pointer;
// a failure or cancellation here discards only candidate work.
func (m *Manager) buildAndPersist(ctx context.Context, number uint64, entries []VectorEntry) (*Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gen, err := BuildGeneration(number, m.cfg.Dimension, entries)
	if err != nil {
		if errors.Is(err, ErrIntegrity) {
			m.halt(err)
			return nil, err
		}
		return nil, fmt.Errorf("generation %d: %v: %w", number, err, ErrIndexBuild)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.cfg.IndexPath != "" {
		if err := gen.WriteFile(m.cfg.IndexPath); err != nil {
			return nil, fmt.Errorf("generation %d: %v: %w", number, err, ErrIndexBuild)
		}
	}
	meta := IndexMeta{
		Generation: gen.Number(),
		ChunkCount: gen.Len(),
		Checksum:   gen.Checksum(),
		BuiltAt:    time.Now().Unix(),
	}
	if err := m.store.SaveIndexMeta(ctx, meta); err != nil {
		return nil, fmt.Errorf("generation %d: %v: %w", number, err, ErrIndexBuild)
	}

	return gen, nil
}

// Stats reports document, chunk, and vector counts plus the index shape.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	docs, chunks, err := m.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}

	gen := m.current.Load()
	return Stats{
		Documents:  docs,
		Chunks:     chunks,
		Vectors:    gen.Len(),
		Dimension:  gen.Dim(),
		Generation: gen.Number(),
	}, nil
}
