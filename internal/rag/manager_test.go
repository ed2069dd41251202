package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// failEmbedder simulates an unreachable embedding backend.
type failEmbedder struct {
	dim int
}

func (f *failEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("backend refused connection: %w", ErrEmbeddingUnavailable)
}

func (f *failEmbedder) Dimension() int { return f.dim }

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "paperbase-manager-*")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := NewStore(context.Background(), filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		Dimension: 64,
		Chunking:  ChunkingConfig{Size: 4, Overlap: 0, MinSize: 1},
		IndexPath: filepath.Join(dir, "index.bin"),
	}
	m, err := NewManager(context.Background(), cfg, store, NewLocalEmbedder(64), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m, dir
}

func TestManager_AddAndQuery(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.AddDocument(ctx, "letters.txt", "Letters", "aaaabbbb")
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	if doc.Status != StatusProcessed {
		t.Errorf("Status = %s, want %s", doc.Status, StatusProcessed)
	}

	results, err := m.Query(ctx, "aaaa", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Got %d results, want 1", len(results))
	}
	if results[0].Text != "aaaa" {
		t.Errorf("Top result text = %q, want %q", results[0].Text, "aaaa")
	}
	if results[0].Score < 0.999 {
		t.Errorf("Exact-match score = %f, want ~1.0", results[0].Score)
	}
	if results[0].Title != "Letters" || results[0].Filename != "letters.txt" {
		t.Errorf("Result metadata = %s/%s, want Letters/letters.txt", results[0].Title, results[0].Filename)
	}
}

func TestManager_AddThenDeleteRestoresState(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "keep.txt", "Keep", "ccccdddd"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	before, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	doc, err := m.AddDocument(ctx, "victim.txt", "Victim", "aaaabbbb")
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	if err := m.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	after, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if after.Documents != before.Documents || after.Chunks != before.Chunks || after.Vectors != before.Vectors {
		t.Errorf("Stats after add+delete = %+v, want counts of %+v", after, before)
	}
	if after.Generation <= before.Generation {
		t.Errorf("Generation = %d, want > %d", after.Generation, before.Generation)
	}

	// The deleted document's content must be unreachable.
	results, err := m.Query(ctx, "aaaa", 5)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	for _, r := range results {
		if r.DocumentID == doc.ID {
			t.Errorf("Deleted document %s still retrievable", doc.ID)
		}
	}
}

func TestManager_DeleteNonexistent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "a.txt", "A", "aaaabbbb"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	before, _ := m.Stats(ctx)

	err := m.DeleteDocument(ctx, "no-such-document")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteDocument() error = %v, want ErrNotFound", err)
	}

	after, _ := m.Stats(ctx)
	if after != before {
		t.Errorf("Stats changed by failed delete: %+v vs %+v", after, before)
	}
}

func TestManager_EmbedFailureIsolated(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "good.txt", "Good", "ccccdddd"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	before, _ := m.Stats(ctx)

	// Swap in a broken backend for the next ingestion.
	m.embedder = &failEmbedder{dim: 64}
	doc, err := m.AddDocument(ctx, "bad.txt", "Bad", "aaaabbbb")
	if !errors.Is(err, ErrEmbeddingUnavailable) {
		t.Fatalf("AddDocument() error = %v, want ErrEmbeddingUnavailable", err)
	}
	if doc.Status != StatusFailed {
		t.Errorf("Status = %s, want %s", doc.Status, StatusFailed)
	}

	stored, err := m.Store().GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if stored.Status != StatusFailed || stored.FailReason == "" {
		t.Errorf("Stored document = %s/%q, want failed with a reason", stored.Status, stored.FailReason)
	}

	// No chunks or vectors may leak from the failed ingestion.
	after, _ := m.Stats(ctx)
	if after.Chunks != before.Chunks || after.Vectors != before.Vectors {
		t.Errorf("Chunks/vectors = %d/%d, want %d/%d", after.Chunks, after.Vectors, before.Chunks, before.Vectors)
	}

	// The healthy sibling is still retrievable.
	m.embedder = NewLocalEmbedder(64)
	results, err := m.Query(ctx, "cccc", 1)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(results) != 1 || results[0].Filename != "good.txt" {
		t.Errorf("Sibling document not retrievable after failed ingestion")
	}
}

func TestManager_RebuildPreservesResults(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "a.txt", "A", "aaaabbbb"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	if _, err := m.AddDocument(ctx, "b.txt", "B", "ccccdddd"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	before, err := m.Query(ctx, "bbbb", 4)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	gen := m.CurrentGeneration().Number()

	if err := m.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	if m.CurrentGeneration().Number() <= gen {
		t.Errorf("Generation = %d after rebuild, want > %d", m.CurrentGeneration().Number(), gen)
	}

	after, err := m.Query(ctx, "bbbb", 4)
	if err != nil {
		t.Fatalf("Query() after rebuild error = %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("Got %d results after rebuild, want %d", len(after), len(before))
	}
	for i := range before {
		if after[i].ChunkID != before[i].ChunkID {
			t.Errorf("Result[%d] = %s, want %s", i, after[i].ChunkID, before[i].ChunkID)
		}
		if after[i].Score != before[i].Score {
			t.Errorf("Result[%d] score = %f, want %f", i, after[i].Score, before[i].Score)
		}
	}
}

func TestManager_Reset(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "a.txt", "A", "aaaabbbb"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	if err := m.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Documents != 0 || stats.Chunks != 0 || stats.Vectors != 0 {
		t.Errorf("Stats after reset = %+v, want all zero", stats)
	}

	results, err := m.Query(ctx, "aaaa", 5)
	if err != nil {
		t.Fatalf("Query() after reset error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Got %d results after reset, want 0", len(results))
	}
}

func TestManager_RestartAdoptsPersistedIndex(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "a.txt", "A", "aaaabbbb"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	gen := m.CurrentGeneration().Number()

	// Bring up a second manager over the same state, as after a restart.
	store2, err := NewStore(ctx, filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store2.Close()

	cfg := Config{
		Dimension: 64,
		Chunking:  ChunkingConfig{Size: 4, Overlap: 0, MinSize: 1},
		IndexPath: filepath.Join(dir, "index.bin"),
	}
	m2, err := NewManager(ctx, cfg, store2, NewLocalEmbedder(64), nil)
	if err != nil {
		t.Fatalf("NewManager() after restart error = %v", err)
	}

	if m2.CurrentGeneration().Number() != gen {
		t.Errorf("Generation after restart = %d, want %d (adopted, not rebuilt)", m2.CurrentGeneration().Number(), gen)
	}
	results, err := m2.Query(ctx, "aaaa", 1)
	if err != nil {
		t.Fatalf("Query() after restart error = %v", err)
	}
	if len(results) != 1 || results[0].Text != "aaaa" {
		t.Errorf("Retrieval broken after restart: %+v", results)
	}
}

func TestManager_RestartRebuildsOnMismatch(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "a.txt", "A", "aaaabbbb"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	gen := m.CurrentGeneration().Number()

	// Simulate a crash that lost the persisted index file.
	if err := os.Remove(filepath.Join(dir, "index.bin")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	store2, err := NewStore(ctx, filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store2.Close()

	cfg := Config{
		Dimension: 64,
		Chunking:  ChunkingConfig{Size: 4, Overlap: 0, MinSize: 1},
		IndexPath: filepath.Join(dir, "index.bin"),
	}
	m2, err := NewManager(ctx, cfg, store2, NewLocalEmbedder(64), nil)
	if err != nil {
		t.Fatalf("NewManager() after crash error = %v", err)
	}

	if m2.CurrentGeneration().Number() <= gen {
		t.Errorf("Generation after rebuild = %d, want > %d", m2.CurrentGeneration().Number(), gen)
	}
	results, err := m2.Query(ctx, "aaaa", 1)
	if err != nil {
		t.Fatalf("Query() after rebuild error = %v", err)
	}
	if len(results) != 1 || results[0].Text != "aaaa" {
		t.Errorf("Retrieval broken after rebuild: %+v", results)
	}
}

func TestManager_ConcurrentQueriesDuringMutation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "keep.txt", "Keep", "ccccdddd"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	doc, err := m.AddDocument(ctx, "victim.txt", "Victim", "aaaabbbb")
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)

	// Readers must never block on or observe a half-applied mutation:
	// every query resolves against one complete generation.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				results, err := m.Query(ctx, "cccc", 4)
				if err != nil {
					errs <- err
					return
				}
				for _, r := range results {
					if r.Text == "" || r.Title == "" {
						errs <- fmt.Errorf("incomplete result: %+v", r)
						return
					}
				}
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.DeleteDocument(ctx, doc.ID); err != nil {
			errs <- err
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent operation error = %v", err)
	}

	if _, err := m.Store().GetDocument(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Victim document still present after delete: %v", err)
	}
}

func TestManager_AddEmptyDocument(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	doc, err := m.AddDocument(ctx, "empty.txt", "Empty", "")
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	if doc.Status != StatusProcessed {
		t.Errorf("Status = %s, want %s", doc.Status, StatusProcessed)
	}

	stats, _ := m.Stats(ctx)
	if stats.Documents != 1 || stats.Chunks != 0 || stats.Vectors != 0 {
		t.Errorf("Stats = %+v, want 1 document with no chunks", stats)
	}
}

func TestManager_QueryValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Query(ctx, "   ", 5); !errors.Is(err, ErrValidation) {
		t.Errorf("Blank query error = %v, want ErrValidation", err)
	}
	if _, err := m.Query(ctx, "hello", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("k=0 error = %v, want ErrValidation", err)
	}
}
