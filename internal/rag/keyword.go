package rag

import (
	"fmt"
	"log"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// KeywordHit is a BM25 search result.
type KeywordHit struct {
	ChunkID string
	Score   float64
}

// KeywordIndex provides BM25 keyword search over chunk text. It is a
// supplement to the vector index: hybrid retrieval fuses both rankings.
// Mutations run under the index manager's mutation queue, so the bleve
// index tracks the current generation's chunk set.
type KeywordIndex struct {
	index bleve.Index
	path  string
}

// NewKeywordIndex creates or opens a keyword index at path. A corrupted
// index is deleted and recreated; its content is rebuilt from the
// metadata store on the next full rebuild.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	index, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(path, buildKeywordMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create keyword index: %w", err)
		}
	} else if err != nil {
		log.Printf("⚠️  Keyword index appears corrupted (error: %v), recreating...", err)
		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to remove corrupted keyword index: %w", err)
		}
		index, err = bleve.New(path, buildKeywordMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate keyword index: %w", err)
		}
	}

	return &KeywordIndex{index: index, path: path}, nil
}

func buildKeywordMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	chunkMapping := bleve.NewDocumentMapping()

	chunkIDField := bleve.NewTextFieldMapping()
	chunkIDField.Analyzer = keyword.Name
	chunkIDField.Store = true
	chunkIDField.Index = true
	chunkMapping.AddFieldMappingsAt("chunk_id", chunkIDField)

	docIDField := bleve.NewTextFieldMapping()
	docIDField.Analyzer = keyword.Name
	docIDField.Store = true
	docIDField.Index = true
	chunkMapping.AddFieldMappingsAt("doc_id", docIDField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	textField.Index = true
	chunkMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = chunkMapping
	return indexMapping
}

// IndexChunks adds chunks to the keyword index in one batch.
func (k *KeywordIndex) IndexChunks(chunks []Chunk) error {
	batch := k.index.NewBatch()
	for i := range chunks {
		doc := map[string]interface{}{
			"chunk_id": chunks[i].ChunkID,
			"doc_id":   chunks[i].DocumentID,
			"text":     chunks[i].Text,
		}
		if err := batch.Index(chunks[i].ChunkID, doc); err != nil {
			return fmt.Errorf("failed to batch chunk %s: %w", chunks[i].ChunkID, err)
		}
	}
	return k.index.Batch(batch)
}

// DeleteChunks removes chunks from the keyword index in one batch.
func (k *KeywordIndex) DeleteChunks(chunkIDs []string) error {
	batch := k.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	return k.index.Batch(batch)
}

// Rebuild replaces the index content with exactly the given chunks.
func (k *KeywordIndex) Rebuild(chunks []Chunk) error {
	if err := k.index.Close(); err != nil {
		return fmt.Errorf("failed to close keyword index: %w", err)
	}
	if err := os.RemoveAll(k.path); err != nil {
		return fmt.Errorf("failed to clear keyword index: %w", err)
	}
	index, err := bleve.New(k.path, buildKeywordMapping())
	if err != nil {
		return fmt.Errorf("failed to recreate keyword index: %w", err)
	}
	k.index = index
	return k.IndexChunks(chunks)
}

// Search performs a BM25 match query and returns the top k chunk ids.
func (k *KeywordIndex) Search(query string, max int) ([]KeywordHit, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("text")

	req := bleve.NewSearchRequest(q)
	req.Size = max
	req.Fields = []string{"chunk_id"}

	res, err := k.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}

	hits := make([]KeywordHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, KeywordHit{ChunkID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

// Close closes the keyword index.
func (k *KeywordIndex) Close() error {
	return k.index.Close()
}
