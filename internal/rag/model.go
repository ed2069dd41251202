package rag

import (
	"path/filepath"
	"strings"
)

// DocumentStatus represents the processing state of a document.
type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"   // Uploaded, not yet embedded
	StatusProcessed DocumentStatus = "processed" // Chunks embedded and indexed
	StatusFailed    DocumentStatus = "failed"    // Ingestion failed
)

// Document represents a source document tracked by the metadata store.
// Status transitions are owned by the ingestion pipeline; deleting a
// document cascades to all of its chunks.
type Document struct {
	ID         string
	Filename   string
	Title      string
	UploadedAt int64 // Unix timestamp
	SizeBytes  int64
	Status     DocumentStatus
	FailReason string // Error message when Status is failed
}

// Chunk is the unit of retrieval: a bounded segment of a document's text
// plus its embedding. Chunks are immutable after creation; re-embedding
// means deleting and recreating the chunk under a fresh identifier.
type Chunk struct {
	ChunkID    string
	DocumentID string
	Position   int // 0-based order within the document, defines citation order
	Page       int // Source page, 0 when unknown
	Text       string
	Vector     []float32 // Unit-normalized, dimension fixed by the index config
}

// TitleFromFilename derives a human-readable title from a file name:
// extension stripped, separators replaced with spaces, words capitalized.
func TitleFromFilename(filename string) string {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("_", " ", "-", " ").Replace(base)

	words := strings.Fields(base)
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	if len(words) == 0 {
		return base
	}
	return strings.Join(words, " ")
}

// Stats describes the engine's current state as seen by callers.
type Stats struct {
	Documents  int
	Chunks     int
	Vectors    int
	Dimension  int
	Generation uint64
}
