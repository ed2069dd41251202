package rag

import "fmt"

// ChunkingConfig controls how document text is split into segments.
// Windows are measured in runes so multi-byte text chunks cleanly.
type ChunkingConfig struct {
	Size    int // Runes per segment
	Overlap int // Runes shared between consecutive segments
	MinSize int // Segments shorter than this are dropped, unless alone
}

// DefaultChunking matches the settings the corpus was originally built with.
var DefaultChunking = ChunkingConfig{
	Size:    1000,
	Overlap: 200,
	MinSize: 100,
}

// Validate reports whether the configuration produces a forward-moving
// window. Overlap must leave a positive stride.
func (c ChunkingConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d: %w", c.Size, ErrValidation)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap %d must be in [0, size): %w", c.Overlap, ErrValidation)
	}
	if c.MinSize < 0 {
		return fmt.Errorf("min chunk size must not be negative, got %d: %w", c.MinSize, ErrValidation)
	}
	return nil
}

// SplitText splits text into overlapping fixed-size segments. Segment i
// starts at i*(Size-Overlap) runes into the text. The final segment is
// dropped when shorter than MinSize, unless it is the only segment.
// Pure and deterministic; empty input yields nil.
func SplitText(text string, cfg ChunkingConfig) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	stride := cfg.Size - cfg.Overlap
	var segments []string

	for start := 0; start < len(runes); start += stride {
		end := start + cfg.Size
		if end > len(runes) {
			end = len(runes)
		}

		segments = append(segments, string(runes[start:end]))

		if end == len(runes) {
			break
		}
	}

	// Drop an undersized trailing segment unless it is all we have.
	if len(segments) > 1 {
		last := segments[len(segments)-1]
		if len([]rune(last)) < cfg.MinSize {
			segments = segments[:len(segments)-1]
		}
	}

	return segments
}
