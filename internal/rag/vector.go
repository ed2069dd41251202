package rag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"
)

// VectorEntry pairs a chunk identifier with its embedding for index builds.
type VectorEntry struct {
	ChunkID string
	Vector  []float32
}

// Hit is a single nearest-neighbor search result.
type Hit struct {
	ChunkID string
	Score   float64
}

// Generation is one complete, immutable build of the vector index: the
// exact chunk set it contains plus the normalized vectors, searchable
// under cosine similarity via inner product. Exactly one generation is
// current at any instant; superseded generations stay valid for readers
// still holding them and are reclaimed once unreferenced.
type Generation struct {
	number  uint64
	builtAt time.Time
	dim     int
	ids     []string // insertion order
	vecs    [][]float32
}

// BuildGeneration constructs an immutable generation from chunk/vector
// pairs. Vectors are copied and normalized to unit length so cosine
// similarity reduces to an inner product. Entry order is preserved.
func BuildGeneration(number uint64, dim int, entries []VectorEntry) (*Generation, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("generation dimension must be positive, got %d: %w", dim, ErrIndexBuild)
	}

	g := &Generation{
		number:  number,
		builtAt: time.Now(),
		dim:     dim,
		ids:     make([]string, 0, len(entries)),
		vecs:    make([][]float32, 0, len(entries)),
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("chunk %s has dimension %d, index expects %d: %w",
				e.ChunkID, len(e.Vector), dim, ErrIndexBuild)
		}
		if seen[e.ChunkID] {
			return nil, integrityf("duplicate chunk id %s in generation build", e.ChunkID)
		}
		seen[e.ChunkID] = true

		g.ids = append(g.ids, e.ChunkID)
		g.vecs = append(g.vecs, normalize(e.Vector))
	}

	return g, nil
}

// Number returns the monotonically increasing generation number.
func (g *Generation) Number() uint64 { return g.number }

// BuiltAt returns the generation's build timestamp.
func (g *Generation) BuiltAt() time.Time { return g.builtAt }

// Len returns the number of vectors in the generation.
func (g *Generation) Len() int { return len(g.ids) }

// Dim returns the configured vector dimension.
func (g *Generation) Dim() int { return g.dim }

// ChunkIDs returns a copy of the generation's chunk set in insertion order.
func (g *Generation) ChunkIDs() []string {
	return append([]string(nil), g.ids...)
}

// Contains reports whether the chunk identifier is part of this generation.
func (g *Generation) Contains(chunkID string) bool {
	for _, id := range g.ids {
		if id == chunkID {
			return true
		}
	}
	return false
}

// Checksum digests the generation's chunk set, order-independent. Used to
// verify a persisted generation against the metadata store on startup.
func (g *Generation) Checksum() string {
	return chunkSetChecksum(g.ids)
}

// Search returns the min(k, Len) nearest chunks to the query vector,
// ranked by score descending. Ties break by ascending chunk identifier
// so results are deterministic.
func (g *Generation) Search(query []float32, k int) ([]Hit, error) {
	if len(query) != g.dim {
		return nil, fmt.Errorf("query dimension %d, index expects %d: %w", len(query), g.dim, ErrValidation)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d: %w", k, ErrValidation)
	}
	if len(g.ids) == 0 {
		return []Hit{}, nil
	}

	q := normalize(query)
	hits := make([]Hit, len(g.ids))
	for i := range g.vecs {
		hits[i] = Hit{ChunkID: g.ids[i], Score: dot(q, g.vecs[i])}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// exclude returns the generation's entries minus the given chunk ids,
// preserving insertion order. Removal from the index is only achieved by
// building a new generation from the surviving set.
func (g *Generation) exclude(chunkIDs map[string]bool) []VectorEntry {
	entries := make([]VectorEntry, 0, len(g.ids))
	for i, id := range g.ids {
		if chunkIDs[id] {
			continue
		}
		entries = append(entries, VectorEntry{ChunkID: id, Vector: g.vecs[i]})
	}
	return entries
}

// entries returns the generation's full entry list in insertion order.
func (g *Generation) entries() []VectorEntry {
	out := make([]VectorEntry, len(g.ids))
	for i := range g.ids {
		out[i] = VectorEntry{ChunkID: g.ids[i], Vector: g.vecs[i]}
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// normalize returns a unit-length copy of v. Zero vectors pass through
// unchanged; they score zero against everything.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1.0 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// chunkSetChecksum hashes a chunk id set, order-independent.
func chunkSetChecksum(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Generation persistence. Format: magic "PBGEN1", then generation number
// (uint64), dim (uint32), entry count (uint32), then per entry an id
// length prefix, id bytes, and dim float32 values. Little-endian.

var genMagic = []byte("PBGEN1")

// WriteFile persists the generation so it can be served after a restart
// without re-reading every vector from the metadata store.
func (g *Generation) WriteFile(path string) error {
	size := len(genMagic) + 8 + 4 + 4
	for i, id := range g.ids {
		size += 4 + len(id) + 4*len(g.vecs[i])
	}

	buf := make([]byte, 0, size)
	buf = append(buf, genMagic...)
	buf = binary.LittleEndian.AppendUint64(buf, g.number)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(g.dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.ids)))
	for i, id := range g.ids {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(id)))
		buf = append(buf, id...)
		for _, v := range g.vecs[i] {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return fmt.Errorf("failed to write generation file: %w", err)
	}
	// Rename so readers of the path never observe a partial file.
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace generation file: %w", err)
	}
	return nil
}

// ReadGenerationFile restores a persisted generation.
func ReadGenerationFile(path string) (*Generation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	off := 0
	need := func(n int) error {
		if off+n > len(data) {
			return errors.New("truncated generation file")
		}
		return nil
	}

	if err := need(len(genMagic) + 16); err != nil {
		return nil, err
	}
	if string(data[:len(genMagic)]) != string(genMagic) {
		return nil, errors.New("not a generation file")
	}
	off = len(genMagic)

	number := binary.LittleEndian.Uint64(data[off:])
	off += 8
	dim := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	count := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4

	entries := make([]VectorEntry, 0, count)
	for i := 0; i < count; i++ {
		if err := need(4); err != nil {
			return nil, err
		}
		idLen := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if err := need(idLen + 4*dim); err != nil {
			return nil, err
		}
		id := string(data[off : off+idLen])
		off += idLen
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		entries = append(entries, VectorEntry{ChunkID: id, Vector: vec})
	}

	return BuildGeneration(number, dim, entries)
}
