package rag

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
)

// Embedder turns text into fixed-dimension vectors. The dimension is
// fixed for the lifetime of an index; all adapters return unit-normalized
// vectors. Failures wrap ErrEmbeddingUnavailable.
type Embedder interface {
	// EmbedBatch embeds texts in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. Setting
// BaseURL to an Ollama server's /v1 endpoint works the same way.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	baseURL   string
	dimension int
	client    *http.Client
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates an embedder against an OpenAI-compatible API.
// Common models: "text-embedding-3-small" (1536 dims),
// "text-embedding-3-large" (3072 dims).
func NewOpenAIEmbedder(apiKey, model, baseURL string, dimension int) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if dimension == 0 {
		dimension = 1536
	}
	return &OpenAIEmbedder{
		apiKey:    apiKey,
		model:     model,
		baseURL:   baseURL,
		dimension: dimension,
		client:    &http.Client{},
	}
}

// EmbedBatch embeds all texts in one API call.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	jsonData, err := json.Marshal(embeddingRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %v: %w", err, ErrEmbeddingUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %v: %w", err, ErrEmbeddingUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API error (status %d): %s: %w", resp.StatusCode, string(body), ErrEmbeddingUnavailable)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %v: %w", err, ErrEmbeddingUnavailable)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs: %w", len(embResp.Data), len(texts), ErrEmbeddingUnavailable)
	}

	vectors := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings API returned out-of-range index %d: %w", data.Index, ErrEmbeddingUnavailable)
		}
		if len(data.Embedding) != e.dimension {
			return nil, fmt.Errorf("embedding dimension %d, expected %d: %w", len(data.Embedding), e.dimension, ErrEmbeddingUnavailable)
		}
		vectors[data.Index] = normalize(data.Embedding)
	}

	return vectors, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// LocalEmbedder is a deterministic, dependency-free embedder: token
// hashes bucketed into a fixed-dimension bag-of-words vector, unit
// normalized. Retrieval quality is crude but the pipeline works fully
// offline, which is what tests and air-gapped setups need.
type LocalEmbedder struct {
	dimension int
}

// NewLocalEmbedder creates a local hash embedder.
func NewLocalEmbedder(dimension int) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 256
	}
	return &LocalEmbedder{dimension: dimension}
}

// EmbedBatch embeds each text independently.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = e.embed(text)
	}
	return vectors, nil
}

func (e *LocalEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dimension)
	start := -1
	bump := func(tok string) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(e.dimension)]++
	}
	for i, r := range text {
		alnum := r == '_' || (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if alnum && start < 0 {
			start = i
		}
		if !alnum && start >= 0 {
			bump(text[start:i])
			start = -1
		}
	}
	if start >= 0 {
		bump(text[start:])
	}
	return normalize(vec)
}

// Dimension returns the embedding dimension.
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

// encodeVector encodes a float32 vector to bytes, little-endian, for BLOB
// storage.
func encodeVector(vector []float32) []byte {
	buf := make([]byte, 0, 4*len(vector))
	for _, v := range vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// decodeVector decodes a BLOB produced by encodeVector.
func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector data length: %d", len(data))
	}
	vector := make([]float32, len(data)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vector, nil
}
