package rag

import (
	"context"
	"fmt"
	"sort"
)

// CompletionClient generates a completion for a fully assembled prompt.
// Implementations live in internal/providers; the engine itself never
// talks to a model API directly.
type CompletionClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Source attributes an answer to a document, carrying the best
// similarity score among that document's retrieved chunks.
type Source struct {
	DocumentID string
	Title      string
	Filename   string
	Score      float64
}

// Answer is a generated response plus the documents it drew from.
type Answer struct {
	Text    string
	Sources []Source
}

// Answerer answers questions over the indexed corpus: retrieve, assemble
// context, complete.
type Answerer struct {
	manager *Manager
	client  CompletionClient
	topK    int
}

// NewAnswerer wires retrieval to a completion client. topK controls how
// many chunks feed the context; values below 1 fall back to 5.
func NewAnswerer(manager *Manager, client CompletionClient, topK int) *Answerer {
	if topK < 1 {
		topK = 5
	}
	return &Answerer{manager: manager, client: client, topK: topK}
}

// Ask retrieves the most relevant chunks for the question and asks the
// completion client for an answer grounded in them. With an empty index
// it answers without calling the model.
func (a *Answerer) Ask(ctx context.Context, question string) (*Answer, error) {
	results, err := a.manager.HybridQuery(ctx, question, a.topK)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &Answer{Text: "I don't have any documents to answer from yet."}, nil
	}

	prompt := BuildPrompt(AssembleContext(results), question)
	text, err := a.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	return &Answer{Text: text, Sources: collectSources(results)}, nil
}

// collectSources dedups results per document, keeping each document's
// best score, ordered best-first.
func collectSources(results []Result) []Source {
	best := make(map[string]Source)
	for _, r := range results {
		if s, ok := best[r.DocumentID]; !ok || r.Score > s.Score {
			best[r.DocumentID] = Source{
				DocumentID: r.DocumentID,
				Title:      r.Title,
				Filename:   r.Filename,
				Score:      r.Score,
			}
		}
	}

	sources := make([]Source, 0, len(best))
	for _, s := range best {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].Score != sources[j].Score {
			return sources[i].Score > sources[j].Score
		}
		return sources[i].DocumentID < sources[j].DocumentID
	})
	return sources
}
