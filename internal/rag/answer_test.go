package rag

import (
	"context"
	"strings"
	"testing"
)

// recordingClient captures the prompt and returns a canned answer.
type recordingClient struct {
	prompt string
	reply  string
}

func (c *recordingClient) Complete(ctx context.Context, prompt string) (string, error) {
	c.prompt = prompt
	return c.reply, nil
}

func TestAnswerer_Ask(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.AddDocument(ctx, "letters.txt", "Letters", "aaaabbbb"); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	client := &recordingClient{reply: "The letters are a and b."}
	answerer := NewAnswerer(m, client, 2)

	answer, err := answerer.Ask(ctx, "aaaa")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Text != "The letters are a and b." {
		t.Errorf("Answer = %q, want the client reply", answer.Text)
	}

	if !strings.Contains(client.prompt, "aaaa") {
		t.Error("Prompt does not contain the retrieved chunk text")
	}
	if !strings.Contains(client.prompt, "Question: aaaa") {
		t.Error("Prompt does not contain the question")
	}

	if len(answer.Sources) != 1 {
		t.Fatalf("Got %d sources, want 1", len(answer.Sources))
	}
	if answer.Sources[0].Title != "Letters" || answer.Sources[0].Filename != "letters.txt" {
		t.Errorf("Source = %+v, want Letters/letters.txt", answer.Sources[0])
	}
	if answer.Sources[0].Score <= 0 {
		t.Errorf("Source score = %f, want positive", answer.Sources[0].Score)
	}
}

func TestAnswerer_EmptyIndex(t *testing.T) {
	m, _ := newTestManager(t)

	client := &recordingClient{reply: "should never be used"}
	answerer := NewAnswerer(m, client, 5)

	answer, err := answerer.Ask(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if client.prompt != "" {
		t.Error("Completion client was called with an empty index")
	}
	if answer.Text == "" {
		t.Error("Expected a fallback answer for an empty index")
	}
	if len(answer.Sources) != 0 {
		t.Errorf("Got %d sources from an empty index, want 0", len(answer.Sources))
	}
}

func TestCollectSources_DedupsPerDocument(t *testing.T) {
	results := []Result{
		{DocumentID: "d1", Title: "A", Filename: "a.txt", Score: 0.4},
		{DocumentID: "d2", Title: "B", Filename: "b.txt", Score: 0.9},
		{DocumentID: "d1", Title: "A", Filename: "a.txt", Score: 0.7},
	}

	sources := collectSources(results)
	if len(sources) != 2 {
		t.Fatalf("Got %d sources, want 2", len(sources))
	}
	if sources[0].DocumentID != "d2" {
		t.Errorf("Best source = %s, want d2", sources[0].DocumentID)
	}
	if sources[1].DocumentID != "d1" || sources[1].Score != 0.7 {
		t.Errorf("Source d1 = %+v, want its best score 0.7", sources[1])
	}
}
