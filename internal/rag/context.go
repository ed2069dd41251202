package rag

import (
	"fmt"
	"strings"
)

// AssembleContext renders retrieved chunks into the context block fed to
// the completion model. Results are rendered in the order given, each
// labeled with its 1-based rank and source document.
func AssembleContext(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "Document %d (from %s - %s):\n%s\n\n", i+1, r.Title, r.Filename, r.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// BuildPrompt combines the assembled context and the user question into
// the final completion prompt. The instructions pin the model to the
// provided context so answers stay grounded in the indexed documents.
func BuildPrompt(contextBlock, question string) string {
	return fmt.Sprintf(`You are a helpful assistant that answers questions based on the provided documents.

Use the following documents to answer the question. If the answer is not contained in the documents, say so clearly instead of guessing.

%s

Question: %s

Answer:`, contextBlock, question)
}
