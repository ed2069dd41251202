package rag

import (
	"errors"
	"fmt"
)

// Error taxonomy for the retrieval engine. Callers classify failures with
// errors.Is; everything else wraps one of these sentinels.
var (
	// ErrNotFound indicates an unknown document or chunk identifier.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity indicates a violated invariant between the metadata
	// store and the vector index. Not retriable; the mutation queue halts
	// until an operator intervenes.
	ErrIntegrity = errors.New("integrity violation")

	// ErrEmbeddingUnavailable indicates the embedding collaborator failed.
	// Recoverable; retry policy belongs to the caller.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrIndexBuild indicates a generation build failed. The previously
	// current generation remains untouched.
	ErrIndexBuild = errors.New("index build failed")

	// ErrValidation indicates bad caller input (non-positive k, empty text).
	ErrValidation = errors.New("validation failed")
)

// notFoundf wraps ErrNotFound with context.
func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// integrityf wraps ErrIntegrity with context.
func integrityf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrIntegrity)...)
}
