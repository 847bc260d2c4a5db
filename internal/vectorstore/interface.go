// Package vectorstore provides per-owner vector index implementations.
//
// Each owner's memories live in their own collection, named
// persona_memories_<owner>. Implementations store precomputed embedding
// vectors keyed by the ledger's memory id; embedding generation is the
// caller's concern.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidCollectionName indicates an invalid collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates a connection failure to the vector store.
	ErrConnectionFailed = errors.New("connection to vector store failed")

	// ErrIndexWrite indicates a failed index write.
	ErrIndexWrite = errors.New("index write failed")
)

// Match is a single similarity-search hit. Distance is 1 - cosine
// similarity, so lower means more similar.
type Match struct {
	ID       int64
	Distance float32
}

// Index stores and searches embedding vectors per owner.
type Index interface {
	// Upsert stores (or replaces) the vector for a memory id in the
	// owner's collection, creating the collection if needed.
	Upsert(ctx context.Context, ownerID string, id int64, vector []float32, metadata map[string]string) error

	// Query returns up to k matches from the owner's collection, ordered
	// by ascending distance. A missing or empty collection yields an
	// empty result, not an error.
	Query(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error)

	// Delete removes the vector for a memory id. Unknown ids and missing
	// collections are not errors.
	Delete(ctx context.Context, ownerID string, id int64) error

	// Close releases resources held by the index.
	Close() error
}

// collectionNamePattern matches valid collection names.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// collectionPrefix is the per-owner collection name prefix.
const collectionPrefix = "persona_memories_"

// CollectionName returns the collection name for an owner. Owner ids are
// lowercased and characters outside [a-z0-9_] are replaced with '_' so
// the result is a valid collection name for every backend.
func CollectionName(ownerID string) string {
	var b strings.Builder
	b.WriteString(collectionPrefix)
	for _, r := range strings.ToLower(ownerID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// ValidateCollectionName validates a collection name.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}
