// Package engine implements the persona semantic memory engine: storing
// classified memories, ranking them against conversational context, and
// expiring them over time.
//
// The engine owns no global state. It is constructed once at process
// startup with its ledger, vector index, and embedding provider handles
// and passed by reference to request handlers.
package engine

import (
	"errors"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single chat message consumed by the learner and the
// memory-context builder.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PersonaConfig carries the persona-level gates the engine honors. It is
// external collaborator data, consumed not owned.
type PersonaConfig struct {
	// MemoryEnabled gates the whole engine. When false, reads return
	// empty results and direct stores are rejected.
	MemoryEnabled bool `json:"memory_enabled"`

	// LearningEnabled gates the conversation learner only.
	LearningEnabled bool `json:"learning_enabled"`
}

// DefaultPersonaConfig returns a persona with memory and learning on.
func DefaultPersonaConfig() PersonaConfig {
	return PersonaConfig{MemoryEnabled: true, LearningEnabled: true}
}

// ErrMemoryDisabled is returned by direct store operations when the
// persona has memory disabled. Read paths return empty results instead.
var ErrMemoryDisabled = errors.New("memory is disabled for this persona")

// RetrieveOptions filter and bound a retrieval call.
type RetrieveOptions struct {
	// Categories restricts results to the given categories. Empty means
	// all categories.
	Categories []string

	// Limit is the maximum number of memories returned. Zero means the
	// engine default.
	Limit int

	// MinImportance excludes memories below this importance.
	MinImportance float64
}
