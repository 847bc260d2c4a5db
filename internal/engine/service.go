package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/ledger"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// engineTracer for OpenTelemetry instrumentation.
var engineTracer = otel.Tracer("recalld.engine")

// Embedder converts free text into fixed-length vectors. Deterministic
// for identical input within a provider/model version.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds engine tunables.
type Config struct {
	// RetrieveLimit is the default maximum memories per retrieval.
	RetrieveLimit int

	// ContextTurns is how many trailing chat turns form the context
	// query for MemoryContext.
	ContextTurns int

	// ContextMemories is the maximum memories in a memory-context string.
	ContextMemories int

	// DependencyTimeout bounds embedding and vector index calls. On
	// timeout the call is treated as unavailable and the engine falls
	// back to ledger-only ordering.
	DependencyTimeout time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RetrieveLimit == 0 {
		c.RetrieveLimit = 10
	}
	if c.ContextTurns == 0 {
		c.ContextTurns = 3
	}
	if c.ContextMemories == 0 {
		c.ContextMemories = 5
	}
	if c.DependencyTimeout == 0 {
		c.DependencyTimeout = 2 * time.Second
	}
}

// Engine is the persona semantic memory engine. The ledger is the
// source of truth; the embedder and index are best-effort accelerators
// and may be nil, in which case every retrieval uses the ledger
// fallback ordering.
type Engine struct {
	ledger   *ledger.Ledger
	index    vectorstore.Index
	embedder Embedder
	learner  *Learner
	config   Config
	logger   *zap.Logger
	metrics  *Metrics
}

// New creates an Engine. The ledger is required; index and embedder are
// optional (nil degrades retrieval to ledger-only ordering).
func New(l *ledger.Ledger, index vectorstore.Index, embedder Embedder, learner *Learner, config Config, logger *zap.Logger) (*Engine, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if learner == nil {
		learner = NewLearner(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	return &Engine{
		ledger:   l,
		index:    index,
		embedder: embedder,
		learner:  learner,
		config:   config,
		logger:   logger,
		metrics:  NewMetrics(),
	}, nil
}

// vectorPathAvailable reports whether the embedding and index handles
// are both present.
func (e *Engine) vectorPathAvailable() bool {
	return e.embedder != nil && e.index != nil
}

// StoreMemory validates and stores a memory for a persona. The ledger
// write is durable and must succeed; the embedding and index write that
// follow are best-effort and never fail the call.
func (e *Engine) StoreMemory(ctx context.Context, persona PersonaConfig, m ledger.Memory) (ledger.Memory, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.StoreMemory")
	defer span.End()

	if !persona.MemoryEnabled {
		return ledger.Memory{}, ErrMemoryDisabled
	}

	stored, err := e.ledger.Store(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ledger.Memory{}, err
	}

	span.SetAttributes(
		attribute.Int64("memory.id", stored.ID),
		attribute.String("memory.category", stored.Category),
	)

	e.metrics.RecordStored(ctx, "direct")
	e.indexMemory(ctx, stored)

	return stored, nil
}

// indexMemory embeds and upserts a memory into the vector index.
// Failures are logged and counted, never propagated: the ledger row is
// already durable and the index is rebuildable.
func (e *Engine) indexMemory(ctx context.Context, m ledger.Memory) {
	if !e.vectorPathAvailable() {
		e.logger.Debug("vector path unavailable, skipping index write",
			zap.Int64("memory_id", m.ID),
		)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, e.config.DependencyTimeout)
	defer cancel()

	vectors, err := e.embedder.EmbedDocuments(opCtx, []string{m.Content})
	if err != nil || len(vectors) == 0 {
		e.metrics.RecordIndexFailure(ctx, "embed")
		e.logger.Warn("embedding failed, index entry deferred",
			zap.Int64("memory_id", m.ID),
			zap.String("owner_id", m.OwnerID),
			zap.Error(err),
		)
		return
	}

	metadata := map[string]string{
		"owner_id": m.OwnerID,
		"category": m.Category,
		"content":  m.Content,
	}
	if err := e.index.Upsert(opCtx, m.OwnerID, m.ID, vectors[0], metadata); err != nil {
		e.metrics.RecordIndexFailure(ctx, "upsert")
		e.logger.Warn("index write failed, entry deferred",
			zap.Int64("memory_id", m.ID),
			zap.String("owner_id", m.OwnerID),
			zap.Error(err),
		)
	}
}

// Retrieve returns the persona's memories most relevant to the query,
// at most opts.Limit of them. Vector similarity is the primary signal;
// the ledger ordering (importance desc, last accessed desc) is the
// tie-break and the total fallback when the vector path is cold,
// unavailable, or times out. Retrieval never fails because of a
// downstream dependency: the worst case is an empty result.
func (e *Engine) Retrieve(ctx context.Context, persona PersonaConfig, ownerID, query string, opts RetrieveOptions) ([]ledger.Memory, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Retrieve")
	defer span.End()

	span.SetAttributes(attribute.String("owner.id", ownerID))

	if !persona.MemoryEnabled {
		return []ledger.Memory{}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = e.config.RetrieveLimit
	}

	candidates, err := e.ledger.QueryCandidates(ctx, ownerID, opts.Categories, opts.MinImportance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(candidates) == 0 {
		return []ledger.Memory{}, nil
	}

	ranked := e.rank(ctx, ownerID, query, candidates, limit)

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	// The returned set counts as accessed. Touch failures only cost
	// recency accuracy.
	for _, m := range ranked {
		if err := e.ledger.Touch(ctx, m.ID); err != nil {
			e.logger.Warn("touch failed", zap.Int64("memory_id", m.ID), zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(ranked)))
	return ranked, nil
}

// rank orders candidates by vector similarity when possible, falling
// back to the ledger ordering the candidates already carry.
func (e *Engine) rank(ctx context.Context, ownerID, query string, candidates []ledger.Memory, limit int) []ledger.Memory {
	if strings.TrimSpace(query) == "" {
		return candidates
	}
	if !e.vectorPathAvailable() {
		e.metrics.RecordFallback(ctx, "vector_path_unavailable")
		return candidates
	}

	opCtx, cancel := context.WithTimeout(ctx, e.config.DependencyTimeout)
	defer cancel()

	queryVector, err := e.embedder.EmbedQuery(opCtx, query)
	if err != nil {
		e.metrics.RecordFallback(ctx, "embed_failed")
		e.logger.Warn("query embedding failed, using ledger ordering",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return candidates
	}

	k := limit * 2
	if len(candidates) < k {
		k = len(candidates)
	}

	matches, err := e.index.Query(opCtx, ownerID, queryVector, k)
	if err != nil {
		e.metrics.RecordFallback(ctx, "index_query_failed")
		e.logger.Warn("index query failed, using ledger ordering",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return candidates
	}

	// Two-pass merge. First the vector hits in ascending-distance order,
	// skipping ids outside the candidate set (expired or filtered out).
	// Then every remaining candidate in ledger fallback order, so a cold
	// or partially populated index still surfaces fresh memories.
	byID := make(map[int64]ledger.Memory, len(candidates))
	for _, m := range candidates {
		byID[m.ID] = m
	}

	ranked := make([]ledger.Memory, 0, len(candidates))
	seen := make(map[int64]bool, len(matches))
	for _, match := range matches {
		m, inCandidates := byID[match.ID]
		if !inCandidates || seen[match.ID] {
			continue
		}
		ranked = append(ranked, m)
		seen[match.ID] = true
	}
	for _, m := range candidates {
		if !seen[m.ID] {
			ranked = append(ranked, m)
		}
	}

	return ranked
}

// Learn scans chat turns and stores a memory for every user utterance
// the lexical rules classify. Returns the stored memories. Disabled
// learning (or memory) yields an empty result, not an error.
func (e *Engine) Learn(ctx context.Context, persona PersonaConfig, ownerID string, turns []Turn) ([]ledger.Memory, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.Learn")
	defer span.End()

	span.SetAttributes(
		attribute.String("owner.id", ownerID),
		attribute.Int("turns", len(turns)),
	)

	if !persona.MemoryEnabled || !persona.LearningEnabled {
		return []ledger.Memory{}, nil
	}

	var learned []ledger.Memory
	for _, turn := range turns {
		if turn.Role != RoleUser {
			continue
		}
		category, importance, ok := e.learner.Classify(turn.Content)
		if !ok {
			continue
		}

		stored, err := e.ledger.Store(ctx, ledger.Memory{
			OwnerID:    ownerID,
			Category:   category,
			Content:    turn.Content,
			Importance: importance,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		e.metrics.RecordStored(ctx, "learner")
		e.indexMemory(ctx, stored)
		learned = append(learned, stored)
	}

	span.SetAttributes(attribute.Int("learned_count", len(learned)))

	if learned == nil {
		learned = []ledger.Memory{}
	}
	return learned, nil
}

// memoryContextHeader prefixes the formatted memory-context string.
const memoryContextHeader = "RELEVANT MEMORIES:"

// MemoryContext builds the prompt-injection string for a conversation:
// the top-ranked memory contents for the trailing turns, as a numbered
// list under a fixed header. Returns an empty string when the persona
// has no relevant memories (or memory is disabled).
func (e *Engine) MemoryContext(ctx context.Context, persona PersonaConfig, ownerID string, turns []Turn) (string, error) {
	if !persona.MemoryEnabled {
		return "", nil
	}

	start := len(turns) - e.config.ContextTurns
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, e.config.ContextTurns)
	for _, turn := range turns[start:] {
		if strings.TrimSpace(turn.Content) != "" {
			parts = append(parts, turn.Content)
		}
	}
	query := strings.Join(parts, " ")

	memories, err := e.Retrieve(ctx, persona, ownerID, query, RetrieveOptions{Limit: e.config.ContextMemories})
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString(memoryContextHeader)
	for i, m := range memories {
		b.WriteString(fmt.Sprintf("\n%d. %s", i+1, m.Content))
	}
	return b.String(), nil
}

// GetMemory returns a memory by id.
func (e *Engine) GetMemory(ctx context.Context, id int64) (ledger.Memory, error) {
	return e.ledger.Get(ctx, id)
}

// DeleteMemory removes a memory from the ledger and, best-effort, from
// the vector index. Returns false when the id is unknown.
func (e *Engine) DeleteMemory(ctx context.Context, id int64) (bool, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.DeleteMemory")
	defer span.End()

	m, err := e.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrMemoryNotFound) {
			return false, nil
		}
		return false, err
	}

	deleted, err := e.ledger.Delete(ctx, id)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if deleted && e.index != nil {
		opCtx, cancel := context.WithTimeout(ctx, e.config.DependencyTimeout)
		defer cancel()
		if err := e.index.Delete(opCtx, m.OwnerID, id); err != nil {
			e.metrics.RecordIndexFailure(ctx, "delete")
			e.logger.Warn("index delete failed, stale entry remains",
				zap.Int64("memory_id", id),
				zap.String("owner_id", m.OwnerID),
				zap.Error(err),
			)
		}
	}

	return deleted, nil
}

// PurgeExpired removes every memory past its expiry from the ledger and,
// best-effort, from the vector index. The ledger deletion is
// authoritative: an index failure is logged and swallowed, never rolled
// back. Returns the number of memories removed.
func (e *Engine) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := engineTracer.Start(ctx, "Engine.PurgeExpired")
	defer span.End()

	purged, err := e.ledger.PurgeExpired(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	if e.index != nil {
		for _, p := range purged {
			if err := e.index.Delete(ctx, p.OwnerID, p.ID); err != nil {
				e.metrics.RecordIndexFailure(ctx, "delete")
				e.logger.Warn("index delete failed for purged memory",
					zap.Int64("memory_id", p.ID),
					zap.String("owner_id", p.OwnerID),
					zap.Error(err),
				)
			}
		}
	}

	e.metrics.RecordPurged(ctx, len(purged))
	span.SetAttributes(attribute.Int("purged_count", len(purged)))

	return len(purged), nil
}
