package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// chromemTracer for OpenTelemetry instrumentation.
var chromemTracer = otel.Tracer("recalld.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded vector
// database.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/recalld/vectorstore"
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	// Must match the embedder's output dimension.
	// Default: 384 (all-MiniLM-L6-v2)
	VectorSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/recalld/vectorstore"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemIndex implements the Index interface using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external service, persistence to gob files.
// It is the default backend for single-node deployments.
type ChromemIndex struct {
	db      *chromem.DB
	config  ChromemConfig
	logger  *zap.Logger
	metrics *Metrics

	// collections tracks which collections have been created
	collections sync.Map
}

// NewChromemIndex creates a new ChromemIndex with the given configuration.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	expandedPath, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}

	if err := os.MkdirAll(expandedPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", expandedPath, err)
	}

	db, err := chromem.NewPersistentDB(expandedPath, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	idx := &ChromemIndex{
		db:      db,
		config:  config,
		logger:  logger,
		metrics: NewMetrics(),
	}

	logger.Info("chromem index initialized",
		zap.String("path", expandedPath),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return idx, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbeddingFunc is passed to chromem for collections whose vectors are
// always precomputed. It only fires if a caller queries by text, which
// this index never does.
func noEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("index stores precomputed vectors only")
}

func (x *ChromemIndex) getOrCreateCollection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	collection, err := x.db.GetOrCreateCollection(name, nil, noEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	x.collections.Store(name, true)
	return collection, nil
}

// Upsert stores the vector for a memory id in the owner's collection.
func (x *ChromemIndex) Upsert(ctx context.Context, ownerID string, id int64, vector []float32, metadata map[string]string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()

	start := timeNow()
	var opErr error
	defer func() {
		x.metrics.Record(ctx, "chromem", "upsert", timeNow().Sub(start), opErr)
	}()

	collectionName := CollectionName(ownerID)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int64("memory.id", id),
	)

	if len(vector) == 0 {
		opErr = fmt.Errorf("%w: empty vector", ErrIndexWrite)
		span.SetStatus(codes.Error, opErr.Error())
		return opErr
	}

	collection, err := x.getOrCreateCollection(collectionName)
	if err != nil {
		opErr = err
		span.RecordError(err)
		return err
	}

	doc := chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Metadata:  metadata,
		Embedding: vector,
		Content:   metadata["content"],
	}

	// Concurrency of 1 since the embedding is already computed.
	if err := collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		opErr = fmt.Errorf("%w: %v", ErrIndexWrite, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return opErr
	}

	span.SetStatus(codes.Ok, "success")

	x.logger.Debug("upserted vector",
		zap.String("collection", collectionName),
		zap.Int64("memory_id", id),
	)

	return nil
}

// Query returns up to k matches ordered by ascending distance. A missing
// or empty collection yields an empty result.
func (x *ChromemIndex) Query(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()

	start := timeNow()
	var opErr error
	defer func() {
		x.metrics.Record(ctx, "chromem", "query", timeNow().Sub(start), opErr)
	}()

	collectionName := CollectionName(ownerID)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int("k", k),
	)

	if k <= 0 {
		opErr = fmt.Errorf("k must be positive, got %d", k)
		return nil, opErr
	}
	if len(vector) == 0 {
		opErr = fmt.Errorf("query vector cannot be empty")
		return nil, opErr
	}

	collection := x.db.GetCollection(collectionName, noEmbeddingFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "collection not found")
		return []Match{}, nil
	}

	// chromem requires nResults <= doc count.
	docCount := collection.Count()
	if docCount == 0 {
		return []Match{}, nil
	}
	if k > docCount {
		k = docCount
	}

	results, err := collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		opErr = fmt.Errorf("querying collection %s: %w", collectionName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, opErr
	}

	// chromem returns results by descending similarity, so ascending
	// distance order is preserved.
	matches := make([]Match, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			x.logger.Warn("skipping result with non-numeric id",
				zap.String("collection", collectionName),
				zap.String("id", r.ID),
			)
			continue
		}
		matches = append(matches, Match{ID: id, Distance: 1 - r.Similarity})
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")

	return matches, nil
}

// Delete removes the vector for a memory id. Unknown ids and missing
// collections are not errors.
func (x *ChromemIndex) Delete(ctx context.Context, ownerID string, id int64) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Delete")
	defer span.End()

	start := timeNow()
	var opErr error
	defer func() {
		x.metrics.Record(ctx, "chromem", "delete", timeNow().Sub(start), opErr)
	}()

	collectionName := CollectionName(ownerID)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int64("memory.id", id),
	)

	collection := x.db.GetCollection(collectionName, noEmbeddingFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "collection not found")
		return nil
	}

	if err := collection.Delete(ctx, nil, nil, strconv.FormatInt(id, 10)); err != nil {
		opErr = fmt.Errorf("deleting from collection %s: %w", collectionName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return opErr
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close releases resources. chromem persists on write, so there is
// nothing to flush.
func (x *ChromemIndex) Close() error {
	return nil
}

var _ Index = (*ChromemIndex)(nil)
