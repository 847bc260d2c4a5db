package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// qdrantTracer for OpenTelemetry instrumentation.
var qdrantTracer = otel.Tracer("recalld.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	// Host is the Qdrant server host. Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port. Default: 6334
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// APIKey is the Qdrant API key (optional).
	APIKey string

	// VectorSize is the embedding dimension for created collections.
	// Default: 384
	VectorSize int

	// MaxRetries is the maximum number of retry attempts for transient
	// failures. Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff between retries.
	// Doubles on each retry (exponential backoff). Default: 100ms
	RetryBackoff time.Duration

	// CircuitBreakerThreshold is the number of consecutive failures
	// before the circuit opens. Default: 5
	CircuitBreakerThreshold int

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 16MB
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError checks if an error is transient (should retry).
// Returns true for network timeouts and temporary unavailability,
// false for invalid config, not found, permission denied.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantIndex is an Index implementation using Qdrant's native gRPC
// client (port 6334, binary protobuf, no HTTP payload limits). Point ids
// are the ledger's numeric memory ids.
type QdrantIndex struct {
	client  *qdrant.Client
	config  QdrantConfig
	logger  *zap.Logger
	metrics *Metrics

	// collections caches which collections are known to exist
	collections sync.Map

	// circuitBreaker tracks consecutive failures
	circuitBreaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantIndex creates a new QdrantIndex, connecting to the server and
// verifying health before returning.
func NewQdrantIndex(config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		fmt.Fprintf(os.Stderr, "WARNING: Qdrant gRPC using plaintext (TLS disabled). Insecure for production.\n")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client:  client,
		config:  config,
		logger:  logger,
		metrics: NewMetrics(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Info("qdrant index initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Bool("tls", config.UseTLS),
		zap.Int("vector_size", config.VectorSize),
	)

	return idx, nil
}

// retryOperation retries an operation with exponential backoff. Only
// transient gRPC errors are retried; permanent errors fail immediately.
func (x *QdrantIndex) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := x.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= x.config.MaxRetries; attempt++ {
		if x.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		lastErr = operation()
		if lastErr == nil {
			x.resetCircuitBreaker()
			return nil
		}

		x.recordFailure()

		if !IsTransientError(lastErr) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, x.config.MaxRetries+1, lastErr)
}

func (x *QdrantIndex) recordFailure() {
	x.circuitBreaker.mu.Lock()
	defer x.circuitBreaker.mu.Unlock()
	x.circuitBreaker.failures++
	x.circuitBreaker.lastFail = time.Now()
}

func (x *QdrantIndex) resetCircuitBreaker() {
	x.circuitBreaker.mu.Lock()
	defer x.circuitBreaker.mu.Unlock()
	x.circuitBreaker.failures = 0
}

func (x *QdrantIndex) isCircuitOpen() bool {
	x.circuitBreaker.mu.Lock()
	defer x.circuitBreaker.mu.Unlock()

	if x.circuitBreaker.failures >= x.config.CircuitBreakerThreshold {
		// Allow retry after 30 seconds
		if time.Since(x.circuitBreaker.lastFail) > 30*time.Second {
			x.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// ensureCollection creates the collection if it does not exist yet.
func (x *QdrantIndex) ensureCollection(ctx context.Context, name string) error {
	if _, ok := x.collections.Load(name); ok {
		return nil
	}

	var exists bool
	err := x.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = x.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}

	if !exists {
		err := x.retryOperation(ctx, "create_collection", func() error {
			return x.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(x.config.VectorSize),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
	}

	x.collections.Store(name, true)
	return nil
}

// Upsert stores the vector for a memory id in the owner's collection.
func (x *QdrantIndex) Upsert(ctx context.Context, ownerID string, id int64, vector []float32, metadata map[string]string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()

	start := timeNow()
	var opErr error
	defer func() {
		x.metrics.Record(ctx, "qdrant", "upsert", timeNow().Sub(start), opErr)
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
	if err := ValidateCollectionName(collectionName); err != nil {
		opErr = err
		return err
	}

	if err := x.ensureCollection(ctx, collectionName); err != nil {
		opErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		payload[k] = qdrant.NewValueString(v)
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(id)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}

	err := x.retryOperation(ctx, "upsert", func() error {
		_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collectionName,
			Points:         []*qdrant.PointStruct{point},
		})
		return err
	})
	if err != nil {
		opErr = fmt.Errorf("%w: %v", ErrIndexWrite, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return opErr
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Query returns up to k matches ordered by ascending distance. A missing
// collection yields an empty result.
func (x *QdrantIndex) Query(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Query")
	defer span.End()

	start := timeNow()
	var opErr error
	defer func() {
		x.metrics.Record(ctx, "qdrant", "query", timeNow().Sub(start), opErr)
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

	if _, ok := x.collections.Load(collectionName); !ok {
		var exists bool
		err := x.retryOperation(ctx, "collection_exists", func() error {
			var err error
			exists, err = x.client.CollectionExists(ctx, collectionName)
			return err
		})
		if err != nil {
			opErr = fmt.Errorf("checking collection %s: %w", collectionName, err)
			span.RecordError(err)
			return nil, opErr
		}
		if !exists {
			span.SetStatus(codes.Ok, "collection not found")
			return []Match{}, nil
		}
		x.collections.Store(collectionName, true)
	}

	var results []*qdrant.ScoredPoint
	err := x.retryOperation(ctx, "query", func() error {
		res, err := x.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collectionName,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		opErr = fmt.Errorf("querying collection %s: %w", collectionName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, opErr
	}

	// Qdrant returns cosine similarity scores by descending order, so
	// ascending distance order is preserved.
	matches := make([]Match, 0, len(results))
	for _, point := range results {
		num, ok := point.Id.GetPointIdOptions().(*qdrant.PointId_Num)
		if !ok {
			x.logger.Warn("skipping result with non-numeric point id",
				zap.String("collection", collectionName),
			)
			continue
		}
		matches = append(matches, Match{ID: int64(num.Num), Distance: 1 - point.Score})
	}

	span.SetAttributes(attribute.Int("results_count", len(matches)))
	span.SetStatus(codes.Ok, "success")

	return matches, nil
}

// Delete removes the vector for a memory id. Unknown ids and missing
// collections are not errors.
func (x *QdrantIndex) Delete(ctx context.Context, ownerID string, id int64) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Delete")
	defer span.End()

	start := timeNow()
	var opErr error
	defer func() {
		x.metrics.Record(ctx, "qdrant", "delete", timeNow().Sub(start), opErr)
	}()

	collectionName := CollectionName(ownerID)
	span.SetAttributes(
		attribute.String("collection", collectionName),
		attribute.Int64("memory.id", id),
	)

	var exists bool
	err := x.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = x.client.CollectionExists(ctx, collectionName)
		return err
	})
	if err != nil {
		opErr = fmt.Errorf("checking collection %s: %w", collectionName, err)
		span.RecordError(err)
		return opErr
	}
	if !exists {
		span.SetStatus(codes.Ok, "collection not found")
		return nil
	}

	err = x.retryOperation(ctx, "delete", func() error {
		_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collectionName,
			Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(uint64(id))),
		})
		return err
	})
	if err != nil {
		opErr = fmt.Errorf("deleting from collection %s: %w", collectionName, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return opErr
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Close closes the Qdrant gRPC connection.
func (x *QdrantIndex) Close() error {
	return x.client.Close()
}

var _ Index = (*QdrantIndex)(nil)
