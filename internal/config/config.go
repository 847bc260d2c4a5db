// Package config provides configuration loading for recalld.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. Every section carries defaults so a bare `recalld serve`
// starts with an embedded vector store and a local SQLite ledger.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete recalld configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Engine      EngineConfig      `koanf:"engine"`
	Sweeper     SweeperConfig     `koanf:"sweeper"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// LedgerConfig holds the SQLite ledger configuration.
type LedgerConfig struct {
	// Path is the SQLite database file.
	// Default: ~/.local/share/recalld/ledger.db
	Path string `koanf:"path"`
}

// VectorStoreConfig selects and configures the vector index backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string `koanf:"provider"`
	// VectorSize is the embedding dimension. Must match the embedding
	// provider's output dimension. Default: 384 (all-MiniLM-L6-v2).
	VectorSize int `koanf:"vector_size"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: ~/.local/share/recalld/vectorstore
	Path string `koanf:"path"`
	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`
}

// QdrantConfig holds configuration for the Qdrant gRPC index.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is "fastembed" (local ONNX, default) or "tei" (HTTP).
	Provider string `koanf:"provider"`
	// Model is the embedding model name.
	// Default: sentence-transformers/all-MiniLM-L6-v2
	Model string `koanf:"model"`
	// CacheDir is the model cache directory (fastembed only).
	CacheDir string `koanf:"cache_dir"`
	// BaseURL is the TEI endpoint (tei only).
	BaseURL string `koanf:"base_url"`
}

// EngineConfig holds memory engine tunables.
type EngineConfig struct {
	// RetrieveLimit is the default maximum memories per retrieval.
	RetrieveLimit int `koanf:"retrieve_limit"`
	// ContextTurns is how many trailing chat turns form the context query.
	ContextTurns int `koanf:"context_turns"`
	// ContextMemories is the maximum memories in a memory-context string.
	ContextMemories int `koanf:"context_memories"`
	// DependencyTimeout bounds embedding and vector index calls. On
	// timeout the engine falls back to ledger-only ranking.
	DependencyTimeout Duration `koanf:"dependency_timeout"`
	// LearningRules overrides the built-in conversation learner rules.
	// Empty means the defaults (preference, fact, emotion).
	LearningRules []LearningRuleConfig `koanf:"learning_rules"`
}

// LearningRuleConfig is one ordered lexical classification rule.
type LearningRuleConfig struct {
	Category   string   `koanf:"category"`
	Importance float64  `koanf:"importance"`
	Keywords   []string `koanf:"keywords"`
}

// TelemetryConfig holds OpenTelemetry export configuration. Disabled by
// default; spans and metrics then stay no-ops.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
	// Endpoint is the OTLP collector address (host:port).
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol string `koanf:"protocol"`
	// Insecure disables TLS. Only allowed for local endpoints.
	Insecure bool `koanf:"insecure"`
	// SamplingRate is the trace sampling ratio, 0.0 to 1.0.
	SamplingRate float64 `koanf:"sampling_rate"`
	// MetricsInterval is the metric export period.
	MetricsInterval Duration `koanf:"metrics_interval"`
}

// SweeperConfig holds expiry sweeper configuration.
type SweeperConfig struct {
	// Disabled turns off the background sweeper. Expired memories are
	// then only removed via the maintenance API.
	Disabled bool     `koanf:"disabled"`
	Interval Duration `koanf:"interval"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9337
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = "~/.local/share/recalld/ledger.db"
	}

	if c.VectorStore.Provider == "" {
		c.VectorStore.Provider = "chromem"
	}
	if c.VectorStore.VectorSize == 0 {
		c.VectorStore.VectorSize = 384 // all-MiniLM-L6-v2 dimensions
	}
	if c.VectorStore.Chromem.Path == "" {
		c.VectorStore.Chromem.Path = "~/.local/share/recalld/vectorstore"
	}
	if c.VectorStore.Qdrant.Host == "" {
		c.VectorStore.Qdrant.Host = "localhost"
	}
	if c.VectorStore.Qdrant.Port == 0 {
		c.VectorStore.Qdrant.Port = 6334
	}

	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "fastembed"
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "http://localhost:8080"
	}

	if c.Engine.RetrieveLimit == 0 {
		c.Engine.RetrieveLimit = 10
	}
	if c.Engine.ContextTurns == 0 {
		c.Engine.ContextTurns = 3
	}
	if c.Engine.ContextMemories == 0 {
		c.Engine.ContextMemories = 5
	}
	if c.Engine.DependencyTimeout == 0 {
		c.Engine.DependencyTimeout = Duration(2 * time.Second)
	}

	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = Duration(time.Hour)
	}

	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
		c.Telemetry.Insecure = true
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = "grpc"
	}
	if c.Telemetry.SamplingRate == 0 {
		c.Telemetry.SamplingRate = 1.0
	}
	if c.Telemetry.MetricsInterval == 0 {
		c.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vectorstore provider %q (supported: chromem, qdrant)", c.VectorStore.Provider)
	}
	if c.VectorStore.VectorSize <= 0 {
		return fmt.Errorf("vector size must be positive, got %d", c.VectorStore.VectorSize)
	}
	if c.VectorStore.Provider == "qdrant" {
		if c.VectorStore.Qdrant.Port < 1 || c.VectorStore.Qdrant.Port > 65535 {
			return fmt.Errorf("invalid qdrant port: %d", c.VectorStore.Qdrant.Port)
		}
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		return fmt.Errorf("unknown embeddings provider %q (supported: fastembed, tei)", c.Embeddings.Provider)
	}

	if c.Engine.RetrieveLimit < 1 {
		return fmt.Errorf("retrieve limit must be >= 1, got %d", c.Engine.RetrieveLimit)
	}
	if c.Engine.ContextTurns < 1 {
		return fmt.Errorf("context turns must be >= 1, got %d", c.Engine.ContextTurns)
	}
	if c.Engine.DependencyTimeout.Duration() <= 0 {
		return errors.New("dependency timeout must be positive")
	}

	if !c.Sweeper.Disabled && c.Sweeper.Interval.Duration() <= 0 {
		return errors.New("sweeper interval must be positive when sweeper is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry sampling rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
		}
		if c.Telemetry.MetricsInterval.Duration() <= 0 {
			return errors.New("telemetry metrics interval must be positive")
		}
	}

	return nil
}
