package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"go.uber.org/zap"
)

// NewIndex creates an Index based on the configuration.
//
// The factory examines VectorStoreConfig.Provider and creates the
// matching implementation:
//   - "chromem" (default): embedded ChromemIndex, no external services
//   - "qdrant": QdrantIndex, requires a running Qdrant server
func NewIndex(cfg config.VectorStoreConfig, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemIndex(ChromemConfig{
			Path:       cfg.Chromem.Path,
			Compress:   cfg.Chromem.Compress,
			VectorSize: cfg.VectorSize,
		}, logger)

	case "qdrant":
		return NewQdrantIndex(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			VectorSize: cfg.VectorSize,
		}, logger)

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
