package spatialcache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewFromType creates a cache for the configured cache type.
func NewFromType(cacheType string, maxEntries int, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cacheType {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_entries", maxEntries))
		return New(maxEntries, log), nil
	case "disabled":
		log.Info("Cache disabled")
		return New(0, log), nil
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: memory, disabled)", cacheType)
	}
}
