package builder

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/pipeline/config"
)

func NewImageBuilder(cfg *config.BuilderConfig, logger *zap.Logger) (ImageBuilder, error) {
	switch cfg.Platform {
	case config.PlatformDocker, "":
		b, err := NewDockerBuilder(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker builder: %w", err)
		}
		return b, nil
	case config.PlatformKubernetes:
		b, err := NewKanikoBuilder(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kaniko builder: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported build platform: %s", cfg.Platform)
	}
}
