package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/elskow/binder-build/internal/config"
)

const testKey = "test-shared-key"

func newTestLogger(t *testing.T) *zap.Logger {
	logger, err := zap.NewDevelopment()
	assert.NoError(t, err)
	return logger
}

func newTestConfig() *config.AuthConfig {
	return &config.AuthConfig{
		APIKey:          testKey,
		TokenExpiration: time.Hour,
	}
}

func newTestService(t *testing.T) *Service {
	return NewService(newTestConfig(), newTestLogger(t))
}

func newTestMiddleware(t *testing.T) *AuthMiddleware {
	return NewAuthMiddleware(newTestService(t), newTestLogger(t))
}
