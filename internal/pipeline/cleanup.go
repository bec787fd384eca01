package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/config"
	"github.com/elskow/binder-build/internal/store"
)

// ClaimFunc reserves name so no build can start on it. It reports false when
// the name is already in use; otherwise release must be called once the
// caller is done with the workspace.
type ClaimFunc func(name string) (release func(), ok bool)

// CleanupManager removes workspaces of finished builds once they are older
// than a maximum age. Workspaces of active builds are never touched.
type CleanupManager struct {
	config *config.PipelineConfig
	store  store.BuildStore
	claim  ClaimFunc
	logger *zap.Logger
	now    func() time.Time
}

func NewCleanupManager(cfg *config.PipelineConfig, buildStore store.BuildStore, claim ClaimFunc, logger *zap.Logger) *CleanupManager {
	return &CleanupManager{
		config: cfg,
		store:  buildStore,
		claim:  claim,
		logger: logger,
		now:    time.Now,
	}
}

// Run calls CleanupOldBuilds every interval until ctx is done.
func (cm *CleanupManager) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := cm.CleanupOldBuilds(ctx, maxAge)
			if err != nil {
				cm.logger.Warn("workspace cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				cm.logger.Info("removed old workspaces", zap.Int("count", removed))
			}
		}
	}
}

// CleanupOldBuilds removes workspace directories last modified more than
// maxAge ago whose build is finished or unknown. It returns the number of
// directories removed.
func (cm *CleanupManager) CleanupOldBuilds(ctx context.Context, maxAge time.Duration) (int, error) {
	now := cm.now()
	dirs, err := os.ReadDir(cm.config.WorkspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace directory: %w", err)
	}

	removed := 0
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		name := dir.Name()

		info, err := dir.Info()
		if err != nil {
			cm.logger.Warn("failed to get directory info",
				zap.String("dir", name),
				zap.Error(err))
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		ok, err := cm.removeIdle(ctx, name)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	return removed, nil
}

// removeIdle deletes the workspace of name while holding its claim, so a
// build submitted meanwhile either waits for the claim or finds it taken.
func (cm *CleanupManager) removeIdle(ctx context.Context, name string) (bool, error) {
	release, ok := cm.claim(name)
	if !ok {
		return false, nil
	}
	defer release()

	record, err := cm.store.FindByName(ctx, name)
	switch {
	case err == nil && record.Active():
		return false, nil
	case err != nil && builderrors.CodeOf(err) != builderrors.CodeNotFound:
		return false, err
	}

	path := filepath.Join(cm.config.WorkspaceDir, name)
	if err := os.RemoveAll(path); err != nil {
		cm.logger.Error("failed to remove old workspace",
			zap.String("path", path),
			zap.Error(err))
		return false, nil
	}
	return true, nil
}
