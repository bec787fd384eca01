package builder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elskow/binder-build/internal/pipeline/config"
)

// DockerBuilder builds images with a Docker daemon.
type DockerBuilder struct {
	config    *config.BuilderConfig
	logger    *zap.Logger
	dockerCli *client.Client
}

func NewDockerBuilder(cfg *config.BuilderConfig, logger *zap.Logger) (*DockerBuilder, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Docker.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerBuilder{
		config:    cfg,
		logger:    logger,
		dockerCli: cli,
	}, nil
}

func (b *DockerBuilder) Build(ctx context.Context, req *Request) (*Process, error) {
	ws := &Workspace{Dir: req.WorkspaceDir}
	dockerfile, err := ws.EnsureDockerfile(b.config.Dockerfile, b.config.Docker.BuildImage)
	if err != nil {
		return nil, err
	}

	logger := req.Logger
	if logger == nil {
		logger = b.logger
	}

	return NewProcess(ctx, func(ctx context.Context) (string, error) {
		return b.run(ctx, req, dockerfile, logger)
	}), nil
}

func (b *DockerBuilder) run(ctx context.Context, req *Request, dockerfile string, logger *zap.Logger) (string, error) {
	logger.Info("starting docker build",
		zap.String("image", req.ImageRef),
		zap.String("workspace", req.WorkspaceDir))

	buildContext, err := archive.TarWithOptions(req.WorkspaceDir, &archive.TarOptions{
		ExcludePatterns: []string{".git"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := b.dockerCli.ImageBuild(ctx, buildContext, dockertypes.ImageBuildOptions{
		Dockerfile:  dockerfile,
		Tags:        []string{req.ImageRef},
		Remove:      true,
		ForceRemove: true,
		NoCache:     b.config.Docker.NoCache,
		Labels: map[string]string{
			"binder.build.name":    req.Name,
			"binder.build.attempt": req.AttemptID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("docker build failed: %w", err)
	}
	defer resp.Body.Close()

	if err := streamOutput(resp.Body, logger); err != nil {
		return "", fmt.Errorf("docker build failed: %w", err)
	}

	inspect, _, err := b.dockerCli.ImageInspectWithRaw(ctx, req.ImageRef)
	if err != nil {
		return "", fmt.Errorf("built image not found: %w", err)
	}
	logger.Info("docker build finished",
		zap.String("image", req.ImageRef),
		zap.String("id", inspect.ID))

	if b.config.Push {
		if err := b.push(ctx, req.ImageRef, logger); err != nil {
			return "", err
		}
	}
	return req.ImageRef, nil
}

func (b *DockerBuilder) push(ctx context.Context, ref string, logger *zap.Logger) error {
	auth, err := registryAuthFromEnv()
	if err != nil {
		return err
	}

	out, err := b.dockerCli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	defer out.Close()

	if err := streamOutput(out, logger); err != nil {
		return fmt.Errorf("failed to push %s: %w", ref, err)
	}
	return nil
}

func (b *DockerBuilder) Close() error {
	return b.dockerCli.Close()
}

// streamOutput relays the daemon's JSON progress stream to the build log
// and returns the first error message it contains.
func streamOutput(r io.Reader, logger *zap.Logger) error {
	stdLog, err := zap.NewStdLogAt(logger, zapcore.DebugLevel)
	if err != nil {
		return err
	}
	return jsonmessage.DisplayJSONMessagesStream(r, stdLog.Writer(), 0, false, nil)
}

// registryAuthFromEnv reads REGISTRY_USERNAME / REGISTRY_PASSWORD.
func registryAuthFromEnv() (string, error) {
	user := os.Getenv("REGISTRY_USERNAME")
	if user == "" {
		return "", nil
	}
	buf, err := json.Marshal(registry.AuthConfig{
		Username:      user,
		Password:      os.Getenv("REGISTRY_PASSWORD"),
		ServerAddress: os.Getenv("REGISTRY_SERVER"),
	})
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
