package source

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/config"
)

// Handler knows how to recognise, name and fetch one kind of source reference.
type Handler interface {
	Kind() string
	CanHandle(reference string) bool
	CanonicalName(reference string) (string, error)
	DisplayName(reference string) string
	// Fetch writes the referenced content into targetDir, replacing
	// whatever targetDir held before.
	Fetch(ctx context.Context, reference, targetDir string) error
}

// Resolver picks the first registered handler that claims a reference.
type Resolver struct {
	handlers []Handler
	logger   *zap.Logger
}

func NewResolver(logger *zap.Logger, handlers ...Handler) *Resolver {
	return &Resolver{
		handlers: handlers,
		logger:   logger,
	}
}

// NewDefaultResolver registers the built-in handlers in resolution order.
func NewDefaultResolver(cfg *config.SourcesConfig, logger *zap.Logger) *Resolver {
	handlers := []Handler{NewGitHubHandler(&cfg.GitHub, logger)}
	if cfg.Git.Enabled {
		handlers = append(handlers, NewGitHandler(&cfg.Git, logger))
	}
	if cfg.Local.Enabled {
		handlers = append(handlers, NewLocalHandler(logger))
	}
	return NewResolver(logger, handlers...)
}

func (r *Resolver) Resolve(reference string) (Handler, error) {
	reference = strings.TrimSpace(reference)
	for _, h := range r.handlers {
		if h.CanHandle(reference) {
			return h, nil
		}
	}
	return nil, builderrors.New(builderrors.CodeUnsupportedSource, reference)
}

func (r *Resolver) CanonicalName(reference string) (string, error) {
	h, err := r.Resolve(reference)
	if err != nil {
		return "", err
	}
	name, err := h.CanonicalName(strings.TrimSpace(reference))
	if err != nil {
		return "", builderrors.Wrap(builderrors.CodeUnsupportedSource, err, reference)
	}
	if name == "" {
		return "", builderrors.New(builderrors.CodeUnsupportedSource, reference)
	}
	return name, nil
}

func (r *Resolver) DisplayName(reference string) (string, error) {
	h, err := r.Resolve(reference)
	if err != nil {
		return "", err
	}
	return h.DisplayName(strings.TrimSpace(reference)), nil
}

func (r *Resolver) Fetch(ctx context.Context, reference, targetDir string) error {
	h, err := r.Resolve(reference)
	if err != nil {
		return err
	}

	r.logger.Info("fetching source",
		zap.String("kind", h.Kind()),
		zap.String("reference", reference),
		zap.String("dir", targetDir))

	if err := h.Fetch(ctx, strings.TrimSpace(reference), targetDir); err != nil {
		if builderrors.CodeOf(err) == builderrors.CodeFetch {
			return err
		}
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}
	return nil
}

// Kinds lists the registered handler kinds in resolution order.
func (r *Resolver) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for _, h := range r.handlers {
		kinds = append(kinds, h.Kind())
	}
	return kinds
}

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	repeatedDashes   = regexp.MustCompile(`-{2,}`)
)

// sanitize lowercases s and reduces it to characters valid in image and
// object names.
func sanitize(s string) string {
	s = strings.ToLower(s)
	s = invalidNameChars.ReplaceAllString(s, "-")
	s = repeatedDashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-.")
}

func joinName(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = sanitize(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "-")
}

// resetDir removes dir and recreates it empty.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
