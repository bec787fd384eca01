package source

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
)

// LocalHandler copies a directory on the build host. Intended for
// development and for mounting pre-fetched sources.
type LocalHandler struct {
	logger *zap.Logger
}

func NewLocalHandler(logger *zap.Logger) *LocalHandler {
	return &LocalHandler{logger: logger}
}

func (h *LocalHandler) Kind() string {
	return "local"
}

func (h *LocalHandler) CanHandle(reference string) bool {
	return strings.HasPrefix(reference, "file://")
}

func localPath(reference string) (string, error) {
	u, err := url.Parse(reference)
	if err != nil {
		return "", fmt.Errorf("invalid file reference %q: %w", reference, err)
	}
	p := u.Path
	if p == "" {
		p = u.Opaque
	}
	if p == "" {
		return "", fmt.Errorf("file reference %q has no path", reference)
	}
	return filepath.Clean(filepath.FromSlash(p)), nil
}

// CanonicalName combines the directory's base name with a short hash of the
// full path so equal base names in different places do not collide.
func (h *LocalHandler) CanonicalName(reference string) (string, error) {
	p, err := localPath(reference)
	if err != nil {
		return "", err
	}
	sum := fmt.Sprintf("%016x", xxhash.Sum64String(p))
	return joinName("local", filepath.Base(p), sum[:8]), nil
}

func (h *LocalHandler) DisplayName(reference string) string {
	p, err := localPath(reference)
	if err != nil {
		return reference
	}
	return p
}

func (h *LocalHandler) Fetch(ctx context.Context, reference, targetDir string) error {
	src, err := localPath(reference)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}
	if !info.IsDir() {
		return builderrors.Newf(builderrors.CodeFetch, "%s is not a directory", src)
	}
	if err := resetDir(targetDir); err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err)
	}

	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(targetDir, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
	if err != nil {
		return builderrors.Wrap(builderrors.CodeFetch, err, src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	return writeFile(dst, in, info.Mode().Perm())
}
