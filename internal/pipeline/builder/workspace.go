package builder

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the per-build directory the source is fetched into.
type Workspace struct {
	RootDir string
	Dir     string
}

func NewWorkspace(rootDir, name string) (*Workspace, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid workspace name %q", name)
	}

	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", rootDir, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", root, err)
	}

	return &Workspace{
		RootDir: root,
		Dir:     filepath.Join(root, name),
	}, nil
}

func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.Dir)
}

func (w *Workspace) HasFile(name string) bool {
	info, err := os.Stat(filepath.Join(w.Dir, name))
	return err == nil && !info.IsDir()
}

const generatedDockerfile = `FROM %s
WORKDIR /home/main
COPY . /home/main
EXPOSE 8888
`

// EnsureDockerfile writes a default Dockerfile based on baseImage when the
// workspace does not provide one, and returns the Dockerfile name to use.
func (w *Workspace) EnsureDockerfile(name, baseImage string) (string, error) {
	if name == "" {
		name = "Dockerfile"
	}
	if w.HasFile(name) {
		return name, nil
	}
	if baseImage == "" {
		return "", fmt.Errorf("workspace has no %s and no base image is configured", name)
	}
	content := fmt.Sprintf(generatedDockerfile, baseImage)
	if err := os.WriteFile(filepath.Join(w.Dir, name), []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return name, nil
}
