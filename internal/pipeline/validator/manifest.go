package validator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/elskow/binder-build/internal/pipeline/types"
)

// ManifestFiles are checked in order; the first one present wins.
var ManifestFiles = []string{".binder.yml", ".binder.yaml"}

// Manifest is the optional per-repository build configuration.
type Manifest struct {
	Language string          `yaml:"language"`
	Limits   *types.Limits   `yaml:"limits"`
	Services []types.Service `yaml:"services"`
	Command  CommandLine     `yaml:"command"`
	Port     int             `yaml:"port"`
}

// CommandLine accepts either a YAML list or a single shell-style string.
type CommandLine []string

func (c *CommandLine) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*c = items
		return nil
	default:
		return fmt.Errorf("line %d: command must be a string or a list of strings", node.Line)
	}
}

type WorkspaceValidator struct {
	maxManifestSize int64
}

func NewWorkspaceValidator() *WorkspaceValidator {
	return &WorkspaceValidator{maxManifestSize: 64 * 1024}
}

func (v *WorkspaceValidator) ValidateWorkspace(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("workspace not found: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workspace: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("workspace %s is empty", dir)
	}

	_, err = v.LoadManifest(dir)
	return err
}

func (v *WorkspaceValidator) LoadManifest(dir string) (*Manifest, error) {
	for _, name := range ManifestFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		if info.Size() > v.maxManifestSize {
			return nil, fmt.Errorf("%s exceeds %d bytes", name, v.maxManifestSize)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		if err := m.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", name, err)
		}
		return &m, nil
	}
	return &Manifest{}, nil
}

func (m *Manifest) validate() error {
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("port %d out of range", m.Port)
	}
	if m.Limits != nil {
		if m.Limits.Memory != "" {
			if _, err := resource.ParseQuantity(m.Limits.Memory); err != nil {
				return fmt.Errorf("limits.memory %q: %w", m.Limits.Memory, err)
			}
		}
		if m.Limits.CPU != "" {
			if _, err := resource.ParseQuantity(m.Limits.CPU); err != nil {
				return fmt.Errorf("limits.cpu %q: %w", m.Limits.CPU, err)
			}
		}
	}
	for i, s := range m.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d] has no name", i)
		}
	}
	return nil
}
