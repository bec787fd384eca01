package validator

import (
	"github.com/elskow/binder-build/internal/pipeline/types"
)

type Validator interface {
	// ValidateWorkspace checks that a fetched workspace can be built.
	ValidateWorkspace(dir string) error
	// LoadManifest reads the repository's build configuration. A workspace
	// without one yields an empty manifest.
	LoadManifest(dir string) (*Manifest, error)
}

// ApplyManifest fills the template fields the repository configures.
func ApplyManifest(t *types.Template, m *Manifest) {
	if m == nil {
		return
	}
	if m.Limits != nil && (m.Limits.Memory != "" || m.Limits.CPU != "") {
		l := *m.Limits
		t.Limits = &l
	}
	if len(m.Services) > 0 {
		t.Services = append([]types.Service(nil), m.Services...)
	}
	if len(m.Command) > 0 {
		t.Command = append([]string(nil), m.Command...)
	}
	if m.Port != 0 {
		t.Port = m.Port
	}
	if m.Language != "" {
		t.Language = m.Language
	}
}
