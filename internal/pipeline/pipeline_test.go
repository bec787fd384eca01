package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/builder"
	"github.com/elskow/binder-build/internal/pipeline/config"
	"github.com/elskow/binder-build/internal/pipeline/events"
	"github.com/elskow/binder-build/internal/pipeline/source"
	"github.com/elskow/binder-build/internal/pipeline/types"
	"github.com/elskow/binder-build/internal/pipeline/validator"
	"github.com/elskow/binder-build/internal/registry"
	"github.com/elskow/binder-build/internal/store"
)

type mockHandler struct {
	mu         sync.Mutex
	fetchCalls int
	shouldFail bool
	files      map[string]string
}

func (m *mockHandler) Kind() string { return "mock" }

func (m *mockHandler) CanHandle(reference string) bool {
	return strings.HasPrefix(reference, "https://github.com/")
}

func (m *mockHandler) CanonicalName(reference string) (string, error) {
	u, err := url.Parse(reference)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", "-")), nil
}

func (m *mockHandler) DisplayName(reference string) string {
	return strings.TrimPrefix(reference, "https://github.com/")
}

func (m *mockHandler) Fetch(ctx context.Context, reference, targetDir string) error {
	m.mu.Lock()
	m.fetchCalls++
	fail := m.shouldFail
	m.mu.Unlock()

	if fail {
		return fmt.Errorf("mock fetch failure")
	}
	if err := os.RemoveAll(targetDir); err != nil {
		return err
	}
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return err
	}
	for name, content := range m.files {
		if err := os.WriteFile(filepath.Join(targetDir, name), []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

type mockBuilder struct {
	mu         sync.Mutex
	buildCalls int
	shouldFail bool
	// gate blocks every build until it is closed
	gate chan struct{}
}

func (m *mockBuilder) Build(ctx context.Context, req *builder.Request) (*builder.Process, error) {
	m.mu.Lock()
	m.buildCalls++
	fail := m.shouldFail
	gate := m.gate
	m.mu.Unlock()

	return builder.NewProcess(ctx, func(ctx context.Context) (string, error) {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if fail {
			return "", fmt.Errorf("mock build failure")
		}
		return req.ImageRef, nil
	}), nil
}

func (m *mockBuilder) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buildCalls
}

type failingRegistry struct {
	registry.Registry
}

func (f *failingRegistry) Upsert(ctx context.Context, name string, template *types.Template) (*types.Template, error) {
	return nil, builderrors.New(builderrors.CodePersistence, "disk full")
}

// recordingStore remembers every record version written per name.
type recordingStore struct {
	store.BuildStore
	mu      sync.Mutex
	history map[string][]*types.BuildRecord
}

func (s *recordingStore) Upsert(ctx context.Context, name string, mutate store.Mutation) (*types.BuildRecord, error) {
	r, err := s.BuildStore.Upsert(ctx, name, mutate)
	if err == nil {
		s.mu.Lock()
		s.history[name] = append(s.history[name], r.Clone())
		s.mu.Unlock()
	}
	return r, err
}

func (s *recordingStore) versions(name string) []*types.BuildRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.BuildRecord(nil), s.history[name]...)
}

type testEnv struct {
	cfg       *config.PipelineConfig
	handler   *mockHandler
	builder   *mockBuilder
	store     *recordingStore
	templates registry.Registry
	hub       *events.Hub
	pipeline  *Pipeline
}

func newTestEnv(t *testing.T, templates registry.Registry) *testEnv {
	t.Helper()

	if templates == nil {
		templates = registry.NewMemoryRegistry()
	}
	env := &testEnv{
		cfg: &config.PipelineConfig{
			WorkspaceDir:   t.TempDir(),
			DefaultTimeout: 10,
			Builder:        config.BuilderConfig{Registry: "registry.test"},
		},
		handler: &mockHandler{files: map[string]string{
			"README.md":   "# demo",
			".binder.yml": "language: python\nport: 9000\ncommand: jupyter lab\n",
		}},
		builder:   &mockBuilder{},
		store:     &recordingStore{BuildStore: store.NewMemoryStore(), history: map[string][]*types.BuildRecord{}},
		templates: templates,
		hub:       events.NewHub(),
	}

	logger := zap.NewNop()
	env.pipeline = NewPipeline(
		env.cfg,
		source.NewResolver(logger, env.handler),
		env.builder,
		validator.NewWorkspaceValidator(),
		env.store,
		env.templates,
		env.hub,
		NewMetricsCollector(nil),
		logger,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.pipeline.Stop(ctx)
	})
	return env
}

// waitForIdle waits until name has a terminal record and its run is released.
func (e *testEnv) waitForIdle(t *testing.T, name string) *types.BuildRecord {
	t.Helper()

	var record *types.BuildRecord
	require.Eventually(t, func() bool {
		r, err := e.store.FindByName(context.Background(), name)
		if err != nil || !r.Status.Terminal() {
			return false
		}
		record = r
		return !e.pipeline.isActive(name)
	}, 5*time.Second, 10*time.Millisecond)
	return record
}

func TestPipeline_SuccessfulBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	record, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)
	assert.Equal(t, "org-repo", record.Name)
	assert.Equal(t, "org/repo", record.DisplayName)
	assert.Equal(t, types.BuildStatusSubmitted, record.Status)
	assert.Equal(t, types.PhaseFetching, record.Phase)
	assert.NotEmpty(t, record.AttemptID)

	final := env.waitForIdle(t, "org-repo")
	assert.Equal(t, types.BuildStatusCompleted, final.Status)
	assert.Equal(t, types.PhaseFinished, final.Phase)
	assert.Equal(t, "registry.test/org-repo:latest", final.ImageRef)
	assert.Equal(t, filepath.Join(env.cfg.WorkspaceDir, "org-repo"), final.WorkspaceDir)
	assert.Empty(t, final.Error)
	assert.NotNil(t, final.FinishTime)

	tpl, err := env.templates.FindByName(ctx, "org-repo")
	require.NoError(t, err)
	assert.Equal(t, "org-repo", tpl.ImageName)
	assert.Equal(t, "registry.test/org-repo:latest", tpl.ImageSource)
	assert.Equal(t, 9000, tpl.Port)
	assert.Equal(t, "python", tpl.Language)
	assert.Equal(t, []string{"jupyter", "lab"}, tpl.Command)
	require.NotNil(t, tpl.Services)
	assert.Empty(t, tpl.Services)
}

func TestPipeline_PhasesNeverRegress(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.pipeline.Submit(context.Background(), "https://github.com/org/repo")
	require.NoError(t, err)
	env.waitForIdle(t, "org-repo")

	versions := env.store.versions("org-repo")
	require.NotEmpty(t, versions)

	var phases []types.Phase
	for i, v := range versions {
		phases = append(phases, v.Phase)
		if i > 0 {
			assert.GreaterOrEqual(t, v.Phase.Rank(), versions[i-1].Phase.Rank())
		}
	}
	assert.Equal(t, []types.Phase{
		types.PhaseFetching,
		types.PhaseFetching,
		types.PhaseBuilding,
		types.PhaseRegistering,
		types.PhaseFinished,
	}, phases)
	assert.Equal(t, types.BuildStatusSubmitted, versions[0].Status)
	assert.Equal(t, types.BuildStatusRunning, versions[1].Status)
}

func TestPipeline_UnsupportedSource(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.pipeline.Submit(ctx, "ftp://example.com/x")
	assert.ErrorIs(t, err, builderrors.ErrUnsupportedSource)

	all, err := env.store.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, 0, env.handler.fetchCalls)
}

func TestPipeline_StageFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(env *testEnv)
		templates registry.Registry
		phase     types.Phase
		errorText string
	}{
		{
			name:      "fetch error",
			setup:     func(env *testEnv) { env.handler.shouldFail = true },
			phase:     types.PhaseFetching,
			errorText: "could not fetch source",
		},
		{
			name:      "empty workspace",
			setup:     func(env *testEnv) { env.handler.files = nil },
			phase:     types.PhaseBuilding,
			errorText: "image build failed",
		},
		{
			name: "invalid manifest",
			setup: func(env *testEnv) {
				env.handler.files = map[string]string{".binder.yml": "port: 70000\n"}
			},
			phase:     types.PhaseBuilding,
			errorText: "image build failed",
		},
		{
			name:      "builder error",
			setup:     func(env *testEnv) { env.builder.shouldFail = true },
			phase:     types.PhaseBuilding,
			errorText: "mock build failure",
		},
		{
			name:      "registration error",
			templates: &failingRegistry{Registry: registry.NewMemoryRegistry()},
			phase:     types.PhaseRegistering,
			errorText: "could not register template",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.templates)
			if tt.setup != nil {
				tt.setup(env)
			}

			_, err := env.pipeline.Submit(context.Background(), "https://github.com/org/repo")
			require.NoError(t, err)

			final := env.waitForIdle(t, "org-repo")
			assert.Equal(t, types.BuildStatusFailed, final.Status)
			assert.Equal(t, tt.phase, final.Phase)
			assert.Contains(t, final.Error, tt.errorText)
			assert.NotNil(t, final.FinishTime)

			_, err = env.templates.FindByName(context.Background(), "org-repo")
			assert.ErrorIs(t, err, builderrors.ErrNotFound)
		})
	}
}

func TestPipeline_ConflictWhileActive(t *testing.T) {
	env := newTestEnv(t, nil)
	env.builder.gate = make(chan struct{})
	ctx := context.Background()

	first, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)

	_, err = env.pipeline.Submit(ctx, "https://github.com/org/repo")
	assert.ErrorIs(t, err, builderrors.ErrConflict)

	close(env.builder.gate)
	final := env.waitForIdle(t, "org-repo")
	assert.Equal(t, types.BuildStatusCompleted, final.Status)

	second, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)
	assert.Equal(t, types.BuildStatusSubmitted, second.Status)

	final = env.waitForIdle(t, "org-repo")
	assert.Equal(t, types.BuildStatusCompleted, final.Status)
	assert.Equal(t, second.AttemptID, final.AttemptID)
	assert.Equal(t, 2, env.builder.calls())
}

func TestPipeline_ConflictWithStoredActiveRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	orphan := types.NewBuildRecord("org-repo", "org/repo", "https://github.com/org/repo", "other", time.Now())
	require.NoError(t, env.store.Create(ctx, orphan))

	_, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	assert.ErrorIs(t, err, builderrors.ErrConflict)
	assert.False(t, env.pipeline.isActive("org-repo"))
}

func TestPipeline_DistinctNamesRunConcurrently(t *testing.T) {
	env := newTestEnv(t, nil)
	env.builder.gate = make(chan struct{})
	ctx := context.Background()

	for _, repo := range []string{"org/one", "org/two", "org/three"} {
		_, err := env.pipeline.Submit(ctx, "https://github.com/"+repo)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return env.builder.calls() == 3 }, 5*time.Second, 10*time.Millisecond)

	close(env.builder.gate)
	for _, name := range []string{"org-one", "org-two", "org-three"} {
		assert.Equal(t, types.BuildStatusCompleted, env.waitForIdle(t, name).Status)
	}
}

func TestPipeline_Timeout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.DefaultTimeout = 1
	env.builder.gate = make(chan struct{})

	_, err := env.pipeline.Submit(context.Background(), "https://github.com/org/repo")
	require.NoError(t, err)

	final := env.waitForIdle(t, "org-repo")
	assert.Equal(t, types.BuildStatusFailed, final.Status)
	assert.Equal(t, types.PhaseBuilding, final.Phase)
	assert.Contains(t, final.Error, "build timed out")
}

func TestPipeline_Cancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.builder.gate = make(chan struct{})
	ctx := context.Background()

	_, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.builder.calls() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.pipeline.Cancel(ctx, "org-repo"))

	record, err := env.store.FindByName(ctx, "org-repo")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, record.Status)
	assert.Contains(t, record.Error, "build cancelled")

	t.Run("finished build", func(t *testing.T) {
		assert.ErrorIs(t, env.pipeline.Cancel(ctx, "org-repo"), builderrors.ErrConflict)
	})
	t.Run("unknown build", func(t *testing.T) {
		assert.ErrorIs(t, env.pipeline.Cancel(ctx, "missing"), builderrors.ErrNotFound)
	})
}

func TestPipeline_Remove(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)
	env.waitForIdle(t, "org-repo")

	_, updates, stop, err := env.pipeline.Watch(ctx, "org-repo")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, env.pipeline.Remove(ctx, "org-repo"))

	_, err = env.store.FindByName(ctx, "org-repo")
	assert.ErrorIs(t, err, builderrors.ErrNotFound)
	assert.NoDirExists(t, filepath.Join(env.cfg.WorkspaceDir, "org-repo"))

	_, open := <-updates
	assert.False(t, open, "subscription should be detached")

	_, err = env.templates.FindByName(ctx, "org-repo")
	assert.NoError(t, err)

	assert.ErrorIs(t, env.pipeline.Remove(ctx, "org-repo"), builderrors.ErrNotFound)
}

func TestPipeline_RemoveActiveBuild(t *testing.T) {
	env := newTestEnv(t, nil)
	env.builder.gate = make(chan struct{})
	defer close(env.builder.gate)

	_, err := env.pipeline.Submit(context.Background(), "https://github.com/org/repo")
	require.NoError(t, err)

	err = env.pipeline.Remove(context.Background(), "org-repo")
	assert.ErrorIs(t, err, builderrors.ErrConflict)
}

func TestPipeline_Watch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.builder.gate = make(chan struct{})
	ctx := context.Background()

	_, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)

	current, updates, stop, err := env.pipeline.Watch(ctx, "org-repo")
	require.NoError(t, err)
	defer stop()
	assert.Equal(t, "org-repo", current.Name)

	close(env.builder.gate)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-updates:
			if r.Status.Terminal() {
				assert.Equal(t, types.BuildStatusCompleted, r.Status)
				return
			}
		case <-timeout:
			t.Fatal("no terminal snapshot received")
		}
	}
}

func TestPipeline_WatchUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _, _, err := env.pipeline.Watch(context.Background(), "missing")
	assert.ErrorIs(t, err, builderrors.ErrNotFound)
	assert.Equal(t, 0, env.hub.Subscribers("missing"))
}

func TestPipeline_RecoverInterrupted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.cfg.RecoverInterrupted = true
	ctx := context.Background()

	running := types.NewBuildRecord("org-running", "org/running", "https://github.com/org/running", "a1", time.Now())
	require.NoError(t, running.Start("/tmp/ws"))
	require.NoError(t, env.store.Create(ctx, running))

	done := types.NewBuildRecord("org-done", "org/done", "https://github.com/org/done", "a2", time.Now())
	require.NoError(t, done.Complete("img", time.Now()))
	require.NoError(t, env.store.Create(ctx, done))

	require.NoError(t, env.pipeline.Start(ctx))

	r, err := env.store.FindByName(ctx, "org-running")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, r.Status)
	assert.Equal(t, interruptedReason, r.Error)

	r, err = env.store.FindByName(ctx, "org-done")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCompleted, r.Status)

	_, err = env.pipeline.Submit(ctx, "https://github.com/org/running")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusCompleted, env.waitForIdle(t, "org-running").Status)
}

func TestPipeline_StopCancelsInFlightBuilds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.builder.gate = make(chan struct{})
	ctx := context.Background()

	_, err := env.pipeline.Submit(ctx, "https://github.com/org/repo")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return env.builder.calls() == 1 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.pipeline.Stop(stopCtx))

	record, err := env.store.FindByName(ctx, "org-repo")
	require.NoError(t, err)
	assert.Equal(t, types.BuildStatusFailed, record.Status)
	assert.Contains(t, record.Error, "service shutting down")

	_, err = env.pipeline.Submit(ctx, "https://github.com/org/other")
	assert.ErrorIs(t, err, builderrors.ErrCancelled)
}

// claimExcept grants every claim except those for busy names.
func claimExcept(busy ...string) ClaimFunc {
	return func(name string) (func(), bool) {
		for _, b := range busy {
			if b == name {
				return nil, false
			}
		}
		return func() {}, true
	}
}

// lookupStore calls onFind before every FindByName.
type lookupStore struct {
	store.BuildStore
	onFind func(name string)
}

func (s *lookupStore) FindByName(ctx context.Context, name string) (*types.BuildRecord, error) {
	s.onFind(name)
	return s.BuildStore.FindByName(ctx, name)
}

func TestCleanupManager_CleanupOldBuilds(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	buildStore := store.NewMemoryStore()

	for _, name := range []string{"org-done", "org-running", "org-unknown", "org-owned"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}

	done := types.NewBuildRecord("org-done", "", "", "a", time.Now())
	require.NoError(t, done.Fail("boom", time.Now()))
	require.NoError(t, buildStore.Create(ctx, done))

	running := types.NewBuildRecord("org-running", "", "", "b", time.Now())
	require.NoError(t, running.Start(filepath.Join(root, "org-running")))
	require.NoError(t, buildStore.Create(ctx, running))

	cm := NewCleanupManager(
		&config.PipelineConfig{WorkspaceDir: root},
		buildStore,
		claimExcept("org-owned"),
		zap.NewNop(),
	)

	removed, err := cm.CleanupOldBuilds(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "fresh workspaces are kept")

	cm.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = cm.CleanupOldBuilds(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoDirExists(t, filepath.Join(root, "org-done"))
	assert.NoDirExists(t, filepath.Join(root, "org-unknown"))
	assert.DirExists(t, filepath.Join(root, "org-running"))
	assert.DirExists(t, filepath.Join(root, "org-owned"))
}

func TestCleanupManager_MissingRoot(t *testing.T) {
	cm := NewCleanupManager(
		&config.PipelineConfig{WorkspaceDir: filepath.Join(t.TempDir(), "absent")},
		store.NewMemoryStore(),
		claimExcept(),
		zap.NewNop(),
	)
	removed, err := cm.CleanupOldBuilds(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCleanupManager_HoldsPipelineClaim(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	root := env.cfg.WorkspaceDir

	for _, name := range []string{"org-busy", "org-idle"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
	}

	busy, err := env.pipeline.claim("org-busy", true)
	require.NoError(t, err)

	var looked []string
	lookups := &lookupStore{
		BuildStore: env.store,
		onFind: func(name string) {
			looked = append(looked, name)
			assert.True(t, env.pipeline.isActive(name), "%s must be claimed during cleanup", name)

			_, err := env.pipeline.Submit(ctx, "https://github.com/org/idle")
			assert.ErrorIs(t, err, builderrors.ErrConflict)
		},
	}

	cm := NewCleanupManager(env.cfg, lookups, env.pipeline.claimIdle, zap.NewNop())
	cm.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	removed, err := cm.CleanupOldBuilds(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"org-idle"}, looked)

	assert.DirExists(t, filepath.Join(root, "org-busy"))
	assert.NoDirExists(t, filepath.Join(root, "org-idle"))
	assert.False(t, env.pipeline.isActive("org-idle"))

	env.pipeline.release("org-busy", busy)

	record, err := env.pipeline.Submit(ctx, "https://github.com/org/idle")
	require.NoError(t, err)
	assert.Equal(t, "org-idle", record.Name)
	env.waitForIdle(t, "org-idle")
}
