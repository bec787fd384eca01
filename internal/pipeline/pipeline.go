package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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

const (
	defaultBuildTimeout = 30 * time.Minute
	persistTimeout      = 30 * time.Second
)

const interruptedReason = "interrupted by restart"

// run is the in-process claim on a build name. At most one run exists per
// name; it is released when the build reaches a terminal status.
type run struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
	build  bool
}

// buildRun carries the state of one attempt between stages.
type buildRun struct {
	name       string
	attemptID  string
	repository string
	workspace  *builder.Workspace
	manifest   *validator.Manifest
	imageRef   string
	logger     *zap.Logger
}

type stage struct {
	phase types.Phase
	enter func(r *types.BuildRecord) error
	run   func(ctx context.Context, b *buildRun) error
}

type Pipeline struct {
	config    *config.PipelineConfig
	resolver  *source.Resolver
	builder   builder.ImageBuilder
	validator validator.Validator
	store     store.BuildStore
	registry  registry.Registry
	hub       *events.Hub
	metrics   *MetricsCollector
	cleanup   *CleanupManager
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	running map[string]*run
	closed  bool
	wg      sync.WaitGroup

	baseCtx     context.Context
	shutdown    context.CancelCauseFunc
	stopCleanup context.CancelFunc
	cleanupDone chan struct{}
}

func NewPipeline(
	config *config.PipelineConfig,
	resolver *source.Resolver,
	imageBuilder builder.ImageBuilder,
	validator validator.Validator,
	buildStore store.BuildStore,
	templates registry.Registry,
	hub *events.Hub,
	metrics *MetricsCollector,
	logger *zap.Logger,
) *Pipeline {
	baseCtx, shutdown := context.WithCancelCause(context.Background())
	p := &Pipeline{
		config:    config,
		resolver:  resolver,
		builder:   imageBuilder,
		validator: validator,
		store:     buildStore,
		registry:  templates,
		hub:       hub,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		running:   make(map[string]*run),
		baseCtx:   baseCtx,
		shutdown:  shutdown,
	}
	p.cleanup = NewCleanupManager(config, buildStore, p.claimIdle, logger)
	return p
}

// Submit resolves repository, claims its canonical name and starts the
// build in the background. It returns the freshly created record.
func (p *Pipeline) Submit(ctx context.Context, repository string) (*types.BuildRecord, error) {
	repository = strings.TrimSpace(repository)

	name, err := p.resolver.CanonicalName(repository)
	if err != nil {
		p.metrics.Submitted("unsupported")
		return nil, err
	}
	displayName, err := p.resolver.DisplayName(repository)
	if err != nil {
		p.metrics.Submitted("unsupported")
		return nil, err
	}

	workspace, err := builder.NewWorkspace(p.config.WorkspaceDir, name)
	if err != nil {
		p.metrics.Submitted("error")
		return nil, err
	}

	r, err := p.claim(name, true)
	if err != nil {
		p.metrics.Submitted("conflict")
		return nil, err
	}

	attemptID := p.newID()
	record, err := p.store.Upsert(ctx, name, func(current *types.BuildRecord) (*types.BuildRecord, error) {
		if current != nil && current.Active() {
			return nil, builderrors.New(builderrors.CodeConflict, name)
		}
		return types.NewBuildRecord(name, displayName, repository, attemptID, p.now().UTC()), nil
	})
	if err != nil {
		p.release(name, r)
		if builderrors.CodeOf(err) == builderrors.CodeConflict {
			p.metrics.Submitted("conflict")
		} else {
			p.metrics.Submitted("error")
		}
		return nil, err
	}

	p.metrics.Submitted("accepted")
	p.hub.Publish(record)

	b := &buildRun{
		name:       name,
		attemptID:  attemptID,
		repository: repository,
		workspace:  workspace,
		logger: p.logger.With(
			zap.String("build", name),
			zap.String("attempt", attemptID),
		),
	}
	b.logger.Info("build submitted", zap.String("repository", repository))

	go p.execute(r, b)
	return record, nil
}

func (p *Pipeline) execute(r *run, b *buildRun) {
	defer p.release(b.name, r)

	p.metrics.StartBuild()
	started := p.now()

	timeout := p.timeout()
	ctx, cancel := context.WithTimeoutCause(r.ctx, timeout,
		builderrors.Newf(builderrors.CodeTimeout, "no terminal status after %s", timeout))
	defer cancel()

	status := types.BuildStatusCompleted
	if err := p.runStages(ctx, b); err != nil {
		status = types.BuildStatusFailed
		p.fail(b, err)
	} else {
		b.logger.Info("build completed", zap.String("image", b.imageRef))
	}
	p.metrics.EndBuild(status, p.now().Sub(started))
}

func (p *Pipeline) stages(b *buildRun) []stage {
	return []stage{
		{
			phase: types.PhaseFetching,
			enter: func(r *types.BuildRecord) error { return r.Start(b.workspace.Dir) },
			run:   p.fetch,
		},
		{
			phase: types.PhaseBuilding,
			enter: func(r *types.BuildRecord) error { return r.Advance(types.PhaseBuilding) },
			run:   p.build,
		},
		{
			phase: types.PhaseRegistering,
			enter: func(r *types.BuildRecord) error { return r.Advance(types.PhaseRegistering) },
			run:   p.register,
		},
	}
}

// runStages persists each phase before running it and stops at the first
// failure.
func (p *Pipeline) runStages(ctx context.Context, b *buildRun) error {
	for _, s := range p.stages(b) {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if err := p.transition(b, s.enter); err != nil {
			return err
		}

		start := p.now()
		err := s.run(ctx, b)
		if err != nil && ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		p.metrics.ObserveStage(s.phase, err, p.now().Sub(start))
		if err != nil {
			return err
		}
	}

	// the template is registered at this point, so the build completes
	// even if the deadline passed in the meantime
	return p.transition(b, func(r *types.BuildRecord) error {
		return r.Complete(b.imageRef, p.now().UTC())
	})
}

func (p *Pipeline) fetch(ctx context.Context, b *buildRun) error {
	return p.resolver.Fetch(ctx, b.repository, b.workspace.Dir)
}

func (p *Pipeline) build(ctx context.Context, b *buildRun) error {
	if err := p.validator.ValidateWorkspace(b.workspace.Dir); err != nil {
		return builderrors.Wrap(builderrors.CodeBuildExecution, err)
	}
	manifest, err := p.validator.LoadManifest(b.workspace.Dir)
	if err != nil {
		return builderrors.Wrap(builderrors.CodeBuildExecution, err)
	}
	b.manifest = manifest

	proc, err := p.builder.Build(ctx, &builder.Request{
		Name:         b.name,
		AttemptID:    b.attemptID,
		WorkspaceDir: b.workspace.Dir,
		ImageRef:     builder.ImageRef(p.config.Builder.Registry, b.name, ""),
		Logger:       b.logger,
	})
	if err != nil {
		return builderrors.Wrap(builderrors.CodeBuildExecution, err)
	}

	res := proc.Wait(ctx)
	if res.Err != nil {
		if builderrors.CodeOf(res.Err) != "" {
			return res.Err
		}
		return builderrors.Wrap(builderrors.CodeBuildExecution, res.Err)
	}
	if res.ImageRef == "" {
		return builderrors.New(builderrors.CodeBuildExecution, "builder reported no image")
	}
	b.imageRef = res.ImageRef
	return nil
}

func (p *Pipeline) register(ctx context.Context, b *buildRun) error {
	template := &types.Template{
		ImageName:   b.name,
		ImageSource: b.imageRef,
		Services:    []types.Service{},
		Port:        types.DefaultTemplatePort,
	}
	validator.ApplyManifest(template, b.manifest)

	if _, err := p.registry.Upsert(ctx, b.name, template); err != nil {
		return builderrors.Wrap(builderrors.CodeRegistration, err)
	}
	return nil
}

// transition applies mutate to the current attempt's record and publishes
// the result. Writes use their own deadline so that a cancelled build can
// still record its failure.
func (p *Pipeline) transition(b *buildRun, mutate func(r *types.BuildRecord) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	record, err := p.store.Upsert(ctx, b.name, func(current *types.BuildRecord) (*types.BuildRecord, error) {
		if current == nil || current.AttemptID != b.attemptID {
			return nil, &builderrors.Error{
				Code:    builderrors.CodeConflict,
				Message: "build attempt was superseded",
				Details: b.attemptID,
			}
		}
		if err := mutate(current); err != nil {
			return nil, err
		}
		return current, nil
	})
	if err != nil {
		if _, ok := builderrors.As(err); ok {
			return err
		}
		return builderrors.Wrap(builderrors.CodePersistence, err)
	}

	p.hub.Publish(record)
	b.logger.Debug("build transitioned",
		zap.String("phase", string(record.Phase)),
		zap.String("status", string(record.Status)))
	return nil
}

// fail records cause on the build. Errors writing the failure are logged
// and not retried.
func (p *Pipeline) fail(b *buildRun, cause error) {
	b.logger.Error("build failed", zap.Error(cause))

	reason := cause.Error()
	err := p.transition(b, func(r *types.BuildRecord) error {
		return r.Fail(reason, p.now().UTC())
	})
	if err != nil {
		b.logger.Error("failed to record build failure", zap.Error(err))
	}
}

// Cancel stops the active build for name and waits until its failure is
// recorded.
func (p *Pipeline) Cancel(ctx context.Context, name string) error {
	p.mu.Lock()
	r, ok := p.running[name]
	p.mu.Unlock()

	if !ok || !r.build {
		if _, err := p.store.FindByName(ctx, name); err != nil {
			return err
		}
		return &builderrors.Error{
			Code:    builderrors.CodeConflict,
			Message: "build is not active",
			Details: name,
		}
	}

	r.cancel(builderrors.New(builderrors.CodeCancelled))
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove deletes a terminal build record, detaches its subscribers and
// clears its workspace. Templates are kept.
func (p *Pipeline) Remove(ctx context.Context, name string) error {
	r, err := p.claim(name, false)
	if err != nil {
		return err
	}
	defer p.release(name, r)

	record, err := p.store.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if record.Active() {
		return builderrors.New(builderrors.CodeConflict, name)
	}
	if err := p.store.Delete(ctx, name); err != nil {
		return err
	}
	p.hub.Close(name)

	if workspace, err := builder.NewWorkspace(p.config.WorkspaceDir, name); err == nil {
		if err := workspace.Cleanup(); err != nil {
			p.logger.Warn("failed to remove workspace",
				zap.String("build", name),
				zap.Error(err))
		}
	}

	p.logger.Info("build removed", zap.String("build", name))
	return nil
}

// Watch returns the current record for name together with a stream of
// later snapshots. The stream is closed when stop is called or the build
// is removed.
func (p *Pipeline) Watch(ctx context.Context, name string) (*types.BuildRecord, <-chan *types.BuildRecord, func(), error) {
	updates, stop := p.hub.Subscribe(name)
	record, err := p.store.FindByName(ctx, name)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return record, updates, stop, nil
}

// RecoverInterrupted fails every non-terminal record that no build in this
// process owns. Such records are left behind by a process that stopped
// mid-build.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	records, err := p.store.FindAll(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, record := range records {
		if !record.Active() || p.isActive(record.Name) {
			continue
		}

		attemptID := record.AttemptID
		updated, err := p.store.Upsert(ctx, record.Name, func(current *types.BuildRecord) (*types.BuildRecord, error) {
			if current == nil || current.AttemptID != attemptID || !current.Active() {
				return nil, errStale
			}
			if err := current.Fail(interruptedReason, p.now().UTC()); err != nil {
				return nil, err
			}
			return current, nil
		})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		p.hub.Publish(updated)
		recovered++
		p.logger.Warn("marked interrupted build as failed",
			zap.String("build", record.Name),
			zap.String("attempt", attemptID))
	}
	return recovered, nil
}

var errStale = errors.New("record changed")

// Start recovers interrupted builds when configured and starts the
// workspace cleanup loop.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.config.RecoverInterrupted {
		n, err := p.RecoverInterrupted(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			p.logger.Info("recovered interrupted builds", zap.Int("count", n))
		}
	}

	if p.config.WorkspaceMaxAge > 0 {
		interval := p.config.CleanupInterval
		if interval <= 0 {
			interval = time.Hour
		}
		loopCtx, stop := context.WithCancel(p.baseCtx)
		p.stopCleanup = stop
		p.cleanupDone = make(chan struct{})
		go func() {
			defer close(p.cleanupDone)
			p.cleanup.Run(loopCtx, interval, p.config.WorkspaceMaxAge)
		}()
	}

	p.logger.Info("pipeline started",
		zap.String("workspace", p.config.WorkspaceDir),
		zap.Strings("sources", p.resolver.Kinds()),
		zap.Duration("timeout", p.timeout()))
	return nil
}

// Stop cancels in-flight builds and waits for their failures to be
// recorded or for ctx to expire.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.shutdown(builderrors.New(builderrors.CodeCancelled, "service shutting down"))
	if p.stopCleanup != nil {
		p.stopCleanup()
		<-p.cleanupDone
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	defer p.hub.Shutdown()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) claim(name string, build bool) (*run, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, builderrors.New(builderrors.CodeCancelled, "service shutting down")
	}
	if _, busy := p.running[name]; busy {
		return nil, builderrors.New(builderrors.CodeConflict, name)
	}

	ctx, cancel := context.WithCancelCause(p.baseCtx)
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{}), build: build}
	p.running[name] = r
	p.wg.Add(1)
	return r, nil
}

func (p *Pipeline) release(name string, r *run) {
	p.mu.Lock()
	if p.running[name] == r {
		delete(p.running, name)
	}
	p.mu.Unlock()

	r.cancel(nil)
	close(r.done)
	p.wg.Done()
}

// claimIdle reserves name for maintenance work such as workspace cleanup.
func (p *Pipeline) claimIdle(name string) (func(), bool) {
	r, err := p.claim(name, false)
	if err != nil {
		return nil, false
	}
	return func() { p.release(name, r) }, true
}

func (p *Pipeline) isActive(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[name]
	return ok
}

func (p *Pipeline) timeout() time.Duration {
	if p.config.DefaultTimeout > 0 {
		return time.Duration(p.config.DefaultTimeout) * time.Second
	}
	return defaultBuildTimeout
}
