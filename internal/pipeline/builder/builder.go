package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ImageBuilder turns a fetched workspace into an image. Build prepares a
// process; nothing runs until Process.Execute is called.
type ImageBuilder interface {
	Build(ctx context.Context, req *Request) (*Process, error)
}

type Request struct {
	Name         string
	AttemptID    string
	WorkspaceDir string
	ImageRef     string
	Logger       *zap.Logger
}

// Result is the single terminal outcome of a Process.
type Result struct {
	ImageRef string
	Err      error
}

// Process is one invocation of an image builder. It reports exactly one
// Result on Done regardless of how many times Execute is called.
type Process struct {
	ctx     context.Context
	run     func(ctx context.Context) (string, error)
	started chan struct{}
	done    chan Result
	execute sync.Once
	finish  sync.Once
}

func NewProcess(ctx context.Context, run func(ctx context.Context) (string, error)) *Process {
	return &Process{
		ctx:     ctx,
		run:     run,
		started: make(chan struct{}),
		done:    make(chan Result, 1),
	}
}

// Execute starts the build in the background.
func (p *Process) Execute() {
	p.execute.Do(func() {
		close(p.started)
		go func() {
			var res Result
			defer func() {
				if r := recover(); r != nil {
					res = Result{Err: fmt.Errorf("builder panicked: %v", r)}
				}
				p.complete(res)
			}()
			ref, err := p.run(p.ctx)
			res = Result{ImageRef: ref, Err: err}
		}()
	})
}

// Started is closed once Execute has been called.
func (p *Process) Started() <-chan struct{} {
	return p.started
}

// Done yields the terminal result once and is then closed.
func (p *Process) Done() <-chan Result {
	return p.done
}

func (p *Process) complete(res Result) {
	p.finish.Do(func() {
		p.done <- res
		close(p.done)
	})
}

// Wait executes the process if needed and blocks until it finishes or ctx
// is done.
func (p *Process) Wait(ctx context.Context) Result {
	p.Execute()
	select {
	case res := <-p.done:
		return res
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

// ImageRef returns the reference an image for name is tagged with.
func ImageRef(registry, name, tag string) string {
	if tag == "" {
		tag = "latest"
	}
	ref := fmt.Sprintf("%s:%s", name, tag)
	if registry != "" {
		ref = strings.TrimRight(registry, "/") + "/" + ref
	}
	return ref
}
