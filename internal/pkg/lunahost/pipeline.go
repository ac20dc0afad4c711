package lunahost

import (
	"context"
	"sync"
)

// PipelineFunc is one step of a method handler. The first step receives the
// *Call; each following step receives the previous step's output. A nil
// output or an error ends the pipeline.
type PipelineFunc func(ctx context.Context, data interface{}) (interface{}, error)

// Pipeline is a thread-safe chain of steps
type Pipeline struct {
	mu    sync.RWMutex
	steps []PipelineFunc
}

func NewPipeline(steps ...PipelineFunc) *Pipeline {
	return &Pipeline{steps: steps}
}

func (p *Pipeline) AddStep(step PipelineFunc) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step)
	return p
}

func (p *Pipeline) Execute(ctx context.Context, input interface{}) (interface{}, error) {
	p.mu.RLock()
	steps := p.steps
	p.mu.RUnlock()

	var err error
	current := input
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		current, err = step(ctx, current)
		if err != nil || current == nil {
			return current, err
		}
	}
	return current, nil
}
