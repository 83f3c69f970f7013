package pipeline

import "github.com/dshills/agentpipeline/pipeline/emit"

// Option configures an Engine at construction time.
type Option[S any] func(*engineConfig[S])

type engineConfig[S any] struct {
	maxSteps int
	emitter  emit.Emitter
}

// WithMaxSteps bounds the number of node executions in a single Run/Resume
// call, guarding against a misconfigured graph looping forever.
//
// Default: 0 (no limit). Recommended for this workflow: depth of the
// waterfall times the repair-loop budget, e.g. 50.
func WithMaxSteps[S any](n int) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.maxSteps = n }
}

// WithEmitter attaches an observability sink. Defaults to emit.NewNullEmitter.
func WithEmitter[S any](e emit.Emitter) Option[S] {
	return func(cfg *engineConfig[S]) { cfg.emitter = e }
}
