// Package pipeline implements the two pipeline offerings from spec.md
// §4.F: a Standard Pipeline with one compiled chain and fixed handler,
// and a Dynamic Pipeline whose chain may be mutated at runtime. Both
// share the same context lifecycle, concurrency-slot handling, and
// event emission.
package pipeline

import (
	"context"
	"time"

	pipelinekit "github.com/gifton/pipelinekit"
	"github.com/gifton/pipelinekit/concurrency"
	pkgctx "github.com/gifton/pipelinekit/context"
	"github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

// Config configures the shared lifecycle behavior of a Pipeline.
type Config struct {
	// Name identifies the pipeline in events/logs.
	Name string
	// MaxConcurrency, if > 0, wraps execution in a concurrency.Semaphore
	// with strategy=Error and max_outstanding=MaxConcurrency, per
	// spec.md §4.F.
	MaxConcurrency int
	// MaxDepth bounds the middleware chain length; 0 uses
	// middleware.DefaultMaxDepth.
	MaxDepth int
	// Hub receives lifecycle events; nil uses a hub-less no-op context.
	Hub *events.Hub
}

// Pipeline is the Standard Pipeline: one compiled chain, one fixed
// handler.
type Pipeline struct {
	cfg     Config
	chain   *middleware.Chain
	sem     *concurrency.Semaphore
	pipelineType string
}

// New creates a Standard Pipeline that terminates in handler.
func New(cfg Config, handler pipelinekit.HandlerFunc) *Pipeline {
	p := &Pipeline{cfg: cfg, pipelineType: "standard"}
	p.chain = middleware.NewChain(middleware.Next(handler), cfg.MaxDepth)
	if cfg.MaxConcurrency > 0 {
		semCfg := concurrency.DefaultConfig(cfg.MaxConcurrency)
		semCfg.MaxOutstanding = cfg.MaxConcurrency
		semCfg.Strategy = concurrency.StrategyError
		p.sem = concurrency.New(semCfg)
	}
	return p
}

// Use adds a middleware to the compiled chain.
func (p *Pipeline) Use(m middleware.Middleware) error {
	return p.chain.Add(m)
}

// Execute runs cmd through the pipeline per the context lifecycle in
// spec.md §4.F: attach/construct the Context, set the task-local
// pointer, acquire a concurrency slot if configured, run the compiled
// chain, emit lifecycle events, release the slot, clear the task-local.
func (p *Pipeline) Execute(std context.Context, cmd any, pc *pkgctx.Context) (any, error) {
	if std == nil {
		std = context.Background()
	}
	if pc == nil {
		pc = pkgctx.New(std, "", "")
	}
	if p.cfg.Hub != nil {
		pc.SetEmitter(p.cfg.Hub)
	}

	// Task-local: downstream code that only has a stdlib context.Context
	// (not the *pkgctx.Context parameter) recovers it via pkgctx.Current.
	std = pkgctx.WithCurrent(std, pc)

	if p.sem != nil {
		tok, err := p.sem.Acquire(std, concurrency.Normal, 0, time.Time{})
		if err != nil {
			return nil, errors.New("pipeline.execute", errors.Tag(err), p.cfg.Name, err)
		}
		defer tok.Release()
	}

	start := time.Now()
	pc.Emit(events.Event{
		Name:          events.PipelineWillExecute,
		Timestamp:     start,
		CorrelationID: pc.CorrelationID(),
		Properties: map[string]interface{}{
			"command_type":  commandTypeName(cmd),
			"pipeline_type": p.pipelineType,
		},
	})

	result, err := p.chain.Execute(pc, cmd)
	duration := time.Since(start)

	if err != nil {
		pc.Emit(events.Event{
			Name:          events.PipelineDidFail,
			Timestamp:     time.Now(),
			CorrelationID: pc.CorrelationID(),
			Duration:      duration,
			ErrorClass:    errors.Tag(err),
			Properties: map[string]interface{}{
				"duration_ms": float64(duration) / float64(time.Millisecond),
				"error_class": errors.Tag(err),
			},
		})
		return nil, err
	}

	pc.Emit(events.Event{
		Name:          events.PipelineDidExecute,
		Timestamp:     time.Now(),
		CorrelationID: pc.CorrelationID(),
		Duration:      duration,
		Properties: map[string]interface{}{
			"duration_ms": float64(duration) / float64(time.Millisecond),
			"success":     true,
		},
	})
	return result, nil
}

// Stats exposes the underlying semaphore's stats, if MaxConcurrency was
// configured; the zero value otherwise.
func (p *Pipeline) Stats() concurrency.Stats {
	if p.sem == nil {
		return concurrency.Stats{}
	}
	return p.sem.Stats()
}

// Shutdown releases the pipeline's concurrency slot semaphore, if any.
func (p *Pipeline) Shutdown() {
	if p.sem != nil {
		p.sem.Shutdown()
	}
}

func commandTypeName(cmd any) string {
	if cmd == nil {
		return "<nil>"
	}
	type named interface{ CommandName() string }
	if n, ok := cmd.(named); ok {
		return n.CommandName()
	}
	return goTypeName(cmd)
}
