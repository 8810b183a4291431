package pipeline

import (
	"context"
	"sync"
	"time"

	pipelinekit "github.com/gifton/pipelinekit"
	"github.com/gifton/pipelinekit/concurrency"
	pkgctx "github.com/gifton/pipelinekit/context"
	"github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

// Dynamic is the Dynamic Pipeline (spec.md §4.F): handlers can be
// registered or removed per command type at runtime. Any mutation
// invalidates the compiled chain; the next Execute call rebuilds it
// lazily, so per-call ordering work stays zero once the rebuild is
// done.
type Dynamic struct {
	cfg Config
	sem *concurrency.Semaphore

	mu          sync.Mutex
	handlers    map[string]pipelinekit.HandlerFunc
	middlewares []middleware.Middleware
	chain       *middleware.Chain
	dirty       bool
}

// NewDynamic creates an empty Dynamic Pipeline.
func NewDynamic(cfg Config) *Dynamic {
	d := &Dynamic{cfg: cfg, handlers: make(map[string]pipelinekit.HandlerFunc), dirty: true}
	if cfg.MaxConcurrency > 0 {
		semCfg := concurrency.DefaultConfig(cfg.MaxConcurrency)
		semCfg.MaxOutstanding = cfg.MaxConcurrency
		semCfg.Strategy = concurrency.StrategyError
		d.sem = concurrency.New(semCfg)
	}
	return d
}

// RegisterHandler binds commandType (the Go type name of the command,
// see pipelinekit's HandlerFunc/Typed) to fn, invalidating the compiled
// chain.
func (d *Dynamic) RegisterHandler(commandType string, fn pipelinekit.HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[commandType] = fn
	d.dirty = true
}

// RemoveHandler unregisters commandType. A no-op if absent.
func (d *Dynamic) RemoveHandler(commandType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, commandType)
	d.dirty = true
}

// Use adds a middleware shared by every command type routed through
// this pipeline, invalidating the compiled chain. Use itself does not
// check the depth cap: once more middlewares are added than the chain's
// MaxDepth allows, the next Execute fails with
// errors.ErrMaxDepthExceeded when it rebuilds the chain.
func (d *Dynamic) Use(m middleware.Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, m)
	d.dirty = true
}

// dispatch is the terminal Next the compiled chain runs into: it looks
// up the handler registered for cmd's Go type name.
func (d *Dynamic) dispatch(ctx *pkgctx.Context, cmd any) (any, error) {
	d.mu.Lock()
	fn, ok := d.handlers[goTypeName(cmd)]
	d.mu.Unlock()
	if !ok {
		return nil, errors.New("pipeline.dispatch", "InvalidCommandType", d.cfg.Name, errors.ErrInvalidCommandType)
	}
	return fn(ctx, cmd)
}

func (d *Dynamic) rebuildIfDirty() (*middleware.Chain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty && d.chain != nil {
		return d.chain, nil
	}
	chain := middleware.NewChain(d.dispatch, d.cfg.MaxDepth)
	for _, m := range d.middlewares {
		if err := chain.Add(m); err != nil {
			return nil, err
		}
	}
	d.chain = chain
	d.dirty = false
	return chain, nil
}

// Execute routes cmd through the (lazily rebuilt) compiled chain,
// sharing the same context lifecycle as Pipeline.Execute.
func (d *Dynamic) Execute(std context.Context, cmd any, pc *pkgctx.Context) (any, error) {
	if std == nil {
		std = context.Background()
	}
	if pc == nil {
		pc = pkgctx.New(std, "", "")
	}
	if d.cfg.Hub != nil {
		pc.SetEmitter(d.cfg.Hub)
	}
	std = pkgctx.WithCurrent(std, pc)

	if d.sem != nil {
		tok, err := d.sem.Acquire(std, concurrency.Normal, 0, time.Time{})
		if err != nil {
			return nil, errors.New("pipeline.execute", errors.Tag(err), d.cfg.Name, err)
		}
		defer tok.Release()
	}

	chain, err := d.rebuildIfDirty()
	if err != nil {
		return nil, errors.New("pipeline.execute", errors.Tag(err), d.cfg.Name, err)
	}

	start := time.Now()
	pc.Emit(events.Event{
		Name:      events.PipelineWillExecute,
		Timestamp: start,
		Properties: map[string]interface{}{
			"command_type":  goTypeName(cmd),
			"pipeline_type": "dynamic",
		},
	})

	result, err := chain.Execute(pc, cmd)
	duration := time.Since(start)

	if err != nil {
		pc.Emit(events.Event{
			Name:       events.PipelineDidFail,
			Timestamp:  time.Now(),
			Duration:   duration,
			ErrorClass: errors.Tag(err),
			Properties: map[string]interface{}{
				"duration_ms": float64(duration) / float64(time.Millisecond),
				"error_class": errors.Tag(err),
			},
		})
		return nil, err
	}

	pc.Emit(events.Event{
		Name:      events.PipelineDidExecute,
		Timestamp: time.Now(),
		Duration:  duration,
		Properties: map[string]interface{}{
			"duration_ms": float64(duration) / float64(time.Millisecond),
			"success":     true,
		},
	})
	return result, nil
}

// Shutdown releases the pipeline's concurrency slot semaphore, if any.
func (d *Dynamic) Shutdown() {
	if d.sem != nil {
		d.sem.Shutdown()
	}
}
