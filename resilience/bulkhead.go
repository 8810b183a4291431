package resilience

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gifton/pipelinekit/concurrency"
	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

// Isolation selects how Bulkhead partitions concurrent executions
// (spec.md §4.G.3).
type Isolation int

const (
	IsolationGlobal Isolation = iota
	IsolationTagged
)

// PartitionKeyFunc extracts the partition key for a tagged bulkhead
// (e.g. a tenant id derived from the command).
type PartitionKeyFunc func(cmd any) string

// BulkheadConfig configures the Bulkhead middleware.
type BulkheadConfig struct {
	MaxConcurrency int
	MaxQueue       int
	Isolation      Isolation
	PartitionKey   PartitionKeyFunc

	Hub *events.Hub
}

func DefaultBulkheadConfig(maxConcurrency int) BulkheadConfig {
	return BulkheadConfig{MaxConcurrency: maxConcurrency, Isolation: IsolationGlobal}
}

func (c BulkheadConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("bulkhead: MaxConcurrency must be > 0")
	}
	if c.Isolation == IsolationTagged && c.PartitionKey == nil {
		return fmt.Errorf("bulkhead: tagged isolation requires PartitionKey")
	}
	return nil
}

// Bulkhead isolates concurrent executions into named partitions, one
// concurrency.Semaphore per partition, allocated lazily (spec.md
// §4.G.3).
type Bulkhead struct {
	cfg        BulkheadConfig
	mu         sync.Mutex
	partitions map[string]*concurrency.Semaphore
}

func NewBulkhead(cfg BulkheadConfig) (*Bulkhead, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bulkhead{cfg: cfg, partitions: make(map[string]*concurrency.Semaphore)}, nil
}

func (b *Bulkhead) Name() string       { return "bulkhead" }
func (b *Bulkhead) Priority() int      { return PriorityBulkhead }
func (b *Bulkhead) RetryCapable() bool { return false }

func (b *Bulkhead) partitionFor(cmd any) string {
	if b.cfg.Isolation == IsolationTagged && b.cfg.PartitionKey != nil {
		if key := b.cfg.PartitionKey(cmd); key != "" {
			return key
		}
	}
	return "global"
}

func (b *Bulkhead) semaphoreFor(name string) *concurrency.Semaphore {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sem, ok := b.partitions[name]; ok {
		return sem
	}
	semCfg := concurrency.DefaultConfig(b.cfg.MaxConcurrency)
	semCfg.MaxOutstanding = b.cfg.MaxConcurrency + b.cfg.MaxQueue
	semCfg.Strategy = concurrency.StrategyError
	sem := concurrency.New(semCfg)
	b.partitions[name] = sem
	return sem
}

func (b *Bulkhead) Execute(ctx *pkgctx.Context, cmd any, next middleware.Next) (any, error) {
	partition := b.partitionFor(cmd)
	sem := b.semaphoreFor(partition)

	tok, err := sem.Acquire(ctx.Std(), concurrency.Normal, 0, time.Time{})
	if err != nil {
		if b.cfg.Hub != nil {
			b.cfg.Hub.Publish(events.Event{
				Name:          events.BulkheadFull,
				Timestamp:     nowFunc(),
				CorrelationID: ctx.CorrelationID(),
				Properties:    map[string]interface{}{"partition": partition},
			})
		}
		return nil, pkgerrors.New("bulkhead.execute", "BulkheadFull", partition, pkgerrors.ErrBulkheadFull)
	}
	defer tok.Release()

	return next(ctx, cmd)
}

// Shutdown drains every partition's semaphore concurrently.
func (b *Bulkhead) Shutdown() {
	b.mu.Lock()
	sems := make([]*concurrency.Semaphore, 0, len(b.partitions))
	for _, sem := range b.partitions {
		sems = append(sems, sem)
	}
	b.mu.Unlock()

	var g errgroup.Group
	for _, sem := range sems {
		sem := sem
		g.Go(func() error {
			sem.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}
