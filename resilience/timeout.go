package resilience

import (
	"fmt"
	"time"

	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

// deadlineBudgetKey is the typed context key holding the deadline
// budget (spec.md §4.G.4 "Deadline propagation"). Timeout uses a stored
// budget as its deadline and, when next returns in time, stores back
// the budget minus the elapsed time for later Timeouts on the same
// Context. It stores nothing before calling next, so a Timeout nested
// inside it does not see its budget.
var deadlineBudgetKey = pkgctx.NewKey[time.Duration]("resilience.deadline_budget")

// TimeoutConfig configures the Timeout middleware (spec.md §4.G.4).
type TimeoutConfig struct {
	Deadline time.Duration
	// Grace lets an already-nearly-complete inner call win even after
	// the nominal deadline; Validate rejects a Grace above Deadline/2.
	Grace time.Duration

	Hub *events.Hub
}

func DefaultTimeoutConfig(deadline time.Duration) TimeoutConfig {
	return TimeoutConfig{Deadline: deadline}
}

func (c TimeoutConfig) Validate() error {
	if c.Deadline < 0 {
		return fmt.Errorf("timeout: Deadline must be >= 0")
	}
	if c.Grace > c.Deadline/2 {
		return fmt.Errorf("timeout: Grace must not exceed Deadline/2")
	}
	return nil
}

// Timeout races next against a deadline timer. On the timer firing
// first, it flips ctx's cooperative-cancellation flag (the core cannot
// preempt a running goroutine) and, unless Grace lets the inner call
// finish just after the nominal deadline, returns errors.ErrTimeout.
type Timeout struct {
	cfg TimeoutConfig
}

func NewTimeout(cfg TimeoutConfig) (*Timeout, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Timeout{cfg: cfg}, nil
}

func (t *Timeout) Name() string       { return "timeout" }
func (t *Timeout) Priority() int      { return PriorityTimeout }
func (t *Timeout) RetryCapable() bool { return false }

type raceResult struct {
	result any
	err    error
}

func (t *Timeout) Execute(ctx *pkgctx.Context, cmd any, next middleware.Next) (any, error) {
	deadline := t.cfg.Deadline
	if budget, ok := pkgctx.Get(ctx, deadlineBudgetKey); ok {
		deadline = budget
	}
	if deadline <= 0 {
		return nil, pkgerrors.New("timeout.execute", "Timeout", "", pkgerrors.ErrTimeout)
	}

	start := nowFunc()
	done := make(chan raceResult, 1)
	go func() {
		result, err := next(ctx, cmd)
		done <- raceResult{result, err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		pkgctx.Set(ctx, deadlineBudgetKey, deadline-elapsed)
		return r.result, r.err
	case <-timer.C:
		ctx.Cancel()
		if t.cfg.Grace > 0 {
			grace := time.NewTimer(t.cfg.Grace)
			defer grace.Stop()
			select {
			case r := <-done:
				elapsed := time.Since(start)
				pkgctx.Set(ctx, deadlineBudgetKey, deadline-elapsed)
				return r.result, r.err
			case <-grace.C:
			}
		}
		t.emitExceeded(ctx, deadline, time.Since(start))
		return nil, pkgerrors.New("timeout.execute", "Timeout", "", pkgerrors.ErrTimeout)
	}
}

func (t *Timeout) emitExceeded(ctx *pkgctx.Context, deadline, elapsed time.Duration) {
	if t.cfg.Hub == nil {
		return
	}
	t.cfg.Hub.Publish(events.Event{
		Name:          events.TimeoutExceeded,
		Timestamp:     nowFunc(),
		CorrelationID: ctx.CorrelationID(),
		Properties: map[string]interface{}{
			"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
			"deadline_ms": float64(deadline) / float64(time.Millisecond),
		},
	})
}
