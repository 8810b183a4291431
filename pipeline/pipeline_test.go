package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pipelinekit "github.com/gifton/pipelinekit"
	pkgctx "github.com/gifton/pipelinekit/context"
	pkgerrors "github.com/gifton/pipelinekit/errors"
	"github.com/gifton/pipelinekit/events"
	"github.com/gifton/pipelinekit/middleware"
)

type greetCmd struct{ Name string }

func TestStandardPipelineExecutesHandler(t *testing.T) {
	handler := pipelinekit.Typed(func(ctx *pkgctx.Context, cmd greetCmd) (string, error) {
		return "hello " + cmd.Name, nil
	})
	p := New(Config{Name: "greet"}, handler)

	result, err := p.Execute(context.Background(), greetCmd{Name: "ada"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hello ada" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestStandardPipelineEmitsLifecycleEvents(t *testing.T) {
	hub := events.NewHub()
	defer hub.Shutdown()

	var mu sync.Mutex
	var seen []string
	hub.Subscribe("*", func(evt events.Event) {
		mu.Lock()
		seen = append(seen, evt.Name)
		mu.Unlock()
	}, 16)

	handler := pipelinekit.Typed(func(ctx *pkgctx.Context, cmd greetCmd) (string, error) {
		return "ok", nil
	})
	p := New(Config{Name: "greet", Hub: hub}, handler)
	if _, err := p.Execute(context.Background(), greetCmd{Name: "x"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// subscriber delivery is async; give it a moment
	for i := 0; i < 100; i++ {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Fatalf("expected at least will_execute and did_execute, got %v", seen)
	}
	if seen[0] != events.PipelineWillExecute {
		t.Fatalf("expected first event to be will_execute, got %s", seen[0])
	}
}

func TestStandardPipelineWrongCommandTypeErrors(t *testing.T) {
	handler := pipelinekit.Typed(func(ctx *pkgctx.Context, cmd greetCmd) (string, error) {
		return "ok", nil
	})
	p := New(Config{Name: "greet"}, handler)

	_, err := p.Execute(context.Background(), 42, nil)
	if err == nil {
		t.Fatal("expected InvalidCommandType error for mismatched command type")
	}
}

func TestStandardPipelineMaxConcurrencyCapsInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	handler := pipelinekit.Typed(func(ctx *pkgctx.Context, cmd greetCmd) (string, error) {
		entered <- struct{}{}
		<-release
		return "ok", nil
	})
	p := New(Config{Name: "greet", MaxConcurrency: 1}, handler)
	defer p.Shutdown()

	done := make(chan struct{}, 2)
	go func() {
		p.Execute(context.Background(), greetCmd{Name: "a"}, nil)
		done <- struct{}{}
	}()
	<-entered

	go func() {
		p.Execute(context.Background(), greetCmd{Name: "b"}, nil)
		done <- struct{}{}
	}()

	stats := p.Stats()
	if stats.InFlight != 1 {
		t.Fatalf("expected exactly one in-flight execution, got %+v", stats)
	}
	close(release)
	<-done
	<-done
}

func TestDynamicPipelineDispatchesByCommandType(t *testing.T) {
	d := NewDynamic(Config{Name: "dyn"})
	d.RegisterHandler("pipeline.greetCmd", pipelinekit.Typed(func(ctx *pkgctx.Context, cmd greetCmd) (string, error) {
		return "hi " + cmd.Name, nil
	}))

	result, err := d.Execute(context.Background(), greetCmd{Name: "b"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hi b" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestDynamicPipelineUnknownCommandErrors(t *testing.T) {
	d := NewDynamic(Config{Name: "dyn"})
	_, err := d.Execute(context.Background(), greetCmd{Name: "b"}, nil)
	if err == nil {
		t.Fatal("expected error for unregistered command type")
	}
}

func TestDynamicPipelineRebuildsAfterMutation(t *testing.T) {
	d := NewDynamic(Config{Name: "dyn"})
	var order []string
	d.Use(middleware.Func{
		MwName:     "tracer",
		MwPriority: 100,
		Fn: func(ctx *pkgctx.Context, cmd any, next middleware.Next) (any, error) {
			order = append(order, "tracer")
			return next(ctx, cmd)
		},
	})
	d.RegisterHandler("pipeline.greetCmd", pipelinekit.Typed(func(ctx *pkgctx.Context, cmd greetCmd) (string, error) {
		order = append(order, "handler")
		return "ok", nil
	}))

	if _, err := d.Execute(context.Background(), greetCmd{Name: "x"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"tracer", "handler"}
	if len(order) != len(want) || order[0] != want[0] || order[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, order)
	}

	d.RemoveHandler("pipeline.greetCmd")
	if _, err := d.Execute(context.Background(), greetCmd{Name: "x"}, nil); !errors.Is(err, pkgerrors.ErrInvalidCommandType) {
		t.Fatalf("expected InvalidCommandType error after handler removal, got %v", err)
	}
}
