package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProcessorExecutionError wraps the failure of a single node.
type ProcessorExecutionError struct {
	Processor   string
	ReferenceID types.ReferenceID
	Err         error
}

func (e *ProcessorExecutionError) Error() string {
	return fmt.Sprintf("processor %s failed for job %s: %v", e.Processor, e.ReferenceID, e.Err)
}

func (e *ProcessorExecutionError) Unwrap() error { return e.Err }

// Executor runs graphs against a Values bag.
type Executor struct {
	tracer trace.Tracer
	log    *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		tracer: otel.Tracer("github.com/ChuLiYu/mapprint/internal/processor"),
		log:    log,
	}
}

// errGraphAborted cancels siblings after the first node failure.
var errGraphAborted = errors.New("processor graph aborted")

// Execute runs every node of g once all of its producers are done. The first
// node error cancels the remaining nodes and is returned.
func (e *Executor) Execute(ctx context.Context, g *Graph, v *values.Values) error {
	for _, key := range g.external {
		if !v.Has(key) {
			return &types.ValidationError{Field: key, Reason: "missing input"}
		}
	}

	root := NewTask(ctx, "graph")
	defer root.Cancel(nil)

	var (
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			root.Cancel(fmt.Errorf("%w: %w", types.ErrCancelled, errGraphAborted))
		})
	}

	tasks := make(map[*node]*Task, len(g.nodes))
	for _, n := range g.nodes {
		tasks[n] = root.Fork(n.proc.Name())
	}

	for _, n := range g.nodes {
		n, t := n, tasks[n]
		deps := make([]*Task, len(n.deps))
		for i, d := range n.deps {
			deps[i] = tasks[d]
		}
		t.Start(func(ctx context.Context) error {
			for _, d := range deps {
				select {
				case <-d.Done():
				case <-ctx.Done():
					return types.CheckCancelled(ctx)
				}
				if d.Err() != nil {
					return types.CheckCancelled(ctx)
				}
			}
			if err := types.CheckCancelled(ctx); err != nil {
				return err
			}
			if err := e.run(ctx, n.proc, v); err != nil {
				fail(err)
				return err
			}
			return nil
		})
	}

	for _, n := range g.nodes {
		tasks[n].Join()
	}

	if firstErr != nil {
		return firstErr
	}
	return types.CheckCancelled(ctx)
}

func (e *Executor) run(ctx context.Context, p Processor, v *values.Values) error {
	ctx, span := e.tracer.Start(ctx, p.Name(), trace.WithAttributes(
		attribute.String("processor", p.Name()),
		attribute.String("job_id", string(v.Required().JobID)),
	))
	defer span.End()

	out, err := p.Execute(ctx, v)
	if err == nil {
		err = v.PutAll(out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if types.IsCancellation(err) {
			return err
		}
		e.log.Debug("processor failed", zap.String("processor", p.Name()), zap.Error(err))
		return &ProcessorExecutionError{Processor: p.Name(), ReferenceID: v.Required().JobID, Err: err}
	}
	return nil
}
