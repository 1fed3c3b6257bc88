package processor

import (
	"context"
	"fmt"
	"reflect"
	"slices"

	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
)

// Iterate runs a sub-graph once per element of a collection. Every iteration
// gets a fork of the bag with the element under ItemKey and its position under
// IndexKey. The Collect keys of each iteration are gathered, in order, into a
// list stored under OutputKey.
type Iterate struct {
	ProcessorName string
	CollectionKey string
	ItemKey       string
	IndexKey      string
	Collect       []string
	OutputKey     string
	Graph         *Graph
	Executor      *Executor
}

// Name implements Processor.
func (it *Iterate) Name() string { return it.ProcessorName }

// Inputs is the collection plus whatever the sub-graph needs from the parent.
func (it *Iterate) Inputs() []string {
	inputs := []string{it.CollectionKey}
	for _, k := range it.Graph.ExternalInputs() {
		if k != it.ItemKey && k != it.IndexKey && !slices.Contains(inputs, k) {
			inputs = append(inputs, k)
		}
	}
	return inputs
}

// Outputs implements Processor.
func (it *Iterate) Outputs() []string { return []string{it.OutputKey} }

// Execute implements Processor.
func (it *Iterate) Execute(ctx context.Context, v *values.Values) (map[string]any, error) {
	raw, ok := v.Get(it.CollectionKey)
	if !ok {
		return nil, &types.ValidationError{Field: it.CollectionKey, Reason: "missing collection"}
	}
	items, err := toSlice(raw)
	if err != nil {
		return nil, &types.ValidationError{Field: it.CollectionKey, Reason: err.Error()}
	}

	parent := NewTask(ctx, it.ProcessorName)
	defer parent.Cancel(nil)

	bags := make([]*values.Values, len(items))
	tasks := make([]*Task, len(items))
	for i := range items {
		tasks[i] = parent.Fork(fmt.Sprintf("%s[%d]", it.ProcessorName, i))
	}

	for i, item := range items {
		bag := v.Fork()
		if err := bag.Put(it.ItemKey, item); err != nil {
			return nil, err
		}
		if it.IndexKey != "" {
			if err := bag.Put(it.IndexKey, i); err != nil {
				return nil, err
			}
		}
		bags[i] = bag
		t := tasks[i]
		t.Start(func(ctx context.Context) error {
			err := it.Executor.Execute(ctx, it.Graph, bag)
			if err != nil && !types.IsCancellation(err) {
				parent.Cancel(fmt.Errorf("%w: %w", types.ErrCancelled, errGraphAborted))
			}
			return err
		})
	}

	var firstErr error
	for _, t := range tasks {
		if err := t.Join(); err != nil && (firstErr == nil || types.IsCancellation(firstErr) && !types.IsCancellation(err)) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	results := make([]any, len(items))
	for i, bag := range bags {
		results[i] = it.collect(bag)
	}
	return map[string]any{it.OutputKey: results}, nil
}

func (it *Iterate) collect(bag *values.Values) any {
	if len(it.Collect) == 1 {
		val, _ := bag.Get(it.Collect[0])
		return val
	}
	row := make(map[string]any, len(it.Collect))
	for _, k := range it.Collect {
		if val, ok := bag.Get(k); ok {
			row[k] = val
		}
	}
	return row
}

func toSlice(raw any) ([]any, error) {
	if items, ok := raw.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
