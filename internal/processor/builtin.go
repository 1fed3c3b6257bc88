package processor

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sort"
	"time"

	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/internal/render"
	"github.com/ChuLiYu/mapprint/internal/tiles"
	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// MapAttribute is the parsed "map" attribute of a request.
type MapAttribute struct {
	Plan   tiles.Plan
	Layers []*tiles.Layer // bottom layer first
}

// MapProcessor fetches every layer of a map attribute and composes the view.
type MapProcessor struct {
	MapKey      string
	OutputKey   string
	Geo         render.Geo
	Metrics     *metrics.Collector
	Log         *zap.Logger
	Parallelism int
}

func (m *MapProcessor) Name() string      { return "map" }
func (m *MapProcessor) Inputs() []string  { return []string{m.MapKey} }
func (m *MapProcessor) Outputs() []string { return []string{m.OutputKey, m.OutputKey + "ErrorTiles"} }

func (m *MapProcessor) Execute(ctx context.Context, v *values.Values) (map[string]any, error) {
	attr, ok := values.Lookup[*MapAttribute](v, m.MapKey)
	if !ok {
		return nil, &types.ValidationError{Field: m.MapKey, Reason: "not a map attribute"}
	}
	fetcher := v.Required().Fetcher
	if fetcher == nil {
		return nil, &types.ValidationError{Field: values.KeyFetcher, Reason: "no fetcher"}
	}

	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	parallelism := m.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}

	grids := make([]*tiles.Grid, len(attr.Layers))
	for i, layer := range attr.Layers {
		g, err := tiles.NewGrid(attr.Plan, layer)
		if err != nil {
			return nil, err
		}
		grids[i] = g
	}

	loader := tiles.NewLoader(fetcher,
		tiles.WithMetrics(m.Metrics),
		tiles.WithLogger(log),
		tiles.WithParallelism(parallelism),
	)

	rasters := make([]*tiles.Raster, len(grids))
	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, g := range grids {
		p.Go(func(ctx context.Context) error {
			r, err := loader.Load(ctx, g)
			if err != nil {
				return err
			}
			rasters[i] = r
			log.Debug("layer loaded", zap.Stringer("grid", g), zap.Int("error_tiles", r.ErrorTiles))
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, types.CheckCancelled(ctx)
		}
		return nil, err
	}

	img, err := m.Geo.Compose(ctx, attr.Plan, rasters)
	if err != nil {
		return nil, err
	}

	errorTiles := 0
	for _, r := range rasters {
		errorTiles += r.ErrorTiles
	}
	return map[string]any{
		m.OutputKey:                image.Image(img),
		m.OutputKey + "ErrorTiles": errorTiles,
	}, nil
}

// Metadata records document metadata from the job and optional attributes.
type Metadata struct {
	Clock func() time.Time
}

func (m *Metadata) Name() string      { return "metadata" }
func (m *Metadata) Inputs() []string  { return nil }
func (m *Metadata) Outputs() []string { return []string{"metadata"} }

func (m *Metadata) Execute(ctx context.Context, v *values.Values) (map[string]any, error) {
	now := time.Now
	if m.Clock != nil {
		now = m.Clock
	}
	req := v.Required()
	meta := map[string]string{
		"jobId":    string(req.JobID),
		"template": req.Template,
		"created":  now().UTC().Format(time.RFC3339),
	}
	for _, k := range []string{"title", "author", "subject"} {
		if s, ok := values.Lookup[string](v, k); ok {
			meta[k] = s
		}
	}
	return map[string]any{"metadata": meta}, nil
}

// RowFormatter renders one table row as ordered cell strings.
type RowFormatter struct {
	RowKey     string
	OutputKey  string
	Columns    []string // empty means every key, sorted
	ColumnsKey string   // optional []string input overriding Columns
}

func (r *RowFormatter) Name() string      { return "rowFormatter" }
func (r *RowFormatter) Inputs() []string {
	if r.ColumnsKey != "" {
		return []string{r.RowKey, r.ColumnsKey}
	}
	return []string{r.RowKey}
}
func (r *RowFormatter) Outputs() []string { return []string{r.OutputKey} }

func (r *RowFormatter) Execute(ctx context.Context, v *values.Values) (map[string]any, error) {
	if err := types.CheckCancelled(ctx); err != nil {
		return nil, err
	}
	raw, _ := v.Get(r.RowKey)
	row, ok := raw.(map[string]any)
	if !ok {
		return nil, &types.ValidationError{Field: r.RowKey, Reason: fmt.Sprintf("expected an object, got %T", raw)}
	}

	columns := r.Columns
	if r.ColumnsKey != "" {
		if cols, ok := values.Lookup[[]string](v, r.ColumnsKey); ok && len(cols) > 0 {
			columns = cols
		}
	}
	if len(columns) == 0 {
		for k := range row {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}

	cells := make([]string, len(columns))
	for i, c := range columns {
		if val, ok := row[c]; ok && val != nil {
			cells[i] = fmt.Sprint(val)
		}
	}
	return map[string]any{r.OutputKey: cells}, nil
}
