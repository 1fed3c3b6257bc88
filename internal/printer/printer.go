// ============================================================================
// mapprint Printer - 單一列印任務的執行流程
// ============================================================================
//
// Package: internal/printer
// 文件: printer.go
// 功能: 將任務的 requestData 轉為鍵值袋，執行處理器圖，輸出檔案
//
// 流程:
//   ParseRequest ──> values.New(required) ──> PutAll(attributes)
//        │
//        └─> Executor.Execute(graph) ──> Template.Render ──> <OutputDir>/<ref>.<ext>
//
// 處理器圖依請求形狀（有無 map、有無 rows）在建構時建好，之後唯讀共用。
//
// ============================================================================

package printer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/internal/processor"
	"github.com/ChuLiYu/mapprint/internal/render"
	"github.com/ChuLiYu/mapprint/internal/tiles"
	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"go.uber.org/zap"
)

// 鍵值袋中的 key
const (
	KeyMap        = "map"
	KeyMapImage   = "mapImage"
	KeyRows       = "rows"
	KeyRow        = "row"
	KeyRowIndex   = "rowIndex"
	KeyCells      = "cells"
	KeyColumns    = "columns"
	KeyTable      = "table"
	KeyMetadata   = "metadata"
)

// Config 列印設定
type Config struct {
	TaskRoot    string // 每個任務暫存目錄的上層目錄；空字串為系統暫存目錄
	OutputDir   string // 輸出檔案目錄
	Parallelism int    // 每個任務的圖層/圖磚並行度
	MaxTiles    int    // 每個圖層的圖磚上限；0 為 tiles.DefaultMaxTiles
}

type shape struct {
	hasMap  bool
	hasRows bool
}

// Printer 執行列印任務
type Printer struct {
	cfg      Config
	fetcher  fetch.Fetcher
	executor *processor.Executor
	graphs   map[shape]*processor.Graph
	metrics  *metrics.Collector
	log      *zap.Logger
}

// Option 自訂 Printer
type Option func(*Printer)

// WithMetrics 記錄圖磚錯誤
func WithMetrics(c *metrics.Collector) Option {
	return func(p *Printer) { p.metrics = c }
}

// WithLogger 設定 logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Printer) { p.log = l }
}

// New 建立 Printer 並預先建好所有處理器圖
func New(cfg Config, f fetch.Fetcher, opts ...Option) (*Printer, error) {
	if cfg.OutputDir == "" {
		return nil, &types.ValidationError{Field: "printer.outputDir", Reason: "missing output directory"}
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	p := &Printer{
		cfg:     cfg,
		fetcher: f,
		log:     zap.NewNop(),
		graphs:  map[shape]*processor.Graph{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.executor = processor.NewExecutor(p.log)

	for _, s := range []shape{{false, false}, {true, false}, {false, true}, {true, true}} {
		g, err := p.buildGraph(s)
		if err != nil {
			return nil, err
		}
		p.graphs[s] = g
	}
	return p, nil
}

func (p *Printer) buildGraph(s shape) (*processor.Graph, error) {
	procs := []processor.Processor{&processor.Metadata{}}

	if s.hasMap {
		procs = append(procs, &processor.MapProcessor{
			MapKey:      KeyMap,
			OutputKey:   KeyMapImage,
			Metrics:     p.metrics,
			Log:         p.log,
			Parallelism: p.cfg.Parallelism,
		})
	}

	if s.hasRows {
		rowGraph, err := processor.NewGraph(&processor.RowFormatter{
			RowKey:     KeyRow,
			OutputKey:  KeyCells,
			ColumnsKey: KeyColumns,
		})
		if err != nil {
			return nil, err
		}
		procs = append(procs, &processor.Iterate{
			ProcessorName: "rows",
			CollectionKey: KeyRows,
			ItemKey:       KeyRow,
			IndexKey:      KeyRowIndex,
			Collect:       []string{KeyCells},
			OutputKey:     KeyTable,
			Graph:         rowGraph,
			Executor:      p.executor,
		})
	}
	return processor.NewGraph(procs...)
}

// Validate 在提交時檢查 requestData，不執行任何擷取
func (p *Printer) Validate(data []byte) error {
	req, err := ParseRequest(data)
	if err != nil {
		return err
	}
	if _, err := p.template(req); err != nil {
		return err
	}
	return p.planGrids(req)
}

// planGrids 套用圖磚上限並預先計算每個圖層的網格，不發出任何請求
func (p *Printer) planGrids(req *Request) error {
	if req.Map == nil {
		return nil
	}
	req.Map.Plan.MaxTiles = p.cfg.MaxTiles
	for _, layer := range req.Map.Layers {
		if _, err := tiles.NewGrid(req.Map.Plan, layer); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) template(req *Request) (render.Template, error) {
	format := req.Format
	if format == "" && req.Map == nil {
		format = "json"
	}
	tmpl, err := render.ForFormat(format, KeyMapImage)
	if err != nil {
		return nil, &types.ValidationError{Field: "outputFormat", Reason: err.Error()}
	}
	if _, isPNG := tmpl.(render.PNG); isPNG && req.Map == nil {
		return nil, &types.ValidationError{Field: "outputFormat", Reason: "png output needs a map attribute"}
	}
	return tmpl, nil
}

// Run 執行一個列印任務，回傳輸出檔案
func (p *Printer) Run(ctx context.Context, entry types.Entry) (types.Result, error) {
	start := time.Now()
	log := p.log.With(zap.String("job", string(entry.ReferenceID)))

	req, err := ParseRequest(entry.RequestData)
	if err != nil {
		return types.Result{}, err
	}
	tmpl, err := p.template(req)
	if err != nil {
		return types.Result{}, err
	}
	if err := p.planGrids(req); err != nil {
		return types.Result{}, err
	}
	if err := resolveTileImages(ctx, p.fetcher, entry.RequestData, req.Map); err != nil {
		return types.Result{}, err
	}

	taskDir, err := os.MkdirTemp(p.cfg.TaskRoot, "mapprint-task-")
	if err != nil {
		return types.Result{}, fmt.Errorf("failed to create task dir: %w", err)
	}
	defer os.RemoveAll(taskDir)

	bag := values.New(values.Required{
		TaskDir:  taskDir,
		Fetcher:  p.fetcher,
		Template: req.Layout,
		JobID:    entry.ReferenceID,
	})
	if err := bag.PutAll(p.attributes(req)); err != nil {
		return types.Result{}, &types.ValidationError{Field: "attributes", Reason: err.Error()}
	}

	g := p.graphs[shape{hasMap: req.Map != nil, hasRows: req.Rows != nil}]
	if err := p.executor.Execute(ctx, g, bag); err != nil {
		return types.Result{}, err
	}
	if err := types.CheckCancelled(ctx); err != nil {
		return types.Result{}, err
	}

	result, err := p.write(ctx, entry.ReferenceID, tmpl, bag)
	if err != nil {
		return types.Result{}, err
	}
	log.Info("print finished",
		zap.String("file", result.FileName),
		zap.Int64("bytes", result.Size),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (p *Printer) attributes(req *Request) map[string]any {
	attrs := make(map[string]any, len(req.Strings)+3)
	for k, v := range req.Strings {
		attrs[k] = v
	}
	if req.Map != nil {
		attrs[KeyMap] = req.Map
	}
	if req.Rows != nil {
		attrs[KeyRows] = req.Rows
		attrs[KeyColumns] = req.Columns
	}
	return attrs
}

// write renders into a temp file first so a cancelled or failed render never
// leaves a partial output behind.
func (p *Printer) write(ctx context.Context, ref types.ReferenceID, tmpl render.Template, bag *values.Values) (types.Result, error) {
	name := string(ref) + "." + tmpl.Extension()
	final := filepath.Join(p.cfg.OutputDir, name)

	tmp, err := os.CreateTemp(bag.Required().TaskDir, "render-*")
	if err != nil {
		return types.Result{}, err
	}
	renderErr := tmpl.Render(ctx, bag, tmp)
	closeErr := tmp.Close()
	if renderErr != nil {
		return types.Result{}, renderErr
	}
	if closeErr != nil {
		return types.Result{}, closeErr
	}

	if err := moveFile(tmp.Name(), final); err != nil {
		return types.Result{}, fmt.Errorf("failed to store output: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return types.Result{}, err
	}
	return types.Result{
		FileName: name,
		MimeType: tmpl.MimeType(),
		Path:     final,
		Size:     info.Size(),
	}, nil
}

// moveFile renames src to dst, copying when they live on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
