package tiles

import (
	"context"
	"errors"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"runtime"
	"sync/atomic"

	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/internal/metrics"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Tile is one fetched cell. Image is nil for legitimately empty tiles.
type Tile struct {
	Image  image.Image
	XIndex int
	YIndex int
}

// Raster is the assembled image of one grid.
type Raster struct {
	Grid       *Grid
	Image      *image.RGBA
	ErrorTiles int
}

// Loader fetches and assembles grids.
type Loader struct {
	fetcher     fetch.Fetcher
	metrics     *metrics.Collector
	log         *zap.Logger
	parallelism int
}

// LoaderOption customises a Loader.
type LoaderOption func(*Loader)

// WithMetrics counts error tiles per layer.
func WithMetrics(c *metrics.Collector) LoaderOption {
	return func(l *Loader) { l.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// WithParallelism bounds concurrent decodes.
func WithParallelism(n int) LoaderOption {
	return func(l *Loader) { l.parallelism = n }
}

// NewLoader creates a loader on top of a fetcher.
func NewLoader(f fetch.Fetcher, opts ...LoaderOption) *Loader {
	l := &Loader{
		fetcher:     f,
		log:         zap.NewNop(),
		parallelism: runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load registers every request of g, then joins them and draws the tiles.
func (l *Loader) Load(ctx context.Context, g *Grid) (*Raster, error) {
	if err := types.CheckCancelled(ctx); err != nil {
		return nil, err
	}

	handles := make([]*fetch.Handle, len(g.Descriptors))
	for i, d := range g.Descriptors {
		if d.Request != nil {
			handles[i] = l.fetcher.Register(ctx, d.Request.WithContext(ctx))
		}
	}
	defer func() {
		for _, h := range handles {
			if h != nil {
				h.Discard()
			}
		}
	}()

	tiles := make([]Tile, len(g.Descriptors))
	var errorTiles atomic.Int32

	p := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(l.parallelism)
	for i, d := range g.Descriptors {
		h := handles[i]
		p.Go(func(ctx context.Context) error {
			if err := types.CheckCancelled(ctx); err != nil {
				return err
			}
			tile, failed, err := l.loadTile(ctx, g.Layer, d, h)
			if err != nil {
				return err
			}
			if failed {
				errorTiles.Add(1)
			}
			tiles[i] = tile
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		if types.IsCancellation(err) || ctx.Err() != nil {
			return nil, types.CheckCancelled(ctx)
		}
		return nil, err
	}

	width, height := g.ImageSize()
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for _, t := range tiles {
		if t.Image == nil {
			continue
		}
		l.draw(dst, g.Layer, t)
	}

	if n := errorTiles.Load(); n > 0 {
		l.log.Warn("layer had failed tiles", zap.String("layer", g.Layer.Name), zap.Int32("count", n))
	}
	return &Raster{Grid: g, Image: dst, ErrorTiles: int(errorTiles.Load())}, nil
}

// loadTile joins one handle. The bool result reports an error tile.
func (l *Loader) loadTile(ctx context.Context, layer *Layer, d Descriptor, h *fetch.Handle) (Tile, bool, error) {
	tile := Tile{XIndex: d.XIndex, YIndex: d.YIndex}
	if h == nil {
		if d.Missing || d.Culled {
			tile.Image = layer.MissingTile
		}
		return tile, false, nil
	}

	resp, err := h.Execute(ctx)
	if err != nil {
		if types.IsCancellation(err) {
			return tile, false, err
		}
		return l.failTile(layer, d, tile, 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return tile, false, nil
	case resp.StatusCode >= 300:
		return l.failTile(layer, d, tile, resp.StatusCode, nil)
	}

	img, _, err := image.Decode(resp.Body)
	if err != nil {
		return l.failTile(layer, d, tile, resp.StatusCode, err)
	}
	tile.Image = img
	return tile, false, nil
}

func (l *Loader) failTile(layer *Layer, d Descriptor, tile Tile, status int, cause error) (Tile, bool, error) {
	ferr := &TileFetchError{Layer: layer.Name, Column: d.Column, Row: d.Row, StatusCode: status, Err: cause}
	if layer.FailOnError {
		return tile, false, ferr
	}
	if l.metrics != nil {
		l.metrics.RecordTileError(layer.Name)
	}
	l.log.Debug("using error tile", zap.Error(ferr))
	tile.Image = layer.ErrorTile
	return tile, true, nil
}

// draw places t at its grid slot after cropping the metatile buffer.
func (l *Loader) draw(dst *image.RGBA, layer *Layer, t Tile) {
	at := image.Rect(0, 0, layer.TileWidth, layer.TileHeight).
		Add(image.Pt(t.XIndex*layer.TileWidth, t.YIndex*layer.TileHeight))
	src := t.Image.Bounds().Min
	if t.Image.Bounds().Dx() >= layer.TileWidth+2*layer.Buffer {
		src = src.Add(image.Pt(layer.Buffer, layer.Buffer))
	}
	draw.Draw(dst, at, t.Image, src, draw.Over)
}

// IsTileFetchError reports whether err aborted a layer.
func IsTileFetchError(err error) bool {
	var ferr *TileFetchError
	return errors.As(err, &ferr)
}
