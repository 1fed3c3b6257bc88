package tiles

import (
	"image"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"gonum.org/v1/gonum/spatial/r2"
)

// Layer is a tiled source.
//
// URLTemplate placeholders:
//
//	{z} {x} {y}     zoom index, column, row (row grows northwards)
//	{-y}            row counted from the top of the extent (XYZ servers)
//	{minx} {miny} {maxx} {maxy}
//	{width} {height} {dpi}
type Layer struct {
	Name        string
	TileWidth   int
	TileHeight  int
	Origin      r2.Vec
	Resolutions []float64 // empty means any resolution
	Extent      *r2.Box
	Buffer      int // metatile buffer in pixels on every side
	URLTemplate string
	Header      http.Header

	MissingTile image.Image // drawn for tiles outside the extent or view
	ErrorTile   image.Image // drawn for tiles that failed
	FailOnError bool
}

// Validate checks the layer configuration.
func (l *Layer) Validate() error {
	if l.TileWidth <= 0 || l.TileHeight <= 0 {
		return &types.ValidationError{Field: "layer.tileSize", Reason: "tile size must be positive"}
	}
	if l.Buffer < 0 {
		return &types.ValidationError{Field: "layer.buffer", Reason: "buffer must not be negative"}
	}
	if l.URLTemplate == "" {
		return &types.ValidationError{Field: "layer.url", Reason: "missing url template"}
	}
	for _, r := range l.Resolutions {
		if r <= 0 {
			return &types.ValidationError{Field: "layer.resolutions", Reason: "resolutions must be positive"}
		}
	}
	return nil
}

// closestResolution picks the layer resolution nearest to target.
func (l *Layer) closestResolution(target float64) (int, float64) {
	if len(l.Resolutions) == 0 {
		return 0, target
	}
	best, bestDiff := 0, math.Inf(1)
	for i, r := range l.Resolutions {
		if diff := math.Abs(r - target); diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best, l.Resolutions[best]
}

func (l *Layer) request(g *Grid, d Descriptor) (*http.Request, error) {
	buf := float64(l.Buffer) * g.Resolution
	bounds := r2.Box{
		Min: r2.Sub(d.Bounds.Min, r2.Vec{X: buf, Y: buf}),
		Max: r2.Add(d.Bounds.Max, r2.Vec{X: buf, Y: buf}),
	}

	flipped := -d.Row - 1
	if l.Extent != nil {
		tileH := g.Resolution * float64(l.TileHeight)
		rows := int(math.Ceil((l.Extent.Max.Y - l.Origin.Y) / tileH))
		flipped = rows - 1 - d.Row
	}

	url := strings.NewReplacer(
		"{z}", strconv.Itoa(g.Zoom),
		"{x}", strconv.Itoa(d.Column),
		"{-y}", strconv.Itoa(flipped),
		"{y}", strconv.Itoa(d.Row),
		"{minx}", formatFloat(bounds.Min.X),
		"{miny}", formatFloat(bounds.Min.Y),
		"{maxx}", formatFloat(bounds.Max.X),
		"{maxy}", formatFloat(bounds.Max.Y),
		"{width}", strconv.Itoa(l.TileWidth+2*l.Buffer),
		"{height}", strconv.Itoa(l.TileHeight+2*l.Buffer),
		"{dpi}", formatFloat(g.Plan.DPI),
	).Replace(l.URLTemplate)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, &types.ValidationError{Field: "layer.url", Reason: err.Error()}
	}
	for k, vs := range l.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
