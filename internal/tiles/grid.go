// ============================================================================
// mapprint Tile Acquisition Pipeline
// ============================================================================
//
// Package: internal/tiles
// File: grid.go
// Purpose: Compute the tile grid covering a (possibly rotated) map view.
//
// Grid layout (row-major, top row first):
//
//	      origin-anchored columns ──>
//	  ┌──────┬──────┬──────┬──────┐   YIndex 0  (highest row number)
//	  │      │      │      │      │
//	  ├──────┼──────┼──────┼──────┤   YIndex 1
//	  │      │      │      │      │
//	  └──────┴──────┴──────┴──────┘
//	  XIndex 0      1      2      3
//
// Columns and rows are floor-divided against the layer origin so that the same
// world tile always maps to the same request, whatever the viewport.
//
// ============================================================================

package tiles

import (
	"fmt"
	"math"
	"net/http"

	"github.com/ChuLiYu/mapprint/pkg/types"
	"gonum.org/v1/gonum/spatial/r2"
)

// DefaultMaxTiles bounds the grid of one layer when Plan.MaxTiles is zero.
const DefaultMaxTiles = 10000

// Plan describes the map view to print.
type Plan struct {
	Bounds   r2.Box  // viewport in world units before rotation
	Width    int     // viewport width in pixels
	Height   int     // viewport height in pixels
	DPI      float64 // output dpi, passed to tile servers
	Rotation float64 // degrees, counter-clockwise
	MaxTiles int     // tiles allowed per layer; 0 means DefaultMaxTiles
}

func (p Plan) maxTiles() int {
	if p.MaxTiles <= 0 {
		return DefaultMaxTiles
	}
	return p.MaxTiles
}

func tooManyTiles(layer *Layer, n float64, limit int) error {
	return &types.ValidationError{
		Field:  "map.tiles",
		Reason: fmt.Sprintf("layer %s needs %.0f tiles, limit is %d", layer.Name, n, limit),
	}
}

// Resolution is the world size of one output pixel.
func (p Plan) Resolution() float64 {
	return (p.Bounds.Max.X - p.Bounds.Min.X) / float64(p.Width)
}

// Viewport returns the corners of the view rotated around its centre.
func (p Plan) Viewport() []r2.Vec {
	corners := []r2.Vec{
		{X: p.Bounds.Min.X, Y: p.Bounds.Min.Y},
		{X: p.Bounds.Max.X, Y: p.Bounds.Min.Y},
		{X: p.Bounds.Max.X, Y: p.Bounds.Max.Y},
		{X: p.Bounds.Min.X, Y: p.Bounds.Max.Y},
	}
	if p.Rotation == 0 {
		return corners
	}
	rot := r2.NewRotation(p.Rotation*math.Pi/180, center(p.Bounds))
	for i, c := range corners {
		corners[i] = rot.Rotate(c)
	}
	return corners
}

func (p Plan) validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return &types.ValidationError{Field: "plan.size", Reason: "width and height must be positive"}
	}
	if p.Bounds.Max.X <= p.Bounds.Min.X || p.Bounds.Max.Y <= p.Bounds.Min.Y {
		return &types.ValidationError{Field: "plan.bounds", Reason: "bounds are empty"}
	}
	return nil
}

// Descriptor is one cell of the grid. Request is nil when the tile must not
// be fetched; Missing tells whether it should be drawn with the missing tile.
type Descriptor struct {
	Column  int
	Row     int
	Bounds  r2.Box
	XIndex  int
	YIndex  int
	Request *http.Request
	Missing bool // outside the layer extent
	Culled  bool // outside the rotated viewport
}

// Grid is the ordered set of descriptors for one layer and plan.
type Grid struct {
	Layer       *Layer
	Plan        Plan
	Resolution  float64
	Zoom        int
	Columns     int
	Rows        int
	Bounds      r2.Box // world bounds covered by the whole grid
	Coverage    r2.Box // area that had to be covered
	Viewport    []r2.Vec
	Descriptors []Descriptor
}

// NewGrid computes the grid of tiles of layer covering plan.
func NewGrid(plan Plan, layer *Layer) (*Grid, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	if err := layer.Validate(); err != nil {
		return nil, err
	}

	zoom, res := layer.closestResolution(plan.Resolution())
	viewport := plan.Viewport()
	coverage := boundingBox(viewport)

	tileW := res * float64(layer.TileWidth)
	tileH := res * float64(layer.TileHeight)

	minCol := int(math.Floor((coverage.Min.X - layer.Origin.X) / tileW))
	minRow := int(math.Floor((coverage.Min.Y - layer.Origin.Y) / tileH))

	// estimate before iterating: a resolution far finer than the plan's
	// would otherwise produce millions of descriptors
	limit := plan.maxTiles()
	estCols := math.Max(1, math.Ceil((coverage.Max.X-layer.Origin.X)/tileW)-float64(minCol))
	estRows := math.Max(1, math.Ceil((coverage.Max.Y-layer.Origin.Y)/tileH)-float64(minRow))
	if estCols*estRows > float64(limit) {
		return nil, tooManyTiles(layer, estCols*estRows, limit)
	}
	maxCol := minCol
	for layer.Origin.X+float64(maxCol+1)*tileW < coverage.Max.X {
		maxCol++
	}
	maxRow := minRow
	for layer.Origin.Y+float64(maxRow+1)*tileH < coverage.Max.Y {
		maxRow++
	}

	g := &Grid{
		Layer:      layer,
		Plan:       plan,
		Resolution: res,
		Zoom:       zoom,
		Columns:    maxCol - minCol + 1,
		Rows:       maxRow - minRow + 1,
		Coverage:   coverage,
		Viewport:   viewport,
		Bounds: r2.Box{
			Min: r2.Vec{X: layer.Origin.X + float64(minCol)*tileW, Y: layer.Origin.Y + float64(minRow)*tileH},
			Max: r2.Vec{X: layer.Origin.X + float64(maxCol+1)*tileW, Y: layer.Origin.Y + float64(maxRow+1)*tileH},
		},
	}
	if g.Columns*g.Rows > limit {
		return nil, tooManyTiles(layer, float64(g.Columns*g.Rows), limit)
	}
	g.Descriptors = make([]Descriptor, 0, g.Columns*g.Rows)

	for row := maxRow; row >= minRow; row-- {
		for col := minCol; col <= maxCol; col++ {
			d := Descriptor{
				Column: col,
				Row:    row,
				XIndex: col - minCol,
				YIndex: maxRow - row,
				Bounds: r2.Box{
					Min: r2.Vec{X: layer.Origin.X + float64(col)*tileW, Y: layer.Origin.Y + float64(row)*tileH},
					Max: r2.Vec{X: layer.Origin.X + float64(col+1)*tileW, Y: layer.Origin.Y + float64(row+1)*tileH},
				},
			}

			switch {
			case layer.Extent != nil && !overlaps(d.Bounds, *layer.Extent):
				d.Missing = true
			case plan.Rotation != 0 && !intersectsPolygon(d.Bounds, viewport):
				d.Culled = true
			default:
				req, err := layer.request(g, d)
				if err != nil {
					return nil, err
				}
				d.Request = req
			}
			g.Descriptors = append(g.Descriptors, d)
		}
	}
	return g, nil
}

// ImageSize is the pixel size of the assembled raster.
func (g *Grid) ImageSize() (int, int) {
	return g.Columns * g.Layer.TileWidth, g.Rows * g.Layer.TileHeight
}

// Requests counts descriptors that will be fetched.
func (g *Grid) Requests() int {
	n := 0
	for _, d := range g.Descriptors {
		if d.Request != nil {
			n++
		}
	}
	return n
}

func (g *Grid) String() string {
	return fmt.Sprintf("%s z%d %dx%d tiles", g.Layer.Name, g.Zoom, g.Columns, g.Rows)
}

func center(b r2.Box) r2.Vec {
	return r2.Scale(0.5, r2.Add(b.Min, b.Max))
}

func boundingBox(pts []r2.Vec) r2.Box {
	box := r2.Box{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		box.Min.X = math.Min(box.Min.X, p.X)
		box.Min.Y = math.Min(box.Min.Y, p.Y)
		box.Max.X = math.Max(box.Max.X, p.X)
		box.Max.Y = math.Max(box.Max.Y, p.Y)
	}
	return box
}

func overlaps(a, b r2.Box) bool {
	return a.Min.X < b.Max.X && b.Min.X < a.Max.X && a.Min.Y < b.Max.Y && b.Min.Y < a.Max.Y
}

// intersectsPolygon runs a separating axis test between an axis aligned box
// and a convex polygon. Touching edges do not count as intersecting.
func intersectsPolygon(box r2.Box, poly []r2.Vec) bool {
	corners := []r2.Vec{
		box.Min,
		{X: box.Max.X, Y: box.Min.Y},
		box.Max,
		{X: box.Min.X, Y: box.Max.Y},
	}
	axes := []r2.Vec{{X: 1}, {Y: 1}}
	for i := range poly {
		edge := r2.Sub(poly[(i+1)%len(poly)], poly[i])
		axes = append(axes, r2.Vec{X: -edge.Y, Y: edge.X})
	}
	for _, axis := range axes {
		aMin, aMax := project(corners, axis)
		bMin, bMax := project(poly, axis)
		if aMax <= bMin+epsilon || bMax <= aMin+epsilon {
			return false
		}
	}
	return true
}

const epsilon = 1e-9

func project(pts []r2.Vec, axis r2.Vec) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		d := r2.Dot(p, axis)
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}
	return lo, hi
}
