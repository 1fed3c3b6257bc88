// Package render holds the collaborators invoked at the edges of the processor
// graph: the geospatial compositor used by the map processor and the output
// templates that turn a finished Values bag into a file.
package render

import (
	"context"
	"image"
	"image/color"
	"math"

	"github.com/ChuLiYu/mapprint/internal/tiles"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"gonum.org/v1/gonum/spatial/r2"
)

// Geo composes layer rasters into the final viewport image.
type Geo struct {
	Background color.Color
}

// Compose samples every raster into a plan.Width x plan.Height image, cropping
// to the viewport and applying the plan rotation. Rasters are drawn in order,
// the first one at the bottom.
func (g Geo) Compose(ctx context.Context, plan tiles.Plan, rasters []*tiles.Raster) (*image.RGBA, error) {
	dst := image.NewRGBA(image.Rect(0, 0, plan.Width, plan.Height))
	if g.Background != nil {
		bg := color.RGBAModel.Convert(g.Background).(color.RGBA)
		for i := 0; i < len(dst.Pix); i += 4 {
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = bg.R, bg.G, bg.B, bg.A
		}
	}

	res := plan.Resolution()
	centre := r2.Scale(0.5, r2.Add(plan.Bounds.Min, plan.Bounds.Max))
	rot := r2.NewRotation(plan.Rotation*math.Pi/180, centre)

	for _, r := range rasters {
		if r == nil || r.Image == nil {
			continue
		}
		grid := r.Grid
		for py := 0; py < plan.Height; py++ {
			if err := types.CheckCancelled(ctx); err != nil {
				return nil, err
			}
			for px := 0; px < plan.Width; px++ {
				world := r2.Vec{
					X: plan.Bounds.Min.X + (float64(px)+0.5)*res,
					Y: plan.Bounds.Max.Y - (float64(py)+0.5)*res,
				}
				if plan.Rotation != 0 {
					world = rot.Rotate(world)
				}
				rx := int(math.Floor((world.X - grid.Bounds.Min.X) / grid.Resolution))
				ry := int(math.Floor((grid.Bounds.Max.Y - world.Y) / grid.Resolution))
				if !(image.Point{X: rx, Y: ry}).In(r.Image.Rect) {
					continue
				}
				blend(dst, px, py, r.Image.RGBAAt(rx, ry))
			}
		}
	}
	return dst, nil
}

// blend draws src over the pixel at (x, y). Both are premultiplied.
func blend(dst *image.RGBA, x, y int, src color.RGBA) {
	if src.A == 0 {
		return
	}
	i := dst.PixOffset(x, y)
	if src.A == 0xff {
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = src.R, src.G, src.B, src.A
		return
	}
	inv := uint32(0xff - src.A)
	dst.Pix[i] = src.R + uint8(uint32(dst.Pix[i])*inv/0xff)
	dst.Pix[i+1] = src.G + uint8(uint32(dst.Pix[i+1])*inv/0xff)
	dst.Pix[i+2] = src.B + uint8(uint32(dst.Pix[i+2])*inv/0xff)
	dst.Pix[i+3] = src.A + uint8(uint32(dst.Pix[i+3])*inv/0xff)
}
