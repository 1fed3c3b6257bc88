package printer

import (
	"context"
	"fmt"
	"image"
	"net/http"

	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/internal/processor"
	"github.com/ChuLiYu/mapprint/internal/tiles"
	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/tidwall/gjson"
	"gonum.org/v1/gonum/spatial/r2"
)

// Request is a parsed print request.
//
//	{
//	  "layout": "A4 landscape",
//	  "outputFormat": "png",
//	  "attributes": {
//	    "title": "...",
//	    "map": {"bbox": [minx, miny, maxx, maxy], "width": 800, "height": 600,
//	            "dpi": 96, "rotation": 0, "layers": [...]},
//	    "rows": [{...}, ...],
//	    "columns": ["name", "value"]
//	  }
//	}
type Request struct {
	Layout  string
	Format  string
	Strings map[string]string // scalar attributes
	Map     *processor.MapAttribute
	Rows    []any
	Columns []string
}

// ParseRequest validates data and maps it onto a Request. Tile images named
// by URL are not loaded here; see resolveTileImages.
func ParseRequest(data []byte) (*Request, error) {
	if !gjson.ValidBytes(data) {
		return nil, &types.ValidationError{Field: "requestData", Reason: "invalid json"}
	}
	root := gjson.ParseBytes(data)

	req := &Request{
		Layout:  root.Get("layout").String(),
		Format:  root.Get("outputFormat").String(),
		Strings: map[string]string{},
	}

	attrs := root.Get("attributes")
	if attrs.Exists() && !attrs.IsObject() {
		return nil, &types.ValidationError{Field: "attributes", Reason: "expected an object"}
	}

	var err error
	attrs.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if values.IsProtected(name) {
			err = &types.ValidationError{Field: "attributes." + name, Reason: "reserved attribute name"}
			return false
		}
		switch name {
		case "map":
			req.Map, err = parseMap(value)
		case "rows":
			req.Rows, err = parseRows(value)
		case "columns":
			for _, c := range value.Array() {
				req.Columns = append(req.Columns, c.String())
			}
		default:
			switch value.Type {
			case gjson.String, gjson.Number, gjson.True, gjson.False:
				req.Strings[name] = value.String()
			}
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

func parseRows(value gjson.Result) ([]any, error) {
	if !value.IsArray() {
		return nil, &types.ValidationError{Field: "rows", Reason: "expected an array"}
	}
	rows := make([]any, 0, len(value.Array()))
	for i, row := range value.Array() {
		m, ok := row.Value().(map[string]any)
		if !ok {
			return nil, &types.ValidationError{Field: fmt.Sprintf("rows[%d]", i), Reason: "expected an object"}
		}
		rows = append(rows, m)
	}
	return rows, nil
}

func parseMap(value gjson.Result) (*processor.MapAttribute, error) {
	bbox := value.Get("bbox").Array()
	if len(bbox) != 4 {
		return nil, &types.ValidationError{Field: "map.bbox", Reason: "expected [minx, miny, maxx, maxy]"}
	}
	plan := tiles.Plan{
		Bounds: r2.Box{
			Min: r2.Vec{X: bbox[0].Float(), Y: bbox[1].Float()},
			Max: r2.Vec{X: bbox[2].Float(), Y: bbox[3].Float()},
		},
		Width:    int(value.Get("width").Int()),
		Height:   int(value.Get("height").Int()),
		DPI:      value.Get("dpi").Float(),
		Rotation: value.Get("rotation").Float(),
	}
	if plan.DPI == 0 {
		plan.DPI = 72
	}

	layers := value.Get("layers").Array()
	if len(layers) == 0 {
		return nil, &types.ValidationError{Field: "map.layers", Reason: "at least one layer is required"}
	}

	// Layers are listed top-most first; rendering wants the bottom first.
	attr := &processor.MapAttribute{Plan: plan}
	for i := len(layers) - 1; i >= 0; i-- {
		layer, err := parseLayer(layers[i], i)
		if err != nil {
			return nil, err
		}
		attr.Layers = append(attr.Layers, layer)
	}
	return attr, nil
}

func parseLayer(v gjson.Result, i int) (*tiles.Layer, error) {
	name := v.Get("name").String()
	if name == "" {
		name = fmt.Sprintf("layer%d", i)
	}
	layer := &tiles.Layer{
		Name:        name,
		TileWidth:   256,
		TileHeight:  256,
		Buffer:      int(v.Get("buffer").Int()),
		URLTemplate: v.Get("url").String(),
		FailOnError: v.Get("failOnError").Bool(),
	}
	if size := v.Get("tileSize").Array(); len(size) == 2 {
		layer.TileWidth = int(size[0].Int())
		layer.TileHeight = int(size[1].Int())
	}
	if origin := v.Get("origin").Array(); len(origin) == 2 {
		layer.Origin = r2.Vec{X: origin[0].Float(), Y: origin[1].Float()}
	}
	for _, r := range v.Get("resolutions").Array() {
		layer.Resolutions = append(layer.Resolutions, r.Float())
	}
	if ext := v.Get("extent").Array(); len(ext) == 4 {
		layer.Extent = &r2.Box{
			Min: r2.Vec{X: ext[0].Float(), Y: ext[1].Float()},
			Max: r2.Vec{X: ext[2].Float(), Y: ext[3].Float()},
		}
	}
	if headers := v.Get("headers"); headers.IsObject() {
		layer.Header = http.Header{}
		headers.ForEach(func(k, val gjson.Result) bool {
			layer.Header.Set(k.String(), val.String())
			return true
		})
	}
	if err := layer.Validate(); err != nil {
		return nil, err
	}
	return layer, nil
}

// tileImages lists the missing/error tile image URLs of a layer JSON, keyed by
// the index the layer ends up at in MapAttribute.Layers.
func tileImages(data []byte) map[int][2]string {
	layers := gjson.GetBytes(data, "attributes.map.layers").Array()
	out := map[int][2]string{}
	for i, l := range layers {
		missing, failed := l.Get("missingTile").String(), l.Get("errorTile").String()
		if missing != "" || failed != "" {
			out[len(layers)-1-i] = [2]string{missing, failed}
		}
	}
	return out
}

// resolveTileImages loads the configured missing/error tile images through
// the fetcher so asset:, data: and http: sources all work.
func resolveTileImages(ctx context.Context, f fetch.Fetcher, data []byte, attr *processor.MapAttribute) error {
	if attr == nil {
		return nil
	}
	for i, urls := range tileImages(data) {
		layer := attr.Layers[i]
		var err error
		if layer.MissingTile, err = loadImage(ctx, f, urls[0]); err != nil {
			return fmt.Errorf("layer %s missing tile: %w", layer.Name, err)
		}
		if layer.ErrorTile, err = loadImage(ctx, f, urls[1]); err != nil {
			return fmt.Errorf("layer %s error tile: %w", layer.Name, err)
		}
	}
	return nil
}

func loadImage(ctx context.Context, f fetch.Fetcher, rawURL string) (image.Image, error) {
	if rawURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Register(ctx, req).Execute(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	img, _, err := image.Decode(resp.Body)
	return img, err
}
