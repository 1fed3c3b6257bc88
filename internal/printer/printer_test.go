package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/ChuLiYu/mapprint/internal/fetch"
	"github.com/ChuLiYu/mapprint/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var red = color.RGBA{R: 255, A: 255}

func encodeTile(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTileServer(t *testing.T) *httptest.Server {
	t.Helper()
	tile := encodeTile(t, red)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(tile)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPrinter(t *testing.T, assets fstest.MapFS) (*Printer, Config) {
	t.Helper()
	f, err := fetch.NewFactory(fetch.Config{TempDir: t.TempDir(), RetryInterval: time.Millisecond, Assets: assets})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	cfg := Config{TaskRoot: t.TempDir(), OutputDir: t.TempDir(), Parallelism: 2}
	p, err := New(cfg, f)
	require.NoError(t, err)
	return p, cfg
}

func mapRequest(url string) []byte {
	return []byte(fmt.Sprintf(`{
		"layout": "A4 portrait",
		"outputFormat": "png",
		"attributes": {
			"title": "Test map",
			"map": {
				"bbox": [0, 0, 512, 512],
				"width": 256,
				"height": 256,
				"dpi": 96,
				"layers": [{"name": "base", "url": %q, "resolutions": [2]}]
			}
		}
	}`, url+"/{z}/{x}/{y}.png"))
}

func entry(ref string, data []byte) types.Entry {
	return types.Entry{ReferenceID: types.ReferenceID(ref), AppID: "default", RequestData: data, StartTime: time.Now()}
}

// ============================================================================
// Run
// ============================================================================

func TestRunMapToPNG(t *testing.T) {
	srv := newTileServer(t)
	p, cfg := newTestPrinter(t, nil)

	result, err := p.Run(context.Background(), entry("ref-map", mapRequest(srv.URL)))
	require.NoError(t, err)

	assert.Equal(t, "ref-map.png", result.FileName)
	assert.Equal(t, "image/png", result.MimeType)
	assert.Greater(t, result.Size, int64(0))

	file, err := os.Open(result.Path)
	require.NoError(t, err)
	defer file.Close()
	img, err := png.Decode(file)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	r, g, b, a := img.At(128, 128).RGBA()
	assert.Equal(t, [4]uint32{0xffff, 0, 0, 0xffff}, [4]uint32{r, g, b, a})

	// task directory removed once the job is over
	left, err := os.ReadDir(cfg.TaskRoot)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunRowsToJSON(t *testing.T) {
	p, _ := newTestPrinter(t, nil)

	data := []byte(`{
		"layout": "table",
		"outputFormat": "json",
		"attributes": {
			"title": "Inventory",
			"columns": ["name", "qty"],
			"rows": [{"name": "apple", "qty": 3}, {"name": "pear", "qty": 5}]
		}
	}`)
	result, err := p.Run(context.Background(), entry("ref-rows", data))
	require.NoError(t, err)
	assert.Equal(t, "application/json", result.MimeType)

	raw, err := os.ReadFile(result.Path)
	require.NoError(t, err)

	var doc struct {
		JobID    string            `json:"jobId"`
		Template string            `json:"template"`
		Table    [][]string        `json:"table"`
		Metadata map[string]string `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "ref-rows", doc.JobID)
	assert.Equal(t, "table", doc.Template)
	assert.Equal(t, [][]string{{"apple", "3"}, {"pear", "5"}}, doc.Table)
	assert.Equal(t, "Inventory", doc.Metadata["title"])
}

func TestRunResolvesTileImagesFromAssets(t *testing.T) {
	assets := fstest.MapFS{"tiles/missing.png": &fstest.MapFile{Data: encodeTile(t, color.Gray{Y: 128})}}
	p, _ := newTestPrinter(t, assets)

	data := []byte(`{"attributes": {"map": {"bbox": [0, 0, 512, 512], "width": 256, "height": 256,
		"layers": [{"url": "http://tiles.invalid/{z}/{x}/{y}.png", "resolutions": [2],
		            "extent": [10000, 10000, 20000, 20000], "missingTile": "asset:tiles/missing.png"}]}}}`)

	req, err := ParseRequest(data)
	require.NoError(t, err)
	require.NoError(t, resolveTileImages(context.Background(), p.fetcher, data, req.Map))
	assert.NotNil(t, req.Map.Layers[0].MissingTile)
	assert.Nil(t, req.Map.Layers[0].ErrorTile)
}

func TestRunCancelled(t *testing.T) {
	srv := newTileServer(t)
	p, _ := newTestPrinter(t, nil)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(types.ErrTimeout)

	_, err := p.Run(ctx, entry("ref-cancel", mapRequest(srv.URL)))
	require.Error(t, err)
	assert.True(t, types.IsCancellation(err))
}

func TestRunTileServerDown(t *testing.T) {
	srv := newTileServer(t)
	url := srv.URL
	srv.Close()

	p, _ := newTestPrinter(t, nil)
	data := bytes.Replace(mapRequest(url), []byte(`"resolutions": [2]`), []byte(`"resolutions": [2], "failOnError": true`), 1)

	_, err := p.Run(context.Background(), entry("ref-down", data))
	require.Error(t, err)
	assert.False(t, types.IsCancellation(err))
}

// ============================================================================
// Parsing
// ============================================================================

func TestParseRequestLayersTopFirst(t *testing.T) {
	data := []byte(`{"attributes": {"map": {"bbox": [0, 0, 1, 1], "width": 10, "height": 10,
		"layers": [{"name": "top", "url": "http://a/{z}"}, {"name": "bottom", "url": "http://b/{z}",
		            "tileSize": [512, 512], "origin": [-10, -10], "headers": {"X-Key": "k"}}]}}}`)

	req, err := ParseRequest(data)
	require.NoError(t, err)
	require.Len(t, req.Map.Layers, 2)

	bottom := req.Map.Layers[0]
	assert.Equal(t, "bottom", bottom.Name)
	assert.Equal(t, 512, bottom.TileWidth)
	assert.Equal(t, -10.0, bottom.Origin.X)
	assert.Equal(t, "k", bottom.Header.Get("X-Key"))
	assert.Equal(t, "top", req.Map.Layers[1].Name)
	assert.Equal(t, 72.0, req.Map.Plan.DPI)
}

func TestValidate(t *testing.T) {
	p, _ := newTestPrinter(t, nil)

	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"invalid json", `{"attributes":`, "requestData"},
		{"attributes not an object", `{"attributes": []}`, "attributes"},
		{"short bbox", `{"attributes": {"map": {"bbox": [0, 0, 1], "layers": [{"url": "x"}]}}}`, "map.bbox"},
		{"no layers", `{"attributes": {"map": {"bbox": [0, 0, 1, 1]}}}`, "map.layers"},
		{"layer without url", `{"attributes": {"map": {"bbox": [0, 0, 1, 1], "layers": [{}]}}}`, "layer.url"},
		{"rows not objects", `{"attributes": {"rows": [1, 2]}}`, "rows[0]"},
		{"png without map", `{"outputFormat": "png", "attributes": {"title": "x"}}`, "outputFormat"},
		{"unknown format", `{"outputFormat": "pdf"}`, "outputFormat"},
		{"reserved job id", `{"attributes": {"jobId": "x"}}`, "attributes.jobId"},
		{"reserved template", `{"attributes": {"template": "other"}}`, "attributes.template"},
		{"reserved non-scalar", `{"attributes": {"tempTaskDirectory": {"path": "/"}}}`, "attributes.tempTaskDirectory"},
		{"too many tiles", `{"attributes": {"map": {"bbox": [0, 0, 512, 512], "width": 256, "height": 256,
			"layers": [{"url": "http://tiles.invalid/{z}/{x}/{y}.png", "resolutions": [0.001]}]}}}`, "map.tiles"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate([]byte(tt.data))
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, p.Validate([]byte(`{"attributes": {"title": "only metadata"}}`)))
}
