package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"

	"github.com/ChuLiYu/mapprint/internal/values"
	"github.com/ChuLiYu/mapprint/pkg/types"
)

// ErrUnsupportedFormat is returned for output formats without a template.
var ErrUnsupportedFormat = errors.New("render: unsupported output format")

// Template turns a completed Values bag into the job output.
type Template interface {
	Render(ctx context.Context, v *values.Values, w io.Writer) error
	MimeType() string
	Extension() string
}

// ForFormat returns the template for an output format name.
func ForFormat(format, imageKey string) (Template, error) {
	switch format {
	case "png", "":
		return PNG{ImageKey: imageKey}, nil
	case "json":
		return JSON{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// PNG writes the image stored under ImageKey.
type PNG struct {
	ImageKey string
}

func (p PNG) MimeType() string  { return "image/png" }
func (p PNG) Extension() string { return "png" }

func (p PNG) Render(ctx context.Context, v *values.Values, w io.Writer) error {
	if err := types.CheckCancelled(ctx); err != nil {
		return err
	}
	img, ok := values.Lookup[image.Image](v, p.ImageKey)
	if !ok {
		return &types.ValidationError{Field: p.ImageKey, Reason: "no image to render"}
	}
	return png.Encode(w, img)
}

// JSON writes every non-image value of the bag as a document. Values that
// cannot be encoded are left out.
type JSON struct{}

func (JSON) MimeType() string  { return "application/json" }
func (JSON) Extension() string { return "json" }

func (JSON) Render(ctx context.Context, v *values.Values, w io.Writer) error {
	if err := types.CheckCancelled(ctx); err != nil {
		return err
	}
	req := v.Required()
	doc := map[string]any{
		values.KeyJobID:    req.JobID,
		values.KeyTemplate: req.Template,
	}
	for _, k := range v.Keys() {
		val, _ := v.Get(k)
		if _, isImage := val.(image.Image); isImage {
			continue
		}
		raw, err := json.Marshal(val)
		if err != nil {
			continue
		}
		doc[k] = json.RawMessage(raw)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
