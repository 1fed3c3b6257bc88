package fetch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrSchemeNotAllowed is returned for schemes the factory refuses to serve.
	ErrSchemeNotAllowed = errors.New("fetch: scheme not allowed")
	// ErrInvalidDataURI is returned for malformed data: URIs.
	ErrInvalidDataURI = errors.New("fetch: invalid data uri")
)

// resolveLocal serves data:, file: and asset: URIs without touching the network.
func (f *Factory) resolveLocal(u *url.URL) (*snapshot, error) {
	switch u.Scheme {
	case "data":
		return decodeDataURI(u)
	case "file":
		return f.readFile(u)
	case "asset":
		return f.readAsset(u)
	}
	return nil, fmt.Errorf("%w: %s", ErrSchemeNotAllowed, u.Scheme)
}

// decodeDataURI parses data:[<mediatype>][;base64],<data>.
func decodeDataURI(u *url.URL) (*snapshot, error) {
	raw := u.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(u.String(), "data:")
	}
	meta, payload, ok := strings.Cut(raw, ",")
	if !ok {
		return nil, ErrInvalidDataURI
	}

	isBase64 := strings.HasSuffix(meta, ";base64")
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
		}
		data = []byte(unescaped)
	}

	return memorySnapshot(http.StatusOK, mediaType, data), nil
}

func (f *Factory) readFile(u *url.URL) (*snapshot, error) {
	if f.cfg.FileRoot == "" {
		return nil, fmt.Errorf("%w: file", ErrSchemeNotAllowed)
	}
	root, err := filepath.Abs(f.cfg.FileRoot)
	if err != nil {
		return nil, err
	}
	name := filepath.FromSlash(u.Path)
	if name == "" {
		name = filepath.FromSlash(u.Opaque)
	}
	path := filepath.Join(root, name)
	if filepath.IsAbs(name) {
		path = filepath.Clean(name)
	}
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s is outside the file root", ErrSchemeNotAllowed, name)
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return memorySnapshot(http.StatusNotFound, "text/plain", nil), nil
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", contentType(path))
	header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	return &snapshot{statusCode: http.StatusOK, header: header, size: info.Size(), path: path}, nil
}

func (f *Factory) readAsset(u *url.URL) (*snapshot, error) {
	if f.cfg.Assets == nil {
		return nil, fmt.Errorf("%w: asset", ErrSchemeNotAllowed)
	}
	name := strings.TrimPrefix(u.Opaque, "/")
	if name == "" {
		name = strings.TrimPrefix(u.Host+u.Path, "/")
	}
	data, err := fs.ReadFile(f.cfg.Assets, name)
	if errors.Is(err, fs.ErrNotExist) {
		return memorySnapshot(http.StatusNotFound, "text/plain", nil), nil
	}
	if err != nil {
		return nil, err
	}
	return memorySnapshot(http.StatusOK, contentType(name), data), nil
}

func memorySnapshot(status int, mediaType string, data []byte) *snapshot {
	header := http.Header{}
	header.Set("Content-Type", mediaType)
	header.Set("Content-Length", strconv.Itoa(len(data)))
	return &snapshot{statusCode: status, header: header, size: int64(len(data)), data: data}
}

func contentType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
