package fetch

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
)

// Response is one consumer's view of a cached response. The body stream belongs
// to the caller and must be closed.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Size       int64
}

// ReadAll reads and closes the body.
func (r *Response) ReadAll() ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

// snapshot is a response materialised once and shared by every handle that
// registered the same request.
type snapshot struct {
	statusCode int
	header     http.Header
	size       int64

	// exactly one of path or data carries the body
	path  string
	data  []byte
	owned bool // path is a temp file we must delete
}

func (s *snapshot) open() (*Response, error) {
	resp := &Response{
		StatusCode: s.statusCode,
		Header:     s.header.Clone(),
		Size:       s.size,
	}
	if s.path == "" {
		resp.Body = io.NopCloser(bytes.NewReader(s.data))
		return resp, nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	resp.Body = f
	return resp, nil
}

// entry is the shared deferred task behind one or more handles.
type entry struct {
	done chan struct{}
	snap *snapshot
	err  error

	mu      sync.Mutex
	refs    int
	evicted bool
}

func newEntry() *entry {
	return &entry{done: make(chan struct{})}
}

// completed returns an entry that is already resolved.
func completed(snap *snapshot, err error) *entry {
	e := newEntry()
	e.snap, e.err = snap, err
	close(e.done)
	return e
}

func (e *entry) acquire() {
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
}

// release drops a handle reference and removes the temp file once the entry has
// left the cache and nobody can open it anymore.
func (e *entry) release() {
	e.mu.Lock()
	e.refs--
	remove := e.evicted && e.refs <= 0
	e.mu.Unlock()
	if remove {
		go e.cleanupWhenDone()
	}
}

func (e *entry) evict() {
	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return
	}
	e.evicted = true
	remove := e.refs <= 0
	e.mu.Unlock()
	if remove {
		go e.cleanupWhenDone()
	}
}

// cleanupWhenDone waits for the fetch so a body written after the last
// handle let go is still removed.
func (e *entry) cleanupWhenDone() {
	<-e.done
	e.cleanup()
}

// shareable reports whether later requests may reuse this result. Call
// only after done is closed.
func (e *entry) shareable() bool {
	return e.err == nil && e.snap != nil && e.snap.statusCode < http.StatusInternalServerError
}

func (e *entry) cleanup() {
	if e.snap != nil && e.snap.owned && e.snap.path != "" {
		if err := os.Remove(e.snap.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return
		}
	}
}
