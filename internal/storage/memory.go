package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// memoryNotFoundBody mirrors the error document Dropbox returns for a
// missing path.
const memoryNotFoundBody = `{"error_summary": "path/not_found/", "error": {".tag": "path", "path": {".tag": "not_found"}}}`

// MemoryBackend keeps files in a map. It is used for local development and
// tests; contents are lost when the process exits. Tokens are accepted but
// not checked.
type MemoryBackend struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{files: make(map[string][]byte)}
}

// Name implements Backend.
func (b *MemoryBackend) Name() string { return "memory" }

// Download implements Backend. A missing file is reported the way Dropbox
// reports it: a structured 409 path/not_found error.
func (b *MemoryBackend) Download(ctx context.Context, token, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := b.Get(path)
	if !ok {
		return nil, &APIError{
			Op:         "Download",
			Path:       path,
			StatusCode: http.StatusConflict,
			Body:       memoryNotFoundBody,
			Structured: true,
		}
	}
	return data, nil
}

// Upload implements Backend.
func (b *MemoryBackend) Upload(ctx context.Context, token, path string, data []byte, opts UploadOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	b.Put(path, data)
	return nil
}

// Put stores a copy of data at path.
func (b *MemoryBackend) Put(path string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	b.mu.Lock()
	b.files[path] = cp
	b.mu.Unlock()
}

// Get returns a copy of the file at path.
func (b *MemoryBackend) Get(path string) ([]byte, bool) {
	b.mu.RLock()
	data, ok := b.files[path]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true
}

var _ Backend = (*MemoryBackend)(nil)
