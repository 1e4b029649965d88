// pkg/testutil/metadata.go - fixed metadata for identification pipelines.

package testutil

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/windowsadmins/cimiscan/pkg/extract"
)

// MetadataReader returns preset metadata by file name. Unknown files are
// reported as metadata-unavailable.
type MetadataReader struct {
	mu    sync.Mutex
	byKey map[string]extract.FileMetadata
	reads []string
}

// NewMetadataReader returns a reader with no metadata.
func NewMetadataReader() *MetadataReader {
	return &MetadataReader{byKey: make(map[string]extract.FileMetadata)}
}

// Set registers metadata for every file whose base name equals name.
func (m *MetadataReader) Set(name string, md extract.FileMetadata) *MetadataReader {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[strings.ToLower(name)] = md
	return m
}

// Reads returns the paths read so far.
func (m *MetadataReader) Reads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reads...)
}

func (m *MetadataReader) Read(ctx context.Context, path string) (extract.FileMetadata, error) {
	if err := ctx.Err(); err != nil {
		return extract.FileMetadata{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = append(m.reads, path)
	md, ok := m.byKey[strings.ToLower(filepath.Base(path))]
	if !ok {
		return extract.FileMetadata{}, &extract.UnavailableError{Path: path, Err: extract.ErrMetadataUnavailable}
	}
	return md, nil
}
