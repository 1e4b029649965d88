// pkg/extract/extract.go - metadata extraction from installer files.

package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/windowsadmins/cimiscan/pkg/catalog"
	"github.com/windowsadmins/cimiscan/pkg/logging"
	"github.com/windowsadmins/cimiscan/pkg/retry"
)

// ErrMetadataUnavailable is the normal outcome for files without readable
// metadata. Matching then relies on the file name and size alone.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// UnavailableError carries the reason metadata could not be read.
// errors.Is(err, ErrMetadataUnavailable) holds for every UnavailableError.
type UnavailableError struct {
	Path string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("metadata unavailable for %s: %v", e.Path, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrMetadataUnavailable }

// FileMetadata holds the identifying properties of an installer. Every field is optional.
type FileMetadata struct {
	ProductName  string `json:"product_name,omitempty"`
	Description  string `json:"description,omitempty"`
	Version      string `json:"version,omitempty"`
	ProductCode  string `json:"product_code,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// Empty reports whether no field is set.
func (m FileMetadata) Empty() bool {
	return m == FileMetadata{}
}

func (m FileMetadata) trimmed() FileMetadata {
	return FileMetadata{
		ProductName:  strings.TrimSpace(m.ProductName),
		Description:  strings.TrimSpace(m.Description),
		Version:      strings.TrimSpace(m.Version),
		ProductCode:  strings.TrimSpace(m.ProductCode),
		Manufacturer: strings.TrimSpace(m.Manufacturer),
	}
}

// Reader extracts FileMetadata from one file.
type Reader interface {
	Read(ctx context.Context, path string) (FileMetadata, error)
}

// MetadataReader reads version resources from .exe files and the property
// table from .msi packages.
type MetadataReader struct {
	// Timeout bounds a single read. MSI databases can block on file locks.
	Timeout time.Duration
	// Retry governs reopening a locked MSI database.
	Retry retry.RetryConfig

	readExe func(path string) (FileMetadata, error)
	readMsi func(path string) (FileMetadata, error)
}

// NewReader returns a MetadataReader using the platform readers.
func NewReader() *MetadataReader {
	return &MetadataReader{
		Timeout: 30 * time.Second,
		Retry: retry.RetryConfig{
			MaxRetries:      3,
			InitialInterval: 250 * time.Millisecond,
			Multiplier:      2,
		},
		readExe: exeMetadata,
		readMsi: msiMetadata,
	}
}

// Read returns the metadata of path. Every failure, including a timeout, is
// reported as an UnavailableError; only ctx cancellation is returned as is.
func (r *MetadataReader) Read(ctx context.Context, path string) (FileMetadata, error) {
	class, ok := catalog.ClassOf(path)
	if !ok {
		return FileMetadata{}, &UnavailableError{Path: path, Err: errors.New("not an installer file")}
	}

	var read func(string) (FileMetadata, error)
	switch class {
	case catalog.ExtExe:
		read = r.readExe
	case catalog.ExtMsi:
		read = func(p string) (FileMetadata, error) {
			var md FileMetadata
			err := retry.Retry(ctx, r.Retry, func() error {
				var err error
				md, err = r.readMsi(p)
				if errors.Is(err, os.ErrNotExist) {
					return retry.Permanent(err)
				}
				return err
			})
			return md, err
		}
	}

	md, err := r.withTimeout(ctx, path, read)
	if err != nil {
		if ctx.Err() != nil {
			return FileMetadata{}, ctx.Err()
		}
		logging.Debug("Metadata unavailable", "path", path, "error", err)
		return FileMetadata{}, &UnavailableError{Path: path, Err: err}
	}
	md = md.trimmed()
	if md.Empty() {
		return FileMetadata{}, &UnavailableError{Path: path, Err: errors.New("no identifying properties")}
	}
	return md, nil
}

type readResult struct {
	md  FileMetadata
	err error
}

// withTimeout runs read in its own goroutine so a blocked COM or file call
// cannot hold up the caller past the deadline.
func (r *MetadataReader) withTimeout(ctx context.Context, path string, read func(string) (FileMetadata, error)) (FileMetadata, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	done := make(chan readResult, 1)
	go func() {
		md, err := read(path)
		done <- readResult{md, err}
	}()

	select {
	case res := <-done:
		return res.md, res.err
	case <-ctx.Done():
		return FileMetadata{}, fmt.Errorf("reading %s: %w", path, ctx.Err())
	}
}
