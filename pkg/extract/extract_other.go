//go:build !windows

package extract

import "errors"

var errUnsupported = errors.New("installer metadata can only be read on Windows")

func exeMetadata(string) (FileMetadata, error) { return FileMetadata{}, errUnsupported }

func msiMetadata(string) (FileMetadata, error) { return FileMetadata{}, errUnsupported }
