package models

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrEmptyUpload is returned when an upload has no content.
var ErrEmptyUpload = errors.New("file is empty")

// Upload is a file to send to the backend. Open may be called more than once.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Validate checks that the upload can be sent.
func (u Upload) Validate() error {
	if u.Open == nil || u.Size <= 0 {
		return ErrEmptyUpload
	}
	return nil
}

// FileUpload creates an upload backed by a file on disk.
func FileUpload(path string) (Upload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Upload{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return Upload{}, fmt.Errorf("%s is a directory", path)
	}
	return Upload{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// BytesUpload creates an upload from an in-memory buffer.
func BytesUpload(name string, data []byte) Upload {
	return Upload{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}
