package chunkfile

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("chunkfile: chunk not found")
	ErrClosed           = errors.New("chunkfile: store closed")
	ErrBlobSizeMismatch = errors.New("chunkfile: overwrite larger than stored slot")
)

// StorageError reports a failed read or write against one of the two files.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chunkfile: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
