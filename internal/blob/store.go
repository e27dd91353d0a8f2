// Package blob provides the object store abstraction used by the
// archive engine: streaming download, single-shot upload, and the
// multipart upload protocol, plus an auto-escalating object writer.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Get when the requested key does not exist.
var ErrNotFound = errors.New("object not found")

// CompletedPart identifies one successfully uploaded part of a
// multipart upload session. Part numbers start at 1 and are contiguous.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// Store defines the object store operations the engine consumes.
// All implementations must be safe for concurrent access.
type Store interface {
	// Get opens a streaming read of the object at key.
	// Returns ErrNotFound (possibly wrapped) if the key is absent.
	// The caller owns the returned reader and must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Put writes a complete object in one call. size is the exact
	// number of bytes r will yield; contentType may be empty.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// CreateMultipartUpload starts a multipart session for key and
	// returns its upload ID.
	CreateMultipartUpload(ctx context.Context, key string) (string, error)

	// UploadPart uploads one numbered part. body is only valid for
	// the duration of the call. Returns the part's ETag.
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (string, error)

	// CompleteMultipartUpload stitches the listed parts, in order,
	// into the final object.
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error

	// AbortMultipartUpload discards an in-progress session. Callers
	// treat failures as best-effort (logged, not propagated).
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// UploadPartError reports a failed part upload.
type UploadPartError struct {
	Key        string
	PartNumber int32
	Err        error
}

func (e *UploadPartError) Error() string {
	return fmt.Sprintf("upload part %d of %s: %v", e.PartNumber, e.Key, e.Err)
}

func (e *UploadPartError) Unwrap() error { return e.Err }

// CompleteUploadError reports a failed multipart completion or a
// failed single-shot object write.
type CompleteUploadError struct {
	Key string
	Err error
}

func (e *CompleteUploadError) Error() string {
	return fmt.Sprintf("complete upload of %s: %v", e.Key, e.Err)
}

func (e *CompleteUploadError) Unwrap() error { return e.Err }
