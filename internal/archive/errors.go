package archive

import (
	"errors"
	"fmt"
)

// ErrCorruptArchive marks decode failures caused by malformed or
// truncated archive structure. Wrapped by CodecError; test with
// errors.Is.
var ErrCorruptArchive = errors.New("corrupt archive")

// SourceReadError reports that a remote source object could not be
// opened or streamed.
type SourceReadError struct {
	Key string
	Err error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("read source %s: %v", e.Key, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

// CodecError reports a failure inside the archive codec: a malformed
// archive on decode, or an internal failure while encoding.
type CodecError struct {
	Op  string // "encode" or "decode"
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// ArchiveError is the job-level failure returned by Zip. It always
// carries the originating cause.
type ArchiveError struct {
	Destination string
	Err         error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive to %s: %v", e.Destination, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// ExtractionError is the job-level failure returned by Unzip.
type ExtractionError struct {
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Source, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }
