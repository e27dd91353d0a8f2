package blob

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// uploadState tracks which branch of the upload protocol an Uploader
// has committed to. A target never mixes a direct Put with multipart
// state: it goes stateNone -> stateDone (direct write on Close), or
// stateNone -> stateMultipart -> stateDone.
type uploadState int

const (
	stateNone uploadState = iota
	stateMultipart
	stateDone
)

// Uploader is an io.WriteCloser that persists a byte stream under one
// key. Bytes accumulate in an internal buffer; if the stream ends
// before the buffer ever reaches partSize, Close issues one direct
// Put. Otherwise the Uploader lazily creates a multipart session on
// the first threshold crossing, uploads each full buffer as the next
// contiguous part, and Close uploads the remainder and completes the
// session.
//
// Write and Close must be called from a single goroutine. Abort may be
// called from another goroutine once writing has stopped.
type Uploader struct {
	ctx         context.Context
	store       Store
	key         string
	partSize    int64
	contentType string
	logger      *slog.Logger

	mu       sync.Mutex
	buf      bytes.Buffer
	uploadID string
	parts    []CompletedPart
	nextPart int32
	written  int64
	state    uploadState
}

// NewUploader creates an Uploader writing to key. partSize must be
// positive; ctx is checked before every network call so a canceled job
// stops uploading promptly.
func NewUploader(ctx context.Context, store Store, key string, partSize int64, contentType string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		ctx:         ctx,
		store:       store,
		key:         key,
		partSize:    partSize,
		contentType: contentType,
		logger:      logger,
		nextPart:    1,
	}
}

// Key returns the destination key.
func (u *Uploader) Key() string { return u.key }

// BytesWritten returns the total bytes observed so far, independent of
// how many have been shipped as parts.
func (u *Uploader) BytesWritten() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.written
}

// Write implements io.Writer.
func (u *Uploader) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	n, _ := u.buf.Write(p)
	u.written += int64(n)
	for int64(u.buf.Len()) >= u.partSize {
		if err := u.flushPart(u.buf.Next(int(u.partSize))); err != nil {
			// Every byte of p was accepted into uploader state before
			// the flush failed; the count must say so.
			return n, err
		}
	}
	return n, nil
}

// flushPart ships one part, creating the session on first use.
// Caller holds u.mu.
func (u *Uploader) flushPart(body []byte) error {
	if err := u.ctx.Err(); err != nil {
		return err
	}
	if u.state == stateNone {
		id, err := u.store.CreateMultipartUpload(u.ctx, u.key)
		if err != nil {
			return &UploadPartError{Key: u.key, PartNumber: u.nextPart, Err: err}
		}
		u.uploadID = id
		u.state = stateMultipart
	}
	etag, err := u.store.UploadPart(u.ctx, u.key, u.uploadID, u.nextPart, body)
	if err != nil {
		return &UploadPartError{Key: u.key, PartNumber: u.nextPart, Err: err}
	}
	u.parts = append(u.parts, CompletedPart{PartNumber: u.nextPart, ETag: etag})
	u.nextPart++
	return nil
}

// Close finishes the upload: direct Put if the part threshold was
// never crossed, otherwise final part plus session completion.
func (u *Uploader) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == stateDone {
		return nil
	}
	if err := u.ctx.Err(); err != nil {
		return err
	}

	if u.state == stateNone {
		err := u.store.Put(u.ctx, u.key, bytes.NewReader(u.buf.Bytes()), int64(u.buf.Len()), u.contentType)
		if err != nil {
			return &CompleteUploadError{Key: u.key, Err: err}
		}
		u.state = stateDone
		return nil
	}

	if u.buf.Len() > 0 {
		if err := u.flushPart(u.buf.Next(u.buf.Len())); err != nil {
			return err
		}
	}
	if err := u.store.CompleteMultipartUpload(u.ctx, u.key, u.uploadID, u.parts); err != nil {
		return &CompleteUploadError{Key: u.key, Err: err}
	}
	u.state = stateDone
	return nil
}

// Abort discards an open multipart session, if any. It takes its own
// context because it runs on failure paths where the job context is
// already canceled. Failures are logged, never returned, so they do
// not mask the error that triggered the abort.
func (u *Uploader) Abort(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state != stateMultipart {
		return
	}
	if err := u.store.AbortMultipartUpload(ctx, u.key, u.uploadID); err != nil {
		u.logger.Warn("abort multipart upload failed",
			"key", u.key, "upload_id", u.uploadID, "error", err)
	}
	u.state = stateDone
}
