package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// errEncoderAborted resolves entries that were queued behind a failed
// one and never reached the output stream.
var errEncoderAborted = errors.New("archive encoding aborted")

// Entry is the handle returned by Encoder.Append. The appender side
// supplies the entry's byte source with Supply; Wait resolves once all
// of the entry's bytes have been consumed into the compressed output,
// which is the moment the caller may release its concurrency slot.
type Entry struct {
	name     string
	ready    chan supplied
	done     chan struct{}
	err      error
	bytes    int64
	consumed bool // encoder goroutine received from ready
}

type supplied struct {
	rc  io.ReadCloser
	err error
}

// Supply hands the entry its byte source, or the error that prevented
// opening it. Must be called exactly once per entry; it never blocks.
func (e *Entry) Supply(rc io.ReadCloser, err error) {
	e.ready <- supplied{rc: rc, err: err}
}

// Wait blocks until the entry is fully encoded or ctx is canceled.
func (e *Entry) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BytesSeen returns how many uncompressed bytes of the entry reached
// the encoder. Only meaningful after Wait has returned.
func (e *Entry) BytesSeen() int64 { return e.bytes }

// Encoder turns named byte sources, appended in order, into one
// continuous deflate-compressed zip stream written to w. Sources may
// be supplied out of order and concurrently, but entry bytes reach the
// output strictly in append order: entry N+1 is not touched before
// entry N is fully flushed. That ordering is what lets a downstream
// multipart sink assign contiguous part numbers.
//
// Compression uses the maximum level: archives are written once and
// downloaded many times, so output size wins over encode latency.
type Encoder struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Entry
	finished bool
	done     chan struct{}
}

// NewEncoder starts the encode goroutine writing to pw. The pipe is
// closed (with the encode error, if any) when the last entry has been
// flushed or encoding fails.
func NewEncoder(ctx context.Context, pw *io.PipeWriter) *Encoder {
	e := &Encoder{
		done: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run(ctx, pw)
	return e
}

// Append registers the next entry by name and returns its handle
// immediately, even while earlier entries are still waiting on their
// sources. Entries serialize into the archive in append order. Append
// must not be called after Finish.
func (e *Encoder) Append(name string) *Entry {
	entry := &Entry{
		name:  name,
		ready: make(chan supplied, 1),
		done:  make(chan struct{}),
	}
	e.mu.Lock()
	e.queue = append(e.queue, entry)
	e.mu.Unlock()
	e.cond.Signal()
	return entry
}

// Finish signals that no more entries will be appended. The zip
// central directory is written and the output pipe closed once all
// appended entries have been encoded.
func (e *Encoder) Finish() {
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
	e.cond.Signal()
}

// next blocks until an entry is queued or Finish has been called with
// the queue drained.
func (e *Encoder) next() (*Entry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.queue) == 0 && !e.finished {
		e.cond.Wait()
	}
	if len(e.queue) == 0 {
		return nil, false
	}
	entry := e.queue[0]
	e.queue = e.queue[1:]
	return entry, true
}

func (e *Encoder) run(ctx context.Context, pw *io.PipeWriter) {
	defer close(e.done)

	zw := zip.NewWriter(pw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	var failure error
	for {
		entry, ok := e.next()
		if !ok {
			break
		}
		if failure != nil {
			entry.fail(errEncoderAborted)
			continue
		}
		if err := e.encodeEntry(ctx, zw, entry); err != nil {
			entry.fail(err)
			failure = err
			continue
		}
		close(entry.done)
	}

	if failure == nil {
		failure = zw.Close()
		if failure != nil {
			failure = &CodecError{Op: "encode", Err: failure}
		}
	}
	pw.CloseWithError(failure)
}

func (e *Encoder) encodeEntry(ctx context.Context, zw *zip.Writer, entry *Entry) error {
	var src supplied
	select {
	case src = <-entry.ready:
		entry.consumed = true
	case <-ctx.Done():
		return ctx.Err()
	}
	if src.err != nil {
		return src.err
	}
	defer src.rc.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry.name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return &CodecError{Op: "encode", Err: err}
	}
	n, err := copyContext(ctx, w, src.rc)
	entry.bytes = n
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.name, err)
	}
	return nil
}

// fail resolves the entry with err. If the encoder never received the
// entry's source, a collector waits for the pending Supply call so the
// opened reader is not leaked.
func (e *Entry) fail(err error) {
	e.err = err
	close(e.done)
	if !e.consumed {
		go func() {
			if src := <-e.ready; src.rc != nil {
				src.rc.Close()
			}
		}()
	}
}

// copyContext copies src to dst, checking ctx between chunks so a
// canceled job stops pulling source bytes promptly.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
