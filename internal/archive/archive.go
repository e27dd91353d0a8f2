// Package archive implements the streaming archive engine: it zips
// many blob-store objects into one compressed archive object, and
// unzips an archive object back into individual objects, without ever
// holding a whole archive or a whole entry in memory.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/quillhq/archivist/internal/blob"
)

const (
	// DefaultMaxPartSize is the multipart part size used when a job
	// does not set one.
	DefaultMaxPartSize = 10 << 20 // 10 MiB

	// DefaultMaxParallel bounds concurrent source fetches (zip) or
	// destination writers (unzip) when a job does not set a limit.
	DefaultMaxParallel = 3

	zipContentType = "application/zip"
)

// ZipJob describes one archive run. Keys are read in order; each
// entry is named by its key's basename.
type ZipJob struct {
	SourceKeys     []string
	DestinationKey string

	// MaxPartSize is the multipart part size in bytes; 0 means
	// DefaultMaxPartSize.
	MaxPartSize int64

	// MaxParallelSources caps simultaneously open source reads; 0
	// means DefaultMaxParallel.
	MaxParallelSources int
}

// ZipResult reports a finished archive run.
type ZipResult struct {
	// ArchiveSizeBytes is the exact compressed size written to the
	// destination key.
	ArchiveSizeBytes int64
	ArchiveName      string
}

// UnzipJob describes one extraction run.
type UnzipJob struct {
	SourceKey    string
	OutputPrefix string

	// MaxPartSize as in ZipJob.
	MaxPartSize int64

	// MaxParallelEntries caps destination writers in flight; 0 means
	// DefaultMaxParallel.
	MaxParallelEntries int
}

// UnzipResult reports a finished extraction run.
type UnzipResult struct {
	OutputKeys          []string
	ExtractedBytesTotal int64
}

// Engine wires the codec, limiter, and upload machinery over one blob
// store. An Engine is stateless across jobs; every Zip/Unzip call owns
// its own limiter, codec instance, and upload sessions.
type Engine struct {
	store  blob.Store
	logger *slog.Logger
}

// New creates an Engine. A nil logger falls back to slog.Default().
func New(store blob.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Zip streams every source object into one compressed archive under
// job.DestinationKey. On any failure the multipart session created for
// the destination (if any) is aborted and the originating error is
// returned wrapped in *ArchiveError; no artifact is left visible.
func (e *Engine) Zip(ctx context.Context, job ZipJob) (*ZipResult, error) {
	if err := validateZipJob(job); err != nil {
		return nil, &ArchiveError{Destination: job.DestinationKey, Err: err}
	}
	partSize := job.MaxPartSize
	if partSize <= 0 {
		partSize = DefaultMaxPartSize
	}
	parallel := job.MaxParallelSources
	if parallel <= 0 {
		parallel = DefaultMaxParallel
	}

	g, gctx := errgroup.WithContext(ctx)
	pr, pw := io.Pipe()
	enc := NewEncoder(gctx, pw)
	lim := NewLimiter(parallel)
	sink := blob.NewUploader(gctx, e.store, job.DestinationKey, partSize, zipContentType, e.logger)

	// Sink: drain the encoder's continuous output into parts. On
	// failure the read side of the pipe is torn down so the encoder
	// never blocks writing to a dead consumer.
	g.Go(func() error {
		if _, err := io.Copy(sink, pr); err != nil {
			pr.CloseWithError(err)
			return err
		}
		return sink.Close()
	})

	// Feeder: appends entries in key order. The append happens on
	// this goroutine, so archive entry order matches SourceKeys even
	// though the fetches land out of order.
	g.Go(func() error {
		defer enc.Finish()
		for _, key := range job.SourceKeys {
			if err := lim.Acquire(gctx); err != nil {
				return err
			}
			entry := enc.Append(path.Base(key))
			go func() {
				rc, err := e.store.Get(gctx, key)
				if err != nil {
					err = &SourceReadError{Key: key, Err: err}
				}
				entry.Supply(rc, err)
			}()
			g.Go(func() error {
				defer lim.Release()
				return entry.Wait(gctx)
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		pr.CloseWithError(err)
		sink.Abort(context.WithoutCancel(ctx))
		e.logger.Error("archive job failed",
			"destination", job.DestinationKey, "error", err)
		return nil, &ArchiveError{Destination: job.DestinationKey, Err: err}
	}

	res := &ZipResult{
		ArchiveSizeBytes: sink.BytesWritten(),
		ArchiveName:      path.Base(job.DestinationKey),
	}
	e.logger.Info("archive written",
		"destination", job.DestinationKey,
		"entries", len(job.SourceKeys),
		"size_bytes", res.ArchiveSizeBytes)
	return res, nil
}

// Unzip streams the archive at job.SourceKey and writes each entry to
// its own object under job.OutputPrefix. Entries decode strictly in
// archive order off one input stream; the limiter bounds how many
// destination writers are still flushing parts concurrently. On any
// failure every multipart session created by any entry is aborted.
func (e *Engine) Unzip(ctx context.Context, job UnzipJob) (*UnzipResult, error) {
	if err := validateUnzipJob(job); err != nil {
		return nil, &ExtractionError{Source: job.SourceKey, Err: err}
	}
	partSize := job.MaxPartSize
	if partSize <= 0 {
		partSize = DefaultMaxPartSize
	}
	parallel := job.MaxParallelEntries
	if parallel <= 0 {
		parallel = DefaultMaxParallel
	}

	src, err := e.store.Get(ctx, job.SourceKey)
	if err != nil {
		err = &SourceReadError{Key: job.SourceKey, Err: err}
		return nil, &ExtractionError{Source: job.SourceKey, Err: err}
	}
	defer src.Close()

	g, gctx := errgroup.WithContext(ctx)
	dec := NewDecoder(src)
	lim := NewLimiter(parallel)

	var mu sync.Mutex
	var uploaders []*blob.Uploader
	var outputKeys []string
	var total int64

	g.Go(func() error {
		for {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry, err := dec.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if strings.HasSuffix(entry.Name, "/") {
				continue // directory marker, nothing to write
			}
			name, err := entryPath(entry.Name)
			if err != nil {
				return err
			}

			if err := lim.Acquire(gctx); err != nil {
				return err
			}
			key := job.OutputPrefix + "/" + name
			up := blob.NewUploader(gctx, e.store, key, partSize, "", e.logger)
			mu.Lock()
			uploaders = append(uploaders, up)
			mu.Unlock()

			// The entry body must be consumed here, on the decode
			// goroutine, because all entries share one input stream.
			// The writer goroutine overlaps part uploads and the
			// final complete call with decoding the next entry.
			epr, epw := io.Pipe()
			g.Go(func() error {
				defer lim.Release()
				n, err := io.Copy(up, epr)
				if err != nil {
					epr.CloseWithError(err)
					return err
				}
				if err := up.Close(); err != nil {
					return err
				}
				mu.Lock()
				outputKeys = append(outputKeys, key)
				total += n
				mu.Unlock()
				return nil
			})
			if _, err := copyContext(gctx, epw, entry); err != nil {
				epw.CloseWithError(err)
				return err
			}
			epw.Close()
		}
	})

	if err := g.Wait(); err != nil {
		abortCtx := context.WithoutCancel(ctx)
		mu.Lock()
		for _, up := range uploaders {
			up.Abort(abortCtx)
		}
		mu.Unlock()
		e.logger.Error("extraction job failed",
			"source", job.SourceKey, "error", err)
		return nil, &ExtractionError{Source: job.SourceKey, Err: err}
	}

	res := &UnzipResult{OutputKeys: outputKeys, ExtractedBytesTotal: total}
	e.logger.Info("archive extracted",
		"source", job.SourceKey,
		"entries", len(outputKeys),
		"bytes", total)
	return res, nil
}

func validateZipJob(job ZipJob) error {
	if len(job.SourceKeys) == 0 {
		return fmt.Errorf("no source keys")
	}
	if job.DestinationKey == "" {
		return fmt.Errorf("destination key is empty")
	}
	// Entries are named by basename; two sources colliding on one
	// name would silently shadow each other inside the archive, so
	// the collision is rejected up front.
	seen := make(map[string]string, len(job.SourceKeys))
	for _, key := range job.SourceKeys {
		base := path.Base(key)
		if base == "." || base == "/" {
			return fmt.Errorf("source key %q has no usable basename", key)
		}
		if prev, ok := seen[base]; ok {
			return fmt.Errorf("duplicate entry name %q from %q and %q", base, prev, key)
		}
		seen[base] = key
	}
	return nil
}

func validateUnzipJob(job UnzipJob) error {
	if job.SourceKey == "" {
		return fmt.Errorf("source key is empty")
	}
	if job.OutputPrefix == "" {
		return fmt.Errorf("output prefix is empty")
	}
	return nil
}

// entryPath sanitizes an archive entry name into a key path relative
// to the output prefix. Names that escape the prefix are treated as
// corrupt input.
func entryPath(name string) (string, error) {
	cleaned := path.Clean(name)
	if cleaned == "." || path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &CodecError{
			Op:  "decode",
			Err: fmt.Errorf("entry name %q escapes the output prefix: %w", name, ErrCorruptArchive),
		}
	}
	return cleaned, nil
}
