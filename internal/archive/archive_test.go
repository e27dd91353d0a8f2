package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhq/archivist/internal/blob"
)

func testEngine(store blob.Store) *Engine {
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedObjects(store *blob.MemoryStore, objects map[string][]byte) {
	for key, data := range objects {
		store.SetObject(key, data)
	}
}

func randomBytes(n int) []byte {
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

func TestZipUnzipRoundTrip(t *testing.T) {
	store := blob.NewMemoryStore()
	sources := map[string][]byte{
		"export/batch-0.json": []byte(`{"nodes":[{"id":1},{"id":2}]}`),
		"export/batch-1.json": []byte(`{"nodes":[{"id":3}]}`),
		"uploads/image.png":   randomBytes(20000),
		"uploads/empty.dat":   {},
	}
	seedObjects(store, sources)
	engine := testEngine(store)

	zipRes, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys: []string{
			"export/batch-0.json",
			"export/batch-1.json",
			"uploads/image.png",
			"uploads/empty.dat",
		},
		DestinationKey: "artifacts/workspace.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, "workspace.zip", zipRes.ArchiveName)
	assert.Positive(t, zipRes.ArchiveSizeBytes)

	unzipRes, err := engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "artifacts/workspace.zip",
		OutputPrefix: "restore",
	})
	require.NoError(t, err)

	wantKeys := []string{
		"restore/batch-0.json",
		"restore/batch-1.json",
		"restore/image.png",
		"restore/empty.dat",
	}
	assert.ElementsMatch(t, wantKeys, unzipRes.OutputKeys)

	var wantTotal int64
	for srcKey, data := range sources {
		wantTotal += int64(len(data))
		restored, ok := store.Object("restore/" + basename(srcKey))
		require.True(t, ok, "missing restored object for %s", srcKey)
		assert.True(t, bytes.Equal(data, restored), "content mismatch for %s", srcKey)
	}
	assert.Equal(t, wantTotal, unzipRes.ExtractedBytesTotal)
}

func basename(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

func TestZipArchiveSizeIsExact(t *testing.T) {
	store := blob.NewMemoryStore()
	seedObjects(store, map[string][]byte{"a.txt": bytes.Repeat([]byte("data "), 5000)})
	engine := testEngine(store)

	res, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"a.txt"},
		DestinationKey: "out/a.zip",
	})
	require.NoError(t, err)

	stored, ok := store.Object("out/a.zip")
	require.True(t, ok)
	assert.Equal(t, int64(len(stored)), res.ArchiveSizeBytes)
}

func TestZipSmallArchiveSkipsMultipart(t *testing.T) {
	store := blob.NewMemoryStore()
	seedObjects(store, map[string][]byte{"tiny.json": []byte(`{"k":"v"}`)})
	engine := testEngine(store)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"tiny.json"},
		DestinationKey: "out/tiny.zip",
	})
	require.NoError(t, err)

	assert.Empty(t, store.Sessions(), "an archive below the part size must be one direct write")
	_, ok := store.Object("out/tiny.zip")
	assert.True(t, ok)
}

func TestZipMultipartPartsAreContiguous(t *testing.T) {
	store := blob.NewMemoryStore()
	seedObjects(store, map[string][]byte{"big.bin": randomBytes(20000)})
	engine := testEngine(store)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"big.bin"},
		DestinationKey: "out/big.zip",
		MaxPartSize:    1024,
	})
	require.NoError(t, err)

	sessions := store.Sessions()
	require.Len(t, sessions, 1)
	sess := sessions[0]
	require.True(t, sess.Completed)
	for i := int32(1); i <= int32(len(sess.Parts)); i++ {
		_, ok := sess.Parts[i]
		assert.True(t, ok, "part %d missing: numbers must be contiguous from 1", i)
	}
}

func TestZipScenarioSmallAndMediumEntry(t *testing.T) {
	store := blob.NewMemoryStore()
	seedObjects(store, map[string][]byte{
		"a.json": bytes.Repeat([]byte("j"), 100),
		"b.bin":  bytes.Repeat([]byte("bin-data"), 625), // 5000 bytes
	})
	engine := testEngine(store)

	res, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"a.json", "b.bin"},
		DestinationKey: "out/data.zip",
		MaxPartSize:    1024,
	})
	require.NoError(t, err)
	assert.Positive(t, res.ArchiveSizeBytes)
	assert.Less(t, res.ArchiveSizeBytes, int64(5100))

	unzipRes, err := engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "out/data.zip",
		OutputPrefix: "restored",
	})
	require.NoError(t, err)
	require.Len(t, unzipRes.OutputKeys, 2)

	a, _ := store.Object("restored/a.json")
	b, _ := store.Object("restored/b.bin")
	assert.Len(t, a, 100)
	assert.Len(t, b, 5000)
}

func TestZipValidation(t *testing.T) {
	engine := testEngine(blob.NewMemoryStore())

	_, err := engine.Zip(context.Background(), ZipJob{DestinationKey: "out.zip"})
	require.Error(t, err)
	var archiveErr *ArchiveError
	assert.ErrorAs(t, err, &archiveErr)

	_, err = engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"x/data.json", "y/data.json"},
		DestinationKey: "out.zip",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entry name")
}

func TestZipMissingSourceFailsWithNotFound(t *testing.T) {
	store := blob.NewMemoryStore()
	seedObjects(store, map[string][]byte{"present.json": []byte("{}")})
	engine := testEngine(store)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"present.json", "absent.json"},
		DestinationKey: "out.zip",
	})
	require.Error(t, err)

	var srcErr *SourceReadError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "absent.json", srcErr.Key)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestZipSourceFailureAbortsEverySession(t *testing.T) {
	store := blob.NewMemoryStore()
	objects := map[string][]byte{
		"big-0.bin": randomBytes(30000),
		"big-1.bin": randomBytes(30000),
		"big-2.bin": randomBytes(30000),
	}
	seedObjects(store, objects)

	failing := &failingGetStore{MemoryStore: store, failKey: "big-2.bin", failErr: errors.New("link reset")}
	engine := testEngine(failing)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:         []string{"big-0.bin", "big-1.bin", "big-2.bin"},
		DestinationKey:     "out/fail.zip",
		MaxPartSize:        1024,
		MaxParallelSources: 1,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "link reset", "the originating error must survive")

	for _, sess := range store.Sessions() {
		assert.True(t, sess.Aborted || sess.Completed,
			"session for %s left dangling", sess.Key)
		assert.False(t, sess.Completed, "no session may complete on a failed job")
	}
	_, ok := store.Object("out/fail.zip")
	assert.False(t, ok, "a failed job must not publish an artifact")
}

func TestZipConcurrencyBound(t *testing.T) {
	store := blob.NewMemoryStore()
	keys := []string{"k0", "k1", "k2", "k3", "k4"}
	for _, k := range keys {
		store.SetObject(k, randomBytes(5000))
	}
	tracking := &trackingGetStore{MemoryStore: store, openDelay: 10 * time.Millisecond}
	engine := testEngine(tracking)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:         keys,
		DestinationKey:     "out/bounded.zip",
		MaxParallelSources: 2,
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, tracking.Peak(), 2, "more reads in flight than the configured limit")
	assert.GreaterOrEqual(t, tracking.Peak(), 2, "fetches never overlapped; the limiter is over-serializing")
}

func TestUnzipLargeEntryPartCount(t *testing.T) {
	store := blob.NewMemoryStore()
	const entrySize = 5 << 20
	store.SetObject("src/huge.bin", randomBytes(entrySize))
	engine := testEngine(store)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"src/huge.bin"},
		DestinationKey: "out/huge.zip",
	})
	require.NoError(t, err)

	_, err = engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "out/huge.zip",
		OutputPrefix: "restored",
		MaxPartSize:  1 << 20,
	})
	require.NoError(t, err)

	var entrySession *blob.MemorySession
	for _, sess := range store.Sessions() {
		if sess.Key == "restored/huge.bin" {
			entrySession = sess
		}
	}
	require.NotNil(t, entrySession, "a 5 MiB entry with 1 MiB parts must use multipart")
	require.True(t, entrySession.Completed)
	// Incompressible 5 MiB at 1 MiB per part: exactly 5 parts.
	assert.Len(t, entrySession.Parts, 5)

	restored, ok := store.Object("restored/huge.bin")
	require.True(t, ok)
	assert.Len(t, restored, entrySize)
}

func TestUnzipUploadFailureAbortsAllSessions(t *testing.T) {
	store := blob.NewMemoryStore()
	store.SetObject("src/a.bin", randomBytes(300000))
	store.SetObject("src/b.bin", randomBytes(300000))
	engine := testEngine(store)

	_, err := engine.Zip(context.Background(), ZipJob{
		SourceKeys:     []string{"src/a.bin", "src/b.bin"},
		DestinationKey: "out/two.zip",
	})
	require.NoError(t, err)
	created := len(store.Sessions())

	failing := &failingPartStore{MemoryStore: store, failAfter: 4}
	engine = testEngine(failing)
	_, err = engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "out/two.zip",
		OutputPrefix: "restored",
		MaxPartSize:  64 << 10,
	})
	require.Error(t, err)

	var partErr *blob.UploadPartError
	assert.ErrorAs(t, err, &partErr)
	var extractErr *ExtractionError
	assert.ErrorAs(t, err, &extractErr)

	for _, sess := range store.Sessions()[created:] {
		assert.True(t, sess.Aborted || sess.Completed, "session for %s left dangling", sess.Key)
	}
}

func TestUnzipCorruptSource(t *testing.T) {
	store := blob.NewMemoryStore()
	store.SetObject("bad.zip", []byte("definitely not a zip"))
	engine := testEngine(store)

	_, err := engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "bad.zip",
		OutputPrefix: "out",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptArchive)
	var extractErr *ExtractionError
	assert.ErrorAs(t, err, &extractErr)
}

func TestUnzipRejectsEscapingEntryNames(t *testing.T) {
	// Hand-build an archive whose entry climbs out of the prefix.
	pr, pw := io.Pipe()
	enc := NewEncoder(context.Background(), pw)
	var archived bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(&archived, pr)
	}()
	entry := enc.Append("../../etc/passwd")
	entry.Supply(io.NopCloser(bytes.NewReader([]byte("root"))), nil)
	require.NoError(t, entry.Wait(context.Background()))
	enc.Finish()
	<-done

	store := blob.NewMemoryStore()
	store.SetObject("evil.zip", archived.Bytes())
	engine := testEngine(store)

	_, err := engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "evil.zip",
		OutputPrefix: "sandbox",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptArchive)
	assert.Equal(t, []string{"evil.zip"}, store.Keys(), "no object may be written outside the prefix")
}

func TestUnzipMissingSource(t *testing.T) {
	engine := testEngine(blob.NewMemoryStore())
	_, err := engine.Unzip(context.Background(), UnzipJob{
		SourceKey:    "nope.zip",
		OutputPrefix: "out",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

// failingGetStore fails Get for one key.
type failingGetStore struct {
	*blob.MemoryStore
	failKey string
	failErr error
}

func (f *failingGetStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == f.failKey {
		return nil, f.failErr
	}
	return f.MemoryStore.Get(ctx, key)
}

// failingPartStore fails every UploadPart call after the first N.
type failingPartStore struct {
	*blob.MemoryStore
	mu        sync.Mutex
	calls     int
	failAfter int
}

func (f *failingPartStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls > f.failAfter
	f.mu.Unlock()
	if fail {
		return "", errors.New("injected part failure")
	}
	return f.MemoryStore.UploadPart(ctx, key, uploadID, partNumber, body)
}

// trackingGetStore counts how many source read streams are open at
// once, from Get until the returned reader is closed.
type trackingGetStore struct {
	*blob.MemoryStore
	openDelay time.Duration

	mu       sync.Mutex
	inflight int
	peak     int
}

func (s *trackingGetStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.peak {
		s.peak = s.inflight
	}
	s.mu.Unlock()

	time.Sleep(s.openDelay)
	rc, err := s.MemoryStore.Get(ctx, key)
	if err != nil {
		s.release()
		return nil, err
	}
	return &trackedReader{ReadCloser: rc, store: s}, nil
}

func (s *trackingGetStore) release() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

func (s *trackingGetStore) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

type trackedReader struct {
	io.ReadCloser
	store *trackingGetStore
	once  sync.Once
}

func (r *trackedReader) Close() error {
	r.once.Do(r.store.release)
	return r.ReadCloser.Close()
}
