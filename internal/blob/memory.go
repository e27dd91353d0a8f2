package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and by the CLI's
// local smoke mode. It records every multipart session, including
// aborted ones, so callers can assert on protocol behavior.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	sessions map[string]*MemorySession
}

// MemorySession is the recorded state of one multipart session.
type MemorySession struct {
	Key       string
	UploadID  string
	Parts     map[int32][]byte
	ETags     map[int32]string
	Completed bool
	Aborted   bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		sessions: make(map[string]*MemorySession),
	}
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("put %s: size mismatch: declared %d, read %d", key, size, len(data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

// CreateMultipartUpload implements Store.
func (m *MemoryStore) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.sessions[id] = &MemorySession{
		Key:      key,
		UploadID: id,
		Parts:    make(map[int32][]byte),
		ETags:    make(map[int32]string),
	}
	return id, nil
}

// UploadPart implements Store.
func (m *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok || sess.Key != key {
		return "", fmt.Errorf("upload part: no such upload %s for %s", uploadID, key)
	}
	if sess.Completed || sess.Aborted {
		return "", fmt.Errorf("upload part: upload %s already terminated", uploadID)
	}
	data := make([]byte, len(body))
	copy(data, body)
	etag := fmt.Sprintf("etag-%s-%d", uploadID[:8], partNumber)
	sess.Parts[partNumber] = data
	sess.ETags[partNumber] = etag
	return etag, nil
}

// CompleteMultipartUpload implements Store. The parts list must name
// every uploaded part with its ETag, in ascending part-number order.
func (m *MemoryStore) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok || sess.Key != key {
		return fmt.Errorf("complete upload: no such upload %s for %s", uploadID, key)
	}
	if sess.Completed || sess.Aborted {
		return fmt.Errorf("complete upload: upload %s already terminated", uploadID)
	}
	var assembled []byte
	last := int32(0)
	for _, p := range parts {
		if p.PartNumber <= last {
			return fmt.Errorf("complete upload: part numbers not strictly ascending at %d", p.PartNumber)
		}
		last = p.PartNumber
		data, ok := sess.Parts[p.PartNumber]
		if !ok || sess.ETags[p.PartNumber] != p.ETag {
			return fmt.Errorf("complete upload: unknown part %d", p.PartNumber)
		}
		assembled = append(assembled, data...)
	}
	sess.Completed = true
	m.objects[key] = assembled
	return nil
}

// AbortMultipartUpload implements Store.
func (m *MemoryStore) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok || sess.Key != key {
		return fmt.Errorf("abort upload: no such upload %s for %s", uploadID, key)
	}
	if sess.Completed {
		return fmt.Errorf("abort upload: upload %s already completed", uploadID)
	}
	sess.Aborted = true
	return nil
}

// Object returns a stored object's bytes and whether it exists.
func (m *MemoryStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// SetObject stores an object directly, bypassing the upload protocol.
func (m *MemoryStore) SetObject(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// Keys returns all stored object keys, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sessions returns every multipart session ever created, in no
// particular order.
func (m *MemoryStore) Sessions() []*MemorySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MemorySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
