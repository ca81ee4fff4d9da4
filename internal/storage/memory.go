package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data     []byte
	modified time.Time
}

// MemoryBackend keeps objects in process. Buckets spring into existence on first write.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]map[string]memoryObject)}
}

func (m *MemoryBackend) List(ctx context.Context, bucket string, opts ListOptions) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	objects := make([]ObjectInfo, 0)
	for key, obj := range m.buckets[bucket] {
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		modified := obj.modified
		objects = append(objects, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: &modified,
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	if opts.MaxKeys > 0 && int32(len(objects)) > opts.MaxKeys {
		objects = objects[:opts.MaxKeys]
	}
	return objects, nil
}

func (m *MemoryBackend) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	data, err := m.read(ctx, key, body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(bucket, key, data)
	return nil
}

func (m *MemoryBackend) PutIfAbsent(ctx context.Context, bucket, key string, body io.Reader) error {
	data, err := m.read(ctx, key, body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.buckets[bucket][key]; exists {
		return ErrPreconditionFailed
	}
	m.store(bucket, key, data)
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete is idempotent, like S3.
func (m *MemoryBackend) Delete(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MemoryBackend) read(ctx context.Context, key string, body io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body for %s: %w", key, err)
	}
	return data, nil
}

// store expects m.mu to be held for writing.
func (m *MemoryBackend) store(bucket, key string, data []byte) {
	objects, ok := m.buckets[bucket]
	if !ok {
		objects = make(map[string]memoryObject)
		m.buckets[bucket] = objects
	}
	objects[key] = memoryObject{data: data, modified: time.Now().UTC()}
}

var (
	_ Backend           = (*MemoryBackend)(nil)
	_ ConditionalPutter = (*MemoryBackend)(nil)
)
