package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrObjectNotFound is returned by Get when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned by PutIfAbsent when the key already exists.
	ErrPreconditionFailed = errors.New("object already exists")
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// ListOptions narrows a listing. MaxKeys <= 0 lists everything.
type ListOptions struct {
	Prefix  string
	MaxKeys int32
}

// Backend is a flat key/value blob store addressed by bucket and key.
// Listings are returned in ascending key order.
type Backend interface {
	List(ctx context.Context, bucket string, opts ListOptions) ([]ObjectInfo, error)
	Put(ctx context.Context, bucket, key string, body io.Reader) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
}

// ConditionalPutter is implemented by backends that can store a key atomically
// only when it is absent.
type ConditionalPutter interface {
	PutIfAbsent(ctx context.Context, bucket, key string, body io.Reader) error
}
