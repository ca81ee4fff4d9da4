// Package objectstore guards single-key operations on a bucket with existence checks.
//
// Every Add, Get, Update and Delete first probes the backend for the key and then acts.
// The probe and the action are two separate remote calls and are NOT atomic: two
// concurrent Adds of the same key can both pass the probe and both write, the second
// silently replacing the first. Duplicate prevention is therefore best effort. When the
// gateway is built with ConditionalWrites and the backend implements
// storage.ConditionalPutter, Add uses an atomic put-if-absent and the race on Add is
// closed; Update and Delete keep check-then-act semantics.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"bucketgate/internal/storage"
)

var (
	// ErrKeyConflict is returned by Add when the normalized key already exists.
	ErrKeyConflict = errors.New("key already exists")
	// ErrKeyNotFound is returned by Get, Update and Delete for an absent key.
	ErrKeyNotFound = errors.New("key does not exist")
	// ErrStoreUnavailable matches every *StoreError.
	ErrStoreUnavailable = errors.New("object store unavailable")
	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid key")
)

// StoreError reports an infrastructure failure of the backend. It is never retried here.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %q: %v: %v", e.Op, e.Key, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Diagnostic is the backend's own error text, for operators only.
func (e *StoreError) Diagnostic() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

type HealthState string

const (
	HealthUp   HealthState = "up"
	HealthDown HealthState = "down"
)

type HealthStatus struct {
	Status  HealthState `json:"status"`
	Message string      `json:"message,omitempty"`
}

type Options struct {
	Bucket string
	// ConditionalWrites makes Add use storage.ConditionalPutter when the backend has it.
	ConditionalWrites bool
	Logger            *logrus.Logger
}

// Gateway owns the backend handle for one bucket; it is safe for concurrent use.
type Gateway struct {
	backend     storage.Backend
	conditional storage.ConditionalPutter
	bucket      string
	logger      *logrus.Logger
}

func NewGateway(backend storage.Backend, opts Options) (*Gateway, error) {
	if backend == nil {
		return nil, fmt.Errorf("object backend is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	g := &Gateway{
		backend: backend,
		bucket:  opts.Bucket,
		logger:  opts.Logger,
	}
	if opts.ConditionalWrites {
		if cp, ok := backend.(storage.ConditionalPutter); ok {
			g.conditional = cp
		} else {
			opts.Logger.Warn("conditional writes requested but backend does not support them; add stays best effort")
		}
	}
	return g, nil
}

// NormalizeKey appends ".ext" to base unless base already ends with it.
func NormalizeKey(base, ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" || strings.HasSuffix(base, "."+ext) {
		return base
	}
	return base + "." + ext
}

// Add stores body under the normalized key and returns that key.
func (g *Gateway) Add(ctx context.Context, base, ext string, body io.Reader) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", ErrInvalidKey
	}
	key := NormalizeKey(base, ext)
	log := g.logger.WithFields(logrus.Fields{"op": "add", "key": key})

	exists, err := g.exists(ctx, "add", key)
	if err != nil {
		return "", err
	}
	if exists {
		log.Debug("key already present")
		return "", ErrKeyConflict
	}

	if g.conditional != nil {
		if err := g.conditional.PutIfAbsent(ctx, g.bucket, key, body); err != nil {
			if errors.Is(err, storage.ErrPreconditionFailed) {
				log.Debug("lost conditional write race")
				return "", ErrKeyConflict
			}
			return "", &StoreError{Op: "add", Key: key, Err: err}
		}
	} else if err := g.backend.Put(ctx, g.bucket, key, body); err != nil {
		return "", &StoreError{Op: "add", Key: key, Err: err}
	}

	log.Debug("object stored")
	return key, nil
}

// Get returns the object body. The caller closes it.
func (g *Gateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := g.requirePresent(ctx, "get", key); err != nil {
		return nil, err
	}

	body, err := g.backend.Get(ctx, g.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			// removed between probe and read
			return nil, ErrKeyNotFound
		}
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	return body, nil
}

func (g *Gateway) Update(ctx context.Context, key string, body io.Reader) error {
	if err := g.requirePresent(ctx, "update", key); err != nil {
		return err
	}
	if err := g.backend.Put(ctx, g.bucket, key, body); err != nil {
		return &StoreError{Op: "update", Key: key, Err: err}
	}
	g.logger.WithFields(logrus.Fields{"op": "update", "key": key}).Debug("object overwritten")
	return nil
}

func (g *Gateway) Delete(ctx context.Context, key string) error {
	if err := g.requirePresent(ctx, "delete", key); err != nil {
		return err
	}
	if err := g.backend.Delete(ctx, g.bucket, key); err != nil {
		return &StoreError{Op: "delete", Key: key, Err: err}
	}
	g.logger.WithFields(logrus.Fields{"op": "delete", "key": key}).Debug("object removed")
	return nil
}

// CheckHealth lists the bucket; any failure marks the store down with the backend's reason.
func (g *Gateway) CheckHealth(ctx context.Context) HealthStatus {
	if _, err := g.backend.List(ctx, g.bucket, storage.ListOptions{MaxKeys: 1}); err != nil {
		g.logger.WithError(err).Warn("object store health check failed")
		return HealthStatus{Status: HealthDown, Message: err.Error()}
	}
	return HealthStatus{Status: HealthUp}
}

func (g *Gateway) requirePresent(ctx context.Context, op, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	exists, err := g.exists(ctx, op, key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrKeyNotFound
	}
	return nil
}

// exists is the precondition probe. The exact key sorts first among keys sharing it
// as a prefix, so one listed entry is enough.
func (g *Gateway) exists(ctx context.Context, op, key string) (bool, error) {
	objects, err := g.backend.List(ctx, g.bucket, storage.ListOptions{Prefix: key, MaxKeys: 1})
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return false, nil
		}
		return false, &StoreError{Op: op + " probe", Key: key, Err: err}
	}
	return len(objects) > 0 && objects[0].Key == key, nil
}
