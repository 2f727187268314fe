package store

import (
	"context"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Serializer converts values to and from their stored form.
type Serializer[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// StringSerializer stores strings as their UTF-8 bytes.
type StringSerializer struct{}

func (StringSerializer) Marshal(s string) ([]byte, error)    { return []byte(s), nil }
func (StringSerializer) Unmarshal(data []byte) (string, error) { return string(data), nil }

// BytesSerializer stores byte slices as they are.
type BytesSerializer struct{}

func (BytesSerializer) Marshal(b []byte) ([]byte, error)    { return copyBytes(b), nil }
func (BytesSerializer) Unmarshal(data []byte) ([]byte, error) { return copyBytes(data), nil }

// JSONSerializer stores values as deterministic JSON.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Marshal(v T) ([]byte, error) {
	data, err := jsonv2.Marshal(v, jsonv2.Deterministic(true))
	return data, errors.WithStack(err)
}

func (JSONSerializer[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := jsonv2.Unmarshal(data, &v, jsonv2.RejectUnknownMembers(false))
	return v, errors.WithStack(err)
}

// Cache is a typed key/value cache.
type Cache[K, V any] interface {
	// Get returns the value for key, calling factory and storing its result
	// if there is none.
	Get(ctx context.Context, key K, factory func(context.Context, K) (V, error)) (V, error)
	// GetIfPresent returns the value for key or an error matching ErrNotFound.
	// It never computes a value.
	GetIfPresent(ctx context.Context, key K) (V, error)
	// Put replaces the value for key.
	Put(ctx context.Context, key K, value V) error
}

// IndexedCache is a [Cache] stored in a bucket of a [PersistentStore].
// Concurrent calls to Get for the same key within a process share a single
// factory invocation. Values must not be modified once handed to the cache.
type IndexedCache[K, V any] struct {
	bucket Bucket
	keys   Serializer[K]
	values Serializer[V]
	group  singleflight.Group
}

// CreateCache opens the named cache in store.
func CreateCache[K, V any](ctx context.Context, store PersistentStore, name string, keys Serializer[K], values Serializer[V]) (*IndexedCache[K, V], error) {
	bucket, err := store.OpenBucket(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "create cache %s", name)
	}
	return &IndexedCache[K, V]{
		bucket: bucket,
		keys:   keys,
		values: values,
	}, nil
}

// Name returns the name of the cache.
func (c *IndexedCache[K, V]) Name() string {
	return c.bucket.Name()
}

// Get implements [Cache].
func (c *IndexedCache[K, V]) Get(ctx context.Context, key K, factory func(context.Context, K) (V, error)) (V, error) {
	var zero V
	kb, err := c.keys.Marshal(key)
	if err != nil {
		return zero, errors.Wrap(err, "marshal key")
	}
	if v, err := c.get(ctx, kb); err == nil || !errors.Is(err, ErrNotFound) {
		return v, err
	}

	result, err, _ := c.group.Do(string(kb), func() (any, error) {
		// Another caller may have stored the value since the first lookup.
		if v, err := c.get(ctx, kb); err == nil || !errors.Is(err, ErrNotFound) {
			return v, err
		}
		v, err := factory(ctx, key)
		if err != nil {
			return zero, err
		}
		if err := c.put(ctx, kb, v); err != nil {
			return zero, err
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, _ := result.(V)
	return v, nil
}

// GetIfPresent implements [Cache].
func (c *IndexedCache[K, V]) GetIfPresent(ctx context.Context, key K) (V, error) {
	var zero V
	kb, err := c.keys.Marshal(key)
	if err != nil {
		return zero, errors.Wrap(err, "marshal key")
	}
	return c.get(ctx, kb)
}

// Put implements [Cache].
func (c *IndexedCache[K, V]) Put(ctx context.Context, key K, value V) error {
	kb, err := c.keys.Marshal(key)
	if err != nil {
		return errors.Wrap(err, "marshal key")
	}
	return c.put(ctx, kb, value)
}

// Remove deletes the value for key.
func (c *IndexedCache[K, V]) Remove(ctx context.Context, key K) error {
	kb, err := c.keys.Marshal(key)
	if err != nil {
		return errors.Wrap(err, "marshal key")
	}
	return c.bucket.Remove(ctx, kb)
}

// ForEach calls fn for every entry in stored key order.
func (c *IndexedCache[K, V]) ForEach(ctx context.Context, fn func(key K, value V) error) error {
	return c.bucket.ForEach(ctx, func(kb, vb []byte) error {
		k, err := c.keys.Unmarshal(kb)
		if err != nil {
			return errors.Wrapf(err, "%s: unmarshal key", c.Name())
		}
		v, err := c.values.Unmarshal(vb)
		if err != nil {
			return errors.Wrapf(err, "%s: unmarshal value", c.Name())
		}
		return fn(k, v)
	})
}

func (c *IndexedCache[K, V]) get(ctx context.Context, kb []byte) (V, error) {
	var zero V
	data, err := c.bucket.Get(ctx, kb)
	if err != nil {
		return zero, err
	}
	v, err := c.values.Unmarshal(data)
	if err != nil {
		return zero, errors.Wrapf(err, "%s: unmarshal value", c.Name())
	}
	return v, nil
}

func (c *IndexedCache[K, V]) put(ctx context.Context, kb []byte, v V) error {
	data, err := c.values.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "%s: marshal value", c.Name())
	}
	return c.bucket.Put(ctx, kb, data)
}
