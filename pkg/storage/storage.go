package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written or was
// deleted. Backends map their own sentinel onto this one.
var ErrNotFound = errors.New("storage: key not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// KV is a raw byte-oriented key-value namespace.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, key string) error
}

// KVBroker hands out prefixed namespaces over one backing store.
type KVBroker interface {
	KeyValue(prefix string) KV
}

// KeyValue is a typed view over a KV namespace.
type KeyValue[T any] interface {
	Put(ctx context.Context, key string, obj T) error
	Get(ctx context.Context, key string) (T, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
}
