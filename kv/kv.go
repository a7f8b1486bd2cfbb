// Package kv is the durable string key-value storage owned by the foreground application.
//
// Usage is counted as len(key)+len(value) over all keys, and a write that would push usage
// above the configured quota fails with ErrQuotaExceeded, leaving the previous value intact.
package kv

import (
	"context"
	"errors"
)

// ErrQuotaExceeded is returned by Set when the write does not fit the storage quota.
var ErrQuotaExceeded = errors.New("kv: quota exceeded")

// Store is a small durable map of well-known string keys to opaque string values.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func usage(key, value string) int64 {
	return int64(len(key) + len(value))
}
