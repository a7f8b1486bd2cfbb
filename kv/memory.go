package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store with an optional byte quota.
type Memory struct {
	mu         sync.Mutex
	values     map[string]string
	used       int64
	quotaBytes int64
}

// NewMemory returns an empty store. quotaBytes <= 0 disables the quota.
func NewMemory(quotaBytes int64) *Memory {
	return &Memory{values: make(map[string]string), quotaBytes: quotaBytes}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.used + usage(key, value)
	if old, ok := m.values[key]; ok {
		next -= usage(key, old)
	}
	if m.quotaBytes > 0 && next > m.quotaBytes {
		return ErrQuotaExceeded
	}
	m.values[key] = value
	m.used = next
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.values[key]; ok {
		m.used -= usage(key, old)
		delete(m.values, key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Used returns the bytes currently counted against the quota.
func (m *Memory) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

var _ Store = (*Memory)(nil)
