package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Partition roles. At most one partition per role is current at any time.
const (
	RoleShell = "shell"
	RoleAPI   = "api"
	RoleMedia = "media"
)

// ErrClosed is returned by partitions whose manager has been closed.
var ErrClosed = errors.New("cache: manager closed")

// Manager owns the set of named partitions for one origin.
type Manager interface {
	// Open returns the named partition, creating it if absent.
	Open(ctx context.Context, name string) (Partition, error)
	// Names lists every partition ever created, sorted.
	Names(ctx context.Context) ([]string, error)
	// PurgeExcept deletes every partition whose name is not in keep.
	// A failed individual deletion is logged and skipped.
	PurgeExcept(ctx context.Context, keep []string) error
	Close() error
}

// Partition is a named key -> entry map. Keys are normalized request keys.
type Partition interface {
	Name() string
	Match(ctx context.Context, key string) (*Entry, bool, error)
	// Put replaces the entry for key as a whole. Concurrent puts to the same key are last write wins.
	Put(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Entry holds a stored response.
type Entry struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	StoredAt   time.Time
}

// Size returns the estimated memory footprint in bytes.
func (e *Entry) Size() int64 {
	bodySize := int64(len(e.Body))
	// Heuristic: ~30 bytes per header key/value pair overhead
	headerSize := int64(len(e.Headers) * 30)
	return bodySize + headerSize
}

// IsStale reports whether the entry is older than maxAge. A zero maxAge makes every entry stale.
func (e *Entry) IsStale(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return time.Since(e.StoredAt) > maxAge
}

// Clone returns a deep copy so stored entries are never shared with callers.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		StatusCode: e.StatusCode,
		Headers:    e.Headers.Clone(),
		Body:       append([]byte(nil), e.Body...),
		StoredAt:   e.StoredAt,
	}
}

// PartitionName builds the versioned name of a partition, e.g. "catalog-api-v7".
func PartitionName(prefix, role string, version int) string {
	return fmt.Sprintf("%s-%s-v%d", prefix, role, version)
}

// ParsePartitionName splits a name built by PartitionName. Role may itself not contain dashes.
func ParsePartitionName(name string) (prefix, role string, version int, ok bool) {
	vIdx := strings.LastIndex(name, "-v")
	if vIdx <= 0 {
		return "", "", 0, false
	}
	version, err := strconv.Atoi(name[vIdx+2:])
	if err != nil || version < 0 {
		return "", "", 0, false
	}
	rest := name[:vIdx]
	rIdx := strings.LastIndex(rest, "-")
	if rIdx <= 0 || rIdx == len(rest)-1 {
		return "", "", 0, false
	}
	return rest[:rIdx], rest[rIdx+1:], version, true
}

// CurrentNames returns the partition names for all roles at version.
func CurrentNames(prefix string, version int) []string {
	return []string{
		PartitionName(prefix, RoleShell, version),
		PartitionName(prefix, RoleAPI, version),
		PartitionName(prefix, RoleMedia, version),
	}
}
